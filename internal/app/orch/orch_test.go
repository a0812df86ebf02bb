package orch

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Beam/internal/adapters/channel"
	beamhttp "github.com/dkeye/Beam/internal/adapters/http"
	"github.com/dkeye/Beam/internal/adapters/relay"
	"github.com/dkeye/Beam/internal/adapters/rtc"
	"github.com/dkeye/Beam/internal/config"
	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
	"github.com/dkeye/Beam/internal/media"
	"github.com/dkeye/Beam/internal/protocol"
	"github.com/dkeye/Beam/internal/quality"
)

// fakeRelay hands messages straight to the subscribed handlers and records
// everything sent.
type fakeRelay struct {
	mu       sync.Mutex
	handlers map[string][]func(protocol.Message)
	sent     []protocol.Message
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{handlers: make(map[string][]func(protocol.Message))}
}

func (r *fakeRelay) On(event string, fn func(protocol.Message)) func() {
	r.mu.Lock()
	r.handlers[event] = append(r.handlers[event], fn)
	r.mu.Unlock()
	return func() {}
}

func (r *fakeRelay) OnStatus(func(channel.StatusEvent)) func() { return func() {} }

func (r *fakeRelay) Send(m protocol.Message) bool {
	r.mu.Lock()
	r.sent = append(r.sent, m)
	r.mu.Unlock()
	return true
}

func (r *fakeRelay) emit(m protocol.Message) {
	r.mu.Lock()
	fns := append([]func(protocol.Message){}, r.handlers[string(m.Kind)]...)
	r.mu.Unlock()
	for _, fn := range fns {
		fn(m)
	}
}

func (r *fakeRelay) messages() []protocol.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]protocol.Message(nil), r.sent...)
}

// signalsTo returns the payloads of kind sent to id, oldest first.
func (r *fakeRelay) signalsTo(id domain.PeerID, kind protocol.SignalKind) []protocol.SignalPayload {
	var out []protocol.SignalPayload
	for _, m := range r.messages() {
		if m.Kind == protocol.KindSignal && m.To == id && m.Data != nil && m.Data.Kind == kind {
			out = append(out, m.Data.Payload)
		}
	}
	return out
}

func signalFrom(from domain.PeerID, p protocol.SignalPayload) protocol.Message {
	return protocol.Message{Kind: protocol.KindSignal, From: from, Data: protocol.NewSignalData(p)}
}

func runLoop(t *testing.T, run func(context.Context) error) context.Context {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- run(ctx) }()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
	})
	return ctx
}

func TestHostAdmitsUpToCapacityAndQueuesTheRest(t *testing.T) {
	r := newFakeRelay()
	h := NewHost(HostOptions{Relay: r, Room: "AB23CD", Name: "Amy"})
	ctx := runLoop(t, h.Run)

	r.emit(protocol.Welcome("h"))
	r.emit(protocol.Joined("h", nil))
	for i := 1; i <= 7; i++ {
		r.emit(protocol.PeerJoined(domain.PeerID("v"+string(rune('0'+i))), domain.RoleViewer))
	}
	r.emit(protocol.PeerJoined("v1", domain.RoleViewer))
	r.emit(signalFrom("v1", protocol.Profile{PeerID: "v1", Name: "Sam", Role: domain.RoleViewer}))
	r.emit(signalFrom("v7", protocol.Profile{PeerID: "v7", Name: "Kim", Role: domain.RoleViewer}))

	ids, err := h.Viewers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"v1", "v2", "v3", "v4", "v5", "v6"}, ids)
	waiting, err := h.Waiting(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"v7"}, waiting)

	sent := r.messages()
	require.NotEmpty(t, sent)
	assert.Equal(t, protocol.Join("AB23CD", domain.RoleHost, "Amy"), sent[0])

	notices := r.signalsTo("v7", protocol.SignalNotice)
	require.Len(t, notices, 1)
	assert.Equal(t, protocol.NoticeRoomFull, notices[0].(protocol.Notice).Code)
	assert.Empty(t, r.signalsTo("v7", protocol.SignalRoster))

	members, err := h.Roster(ctx)
	require.NoError(t, err)
	require.Len(t, members, 7)
	assert.Equal(t, domain.Member{PeerID: "h", Name: "Amy", Role: domain.RoleHost}, members[0])
	assert.Contains(t, members, domain.Member{PeerID: "v1", Name: "Sam", Role: domain.RoleViewer})

	r.emit(protocol.PeerLeft("v2"))
	ids, err = h.Viewers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"v1", "v3", "v4", "v5", "v6", "v7"}, ids)
	waiting, err = h.Waiting(ctx)
	require.NoError(t, err)
	assert.Empty(t, waiting)

	rosters := r.signalsTo("v7", protocol.SignalRoster)
	require.NotEmpty(t, rosters)
	last := rosters[len(rosters)-1].(protocol.Roster)
	assert.Contains(t, last.Members, domain.Member{PeerID: "v7", Name: "Kim", Role: domain.RoleViewer})
	assert.NotContains(t, last.Members, domain.Member{PeerID: "v2", Name: domain.UnknownName, Role: domain.RoleViewer})
	assert.Equal(t, 0, h.ConnectedCount())
}

func TestHostReconcilesViewersOnRejoin(t *testing.T) {
	r := newFakeRelay()
	h := NewHost(HostOptions{Relay: r, Room: "AB23CD", Name: "Amy"})
	ctx := runLoop(t, h.Run)

	r.emit(protocol.Welcome("h"))
	r.emit(protocol.Joined("h", nil))
	r.emit(protocol.PeerJoined("v1", domain.RoleViewer))
	r.emit(protocol.PeerJoined("v2", domain.RoleViewer))

	// relay restarted: new id, v1 is gone, v3 is new
	r.emit(protocol.Welcome("h2"))
	r.emit(protocol.Joined("h2", []protocol.PeerInfo{
		{PeerID: "v2", Role: domain.RoleViewer},
		{PeerID: "v3", Role: domain.RoleViewer},
	}))

	ids, err := h.Viewers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{"v2", "v3"}, ids)
	assert.Equal(t, domain.PeerID("h2"), h.Identity().Self())
}

type fakeVideo struct {
	track   webrtc.TrackLocal
	started atomic.Int32
	stopped atomic.Int32
}

func (v *fakeVideo) ApplyConstraints(quality.Constraints) error { return nil }
func (v *fakeVideo) ApplyEncoding(core.EncodingParams) error    { return nil }
func (v *fakeVideo) Track() webrtc.TrackLocal                   { return v.track }
func (v *fakeVideo) RequestKeyframe()                           {}
func (v *fakeVideo) Start(context.Context) error                { v.started.Add(1); return nil }
func (v *fakeVideo) Stop()                                      { v.stopped.Add(1) }

func TestStartShareRollsBackOnCaptureFailure(t *testing.T) {
	r := newFakeRelay()
	h := NewHost(HostOptions{Relay: r, Room: "AB23CD", Name: "Amy"})
	ctx := runLoop(t, h.Run)

	assert.ErrorIs(t, h.StartShare(ctx, Share{}), ErrNoStream)

	v := &fakeVideo{}
	err := h.StartShare(ctx, Share{
		Video: v,
		StartAudio: func(context.Context) (*media.AudioShare, error) {
			return nil, &media.CaptureError{Op: "start", Err: errors.New("no loopback device")}
		},
		Surface: quality.SurfaceWindow,
	})
	var capErr *media.CaptureError
	require.ErrorAs(t, err, &capErr)
	assert.EqualValues(t, 1, v.started.Load())
	assert.EqualValues(t, 1, v.stopped.Load())

	entries := h.Events().Entries()
	require.NotEmpty(t, entries)
	assert.Contains(t, entries[len(entries)-1].Text, "no loopback device")

	// a retry without audio goes through
	require.NoError(t, h.StartShare(ctx, Share{Video: v}))
	assert.ErrorIs(t, h.StartShare(ctx, Share{Video: v}), ErrShareActive)

	require.NoError(t, h.StopShare(ctx))
	require.NoError(t, h.StopShare(ctx))
	assert.EqualValues(t, 2, v.stopped.Load())
}

// slowVideo blocks in Start until release is closed.
type slowVideo struct {
	fakeVideo
	release chan struct{}
}

func (v *slowVideo) Start(context.Context) error {
	v.started.Add(1)
	<-v.release
	return nil
}

func TestStopShareDuringStartWins(t *testing.T) {
	r := newFakeRelay()
	h := NewHost(HostOptions{Relay: r, Room: "AB23CD", Name: "Amy"})
	ctx := runLoop(t, h.Run)

	v := &slowVideo{release: make(chan struct{})}
	started := make(chan error, 1)
	go func() { started <- h.StartShare(ctx, Share{Video: v}) }()
	require.Eventually(t, func() bool { return v.started.Load() == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, h.StopShare(ctx))
	close(v.release)
	require.NoError(t, <-started)
	assert.EqualValues(t, 1, v.stopped.Load())

	var active bool
	require.NoError(t, h.Do(ctx, func() { active = h.stream != nil || h.starting }))
	assert.False(t, active)

	// the stop does not carry over to the next share
	next := &fakeVideo{}
	require.NoError(t, h.StartShare(ctx, Share{Video: next}))
	require.NoError(t, h.Do(ctx, func() { active = h.stream != nil }))
	assert.True(t, active)
	require.NoError(t, h.StopShare(ctx))
	assert.EqualValues(t, 1, next.stopped.Load())
}

func TestSetQualityReachesLinksStillNegotiating(t *testing.T) {
	if testing.Short() {
		t.Skip("opens peer connections")
	}
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}, "video", "beam")
	require.NoError(t, err)

	r := newFakeRelay()
	h := NewHost(HostOptions{Relay: r, API: loopbackAPI(t), Room: "AB23CD", Name: "Amy"})
	ctx := runLoop(t, h.Run)

	require.NoError(t, h.StartShare(ctx, Share{Video: &fakeVideo{track: track}, Surface: quality.SurfaceWindow}))
	r.emit(protocol.Welcome("h"))
	r.emit(protocol.Joined("h", nil))
	r.emit(protocol.PeerJoined("v1", domain.RoleViewer))

	maxBitrate := func() uint64 {
		var got uint64
		require.NoError(t, h.Do(ctx, func() {
			if e, ok := h.viewers.Get("v1"); ok && e.Video != nil {
				got = e.Video.Parameters().MaxBitrate
			}
		}))
		return got
	}
	require.Eventually(t, func() bool { return maxBitrate() == 3_500_000 }, time.Second, 5*time.Millisecond)
	require.Len(t, r.signalsTo("v1", protocol.SignalOffer), 1)

	// no answer yet, so the link is not connected
	_, err = h.SetQuality(ctx, string(quality.Tier720p30))
	require.NoError(t, err)
	assert.EqualValues(t, 1_800_000, maxBitrate())
	assert.Equal(t, 0, h.ConnectedCount())
}

func TestSetQualityRejectsUnknownTier(t *testing.T) {
	h := NewHost(HostOptions{Relay: newFakeRelay()})
	ctx := runLoop(t, h.Run)

	_, err := h.SetQuality(ctx, "4k")
	assert.Error(t, err)

	p, err := h.SetQuality(ctx, string(quality.Tier720p30))
	require.NoError(t, err)
	assert.Equal(t, quality.Tier720p30, p.Label)
	assert.Len(t, string(h.Room()), domain.RoomIDLength)
}

func TestViewerIntroducesItselfToTheHost(t *testing.T) {
	r := newFakeRelay()
	v := NewViewer(ViewerOptions{Relay: r, Room: "AB23CD", Name: "Sam"})
	ctx := runLoop(t, v.Run)

	r.emit(protocol.Welcome("v1"))
	r.emit(protocol.Joined("", nil))
	r.emit(protocol.PeerJoined("h", domain.RoleHost))

	// a roster from anyone but the host is ignored
	r.emit(signalFrom("v9", protocol.Roster{Members: []domain.Member{{PeerID: "x", Name: "X", Role: domain.RoleHost}}}))
	hostRoster := []domain.Member{
		{PeerID: "h", Name: "Amy", Role: domain.RoleHost},
		{PeerID: "v1", Name: "Sam", Role: domain.RoleViewer},
	}
	r.emit(signalFrom("h", protocol.Roster{Members: hostRoster}))

	members, err := v.Members(ctx)
	require.NoError(t, err)
	assert.Equal(t, hostRoster, members)
	assert.Equal(t, domain.PeerID("h"), v.HostID())

	sent := r.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, protocol.Join("AB23CD", domain.RoleViewer, "Sam"), sent[0])
	assert.Equal(t, protocol.Signal("h", protocol.Profile{PeerID: "v1", Name: "Sam", Role: domain.RoleViewer}), sent[1])

	r.emit(protocol.PeerLeft("h"))
	members, err = v.Members(ctx)
	require.NoError(t, err)
	assert.Empty(t, members)
	assert.Empty(t, v.HostID())
	assert.False(t, v.Connected())
}

func startRelay(t *testing.T) string {
	t.Helper()
	gin.SetMode(gin.TestMode)
	ctx, cancel := context.WithCancel(context.Background())
	hub := relay.NewHub(relay.Options{})
	srv := httptest.NewServer(beamhttp.SetupRouter(ctx, &config.Config{Mode: "test"}, hub))
	t.Cleanup(func() {
		cancel()
		srv.Close()
	})
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/signal"
}

func loopbackAPI(t *testing.T) *webrtc.API {
	t.Helper()
	api, err := rtc.NewAPI(rtc.APIOptions{
		IncludeLoopback: true,
		Timeouts: &rtc.ICETimeouts{
			Disconnected: time.Second,
			Failed:       2 * time.Second,
			KeepAlive:    200 * time.Millisecond,
		},
	})
	require.NoError(t, err)
	return api
}

func TestHostViewerEndToEnd(t *testing.T) {
	if testing.Short() {
		t.Skip("opens peer connections")
	}
	url := startRelay(t)
	api := loopbackAPI(t)

	hostRelay := channel.New(channel.Options{URL: url})
	viewerRelay := channel.New(channel.Options{URL: url})
	t.Cleanup(hostRelay.Close)
	t.Cleanup(viewerRelay.Close)

	var videoEnded atomic.Int32
	playout := media.NewPlayout(media.PlayoutOptions{OnEnded: func(kind string) {
		if kind == webrtc.RTPCodecTypeVideo.String() {
			videoEnded.Add(1)
		}
	}})

	h := NewHost(HostOptions{Relay: hostRelay, API: api, ICE: webrtc.Configuration{}, Room: "AB23CD", Name: "Amy"})
	v := NewViewer(ViewerOptions{Relay: viewerRelay, API: api, ICE: webrtc.Configuration{}, Room: "AB23CD", Name: "Sam", Playout: playout})
	hostCtx := runLoop(t, h.Run)
	viewerCtx := runLoop(t, v.Run)

	hostRelay.Connect(hostCtx)
	require.Eventually(t, func() bool { return h.Identity().Host() != "" }, 5*time.Second, 20*time.Millisecond)
	viewerRelay.Connect(viewerCtx)

	require.Eventually(t, func() bool {
		members, err := v.Members(viewerCtx)
		if err != nil {
			return false
		}
		return assert.ObjectsAreEqual([]domain.Member{
			{PeerID: h.Identity().Self(), Name: "Amy", Role: domain.RoleHost},
			{PeerID: v.Identity().Self(), Name: "Sam", Role: domain.RoleViewer},
		}, members)
	}, 5*time.Second, 20*time.Millisecond)

	pattern, err := media.NewTestPattern()
	require.NoError(t, err)
	require.NoError(t, h.StartShare(hostCtx, Share{Video: pattern}))

	require.Eventually(t, func() bool { return h.ConnectedCount() == 1 }, 15*time.Second, 50*time.Millisecond)
	require.Eventually(t, v.Connected, 15*time.Second, 50*time.Millisecond)
	require.Eventually(t, func() bool { return playout.Active("video") == 1 }, 15*time.Second, 50*time.Millisecond)

	require.NoError(t, h.StopShare(hostCtx))
	assert.Equal(t, 0, h.ConnectedCount())
	require.NoError(t, h.StopShare(hostCtx))

	require.Eventually(t, func() bool { return videoEnded.Load() == 1 }, 20*time.Second, 100*time.Millisecond)
	assert.False(t, v.Connected())

	ids, err := h.Viewers(hostCtx)
	require.NoError(t, err)
	assert.Equal(t, []domain.PeerID{v.Identity().Self()}, ids)
}
