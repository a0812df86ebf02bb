package rtc

import (
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/protocol"
)

func testAPI(t *testing.T) *webrtc.API {
	t.Helper()
	api, err := NewAPI(APIOptions{IncludeLoopback: true})
	require.NoError(t, err)
	return api
}

// noICE keeps tests off the network.
var noICE = webrtc.Configuration{}

func videoTrack(t *testing.T, id string) *webrtc.TrackLocalStaticSample {
	t.Helper()
	tr, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, id, "share")
	require.NoError(t, err)
	return tr
}

type recordingControl struct {
	got []core.EncodingParams
}

func (c *recordingControl) ApplyEncoding(p core.EncodingParams) error {
	c.got = append(c.got, p)
	return nil
}

func TestAttachReplacesSameKind(t *testing.T) {
	s, err := NewSession(testAPI(t), noICE, "v1", Callbacks{})
	require.NoError(t, err)
	defer s.Close()

	first, err := s.Attach(videoTrack(t, "a"), nil)
	require.NoError(t, err)
	second, err := s.Attach(videoTrack(t, "b"), nil)
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Len(t, s.pc.GetSenders(), 1)
	assert.Equal(t, "b", second.RTPSender().Track().ID())
	assert.Same(t, second, s.Sender(webrtc.RTPCodecTypeVideo))
	assert.Nil(t, s.Sender(webrtc.RTPCodecTypeAudio))
}

func TestSenderParameters(t *testing.T) {
	s, err := NewSession(testAPI(t), noICE, "v1", Callbacks{})
	require.NoError(t, err)
	defer s.Close()

	snd, err := s.Attach(videoTrack(t, "a"), nil)
	require.NoError(t, err)
	assert.ErrorIs(t, snd.SetParameters(core.EncodingParams{MaxBitrate: 1000}), core.ErrParamsUnsupported)
	assert.Equal(t, uint64(1000), snd.Parameters().MaxBitrate)

	ctl := &recordingControl{}
	_, err = s.Attach(videoTrack(t, "b"), ctl)
	require.NoError(t, err)
	require.NoError(t, snd.SetParameters(core.EncodingParams{MaxBitrate: 2000}))
	require.Len(t, ctl.got, 1)
	assert.Equal(t, uint64(2000), ctl.got[0].MaxBitrate)
	assert.Equal(t, "video", snd.Kind())
}

func TestCandidatesWaitForRemoteDescription(t *testing.T) {
	s, err := NewSession(testAPI(t), noICE, "v1", Callbacks{})
	require.NoError(t, err)
	defer s.Close()

	mid := "0"
	s.AddRemoteCandidate(protocol.ICE{Candidate: "candidate:1 1 udp 2130706431 127.0.0.1 5000 typ host", SDPMid: &mid})
	assert.Equal(t, 1, s.PendingCandidates())
}

func TestCloseIsIdempotent(t *testing.T) {
	s, err := NewSession(testAPI(t), noICE, "v1", Callbacks{})
	require.NoError(t, err)
	s.Close()
	s.Close()
	assert.Equal(t, webrtc.PeerConnectionStateClosed, s.State())
	_, err = s.Attach(videoTrack(t, "a"), nil)
	assert.ErrorIs(t, err, ErrSessionClosed)
}

func TestOfferAnswerOverLoopback(t *testing.T) {
	api := testAPI(t)

	var mu sync.Mutex
	var hostState, viewerState webrtc.PeerConnectionState
	tracks := make(chan *webrtc.TrackRemote, 1)

	var host, viewer *Session
	var err error
	host, err = NewSession(api, noICE, "viewer", Callbacks{
		OnICECandidate: func(c protocol.ICE) { viewer.AddRemoteCandidate(c) },
		OnStateChange:  func(st webrtc.PeerConnectionState) { mu.Lock(); hostState = st; mu.Unlock() },
	})
	require.NoError(t, err)
	defer host.Close()

	viewer, err = NewSession(api, noICE, "host", Callbacks{
		OnICECandidate: func(c protocol.ICE) { host.AddRemoteCandidate(c) },
		OnStateChange:  func(st webrtc.PeerConnectionState) { mu.Lock(); viewerState = st; mu.Unlock() },
		OnTrack: func(tr *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			select {
			case tracks <- tr:
			default:
			}
		},
	})
	require.NoError(t, err)
	defer viewer.Close()

	track := videoTrack(t, "screen")
	_, err = host.Attach(track, nil)
	require.NoError(t, err)

	transformed := false
	host.SetDescriptionTransform(func(sdp string) string { transformed = true; return sdp })
	offer, err := host.CreateOffer()
	require.NoError(t, err)
	assert.True(t, transformed)
	assert.Equal(t, "offer", offer.Type)

	answer, err := viewer.ApplyRemoteOffer(offer)
	require.NoError(t, err)
	require.NoError(t, host.ApplyRemoteAnswer(answer))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return hostState == webrtc.PeerConnectionStateConnected && viewerState == webrtc.PeerConnectionStateConnected
	}, 15*time.Second, 20*time.Millisecond)

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(33 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				_ = track.WriteSample(media.Sample{Data: []byte{0x10, 0x02, 0x00, 0x9d, 0x01, 0x2a}, Duration: 33 * time.Millisecond})
			}
		}
	}()

	select {
	case tr := <-tracks:
		assert.Equal(t, webrtc.RTPCodecTypeVideo, tr.Kind())
	case <-time.After(15 * time.Second):
		t.Fatal("viewer never received the video track")
	}
}
