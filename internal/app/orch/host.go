package orch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/adapters/channel"
	"github.com/dkeye/Beam/internal/app"
	"github.com/dkeye/Beam/internal/domain"
	"github.com/dkeye/Beam/internal/media"
	"github.com/dkeye/Beam/internal/protocol"
	"github.com/dkeye/Beam/internal/quality"
)

const DefaultAudioKbps = 256

type HostOptions struct {
	Relay Relay
	API   *webrtc.API
	ICE   webrtc.Configuration
	// Room is generated when empty.
	Room    domain.RoomID
	Name    string
	Quality *quality.Controller
	// AudioKbps is the target bitrate of the system audio sender.
	AudioKbps int
	// SystemAudioBridge is set when the OS gives loopback audio without
	// costing video bandwidth; it disables the audio-priority downgrade.
	SystemAudioBridge bool
	Capacity          int
	Events            *app.EventLog
}

// Host owns a room: it admits up to Capacity viewers, sends each of them the
// current share over its own peer link and keeps everyone's roster in sync.
type Host struct {
	opts   HostOptions
	loop   *app.Loop
	id     *app.Identity
	events *app.EventLog
	unsub  func()
	// lifetime of the share's sources
	ctx    context.Context
	cancel context.CancelFunc

	connected atomic.Int32

	// loop-owned
	viewers  *app.ViewerRegistry
	roster   *app.Roster
	names    map[domain.PeerID]string
	stream   *media.Stream
	starting bool

	// set by StopShare while sources are still starting
	stopRequested bool
}

// NewHost subscribes to the relay right away, so it must be created before
// the relay connects. Events queue until Run starts.
func NewHost(opts HostOptions) *Host {
	if opts.Room == "" {
		opts.Room = domain.NewRoomID()
	}
	if opts.Quality == nil {
		opts.Quality = quality.NewController(string(quality.DefaultTier))
	}
	if opts.AudioKbps <= 0 {
		opts.AudioKbps = DefaultAudioKbps
	}
	if opts.Events == nil {
		opts.Events = app.NewEventLog("orch.host", 0)
	}
	h := &Host{
		opts:   opts,
		loop:   app.NewLoop(),
		id:     app.NewIdentity(opts.Room, domain.RoleHost, opts.Name),
		events: opts.Events,
		roster: app.NewRoster(),
		names:  make(map[domain.PeerID]string),
	}
	h.ctx, h.cancel = context.WithCancel(context.Background())
	h.viewers = app.NewViewerRegistry(opts.Capacity, app.RegistryHooks{
		BringUp:          h.connectViewer,
		Rejected:         h.onRejected,
		FullCleared:      func() { h.events.Info("a viewer slot is free again") },
		ConnectedChanged: h.onConnectedChanged,
	})
	h.unsub = subscribe(opts.Relay, h.loop.Post, map[protocol.Kind]func(protocol.Message){
		protocol.KindWelcome:    h.onWelcome,
		protocol.KindJoined:     h.onJoined,
		protocol.KindPeerJoined: h.onPeerJoined,
		protocol.KindPeerLeft:   h.onPeerLeft,
		protocol.KindSignal:     h.onSignal,
		protocol.KindError:      h.onError,
	}, h.onStatus)
	return h
}

func (h *Host) Room() domain.RoomID     { return h.opts.Room }
func (h *Host) Events() *app.EventLog   { return h.events }
func (h *Host) Identity() *app.Identity { return h.id }

// ConnectedCount is the number of viewers whose peer link is connected.
func (h *Host) ConnectedCount() int { return int(h.connected.Load()) }

// Run processes events until ctx ends, then stops the share and closes every
// viewer link.
func (h *Host) Run(ctx context.Context) error {
	log.Info().Str("module", "orch.host").Str("room", string(h.opts.Room)).Msg("hosting room")
	err := h.loop.Run(ctx)
	h.unsub()

	h.closeLinks()
	h.viewers.Clear()
	if h.stream != nil {
		h.stream.Stop()
		h.stream = nil
	}
	h.cancel()
	h.roster.Clear()
	h.connected.Store(0)
	log.Info().Str("module", "orch.host").Str("room", string(h.opts.Room)).Msg("host stopped")
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (h *Host) onStatus(ev channel.StatusEvent) {
	switch ev.Status {
	case channel.StatusOpen:
		h.events.Info(statusText(ev))
	case channel.StatusClosed:
		h.events.Notice(statusText(ev))
	}
}

func (h *Host) onWelcome(m protocol.Message) {
	if old := h.id.Self(); old != "" {
		h.roster.Remove(old)
	}
	h.id.Reset()
	h.id.SetSelf(m.PeerID)
	h.roster.Upsert(m.PeerID, h.id.Name(), domain.RoleHost)
	if !h.opts.Relay.Send(protocol.Join(h.opts.Room, domain.RoleHost, h.id.Name())) {
		log.Warn().Str("module", "orch.host").Msg("join not sent, waiting for reconnect")
	}
}

func (h *Host) onJoined(m protocol.Message) {
	h.id.SetHost(m.HostID)
	h.events.Info(fmt.Sprintf("room %s is open", h.opts.Room))

	// viewers that left while the relay connection was down
	present := make(map[domain.PeerID]bool, len(m.Peers))
	for _, p := range m.Peers {
		present[p.PeerID] = true
	}
	var gone []domain.PeerID
	h.viewers.ForEach(func(e *app.ViewerEntry) {
		if !present[e.PeerID] {
			gone = append(gone, e.PeerID)
		}
	})
	for _, id := range gone {
		h.removeViewer(id)
	}

	for _, p := range m.Peers {
		if p.Role == domain.RoleViewer {
			h.admitViewer(p.PeerID)
		}
	}
	h.roster.Broadcast(h.opts.Relay)
}

func (h *Host) onPeerJoined(m protocol.Message) {
	if m.Role != domain.RoleViewer {
		log.Warn().Str("module", "orch.host").Str("peer", string(m.PeerID)).Str("role", string(m.Role)).Msg("ignoring non-viewer peer")
		return
	}
	if h.admitViewer(m.PeerID) {
		h.roster.Broadcast(h.opts.Relay)
	}
}

func (h *Host) onPeerLeft(m protocol.Message) {
	delete(h.names, m.PeerID)
	if h.removeViewer(m.PeerID) {
		h.roster.Broadcast(h.opts.Relay)
	}
}

func (h *Host) onError(m protocol.Message) {
	h.events.Error(fmt.Sprintf("relay error %s: %s", m.Code, m.Message))
}

func (h *Host) admitViewer(id domain.PeerID) bool {
	if id == h.id.Self() {
		return false
	}
	if !h.viewers.Admit(id) {
		return false
	}
	h.admitted(id)
	return true
}

func (h *Host) admitted(id domain.PeerID) {
	name, ok := h.names[id]
	if !ok {
		name = domain.UnknownName
	}
	m := h.roster.Upsert(id, name, domain.RoleViewer)
	h.events.Info(fmt.Sprintf("%s joined (%d/%d)", m.Name, h.viewers.Len(), h.viewers.Capacity()))
}

// removeViewer drops id and admits whoever was waiting for its slot.
func (h *Host) removeViewer(id domain.PeerID) bool {
	_, known := h.viewers.Get(id)
	for _, next := range h.viewers.Remove(id) {
		h.admitted(next)
	}
	m, inRoster := h.roster.Get(id)
	h.roster.Remove(id)
	if known && inRoster {
		h.events.Info(fmt.Sprintf("%s left", m.Name))
	}
	return known
}

func (h *Host) onRejected(id domain.PeerID, waiting int) {
	h.events.Notice(fmt.Sprintf("room is full (%d viewers), %d waiting", h.viewers.Capacity(), waiting))
	h.opts.Relay.Send(protocol.Signal(id, protocol.Notice{
		Code:    protocol.NoticeRoomFull,
		Message: "The room is full. You will be let in when a viewer leaves.",
	}))
}

func (h *Host) onConnectedChanged(n int) {
	h.connected.Store(int32(n))
	h.events.Info(fmt.Sprintf("%d viewer(s) connected", n))
}

func (h *Host) onSignal(m protocol.Message) {
	if m.Data == nil || m.Data.Payload == nil {
		log.Debug().Str("module", "orch.host").Str("from", string(m.From)).Msg("signal without known payload ignored")
		return
	}
	switch p := m.Data.Payload.(type) {
	case protocol.Answer:
		sess := h.sessionOf(m.From)
		if sess == nil {
			return
		}
		if err := sess.ApplyRemoteAnswer(p); err != nil {
			log.Warn().Err(err).Str("module", "orch.host").Str("peer", string(m.From)).Msg("apply answer")
		}
	case protocol.ICE:
		if sess := h.sessionOf(m.From); sess != nil {
			sess.AddRemoteCandidate(p)
		}
	case protocol.Profile:
		h.onProfile(m.From, p)
	default:
		log.Debug().Str("module", "orch.host").Str("from", string(m.From)).Str("kind", string(m.Data.Kind)).Msg("signal ignored")
	}
}

func (h *Host) onProfile(from domain.PeerID, p protocol.Profile) {
	name, err := domain.NormalizeName(p.Name)
	if err != nil {
		return
	}
	h.names[from] = name
	if _, ok := h.viewers.Get(from); !ok {
		return
	}
	prev, _ := h.roster.Get(from)
	m := h.roster.Upsert(from, name, domain.RoleViewer)
	if prev.Name != m.Name {
		h.events.Info(fmt.Sprintf("%s is %s", from, m.Name))
	}
	h.roster.Broadcast(h.opts.Relay)
}

// Do runs fn on the host loop.
func (h *Host) Do(ctx context.Context, fn func()) error {
	return h.loop.Do(ctx, fn)
}

// Viewers lists admitted viewers in admission order.
func (h *Host) Viewers(ctx context.Context) ([]domain.PeerID, error) {
	var out []domain.PeerID
	err := h.loop.Do(ctx, func() {
		h.viewers.ForEach(func(e *app.ViewerEntry) { out = append(out, e.PeerID) })
	})
	return out, err
}

// Waiting lists viewers turned away for lack of a slot, oldest first.
func (h *Host) Waiting(ctx context.Context) ([]domain.PeerID, error) {
	var out []domain.PeerID
	err := h.loop.Do(ctx, func() { out = h.viewers.Waiting() })
	return out, err
}

func (h *Host) Roster(ctx context.Context) ([]domain.Member, error) {
	var out []domain.Member
	err := h.loop.Do(ctx, func() { out = h.roster.List() })
	return out, err
}
