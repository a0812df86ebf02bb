package orch

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/adapters/channel"
	"github.com/dkeye/Beam/internal/adapters/rtc"
	"github.com/dkeye/Beam/internal/app"
	"github.com/dkeye/Beam/internal/domain"
	"github.com/dkeye/Beam/internal/media"
	"github.com/dkeye/Beam/internal/protocol"
)

type ViewerOptions struct {
	Relay   Relay
	API     *webrtc.API
	ICE     webrtc.Configuration
	Room    domain.RoomID
	Name    string
	Playout *media.Playout
	Events  *app.EventLog
}

// Viewer joins a room, answers the host's offers and plays what arrives.
// Each offer gets a fresh peer link; the previous one is closed first.
type Viewer struct {
	opts   ViewerOptions
	loop   *app.Loop
	id     *app.Identity
	events *app.EventLog
	unsub  func()
	ctx    context.Context
	cancel context.CancelFunc

	connected atomic.Bool

	// loop-owned
	roster *app.Roster
	sess   *rtc.Session
	early  []protocol.ICE
}

// NewViewer subscribes to the relay right away; create it before the relay
// connects.
func NewViewer(opts ViewerOptions) *Viewer {
	if opts.Playout == nil {
		opts.Playout = media.NewPlayout(media.PlayoutOptions{})
	}
	if opts.Events == nil {
		opts.Events = app.NewEventLog("orch.viewer", 0)
	}
	v := &Viewer{
		opts:   opts,
		loop:   app.NewLoop(),
		id:     app.NewIdentity(opts.Room, domain.RoleViewer, opts.Name),
		events: opts.Events,
		roster: app.NewRoster(),
	}
	v.ctx, v.cancel = context.WithCancel(context.Background())
	v.unsub = subscribe(opts.Relay, v.loop.Post, map[protocol.Kind]func(protocol.Message){
		protocol.KindWelcome:    v.onWelcome,
		protocol.KindJoined:     v.onJoined,
		protocol.KindPeerJoined: v.onPeerJoined,
		protocol.KindPeerLeft:   v.onPeerLeft,
		protocol.KindSignal:     v.onSignal,
		protocol.KindError:      v.onError,
	}, v.onStatus)
	return v
}

func (v *Viewer) Events() *app.EventLog   { return v.events }
func (v *Viewer) Identity() *app.Identity { return v.id }

// Connected reports whether the link to the host is up.
func (v *Viewer) Connected() bool { return v.connected.Load() }

func (v *Viewer) HostID() domain.PeerID { return v.id.Host() }

func (v *Viewer) Members(ctx context.Context) ([]domain.Member, error) {
	var out []domain.Member
	err := v.loop.Do(ctx, func() { out = v.roster.List() })
	return out, err
}

// Run processes events until ctx ends, then closes the host link.
func (v *Viewer) Run(ctx context.Context) error {
	log.Info().Str("module", "orch.viewer").Str("room", string(v.opts.Room)).Msg("joining room")
	err := v.loop.Run(ctx)
	v.unsub()
	v.closeSession()
	v.cancel()
	v.roster.Clear()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (v *Viewer) onStatus(ev channel.StatusEvent) {
	switch ev.Status {
	case channel.StatusOpen:
		v.events.Info(statusText(ev))
	case channel.StatusClosed:
		v.events.Notice(statusText(ev))
	}
}

func (v *Viewer) onWelcome(m protocol.Message) {
	// a new relay identity; the host drops links of the old one
	v.closeSession()
	v.id.Reset()
	v.id.SetSelf(m.PeerID)
	if !v.opts.Relay.Send(protocol.Join(v.opts.Room, domain.RoleViewer, v.id.Name())) {
		log.Warn().Str("module", "orch.viewer").Msg("join not sent, waiting for reconnect")
	}
}

func (v *Viewer) onJoined(m protocol.Message) {
	if m.HostID == "" {
		v.events.Info(fmt.Sprintf("joined room %s, waiting for the host", v.opts.Room))
		return
	}
	v.events.Info(fmt.Sprintf("joined room %s", v.opts.Room))
	v.hostArrived(m.HostID)
}

func (v *Viewer) onPeerJoined(m protocol.Message) {
	if m.Role != domain.RoleHost {
		return
	}
	v.events.Info("the host is here")
	v.hostArrived(m.PeerID)
}

func (v *Viewer) hostArrived(host domain.PeerID) {
	v.id.SetHost(host)
	v.sendProfile()
}

func (v *Viewer) sendProfile() {
	if !v.id.ProfileReady() {
		return
	}
	v.opts.Relay.Send(protocol.Signal(v.id.Host(), protocol.Profile{
		PeerID: v.id.Self(),
		Name:   v.id.Name(),
		Role:   domain.RoleViewer,
	}))
}

func (v *Viewer) onPeerLeft(m protocol.Message) {
	if m.PeerID != v.id.Host() {
		return
	}
	v.id.SetHost("")
	v.closeSession()
	v.early = nil
	v.roster.Clear()
	v.events.Notice("the host left")
}

func (v *Viewer) onError(m protocol.Message) {
	v.events.Error(fmt.Sprintf("relay error %s: %s", m.Code, m.Message))
}

func (v *Viewer) onSignal(m protocol.Message) {
	if m.Data == nil || m.Data.Payload == nil {
		return
	}
	if host := v.id.Host(); host == "" || m.From != host {
		log.Debug().Str("module", "orch.viewer").Str("from", string(m.From)).Msg("signal from a non-host ignored")
		return
	}
	switch p := m.Data.Payload.(type) {
	case protocol.Offer:
		v.onOffer(p)
	case protocol.ICE:
		if v.sess == nil {
			v.early = append(v.early, p)
			return
		}
		v.sess.AddRemoteCandidate(p)
	case protocol.Roster:
		v.roster.Replace(p.Members)
	case protocol.Notice:
		v.events.Notice(p.Message)
	}
}

func (v *Viewer) onOffer(o protocol.Offer) {
	v.closeSession()
	host := v.id.Host()

	var sess *rtc.Session
	var err error
	sess, err = rtc.NewSession(v.opts.API, v.opts.ICE, host, rtc.Callbacks{
		OnICECandidate: func(c protocol.ICE) {
			v.loop.Post(func() {
				if v.sess == sess {
					v.opts.Relay.Send(protocol.Signal(host, c))
				}
			})
		},
		OnStateChange: func(st webrtc.PeerConnectionState) {
			v.loop.Post(func() { v.onLinkState(sess, st) })
		},
		OnTrack: func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
			go v.play(sess, track)
		},
	})
	if err != nil {
		v.events.Error(fmt.Sprintf("could not open a link to the host: %v", err))
		return
	}
	v.sess = sess
	for _, c := range v.early {
		sess.AddRemoteCandidate(c)
	}
	v.early = nil

	answer, err := sess.ApplyRemoteOffer(o)
	if err != nil {
		log.Warn().Err(err).Str("module", "orch.viewer").Msg("answer offer")
		v.events.Error("negotiation with the host failed")
		return
	}
	v.opts.Relay.Send(protocol.Signal(host, answer))
	log.Info().Str("module", "orch.viewer").Str("host", string(host)).Msg("answer sent")
}

func (v *Viewer) play(sess *rtc.Session, track *webrtc.TrackRemote) {
	if track.Kind() == webrtc.RTPCodecTypeVideo {
		if err := sess.RequestKeyframe(track.SSRC()); err != nil {
			log.Debug().Err(err).Str("module", "orch.viewer").Msg("keyframe request")
		}
	}
	v.opts.Playout.Consume(v.ctx, track)
}

func (v *Viewer) onLinkState(sess *rtc.Session, st webrtc.PeerConnectionState) {
	if v.sess != sess {
		return
	}
	v.connected.Store(st == webrtc.PeerConnectionStateConnected)
	switch st {
	case webrtc.PeerConnectionStateConnected:
		v.events.Info("receiving the share")
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		v.events.Notice("the share ended")
		v.closeSession()
	}
}

func (v *Viewer) closeSession() {
	if v.sess == nil {
		return
	}
	v.sess.Close()
	v.sess = nil
	v.connected.Store(false)
}
