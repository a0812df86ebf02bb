// Package rtc wraps one pion peer connection per remote peer.
package rtc

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/domain"
	"github.com/dkeye/Beam/internal/protocol"
)

var ErrSessionClosed = errors.New("media session closed")

// Callbacks run on pion goroutines. None of them fire after Close returns.
type Callbacks struct {
	OnICECandidate func(protocol.ICE)
	OnStateChange  func(webrtc.PeerConnectionState)
	OnTrack        func(*webrtc.TrackRemote, *webrtc.RTPReceiver)
	// OnKeyframeRequest fires when the remote asks for a picture refresh (PLI or FIR).
	OnKeyframeRequest func(kind string)
}

// Session is one peer link: a sender per media kind, trickle ICE with early
// remote candidates held until a remote description exists.
type Session struct {
	peer domain.PeerID
	pc   *webrtc.PeerConnection
	cb   Callbacks

	detached atomic.Bool

	mu        sync.Mutex
	senders   map[webrtc.RTPCodecType]*Sender
	pending   []webrtc.ICECandidateInit
	remoteSet bool
	transform func(string) string
	closed    bool
}

func NewSession(api *webrtc.API, cfg webrtc.Configuration, peer domain.PeerID, cb Callbacks) (*Session, error) {
	pc, err := api.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	s := &Session{
		peer:    peer,
		pc:      pc,
		cb:      cb,
		senders: make(map[webrtc.RTPCodecType]*Sender),
	}
	s.bind()
	return s, nil
}

func (s *Session) bind() {
	s.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil || s.detached.Load() || s.cb.OnICECandidate == nil {
			return
		}
		s.cb.OnICECandidate(fromInit(c.ToJSON()))
	})

	s.pc.OnConnectionStateChange(func(st webrtc.PeerConnectionState) {
		if s.detached.Load() {
			return
		}
		log.Info().Str("module", "rtc").Str("peer", string(s.peer)).Str("peer_connection_state", st.String()).Msg("Peer state")
		if s.cb.OnStateChange != nil {
			s.cb.OnStateChange(st)
		}
	})

	s.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		if s.detached.Load() {
			return
		}
		log.Info().
			Str("module", "rtc").
			Str("peer", string(s.peer)).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if s.cb.OnTrack != nil {
			s.cb.OnTrack(track, receiver)
		}
	})
}

func (s *Session) Peer() domain.PeerID { return s.peer }

func (s *Session) State() webrtc.PeerConnectionState {
	return s.pc.ConnectionState()
}

// SetDescriptionTransform rewrites every local offer before it is applied.
func (s *Session) SetDescriptionTransform(fn func(string) string) {
	s.mu.Lock()
	s.transform = fn
	s.mu.Unlock()
}

// Attach sends track on this session. A second track of the same kind
// replaces the first on the existing sender instead of adding another.
func (s *Session) Attach(track webrtc.TrackLocal, ctl core.EncoderControl) (*Sender, error) {
	kind := track.Kind()
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrSessionClosed
	}
	if cur := s.senders[kind]; cur != nil {
		if err := cur.rtp.ReplaceTrack(track); err != nil {
			return nil, fmt.Errorf("replace %s track: %w", kind, err)
		}
		cur.setControl(ctl)
		return cur, nil
	}
	rs, err := s.pc.AddTrack(track)
	if err != nil {
		return nil, fmt.Errorf("add %s track: %w", kind, err)
	}
	snd := newSender(kind.String(), rs, ctl)
	s.senders[kind] = snd
	go s.readRTCP(snd)
	return snd, nil
}

// Sender returns the current sender for kind, or nil.
func (s *Session) Sender(kind webrtc.RTPCodecType) *Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.senders[kind]
}

// CreateOffer produces, transforms and applies a local offer.
func (s *Session) CreateOffer() (protocol.Offer, error) {
	offer, err := s.pc.CreateOffer(nil)
	if err != nil {
		return protocol.Offer{}, fmt.Errorf("create offer: %w", err)
	}
	s.mu.Lock()
	transform := s.transform
	s.mu.Unlock()
	if transform != nil {
		offer.SDP = transform(offer.SDP)
	}
	if err := s.pc.SetLocalDescription(offer); err != nil {
		return protocol.Offer{}, fmt.Errorf("set local offer: %w", err)
	}
	return protocol.Offer{Description: protocol.Description{Type: offer.Type.String(), SDP: offer.SDP}}, nil
}

func (s *Session) ApplyRemoteAnswer(a protocol.Answer) error {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: a.SDP}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	s.flushCandidates()
	return nil
}

// ApplyRemoteOffer answers an inbound offer and applies the answer locally.
func (s *Session) ApplyRemoteOffer(o protocol.Offer) (protocol.Answer, error) {
	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: o.SDP}
	if err := s.pc.SetRemoteDescription(desc); err != nil {
		return protocol.Answer{}, fmt.Errorf("set remote offer: %w", err)
	}
	s.flushCandidates()
	answer, err := s.pc.CreateAnswer(nil)
	if err != nil {
		return protocol.Answer{}, fmt.Errorf("create answer: %w", err)
	}
	if err := s.pc.SetLocalDescription(answer); err != nil {
		return protocol.Answer{}, fmt.Errorf("set local answer: %w", err)
	}
	return protocol.Answer{Description: protocol.Description{Type: answer.Type.String(), SDP: answer.SDP}}, nil
}

// AddRemoteCandidate applies c, or holds it until a remote description is
// set. Failures are logged and dropped.
func (s *Session) AddRemoteCandidate(c protocol.ICE) {
	init := toInit(c)
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.remoteSet {
		s.pending = append(s.pending, init)
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	if err := s.pc.AddICECandidate(init); err != nil {
		log.Debug().Err(err).Str("module", "rtc").Str("peer", string(s.peer)).Msg("add ice candidate")
	}
}

func (s *Session) flushCandidates() {
	s.mu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	for _, c := range pending {
		if err := s.pc.AddICECandidate(c); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("peer", string(s.peer)).Msg("add buffered ice candidate")
		}
	}
}

// PendingCandidates is the number of remote candidates waiting for a remote description.
func (s *Session) PendingCandidates() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// RequestKeyframe asks the sender of a received video track for a picture refresh.
func (s *Session) RequestKeyframe(ssrc webrtc.SSRC) error {
	return s.pc.WriteRTCP([]rtcp.Packet{&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)}})
}

// Close detaches every callback, then closes the connection. Safe to call twice.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.pending = nil
	s.mu.Unlock()

	s.detached.Store(true)
	s.pc.OnICECandidate(func(*webrtc.ICECandidate) {})
	s.pc.OnConnectionStateChange(func(webrtc.PeerConnectionState) {})
	s.pc.OnTrack(func(*webrtc.TrackRemote, *webrtc.RTPReceiver) {})

	if err := s.pc.Close(); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("peer", string(s.peer)).Msg("close error")
		return
	}
	log.Info().Str("module", "rtc").Str("peer", string(s.peer)).Msg("closed")
}

func (s *Session) readRTCP(snd *Sender) {
	for {
		pkts, _, err := snd.rtp.ReadRTCP()
		if err != nil {
			return
		}
		for _, p := range pkts {
			switch p.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				if !s.detached.Load() && s.cb.OnKeyframeRequest != nil {
					s.cb.OnKeyframeRequest(snd.kind)
				}
			}
		}
	}
}

func fromInit(c webrtc.ICECandidateInit) protocol.ICE {
	return protocol.ICE{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}

func toInit(c protocol.ICE) webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:        c.Candidate,
		SDPMid:           c.SDPMid,
		SDPMLineIndex:    c.SDPMLineIndex,
		UsernameFragment: c.UsernameFragment,
	}
}
