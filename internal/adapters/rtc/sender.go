package rtc

import (
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/Beam/internal/core"
)

// Sender is the current outgoing sender for one media kind of a session. pion
// has no encoding parameter API, so parameters live here and are forwarded to
// the source's encoder control.
type Sender struct {
	kind string
	rtp  *webrtc.RTPSender

	mu      sync.Mutex
	params  core.EncodingParams
	control core.EncoderControl
}

func newSender(kind string, rtp *webrtc.RTPSender, control core.EncoderControl) *Sender {
	return &Sender{kind: kind, rtp: rtp, control: control}
}

func (s *Sender) Kind() string { return s.kind }

func (s *Sender) RTPSender() *webrtc.RTPSender { return s.rtp }

func (s *Sender) Parameters() core.EncodingParams {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.params
}

// SetParameters stores p and forwards it to the encoder control. Without a
// control the values are kept and ErrParamsUnsupported is returned.
func (s *Sender) SetParameters(p core.EncodingParams) error {
	s.mu.Lock()
	s.params = p
	ctl := s.control
	s.mu.Unlock()
	if ctl == nil {
		return core.ErrParamsUnsupported
	}
	return ctl.ApplyEncoding(p)
}

func (s *Sender) setControl(ctl core.EncoderControl) {
	s.mu.Lock()
	s.control = ctl
	s.mu.Unlock()
}
