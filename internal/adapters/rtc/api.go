package rtc

import (
	"fmt"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

const DefaultSTUN = "stun:stun.l.google.com:19302"

type ICETimeouts struct {
	Disconnected time.Duration
	Failed       time.Duration
	KeepAlive    time.Duration
}

type APIOptions struct {
	// IncludeLoopback gathers 127.0.0.1 candidates; used by same-host tests.
	IncludeLoopback bool
	Timeouts        *ICETimeouts
}

// NewAPI builds a pion API with the default codecs, the default interceptor
// chain (NACK, RTCP reports, TWCC) and pion logging routed to zerolog.
func NewAPI(opts APIOptions) (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, fmt.Errorf("register codecs: %w", err)
	}
	reg := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, reg); err != nil {
		return nil, fmt.Errorf("register interceptors: %w", err)
	}

	se := webrtc.SettingEngine{LoggerFactory: LoggerFactory{}}
	se.SetIncludeLoopbackCandidate(opts.IncludeLoopback)
	if t := opts.Timeouts; t != nil {
		se.SetICETimeouts(t.Disconnected, t.Failed, t.KeepAlive)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(reg),
		webrtc.WithSettingEngine(se),
	), nil
}

// Configuration builds the ICE configuration; no URLs means the public STUN default.
func Configuration(iceURLs []string) webrtc.Configuration {
	if len(iceURLs) == 0 {
		iceURLs = []string{DefaultSTUN}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceURLs}},
	}
}
