package media

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/core"
	"github.com/dkeye/Beam/internal/quality"
)

var ErrSourceStarted = errors.New("video source already started")

const (
	minPatternFrame = 256
	maxPatternFrame = 16 * 1024
)

// TestPattern is a synthetic video source. It sends VP8-framed samples sized
// from the sender bitrate at the preset frame rate, with a keyframe every two
// seconds or on request. The pixels are not meaningful.
type TestPattern struct {
	track *webrtc.TrackLocalStaticSample

	mu      sync.Mutex
	width   int
	height  int
	fps     float64
	bitrate uint64
	scale   float64
	cancel  context.CancelFunc
	done    chan struct{}

	forceKey atomic.Bool
	frames   atomic.Uint64
	retune   chan struct{}
}

var _ VideoSource = (*TestPattern)(nil)

func NewTestPattern() (*TestPattern, error) {
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", StreamID,
	)
	if err != nil {
		return nil, err
	}
	p := quality.Lookup(string(quality.DefaultTier))
	return &TestPattern{
		track:   track,
		width:   p.TargetWidth,
		height:  p.TargetHeight,
		fps:     p.MaxFramerate,
		bitrate: uint64(p.MaxBitrateKbps) * 1000,
		scale:   1,
		retune:  make(chan struct{}, 1),
	}, nil
}

func (p *TestPattern) Track() webrtc.TrackLocal { return p.track }

// Frames is the number of samples written so far.
func (p *TestPattern) Frames() uint64 { return p.frames.Load() }

// Constraints is the current capture target.
func (p *TestPattern) Constraints() quality.Constraints {
	p.mu.Lock()
	defer p.mu.Unlock()
	return quality.Constraints{Width: p.width, Height: p.height, FrameRate: p.fps}
}

func (p *TestPattern) ApplyConstraints(c quality.Constraints) error {
	p.mu.Lock()
	if c.Width > 0 {
		p.width = c.Width
	}
	if c.Height > 0 {
		p.height = c.Height
	}
	if c.FrameRate > 0 {
		p.fps = c.FrameRate
	}
	p.mu.Unlock()
	p.kick()
	return nil
}

func (p *TestPattern) ApplyEncoding(e core.EncodingParams) error {
	p.mu.Lock()
	if e.MaxBitrate > 0 {
		p.bitrate = e.MaxBitrate
	}
	if e.MaxFramerate > 0 && e.MaxFramerate < p.fps {
		p.fps = e.MaxFramerate
	}
	p.scale = 1
	if e.ScaleResolutionDownBy > 1 {
		p.scale = e.ScaleResolutionDownBy
	}
	p.mu.Unlock()
	p.kick()
	return nil
}

func (p *TestPattern) RequestKeyframe() { p.forceKey.Store(true) }

func (p *TestPattern) kick() {
	select {
	case p.retune <- struct{}{}:
	default:
	}
}

func (p *TestPattern) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return ErrSourceStarted
	}
	ctx, p.cancel = context.WithCancel(ctx)
	p.done = make(chan struct{})
	p.forceKey.Store(true)
	go p.loop(ctx, p.done)
	return nil
}

func (p *TestPattern) Stop() {
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

func (p *TestPattern) interval() (time.Duration, float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fps := p.fps
	if fps <= 0 {
		fps = 30
	}
	return time.Duration(float64(time.Second) / fps), fps
}

func (p *TestPattern) loop(ctx context.Context, done chan<- struct{}) {
	defer close(done)
	every, fps := p.interval()
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	var n uint64
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.retune:
			every, fps = p.interval()
			ticker.Reset(every)
		case <-ticker.C:
			key := p.forceKey.Swap(false) || n%uint64(2*fps+0.5) == 0
			if err := p.track.WriteSample(pionmedia.Sample{Data: p.frame(key, n), Duration: every}); err != nil {
				log.Debug().Err(err).Str("module", "media.pattern").Msg("write sample")
			}
			n++
			p.frames.Store(n)
		}
	}
}

// frame builds a VP8 frame: a 3-byte tag, and for keyframes the start code
// and dimensions, padded to the per-frame byte budget.
func (p *TestPattern) frame(key bool, n uint64) []byte {
	p.mu.Lock()
	w, h := int(float64(p.width)/p.scale), int(float64(p.height)/p.scale)
	size := int(float64(p.bitrate) / 8 / max(p.fps, 1))
	p.mu.Unlock()

	if key {
		size *= 4
	}
	size = min(max(size, minPatternFrame), maxPatternFrame)
	buf := make([]byte, size)
	if key {
		buf[0] = 0x10
		copy(buf[3:], []byte{0x9d, 0x01, 0x2a, byte(w), byte(w >> 8), byte(h), byte(h >> 8)})
	} else {
		buf[0] = 0x11
	}
	buf[1] = 0x02
	for i := 10; i < len(buf); i++ {
		buf[i] = byte(n) + byte(i)
	}
	return buf
}
