package audio

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/dkeye/Beam/internal/core"
)

var ErrAlreadyRunning = errors.New("capture already running")

// ToneSource is an in-process capture source producing a sine tone. It keeps
// the capture contract so hosts without the native module can still share audio.
type ToneSource struct {
	InputRate int
	Frequency float64
	Amplitude float64

	mu       sync.Mutex
	cb       func(core.AudioChunk)
	stop     chan struct{}
	done     chan struct{}
	stats    core.CaptureStats
	phase    float64
	sequence uint64
}

func NewToneSource(inputRate int, freq float64) *ToneSource {
	return &ToneSource{InputRate: inputRate, Frequency: freq, Amplitude: 0.25}
}

func (s *ToneSource) SetChunkCallback(fn func(core.AudioChunk)) {
	s.mu.Lock()
	s.cb = fn
	s.mu.Unlock()
}

func (s *ToneSource) Start(opts core.CaptureOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stop != nil {
		return ErrAlreadyRunning
	}
	if opts.FrameMs <= 0 {
		opts.FrameMs = 20
	}
	if opts.Channels <= 0 {
		opts.Channels = 2
	}
	rate := s.InputRate
	if rate <= 0 {
		rate = opts.TargetSampleRate
	}
	s.stats = core.CaptureStats{
		Running:          true,
		InputSampleRate:  rate,
		OutputSampleRate: rate,
		OutputChannels:   opts.Channels,
		ChunkFrameMs:     float64(opts.FrameMs),
	}
	s.stop = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(rate, opts.Channels, opts.FrameMs, s.stop, s.done)
	return nil
}

func (s *ToneSource) Stop() error {
	s.mu.Lock()
	stop, done := s.stop, s.done
	s.stop, s.done = nil, nil
	s.stats.Running = false
	s.mu.Unlock()
	if stop == nil {
		return nil
	}
	close(stop)
	<-done
	return nil
}

func (s *ToneSource) Stats() core.CaptureStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stats
}

func (s *ToneSource) loop(rate, channels, frameMs int, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(time.Duration(frameMs) * time.Millisecond)
	defer ticker.Stop()
	frames := rate * frameMs / 1000
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			chunk := s.next(rate, channels, frames)
			s.mu.Lock()
			cb := s.cb
			s.stats.CapturedInputFrames += uint64(frames)
			s.stats.EmittedOutputFrames += uint64(frames)
			if cb != nil {
				s.stats.EmittedChunks++
			} else {
				s.stats.DroppedChunks++
			}
			s.mu.Unlock()
			if cb != nil {
				cb(chunk)
			}
		}
	}
}

func (s *ToneSource) next(rate, channels, frames int) core.AudioChunk {
	pcm := make([]int16, frames*channels)
	step := 2 * math.Pi * s.Frequency / float64(rate)
	for f := range frames {
		v := int16(math.Sin(s.phase) * s.Amplitude * math.MaxInt16)
		for ch := range channels {
			pcm[f*channels+ch] = v
		}
		s.phase += step
		if s.phase > 2*math.Pi {
			s.phase -= 2 * math.Pi
		}
	}
	s.sequence++
	return core.AudioChunk{
		PCM:         pcm,
		SampleRate:  rate,
		Channels:    channels,
		FrameCount:  frames,
		Sequence:    s.sequence,
		TimestampMs: float64(time.Now().UnixMicro()) / 1000,
	}
}
