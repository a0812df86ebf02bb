package media

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/audio"
	"github.com/dkeye/Beam/internal/core"
)

const (
	DefaultStartProbe = 100 * time.Millisecond
	DefaultStatsEvery = 5 * time.Second
	// pipeline reports arrive about once a second
	idleReports = 15
)

// CaptureError is the one error a failed audio start surfaces to the user.
type CaptureError struct {
	Op  string
	Err error
}

func (e *CaptureError) Error() string { return fmt.Sprintf("audio capture %s: %v", e.Op, e.Err) }
func (e *CaptureError) Unwrap() error { return e.Err }

type AudioShareOptions struct {
	Capture       core.CaptureSource
	Encoder       audio.Encoder
	Options       core.CaptureOptions
	MaxQueueMs    int
	FrameDuration time.Duration
	StartProbe    time.Duration
	StatsEvery    time.Duration
}

// AudioShare runs the host audio path: capture, jitter pipeline, encode loop
// and the outgoing Opus track.
type AudioShare struct {
	capture  core.CaptureSource
	encoder  audio.Encoder
	pipeline *audio.Pipeline
	track    *webrtc.TrackLocalStaticSample

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// StartAudioShare starts capture and checks it is actually running after a
// short probe. On any failure everything started so far is stopped and a
// *CaptureError is returned.
func StartAudioShare(ctx context.Context, opts AudioShareOptions) (*AudioShare, error) {
	if opts.Capture == nil || opts.Encoder == nil {
		return nil, &CaptureError{Op: "start", Err: errors.New("no capture source or encoder")}
	}
	if opts.StartProbe <= 0 {
		opts.StartProbe = DefaultStartProbe
	}
	if opts.StatsEvery <= 0 {
		opts.StatsEvery = DefaultStatsEvery
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", StreamID,
	)
	if err != nil {
		return nil, &CaptureError{Op: "track", Err: err}
	}
	pipeline := audio.NewPipeline(audio.Config{
		SampleRate: opts.Options.TargetSampleRate,
		Channels:   opts.Options.Channels,
		MaxQueueMs: opts.MaxQueueMs,
	})

	opts.Capture.SetChunkCallback(pipeline.Enqueue)
	if err := opts.Capture.Start(opts.Options); err != nil {
		opts.Capture.SetChunkCallback(nil)
		return nil, &CaptureError{Op: "start", Err: err}
	}

	select {
	case <-ctx.Done():
		rollbackCapture(opts.Capture)
		return nil, &CaptureError{Op: "start", Err: ctx.Err()}
	case <-time.After(opts.StartProbe):
	}
	if st := opts.Capture.Stats(); !st.Running || st.LastError != "" {
		rollbackCapture(opts.Capture)
		cause := st.LastError
		if cause == "" {
			cause = "capture is not running"
		}
		return nil, &CaptureError{Op: "start", Err: errors.New(cause)}
	}

	runCtx, cancel := context.WithCancel(ctx)
	a := &AudioShare{
		capture:  opts.Capture,
		encoder:  opts.Encoder,
		pipeline: pipeline,
		track:    track,
		cancel:   cancel,
	}
	writer := audio.NewTrackWriter(pipeline, opts.Encoder, track, opts.FrameDuration)
	a.wg.Add(3)
	go func() {
		defer a.wg.Done()
		if err := writer.Run(runCtx); err != nil {
			log.Warn().Err(err).Str("module", "media.audio").Msg("encode loop ended")
		}
	}()
	go func() {
		defer a.wg.Done()
		a.pollStats(runCtx, opts.StatsEvery)
	}()
	go func() {
		defer a.wg.Done()
		audio.LogReports("media.audio", pipeline.Reports(), runCtx.Done(), idleReports)
	}()

	st := opts.Capture.Stats()
	log.Info().
		Str("module", "media.audio").
		Int("input_rate", st.InputSampleRate).
		Int("output_rate", st.OutputSampleRate).
		Int("channels", st.OutputChannels).
		Msg("system audio started")
	return a, nil
}

func rollbackCapture(c core.CaptureSource) {
	if err := c.Stop(); err != nil {
		log.Warn().Err(err).Str("module", "media.audio").Msg("stop after failed start")
	}
	c.SetChunkCallback(nil)
}

func (a *AudioShare) Track() *webrtc.TrackLocalStaticSample { return a.track }

// Control forwards sender parameters to the encoder.
func (a *AudioShare) Control() core.EncoderControl { return audio.EncoderControl(a.encoder) }

func (a *AudioShare) Pipeline() *audio.Pipeline { return a.pipeline }

func (a *AudioShare) pollStats(ctx context.Context, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	warned := false
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			st := a.capture.Stats()
			log.Debug().
				Str("module", "media.audio").
				Bool("running", st.Running).
				Uint64("captured", st.CapturedInputFrames).
				Uint64("emitted", st.EmittedOutputFrames).
				Uint64("chunks", st.EmittedChunks).
				Uint64("dropped_chunks", st.DroppedChunks).
				Uint64("silent", st.SilentInputFrames).
				Msg("capture stats")
			if (!st.Running || st.LastError != "") && !warned {
				warned = true
				log.Warn().Str("module", "media.audio").Str("error", st.LastError).Msg("capture stopped while sharing")
			}
		}
	}
}

// Stop ends capture and the encode loop. Errors are logged, never returned.
func (a *AudioShare) Stop() {
	a.once.Do(func() {
		a.cancel()
		a.wg.Wait()
		if err := a.capture.Stop(); err != nil {
			log.Warn().Err(err).Str("module", "media.audio").Msg("stop capture")
		}
		a.capture.SetChunkCallback(nil)
		a.pipeline.Flush()
		if err := a.encoder.Close(); err != nil {
			log.Warn().Err(err).Str("module", "media.audio").Msg("close encoder")
		}
		log.Info().Str("module", "media.audio").Msg("system audio stopped")
	})
}
