package audio

import (
	"context"
	"errors"
	"time"

	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/core"
)

const DefaultFrameDuration = 20 * time.Millisecond

var ErrEncoderClosed = errors.New("encoder closed")

// Encoder compresses one frame of interleaved float PCM.
type Encoder interface {
	Encode(pcm []float32) ([]byte, error)
	SetBitrate(bps int) error
	SetDTX(enabled bool) error
	Close() error
}

// SampleWriter is satisfied by *webrtc.TrackLocalStaticSample.
type SampleWriter interface {
	WriteSample(media.Sample) error
}

// TrackWriter pulls fixed frames from a pipeline on a clock, encodes them and
// writes them to an outgoing track.
type TrackWriter struct {
	pipeline *Pipeline
	enc      Encoder
	out      SampleWriter
	frameDur time.Duration
	buf      []float32

	encodeErrors uint64
}

func NewTrackWriter(p *Pipeline, enc Encoder, out SampleWriter, frameDur time.Duration) *TrackWriter {
	if frameDur <= 0 {
		frameDur = DefaultFrameDuration
	}
	frames := int(int64(p.SampleRate()) * int64(frameDur) / int64(time.Second))
	return &TrackWriter{
		pipeline: p,
		enc:      enc,
		out:      out,
		frameDur: frameDur,
		buf:      make([]float32, frames*p.Channels()),
	}
}

// Run renders until ctx is done. It is the pipeline's render goroutine.
func (w *TrackWriter) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.frameDur)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if err := w.step(); err != nil {
				if errors.Is(err, ErrEncoderClosed) {
					return err
				}
				w.encodeErrors++
				if w.encodeErrors == 1 || w.encodeErrors%250 == 0 {
					log.Warn().Err(err).Str("module", "audio.writer").Uint64("errors", w.encodeErrors).Msg("frame not sent")
				}
			}
		}
	}
}

func (w *TrackWriter) step() error {
	w.pipeline.Render(w.buf)
	pkt, err := w.enc.Encode(w.buf)
	if err != nil {
		return err
	}
	if len(pkt) == 0 {
		return nil
	}
	return w.out.WriteSample(media.Sample{Data: pkt, Duration: w.frameDur})
}

type encoderControl struct {
	enc Encoder
}

// EncoderControl forwards sender encoding changes to an audio encoder.
// Priority has no encoder equivalent and is left to the sender.
func EncoderControl(enc Encoder) core.EncoderControl {
	return encoderControl{enc: enc}
}

func (c encoderControl) ApplyEncoding(p core.EncodingParams) error {
	var errs []error
	if p.MaxBitrate > 0 {
		errs = append(errs, c.enc.SetBitrate(int(p.MaxBitrate)))
	}
	if p.DTX != nil {
		errs = append(errs, c.enc.SetDTX(*p.DTX))
	}
	return errors.Join(errs...)
}
