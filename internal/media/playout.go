package media

import (
	"context"
	"encoding/binary"
	"io"
	"math"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/audio"
)

const DefaultPlayoutTick = 10 * time.Millisecond

// RemoteTrack is the read side of a received track. *webrtc.TrackRemote
// satisfies it.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type PlayoutOptions struct {
	// AudioOut receives little-endian float32 interleaved PCM. Nil discards.
	AudioOut io.Writer
	// VideoOut receives an IVF stream. Nil discards.
	VideoOut   io.Writer
	NewDecoder func() (audio.Decoder, error)
	Pipeline   audio.Config
	Tick       time.Duration
	// OnEnded is called once per track after its read loop stops.
	OnEnded func(kind string)
}

// Playout consumes the tracks a viewer receives.
type Playout struct {
	opts PlayoutOptions

	mu     sync.Mutex
	active map[string]int
}

func NewPlayout(opts PlayoutOptions) *Playout {
	if opts.AudioOut == nil {
		opts.AudioOut = io.Discard
	}
	if opts.VideoOut == nil {
		opts.VideoOut = io.Discard
	}
	if opts.Tick <= 0 {
		opts.Tick = DefaultPlayoutTick
	}
	if opts.NewDecoder == nil {
		opts.NewDecoder = func() (audio.Decoder, error) { return audio.NewSilkDecoder(20), nil }
	}
	return &Playout{opts: opts, active: make(map[string]int)}
}

// Active is the number of tracks of kind currently being read.
func (p *Playout) Active(kind string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.active[kind]
}

// Consume reads track until it ends, then reports it. It blocks.
func (p *Playout) Consume(ctx context.Context, track RemoteTrack) {
	kind := track.Kind().String()
	p.mu.Lock()
	p.active[kind]++
	p.mu.Unlock()

	switch track.Kind() {
	case webrtc.RTPCodecTypeVideo:
		p.consumeVideo(track)
	case webrtc.RTPCodecTypeAudio:
		p.consumeAudio(ctx, track)
	default:
		drain(track)
	}

	p.mu.Lock()
	p.active[kind]--
	p.mu.Unlock()
	log.Info().Str("module", "media.playout").Str("kind", kind).Str("track_id", track.ID()).Msg("track ended")
	if p.opts.OnEnded != nil {
		p.opts.OnEnded(kind)
	}
}

func drain(track RemoteTrack) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

// noClose keeps the IVF writer from closing the caller's output.
type noClose struct{ io.Writer }

func (p *Playout) consumeVideo(track RemoteTrack) {
	w, err := ivfwriter.NewWith(noClose{p.opts.VideoOut})
	if err != nil {
		log.Error().Err(err).Str("module", "media.playout").Msg("ivf writer")
		drain(track)
		return
	}
	defer w.Close()
	var writeErrs uint64
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		if err := w.WriteRTP(pkt); err != nil {
			writeErrs++
			if writeErrs == 1 || writeErrs%100 == 0 {
				log.Warn().Err(err).Str("module", "media.playout").Uint64("errors", writeErrs).Msg("video write")
			}
		}
	}
}

func (p *Playout) consumeAudio(ctx context.Context, track RemoteTrack) {
	dec, err := p.opts.NewDecoder()
	if err != nil {
		log.Error().Err(err).Str("module", "media.playout").Msg("audio decoder")
		drain(track)
		return
	}
	if c, ok := dec.(io.Closer); ok {
		defer c.Close()
	}
	pipeline := audio.NewPipeline(p.opts.Pipeline)

	renderCtx, cancel := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		p.render(renderCtx, pipeline)
	}()
	go func() {
		defer wg.Done()
		audio.LogReports("media.playout", pipeline.Reports(), renderCtx.Done(), idleReports)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	var decodeErrs uint64
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			pipeline.Flush()
			return
		}
		if len(pkt.Payload) == 0 {
			continue
		}
		chunk, err := dec.Decode(pkt.Payload)
		if err != nil {
			decodeErrs++
			if decodeErrs == 1 || decodeErrs%100 == 0 {
				log.Warn().Err(err).Str("module", "media.playout").Uint64("errors", decodeErrs).Msg("audio decode")
			}
			continue
		}
		pipeline.Enqueue(chunk)
	}
}

// render is the pipeline's render goroutine: one tick of audio per tick.
func (p *Playout) render(ctx context.Context, pipeline *audio.Pipeline) {
	frames := int(int64(pipeline.SampleRate()) * int64(p.opts.Tick) / int64(time.Second))
	buf := make([]float32, frames*pipeline.Channels())
	out := make([]byte, len(buf)*4)
	w := p.opts.AudioOut
	ticker := time.NewTicker(p.opts.Tick)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pipeline.Render(buf)
			for i, v := range buf {
				binary.LittleEndian.PutUint32(out[i*4:], math.Float32bits(v))
			}
			if _, err := w.Write(out); err != nil {
				log.Warn().Err(err).Str("module", "media.playout").Msg("audio output failed, discarding")
				w = io.Discard
			}
		}
	}
}
