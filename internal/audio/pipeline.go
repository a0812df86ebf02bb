package audio

import (
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/core"
)

const (
	DefaultSampleRate = 48000
	DefaultChannels   = 2
	DefaultMaxQueueMs = 500

	commandBuffer = 256
)

type Config struct {
	SampleRate int
	Channels   int
	MaxQueueMs int
}

// Stats is the periodic playout report.
type Stats struct {
	QueueMs        float64 `json:"queueMs"`
	FramesRendered uint64  `json:"framesRendered"`
	FramesUnderrun uint64  `json:"framesUnderrun"`
	FramesDropped  uint64  `json:"framesDropped"`
}

type commandKind int

const (
	cmdEnqueue commandKind = iota
	cmdFlush
)

type command struct {
	kind   commandKind
	pcm    []int16
	frames int
}

type queued struct {
	pcm    []int16
	frames int
	// read is the next frame to render from this chunk.
	read int
}

func (q *queued) remaining() int { return q.frames - q.read }

// Pipeline is a jitter buffer between a capture source and a real-time
// renderer. Enqueue and Flush may be called from any goroutine; Render must
// only be called from the single render goroutine, which owns the queue.
type Pipeline struct {
	rate        int
	channels    int
	budget      int
	reportEvery int

	cmds chan command
	// rejected counts frames dropped because the command queue was full.
	rejected atomic.Uint64

	// render goroutine state
	queue        []*queued
	queuedFrames int
	rendered     uint64
	underrun     uint64
	dropped      uint64
	sinceReport  int

	latest  atomic.Pointer[Stats]
	reports chan Stats
}

func NewPipeline(cfg Config) *Pipeline {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = DefaultSampleRate
	}
	if cfg.Channels <= 0 {
		cfg.Channels = DefaultChannels
	}
	if cfg.MaxQueueMs <= 0 {
		cfg.MaxQueueMs = DefaultMaxQueueMs
	}
	p := &Pipeline{
		rate:        cfg.SampleRate,
		channels:    cfg.Channels,
		budget:      max(1, cfg.MaxQueueMs*cfg.SampleRate/1000),
		reportEvery: cfg.SampleRate,
		cmds:        make(chan command, commandBuffer),
		reports:     make(chan Stats, 1),
	}
	p.latest.Store(&Stats{})
	return p
}

func (p *Pipeline) SampleRate() int { return p.rate }
func (p *Pipeline) Channels() int   { return p.channels }

// BudgetFrames is the maximum buffered depth in frames at the output rate.
func (p *Pipeline) BudgetFrames() int { return p.budget }

// Enqueue resamples the chunk on the calling goroutine and hands it to the
// render side.
func (p *Pipeline) Enqueue(chunk core.AudioChunk) {
	if chunk.Channels <= 0 || chunk.SampleRate <= 0 {
		return
	}
	pcm := chunk.PCM
	if chunk.FrameCount > 0 && chunk.FrameCount*chunk.Channels < len(pcm) {
		pcm = pcm[:chunk.FrameCount*chunk.Channels]
	}
	out, frames := Resample(pcm, chunk.SampleRate, chunk.Channels, p.rate, p.channels)
	if frames == 0 {
		return
	}
	select {
	case p.cmds <- command{kind: cmdEnqueue, pcm: out, frames: frames}:
	default:
		p.rejected.Add(uint64(frames))
	}
}

// Flush drops everything buffered. It is applied before the next render.
func (p *Pipeline) Flush() {
	for {
		select {
		case p.cmds <- command{kind: cmdFlush}:
			return
		default:
		}
		// full: pending enqueues are flushed anyway
		select {
		case <-p.cmds:
		default:
		}
	}
}

// Render fills dst with interleaved float samples in [-1, 1) and returns the
// number of frames written. Missing audio is rendered as silence.
func (p *Pipeline) Render(dst []float32) int {
	p.drain()
	frames := len(dst) / p.channels
	for f := range frames {
		base := f * p.channels
		head := p.head()
		if head == nil {
			for ch := range p.channels {
				dst[base+ch] = 0
			}
			p.underrun++
			continue
		}
		src := head.read * p.channels
		for ch := range p.channels {
			dst[base+ch] = float32(head.pcm[src+ch]) / 32768
		}
		head.read++
		p.queuedFrames--
		p.rendered++
	}

	p.sinceReport += frames
	if p.sinceReport >= p.reportEvery {
		p.sinceReport = 0
		p.report()
	}
	return frames
}

// Stats returns the most recent report.
func (p *Pipeline) Stats() Stats {
	return *p.latest.Load()
}

// Reports delivers a report roughly once per second of rendered audio. Reports
// are dropped when nobody is reading.
func (p *Pipeline) Reports() <-chan Stats {
	return p.reports
}

func (p *Pipeline) drain() {
	for {
		select {
		case c := <-p.cmds:
			switch c.kind {
			case cmdEnqueue:
				p.push(c.pcm, c.frames)
			case cmdFlush:
				p.queue = nil
				p.queuedFrames = 0
			}
		default:
			return
		}
	}
}

func (p *Pipeline) push(pcm []int16, frames int) {
	p.queue = append(p.queue, &queued{pcm: pcm, frames: frames})
	p.queuedFrames += frames
	for p.queuedFrames > p.budget && len(p.queue) > 1 {
		oldest := p.queue[0]
		n := oldest.remaining()
		p.queue[0] = nil
		p.queue = p.queue[1:]
		p.queuedFrames -= n
		p.dropped += uint64(n)
	}
}

func (p *Pipeline) head() *queued {
	for len(p.queue) > 0 {
		q := p.queue[0]
		if q.remaining() > 0 {
			return q
		}
		p.queue[0] = nil
		p.queue = p.queue[1:]
	}
	return nil
}

func (p *Pipeline) snapshot() Stats {
	return Stats{
		QueueMs:        float64(p.queuedFrames) / float64(p.rate) * 1000,
		FramesRendered: p.rendered,
		FramesUnderrun: p.underrun,
		FramesDropped:  p.dropped + p.rejected.Load(),
	}
}

func (p *Pipeline) report() {
	s := p.snapshot()
	p.latest.Store(&s)
	select {
	case p.reports <- s:
	default:
	}
}

// LogReports writes reports until done is closed, but only when dropped or
// underrun counters moved or every idleEvery reports.
func LogReports(module string, reports <-chan Stats, done <-chan struct{}, idleEvery int) {
	var last Stats
	quiet := 0
	for {
		select {
		case <-done:
			return
		case s := <-reports:
			quiet++
			if s.FramesDropped == last.FramesDropped && s.FramesUnderrun == last.FramesUnderrun && quiet < idleEvery {
				continue
			}
			quiet = 0
			last = s
			log.Info().
				Str("module", module).
				Float64("queue_ms", s.QueueMs).
				Uint64("rendered", s.FramesRendered).
				Uint64("underrun", s.FramesUnderrun).
				Uint64("dropped", s.FramesDropped).
				Msg("audio playout stats")
		}
	}
}
