package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Beam/internal/core"
)

func chunkOf(frames, channels, rate int, value int16) core.AudioChunk {
	pcm := make([]int16, frames*channels)
	for i := range pcm {
		pcm[i] = value
	}
	return core.AudioChunk{PCM: pcm, SampleRate: rate, Channels: channels, FrameCount: frames}
}

func TestPipelineEvictsOldestWithinBudget(t *testing.T) {
	p := NewPipeline(Config{SampleRate: 48000, Channels: 2, MaxQueueMs: 50})
	require.Equal(t, 2400, p.BudgetFrames())

	total := 0
	for i := range 10 {
		p.Enqueue(chunkOf(480, 2, 48000, int16(i)))
		total += 480
		p.drain()
		assert.LessOrEqual(t, p.queuedFrames, p.BudgetFrames())
		assert.Equal(t, uint64(total-p.queuedFrames), p.dropped)
	}
	assert.Equal(t, uint64(2400), p.dropped)

	// The survivors are the newest chunks, oldest first.
	dst := make([]float32, 2)
	p.Render(dst)
	assert.InDelta(t, 5.0/32768, dst[0], 1e-9)
}

func TestPipelineKeepsSingleOversizedChunk(t *testing.T) {
	p := NewPipeline(Config{SampleRate: 48000, Channels: 1, MaxQueueMs: 10})
	p.Enqueue(chunkOf(4800, 1, 48000, 1))
	p.drain()
	assert.Equal(t, 4800, p.queuedFrames)
	assert.Zero(t, p.dropped)
}

func TestPipelineUnderrunRendersSilence(t *testing.T) {
	p := NewPipeline(Config{SampleRate: 48000, Channels: 2})
	p.Enqueue(chunkOf(2, 2, 48000, 16384))

	dst := make([]float32, 8)
	for i := range dst {
		dst[i] = 9
	}
	n := p.Render(dst)
	assert.Equal(t, 4, n)
	assert.Equal(t, []float32{0.5, 0.5, 0.5, 0.5, 0, 0, 0, 0}, dst)
	assert.Equal(t, uint64(2), p.rendered)
	assert.Equal(t, uint64(2), p.underrun)
}

func TestPipelineUpmixesAndResamples(t *testing.T) {
	p := NewPipeline(Config{SampleRate: 48000, Channels: 2})
	p.Enqueue(core.AudioChunk{PCM: []int16{-32768, -32768}, SampleRate: 24000, Channels: 1, FrameCount: 2})

	dst := make([]float32, 8)
	p.Render(dst)
	for _, v := range dst {
		assert.Equal(t, float32(-1), v)
	}
}

func TestPipelineFlush(t *testing.T) {
	p := NewPipeline(Config{SampleRate: 48000, Channels: 1})
	p.Enqueue(chunkOf(100, 1, 48000, 1000))
	p.Flush()
	dst := make([]float32, 10)
	p.Render(dst)
	assert.Equal(t, uint64(10), p.underrun)
	assert.Zero(t, p.rendered)
	assert.Zero(t, p.queuedFrames)
}

func TestPipelineReportsOncePerSecond(t *testing.T) {
	p := NewPipeline(Config{SampleRate: 1000, Channels: 1})
	p.Enqueue(chunkOf(500, 1, 1000, 1))

	dst := make([]float32, 250)
	for range 3 {
		p.Render(dst)
	}
	select {
	case <-p.Reports():
		t.Fatal("report before a second of audio")
	default:
	}

	p.Render(dst)
	select {
	case s := <-p.Reports():
		assert.Equal(t, uint64(500), s.FramesRendered)
		assert.Equal(t, uint64(500), s.FramesUnderrun)
		assert.Zero(t, s.QueueMs)
		assert.Equal(t, s, p.Stats())
	default:
		t.Fatal("no report after a second of audio")
	}
}
