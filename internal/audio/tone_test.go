package audio

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Beam/internal/core"
)

func TestToneSourceDeliversChunks(t *testing.T) {
	src := NewToneSource(44100, 440)
	var mu sync.Mutex
	var chunks []core.AudioChunk
	src.SetChunkCallback(func(c core.AudioChunk) {
		mu.Lock()
		chunks = append(chunks, c)
		mu.Unlock()
	})

	require.NoError(t, src.Start(core.CaptureOptions{TargetSampleRate: 48000, Channels: 2, FrameMs: 10}))
	assert.ErrorIs(t, src.Start(core.CaptureOptions{}), ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(chunks) >= 3
	}, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, src.Stop())
	require.NoError(t, src.Stop())

	stats := src.Stats()
	assert.False(t, stats.Running)
	assert.Equal(t, 44100, stats.InputSampleRate)

	mu.Lock()
	defer mu.Unlock()
	first := chunks[0]
	assert.Equal(t, 441, first.FrameCount)
	assert.Equal(t, 2, first.Channels)
	assert.Len(t, first.PCM, 441*2)
	assert.Equal(t, uint64(1), first.Sequence)
	assert.Equal(t, uint64(2), chunks[1].Sequence)
}
