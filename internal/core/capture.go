package core

// AudioChunk is interleaved 16-bit PCM as emitted by a capture source. The
// receiver owns PCM after delivery and the producer must not touch it again.
type AudioChunk struct {
	PCM         []int16
	SampleRate  int
	Channels    int
	FrameCount  int
	Sequence    uint64
	TimestampMs float64
}

type CaptureOptions struct {
	TargetSampleRate int
	Channels         int
	FrameMs          int
}

type CaptureStats struct {
	Running             bool    `json:"running"`
	CapturedInputFrames uint64  `json:"capturedInputFrames"`
	EmittedOutputFrames uint64  `json:"emittedOutputFrames"`
	EmittedChunks       uint64  `json:"emittedChunks"`
	DroppedChunks       uint64  `json:"droppedChunks"`
	SilentInputFrames   uint64  `json:"silentInputFrames"`
	InputSampleRate     int     `json:"inputSampleRate"`
	OutputSampleRate    int     `json:"outputSampleRate"`
	OutputChannels      int     `json:"outputChannels"`
	ChunkFrameMs        float64 `json:"chunkFrameMs"`
	LastError           string  `json:"lastError,omitempty"`
}

// CaptureSource is the system-audio boundary. Chunks are delivered on a
// goroutine owned by the source; the callback must not block for long.
type CaptureSource interface {
	Start(opts CaptureOptions) error
	Stop() error
	SetChunkCallback(fn func(AudioChunk))
	Stats() CaptureStats
}
