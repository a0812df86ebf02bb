package audio

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/opus"

	"github.com/dkeye/Beam/internal/core"
)

// Decoder turns one Opus packet into PCM.
type Decoder interface {
	Decode(packet []byte) (core.AudioChunk, error)
}

// SilkDecoder is a pure Go fallback. It only understands SILK frames, so
// music-mode packets from a CELT encoder fail and are counted by the caller.
type SilkDecoder struct {
	dec     opus.Decoder
	out     []byte
	frameMs int
	seq     uint64
}

func NewSilkDecoder(frameMs int) *SilkDecoder {
	if frameMs <= 0 {
		frameMs = 20
	}
	return &SilkDecoder{
		dec:     opus.NewDecoder(),
		out:     make([]byte, 960*2*2*2),
		frameMs: frameMs,
	}
}

func (d *SilkDecoder) Decode(packet []byte) (core.AudioChunk, error) {
	bandwidth, isStereo, err := d.dec.Decode(packet, d.out)
	if err != nil {
		return core.AudioChunk{}, fmt.Errorf("silk decode: %w", err)
	}
	channels := 1
	if isStereo {
		channels = 2
	}
	rate := int(bandwidth.SampleRate())
	frames := rate * d.frameMs / 1000
	n := min(frames*channels, len(d.out)/2)
	pcm := make([]int16, n)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(d.out[i*2:]))
	}
	d.seq++
	return core.AudioChunk{
		PCM:        pcm,
		SampleRate: rate,
		Channels:   channels,
		FrameCount: n / channels,
		Sequence:   d.seq,
	}, nil
}
