//go:build linux || darwin

package native

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"unsafe"

	"github.com/ebitengine/purego"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/audio"
	"github.com/dkeye/Beam/internal/core"
)

const (
	opusOK               = 0
	opusApplicationAudio = 2049
	opusSignalMusic      = 3002
	opusMaxPacket        = 4000

	opusSetBitrateRequest    = 4002
	opusSetVBRRequest        = 4006
	opusSetComplexityRequest = 4010
	opusSetInbandFECRequest  = 4012
	opusSetPacketLossRequest = 4014
	opusSetDTXRequest        = 4016
	opusSetSignalRequest     = 4024
)

var (
	opusOnce    sync.Once
	opusInitErr error

	opusEncoderCreate  func(fs, channels, application int32, errOut uintptr) uintptr
	opusEncodeFloat    func(enc uintptr, pcm uintptr, frameSize int32, data uintptr, maxBytes int32) int32
	opusEncoderDestroy func(enc uintptr)
	// opus_encoder_ctl is variadic. With a single int argument the variadic
	// and fixed conventions agree everywhere except darwin/arm64.
	opusEncoderCtl func(enc uintptr, request, value int32) int32

	opusDecoderCreate  func(fs, channels int32, errOut uintptr) uintptr
	opusDecode         func(dec uintptr, data uintptr, length int32, pcm uintptr, frameSize, decodeFEC int32) int32
	opusDecoderDestroy func(dec uintptr)

	opusStrerror      func(code int32) uintptr
	opusVersionString func() uintptr
)

var errCtlUnsupported = fmt.Errorf("%w on %s/%s", core.ErrParamsUnsupported, runtime.GOOS, runtime.GOARCH)

func ctlSupported() bool {
	return !(runtime.GOOS == "darwin" && runtime.GOARCH == "arm64")
}

// LoadOpus binds libopus from the first path that opens. Only the first call
// searches; later calls return its result.
func LoadOpus(configured string) error {
	opusOnce.Do(func() {
		opusInitErr = loadOpusLib(OpusLibraryPaths(configured))
		if opusInitErr == nil {
			log.Info().Str("module", "native.opus").Str("version", OpusVersion()).Msg("libopus loaded")
		}
	})
	return opusInitErr
}

func loadOpusLib(paths []string) error {
	var lastErr error
	for _, path := range paths {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		if err := loadOpusSymbols(handle); err != nil {
			_ = purego.Dlclose(handle)
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		lastErr = errors.New("no candidate paths")
	}
	return fmt.Errorf("%w: libopus: %v", ErrUnavailable, lastErr)
}

func loadOpusSymbols(handle uintptr) error {
	syms := []struct {
		fn   any
		name string
	}{
		{&opusEncoderCreate, "opus_encoder_create"},
		{&opusEncodeFloat, "opus_encode_float"},
		{&opusEncoderDestroy, "opus_encoder_destroy"},
		{&opusEncoderCtl, "opus_encoder_ctl"},
		{&opusDecoderCreate, "opus_decoder_create"},
		{&opusDecode, "opus_decode"},
		{&opusDecoderDestroy, "opus_decoder_destroy"},
		{&opusStrerror, "opus_strerror"},
		{&opusVersionString, "opus_get_version_string"},
	}
	for _, s := range syms {
		if err := register(handle, s.fn, s.name); err != nil {
			return err
		}
	}
	return nil
}

// OpusVersion is the loaded libopus version, or "" before LoadOpus succeeds.
func OpusVersion() string {
	if opusVersionString == nil {
		return ""
	}
	return goString(opusVersionString())
}

func opusError(code int32) error {
	return fmt.Errorf("opus error %d: %s", code, goString(opusStrerror(code)))
}

// OpusEncoder encodes interleaved float PCM frames for music: full band, VBR,
// in-band FEC, DTX off.
type OpusEncoder struct {
	mu       sync.Mutex
	handle   uintptr
	channels int
	out      []byte
}

var _ audio.Encoder = (*OpusEncoder)(nil)

func NewOpusEncoder(sampleRate, channels, bitrateBps int) (*OpusEncoder, error) {
	if err := LoadOpus(""); err != nil {
		return nil, err
	}
	var code int32
	h := opusEncoderCreate(int32(sampleRate), int32(channels), opusApplicationAudio, uintptr(unsafe.Pointer(&code)))
	if h == 0 || code != opusOK {
		return nil, fmt.Errorf("create opus encoder: %w", opusError(code))
	}
	e := &OpusEncoder{handle: h, channels: channels, out: make([]byte, opusMaxPacket)}
	if ctlSupported() {
		for _, kv := range [][2]int32{
			{opusSetSignalRequest, opusSignalMusic},
			{opusSetVBRRequest, 1},
			{opusSetComplexityRequest, 10},
			{opusSetInbandFECRequest, 1},
			{opusSetPacketLossRequest, 5},
			{opusSetDTXRequest, 0},
		} {
			if rc := opusEncoderCtl(h, kv[0], kv[1]); rc != opusOK {
				log.Debug().Str("module", "native.opus").Int32("request", kv[0]).Int32("rc", rc).Msg("encoder ctl")
			}
		}
	}
	if bitrateBps > 0 {
		if err := e.SetBitrate(bitrateBps); err != nil && !errors.Is(err, core.ErrParamsUnsupported) {
			e.Close()
			return nil, err
		}
	}
	return e, nil
}

func (e *OpusEncoder) Encode(pcm []float32) ([]byte, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == 0 {
		return nil, audio.ErrEncoderClosed
	}
	if len(pcm) == 0 {
		return nil, nil
	}
	n := opusEncodeFloat(
		e.handle,
		uintptr(unsafe.Pointer(&pcm[0])), int32(len(pcm)/e.channels),
		uintptr(unsafe.Pointer(&e.out[0])), int32(len(e.out)),
	)
	runtime.KeepAlive(pcm)
	if n < 0 {
		return nil, fmt.Errorf("encode: %w", opusError(n))
	}
	pkt := make([]byte, n)
	copy(pkt, e.out[:n])
	return pkt, nil
}

func (e *OpusEncoder) SetBitrate(bps int) error {
	return e.ctl(opusSetBitrateRequest, int32(bps))
}

func (e *OpusEncoder) SetDTX(enabled bool) error {
	v := int32(0)
	if enabled {
		v = 1
	}
	return e.ctl(opusSetDTXRequest, v)
}

func (e *OpusEncoder) ctl(request, value int32) error {
	if !ctlSupported() {
		return errCtlUnsupported
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle == 0 {
		return audio.ErrEncoderClosed
	}
	if rc := opusEncoderCtl(e.handle, request, value); rc != opusOK {
		return opusError(rc)
	}
	return nil
}

func (e *OpusEncoder) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handle != 0 {
		opusEncoderDestroy(e.handle)
		e.handle = 0
	}
	return nil
}

// OpusDecoder decodes any Opus packet (SILK, CELT or hybrid) to 16-bit PCM.
type OpusDecoder struct {
	handle   uintptr
	rate     int
	channels int
	pcm      []int16
	seq      uint64
}

var _ audio.Decoder = (*OpusDecoder)(nil)

func NewOpusDecoder(sampleRate, channels int) (*OpusDecoder, error) {
	if err := LoadOpus(""); err != nil {
		return nil, err
	}
	var code int32
	h := opusDecoderCreate(int32(sampleRate), int32(channels), uintptr(unsafe.Pointer(&code)))
	if h == 0 || code != opusOK {
		return nil, fmt.Errorf("create opus decoder: %w", opusError(code))
	}
	// 120 ms is the longest Opus packet.
	maxFrames := sampleRate * 120 / 1000
	return &OpusDecoder{handle: h, rate: sampleRate, channels: channels, pcm: make([]int16, maxFrames*channels)}, nil
}

func (d *OpusDecoder) Decode(packet []byte) (core.AudioChunk, error) {
	if d.handle == 0 {
		return core.AudioChunk{}, audio.ErrEncoderClosed
	}
	var data uintptr
	if len(packet) > 0 {
		data = uintptr(unsafe.Pointer(&packet[0]))
	}
	frames := opusDecode(d.handle, data, int32(len(packet)),
		uintptr(unsafe.Pointer(&d.pcm[0])), int32(len(d.pcm)/d.channels), 0)
	runtime.KeepAlive(packet)
	if frames < 0 {
		return core.AudioChunk{}, fmt.Errorf("decode: %w", opusError(frames))
	}
	n := int(frames) * d.channels
	pcm := make([]int16, n)
	copy(pcm, d.pcm[:n])
	d.seq++
	return core.AudioChunk{
		PCM:        pcm,
		SampleRate: d.rate,
		Channels:   d.channels,
		FrameCount: int(frames),
		Sequence:   d.seq,
	}, nil
}

func (d *OpusDecoder) Close() error {
	if d.handle != 0 {
		opusDecoderDestroy(d.handle)
		d.handle = 0
	}
	return nil
}
