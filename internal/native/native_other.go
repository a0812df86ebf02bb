//go:build !linux && !darwin

package native

import (
	"fmt"
	"runtime"

	"github.com/dkeye/Beam/internal/core"
)

var errPlatform = fmt.Errorf("%w on %s", ErrUnavailable, runtime.GOOS)

type Capture struct{}

func OpenCapture(string) (*Capture, error) { return nil, errPlatform }

func (*Capture) SetChunkCallback(func(core.AudioChunk)) {}
func (*Capture) Start(core.CaptureOptions) error        { return errPlatform }
func (*Capture) Stop() error                            { return nil }
func (*Capture) Stats() core.CaptureStats               { return core.CaptureStats{LastError: errPlatform.Error()} }

func LoadOpus(string) error { return errPlatform }

func OpusVersion() string { return "" }

type OpusEncoder struct{}

func NewOpusEncoder(int, int, int) (*OpusEncoder, error) { return nil, errPlatform }

func (*OpusEncoder) Encode([]float32) ([]byte, error) { return nil, errPlatform }
func (*OpusEncoder) SetBitrate(int) error             { return errPlatform }
func (*OpusEncoder) SetDTX(bool) error                { return errPlatform }
func (*OpusEncoder) Close() error                     { return nil }

type OpusDecoder struct{}

func NewOpusDecoder(int, int) (*OpusDecoder, error) { return nil, errPlatform }

func (*OpusDecoder) Decode([]byte) (core.AudioChunk, error) { return core.AudioChunk{}, errPlatform }
func (*OpusDecoder) Close() error                           { return nil }
