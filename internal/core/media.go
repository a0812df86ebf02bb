package core

import "errors"

var ErrParamsUnsupported = errors.New("encoding parameter not supported")

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
)

// EncodingParams mirrors the knobs of one outgoing encoding. Zero values mean unset.
type EncodingParams struct {
	MaxBitrate            uint64
	MaxFramerate          float64
	ScaleResolutionDownBy float64
	DTX                   *bool
	Priority              Priority
}

// EncodingSender is an outgoing media sender whose encoding can be tuned.
type EncodingSender interface {
	Kind() string
	Parameters() EncodingParams
	SetParameters(EncodingParams) error
}

// EncoderControl is implemented by local sources that can honor encoding changes.
// Returning ErrParamsUnsupported for a knob is not fatal to callers.
type EncoderControl interface {
	ApplyEncoding(EncodingParams) error
}
