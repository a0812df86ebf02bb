package quality

import (
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/Beam/internal/core"
)

// Surface is what a share captures.
type Surface string

const (
	SurfaceMonitor Surface = "monitor"
	SurfaceWindow  Surface = "window"
	SurfaceBrowser Surface = "browser"
)

// ShareContext is what the auto policy looks at.
type ShareContext struct {
	SystemAudioBridge bool
	HasAudio          bool
	Surface           Surface
}

// Constraints are the capture-side targets of a preset.
type Constraints struct {
	Width     int
	Height    int
	FrameRate float64
}

func ConstraintsFor(p Preset) Constraints {
	return Constraints{Width: p.TargetWidth, Height: p.TargetHeight, FrameRate: p.MaxFramerate}
}

// Constrainer is a capture source that accepts new targets while running.
type Constrainer interface {
	ApplyConstraints(Constraints) error
}

// ResolveActivePreset applies the auto policy. Without a system-audio bridge a
// share that carries audio from a monitor or window is downgraded so the audio
// keeps its bandwidth; browser shares keep the selected tier.
func ResolveActivePreset(selected string, sc ShareContext) Preset {
	if sc.SystemAudioBridge {
		return Lookup(selected)
	}
	if sc.HasAudio && sc.Surface != SurfaceBrowser {
		return presets[AudioPriorityTier]
	}
	return Lookup(selected)
}

// ApplyPreset sets max bitrate and framerate on a video sender and sets or
// clears the downscale factor.
func ApplyPreset(s core.EncodingSender, p Preset) error {
	if s == nil {
		return errors.New("apply preset: nil sender")
	}
	params := s.Parameters()
	params.MaxBitrate = uint64(p.MaxBitrateKbps) * 1000
	params.MaxFramerate = p.MaxFramerate
	if p.ScaleResolutionDownBy > 0 && p.ScaleResolutionDownBy != 1 {
		params.ScaleResolutionDownBy = p.ScaleResolutionDownBy
	} else {
		params.ScaleResolutionDownBy = 0
	}
	if err := s.SetParameters(params); err != nil {
		return fmt.Errorf("apply preset %s: %w", p.Label, err)
	}
	return nil
}

// ApplyAudioTuning raises audio bitrate, turns DTX off and priority up. Knobs
// the platform lacks are skipped; only a missing sender is an error.
func ApplyAudioTuning(s core.EncodingSender, targetKbps int) error {
	if s == nil {
		return errors.New("apply audio tuning: nil sender")
	}
	off := false
	params := s.Parameters()
	params.MaxBitrate = uint64(targetKbps) * 1000
	params.DTX = &off
	params.Priority = core.PriorityHigh
	if err := s.SetParameters(params); err != nil {
		log.Debug().Err(err).Str("module", "quality").Int("kbps", targetKbps).Msg("audio tuning partially applied")
	}
	return nil
}

// Controller holds the selected tier and the context of the current share.
type Controller struct {
	mu       sync.Mutex
	selected Tier
	share    ShareContext
}

func NewController(selected string) *Controller {
	return &Controller{selected: Lookup(selected).Label}
}

func (c *Controller) Selected() Tier {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.selected
}

// Select changes the tier and returns the preset now active.
func (c *Controller) Select(name string) Preset {
	c.mu.Lock()
	c.selected = Lookup(name).Label
	c.mu.Unlock()
	return c.Active()
}

func (c *Controller) SetShare(sc ShareContext) {
	c.mu.Lock()
	c.share = sc
	c.mu.Unlock()
}

func (c *Controller) Active() Preset {
	c.mu.Lock()
	defer c.mu.Unlock()
	return ResolveActivePreset(string(c.selected), c.share)
}

// Apply pushes the active preset to every video sender and to the capture
// source. It keeps going past failures and returns them joined.
func (c *Controller) Apply(senders []core.EncodingSender, src Constrainer) (Preset, error) {
	p := c.Active()
	var errs []error
	for _, s := range senders {
		if err := ApplyPreset(s, p); err != nil {
			errs = append(errs, err)
		}
	}
	if src != nil {
		if err := src.ApplyConstraints(ConstraintsFor(p)); err != nil {
			errs = append(errs, fmt.Errorf("capture constraints: %w", err))
		}
	}
	return p, errors.Join(errs...)
}
