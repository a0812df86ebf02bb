// Package quality maps quality tiers onto outgoing encodings and capture
// constraints, and tunes audio descriptions for music.
package quality

type Tier string

const (
	Tier720p30  Tier = "720p30"
	Tier1080p30 Tier = "1080p30"
	Tier1080p60 Tier = "1080p60"
	Tier1440p30 Tier = "1440p30"
	Tier1440p60 Tier = "1440p60"

	DefaultTier       = Tier1080p30
	AudioPriorityTier = Tier720p30
)

const (
	SystemAudioBitrateKbps       = 256
	SystemAudioMaxAverageBitrate = SystemAudioBitrateKbps * 1000
)

// Preset is a named bundle of capture and encoding targets.
type Preset struct {
	Label                 Tier
	TargetWidth           int
	TargetHeight          int
	MaxBitrateKbps        int
	MaxFramerate          float64
	ScaleResolutionDownBy float64
}

var tierOrder = []Tier{Tier720p30, Tier1080p30, Tier1080p60, Tier1440p30, Tier1440p60}

var presets = map[Tier]Preset{
	Tier720p30:  {Label: Tier720p30, TargetWidth: 1280, TargetHeight: 720, MaxBitrateKbps: 1800, MaxFramerate: 30, ScaleResolutionDownBy: 1},
	Tier1080p30: {Label: Tier1080p30, TargetWidth: 1920, TargetHeight: 1080, MaxBitrateKbps: 3500, MaxFramerate: 30, ScaleResolutionDownBy: 1},
	Tier1080p60: {Label: Tier1080p60, TargetWidth: 1920, TargetHeight: 1080, MaxBitrateKbps: 6000, MaxFramerate: 60, ScaleResolutionDownBy: 1},
	Tier1440p30: {Label: Tier1440p30, TargetWidth: 2560, TargetHeight: 1440, MaxBitrateKbps: 7000, MaxFramerate: 30, ScaleResolutionDownBy: 1},
	Tier1440p60: {Label: Tier1440p60, TargetWidth: 2560, TargetHeight: 1440, MaxBitrateKbps: 12000, MaxFramerate: 60, ScaleResolutionDownBy: 1},
}

// Lookup returns the preset for name, or the default preset for unknown names.
func Lookup(name string) Preset {
	if p, ok := presets[Tier(name)]; ok {
		return p
	}
	return presets[DefaultTier]
}

func IsTier(name string) bool {
	_, ok := presets[Tier(name)]
	return ok
}

// Tiers lists every tier from lowest to highest.
func Tiers() []Tier {
	return append([]Tier(nil), tierOrder...)
}
