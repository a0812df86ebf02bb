// Package audio turns bursty capture chunks into a steady render stream and
// carries it onto an outgoing track.
package audio

import "math"

// Resample converts interleaved PCM to dstRate and dstChannels by linear
// interpolation between neighbouring source frames. Output channels beyond the
// source layout copy the last source channel, so mono becomes stereo by
// duplication. When rate and layout already match, pcm is returned as is.
func Resample(pcm []int16, srcRate, srcChannels, dstRate, dstChannels int) ([]int16, int) {
	if srcChannels <= 0 || srcRate <= 0 || dstRate <= 0 || dstChannels <= 0 {
		return nil, 0
	}
	srcFrames := len(pcm) / srcChannels
	if srcFrames == 0 {
		return nil, 0
	}
	if srcRate == dstRate && srcChannels == dstChannels {
		return pcm[:srcFrames*srcChannels], srcFrames
	}

	dstFrames := max(1, int(math.Round(float64(srcFrames)*float64(dstRate)/float64(srcRate))))
	out := make([]int16, dstFrames*dstChannels)
	step := float64(srcRate) / float64(dstRate)
	last := srcFrames - 1

	for f := range dstFrames {
		pos := float64(f) * step
		i0 := min(int(pos), last)
		i1 := min(i0+1, last)
		frac := min(pos-float64(i0), 1)
		for ch := range dstChannels {
			sc := min(ch, srcChannels-1)
			a := float64(pcm[i0*srcChannels+sc])
			b := float64(pcm[i1*srcChannels+sc])
			out[f*dstChannels+ch] = clamp16(math.Round(a + (b-a)*frac))
		}
	}
	return out, dstFrames
}

func clamp16(v float64) int16 {
	switch {
	case v > math.MaxInt16:
		return math.MaxInt16
	case v < math.MinInt16:
		return math.MinInt16
	}
	return int16(v)
}
