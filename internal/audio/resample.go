package audio

import "fmt"

// Resample converts samples from one sample rate to another using linear
// interpolation. Good enough for speech heading into a classifier; callers
// needing transparent quality should resample upstream.
func Resample(samples []float32, fromRate, toRate int) ([]float32, error) {
	if fromRate <= 0 || toRate <= 0 {
		return nil, fmt.Errorf("sample rates must be positive, got %d -> %d", fromRate, toRate)
	}

	if fromRate == toRate {
		out := make([]float32, len(samples))
		copy(out, samples)
		return out, nil
	}

	if len(samples) == 0 {
		return nil, fmt.Errorf("cannot resample empty input")
	}

	ratio := float64(fromRate) / float64(toRate)
	outLen := int(float64(len(samples)) / ratio)
	if outLen == 0 {
		outLen = 1
	}

	out := make([]float32, outLen)
	for i := range out {
		pos := float64(i) * ratio
		idx := int(pos)
		frac := float32(pos - float64(idx))

		if idx+1 < len(samples) {
			out[i] = samples[idx]*(1-frac) + samples[idx+1]*frac
		} else {
			out[i] = samples[len(samples)-1]
		}
	}

	return out, nil
}
