package audio

import (
	"encoding/binary"
	"fmt"
	"math"
)

// DecodePCM16 converts raw little-endian 16-bit PCM bytes into normalized
// float32 samples in [-1.0, 1.0]. An odd byte count cannot be a valid
// sample stream and is rejected before any processing.
func DecodePCM16(raw []byte) ([]float32, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("empty PCM payload")
	}

	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("PCM payload length must be even, got %d bytes", len(raw))
	}

	samples := make([]float32, len(raw)/2)
	for i := range samples {
		s := int16(binary.LittleEndian.Uint16(raw[i*2:]))
		samples[i] = float32(s) / 32768.0
	}

	return samples, nil
}

// EncodePCM16 converts normalized float32 samples back to little-endian
// 16-bit PCM bytes, clipping anything outside [-1.0, 1.0].
func EncodePCM16(samples []float32) []byte {
	raw := make([]byte, len(samples)*2)
	for i, sample := range samples {
		binary.LittleEndian.PutUint16(raw[i*2:], uint16(clampSample(sample)))
	}
	return raw
}

// ApplyGain scales samples in place by a fixed factor. Applied after
// normalization and before classification so gain affects detection
// sensitivity the same way it affects the buffered audio.
func ApplyGain(samples []float32, gain float64) {
	if gain == 1.0 {
		return
	}
	g := float32(gain)
	for i := range samples {
		samples[i] *= g
	}
}

// SilenceFrame returns a zero-valued frame of n samples
func SilenceFrame(n int) []float32 {
	return make([]float32, n)
}

// Concat joins an ordered sequence of frames into one contiguous sample slice
func Concat(frames [][]float32) []float32 {
	total := 0
	for _, frame := range frames {
		total += len(frame)
	}

	out := make([]float32, 0, total)
	for _, frame := range frames {
		out = append(out, frame...)
	}

	return out
}

// RMS computes the root-mean-square energy of a sample slice
func RMS(samples []float32) float64 {
	if len(samples) == 0 {
		return 0
	}

	var energy float64
	for _, sample := range samples {
		energy += float64(sample) * float64(sample)
	}

	return math.Sqrt(energy / float64(len(samples)))
}

func clampSample(sample float32) int16 {
	scaled := float64(sample) * 32767.0
	if scaled > 32767 {
		return 32767
	}
	if scaled < -32768 {
		return -32768
	}
	return int16(scaled)
}
