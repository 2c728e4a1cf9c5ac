package vad

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/voicepipe/speech-segment-service/internal/audio"
)

// SpeechInterval is one detected speech region inside a frame, in sample
// offsets relative to the frame start
type SpeechInterval struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Classifier detects speech activity in a single audio frame. A frame with
// zero intervals is silence. Implementations must be safe for concurrent
// use: one classifier instance is shared by all sessions.
type Classifier interface {
	Classify(ctx context.Context, frame []float32) ([]SpeechInterval, error)
}

// EnergyClassifier is a pure-Go speech-activity classifier based on RMS
// energy. It scans a frame in short windows and reports contiguous runs of
// windows whose energy exceeds the threshold.
type EnergyClassifier struct {
	threshold  float64
	windowSize int // samples per scan window

	// Statistics
	totalFrames   uint64
	speechFrames  uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// ClassifierStats represents classifier statistics
type ClassifierStats struct {
	TotalFrames      uint64    `json:"total_frames"`
	SpeechFrames     uint64    `json:"speech_frames"`
	SpeechPercentage float64   `json:"speech_percentage"`
	LastProcessed    time.Time `json:"last_processed"`
	Threshold        float64   `json:"threshold"`
}

// NewEnergyClassifier creates an energy classifier. windowSize is the scan
// granularity in samples; 512 works well for 16 kHz speech.
func NewEnergyClassifier(threshold float64, windowSize int) (*EnergyClassifier, error) {
	if threshold < 0 || threshold > 1 {
		return nil, fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	if windowSize <= 0 {
		return nil, fmt.Errorf("window size must be positive, got %d", windowSize)
	}

	return &EnergyClassifier{
		threshold:  threshold,
		windowSize: windowSize,
	}, nil
}

// Classify scans the frame and returns detected speech intervals
func (c *EnergyClassifier) Classify(ctx context.Context, frame []float32) ([]SpeechInterval, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if len(frame) == 0 {
		return nil, fmt.Errorf("cannot classify empty frame")
	}

	threshold := c.GetThreshold()

	var intervals []SpeechInterval
	var current *SpeechInterval

	for start := 0; start < len(frame); start += c.windowSize {
		end := start + c.windowSize
		if end > len(frame) {
			end = len(frame)
		}

		if audio.RMS(frame[start:end]) >= threshold {
			if current == nil {
				current = &SpeechInterval{Start: start, End: end}
			} else {
				current.End = end
			}
		} else if current != nil {
			intervals = append(intervals, *current)
			current = nil
		}
	}

	if current != nil {
		intervals = append(intervals, *current)
	}

	c.mu.Lock()
	c.totalFrames++
	if len(intervals) > 0 {
		c.speechFrames++
	}
	c.lastProcessed = time.Now()
	c.mu.Unlock()

	return intervals, nil
}

// GetThreshold returns the current detection threshold
func (c *EnergyClassifier) GetThreshold() float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.threshold
}

// UpdateThreshold updates the detection threshold
func (c *EnergyClassifier) UpdateThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.threshold = threshold
	return nil
}

// GetStats returns current classifier statistics
func (c *EnergyClassifier) GetStats() ClassifierStats {
	c.mu.RLock()
	defer c.mu.RUnlock()

	speechPercentage := float64(0)
	if c.totalFrames > 0 {
		speechPercentage = float64(c.speechFrames) / float64(c.totalFrames) * 100
	}

	return ClassifierStats{
		TotalFrames:      c.totalFrames,
		SpeechFrames:     c.speechFrames,
		SpeechPercentage: speechPercentage,
		LastProcessed:    c.lastProcessed,
		Threshold:        c.threshold,
	}
}
