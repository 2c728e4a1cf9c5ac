package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete service configuration
type Config struct {
	HTTP          HTTPConfig          `yaml:"http"`
	Audio         AudioConfig         `yaml:"audio"`
	Segmenter     SegmenterConfig     `yaml:"segmenter"`
	VAD           VADConfig           `yaml:"vad"`
	Transcription TranscriptionConfig `yaml:"transcription"`
	Session       SessionConfig       `yaml:"session"`
	Logging       LoggingConfig       `yaml:"logging"`
}

// HTTPConfig contains HTTP API server configuration
type HTTPConfig struct {
	Port          int    `yaml:"port"`
	Address       string `yaml:"address"`
	MaxChunkBytes int64  `yaml:"max_chunk_bytes"`
	ReadTimeout   int    `yaml:"read_timeout"`  // seconds
	WriteTimeout  int    `yaml:"write_timeout"` // seconds
}

// AudioConfig contains audio decoding and framing parameters
type AudioConfig struct {
	SampleRate      int     `yaml:"sample_rate"`       // canonical classifier rate, Hz
	InputSampleRate int     `yaml:"input_sample_rate"` // capture-side rate, Hz
	FrameDuration   float64 `yaml:"frame_duration"`    // seconds per frame
	Gain            float64 `yaml:"gain"`              // applied after normalization
}

// SegmenterConfig contains speech-endpoint segmentation thresholds
type SegmenterConfig struct {
	SilenceEndThreshold     int `yaml:"silence_end_threshold"`     // consecutive silent frames ending an utterance
	SessionAbandonThreshold int `yaml:"session_abandon_threshold"` // consecutive idle frames abandoning a session
}

// VADConfig contains speech-activity classifier configuration
type VADConfig struct {
	Threshold float64 `yaml:"threshold"`
}

// TranscriptionConfig contains transcription API configuration
type TranscriptionConfig struct {
	Endpoint      string `yaml:"endpoint"`
	APIKey        string `yaml:"api_key"`
	Model         string `yaml:"model"`
	Language      string `yaml:"language"`
	Timeout       int    `yaml:"timeout"` // seconds
	MaxRetries    int    `yaml:"max_retries"`
	MaxConcurrent int    `yaml:"max_concurrent"`
}

// SessionConfig contains session registry housekeeping parameters
type SessionConfig struct {
	IdleTimeout   int `yaml:"idle_timeout"`   // seconds without a chunk before the sweep reclaims a session
	SweepInterval int `yaml:"sweep_interval"` // seconds between sweep passes
}

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Load reads and parses the configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var config Config
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	// Secrets prefer the environment over the file.
	if key := os.Getenv("TRANSCRIPTION_API_KEY"); key != "" {
		config.Transcription.APIKey = key
	} else if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		config.Transcription.APIKey = key
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

// Validate performs comprehensive validation of the configuration
func (c *Config) Validate() error {
	if err := c.HTTP.Validate(); err != nil {
		return fmt.Errorf("http config: %w", err)
	}

	if err := c.Audio.Validate(); err != nil {
		return fmt.Errorf("audio config: %w", err)
	}

	if err := c.Segmenter.Validate(); err != nil {
		return fmt.Errorf("segmenter config: %w", err)
	}

	if err := c.VAD.Validate(); err != nil {
		return fmt.Errorf("vad config: %w", err)
	}

	if err := c.Transcription.Validate(); err != nil {
		return fmt.Errorf("transcription config: %w", err)
	}

	if err := c.Session.Validate(); err != nil {
		return fmt.Errorf("session config: %w", err)
	}

	if err := c.Logging.Validate(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	return nil
}

// Validate validates HTTP configuration
func (h *HTTPConfig) Validate() error {
	if h.Port < 1 || h.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535, got %d", h.Port)
	}

	if h.Address == "" {
		return fmt.Errorf("address cannot be empty")
	}

	if h.MaxChunkBytes < 1024 {
		return fmt.Errorf("max_chunk_bytes must be at least 1024 bytes, got %d", h.MaxChunkBytes)
	}

	if h.ReadTimeout < 1 {
		return fmt.Errorf("read_timeout must be at least 1 second, got %d", h.ReadTimeout)
	}

	if h.WriteTimeout < 1 {
		return fmt.Errorf("write_timeout must be at least 1 second, got %d", h.WriteTimeout)
	}

	return nil
}

// Validate validates audio configuration
func (a *AudioConfig) Validate() error {
	if a.SampleRate != 16000 {
		return fmt.Errorf("sample_rate must be 16000 Hz (classifier rate), got %d", a.SampleRate)
	}

	if a.InputSampleRate < a.SampleRate {
		return fmt.Errorf("input_sample_rate (%d) must be at least sample_rate (%d)",
			a.InputSampleRate, a.SampleRate)
	}

	if a.FrameDuration <= 0 || a.FrameDuration > 5 {
		return fmt.Errorf("frame_duration must be in (0, 5] seconds, got %f", a.FrameDuration)
	}

	if a.Gain <= 0 {
		return fmt.Errorf("gain must be positive, got %f", a.Gain)
	}

	return nil
}

// Validate validates segmenter configuration
func (s *SegmenterConfig) Validate() error {
	if s.SilenceEndThreshold < 1 {
		return fmt.Errorf("silence_end_threshold must be at least 1, got %d", s.SilenceEndThreshold)
	}

	if s.SessionAbandonThreshold <= s.SilenceEndThreshold {
		return fmt.Errorf("session_abandon_threshold (%d) must be greater than silence_end_threshold (%d)",
			s.SessionAbandonThreshold, s.SilenceEndThreshold)
	}

	return nil
}

// Validate validates VAD configuration
func (v *VADConfig) Validate() error {
	if v.Threshold < 0 || v.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", v.Threshold)
	}

	return nil
}

// Validate validates transcription configuration
func (t *TranscriptionConfig) Validate() error {
	if t.Endpoint == "" {
		return fmt.Errorf("endpoint cannot be empty")
	}

	if t.APIKey == "" {
		return fmt.Errorf("api_key cannot be empty")
	}

	if t.Model == "" {
		return fmt.Errorf("model cannot be empty")
	}

	if t.Timeout < 1 {
		return fmt.Errorf("timeout must be at least 1 second, got %d", t.Timeout)
	}

	if t.MaxRetries < 0 {
		return fmt.Errorf("max_retries cannot be negative, got %d", t.MaxRetries)
	}

	if t.MaxConcurrent < 1 {
		return fmt.Errorf("max_concurrent must be at least 1, got %d", t.MaxConcurrent)
	}

	return nil
}

// Validate validates session configuration
func (s *SessionConfig) Validate() error {
	if s.IdleTimeout < 1 {
		return fmt.Errorf("idle_timeout must be at least 1 second, got %d", s.IdleTimeout)
	}

	if s.SweepInterval < 1 {
		return fmt.Errorf("sweep_interval must be at least 1 second, got %d", s.SweepInterval)
	}

	return nil
}

// Validate validates logging configuration
func (l *LoggingConfig) Validate() error {
	validLevels := map[string]bool{
		"debug": true, "info": true, "warn": true, "error": true,
	}
	if !validLevels[l.Level] {
		return fmt.Errorf("level must be one of [debug, info, warn, error], got '%s'", l.Level)
	}

	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[l.Format] {
		return fmt.Errorf("format must be 'json' or 'text', got '%s'", l.Format)
	}

	// Output accepts stdout, stderr or a file path; nothing to reject here.
	return nil
}

// FrameSamples returns the number of samples per frame at the canonical rate
func (a *AudioConfig) FrameSamples() int {
	return int(float64(a.SampleRate) * a.FrameDuration)
}

// InputFrameSamples returns the number of samples per frame at the capture rate
func (a *AudioConfig) InputFrameSamples() int {
	return int(float64(a.InputSampleRate) * a.FrameDuration)
}

// GetIdleTimeout returns the session idle timeout as a time.Duration
func (s *SessionConfig) GetIdleTimeout() time.Duration {
	return time.Duration(s.IdleTimeout) * time.Second
}

// GetSweepInterval returns the sweep interval as a time.Duration
func (s *SessionConfig) GetSweepInterval() time.Duration {
	return time.Duration(s.SweepInterval) * time.Second
}

// GetTimeoutDuration returns the transcription timeout as a time.Duration
func (t *TranscriptionConfig) GetTimeoutDuration() time.Duration {
	return time.Duration(t.Timeout) * time.Second
}
