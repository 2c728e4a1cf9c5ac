package segmenter

import (
	"errors"
	"fmt"

	"github.com/voicepipe/speech-segment-service/internal/audio"
)

// Status is the per-chunk segmentation outcome reported to callers
type Status string

const (
	StatusSilent   Status = "Silent"   // no speech, no utterance in progress
	StatusSpeech   Status = "Speech"   // utterance in progress (or brief gap inside one)
	StatusFinished Status = "Finished" // utterance ended, segment attached
	StatusError    Status = "Error"    // session abandoned after sustained leading silence
	StatusReset    Status = "Reset"    // caller-initiated state reset
)

// Decision marks utterance boundary events detected on this frame
type Decision string

const (
	DecisionNone  Decision = ""
	DecisionStart Decision = "start"
	DecisionEnd   Decision = "end"
)

// Result is the outcome of feeding one frame to the segmenter. Segment is
// non-nil only when Status is StatusFinished and holds the concatenated
// utterance audio, speech and trailing silence included.
type Result struct {
	Status   Status
	Decision Decision
	Segment  []float32
}

// Config contains segmentation thresholds and the expected frame shape
type Config struct {
	SilenceEndThreshold     int // consecutive silent frames that end an utterance
	SessionAbandonThreshold int // consecutive idle silent frames that abandon the session
	FrameSamples            int // samples per frame; all frames must match
}

// DefaultConfig returns the thresholds for 0.5 s frames at 16 kHz
func DefaultConfig() Config {
	return Config{
		SilenceEndThreshold:     3,
		SessionAbandonThreshold: 10,
		FrameSamples:            8000,
	}
}

// Validate validates segmenter configuration
func (c Config) Validate() error {
	if c.SilenceEndThreshold < 1 {
		return fmt.Errorf("silence end threshold must be at least 1, got %d", c.SilenceEndThreshold)
	}

	if c.SessionAbandonThreshold <= c.SilenceEndThreshold {
		return fmt.Errorf("session abandon threshold (%d) must be greater than silence end threshold (%d)",
			c.SessionAbandonThreshold, c.SilenceEndThreshold)
	}

	if c.FrameSamples < 1 {
		return fmt.Errorf("frame samples must be at least 1, got %d", c.FrameSamples)
	}

	return nil
}

// ErrFrameSize reports a frame whose sample count does not match the
// session's frame shape. The segmenter state is untouched when returned.
var ErrFrameSize = errors.New("frame sample count mismatch")

// ErrAbandoned reports a frame pushed into a segmenter that already
// reached its abandonment decision
var ErrAbandoned = errors.New("session abandoned")

// Segmenter is the per-session speech-endpoint state machine. It consumes
// one frame at a time together with the classifier's verdict for that
// frame, accumulates speech into a buffer and decides when an utterance
// started, continued, ended, or when the session should be abandoned.
//
// A Segmenter is owned by exactly one session and is not safe for
// concurrent use; the owning session serializes access.
type Segmenter struct {
	cfg Config

	recording      bool
	buffer         [][]float32
	silenceRun     int // consecutive silent frames while recording
	idleSilenceRun int // consecutive silent frames while idle
	abandoned      bool
}

// State is a snapshot of segmenter internals for monitoring
type State struct {
	Recording      bool `json:"recording"`
	BufferedFrames int  `json:"buffered_frames"`
	SilenceRun     int  `json:"silence_run"`
	IdleSilenceRun int  `json:"idle_silence_run"`
	Abandoned      bool `json:"abandoned"`
}

// New creates a segmenter with the given configuration
func New(cfg Config) (*Segmenter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid segmenter config: %w", err)
	}

	return &Segmenter{cfg: cfg}, nil
}

// Push feeds one frame and its classifier verdict through the state
// machine. The segmenter takes ownership of the frame slice.
func (s *Segmenter) Push(frame []float32, hasSpeech bool) (Result, error) {
	if s.abandoned {
		return Result{Status: StatusError}, ErrAbandoned
	}

	// Shape check happens before any state mutation.
	if len(frame) != s.cfg.FrameSamples {
		return Result{}, fmt.Errorf("%w: expected %d samples, got %d",
			ErrFrameSize, s.cfg.FrameSamples, len(frame))
	}

	if hasSpeech {
		return s.pushSpeech(frame), nil
	}
	return s.pushSilence(frame), nil
}

func (s *Segmenter) pushSpeech(frame []float32) Result {
	decision := DecisionNone

	if !s.recording {
		// Utterance onset: fresh buffer, both silence regimes cleared.
		s.recording = true
		s.buffer = s.buffer[:0]
		s.silenceRun = 0
		s.idleSilenceRun = 0
		decision = DecisionStart
	} else if s.silenceRun > 0 {
		// Speech re-detected inside a pending end-of-utterance gap.
		s.silenceRun = 0
	}

	s.buffer = append(s.buffer, frame)

	return Result{Status: StatusSpeech, Decision: decision}
}

func (s *Segmenter) pushSilence(frame []float32) Result {
	if s.recording {
		// Preserve timing: buffer a zero frame of the same shape so the
		// finished segment reflects the utterance's wall-clock duration.
		s.buffer = append(s.buffer, audio.SilenceFrame(len(frame)))
		s.silenceRun++

		if s.silenceRun >= s.cfg.SilenceEndThreshold {
			segment := audio.Concat(s.buffer)
			s.recording = false
			s.buffer = nil
			s.silenceRun = 0

			return Result{Status: StatusFinished, Decision: DecisionEnd, Segment: segment}
		}

		return Result{Status: StatusSpeech}
	}

	s.idleSilenceRun++
	if s.idleSilenceRun >= s.cfg.SessionAbandonThreshold {
		s.abandoned = true
		return Result{Status: StatusError}
	}

	return Result{Status: StatusSilent}
}

// Reset clears the buffer and all counters and returns the segmenter to
// idle. Valid from any state, including abandoned, and idempotent.
func (s *Segmenter) Reset() Result {
	s.recording = false
	s.buffer = nil
	s.silenceRun = 0
	s.idleSilenceRun = 0
	s.abandoned = false

	return Result{Status: StatusReset}
}

// Recording reports whether an utterance is currently open
func (s *Segmenter) Recording() bool {
	return s.recording
}

// Abandoned reports whether the segmenter reached its abandonment decision
func (s *Segmenter) Abandoned() bool {
	return s.abandoned
}

// Snapshot returns the current state for monitoring
func (s *Segmenter) Snapshot() State {
	return State{
		Recording:      s.recording,
		BufferedFrames: len(s.buffer),
		SilenceRun:     s.silenceRun,
		IdleSilenceRun: s.idleSilenceRun,
		Abandoned:      s.abandoned,
	}
}
