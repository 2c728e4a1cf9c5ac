package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/voicepipe/speech-segment-service/internal/audio"
	"github.com/voicepipe/speech-segment-service/internal/segmenter"
)

// ErrClassifier reports a speech-activity classifier failure. The
// segmenter state is untouched; the caller may retry the same chunk.
var ErrClassifier = errors.New("classifier call failed")

// ErrTranscription reports a transcription failure. The finished segment
// is discarded; the caller must re-record.
var ErrTranscription = errors.New("transcription call failed")

// Session is one logical audio stream with its own segmentation state.
// All chunk processing for a session runs under its mutex, so state
// transitions form a total order matching chunk arrival order while
// chunks for other sessions proceed in parallel.
type Session struct {
	ID        string
	CreatedAt time.Time

	mu           sync.Mutex
	seg          *segmenter.Segmenter
	lastActivity time.Time
	chunks       uint64
	segments     uint64

	registry *Registry
}

// Outcome is the result of processing one chunk. Text is non-empty only
// for a successful Finished result.
type Outcome struct {
	Status segmenter.Status
	Text   string
}

// Info represents session information for monitoring
type Info struct {
	ID           string          `json:"session_id"`
	CreatedAt    time.Time       `json:"created_at"`
	LastActivity time.Time       `json:"last_activity"`
	Chunks       uint64          `json:"chunks"`
	Segments     uint64          `json:"segments"`
	State        segmenter.State `json:"state"`
}

// ProcessChunk runs one frame through the segmentation pipeline:
// classify, advance the state machine, and on a finished utterance encode
// and transcribe the segment. The chunk is not considered ingested until
// the classifier verdict has been applied, so a session's transitions can
// never be reordered.
func (s *Session) ProcessChunk(ctx context.Context, frame []float32) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now()
	s.chunks++

	r := s.registry

	classifyStart := time.Now()
	intervals, err := r.classifier.Classify(ctx, frame)
	if err != nil {
		// Segmenter state deliberately untouched: the caller may resend
		// this chunk or Reset.
		r.metrics.RecordClassifierError()
		return Outcome{Status: segmenter.StatusError}, fmt.Errorf("%w: %v", ErrClassifier, err)
	}

	hasSpeech := len(intervals) > 0
	r.metrics.RecordClassifierFrame(hasSpeech, time.Since(classifyStart).Seconds())

	result, err := s.seg.Push(frame, hasSpeech)
	if err != nil {
		if errors.Is(err, segmenter.ErrAbandoned) {
			r.evict(s.ID, true)
		}
		return Outcome{Status: segmenter.StatusError}, err
	}

	switch result.Status {
	case segmenter.StatusFinished:
		return s.finishSegment(ctx, result.Segment)

	case segmenter.StatusError:
		// Abandonment decision: too much leading silence, session is done.
		r.logger.Info("Session abandoned after sustained silence",
			slog.String("session_id", s.ID),
			slog.Uint64("chunks", s.chunks),
		)
		r.evict(s.ID, true)
		return Outcome{Status: segmenter.StatusError}, nil

	default:
		if result.Decision == segmenter.DecisionStart {
			r.logger.Debug("Utterance started", slog.String("session_id", s.ID))
		}
		return Outcome{Status: result.Status}, nil
	}
}

// finishSegment encodes a completed segment and hands it to transcription.
// Called with the session mutex held: the transcription wait blocks only
// this session's path, never ingestion for other sessions.
func (s *Session) finishSegment(ctx context.Context, segment []float32) (Outcome, error) {
	r := s.registry

	duration := float64(len(segment)) / float64(r.cfg.SampleRate)
	r.metrics.RecordSegmentFinished(duration, len(segment))
	s.segments++

	r.logger.Info("Utterance finished",
		slog.String("session_id", s.ID),
		slog.Float64("duration", duration),
		slog.Int("samples", len(segment)),
	)

	wavData, err := audio.EncodeWAV(segment, r.cfg.SampleRate)
	if err != nil {
		r.metrics.RecordTranscription(false, 0)
		return Outcome{Status: segmenter.StatusError}, fmt.Errorf("%w: %v", ErrTranscription, err)
	}

	start := time.Now()
	text, err := r.transcriber.Transcribe(ctx, wavData, "segment.wav")
	r.metrics.RecordTranscription(err == nil, time.Since(start).Seconds())

	if err != nil {
		// Segment is gone; the segmenter is already back in idle and the
		// session stays usable for a fresh utterance.
		r.logger.Error("Transcription failed, segment discarded",
			slog.String("session_id", s.ID),
			slog.String("error", err.Error()),
		)
		return Outcome{Status: segmenter.StatusError}, fmt.Errorf("%w: %v", ErrTranscription, err)
	}

	r.logger.Info("Segment transcribed",
		slog.String("session_id", s.ID),
		slog.String("text", text),
		slog.Float64("transcription_seconds", time.Since(start).Seconds()),
	)

	return Outcome{Status: segmenter.StatusFinished, Text: text}, nil
}

// ProcessDirect transcribes a caller-bounded utterance, bypassing
// segmentation and classification entirely
func (s *Session) ProcessDirect(ctx context.Context, payload []byte) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now()
	s.chunks++

	r := s.registry

	start := time.Now()
	text, err := r.transcriber.Transcribe(ctx, payload, "direct.wav")
	r.metrics.RecordTranscription(err == nil, time.Since(start).Seconds())

	if err != nil {
		return Outcome{Status: segmenter.StatusError}, fmt.Errorf("%w: %v", ErrTranscription, err)
	}

	return Outcome{Status: segmenter.StatusFinished, Text: text}, nil
}

// Reset clears the session's segmentation state. Idempotent and valid
// from any state; the session stays registered.
func (s *Session) Reset() Outcome {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.lastActivity = time.Now()
	result := s.seg.Reset()

	s.registry.logger.Info("Session reset", slog.String("session_id", s.ID))

	return Outcome{Status: result.Status}
}

// LastActivity returns the time the session last processed a request
func (s *Session) LastActivity() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastActivity
}

// Info returns a monitoring snapshot of the session
func (s *Session) Info() Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	return Info{
		ID:           s.ID,
		CreatedAt:    s.CreatedAt,
		LastActivity: s.lastActivity,
		Chunks:       s.chunks,
		Segments:     s.segments,
		State:        s.seg.Snapshot(),
	}
}
