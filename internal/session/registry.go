package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/voicepipe/speech-segment-service/internal/metrics"
	"github.com/voicepipe/speech-segment-service/internal/segmenter"
	"github.com/voicepipe/speech-segment-service/internal/vad"
)

// ErrSessionNotFound reports a chunk addressed to an unknown or already
// evicted session. Ids are never reused, so a late or replayed chunk can
// never land in another caller's session.
var ErrSessionNotFound = errors.New("session not found")

// Transcriber converts a bounded audio payload into text. Implemented by
// transcription.Client; tests substitute a stub.
type Transcriber interface {
	Transcribe(ctx context.Context, audioData []byte, filename string) (string, error)
}

// Config contains registry configuration
type Config struct {
	Segmenter     segmenter.Config
	SampleRate    int // canonical rate of buffered audio, Hz
	IdleTimeout   time.Duration
	SweepInterval time.Duration
}

// Registry maps session ids to their segmentation sessions. It creates
// sessions on demand, evicts them on abandonment or idleness, and rejects
// chunks for unknown ids. The map is the only shared mutable structure;
// per-session processing never holds the registry lock.
type Registry struct {
	sessions map[string]*Session
	mu       sync.RWMutex

	cfg         Config
	classifier  vad.Classifier
	transcriber Transcriber
	metrics     *metrics.Metrics
	logger      *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	sweep  chan struct{}
}

// NewRegistry creates a session registry and starts its idle sweep routine
func NewRegistry(cfg Config, classifier vad.Classifier, transcriber Transcriber,
	m *metrics.Metrics, logger *slog.Logger) (*Registry, error) {

	if err := cfg.Segmenter.Validate(); err != nil {
		return nil, fmt.Errorf("invalid segmenter config: %w", err)
	}

	if cfg.SampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %d", cfg.SampleRate)
	}

	if classifier == nil {
		return nil, fmt.Errorf("classifier is required")
	}

	if transcriber == nil {
		return nil, fmt.Errorf("transcriber is required")
	}

	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = 5 * time.Minute
	}

	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 30 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())

	r := &Registry{
		sessions:    make(map[string]*Session),
		cfg:         cfg,
		classifier:  classifier,
		transcriber: transcriber,
		metrics:     m,
		logger:      logger,
		ctx:         ctx,
		cancel:      cancel,
		sweep:       make(chan struct{}),
	}

	go r.sweepRoutine()

	return r, nil
}

// Create opens a new session with a fresh collision-resistant id
func (r *Registry) Create() (*Session, error) {
	seg, err := segmenter.New(r.cfg.Segmenter)
	if err != nil {
		return nil, fmt.Errorf("failed to create segmenter: %w", err)
	}

	now := time.Now()
	session := &Session{
		ID:           uuid.NewString(),
		CreatedAt:    now,
		lastActivity: now,
		seg:          seg,
		registry:     r,
	}

	r.mu.Lock()
	r.sessions[session.ID] = session
	count := len(r.sessions)
	r.mu.Unlock()

	r.metrics.RecordSessionCreated()
	r.metrics.SetActiveSessions(count)

	r.logger.Info("Session created",
		slog.String("session_id", session.ID),
		slog.Int("active_sessions", count),
	)

	return session, nil
}

// Get retrieves a live session by id
func (r *Registry) Get(id string) (*Session, error) {
	r.mu.RLock()
	session, exists := r.sessions[id]
	r.mu.RUnlock()

	if !exists {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	return session, nil
}

// Evict removes a session from the registry. Idempotent: evicting an
// unknown or already evicted id reports false and does nothing.
func (r *Registry) Evict(id string) bool {
	return r.evict(id, false)
}

func (r *Registry) evict(id string, abandoned bool) bool {
	r.mu.Lock()
	session, exists := r.sessions[id]
	if exists {
		delete(r.sessions, id)
	}
	count := len(r.sessions)
	r.mu.Unlock()

	if !exists {
		return false
	}

	lifetime := time.Since(session.CreatedAt)
	r.metrics.RecordSessionEvicted(lifetime.Seconds(), abandoned)
	r.metrics.SetActiveSessions(count)

	r.logger.Info("Session evicted",
		slog.String("session_id", id),
		slog.Bool("abandoned", abandoned),
		slog.Duration("lifetime", lifetime),
		slog.Int("active_sessions", count),
	)

	return true
}

// Len returns the number of live sessions
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Infos returns a monitoring snapshot of all live sessions
func (r *Registry) Infos() []Info {
	r.mu.RLock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, session := range r.sessions {
		sessions = append(sessions, session)
	}
	r.mu.RUnlock()

	infos := make([]Info, 0, len(sessions))
	for _, session := range sessions {
		infos = append(infos, session.Info())
	}

	return infos
}

// Stop stops the idle sweep routine. Live sessions are left in place; the
// process is going away with them.
func (r *Registry) Stop() {
	r.cancel()
	<-r.sweep

	r.logger.Info("Session registry stopped",
		slog.Int("remaining_sessions", r.Len()),
	)
}

// sweepRoutine periodically reclaims sessions whose callers went away
// without tripping the frame-count abandonment threshold
func (r *Registry) sweepRoutine() {
	defer close(r.sweep)

	ticker := time.NewTicker(r.cfg.SweepInterval)
	defer ticker.Stop()

	r.logger.Info("Session sweep routine started",
		slog.Duration("idle_timeout", r.cfg.IdleTimeout),
		slog.Duration("sweep_interval", r.cfg.SweepInterval),
	)

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			r.sweepIdleSessions()
		}
	}
}

func (r *Registry) sweepIdleSessions() {
	now := time.Now()

	// Snapshot under the registry lock, inspect outside it. Session mutexes
	// are never taken while holding r.mu: chunk processing acquires them in
	// the opposite order when it evicts.
	r.mu.RLock()
	sessions := make(map[string]*Session, len(r.sessions))
	for id, session := range r.sessions {
		sessions[id] = session
	}
	r.mu.RUnlock()

	var expired []string
	for id, session := range sessions {
		if now.Sub(session.LastActivity()) > r.cfg.IdleTimeout {
			expired = append(expired, id)
		}
	}

	if len(expired) == 0 {
		return
	}

	r.logger.Info("Sweeping idle sessions", slog.Int("expired_count", len(expired)))

	for _, id := range expired {
		r.Evict(id)
	}
}
