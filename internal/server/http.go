package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/voicepipe/speech-segment-service/internal/audio"
	"github.com/voicepipe/speech-segment-service/internal/config"
	"github.com/voicepipe/speech-segment-service/internal/metrics"
	"github.com/voicepipe/speech-segment-service/internal/protocol"
	"github.com/voicepipe/speech-segment-service/internal/segmenter"
	"github.com/voicepipe/speech-segment-service/internal/session"
	"github.com/voicepipe/speech-segment-service/internal/transcription"
)

// HTTPServer provides the chunk ingestion API plus monitoring endpoints
type HTTPServer struct {
	server        *http.Server
	logger        *slog.Logger
	config        *config.Config
	registry      *session.Registry
	transcription *transcription.Client
	metrics       *metrics.Metrics

	startTime time.Time
}

// NewHTTPServer creates the API server. transcriptionClient may be nil
// when no transcription statistics are available.
func NewHTTPServer(cfg *config.Config, logger *slog.Logger, registry *session.Registry,
	transcriptionClient *transcription.Client, m *metrics.Metrics) *HTTPServer {

	h := &HTTPServer{
		logger:        logger,
		config:        cfg,
		registry:      registry,
		transcription: transcriptionClient,
		metrics:       m,
		startTime:     time.Now(),
	}

	mux := http.NewServeMux()
	h.setupRoutes(mux)

	h.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port),
		Handler:      mux,
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeout) * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return h
}

// setupRoutes configures HTTP API routes
func (h *HTTPServer) setupRoutes(mux *http.ServeMux) {
	// Session lifecycle and ingestion
	mux.HandleFunc("/start", h.withMetrics("/start", h.handleStart))
	mux.HandleFunc("/ingest-chunk", h.withMetrics("/ingest-chunk", h.handleIngestChunk))
	mux.HandleFunc("/reset", h.withMetrics("/reset", h.handleReset))

	// Monitoring endpoints
	mux.HandleFunc("/health", h.withMetrics("/health", h.handleHealth))
	mux.HandleFunc("/sessions", h.withMetrics("/sessions", h.handleSessions))
	mux.HandleFunc("/sessions/", h.withMetrics("/sessions/{id}", h.handleSessionDetail))
	mux.HandleFunc("/config", h.withMetrics("/config", h.handleConfig))
	mux.HandleFunc("/stats", h.withMetrics("/stats", h.handleStats))

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Root endpoint with API documentation
	mux.HandleFunc("/", h.withMetrics("/", h.handleRoot))
}

// withMetrics wraps an HTTP handler with metrics collection
func (h *HTTPServer) withMetrics(endpoint string, handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		startTime := time.Now()

		ww := &responseWriter{ResponseWriter: w, statusCode: 200}

		handler(ww, r)

		duration := time.Since(startTime).Seconds()
		statusCode := fmt.Sprintf("%d", ww.statusCode)

		h.metrics.RecordHTTPRequest(r.Method, endpoint, statusCode, duration)

		if ww.statusCode >= 400 {
			errorType := "client_error"
			if ww.statusCode >= 500 {
				errorType = "server_error"
			}
			h.metrics.RecordHTTPError(r.Method, endpoint, errorType)
		}
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Start starts the HTTP server
func (h *HTTPServer) Start() error {
	h.logger.Info("Starting HTTP API server",
		slog.String("address", h.server.Addr),
	)

	go func() {
		if err := h.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			h.logger.Error("HTTP server error", slog.String("error", err.Error()))
		}
	}()

	return nil
}

// Stop gracefully stops the HTTP server
func (h *HTTPServer) Stop(ctx context.Context) error {
	h.logger.Info("Stopping HTTP API server...")

	return h.server.Shutdown(ctx)
}

// handleStart implements POST /start: open a new segmentation session
func (h *HTTPServer) handleStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sess, err := h.registry.Create()
	if err != nil {
		h.logger.Error("Failed to create session", slog.String("error", err.Error()))
		h.writeJSON(w, http.StatusInternalServerError, protocol.ErrorResponse{
			Error: "failed to create session",
		})
		return
	}

	h.writeJSON(w, http.StatusOK, protocol.StartResponse{SessionID: sess.ID})
}

// handleIngestChunk implements POST /ingest-chunk: one audio chunk in,
// one {status, text} verdict out
func (h *HTTPServer) handleIngestChunk(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	h.metrics.RecordChunkReceived()

	if err := r.ParseMultipartForm(h.config.HTTP.MaxChunkBytes); err != nil {
		h.rejectProtocol(w, http.StatusBadRequest, "invalid multipart form", err)
		return
	}

	sessionID := r.FormValue("sessionId")
	mode, err := protocol.ParseMode(r.FormValue("mode"))
	if err != nil {
		h.rejectProtocol(w, http.StatusBadRequest, "invalid mode", err)
		return
	}

	file, _, err := r.FormFile("chunk")
	if err != nil {
		h.rejectProtocol(w, http.StatusBadRequest, "missing chunk file", err)
		return
	}
	defer file.Close()

	payload, err := io.ReadAll(file)
	if err != nil {
		h.rejectProtocol(w, http.StatusBadRequest, "failed to read chunk", err)
		return
	}

	if err := protocol.ValidateChunkRequest(sessionID, payload); err != nil {
		h.rejectProtocol(w, http.StatusBadRequest, "invalid chunk request", err)
		return
	}

	sess, err := h.registry.Get(sessionID)
	if err != nil {
		h.rejectProtocol(w, http.StatusNotFound, "unknown session; call /start first", err)
		return
	}

	var outcome session.Outcome
	switch mode {
	case protocol.ModeDirect:
		outcome, err = sess.ProcessDirect(r.Context(), payload)
	default:
		outcome, err = h.ingestSegmentChunk(r.Context(), sess, payload)
	}

	h.writeOutcome(w, sessionID, outcome, err)
}

// ingestSegmentChunk decodes and normalizes a raw PCM chunk and drives
// the session's state machine with it
func (h *HTTPServer) ingestSegmentChunk(ctx context.Context, sess *session.Session, payload []byte) (session.Outcome, error) {
	samples, err := audio.DecodePCM16(payload)
	if err != nil {
		return session.Outcome{}, fmt.Errorf("%w: %v", errMalformedPayload, err)
	}

	// Gain before classification so detection sensitivity tracks the
	// buffered audio.
	audio.ApplyGain(samples, h.config.Audio.Gain)

	frame, err := audio.Resample(samples, h.config.Audio.InputSampleRate, h.config.Audio.SampleRate)
	if err != nil {
		return session.Outcome{}, fmt.Errorf("%w: %v", errMalformedPayload, err)
	}

	return sess.ProcessChunk(ctx, frame)
}

// errMalformedPayload marks decode failures that must surface as
// protocol errors, not segmentation results
var errMalformedPayload = errors.New("malformed audio payload")

// writeOutcome maps a processing outcome onto the wire contract
func (h *HTTPServer) writeOutcome(w http.ResponseWriter, sessionID string, outcome session.Outcome, err error) {
	if err != nil {
		switch {
		case errors.Is(err, errMalformedPayload), errors.Is(err, segmenter.ErrFrameSize):
			h.rejectProtocol(w, http.StatusBadRequest, "malformed frame", err)

		case errors.Is(err, session.ErrClassifier), errors.Is(err, session.ErrTranscription),
			errors.Is(err, segmenter.ErrAbandoned):
			h.logger.Error("Chunk processing failed",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			h.writeJSON(w, http.StatusInternalServerError, protocol.StatusResponse(segmenter.StatusError))

		default:
			h.logger.Error("Unexpected ingestion error",
				slog.String("session_id", sessionID),
				slog.String("error", err.Error()),
			)
			h.writeJSON(w, http.StatusInternalServerError, protocol.StatusResponse(segmenter.StatusError))
		}
		return
	}

	if outcome.Status == segmenter.StatusError {
		// Abandonment: the session is gone, a fresh /start is required.
		h.writeJSON(w, http.StatusInternalServerError, protocol.StatusResponse(segmenter.StatusError))
		return
	}

	if outcome.Status == segmenter.StatusFinished {
		h.writeJSON(w, http.StatusOK, protocol.TextResponse(outcome.Status, outcome.Text))
		return
	}

	h.writeJSON(w, http.StatusOK, protocol.StatusResponse(outcome.Status))
}

// handleReset implements POST /reset: clear a session's segmentation state
func (h *HTTPServer) handleReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if err := r.ParseForm(); err != nil {
		h.rejectProtocol(w, http.StatusBadRequest, "invalid form", err)
		return
	}

	sessionID := r.FormValue("sessionId")
	if sessionID == "" {
		h.rejectProtocol(w, http.StatusBadRequest, "sessionId is required", nil)
		return
	}

	sess, err := h.registry.Get(sessionID)
	if err != nil {
		h.rejectProtocol(w, http.StatusNotFound, "unknown session; call /start first", err)
		return
	}

	outcome := sess.Reset()

	h.writeJSON(w, http.StatusOK, protocol.StatusResponse(outcome.Status))
}

// rejectProtocol writes a protocol error response. These never carry a
// status field, keeping rejections distinct from segmentation results.
func (h *HTTPServer) rejectProtocol(w http.ResponseWriter, code int, msg string, err error) {
	h.metrics.RecordProtocolError()

	resp := protocol.ErrorResponse{Error: msg}
	if err != nil {
		resp.Detail = err.Error()
	}

	h.writeJSON(w, code, resp)
}

// handleHealth implements the /health endpoint
func (h *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	uptime := time.Since(h.startTime)

	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": time.Now().UTC(),
		"uptime":    uptime.String(),
		"service": map[string]interface{}{
			"name":    "speech-segment-service",
			"version": "1.0.0",
		},
		"components": map[string]interface{}{
			"session_registry": map[string]interface{}{
				"status":          "running",
				"active_sessions": h.registry.Len(),
			},
		},
	}

	if h.transcription != nil {
		stats := h.transcription.GetStats()
		health["components"].(map[string]interface{})["transcription"] = map[string]interface{}{
			"status":          "running",
			"total_requests":  stats.TotalRequests,
			"success_rate":    stats.SuccessRate,
			"active_requests": stats.ActiveRequests,
		}
	}

	h.writeJSON(w, http.StatusOK, health)
}

// handleSessions implements the /sessions endpoint
func (h *HTTPServer) handleSessions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	infos := h.registry.Infos()

	response := map[string]interface{}{
		"total_sessions": len(infos),
		"timestamp":      time.Now().UTC(),
		"sessions":       infos,
	}

	h.writeJSON(w, http.StatusOK, response)
}

// handleSessionDetail implements the /sessions/{session_id} endpoint
func (h *HTTPServer) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	sessionID := strings.TrimPrefix(r.URL.Path, "/sessions/")
	if sessionID == "" {
		http.Error(w, "Session ID required", http.StatusBadRequest)
		return
	}

	sess, err := h.registry.Get(sessionID)
	if err != nil {
		http.Error(w, "Session not found", http.StatusNotFound)
		return
	}

	h.writeJSON(w, http.StatusOK, sess.Info())
}

// handleConfig implements the /config endpoint
func (h *HTTPServer) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	// Sanitized configuration: the transcription API key is omitted
	sanitized := map[string]interface{}{
		"http": map[string]interface{}{
			"address":         h.config.HTTP.Address,
			"port":            h.config.HTTP.Port,
			"max_chunk_bytes": h.config.HTTP.MaxChunkBytes,
		},
		"audio": map[string]interface{}{
			"sample_rate":       h.config.Audio.SampleRate,
			"input_sample_rate": h.config.Audio.InputSampleRate,
			"frame_duration":    h.config.Audio.FrameDuration,
			"gain":              h.config.Audio.Gain,
		},
		"segmenter": map[string]interface{}{
			"silence_end_threshold":     h.config.Segmenter.SilenceEndThreshold,
			"session_abandon_threshold": h.config.Segmenter.SessionAbandonThreshold,
		},
		"vad": map[string]interface{}{
			"threshold": h.config.VAD.Threshold,
		},
		"transcription": map[string]interface{}{
			"endpoint":       h.config.Transcription.Endpoint,
			"model":          h.config.Transcription.Model,
			"language":       h.config.Transcription.Language,
			"timeout":        h.config.Transcription.Timeout,
			"max_retries":    h.config.Transcription.MaxRetries,
			"max_concurrent": h.config.Transcription.MaxConcurrent,
		},
		"session": map[string]interface{}{
			"idle_timeout":   h.config.Session.IdleTimeout,
			"sweep_interval": h.config.Session.SweepInterval,
		},
		"logging": map[string]interface{}{
			"level":  h.config.Logging.Level,
			"format": h.config.Logging.Format,
			"output": h.config.Logging.Output,
		},
	}

	h.writeJSON(w, http.StatusOK, sanitized)
}

// handleStats implements the /stats endpoint
func (h *HTTPServer) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	stats := map[string]interface{}{
		"uptime":    time.Since(h.startTime).String(),
		"timestamp": time.Now().UTC(),
		"sessions": map[string]interface{}{
			"active_count": h.registry.Len(),
		},
	}

	if h.transcription != nil {
		stats["transcription"] = h.transcription.GetStats()
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// handleRoot implements the / endpoint with API documentation
func (h *HTTPServer) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}

	apiDoc := map[string]interface{}{
		"service": "Speech Segmentation Service",
		"version": "1.0.0",
		"endpoints": map[string]interface{}{
			"POST /start":        "Open a new segmentation session",
			"POST /ingest-chunk": "Ingest one audio chunk (multipart: sessionId, chunk, mode)",
			"POST /reset":        "Reset a session's segmentation state",
			"GET /health":        "Service health check",
			"GET /sessions":      "List all active sessions",
			"GET /sessions/{id}": "Get detailed session information",
			"GET /config":        "Get service configuration",
			"GET /stats":         "Get service statistics",
			"GET /metrics":       "Prometheus metrics",
		},
		"timestamp": time.Now().UTC(),
	}

	h.writeJSON(w, http.StatusOK, apiDoc)
}

// writeJSON writes a JSON response body with the given status code
func (h *HTTPServer) writeJSON(w http.ResponseWriter, code int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		h.logger.Error("Failed to encode response", slog.String("error", err.Error()))
	}
}
