// Package metrics defines the Prometheus instruments for the speech
// segmentation service.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics contains all Prometheus metrics for the segmentation service
type Metrics struct {
	// Ingestion metrics
	ChunksReceived prometheus.Counter
	ProtocolErrors prometheus.Counter

	// Session metrics
	ActiveSessions    prometheus.Gauge
	SessionsCreated   prometheus.Counter
	SessionsEvicted   prometheus.Counter
	SessionsAbandoned prometheus.Counter
	SessionDuration   prometheus.Histogram

	// Classifier metrics
	ClassifierFrames   prometheus.Counter
	ClassifierSpeech   prometheus.Counter
	ClassifierDuration prometheus.Histogram
	ClassifierErrors   prometheus.Counter

	// Segment metrics
	SegmentsFinished prometheus.Counter
	SegmentDuration  prometheus.Histogram
	SegmentSamples   prometheus.Histogram

	// Transcription metrics
	TranscriptionRequests prometheus.Counter
	TranscriptionSuccess  prometheus.Counter
	TranscriptionFailures prometheus.Counter
	TranscriptionDuration prometheus.Histogram

	// HTTP API metrics
	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	HTTPErrors          *prometheus.CounterVec
}

// NewMetrics creates all metrics on the default Prometheus registerer
func NewMetrics() *Metrics {
	return NewMetricsWith(prometheus.DefaultRegisterer)
}

// NewMetricsWith creates all metrics on the given registerer. Tests use a
// throwaway registry to avoid duplicate registration.
func NewMetricsWith(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)

	return &Metrics{
		// Ingestion metrics
		ChunksReceived: factory.NewCounter(prometheus.CounterOpts{
			Name: "segsvc_chunks_received_total",
			Help: "Total number of audio chunks received",
		}),
		ProtocolErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "segsvc_protocol_errors_total",
			Help: "Total number of chunks rejected before reaching a session",
		}),

		// Session metrics
		ActiveSessions: factory.NewGauge(prometheus.GaugeOpts{
			Name: "segsvc_active_sessions",
			Help: "Current number of active segmentation sessions",
		}),
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "segsvc_sessions_created_total",
			Help: "Total number of sessions created",
		}),
		SessionsEvicted: factory.NewCounter(prometheus.CounterOpts{
			Name: "segsvc_sessions_evicted_total",
			Help: "Total number of sessions evicted",
		}),
		SessionsAbandoned: factory.NewCounter(prometheus.CounterOpts{
			Name: "segsvc_sessions_abandoned_total",
			Help: "Total number of sessions abandoned after sustained leading silence",
		}),
		SessionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "segsvc_session_duration_seconds",
			Help:    "Lifetime of segmentation sessions in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10), // 1s to ~17 minutes
		}),

		// Classifier metrics
		ClassifierFrames: factory.NewCounter(prometheus.CounterOpts{
			Name: "segsvc_classifier_frames_total",
			Help: "Total number of frames passed to the speech-activity classifier",
		}),
		ClassifierSpeech: factory.NewCounter(prometheus.CounterOpts{
			Name: "segsvc_classifier_speech_frames_total",
			Help: "Total number of frames in which speech was detected",
		}),
		ClassifierDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "segsvc_classifier_duration_seconds",
			Help:    "Time spent classifying a frame",
			Buckets: prometheus.ExponentialBuckets(0.001, 2, 10), // 1ms to ~1s
		}),
		ClassifierErrors: factory.NewCounter(prometheus.CounterOpts{
			Name: "segsvc_classifier_errors_total",
			Help: "Total number of classifier call failures",
		}),

		// Segment metrics
		SegmentsFinished: factory.NewCounter(prometheus.CounterOpts{
			Name: "segsvc_segments_finished_total",
			Help: "Total number of completed speech segments",
		}),
		SegmentDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "segsvc_segment_duration_seconds",
			Help:    "Duration of completed speech segments",
			Buckets: prometheus.ExponentialBuckets(0.5, 2, 8), // 0.5s to ~2 minutes
		}),
		SegmentSamples: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "segsvc_segment_samples",
			Help:    "Sample count of completed speech segments",
			Buckets: prometheus.ExponentialBuckets(8000, 2, 10),
		}),

		// Transcription metrics
		TranscriptionRequests: factory.NewCounter(prometheus.CounterOpts{
			Name: "segsvc_transcription_requests_total",
			Help: "Total number of transcription requests sent",
		}),
		TranscriptionSuccess: factory.NewCounter(prometheus.CounterOpts{
			Name: "segsvc_transcription_successes_total",
			Help: "Total number of successful transcription requests",
		}),
		TranscriptionFailures: factory.NewCounter(prometheus.CounterOpts{
			Name: "segsvc_transcription_failures_total",
			Help: "Total number of failed transcription requests",
		}),
		TranscriptionDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "segsvc_transcription_duration_seconds",
			Help:    "Duration of transcription requests",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 10), // 100ms to ~2 minutes
		}),

		// HTTP API metrics
		HTTPRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segsvc_http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "endpoint", "status_code"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "segsvc_http_request_duration_seconds",
			Help:    "Duration of HTTP requests",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "endpoint"}),
		HTTPErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "segsvc_http_errors_total",
			Help: "Total number of HTTP errors",
		}, []string{"method", "endpoint", "error_type"}),
	}
}

// RecordChunkReceived increments the chunks received counter
func (m *Metrics) RecordChunkReceived() {
	m.ChunksReceived.Inc()
}

// RecordProtocolError increments the protocol errors counter
func (m *Metrics) RecordProtocolError() {
	m.ProtocolErrors.Inc()
}

// SetActiveSessions sets the current number of active sessions
func (m *Metrics) SetActiveSessions(count int) {
	m.ActiveSessions.Set(float64(count))
}

// RecordSessionCreated increments the sessions created counter
func (m *Metrics) RecordSessionCreated() {
	m.SessionsCreated.Inc()
}

// RecordSessionEvicted increments eviction counters and records lifetime
func (m *Metrics) RecordSessionEvicted(durationSeconds float64, abandoned bool) {
	m.SessionsEvicted.Inc()
	m.SessionDuration.Observe(durationSeconds)
	if abandoned {
		m.SessionsAbandoned.Inc()
	}
}

// RecordClassifierFrame records one classifier call
func (m *Metrics) RecordClassifierFrame(hasSpeech bool, durationSeconds float64) {
	m.ClassifierFrames.Inc()
	if hasSpeech {
		m.ClassifierSpeech.Inc()
	}
	m.ClassifierDuration.Observe(durationSeconds)
}

// RecordClassifierError increments the classifier failure counter
func (m *Metrics) RecordClassifierError() {
	m.ClassifierErrors.Inc()
}

// RecordSegmentFinished records a completed speech segment
func (m *Metrics) RecordSegmentFinished(durationSeconds float64, samples int) {
	m.SegmentsFinished.Inc()
	m.SegmentDuration.Observe(durationSeconds)
	m.SegmentSamples.Observe(float64(samples))
}

// RecordTranscription records the outcome of a transcription request
func (m *Metrics) RecordTranscription(success bool, durationSeconds float64) {
	m.TranscriptionRequests.Inc()
	if success {
		m.TranscriptionSuccess.Inc()
	} else {
		m.TranscriptionFailures.Inc()
	}
	m.TranscriptionDuration.Observe(durationSeconds)
}

// RecordHTTPRequest records an HTTP request
func (m *Metrics) RecordHTTPRequest(method, endpoint, statusCode string, durationSeconds float64) {
	m.HTTPRequests.WithLabelValues(method, endpoint, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(durationSeconds)
}

// RecordHTTPError records an HTTP error
func (m *Metrics) RecordHTTPError(method, endpoint, errorType string) {
	m.HTTPErrors.WithLabelValues(method, endpoint, errorType).Inc()
}
