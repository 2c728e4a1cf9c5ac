package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/voicepipe/speech-segment-service/internal/config"
	"github.com/voicepipe/speech-segment-service/internal/metrics"
	"github.com/voicepipe/speech-segment-service/internal/segmenter"
	"github.com/voicepipe/speech-segment-service/internal/server"
	"github.com/voicepipe/speech-segment-service/internal/session"
	"github.com/voicepipe/speech-segment-service/internal/transcription"
	"github.com/voicepipe/speech-segment-service/internal/vad"
)

const (
	defaultConfigPath = "configs/config.yaml"
	serviceName       = "speech-segment-service"
	serviceVersion    = "1.0.0"

	// classifierWindowSize is the number of samples per detection window
	classifierWindowSize = 512
)

func main() {
	// Parse command line flags
	configPath := flag.String("config", defaultConfigPath, "Path to configuration file")
	flag.Parse()

	// Load .env before the config so env overrides pick up local secrets
	_ = godotenv.Load()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger based on configuration
	logger := initLogger(cfg.Logging)

	// Log service startup
	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", *configPath),
	)

	// Log configuration summary (without sensitive data)
	logger.Info("Configuration loaded",
		slog.Int("http_port", cfg.HTTP.Port),
		slog.String("bind_address", cfg.HTTP.Address),
		slog.Int("sample_rate", cfg.Audio.SampleRate),
		slog.Int("input_sample_rate", cfg.Audio.InputSampleRate),
		slog.Float64("frame_duration", cfg.Audio.FrameDuration),
		slog.Float64("gain", cfg.Audio.Gain),
		slog.Int("silence_end_threshold", cfg.Segmenter.SilenceEndThreshold),
		slog.Int("session_abandon_threshold", cfg.Segmenter.SessionAbandonThreshold),
		slog.Float64("vad_threshold", cfg.VAD.Threshold),
		slog.String("transcription_endpoint", cfg.Transcription.Endpoint),
		slog.String("log_level", cfg.Logging.Level),
	)

	// Create cancellable context for graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Initialize Prometheus metrics
	appMetrics := metrics.NewMetrics()
	logger.Info("Prometheus metrics initialized")

	// Speech classifier driving the segmentation state machine
	classifier, err := vad.NewEnergyClassifier(cfg.VAD.Threshold, classifierWindowSize)
	if err != nil {
		logger.Error("Failed to create classifier", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Speech classifier initialized",
		slog.Float64("threshold", cfg.VAD.Threshold),
		slog.Int("window_size", classifierWindowSize),
	)

	// Transcription client for finished segments
	transcriptionClient, err := transcription.NewClient(transcription.Config{
		Endpoint:      cfg.Transcription.Endpoint,
		APIKey:        cfg.Transcription.APIKey,
		Model:         cfg.Transcription.Model,
		Language:      cfg.Transcription.Language,
		Timeout:       cfg.Transcription.GetTimeoutDuration(),
		MaxRetries:    cfg.Transcription.MaxRetries,
		MaxConcurrent: cfg.Transcription.MaxConcurrent,
	})
	if err != nil {
		logger.Error("Failed to create transcription client", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Transcription client initialized",
		slog.String("endpoint", cfg.Transcription.Endpoint),
		slog.String("model", cfg.Transcription.Model),
	)

	// Session registry owning per-session segmentation state
	registry, err := session.NewRegistry(session.Config{
		Segmenter: segmenter.Config{
			SilenceEndThreshold:     cfg.Segmenter.SilenceEndThreshold,
			SessionAbandonThreshold: cfg.Segmenter.SessionAbandonThreshold,
			FrameSamples:            cfg.Audio.FrameSamples(),
		},
		SampleRate:    cfg.Audio.SampleRate,
		IdleTimeout:   cfg.Session.GetIdleTimeout(),
		SweepInterval: cfg.Session.GetSweepInterval(),
	}, classifier, transcriptionClient, appMetrics, logger)
	if err != nil {
		logger.Error("Failed to create session registry", slog.String("error", err.Error()))
		os.Exit(1)
	}
	logger.Info("Session registry initialized",
		slog.Duration("idle_timeout", cfg.Session.GetIdleTimeout()),
		slog.Duration("sweep_interval", cfg.Session.GetSweepInterval()),
	)

	// Initialize HTTP API server
	httpServer := server.NewHTTPServer(cfg, logger, registry, transcriptionClient, appMetrics)
	logger.Info("HTTP API server initialized",
		slog.String("address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
	)

	if err := httpServer.Start(); err != nil {
		logger.Error("Failed to start HTTP server", slog.String("error", err.Error()))
		os.Exit(1)
	}

	// Setup signal handling for graceful shutdown
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	logger.Info("Service started successfully, waiting for signals...",
		slog.String("http_address", fmt.Sprintf("%s:%d", cfg.HTTP.Address, cfg.HTTP.Port)),
	)

	// Wait for shutdown signal
	select {
	case sig := <-sigChan:
		logger.Info("Received shutdown signal", slog.String("signal", sig.String()))
	case <-ctx.Done():
		logger.Info("Context cancelled, shutting down")
	}

	logger.Info("Starting graceful shutdown...")

	// Stop HTTP server first (stop accepting new requests)
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Stop(shutdownCtx); err != nil {
		logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
	}

	// Stop the registry (evict sessions and stop the idle sweeper)
	registry.Stop()

	// Drain the transcription client last
	if err := transcriptionClient.Close(); err != nil {
		logger.Error("Error closing transcription client", slog.String("error", err.Error()))
	}

	stats := transcriptionClient.GetStats()
	logger.Info("Final transcription statistics",
		slog.Uint64("total_requests", stats.TotalRequests),
		slog.Uint64("successful", stats.SuccessRequests),
		slog.Uint64("failed", stats.FailedRequests),
	)

	logger.Info("Service stopped")
}

// initLogger creates and configures the structured logger based on configuration
func initLogger(cfg config.LoggingConfig) *slog.Logger {
	// Parse log level
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "info":
		level = slog.LevelInfo
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo // default fallback
	}

	// Configure handler options
	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug, // Add source info for debug level
	}

	// Determine output destination
	var output *os.File
	switch cfg.Output {
	case "stderr":
		output = os.Stderr
	case "stdout", "":
		output = os.Stdout
	default:
		// Assume it's a file path
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Failed to open log file %s: %v, falling back to stdout\n", cfg.Output, err)
			output = os.Stdout
		} else {
			output = file
		}
	}

	// Create handler based on format
	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	case "text", "":
		handler = slog.NewTextHandler(output, opts)
	default:
		// Default to text format
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler)
}
