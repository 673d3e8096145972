package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/lilalabs/voice-gateway/internal/auth"
	"github.com/lilalabs/voice-gateway/internal/config"
	"github.com/lilalabs/voice-gateway/internal/llm"
	"github.com/lilalabs/voice-gateway/internal/observability"
	"github.com/lilalabs/voice-gateway/internal/store"
	"github.com/lilalabs/voice-gateway/internal/stt"
	"github.com/lilalabs/voice-gateway/internal/tts"
	"github.com/lilalabs/voice-gateway/internal/voice"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("port", cfg.Port).
		Str("generation_model", cfg.GenerationModel).
		Str("stt_model", cfg.DeepgramModel).
		Str("log_level", cfg.LogLevel).
		Int("max_sessions", cfg.MaxConcurrentSessions).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Voice Gateway Service starting")

	// Shared collaborators: session registry, auth, conversation store,
	// generation client with its worker pool.
	manager := voice.NewManager(cfg.MaxConcurrentSessions)
	verifier := auth.NewVerifier(cfg.JWTSecret)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	turnStore := store.NewRedisStore(redisClient, time.Duration(cfg.StoreTTLHours)*time.Hour)

	pool := llm.NewWorkerPool(cfg.GenerationWorkers)
	defer pool.Shutdown()
	genClient := llm.NewOpenAIClient(cfg, pool)

	mux := http.NewServeMux()

	// Voice WebSocket endpoint; STT and TTS connections are per-session
	mux.HandleFunc("/ws", voice.HandleVoiceWS(voice.Deps{
		Config:   cfg,
		Manager:  manager,
		Verifier: verifier,
		Store:    turnStore,
		Gen:      genClient,
		NewSTT: func(logger zerolog.Logger) stt.Client {
			return stt.NewDeepgramClient(cfg, logger)
		},
		NewTTS: func(logger zerolog.Logger) tts.Client {
			return tts.NewDeepgramSpeakClient(cfg, logger)
		},
	}))

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())

	// Readiness: the store is the only dependency we probe for real; the
	// speech and generation services are only dialed per session.
	redisCheck := func(ctx context.Context) (bool, error) {
		if err := turnStore.Ping(ctx); err != nil {
			return false, err
		}
		return true, nil
	}
	configCheck := func(ctx context.Context) (bool, error) {
		if err := cfg.Validate(); err != nil {
			return false, err
		}
		return true, nil
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(map[string]observability.DependencyCheck{
		"redis":  redisCheck,
		"config": configCheck,
	}))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Create HTTP server with timeouts. Write timeout stays zero: the
	// WebSocket endpoint holds its response open for the session lifetime.
	server := &http.Server{
		Addr:        fmt.Sprintf(":%s", cfg.Port),
		Handler:     mux,
		ReadTimeout: 15 * time.Second,
		IdleTimeout: 60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("endpoint", fmt.Sprintf("ws://localhost:%s/ws", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Msg("Shutting down server...")

	// Active voice sessions hold hijacked connections that server.Shutdown
	// never touches; cancel them first so their teardown runs.
	manager.ShutdownAll()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := redisClient.Close(); err != nil {
		logger.Warn().Err(err).Msg("Redis client close")
	}

	logger.Info().Msg("Voice Gateway Service stopped")
}
