// infergate - Streaming Conversational Inference Gateway
package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ashureev/infergate/internal/config"
	"github.com/ashureev/infergate/internal/engine"
	"github.com/ashureev/infergate/internal/gateway"
	"github.com/ashureev/infergate/internal/middleware"
	"github.com/ashureev/infergate/internal/ratelimit"
	"github.com/ashureev/infergate/internal/turnlog"
	"github.com/ashureev/infergate/internal/validate"
	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/joho/godotenv"
)

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}

	slog.Info("Starting server", "port", cfg.Port, "dev", cfg.IsDevelopment())

	admission := ratelimit.NewAdmission(cfg.MaxConcurrentConnections)
	chatEngine := engine.NewStubChatEngine()
	classifier := engine.NewStubToolClassifier()
	defer chatEngine.Close()
	defer classifier.Close()

	gwCfg := gateway.Config{
		APIKey:            cfg.APIKey,
		IdleTimeout:       cfg.IdleTimeout,
		MessageRateLimit:  cfg.MessageRate.Limit,
		MessageRateWindow: cfg.MessageRate.Window,
		CancelRateLimit:   cfg.CancelRate.Limit,
		CancelRateWindow:  cfg.CancelRate.Window,
		Sampling: validate.SamplingConfig{
			Temperature: validate.SamplingBounds{
				Default: cfg.Temperature.Default, Min: cfg.Temperature.Min, Max: cfg.Temperature.Max,
			},
			TopP: validate.SamplingBounds{
				Default: cfg.TopP.Default, Min: cfg.TopP.Min, Max: cfg.TopP.Max,
			},
			RepetitionPenalty: validate.SamplingBounds{
				Default: cfg.RepetitionPenalty.Default, Min: cfg.RepetitionPenalty.Min, Max: cfg.RepetitionPenalty.Max,
			},
		},
		PersonaPromptMaxChars: cfg.PromptSanitizeMaxChars,
		UtteranceMaxChars:     cfg.PromptSanitizeMaxChars,
		TurnTimeout:           cfg.TurnTimeout,
		EmitFinalFrame:        cfg.EmitFinalFrame,
		AllowedOrigin:         cfg.AllowedOrigin,
		IsDev:                 cfg.IsDevelopment(),
	}

	gw := gateway.NewServer(gwCfg, admission, chatEngine, classifier, logger, turnlog.NoopLogger{})

	r := chi.NewRouter()
	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Logger)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Heartbeat("/health"))

	allowedOrigins := []string{"*"}
	if cfg.AllowedOrigin != "" {
		allowedOrigins = []string{cfg.AllowedOrigin}
	}
	r.Use(middleware.CORS(allowedOrigins))

	r.Get("/ws", gw.ServeHTTP)

	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // 0 = no timeout; WebSocket turns may stream for the full engine deadline
		IdleTimeout:  120 * time.Second,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go func() {
		slog.Info("Server listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("Server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	stop()

	slog.Info("Shutting down gracefully...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Error("Server forced to shutdown", "error", err)
		os.Exit(1)
	}

	slog.Info("Server stopped successfully")
}
