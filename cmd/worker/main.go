// Package main is the distributed execution worker: it renders ready
// tasks for active jobs from the shared storage backend and runs the LLM
// worker pool against the rate-limited dispatch engine.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/fairyhunter13/surveyjobs/internal/adapter/llm"
	"github.com/fairyhunter13/surveyjobs/internal/adapter/observability"
	"github.com/fairyhunter13/surveyjobs/internal/app"
	"github.com/fairyhunter13/surveyjobs/internal/config"
	"github.com/fairyhunter13/surveyjobs/internal/service/render"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("error", err))
		os.Exit(1)
	}

	logger := observability.SetupLogger(cfg)
	slog.SetDefault(logger)

	observability.InitMetrics()
	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		addr := fmt.Sprintf(":%d", cfg.MetricsPort)
		if err := http.ListenAndServe(addr, mux); err != nil {
			slog.Error("metrics server error", slog.Any("error", err))
		}
	}()

	shutdownTracer, err := observability.SetupTracing(cfg)
	if err != nil {
		slog.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	backend, err := app.OpenBackend(ctx, cfg)
	if err != nil {
		slog.Error("storage backend init failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			slog.Error("storage backend close failed", slog.Any("error", err))
		}
	}()

	client := llm.New(logger)
	cache := llm.NewStorageCache(backend)

	engine, err := app.NewEngine(cfg, backend, render.DefaultRenderer{}, client, cache, logger)
	if err != nil {
		slog.Error("engine init failed", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("worker starting",
		slog.String("env", cfg.AppEnv),
		slog.Int("min_workers", cfg.MinWorkers),
		slog.Int("max_workers", cfg.MaxWorkers))

	if err := engine.Run(ctx); err != nil {
		slog.Error("engine stopped with error", slog.Any("error", err))
		os.Exit(1)
	}
	slog.Info("worker stopped")
}
