// Package app wires storage, the job service, the render loop, the
// dispatch engine and the worker pool into one runnable process.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/surveyjobs/internal/adapter/storage"
	"github.com/fairyhunter13/surveyjobs/internal/config"
	"github.com/fairyhunter13/surveyjobs/internal/domain"
	"github.com/fairyhunter13/surveyjobs/internal/service/dispatch"
	"github.com/fairyhunter13/surveyjobs/internal/service/jobs"
	"github.com/fairyhunter13/surveyjobs/internal/service/render"
	"github.com/fairyhunter13/surveyjobs/internal/service/workers"
)

// renderPollInterval paces the render loop between ready-set sweeps.
const renderPollInterval = 200 * time.Millisecond

// Engine is the assembled execution process: it renders ready tasks for
// every active job and runs the LLM worker pool against the dispatch
// coordinator.
type Engine struct {
	cfg     config.Config
	backend storage.Backend

	jobSvc      *jobs.Service
	renderSvc   *render.Service
	workers     *workers.Registry
	coordinator *dispatch.Coordinator
	pool        *workers.Pool
	logger      *slog.Logger
}

// NewEngine assembles an engine over the backend selected by cfg. The
// renderer and model client are the process's external capabilities;
// cache may be nil.
func NewEngine(cfg config.Config, backend storage.Backend, renderer domain.PromptRenderer, llm domain.LLMClient, cache domain.ResponseCache, logger *slog.Logger) (*Engine, error) {
	limits, err := config.LoadRateLimits(cfg.RateLimitsFile)
	if err != nil {
		return nil, fmt.Errorf("op=app.NewEngine: %w", err)
	}
	if cfg.DeadWorkerCheckInterval <= 0 {
		cfg.DeadWorkerCheckInterval = 30 * time.Second
	}
	if cfg.StaleTaskThreshold <= 0 {
		cfg.StaleTaskThreshold = 300 * time.Second
	}
	if cfg.RenderBatchSize <= 0 {
		cfg.RenderBatchSize = 100
	}

	jobSvc := jobs.New(backend, logger)
	workerReg := workers.NewRegistry(backend, cfg.HeartbeatTimeout, logger, nil)

	h := dispatch.NewHeap()
	dispatchReg := dispatch.NewRegistry(h, cfg.APIKeys, limits, logger, nil)
	coordinator := dispatch.NewCoordinator(dispatchReg, h, workerReg, logger)

	direct := workers.NewDirectRunner(jobSvc, logger)
	renderSvc := render.New(backend, jobSvc, renderer, coordinator, direct, cfg.RenderBatchSize, logger)

	pool := workers.NewPool(coordinator, jobSvc, workerReg, llm, cache, workers.PoolConfig{
		Min:               cfg.MinWorkers,
		Max:               cfg.MaxWorkers,
		PollTimeout:       cfg.WorkerIdleTimeout,
		HeartbeatInterval: cfg.HeartbeatInterval,
	}, logger)

	return &Engine{
		cfg:         cfg,
		backend:     backend,
		jobSvc:      jobSvc,
		renderSvc:   renderSvc,
		workers:     workerReg,
		coordinator: coordinator,
		pool:        pool,
		logger:      logger,
	}, nil
}

// Jobs exposes the job service for in-process submission.
func (e *Engine) Jobs() *jobs.Service { return e.jobSvc }

// Coordinator exposes the dispatch coordinator, mainly for tests.
func (e *Engine) Coordinator() *dispatch.Coordinator { return e.coordinator }

// Run starts the render loop, the worker pool, dead-worker recovery and
// the stale-task sweeper, and blocks until the context is cancelled and
// everything has wound down.
func (e *Engine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		e.renderLoop(ctx)
		return nil
	})
	g.Go(func() error {
		return e.pool.Run(ctx)
	})
	g.Go(func() error {
		e.coordinator.RunDeadWorkerLoop(ctx, e.cfg.DeadWorkerCheckInterval)
		return nil
	})
	g.Go(func() error {
		e.staleSweep(ctx)
		return nil
	})

	err := g.Wait()
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

// renderLoop sweeps every active job's ready set through rendering. Jobs
// with empty ready sets cost one set pop per sweep.
func (e *Engine) renderLoop(ctx context.Context) {
	ticker := time.NewTicker(renderPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		jobIDs, err := e.jobSvc.ActiveJobs(ctx)
		if err != nil {
			e.logger.Error("active job scan failed", slog.Any("error", err))
			continue
		}
		for _, jobID := range jobIDs {
			if _, err := e.renderSvc.RenderBatch(ctx, jobID); err != nil {
				e.logger.Error("render batch failed",
					slog.String("job_id", jobID), slog.Any("error", err))
			}
		}
	}
}

// staleSweep requeues in-flight tasks whose assignment outlived the
// threshold, a second net under heartbeat-based recovery.
func (e *Engine) staleSweep(ctx context.Context) {
	ticker := time.NewTicker(e.cfg.StaleTaskThreshold)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.coordinator.RequeueStaleTasks(e.cfg.StaleTaskThreshold)
		}
	}
}

// OpenBackend selects the storage backend from configuration: Postgres
// for the persistent namespace plus Redis for the volatile one when both
// are configured, a single remote store when only one is, and the
// in-memory backend otherwise.
func OpenBackend(ctx context.Context, cfg config.Config) (storage.Backend, error) {
	switch {
	case cfg.DBURL != "" && cfg.RedisURL != "":
		pool, err := storage.NewPool(ctx, cfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("op=app.OpenBackend: %w", err)
		}
		fast, err := storage.NewRedisFromURL(cfg.RedisURL)
		if err != nil {
			pool.Close()
			return nil, fmt.Errorf("op=app.OpenBackend: %w", err)
		}
		return storage.NewHybrid(storage.NewPostgres(pool), fast), nil
	case cfg.DBURL != "":
		pool, err := storage.NewPool(ctx, cfg.DBURL)
		if err != nil {
			return nil, fmt.Errorf("op=app.OpenBackend: %w", err)
		}
		return storage.NewPostgres(pool), nil
	case cfg.RedisURL != "":
		r, err := storage.NewRedisFromURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("op=app.OpenBackend: %w", err)
		}
		return r, nil
	default:
		return storage.NewMemory(), nil
	}
}
