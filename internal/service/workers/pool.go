package workers

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/fairyhunter13/surveyjobs/internal/domain"
	"github.com/fairyhunter13/surveyjobs/internal/service/dispatch"
	"github.com/fairyhunter13/surveyjobs/internal/service/jobs"
)

// scaleInterval paces the pool's growth checks.
const scaleInterval = 2 * time.Second

// PoolConfig tunes the worker pool.
type PoolConfig struct {
	Min               int
	Max               int
	PollTimeout       time.Duration
	HeartbeatInterval time.Duration
}

// Pool spawns Min workers and grows toward Max while every running worker
// has an assignment. Cancelling the context stops every worker and waits
// for their exit.
type Pool struct {
	coordinator *dispatch.Coordinator
	jobs        *jobs.Service
	registry    *Registry
	llm         domain.LLMClient
	cache       domain.ResponseCache
	cfg         PoolConfig
	logger      *slog.Logger

	running atomic.Int64
}

// NewPool builds a pool. cache may be nil.
func NewPool(coordinator *dispatch.Coordinator, jobSvc *jobs.Service, registry *Registry, llm domain.LLMClient, cache domain.ResponseCache, cfg PoolConfig, logger *slog.Logger) *Pool {
	if cfg.Min <= 0 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	return &Pool{
		coordinator: coordinator,
		jobs:        jobSvc,
		registry:    registry,
		llm:         llm,
		cache:       cache,
		cfg:         cfg,
		logger:      logger,
	}
}

// Running reports the current number of workers.
func (p *Pool) Running() int { return int(p.running.Load()) }

// Run blocks until the context is cancelled and every worker has exited.
func (p *Pool) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < p.cfg.Min; i++ {
		p.spawn(ctx, g, i)
	}
	g.Go(func() error {
		p.scaleLoop(ctx, g)
		return nil
	})
	return g.Wait()
}

func (p *Pool) spawn(ctx context.Context, g *errgroup.Group, idx int) {
	p.running.Add(1)
	g.Go(func() error {
		defer p.running.Add(-1)
		w := NewWorker(p.coordinator, p.jobs, p.registry, p.llm, p.cache, WorkerConfig{
			PollTimeout:       p.cfg.PollTimeout,
			HeartbeatInterval: p.cfg.HeartbeatInterval,
		}, p.logger.With(slog.Int("worker_index", idx)))
		if err := w.Run(ctx); err != nil {
			return fmt.Errorf("op=workers.pool: %w", err)
		}
		return nil
	})
}

// scaleLoop adds a worker whenever every running worker holds an
// assignment, up to Max. The pool never shrinks; idle workers cost one
// long-poll each.
func (p *Pool) scaleLoop(ctx context.Context, g *errgroup.Group) {
	ticker := time.NewTicker(scaleInterval)
	defer ticker.Stop()
	next := p.cfg.Min
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		running := int(p.running.Load())
		if running >= p.cfg.Max {
			continue
		}
		if p.coordinator.InFlight() >= running {
			p.logger.Info("scaling worker pool up",
				slog.Int("running", running), slog.Int("max", p.cfg.Max))
			p.spawn(ctx, g, next)
			next++
		}
	}
}
