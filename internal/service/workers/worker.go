package workers

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/surveyjobs/internal/adapter/observability"
	"github.com/fairyhunter13/surveyjobs/internal/domain"
	"github.com/fairyhunter13/surveyjobs/internal/service/dispatch"
	"github.com/fairyhunter13/surveyjobs/internal/service/jobs"
)

// WorkerConfig tunes one LLM worker.
type WorkerConfig struct {
	ID                string
	Hostname          string
	PollTimeout       time.Duration
	HeartbeatInterval time.Duration
}

func (c *WorkerConfig) defaults() {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	if c.Hostname == "" {
		c.Hostname, _ = os.Hostname()
	}
	if c.PollTimeout <= 0 {
		c.PollTimeout = 30 * time.Second
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
}

// Worker long-polls the coordinator for rendered tasks, runs the model
// call and reports the outcome to the job service.
type Worker struct {
	cfg         WorkerConfig
	coordinator *dispatch.Coordinator
	jobs        *jobs.Service
	registry    *Registry
	llm         domain.LLMClient
	cache       domain.ResponseCache
	heartbeat   *HeartbeatManager
	logger      *slog.Logger
}

// NewWorker builds a worker. cache may be nil to disable response reuse.
func NewWorker(coordinator *dispatch.Coordinator, jobSvc *jobs.Service, registry *Registry, llm domain.LLMClient, cache domain.ResponseCache, cfg WorkerConfig, logger *slog.Logger) *Worker {
	cfg.defaults()
	w := &Worker{
		cfg:         cfg,
		coordinator: coordinator,
		jobs:        jobSvc,
		registry:    registry,
		llm:         llm,
		cache:       cache,
		logger:      logger.With(slog.String("worker_id", cfg.ID)),
	}
	w.heartbeat = NewHeartbeatManager(registry, cfg.ID, cfg.HeartbeatInterval, w.logger)
	return w
}

// ID returns the worker's identifier.
func (w *Worker) ID() string { return w.cfg.ID }

// Run registers the worker, starts the heartbeat and polls for work until
// the context is cancelled. Unregistration uses a fresh context so a clean
// shutdown still removes the record.
func (w *Worker) Run(ctx context.Context) error {
	info := domain.WorkerInfo{ID: w.cfg.ID, Hostname: w.cfg.Hostname}
	if err := w.registry.Register(ctx, info); err != nil {
		return fmt.Errorf("op=workers.run: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := w.registry.Unregister(cleanupCtx, w.cfg.ID); err != nil {
			w.logger.Warn("unregister failed", slog.Any("error", err))
		}
	}()

	hbCtx, stopHeartbeat := context.WithCancel(ctx)
	defer stopHeartbeat()
	go w.heartbeat.Run(hbCtx)

	for {
		assignment, err := w.coordinator.RequestWork(ctx, w.cfg.ID, w.cfg.PollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			w.logger.Warn("request work failed", slog.Any("error", err))
			continue
		}
		if assignment == nil {
			continue
		}
		if err := w.Execute(ctx, assignment); err != nil {
			w.logger.Error("task execution reporting failed",
				slog.String("task_id", assignment.Rendered.Task.ID),
				slog.Any("error", err))
		}
	}
}

// Execute runs one assignment end to end: status transition, model call
// (or cache hit), bucket reconciliation and the completion callback.
func (w *Worker) Execute(ctx context.Context, assignment *dispatch.WorkAssignment) error {
	rendered := assignment.Rendered
	task := rendered.Task

	tracer := otel.Tracer("workers.llm")
	ctx, span := tracer.Start(ctx, "Worker.Execute")
	span.SetAttributes(
		attribute.String("task.id", task.ID),
		attribute.String("job.id", task.JobID),
		attribute.String("model.service", rendered.Model.Service),
		attribute.String("model.name", rendered.Model.Name),
	)
	defer span.End()

	if err := w.jobs.MarkTaskRunning(ctx, task.ID); err != nil {
		return fmt.Errorf("op=workers.execute: %w", err)
	}
	w.heartbeat.SetCurrent(task.ID, task.JobID)
	defer w.heartbeat.ClearCurrent()
	if err := w.heartbeat.Beat(ctx); err != nil {
		w.logger.Warn("heartbeat failed", slog.Any("error", err))
	}

	resp, callErr := w.generate(ctx, rendered, assignment.APIKey)

	completion := dispatch.WorkCompletion{TaskID: task.ID, QueueID: assignment.QueueID}
	if callErr == nil {
		completion.ActualTokens = resp.InputTokens + resp.OutputTokens
		completion.TokensKnown = completion.ActualTokens > 0
	}
	w.coordinator.CompleteWork(completion)

	if callErr != nil {
		kind := Classify(callErr)
		w.logger.Warn("model call failed",
			slog.String("task_id", task.ID),
			slog.String("kind", string(kind)),
			slog.Any("error", callErr))
		return w.jobs.OnTaskFailed(ctx, task, kind, callErr.Error())
	}

	observability.ObserveLLMTokens(rendered.Model.Service, rendered.Model.Name, resp.InputTokens, resp.OutputTokens)

	answer := domain.Answer{
		Value:            resp.Answer,
		Comment:          resp.Comment,
		SystemPrompt:     rendered.SystemPrompt,
		UserPrompt:       rendered.UserPrompt,
		Cached:           resp.CacheUsed,
		CacheKey:         rendered.CacheKey,
		InputTokens:      resp.InputTokens,
		OutputTokens:     resp.OutputTokens,
		RawResponse:      resp.Raw,
		GeneratedTokens:  resp.GeneratedTokens,
		ModelID:          task.ModelID,
		InputPricePerM:   resp.InputPricePerM,
		OutputPricePerM:  resp.OutputPricePerM,
		Validated:        true,
		ReasoningSummary: resp.ReasoningSummary,
	}
	return w.jobs.OnTaskCompleted(ctx, task, answer)
}

// generate serves the response from the shared cache when possible,
// otherwise calls the model and caches the result.
func (w *Worker) generate(ctx context.Context, rendered dispatch.RenderedTask, apiKey string) (domain.LLMResponse, error) {
	if w.cache != nil && rendered.CacheKey != "" {
		cached, hit, err := w.cache.Get(ctx, rendered.CacheKey)
		if err != nil {
			w.logger.Warn("response cache read failed", slog.Any("error", err))
		} else if hit {
			cached.CacheUsed = true
			cached.CacheKey = rendered.CacheKey
			return cached, nil
		}
	}

	req := domain.LLMRequest{
		SystemPrompt: rendered.SystemPrompt,
		UserPrompt:   rendered.UserPrompt,
		Files:        rendered.Files,
		CacheKey:     rendered.CacheKey,
		Iteration:    rendered.Task.Iteration,
		Model:        rendered.Model,
		APIKey:       apiKey,
	}

	started := time.Now()
	resp, err := w.llm.Generate(ctx, req)
	observability.LLMCallDuration.
		WithLabelValues(rendered.Model.Service, rendered.Model.Name).
		Observe(time.Since(started).Seconds())
	if err != nil {
		return domain.LLMResponse{}, err
	}

	if w.cache != nil && rendered.CacheKey != "" && !resp.CacheUsed {
		if cacheErr := w.cache.Put(ctx, rendered.CacheKey, resp); cacheErr != nil {
			w.logger.Warn("response cache write failed", slog.Any("error", cacheErr))
		}
	}
	return resp, nil
}
