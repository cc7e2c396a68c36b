// Package jobs owns the job lifecycle: submission (interview enumeration,
// task DAG projection), skip evaluation, completion propagation, results
// assembly and the job control surface.
package jobs

import (
	"context"
	"log/slog"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/fairyhunter13/surveyjobs/internal/adapter/observability"
	"github.com/fairyhunter13/surveyjobs/internal/adapter/storage"
	"github.com/fairyhunter13/surveyjobs/internal/domain"
	"github.com/fairyhunter13/surveyjobs/internal/store"
)

// Service is the single mutator of jobs, interviews, tasks and answers.
type Service struct {
	jobs       *store.JobStore
	interviews *store.InterviewStore
	tasks      *store.TaskStore
	answers    *store.AnswerStore
	backend    storage.Backend
	logger     *slog.Logger
	validate   *validator.Validate

	// Rule evaluators and direct-answer callables are not serializable;
	// both live on the submitting process.
	evalMu     sync.RWMutex
	evaluators map[string]domain.RuleEvaluator

	direct *DirectRegistry

	// fatal holds the first stop-on-exception failure per job, surfaced by
	// Handle.Results.
	fatalMu sync.Mutex
	fatal   map[string]*domain.TaskExecutionError
}

// New builds the job service over the storage backend.
func New(backend storage.Backend, logger *slog.Logger) *Service {
	return &Service{
		jobs:       store.NewJobStore(backend),
		interviews: store.NewInterviewStore(backend),
		tasks:      store.NewTaskStore(backend),
		answers:    store.NewAnswerStore(backend),
		backend:    backend,
		logger:     logger,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		evaluators: make(map[string]domain.RuleEvaluator),
		direct:     NewDirectRegistry(),
		fatal:      make(map[string]*domain.TaskExecutionError),
	}
}

// Direct exposes the direct-answer callable registry populated at submit.
func (s *Service) Direct() *DirectRegistry { return s.direct }

// MarkTaskRunning records the QUEUED -> RUNNING transition when a worker
// takes the task.
func (s *Service) MarkTaskRunning(ctx context.Context, taskID string) error {
	if err := s.tasks.SetStatus(ctx, taskID, domain.TaskRunning); err != nil {
		return err
	}
	observability.ObserveTransition(string(domain.TaskRunning))
	return nil
}

// ActiveJobs lists jobs still in the shared active set.
func (s *Service) ActiveJobs(ctx context.Context) ([]string, error) {
	return s.jobs.ActiveJobs(ctx)
}

// Evaluator returns the rule evaluator registered for the job, if any.
func (s *Service) Evaluator(jobID string) (domain.RuleEvaluator, bool) {
	s.evalMu.RLock()
	defer s.evalMu.RUnlock()
	ev, ok := s.evaluators[jobID]
	return ev, ok
}

func (s *Service) recordFatal(e *domain.TaskExecutionError) {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	if _, exists := s.fatal[e.JobID]; !exists {
		s.fatal[e.JobID] = e
	}
}

func (s *Service) fatalFor(jobID string) *domain.TaskExecutionError {
	s.fatalMu.Lock()
	defer s.fatalMu.Unlock()
	return s.fatal[jobID]
}

// DirectRegistry maps task ids to their direct-answer callables. It lives
// on the submitting client; callables never cross process boundaries.
type DirectRegistry struct {
	mu    sync.RWMutex
	funcs map[string]domain.DirectAnswerFunc
}

// NewDirectRegistry returns an empty registry.
func NewDirectRegistry() *DirectRegistry {
	return &DirectRegistry{funcs: make(map[string]domain.DirectAnswerFunc)}
}

// Register binds a callable to a task id.
func (r *DirectRegistry) Register(taskID string, fn domain.DirectAnswerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[taskID] = fn
}

// Lookup returns the callable for a task id.
func (r *DirectRegistry) Lookup(taskID string) (domain.DirectAnswerFunc, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	fn, ok := r.funcs[taskID]
	return fn, ok
}

// Remove drops a task's callable once it has run.
func (r *DirectRegistry) Remove(taskID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.funcs, taskID)
}
