// Package render pops ready tasks in batches, evaluates skip logic against
// cached survey state, invokes the prompt-render capability and hands
// rendered LLM tasks to the dispatch coordinator.
package render

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/surveyjobs/internal/adapter/observability"
	"github.com/fairyhunter13/surveyjobs/internal/adapter/storage"
	"github.com/fairyhunter13/surveyjobs/internal/domain"
	"github.com/fairyhunter13/surveyjobs/internal/service/dispatch"
	"github.com/fairyhunter13/surveyjobs/internal/service/jobs"
	"github.com/fairyhunter13/surveyjobs/internal/store"
)

// DirectExecutor runs a non-LLM task; the render pipeline routes such
// tasks here instead of enqueueing them.
type DirectExecutor interface {
	Execute(ctx context.Context, task domain.Task) error
}

// Service is the render worker's core: one RenderBatch call processes up
// to batchSize ready tasks with a bounded number of storage round-trips.
type Service struct {
	jobStore   *store.JobStore
	interviews *store.InterviewStore
	tasks      *store.TaskStore
	answers    *store.AnswerStore
	jobSvc     *jobs.Service

	renderer    domain.PromptRenderer
	coordinator *dispatch.Coordinator
	direct      DirectExecutor
	estimator   *Estimator
	logger      *slog.Logger
	batchSize   int
}

// New wires the render service. direct may be nil; non-LLM tasks are then
// returned to the ready set untouched.
func New(backend storage.Backend, jobSvc *jobs.Service, renderer domain.PromptRenderer,
	coordinator *dispatch.Coordinator, direct DirectExecutor, batchSize int, logger *slog.Logger) *Service {
	return &Service{
		jobStore:    store.NewJobStore(backend),
		interviews:  store.NewInterviewStore(backend),
		tasks:       store.NewTaskStore(backend),
		answers:     store.NewAnswerStore(backend),
		jobSvc:      jobSvc,
		renderer:    renderer,
		coordinator: coordinator,
		direct:      direct,
		estimator:   NewEstimator(),
		logger:      logger,
		batchSize:   batchSize,
	}
}

// RenderBatch pops up to batchSize tasks from the job's ready set and
// routes each: skipped, direct, or rendered and enqueued. Returns the
// number of tasks taken off the ready set.
func (s *Service) RenderBatch(ctx context.Context, jobID string) (int, error) {
	tracer := otel.Tracer("render")
	ctx, span := tracer.Start(ctx, "render.RenderBatch")
	defer span.End()

	state, err := s.jobStore.GetState(ctx, jobID)
	if err != nil {
		return 0, err
	}
	if state == domain.JobCancelled {
		// Drained lazily: ready tasks of a cancelled job are dropped.
		_, err := s.jobStore.PopReady(ctx, jobID, s.batchSize)
		return 0, err
	}

	taskIDs, err := s.jobStore.PopReady(ctx, jobID, s.batchSize)
	if err != nil {
		return 0, err
	}
	if len(taskIDs) == 0 {
		return 0, nil
	}

	locs, err := s.tasks.GetLocations(ctx, taskIDs)
	if err != nil {
		return 0, err
	}
	defs, err := s.tasks.BatchGetTasks(ctx, locs)
	if err != nil {
		return 0, err
	}

	job, err := s.jobStore.GetJob(ctx, jobID)
	if err != nil {
		return 0, err
	}
	survey, err := s.jobStore.GetSurvey(ctx, jobID)
	if err != nil {
		return 0, err
	}
	qIndex := survey.QuestionIndex()
	evaluator, _ := s.jobSvc.Evaluator(jobID)

	byInterview := make(map[string][]domain.Task)
	for _, t := range defs {
		byInterview[t.InterviewID] = append(byInterview[t.InterviewID], t)
	}
	ivIDs := make([]string, 0, len(byInterview))
	for id := range byInterview {
		ivIDs = append(ivIDs, id)
	}
	ivDefs, err := s.interviews.GetInterviews(ctx, jobID, ivIDs)
	if err != nil {
		return 0, err
	}

	scenarios, agents, models, questions, err := s.fetchResources(ctx, job, defs)
	if err != nil {
		return 0, err
	}

	// Per interview, only the transitive prerequisite answers are read.
	priorByInterview := make(map[string]map[string]domain.Answer, len(byInterview))
	for ivID, ivTasks := range byInterview {
		names := prerequisiteNames(job.DAG, ivTasks)
		prior, err := s.answers.BatchGet(ctx, jobID, ivID, names)
		if err != nil {
			return 0, err
		}
		priorByInterview[ivID] = prior
	}

	var toRender []domain.Task
	for _, t := range defs {
		decision := jobs.EvaluateSkip(t, jobs.SkipContext{
			Survey:       survey,
			Index:        qIndex,
			Evaluator:    evaluator,
			PriorAnswers: priorByInterview[t.InterviewID],
			Scenario:     scenarios[t.ScenarioID],
			Agent:        agents[t.AgentID],
		})
		switch {
		case decision.Skip:
			if err := s.jobSvc.OnTaskSkipped(ctx, t, decision.Reason); err != nil {
				return 0, err
			}
		case t.ExecutionType != domain.ExecLLM:
			if err := s.routeDirect(ctx, t); err != nil {
				return 0, err
			}
		default:
			toRender = append(toRender, t)
		}
	}

	if len(toRender) == 0 {
		return len(taskIDs), nil
	}

	rendering := make(map[string]domain.TaskStatus, len(toRender))
	for _, t := range toRender {
		rendering[t.ID] = domain.TaskRendering
	}
	if err := s.tasks.BatchSetStatus(ctx, rendering); err != nil {
		return 0, err
	}

	queued := make(map[string]domain.TaskStatus, len(toRender))
	for _, t := range toRender {
		enqueued, err := s.renderOne(ctx, t, ivDefs[t.InterviewID], scenarios, agents, models, questions, priorByInterview[t.InterviewID])
		if err != nil {
			return 0, err
		}
		if enqueued {
			queued[t.ID] = domain.TaskQueued
			observability.ObserveTransition(string(domain.TaskQueued))
		}
	}
	return len(taskIDs), s.tasks.BatchSetStatus(ctx, queued)
}

func (s *Service) routeDirect(ctx context.Context, t domain.Task) error {
	if s.direct == nil {
		return s.jobStore.AddReady(ctx, t.JobID, []string{t.ID})
	}
	return s.direct.Execute(ctx, t)
}

// fetchResources batch-reads the union of resource definitions the batch
// references.
func (s *Service) fetchResources(ctx context.Context, job domain.Job, defs map[string]domain.Task) (
	map[string]domain.Scenario, map[string]domain.Agent, map[string]domain.ModelSpec, map[string]domain.Question, error) {
	scSet := make(map[string]bool)
	agSet := make(map[string]bool)
	mSet := make(map[string]bool)
	qSet := make(map[string]bool)
	for _, t := range defs {
		scSet[t.ScenarioID] = true
		agSet[t.AgentID] = true
		mSet[t.ModelID] = true
		qSet[t.QuestionID] = true
	}
	scenarios, err := s.jobStore.GetScenarios(ctx, job.ID, keys(scSet))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	agents, err := s.jobStore.GetAgents(ctx, job.ID, keys(agSet))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	models, err := s.jobStore.GetModels(ctx, job.ID, keys(mSet))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	questions, err := s.jobStore.GetQuestions(ctx, job.ID, keys(qSet))
	if err != nil {
		return nil, nil, nil, nil, err
	}
	return scenarios, agents, models, questions, nil
}

func keys(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	return out
}

// prerequisiteNames walks the question-name DAG from each task, so the
// prior-answer read covers transitive dependencies and nothing else.
func prerequisiteNames(dag map[string][]string, tasks []domain.Task) []string {
	seen := make(map[string]bool)
	var names []string
	var walk func(string)
	walk = func(name string) {
		for _, prereq := range dag[name] {
			if !seen[prereq] {
				seen[prereq] = true
				names = append(names, prereq)
				walk(prereq)
			}
		}
	}
	for _, t := range tasks {
		walk(t.QuestionName)
	}
	return names
}

// renderOne renders one task and enqueues it; render or routing failures
// are routed into the job service's failure handling instead of aborting
// the batch.
func (s *Service) renderOne(ctx context.Context, t domain.Task, iv domain.Interview,
	scenarios map[string]domain.Scenario, agents map[string]domain.Agent,
	models map[string]domain.ModelSpec, questions map[string]domain.Question,
	prior map[string]domain.Answer) (bool, error) {

	priorValues := make(map[string]any, len(prior))
	for name, a := range prior {
		priorValues[name] = a.Value
	}

	q := questions[t.QuestionID]
	resolved, err := jobs.ResolveOptions(q, priorValues, scenarios[t.ScenarioID], iv.OptionPermutations[q.Name])
	if err != nil {
		return false, s.jobSvc.OnTaskFailed(ctx, t, domain.ErrKindInvalidRequest, err.Error())
	}
	if resolved != nil {
		q.Options = resolved
	}

	model := models[t.ModelID]
	prompt, err := s.renderer.Render(ctx, domain.RenderInput{
		Scenario:     scenarios[t.ScenarioID],
		Agent:        agents[t.AgentID],
		Model:        model,
		Question:     q,
		PriorAnswers: priorValues,
	})
	if err != nil {
		return false, s.jobSvc.OnTaskFailed(ctx, t, domain.ErrKindUnknown, fmt.Sprintf("render: %v", err))
	}

	rendered := dispatch.RenderedTask{
		Task:            t,
		Model:           model,
		SystemPrompt:    prompt.SystemPrompt,
		UserPrompt:      prompt.UserPrompt,
		Files:           prompt.Files,
		CacheKey:        CacheKey(model, prompt.SystemPrompt, prompt.UserPrompt, t.Iteration),
		EstimatedTokens: s.estimator.Estimate(prompt.SystemPrompt, prompt.UserPrompt),
	}
	if err := s.coordinator.Enqueue(rendered); err != nil {
		s.logger.Warn("task unroutable",
			slog.String("task_id", t.ID),
			slog.String("service", model.Service),
			slog.String("model", model.Name),
			slog.Any("error", err))
		return false, s.jobSvc.OnTaskFailed(ctx, t, domain.ErrKindNoQueue, err.Error())
	}
	return true, nil
}

// CacheKey is a deterministic digest over everything that shapes a model
// response. Iteration participates so multi-iteration jobs never share
// cache entries.
func CacheKey(model domain.ModelSpec, systemPrompt, userPrompt string, iteration int) string {
	params, _ := json.Marshal(model.Parameters)
	h := sha256.New()
	h.Write([]byte(model.Name))
	h.Write([]byte{0})
	h.Write(params)
	h.Write([]byte{0})
	h.Write([]byte(systemPrompt))
	h.Write([]byte{0})
	h.Write([]byte(userPrompt))
	h.Write([]byte{0})
	fmt.Fprintf(h, "%d", iteration)
	return hex.EncodeToString(h.Sum(nil))
}
