package store

import (
	"context"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/surveyjobs/internal/adapter/storage"
	"github.com/fairyhunter13/surveyjobs/internal/domain"
)

// JobStore persists job definitions and shared job resources, and owns the
// job-level volatile counters, the ready set and the counted-interviews set.
type JobStore struct {
	backend storage.Backend
}

// NewJobStore constructs a JobStore over the backend.
func NewJobStore(b storage.Backend) *JobStore { return &JobStore{backend: b} }

// PutJob writes the immutable job definition.
func (s *JobStore) PutJob(ctx context.Context, j domain.Job) error {
	tracer := otel.Tracer("store.jobs")
	ctx, span := tracer.Start(ctx, "jobs.PutJob")
	defer span.End()
	b, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("op=jobs.put: %w", err)
	}
	return s.backend.Persistent().Write(ctx, keyJobMeta(j.ID), b)
}

// GetJob loads a job definition by id.
func (s *JobStore) GetJob(ctx context.Context, jobID string) (domain.Job, error) {
	b, err := s.backend.Persistent().Read(ctx, keyJobMeta(jobID))
	if err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.get: %w", err)
	}
	if b == nil {
		return domain.Job{}, fmt.Errorf("op=jobs.get: %w", domain.ErrNotFound)
	}
	var j domain.Job
	if err := json.Unmarshal(b, &j); err != nil {
		return domain.Job{}, fmt.Errorf("op=jobs.get: %w", err)
	}
	return j, nil
}

// PutSurvey writes the survey definition for a job.
func (s *JobStore) PutSurvey(ctx context.Context, jobID string, survey domain.SurveySpec) error {
	b, err := json.Marshal(survey)
	if err != nil {
		return fmt.Errorf("op=jobs.put_survey: %w", err)
	}
	return s.backend.Persistent().Write(ctx, keyJobSurvey(jobID), b)
}

// GetSurvey loads the survey definition for a job.
func (s *JobStore) GetSurvey(ctx context.Context, jobID string) (domain.SurveySpec, error) {
	b, err := s.backend.Persistent().Read(ctx, keyJobSurvey(jobID))
	if err != nil {
		return domain.SurveySpec{}, fmt.Errorf("op=jobs.get_survey: %w", err)
	}
	if b == nil {
		return domain.SurveySpec{}, fmt.Errorf("op=jobs.get_survey: %w", domain.ErrNotFound)
	}
	var survey domain.SurveySpec
	if err := json.Unmarshal(b, &survey); err != nil {
		return domain.SurveySpec{}, fmt.Errorf("op=jobs.get_survey: %w", err)
	}
	return survey, nil
}

// PutScenarios batch-writes the job's scenarios in one round-trip.
func (s *JobStore) PutScenarios(ctx context.Context, jobID string, scenarios []domain.Scenario) error {
	values := make(map[string][]byte, len(scenarios))
	for _, sc := range scenarios {
		b, err := json.Marshal(sc)
		if err != nil {
			return fmt.Errorf("op=jobs.put_scenarios: %w", err)
		}
		values[keyJobScenario(jobID, sc.ID)] = b
	}
	return s.backend.Persistent().BatchWrite(ctx, values)
}

// GetScenarios batch-reads scenarios by id.
func (s *JobStore) GetScenarios(ctx context.Context, jobID string, ids []string) (map[string]domain.Scenario, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyJobScenario(jobID, id)
	}
	raw, err := s.backend.Persistent().BatchRead(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.get_scenarios: %w", err)
	}
	out := make(map[string]domain.Scenario, len(raw))
	for i, id := range ids {
		b, ok := raw[keys[i]]
		if !ok {
			continue
		}
		var sc domain.Scenario
		if err := json.Unmarshal(b, &sc); err != nil {
			return nil, fmt.Errorf("op=jobs.get_scenarios: %w", err)
		}
		out[id] = sc
	}
	return out, nil
}

// PutAgents batch-writes the job's agents.
func (s *JobStore) PutAgents(ctx context.Context, jobID string, agents []domain.Agent) error {
	values := make(map[string][]byte, len(agents))
	for _, a := range agents {
		b, err := json.Marshal(a)
		if err != nil {
			return fmt.Errorf("op=jobs.put_agents: %w", err)
		}
		values[keyJobAgent(jobID, a.ID)] = b
	}
	return s.backend.Persistent().BatchWrite(ctx, values)
}

// GetAgents batch-reads agents by id.
func (s *JobStore) GetAgents(ctx context.Context, jobID string, ids []string) (map[string]domain.Agent, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyJobAgent(jobID, id)
	}
	raw, err := s.backend.Persistent().BatchRead(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.get_agents: %w", err)
	}
	out := make(map[string]domain.Agent, len(raw))
	for i, id := range ids {
		b, ok := raw[keys[i]]
		if !ok {
			continue
		}
		var a domain.Agent
		if err := json.Unmarshal(b, &a); err != nil {
			return nil, fmt.Errorf("op=jobs.get_agents: %w", err)
		}
		out[id] = a
	}
	return out, nil
}

// PutModels batch-writes the job's model specs.
func (s *JobStore) PutModels(ctx context.Context, jobID string, models []domain.ModelSpec) error {
	values := make(map[string][]byte, len(models))
	for _, m := range models {
		b, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("op=jobs.put_models: %w", err)
		}
		values[keyJobModel(jobID, m.ID)] = b
	}
	return s.backend.Persistent().BatchWrite(ctx, values)
}

// GetModels batch-reads model specs by id.
func (s *JobStore) GetModels(ctx context.Context, jobID string, ids []string) (map[string]domain.ModelSpec, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyJobModel(jobID, id)
	}
	raw, err := s.backend.Persistent().BatchRead(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.get_models: %w", err)
	}
	out := make(map[string]domain.ModelSpec, len(raw))
	for i, id := range ids {
		b, ok := raw[keys[i]]
		if !ok {
			continue
		}
		var m domain.ModelSpec
		if err := json.Unmarshal(b, &m); err != nil {
			return nil, fmt.Errorf("op=jobs.get_models: %w", err)
		}
		out[id] = m
	}
	return out, nil
}

// PutQuestions batch-writes the job's questions.
func (s *JobStore) PutQuestions(ctx context.Context, jobID string, questions []domain.Question) error {
	values := make(map[string][]byte, len(questions))
	for _, q := range questions {
		b, err := json.Marshal(q)
		if err != nil {
			return fmt.Errorf("op=jobs.put_questions: %w", err)
		}
		values[keyJobQuestion(jobID, q.ID)] = b
	}
	return s.backend.Persistent().BatchWrite(ctx, values)
}

// GetQuestions batch-reads questions by id.
func (s *JobStore) GetQuestions(ctx context.Context, jobID string, ids []string) (map[string]domain.Question, error) {
	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = keyJobQuestion(jobID, id)
	}
	raw, err := s.backend.Persistent().BatchRead(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.get_questions: %w", err)
	}
	out := make(map[string]domain.Question, len(raw))
	for i, id := range ids {
		b, ok := raw[keys[i]]
		if !ok {
			continue
		}
		var q domain.Question
		if err := json.Unmarshal(b, &q); err != nil {
			return nil, fmt.Errorf("op=jobs.get_questions: %w", err)
		}
		out[id] = q
	}
	return out, nil
}

// SetState writes the job's volatile state.
func (s *JobStore) SetState(ctx context.Context, jobID string, state domain.JobState) error {
	return s.backend.Volatile().Write(ctx, keyJobState(jobID), []byte(state))
}

// GetState reads the job's volatile state; missing means pending.
func (s *JobStore) GetState(ctx context.Context, jobID string) (domain.JobState, error) {
	b, err := s.backend.Volatile().Read(ctx, keyJobState(jobID))
	if err != nil {
		return "", fmt.Errorf("op=jobs.get_state: %w", err)
	}
	if b == nil {
		return domain.JobPending, nil
	}
	return domain.JobState(b), nil
}

// IncrCompletedInterviews atomically bumps the completed-interviews counter.
func (s *JobStore) IncrCompletedInterviews(ctx context.Context, jobID string) (int64, error) {
	return s.backend.Volatile().Increment(ctx, keyJobCounter(jobID, "completed_interviews"), 1)
}

// IncrFailedInterviews atomically bumps the failed-interviews counter.
func (s *JobStore) IncrFailedInterviews(ctx context.Context, jobID string) (int64, error) {
	return s.backend.Volatile().Increment(ctx, keyJobCounter(jobID, "failed_interviews"), 1)
}

// GetCounters batch-reads both job counters in one round-trip.
func (s *JobStore) GetCounters(ctx context.Context, jobID string) (domain.JobCounters, error) {
	completedKey := keyJobCounter(jobID, "completed_interviews")
	failedKey := keyJobCounter(jobID, "failed_interviews")
	raw, err := s.backend.Volatile().BatchRead(ctx, []string{completedKey, failedKey})
	if err != nil {
		return domain.JobCounters{}, fmt.Errorf("op=jobs.get_counters: %w", err)
	}
	var c domain.JobCounters
	c.CompletedInterviews = parseCounter(raw[completedKey])
	c.FailedInterviews = parseCounter(raw[failedKey])
	return c, nil
}

// AddReady adds task ids to the job's ready set in one batch.
func (s *JobStore) AddReady(ctx context.Context, jobID string, taskIDs []string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	_, err := s.backend.Sets().AddMultiple(ctx, keyReadySet(jobID), taskIDs)
	if err != nil {
		return fmt.Errorf("op=jobs.add_ready: %w", err)
	}
	return nil
}

// PopReady pops up to n task ids from the ready set.
func (s *JobStore) PopReady(ctx context.Context, jobID string, n int) ([]string, error) {
	ids, err := s.backend.Sets().PopMultiple(ctx, keyReadySet(jobID), n)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.pop_ready: %w", err)
	}
	return ids, nil
}

// ReadySize reports the ready set's size.
func (s *JobStore) ReadySize(ctx context.Context, jobID string) (int64, error) {
	return s.backend.Sets().Size(ctx, keyReadySet(jobID))
}

// AddActive publishes the job to the shared active set so detached render
// loops pick it up.
func (s *JobStore) AddActive(ctx context.Context, jobID string) error {
	if _, err := s.backend.Sets().Add(ctx, keyActiveJobs, jobID); err != nil {
		return fmt.Errorf("op=jobs.add_active: %w", err)
	}
	return nil
}

// RemoveActive retires a finished job from the active set.
func (s *JobStore) RemoveActive(ctx context.Context, jobID string) error {
	if err := s.backend.Sets().Remove(ctx, keyActiveJobs, jobID); err != nil {
		return fmt.Errorf("op=jobs.remove_active: %w", err)
	}
	return nil
}

// ActiveJobs lists jobs not yet retired from the active set.
func (s *JobStore) ActiveJobs(ctx context.Context) ([]string, error) {
	ids, err := s.backend.Sets().Members(ctx, keyActiveJobs)
	if err != nil {
		return nil, fmt.Errorf("op=jobs.active: %w", err)
	}
	return ids, nil
}

// CreditInterview inserts the interview into the counted set; the insert
// is the serialization point guaranteeing each interview is credited to
// the job exactly once.
func (s *JobStore) CreditInterview(ctx context.Context, jobID, interviewID string) (bool, error) {
	added, err := s.backend.Sets().Add(ctx, keyCountedInterviews(jobID), interviewID)
	if err != nil {
		return false, fmt.Errorf("op=jobs.credit_interview: %w", err)
	}
	return added, nil
}

func parseCounter(b []byte) int64 {
	if b == nil {
		return 0
	}
	var n int64
	// Counters are stored as decimal text by the protocol's Increment.
	if _, err := fmt.Sscanf(string(b), "%d", &n); err != nil {
		return 0
	}
	return n
}
