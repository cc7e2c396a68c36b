package jobs

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/surveyjobs/internal/adapter/storage"
	"github.com/fairyhunter13/surveyjobs/internal/domain"
	"github.com/fairyhunter13/surveyjobs/internal/store"
)

// SubmitInput is everything needed to decompose a job.
type SubmitInput struct {
	UserID    string             `validate:"required"`
	Survey    domain.SurveySpec  `validate:"-"`
	Scenarios []domain.Scenario  `validate:"min=1"`
	Agents    []domain.Agent     `validate:"min=1"`
	Models    []domain.ModelSpec `validate:"min=1"`
	// Iterations repeats the scenario x agent x model cross-product.
	Iterations      int `validate:"min=1"`
	RetryPolicies   map[domain.ErrorKind]domain.RetryPolicy
	StopOnException bool

	// Rules evaluates the survey's routing rules; nil means only implicit
	// go-to-next rules exist.
	Rules domain.RuleEvaluator
	// QuestionFuncs holds direct-answer callables by question name; such
	// tasks run as FUNCTIONAL, bypassing the LLM pipeline.
	QuestionFuncs map[string]domain.DirectAnswerFunc
	// AgentFuncs holds per-agent callables by agent id; their tasks run as
	// AGENT_DIRECT unless the question itself is functional.
	AgentFuncs map[string]domain.DirectAnswerFunc
}

// Submit decomposes the input into interviews and tasks, persists
// everything in batches and returns a handle to the running job.
func (s *Service) Submit(ctx context.Context, in SubmitInput) (*Handle, error) {
	tracer := otel.Tracer("jobs")
	ctx, span := tracer.Start(ctx, "jobs.Submit")
	defer span.End()

	if err := s.validate.Struct(in); err != nil {
		return nil, fmt.Errorf("op=jobs.Submit: %w: %w", domain.ErrInvalidArgument, err)
	}
	if len(in.Survey.Questions) == 0 {
		return nil, fmt.Errorf("op=jobs.Submit: survey has no questions: %w", domain.ErrInvalidArgument)
	}

	assignIDs(&in)

	nameDAG := buildNameDAG(in.Survey)
	if cyclic(nameDAG) {
		return nil, fmt.Errorf("op=jobs.Submit: %w", domain.ErrCyclicSurvey)
	}

	jobID := ulid.Make().String()

	if err := s.offloadFiles(ctx, jobID, in.Scenarios); err != nil {
		return nil, err
	}

	if err := s.persistResources(ctx, jobID, in); err != nil {
		return nil, err
	}

	interviews, tasks, readyIDs, err := s.enumerate(jobID, in, nameDAG)
	if err != nil {
		return nil, err
	}

	if err := s.persistPlan(ctx, jobID, in, nameDAG, interviews, tasks, readyIDs); err != nil {
		return nil, err
	}

	if in.Rules != nil {
		s.evalMu.Lock()
		s.evaluators[jobID] = in.Rules
		s.evalMu.Unlock()
	}

	s.logger.Info("job submitted",
		slog.String("job_id", jobID),
		slog.String("user_id", in.UserID),
		slog.Int("interviews", len(interviews)),
		slog.Int("tasks", len(tasks)),
		slog.Int("ready", len(readyIDs)))

	return &Handle{svc: s, jobID: jobID}, nil
}

// assignIDs gives every resource a stable id when the caller left it blank.
func assignIDs(in *SubmitInput) {
	for i := range in.Scenarios {
		if in.Scenarios[i].ID == "" {
			in.Scenarios[i].ID = uuid.NewString()
		}
	}
	for i := range in.Agents {
		if in.Agents[i].ID == "" {
			in.Agents[i].ID = uuid.NewString()
		}
	}
	for i := range in.Models {
		if in.Models[i].ID == "" {
			in.Models[i].ID = uuid.NewString()
		}
	}
	for i := range in.Survey.Questions {
		if in.Survey.Questions[i].ID == "" {
			in.Survey.Questions[i].ID = uuid.NewString()
		}
	}
}

// buildNameDAG converts the survey's index DAG to question names and adds
// an implicit edge from each rule-carrying question to every later
// question, so skip evaluation always sees the gating answer.
func buildNameDAG(survey domain.SurveySpec) map[string][]string {
	names := make([]string, len(survey.Questions))
	for i, q := range survey.Questions {
		names[i] = q.Name
	}
	dag := make(map[string][]string, len(names))
	seen := make(map[string]map[string]bool, len(names))
	addEdge := func(name, prereq string) {
		if seen[name] == nil {
			seen[name] = make(map[string]bool)
		}
		if seen[name][prereq] {
			return
		}
		seen[name][prereq] = true
		dag[name] = append(dag[name], prereq)
	}
	for idx, prereqs := range survey.DAG {
		if idx < 0 || idx >= len(names) {
			continue
		}
		for _, p := range prereqs {
			if p >= 0 && p < len(names) {
				addEdge(names[idx], names[p])
			}
		}
	}
	for _, ri := range survey.RuleIndices {
		if ri < 0 || ri >= len(names) {
			continue
		}
		for j := ri + 1; j < len(names); j++ {
			addEdge(names[j], names[ri])
		}
	}
	return dag
}

// cyclic detects a cycle in the prerequisite DAG by iterative DFS with
// colored marks.
func cyclic(dag map[string][]string) bool {
	const (
		white = 0
		grey  = 1
		black = 2
	)
	color := make(map[string]int, len(dag))
	var visit func(string) bool
	visit = func(n string) bool {
		color[n] = grey
		for _, p := range dag[n] {
			switch color[p] {
			case grey:
				return true
			case white:
				if visit(p) {
					return true
				}
			}
		}
		color[n] = black
		return false
	}
	for n := range dag {
		if color[n] == white && visit(n) {
			return true
		}
	}
	return false
}

// fileStoreValue recognizes the offloadable file shape inside a scenario
// field: a map carrying base64_string, mime_type and suffix.
func fileStoreValue(v any) (payload, mime, suffix string, ok bool) {
	m, isMap := v.(map[string]any)
	if !isMap {
		return "", "", "", false
	}
	p, hasPayload := m["base64_string"].(string)
	mt, hasMIME := m["mime_type"].(string)
	sf, hasSuffix := m["suffix"].(string)
	if !hasPayload || !hasMIME || !hasSuffix {
		return "", "", "", false
	}
	return p, mt, sf, true
}

// offloadFiles moves file-store payloads out of scenario fields into blob
// storage, leaving a FileRef sentinel inline.
func (s *Service) offloadFiles(ctx context.Context, jobID string, scenarios []domain.Scenario) error {
	for si := range scenarios {
		for field, v := range scenarios[si].Fields {
			payload, mime, suffix, ok := fileStoreValue(v)
			if !ok {
				continue
			}
			data, err := base64.StdEncoding.DecodeString(payload)
			if err != nil {
				return fmt.Errorf("op=jobs.offload: scenario=%s field=%s: %w: %w",
					scenarios[si].ID, field, domain.ErrInvalidArgument, err)
			}
			key := store.KeyBlob(jobID, scenarios[si].ID, field)
			meta := storage.BlobMeta{MIMEType: mime, Suffix: suffix}
			if err := s.backend.Blobs().WriteBlob(ctx, key, data, meta); err != nil {
				return fmt.Errorf("op=jobs.offload: %w", err)
			}
			scenarios[si].Fields[field] = domain.FileRef{BlobKey: key, MIMEType: mime, Suffix: suffix}
		}
	}
	return nil
}

// persistResources batch-writes the shared job resources.
func (s *Service) persistResources(ctx context.Context, jobID string, in SubmitInput) error {
	if err := s.jobs.PutScenarios(ctx, jobID, in.Scenarios); err != nil {
		return err
	}
	if err := s.jobs.PutAgents(ctx, jobID, in.Agents); err != nil {
		return err
	}
	if err := s.jobs.PutModels(ctx, jobID, in.Models); err != nil {
		return err
	}
	if err := s.jobs.PutQuestions(ctx, jobID, in.Survey.Questions); err != nil {
		return err
	}
	return s.jobs.PutSurvey(ctx, jobID, in.Survey)
}

// enumerate expands the cross-product into interviews and projects the
// question-name DAG into per-interview task edges.
func (s *Service) enumerate(jobID string, in SubmitInput, nameDAG map[string][]string) ([]domain.Interview, []domain.Task, []string, error) {
	randomize := make(map[string]bool, len(in.Survey.QuestionsToRandomize))
	for _, name := range in.Survey.QuestionsToRandomize {
		randomize[name] = true
	}

	var interviews []domain.Interview
	var tasks []domain.Task
	var readyIDs []string

	for iter := 0; iter < in.Iterations; iter++ {
		for _, sc := range in.Scenarios {
			for _, ag := range in.Agents {
				for _, m := range in.Models {
					iv := domain.Interview{
						ID:         uuid.NewString(),
						JobID:      jobID,
						ScenarioID: sc.ID,
						AgentID:    ag.ID,
						ModelID:    m.ID,
						Iteration:  iter,
						TotalTasks: len(in.Survey.Questions),
					}
					for _, q := range in.Survey.Questions {
						if !randomize[q.Name] {
							continue
						}
						if opts, ok := q.Options.([]any); ok && len(opts) > 1 {
							if iv.OptionPermutations == nil {
								iv.OptionPermutations = make(map[string][]any)
							}
							perm := make([]any, len(opts))
							copy(perm, opts)
							rand.Shuffle(len(perm), func(i, j int) { perm[i], perm[j] = perm[j], perm[i] })
							iv.OptionPermutations[q.Name] = perm
						}
					}

					idByName := make(map[string]string, len(in.Survey.Questions))
					ivTasks := make([]domain.Task, 0, len(in.Survey.Questions))
					for _, q := range in.Survey.Questions {
						t := domain.Task{
							ID:            uuid.NewString(),
							JobID:         jobID,
							InterviewID:   iv.ID,
							ScenarioID:    sc.ID,
							AgentID:       ag.ID,
							ModelID:       m.ID,
							QuestionID:    q.ID,
							QuestionName:  q.Name,
							Iteration:     iter,
							ExecutionType: executionType(q, ag, in),
						}
						idByName[q.Name] = t.ID
						ivTasks = append(ivTasks, t)
					}
					for ti := range ivTasks {
						t := &ivTasks[ti]
						for _, prereq := range nameDAG[t.QuestionName] {
							if depID, ok := idByName[prereq]; ok {
								t.DependsOn = append(t.DependsOn, depID)
							}
						}
						if len(t.DependsOn) == 0 {
							readyIDs = append(readyIDs, t.ID)
						}
						s.registerDirectFunc(*t, in)
					}
					// Reverse edges.
					byID := make(map[string]*domain.Task, len(ivTasks))
					for ti := range ivTasks {
						byID[ivTasks[ti].ID] = &ivTasks[ti]
					}
					for ti := range ivTasks {
						for _, depID := range ivTasks[ti].DependsOn {
							dep := byID[depID]
							dep.Dependents = append(dep.Dependents, ivTasks[ti].ID)
						}
					}
					for _, t := range ivTasks {
						iv.TaskIDs = append(iv.TaskIDs, t.ID)
						tasks = append(tasks, t)
					}
					interviews = append(interviews, iv)
				}
			}
		}
	}
	return interviews, tasks, readyIDs, nil
}

func executionType(q domain.Question, ag domain.Agent, in SubmitInput) domain.ExecutionType {
	if q.HasDirectAnswer || in.QuestionFuncs[q.Name] != nil {
		return domain.ExecFunctional
	}
	if ag.HasDirectAnswer || in.AgentFuncs[ag.ID] != nil {
		return domain.ExecAgentDirect
	}
	return domain.ExecLLM
}

func (s *Service) registerDirectFunc(t domain.Task, in SubmitInput) {
	switch t.ExecutionType {
	case domain.ExecFunctional:
		if fn := in.QuestionFuncs[t.QuestionName]; fn != nil {
			s.direct.Register(t.ID, fn)
		}
	case domain.ExecAgentDirect:
		if fn := in.AgentFuncs[t.AgentID]; fn != nil {
			s.direct.Register(t.ID, fn)
		}
	}
}

// persistPlan writes interviews, tasks, initial statuses, unmet-deps
// counters, the ready set and finally the job definition and state.
func (s *Service) persistPlan(ctx context.Context, jobID string, in SubmitInput, nameDAG map[string][]string, interviews []domain.Interview, tasks []domain.Task, readyIDs []string) error {
	if err := s.interviews.PutInterviews(ctx, interviews); err != nil {
		return err
	}
	if err := s.tasks.PutTasks(ctx, tasks); err != nil {
		return err
	}

	statuses := make(map[string]domain.TaskStatus, len(tasks))
	deps := make(map[string]int)
	for _, t := range tasks {
		if len(t.DependsOn) == 0 {
			statuses[t.ID] = domain.TaskReady
		} else {
			statuses[t.ID] = domain.TaskPending
			deps[t.ID] = len(t.DependsOn)
		}
	}
	if err := s.tasks.BatchSetStatus(ctx, statuses); err != nil {
		return err
	}
	if err := s.tasks.InitUnmetDeps(ctx, deps); err != nil {
		return err
	}
	if err := s.jobs.AddReady(ctx, jobID, readyIDs); err != nil {
		return err
	}

	ivIDs := make([]string, len(interviews))
	for i, iv := range interviews {
		ivIDs[i] = iv.ID
	}
	scenarioIDs := make([]string, len(in.Scenarios))
	for i, sc := range in.Scenarios {
		scenarioIDs[i] = sc.ID
	}
	agentIDs := make([]string, len(in.Agents))
	for i, ag := range in.Agents {
		agentIDs[i] = ag.ID
	}
	modelIDs := make([]string, len(in.Models))
	for i, m := range in.Models {
		modelIDs[i] = m.ID
	}
	questionIDs := make([]string, len(in.Survey.Questions))
	for i, q := range in.Survey.Questions {
		questionIDs[i] = q.ID
	}

	job := domain.Job{
		ID:              jobID,
		UserID:          in.UserID,
		CreatedAt:       time.Now().UTC(),
		InterviewIDs:    ivIDs,
		DAG:             nameDAG,
		ScenarioIDs:     scenarioIDs,
		AgentIDs:        agentIDs,
		ModelIDs:        modelIDs,
		QuestionIDs:     questionIDs,
		RetryPolicies:   in.RetryPolicies,
		Iterations:      in.Iterations,
		StopOnException: in.StopOnException,
	}
	if err := s.jobs.PutJob(ctx, job); err != nil {
		return err
	}
	if err := s.jobs.AddActive(ctx, jobID); err != nil {
		return err
	}
	return s.jobs.SetState(ctx, jobID, domain.JobRunning)
}
