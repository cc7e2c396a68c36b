package jobs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"go.opentelemetry.io/otel"

	"github.com/fairyhunter13/surveyjobs/internal/domain"
)

// Results assembles one Result per terminal interview. The whole assembly
// costs a bounded number of batch rounds regardless of job size: resource
// definitions, interview states, then every answer in a single MGET keyed
// by known question names.
func (s *Service) Results(ctx context.Context, jobID string) ([]domain.Result, error) {
	tracer := otel.Tracer("jobs")
	ctx, span := tracer.Start(ctx, "jobs.Results")
	defer span.End()

	job, err := s.jobs.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	survey, err := s.jobs.GetSurvey(ctx, jobID)
	if err != nil {
		return nil, err
	}
	interviews, err := s.interviews.GetInterviews(ctx, jobID, job.InterviewIDs)
	if err != nil {
		return nil, err
	}

	scenarios, err := s.jobs.GetScenarios(ctx, jobID, job.ScenarioIDs)
	if err != nil {
		return nil, err
	}
	agents, err := s.jobs.GetAgents(ctx, jobID, job.AgentIDs)
	if err != nil {
		return nil, err
	}
	models, err := s.jobs.GetModels(ctx, jobID, job.ModelIDs)
	if err != nil {
		return nil, err
	}

	states, err := s.interviews.BatchGetStates(ctx, job.InterviewIDs)
	if err != nil {
		return nil, err
	}
	var terminal []string
	for _, ivID := range job.InterviewIDs {
		if states[ivID] != domain.InterviewRunning {
			terminal = append(terminal, ivID)
		}
	}

	questionNames := make([]string, len(survey.Questions))
	for i, q := range survey.Questions {
		questionNames[i] = q.Name
	}
	answersByInterview, err := s.answers.BatchGetJobAnswers(ctx, jobID, terminal, questionNames)
	if err != nil {
		return nil, err
	}

	results := make([]domain.Result, 0, len(terminal))
	for _, ivID := range terminal {
		iv, ok := interviews[ivID]
		if !ok {
			return nil, fmt.Errorf("op=jobs.Results: interview %s: %w", ivID, domain.ErrNotFound)
		}
		r := buildResult(iv, scenarios[iv.ScenarioID], agents[iv.AgentID], models[iv.ModelID],
			questionNames, answersByInterview[ivID])
		results = append(results, r)
	}
	return results, nil
}

func buildResult(iv domain.Interview, sc domain.Scenario, ag domain.Agent, m domain.ModelSpec,
	questionNames []string, answers map[string]domain.Answer) domain.Result {
	r := domain.Result{
		InterviewID:      iv.ID,
		JobID:            iv.JobID,
		Scenario:         sc,
		Agent:            ag,
		Model:            m,
		Iteration:        iv.Iteration,
		InterviewHash:    interviewHash(ag, sc, m, iv.Iteration),
		Answers:          make(map[string]any, len(questionNames)),
		Comments:         make(map[string]string),
		Prompts:          make(map[string]domain.PromptPair),
		RawResponses:     make(map[string]json.RawMessage),
		InputTokens:      make(map[string]int),
		OutputTokens:     make(map[string]int),
		InputPricesPerM:  make(map[string]float64),
		OutputPricesPerM: make(map[string]float64),
		CacheUsed:        make(map[string]bool),
		CacheKeys:        make(map[string]string),
		Validated:        make(map[string]bool),
		GeneratedTokens:  make(map[string]string),
		Reasoning:        make(map[string]string),
	}
	for _, name := range questionNames {
		a, ok := answers[name]
		if !ok {
			r.Answers[name] = nil
			continue
		}
		r.Answers[name] = a.Value
		if a.Comment != "" {
			r.Comments[name] = a.Comment
		}
		if a.SystemPrompt != "" || a.UserPrompt != "" {
			r.Prompts[name] = domain.PromptPair{System: a.SystemPrompt, User: a.UserPrompt}
		}
		if len(a.RawResponse) > 0 {
			r.RawResponses[name] = a.RawResponse
		}
		r.InputTokens[name] = a.InputTokens
		r.OutputTokens[name] = a.OutputTokens
		r.InputPricesPerM[name] = a.InputPricePerM
		r.OutputPricesPerM[name] = a.OutputPricePerM
		r.CacheUsed[name] = a.Cached
		if a.CacheKey != "" {
			r.CacheKeys[name] = a.CacheKey
		}
		r.Validated[name] = a.Validated
		if a.GeneratedTokens != "" {
			r.GeneratedTokens[name] = a.GeneratedTokens
		}
		if a.ReasoningSummary != "" {
			r.Reasoning[name] = a.ReasoningSummary
		}
	}
	return r
}

// interviewHash is a deterministic digest over the interview's identity so
// equal combinations hash equally across runs.
func interviewHash(ag domain.Agent, sc domain.Scenario, m domain.ModelSpec, iteration int) string {
	payload, _ := json.Marshal(struct {
		Agent     domain.Agent     `json:"agent"`
		Scenario  domain.Scenario  `json:"scenario"`
		Model     domain.ModelSpec `json:"model"`
		Iteration int              `json:"iteration"`
	}{ag, sc, m, iteration})
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
