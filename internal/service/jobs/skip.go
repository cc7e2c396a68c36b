package jobs

import (
	"fmt"

	"github.com/fairyhunter13/surveyjobs/internal/domain"
)

// SkipContext carries the pre-cached lookups a render batch shares while
// evaluating skip logic, so per-task evaluation touches no storage.
type SkipContext struct {
	Survey       domain.SurveySpec
	Index        map[string]int // question name -> position
	Evaluator    domain.RuleEvaluator
	PriorAnswers map[string]domain.Answer // by question name
	Scenario     domain.Scenario
	Agent        domain.Agent
}

// SkipDecision is the outcome of pre-run skip evaluation.
type SkipDecision struct {
	Skip   bool
	Reason string
}

// EvaluateSkip decides whether the task should be skipped before running.
// The first question and surveys without user-defined rules never skip.
func EvaluateSkip(task domain.Task, sc SkipContext) SkipDecision {
	idx, known := sc.Index[task.QuestionName]
	if !known || idx == 0 {
		return SkipDecision{}
	}
	if !sc.Survey.HasNonDefaultRules() || sc.Evaluator == nil {
		return SkipDecision{}
	}

	for _, dep := range sc.Survey.MemoryPlan[task.QuestionName] {
		if a, ok := sc.PriorAnswers[dep]; ok && a.Value == nil {
			return SkipDecision{Skip: true, Reason: fmt.Sprintf("Memory dependency '%s' failed", dep)}
		}
	}

	answers := combinedNamespace(sc)
	if sc.Evaluator.SkipBeforeRunning(idx, answers) {
		return SkipDecision{Skip: true, Reason: fmt.Sprintf("Question %s skipped by rule", task.QuestionName)}
	}
	next := sc.Evaluator.NextQuestion(idx-1, answers)
	if next.EndOfSurvey {
		return SkipDecision{Skip: true, Reason: "EndOfSurvey reached"}
	}
	if next.Index > idx {
		return SkipDecision{Skip: true, Reason: fmt.Sprintf("Skip rule: jump from %d to %d", idx-1, next.Index)}
	}
	return SkipDecision{}
}

// combinedNamespace merges prior answers, scenario fields and agent traits
// into the rule evaluator's answer namespace.
func combinedNamespace(sc SkipContext) map[string]any {
	ns := make(map[string]any, len(sc.PriorAnswers)+len(sc.Scenario.Fields)+len(sc.Agent.Traits))
	for k, v := range sc.Scenario.Fields {
		ns[k] = v
	}
	for k, v := range sc.Agent.Traits {
		ns[k] = v
	}
	for name, a := range sc.PriorAnswers {
		ns[name] = a.Value
	}
	return ns
}
