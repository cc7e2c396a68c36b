package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/fairyhunter13/surveyjobs/internal/domain"
)

// fakeEvaluator scripts rule outcomes per question index.
type fakeEvaluator struct {
	skipBefore map[int]bool
	next       map[int]domain.NextStep
}

func (f *fakeEvaluator) SkipBeforeRunning(index int, _ map[string]any) bool {
	return f.skipBefore[index]
}

func (f *fakeEvaluator) NextQuestion(index int, _ map[string]any) domain.NextStep {
	if step, ok := f.next[index]; ok {
		return step
	}
	return domain.NextStep{Index: index + 1}
}

func ruleSurvey() domain.SurveySpec {
	return domain.SurveySpec{
		Questions: []domain.Question{
			{Name: "q1", Text: "?"},
			{Name: "q2", Text: "?"},
			{Name: "q3", Text: "?"},
		},
		RuleIndices: []int{0},
		MemoryPlan:  map[string][]string{"q2": {"q1"}},
	}
}

func skipCtx(survey domain.SurveySpec, ev domain.RuleEvaluator, answers map[string]domain.Answer) SkipContext {
	return SkipContext{
		Survey:       survey,
		Index:        survey.QuestionIndex(),
		Evaluator:    ev,
		PriorAnswers: answers,
	}
}

func TestEvaluateSkipFirstQuestionNeverSkips(t *testing.T) {
	sc := skipCtx(ruleSurvey(), &fakeEvaluator{skipBefore: map[int]bool{0: true}}, nil)
	d := EvaluateSkip(domain.Task{QuestionName: "q1"}, sc)
	assert.False(t, d.Skip)
}

func TestEvaluateSkipFastPathWithoutRules(t *testing.T) {
	survey := ruleSurvey()
	survey.RuleIndices = nil
	sc := skipCtx(survey, &fakeEvaluator{skipBefore: map[int]bool{1: true}}, nil)
	d := EvaluateSkip(domain.Task{QuestionName: "q2"}, sc)
	assert.False(t, d.Skip, "surveys with only implicit rules never evaluate skips")
}

func TestEvaluateSkipNullMemoryDependency(t *testing.T) {
	answers := map[string]domain.Answer{"q1": {QuestionName: "q1", Value: nil}}
	sc := skipCtx(ruleSurvey(), &fakeEvaluator{}, answers)
	d := EvaluateSkip(domain.Task{QuestionName: "q2"}, sc)
	assert.True(t, d.Skip)
	assert.Equal(t, "Memory dependency 'q1' failed", d.Reason)
}

func TestEvaluateSkipEndOfSurvey(t *testing.T) {
	answers := map[string]domain.Answer{"q1": {Value: "no"}}
	ev := &fakeEvaluator{next: map[int]domain.NextStep{0: {EndOfSurvey: true}}}
	sc := skipCtx(ruleSurvey(), ev, answers)
	d := EvaluateSkip(domain.Task{QuestionName: "q2"}, sc)
	assert.True(t, d.Skip)
	assert.Equal(t, "EndOfSurvey reached", d.Reason)
}

func TestEvaluateSkipJumpRule(t *testing.T) {
	// Rule at q1: answer "yes" jumps straight to q3, so q2 is skipped.
	answers := map[string]domain.Answer{"q1": {Value: "yes"}}
	ev := &fakeEvaluator{next: map[int]domain.NextStep{0: {Index: 2}}}
	sc := skipCtx(ruleSurvey(), ev, answers)

	d := EvaluateSkip(domain.Task{QuestionName: "q2"}, sc)
	assert.True(t, d.Skip)
	assert.Equal(t, "Skip rule: jump from 0 to 2", d.Reason)

	d = EvaluateSkip(domain.Task{QuestionName: "q3"}, sc)
	assert.False(t, d.Skip, "the jump target itself runs")
}

func TestEvaluateSkipBeforeRunningRule(t *testing.T) {
	answers := map[string]domain.Answer{"q1": {Value: "maybe"}}
	ev := &fakeEvaluator{skipBefore: map[int]bool{1: true}}
	sc := skipCtx(ruleSurvey(), ev, answers)
	d := EvaluateSkip(domain.Task{QuestionName: "q2"}, sc)
	assert.True(t, d.Skip)
}

func TestCombinedNamespaceAnswersWin(t *testing.T) {
	sc := SkipContext{
		Scenario:     domain.Scenario{Fields: map[string]any{"topic": "go", "q1": "shadowed"}},
		Agent:        domain.Agent{Traits: map[string]any{"persona": "skeptic"}},
		PriorAnswers: map[string]domain.Answer{"q1": {Value: "yes"}},
	}
	ns := combinedNamespace(sc)
	assert.Equal(t, "go", ns["topic"])
	assert.Equal(t, "skeptic", ns["persona"])
	assert.Equal(t, "yes", ns["q1"], "prior answers override scenario fields")
}
