package domain

// Question is one survey question. Options may carry templates that are
// resolved per interview before use (see jobs.ResolveOptions).
type Question struct {
	ID   string `json:"id"`
	Name string `json:"name"`
	Type string `json:"type,omitempty"`
	Text string `json:"text"`
	// Options is the raw option spec: a list, or the dict form
	// {"from": template, "add": [extras]}.
	Options any `json:"options,omitempty"`
	// HasDirectAnswer marks a question that exposes a direct-answer
	// callable; such tasks bypass the LLM pipeline (ExecFunctional).
	HasDirectAnswer bool `json:"has_direct_answer,omitempty"`
}

// Scenario is a bag of substitution fields for prompt rendering. Values
// shaped like a file store entry (base64_string, mime_type, suffix) are
// offloaded to blob storage at submit and replaced by a FileRef sentinel.
type Scenario struct {
	ID     string         `json:"id"`
	Fields map[string]any `json:"fields"`
}

// Agent describes the persona answering an interview.
type Agent struct {
	ID     string         `json:"id"`
	Name   string         `json:"name,omitempty"`
	Traits map[string]any `json:"traits,omitempty"`
	// HasDirectAnswer marks an agent with a direct-answer callable; its
	// tasks bypass the LLM pipeline (ExecAgentDirect) unless the question
	// itself is functional.
	HasDirectAnswer bool `json:"has_direct_answer,omitempty"`
}

// ModelSpec identifies a remote model and its call parameters.
type ModelSpec struct {
	ID         string         `json:"id"`
	Service    string         `json:"service"`
	Name       string         `json:"name"`
	Parameters map[string]any `json:"parameters,omitempty"`
}

// FileRef is the inline sentinel left behind when a file store value is
// offloaded to blob storage.
type FileRef struct {
	BlobKey  string `json:"blob_key"`
	MIMEType string `json:"mime_type"`
	Suffix   string `json:"suffix"`
}

// SurveySpec is the survey as consumed by the engine: ordered questions,
// the memory plan, the question-index DAG and rule metadata. Rule
// evaluation itself is a capability (RuleEvaluator), not data.
type SurveySpec struct {
	Questions []Question `json:"questions"`
	// MemoryPlan maps a question name to the prior question names whose
	// answers its prompt references.
	MemoryPlan map[string][]string `json:"memory_plan,omitempty"`
	// QuestionsToRandomize lists question names whose options are permuted
	// per interview.
	QuestionsToRandomize []string `json:"questions_to_randomize,omitempty"`
	// DAG maps a question index to its prerequisite indices.
	DAG map[int][]int `json:"dag,omitempty"`
	// RuleIndices are the question indices carrying user-defined routing
	// rules. Empty means only implicit go-to-next rules exist, which
	// enables the never-skip fast path.
	RuleIndices []int `json:"rule_indices,omitempty"`
}

// HasNonDefaultRules reports whether any user-defined routing rule exists.
func (s SurveySpec) HasNonDefaultRules() bool { return len(s.RuleIndices) > 0 }

// QuestionIndex returns the name -> index map of the ordered questions.
func (s SurveySpec) QuestionIndex() map[string]int {
	idx := make(map[string]int, len(s.Questions))
	for i, q := range s.Questions {
		idx[q.Name] = i
	}
	return idx
}

// NextStep is the outcome of RuleEvaluator.NextQuestion.
type NextStep struct {
	Index       int
	EndOfSurvey bool
}

// RuleEvaluator evaluates the survey's routing rules over a combined
// answer namespace (prior answers, scenario fields, agent traits).
type RuleEvaluator interface {
	// SkipBeforeRunning reports whether the question at index should be
	// skipped before running, given the answers so far.
	SkipBeforeRunning(index int, answers map[string]any) bool
	// NextQuestion returns the next question after index, given the
	// answers so far.
	NextQuestion(index int, answers map[string]any) NextStep
}
