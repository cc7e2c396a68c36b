package domain

import "encoding/json"

// PromptPair is the system/user prompt pair used for one question.
type PromptPair struct {
	System string `json:"system"`
	User   string `json:"user"`
}

// Result is the typed outcome of one completed interview. Maps are keyed
// by question name; Answers holds nil for questions with no answer.
type Result struct {
	InterviewID   string    `json:"interview_id"`
	JobID         string    `json:"job_id"`
	Scenario      Scenario  `json:"scenario"`
	Agent         Agent     `json:"agent"`
	Model         ModelSpec `json:"model"`
	Iteration     int       `json:"iteration"`
	InterviewHash string    `json:"interview_hash"`

	Answers          map[string]any             `json:"answers"`
	Comments         map[string]string          `json:"comments,omitempty"`
	Prompts          map[string]PromptPair      `json:"prompts,omitempty"`
	RawResponses     map[string]json.RawMessage `json:"raw_responses,omitempty"`
	InputTokens      map[string]int             `json:"input_tokens,omitempty"`
	OutputTokens     map[string]int             `json:"output_tokens,omitempty"`
	InputPricesPerM  map[string]float64         `json:"input_prices_per_million,omitempty"`
	OutputPricesPerM map[string]float64         `json:"output_prices_per_million,omitempty"`
	CacheUsed        map[string]bool            `json:"cache_used,omitempty"`
	CacheKeys        map[string]string          `json:"cache_keys,omitempty"`
	Validated        map[string]bool            `json:"validated,omitempty"`
	GeneratedTokens  map[string]string          `json:"generated_tokens,omitempty"`
	Reasoning        map[string]string          `json:"reasoning,omitempty"`
}

// Progress is a point-in-time snapshot of a job's interview and task
// counters.
type Progress struct {
	TotalInterviews     int `json:"total_interviews"`
	CompletedInterviews int `json:"completed_interviews"`
	FailedInterviews    int `json:"failed_interviews"`
	RunningInterviews   int `json:"running_interviews"`

	TotalTasks     int `json:"total_tasks"`
	CompletedTasks int `json:"completed_tasks"`
	SkippedTasks   int `json:"skipped_tasks"`
	FailedTasks    int `json:"failed_tasks"`
	BlockedTasks   int `json:"blocked_tasks"`
	PendingTasks   int `json:"pending_tasks"`
	ReadyTasks     int `json:"ready_tasks"`
	RunningTasks   int `json:"running_tasks"`
}
