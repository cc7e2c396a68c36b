// Package store provides typed accessors over the storage protocol. Each
// store encodes its entity keys, exposes batch operations for the hot
// paths and maintains counters atomically.
package store

import "fmt"

// Key encoding for the storage namespaces. Persistent keys describe
// immutable definitions; volatile keys hot state; set keys id sets.

func keyJobMeta(jobID string) string { return fmt.Sprintf("job:%s:meta", jobID) }

func keyJobSurvey(jobID string) string { return fmt.Sprintf("job:%s:survey", jobID) }

func keyJobScenario(jobID, scenarioID string) string {
	return fmt.Sprintf("job:%s:scenario:%s", jobID, scenarioID)
}

func keyJobAgent(jobID, agentID string) string {
	return fmt.Sprintf("job:%s:agent:%s", jobID, agentID)
}

func keyJobModel(jobID, modelID string) string {
	return fmt.Sprintf("job:%s:model:%s", jobID, modelID)
}

func keyJobQuestion(jobID, questionID string) string {
	return fmt.Sprintf("job:%s:question:%s", jobID, questionID)
}

func keyInterview(jobID, interviewID string) string {
	return fmt.Sprintf("job:%s:interview:%s", jobID, interviewID)
}

func keyTask(jobID, interviewID, taskID string) string {
	return fmt.Sprintf("job:%s:interview:%s:task:%s", jobID, interviewID, taskID)
}

func keyAnswer(jobID, interviewID, questionName string) string {
	return fmt.Sprintf("job:%s:interview:%s:answer:%s", jobID, interviewID, questionName)
}

func keyTaskStatus(taskID string) string    { return fmt.Sprintf("task:%s:status", taskID) }
func keyTaskUnmetDeps(taskID string) string { return fmt.Sprintf("task:%s:unmet_deps", taskID) }
func keyTaskAttempts(taskID string) string  { return fmt.Sprintf("task:%s:attempts", taskID) }
func keyTaskLastError(taskID string) string { return fmt.Sprintf("task:%s:last_error", taskID) }
func keyTaskLocation(taskID string) string  { return fmt.Sprintf("task:%s:location", taskID) }

func keyInterviewCounter(interviewID, counter string) string {
	return fmt.Sprintf("interview:%s:%s", interviewID, counter)
}

func keyInterviewState(interviewID string) string {
	return fmt.Sprintf("interview:%s:state", interviewID)
}

func keyJobCounter(jobID, counter string) string {
	return fmt.Sprintf("job:%s:%s", jobID, counter)
}

func keyJobState(jobID string) string { return fmt.Sprintf("job:%s:state", jobID) }

func keyReadySet(jobID string) string { return fmt.Sprintf("job:%s:ready_tasks", jobID) }

func keyCountedInterviews(jobID string) string {
	return fmt.Sprintf("job:%s:counted_interviews", jobID)
}

func keyWorkerInfo(workerID string) string { return fmt.Sprintf("worker:%s:info", workerID) }

const keyWorkersActive = "workers:active"

const keyActiveJobs = "jobs:active"

// KeyBlob names an offloaded scenario file payload.
func KeyBlob(jobID, scenarioID, field string) string {
	return fmt.Sprintf("blob:%s:%s:%s", jobID, scenarioID, field)
}
