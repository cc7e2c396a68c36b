package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/fairyhunter13/surveyjobs/internal/adapter/storage"
	"github.com/fairyhunter13/surveyjobs/internal/domain"
)

// AnswerStore dual-writes answers: the persistent namespace is the durable
// copy, the volatile namespace the fast-read copy used by render workers.
// Writes are idempotent by (job, interview, question name).
type AnswerStore struct {
	backend storage.Backend
}

// NewAnswerStore constructs an AnswerStore over the backend.
func NewAnswerStore(b storage.Backend) *AnswerStore { return &AnswerStore{backend: b} }

// Put writes the answer to both namespaces.
func (s *AnswerStore) Put(ctx context.Context, a domain.Answer) error {
	b, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("op=answers.put: %w", err)
	}
	key := keyAnswer(a.JobID, a.InterviewID, a.QuestionName)
	if err := s.backend.Persistent().Write(ctx, key, b); err != nil {
		return fmt.Errorf("op=answers.put: %w", err)
	}
	if err := s.backend.Volatile().Write(ctx, key, b); err != nil {
		return fmt.Errorf("op=answers.put_volatile: %w", err)
	}
	return nil
}

// Get reads one answer from the fast copy; ok=false when absent.
func (s *AnswerStore) Get(ctx context.Context, jobID, interviewID, questionName string) (domain.Answer, bool, error) {
	b, err := s.backend.Volatile().Read(ctx, keyAnswer(jobID, interviewID, questionName))
	if err != nil {
		return domain.Answer{}, false, fmt.Errorf("op=answers.get: %w", err)
	}
	if b == nil {
		return domain.Answer{}, false, nil
	}
	var a domain.Answer
	if err := json.Unmarshal(b, &a); err != nil {
		return domain.Answer{}, false, fmt.Errorf("op=answers.get: %w", err)
	}
	return a, true, nil
}

// BatchGet reads answers for known question names from the fast copy in
// one round-trip; absent questions are omitted. Never scans.
func (s *AnswerStore) BatchGet(ctx context.Context, jobID, interviewID string, questionNames []string) (map[string]domain.Answer, error) {
	return s.batchGet(ctx, s.backend.Volatile(), jobID, interviewID, questionNames)
}

// BatchGetDurable reads answers from the durable copy, used by results
// assembly.
func (s *AnswerStore) BatchGetDurable(ctx context.Context, jobID, interviewID string, questionNames []string) (map[string]domain.Answer, error) {
	return s.batchGet(ctx, s.backend.Persistent(), jobID, interviewID, questionNames)
}

// BatchGetJobAnswers reads the durable answers of many interviews in one
// round-trip, keyed by interview id then question name. Used by results
// assembly so a job with I interviews costs one read, not I.
func (s *AnswerStore) BatchGetJobAnswers(ctx context.Context, jobID string, interviewIDs, questionNames []string) (map[string]map[string]domain.Answer, error) {
	if len(interviewIDs) == 0 || len(questionNames) == 0 {
		return map[string]map[string]domain.Answer{}, nil
	}
	keys := make([]string, 0, len(interviewIDs)*len(questionNames))
	for _, ivID := range interviewIDs {
		for _, name := range questionNames {
			keys = append(keys, keyAnswer(jobID, ivID, name))
		}
	}
	raw, err := s.backend.Persistent().BatchRead(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("op=answers.batch_get_job: %w", err)
	}
	out := make(map[string]map[string]domain.Answer, len(interviewIDs))
	for _, ivID := range interviewIDs {
		byName := make(map[string]domain.Answer)
		for _, name := range questionNames {
			b, ok := raw[keyAnswer(jobID, ivID, name)]
			if !ok {
				continue
			}
			var a domain.Answer
			if err := json.Unmarshal(b, &a); err != nil {
				return nil, fmt.Errorf("op=answers.batch_get_job: %w", err)
			}
			byName[name] = a
		}
		out[ivID] = byName
	}
	return out, nil
}

func (s *AnswerStore) batchGet(ctx context.Context, kv storage.KV, jobID, interviewID string, questionNames []string) (map[string]domain.Answer, error) {
	if len(questionNames) == 0 {
		return map[string]domain.Answer{}, nil
	}
	keys := make([]string, len(questionNames))
	for i, name := range questionNames {
		keys[i] = keyAnswer(jobID, interviewID, name)
	}
	raw, err := kv.BatchRead(ctx, keys)
	if err != nil {
		return nil, fmt.Errorf("op=answers.batch_get: %w", err)
	}
	out := make(map[string]domain.Answer, len(raw))
	for i, name := range questionNames {
		b, ok := raw[keys[i]]
		if !ok {
			continue
		}
		var a domain.Answer
		if err := json.Unmarshal(b, &a); err != nil {
			return nil, fmt.Errorf("op=answers.batch_get: %w", err)
		}
		out[name] = a
	}
	return out, nil
}
