package jobs

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fairyhunter13/surveyjobs/internal/domain"
)

func TestResolveOptionsPlainList(t *testing.T) {
	q := domain.Question{Name: "q1", Options: []any{"yes", "no"}}
	got, err := ResolveOptions(q, nil, domain.Scenario{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"yes", "no"}, got)
}

func TestResolveOptionsAnswerTemplate(t *testing.T) {
	q := domain.Question{Name: "q2", Options: []any{"{{ q1.answer }}", "other"}}
	answers := map[string]any{"q1": "blue"}
	got, err := ResolveOptions(q, answers, domain.Scenario{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"blue", "other"}, got)
}

func TestResolveOptionsListAnswerSplices(t *testing.T) {
	q := domain.Question{Name: "q2", Options: []any{"{{ q1.answer }}"}}
	answers := map[string]any{"q1": []any{"a", "b", "c"}}
	got, err := ResolveOptions(q, answers, domain.Scenario{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "c"}, got)
}

func TestResolveOptionsScenarioTemplate(t *testing.T) {
	q := domain.Question{Name: "q1", Options: []any{"{{ scenario.color }}", "green"}}
	sc := domain.Scenario{Fields: map[string]any{"color": "red"}}
	got, err := ResolveOptions(q, nil, sc, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"red", "green"}, got)
}

func TestResolveOptionsFromAddDict(t *testing.T) {
	q := domain.Question{Name: "q2", Options: map[string]any{
		"from": "{{ q1.answer }}",
		"add":  []any{"none of the above"},
	}}
	answers := map[string]any{"q1": []any{"a", "b"}}
	got, err := ResolveOptions(q, answers, domain.Scenario{}, nil)
	require.NoError(t, err)
	assert.Equal(t, []any{"a", "b", "none of the above"}, got)
}

func TestResolveOptionsPermutationOverrides(t *testing.T) {
	q := domain.Question{Name: "q1", Options: []any{"a", "b", "c"}}
	perm := []any{"c", "a", "b"}
	got, err := ResolveOptions(q, nil, domain.Scenario{}, perm)
	require.NoError(t, err)
	assert.Equal(t, perm, got)
}

func TestResolveOptionsErrors(t *testing.T) {
	q := domain.Question{Name: "q2", Options: []any{"{{ missing.answer }}"}}
	_, err := ResolveOptions(q, map[string]any{}, domain.Scenario{}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	q = domain.Question{Name: "q2", Options: map[string]any{"add": []any{"x"}}}
	_, err = ResolveOptions(q, nil, domain.Scenario{}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)

	q = domain.Question{Name: "q2", Options: map[string]any{"from": "{{ q1.answer }}"}}
	_, err = ResolveOptions(q, map[string]any{"q1": "not-a-list"}, domain.Scenario{}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}
