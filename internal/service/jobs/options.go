package jobs

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/fairyhunter13/surveyjobs/internal/domain"
)

var (
	answerTemplateRe   = regexp.MustCompile(`^\{\{\s*([\w.]+)\.answer\s*\}\}$`)
	scenarioTemplateRe = regexp.MustCompile(`^\{\{\s*scenario\.([\w.]+)\s*\}\}$`)
)

// ResolveOptions resolves a question's option spec for one interview:
// templated strings substitute prior answers or scenario attributes, the
// dict form {"from": template, "add": extras} concatenates, and a stored
// per-interview permutation overrides the resolved list entirely.
func ResolveOptions(q domain.Question, answers map[string]any, scenario domain.Scenario, permutation []any) ([]any, error) {
	if permutation != nil {
		return permutation, nil
	}
	switch opts := q.Options.(type) {
	case nil:
		return nil, nil
	case []any:
		out := make([]any, 0, len(opts))
		for _, o := range opts {
			resolved, err := resolveOption(o, answers, scenario)
			if err != nil {
				return nil, err
			}
			// A template resolving to a list splices in place.
			if list, ok := resolved.([]any); ok {
				out = append(out, list...)
				continue
			}
			out = append(out, resolved)
		}
		return out, nil
	case map[string]any:
		from, hasFrom := opts["from"]
		if !hasFrom {
			return nil, fmt.Errorf("op=jobs.ResolveOptions: question=%s: option dict without 'from': %w",
				q.Name, domain.ErrInvalidArgument)
		}
		resolved, err := resolveOption(from, answers, scenario)
		if err != nil {
			return nil, err
		}
		base, ok := resolved.([]any)
		if !ok {
			return nil, fmt.Errorf("op=jobs.ResolveOptions: question=%s: 'from' did not resolve to a list: %w",
				q.Name, domain.ErrInvalidArgument)
		}
		out := make([]any, len(base))
		copy(out, base)
		if add, ok := opts["add"].([]any); ok {
			out = append(out, add...)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("op=jobs.ResolveOptions: question=%s: unsupported option spec %T: %w",
			q.Name, q.Options, domain.ErrInvalidArgument)
	}
}

func resolveOption(o any, answers map[string]any, scenario domain.Scenario) (any, error) {
	s, isString := o.(string)
	if !isString || !strings.Contains(s, "{{") {
		return o, nil
	}
	if m := answerTemplateRe.FindStringSubmatch(s); m != nil {
		v, ok := answers[m[1]]
		if !ok {
			return nil, fmt.Errorf("op=jobs.ResolveOptions: no prior answer for %q: %w", m[1], domain.ErrInvalidArgument)
		}
		return v, nil
	}
	if m := scenarioTemplateRe.FindStringSubmatch(s); m != nil {
		v, ok := scenario.Fields[m[1]]
		if !ok {
			return nil, fmt.Errorf("op=jobs.ResolveOptions: no scenario attribute %q: %w", m[1], domain.ErrInvalidArgument)
		}
		return v, nil
	}
	return o, nil
}
