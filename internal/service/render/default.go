package render

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/fairyhunter13/surveyjobs/internal/domain"
)

// DefaultRenderer is the built-in prompt renderer used when no external
// render capability is plugged in. It interpolates scenario fields and
// agent traits into a persona system prompt and replays prior answers as
// conversation context.
type DefaultRenderer struct{}

// Render builds the prompt pair for one question.
func (DefaultRenderer) Render(_ context.Context, in domain.RenderInput) (domain.RenderedPrompt, error) {
	var sys strings.Builder
	if in.Agent.Name != "" {
		fmt.Fprintf(&sys, "You are %s.", in.Agent.Name)
	}
	writeSection(&sys, "Your traits", in.Agent.Traits)
	writeSection(&sys, "Context", in.Scenario.Fields)

	var user strings.Builder
	if len(in.PriorAnswers) > 0 {
		user.WriteString("Your previous answers:\n")
		names := make([]string, 0, len(in.PriorAnswers))
		for name := range in.PriorAnswers {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			fmt.Fprintf(&user, "- %s: %s\n", name, formatValue(in.PriorAnswers[name]))
		}
		user.WriteString("\n")
	}
	user.WriteString(in.Question.Text)
	if opts, ok := in.Question.Options.([]any); ok && len(opts) > 0 {
		user.WriteString("\nOptions:\n")
		for _, opt := range opts {
			fmt.Fprintf(&user, "- %s\n", formatValue(opt))
		}
	}

	return domain.RenderedPrompt{
		SystemPrompt: sys.String(),
		UserPrompt:   user.String(),
	}, nil
}

func writeSection(b *strings.Builder, title string, fields map[string]any) {
	if len(fields) == 0 {
		return
	}
	fmt.Fprintf(b, "\n%s:\n", title)
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(b, "- %s: %s\n", k, formatValue(fields[k]))
	}
}

func formatValue(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case nil:
		return "(none)"
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}
