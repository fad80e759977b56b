package llm

import (
	"context"
	"fmt"
	"strings"

	"github.com/mnemo-labs/mnemo/pkg/fragment"
	"github.com/mnemo-labs/mnemo/pkg/narrative"
)

const narratorSystem = `You synthesize memory fragments into a short, coherent narrative.
Write in first person, past tense. Weave the fragments into a story with a
beginning, middle and end; do not enumerate them. Keep it under 400 words.
Mention uncertainty where fragment confidence is low.`

// Narrator adapts a Provider to the narrative generator's synthesis
// contract.
type Narrator struct {
	provider Provider
}

// NewNarrator wraps a provider for narrative synthesis.
func NewNarrator(provider Provider) *Narrator {
	return &Narrator{provider: provider}
}

// Synthesize builds a prompt from the fragments and asks the provider for
// a narrative.
func (n *Narrator) Synthesize(ctx context.Context, frags []fragment.Fragment, typ narrative.Type, theme string) (string, error) {
	resp, err := n.provider.Complete(ctx, CompletionRequest{
		System:      narratorSystem,
		Messages:    []Message{{Role: "user", Content: buildPrompt(frags, typ, theme)}},
		MaxTokens:   1024,
		Temperature: 0.7,
	})
	if err != nil {
		return "", fmt.Errorf("narrative completion: %w", err)
	}
	text := strings.TrimSpace(resp.Content)
	if text == "" {
		return "", fmt.Errorf("provider returned empty narrative")
	}
	return text, nil
}

func buildPrompt(frags []fragment.Fragment, typ narrative.Type, theme string) string {
	var b strings.Builder
	switch typ {
	case narrative.TypeWeekly:
		b.WriteString("Synthesize a narrative of the past week from these memory fragments.\n")
	case narrative.TypeThematic:
		fmt.Fprintf(&b, "Synthesize a narrative about %q from these memory fragments.\n", theme)
	default:
		b.WriteString("Synthesize a narrative of the day from these memory fragments.\n")
	}
	b.WriteString("\nFragments (oldest first):\n")
	for _, f := range frags {
		fmt.Fprintf(&b, "- [%s %s conf=%.2f", f.CreatedAt.Format("2006-01-02 15:04"), f.Type, f.Confidence)
		if f.NarrativeRole != "" {
			fmt.Fprintf(&b, " role=%s", f.NarrativeRole)
		}
		fmt.Fprintf(&b, "] %s\n", f.Content)
	}
	return b.String()
}
