package generation

import (
	"context"
	"strings"
)

// staticBackend returns deterministic canned completions so the full
// pipeline (prompts, parsing, scoring) runs in development and tests with no
// network access. Responses are keyed off distinctive phrases in the prompt
// templates.
type staticBackend struct {
	cfg Config
}

func newStaticBackend(cfg Config) *staticBackend {
	return &staticBackend{cfg: cfg}
}

func (b *staticBackend) Provider() string { return "Static" }

func (b *staticBackend) Generate(_ context.Context, _, prompt string) (string, error) {
	switch {
	case strings.Contains(prompt, "summarize patient conversations"):
		return "- Patient contacted support with a question\n" +
			"- Agent gathered the relevant details\n" +
			"- No follow-up has been scheduled yet", nil
	case strings.Contains(prompt, "suggest 3 appropriate next responses"):
		return `["I can help you with that right away.", ` +
			`"Could you confirm a few details for me?", ` +
			`"Is there anything else I can help you with today?"]`, nil
	case strings.Contains(prompt, "clarify patient intent"):
		return `{"is_correct": true, "confidence_assessment": "high", "clarifying_question": null}`, nil
	case strings.Contains(prompt, "knowledge snippet"):
		return "Verify the patient's identity before discussing account details. " +
			"Offer to send any documents through the secure portal.", nil
	default:
		return "OK", nil
	}
}
