package generation

import (
	"encoding/json"
	"strings"
)

// parseReplies extracts reply suggestions from raw model output. The happy
// path is a JSON array of strings. Valid JSON that is not an array becomes a
// single reply. Anything else goes through a line-based fallback that strips
// numbered markers ("1.", "2)", "3:") and bullets ("-", "*", "•"). The
// result is capped at max entries.
func parseReplies(raw string, max int) []string {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil
	}

	var v any
	if err := json.Unmarshal([]byte(trimmed), &v); err == nil {
		if arr, ok := v.([]any); ok {
			out := make([]string, 0, len(arr))
			for _, item := range arr {
				if s, ok := item.(string); ok && strings.TrimSpace(s) != "" {
					out = append(out, strings.TrimSpace(s))
				}
			}
			if len(out) > max {
				out = out[:max]
			}
			return out
		}
		return []string{trimmed}
	}

	var out []string
	for _, line := range strings.Split(trimmed, "\n") {
		cleaned := strings.TrimSpace(line)
		if cleaned == "" {
			continue
		}
		if len(cleaned) > 2 {
			switch {
			case cleaned[0] >= '0' && cleaned[0] <= '9' && strings.ContainsRune(".):", rune(cleaned[1])):
				cleaned = strings.TrimSpace(cleaned[2:])
			case strings.HasPrefix(cleaned, "-"), strings.HasPrefix(cleaned, "*"):
				cleaned = strings.TrimSpace(cleaned[1:])
			case strings.HasPrefix(cleaned, "•"):
				cleaned = strings.TrimSpace(strings.TrimPrefix(cleaned, "•"))
			}
		}
		if cleaned != "" {
			out = append(out, cleaned)
		}
	}
	if len(out) > max {
		out = out[:max]
	}
	return out
}

// parseClarification decodes the clarification JSON contract. Malformed
// output degrades to a neutral assessment: correct iff the NLU confidence
// already cleared the threshold, with no clarifying question.
func parseClarification(raw string, confidence, threshold float64) *ClarificationResult {
	trimmed := strings.TrimSpace(raw)
	var result ClarificationResult
	if err := json.Unmarshal([]byte(trimmed), &result); err != nil {
		return &ClarificationResult{
			IsCorrect:            confidence > threshold,
			ConfidenceAssessment: "medium",
			ClarifyingQuestion:   nil,
		}
	}
	if result.ClarifyingQuestion != nil && strings.TrimSpace(*result.ClarifyingQuestion) == "" {
		result.ClarifyingQuestion = nil
	}
	return &result
}
