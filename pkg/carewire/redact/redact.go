// Package redact scrubs protected health information from free text before
// it reaches generation backends, audit logs, or archival storage.
// Detection is purely syntactic: each category is one case-insensitive
// pattern, applied in a fixed order, replacing matches with a placeholder
// that names the category. False negatives are possible; callers must treat
// redacted text as reduced-risk, not risk-free.
package redact

import (
	"fmt"
	"regexp"
	"strings"
)

// category pairs a name with its compiled detection pattern.
type category struct {
	name    string
	pattern *regexp.Regexp
}

// Rule is a caller-supplied detection category. Rules are appended after the
// built-ins and never interleave with them.
type Rule struct {
	Name    string `yaml:"name" json:"name"`
	Pattern string `yaml:"pattern" json:"pattern"`
}

// builtins covers the PHI shapes seen in contact-center transcripts.
// Order is load-bearing: each category runs over the output of the previous
// one, so a later pattern can never match inside an earlier placeholder
// (ssn consumes nine-digit runs before phone sees them, and both consume
// their spans before date runs).
var builtins = []category{
	{"ssn", regexp.MustCompile(`(?i)\b\d{3}-\d{2}-\d{4}\b|\b\d{9}\b`)},
	{"phone", regexp.MustCompile(`(?i)\b\d{3}[-.\s]??\d{3}[-.\s]??\d{4}\b|\(\d{3}\)\s*\d{3}[-.\s]??\d{4}\b`)},
	{"email", regexp.MustCompile(`(?i)\b[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}\b`)},
	{"mrn", regexp.MustCompile(`(?i)\bMRN[:\s#]?\d{6,10}\b`)},
	{"patient_id", regexp.MustCompile(`(?i)\bpatient[:\s#]?ID[:\s#]?\d{6,10}\b`)},
	{"policy", regexp.MustCompile(`(?i)\bpolicy[:\s#]?\d{8,12}\b`)},
	{"credit_card", regexp.MustCompile(`(?i)\b\d{4}[-\s]?\d{4}[-\s]?\d{4}[-\s]?\d{4}\b`)},
	{"date", regexp.MustCompile(`(?i)\b\d{1,2}[-/]\d{1,2}[-/]\d{2,4}\b`)},
}

// Redactor applies the detection categories to text. Safe for concurrent use.
type Redactor struct {
	categories []category
}

// New builds a Redactor with the built-in categories plus any extra rules,
// in that order. An unnamed rule or an invalid pattern is rejected so a bad
// config fails at startup rather than silently skipping a category.
func New(extra ...Rule) (*Redactor, error) {
	cats := make([]category, 0, len(builtins)+len(extra))
	cats = append(cats, builtins...)
	for _, r := range extra {
		if r.Name == "" {
			return nil, fmt.Errorf("redaction rule with pattern %q has no name", r.Pattern)
		}
		re, err := regexp.Compile("(?i)" + r.Pattern)
		if err != nil {
			return nil, fmt.Errorf("compile redaction rule %q: %w", r.Name, err)
		}
		cats = append(cats, category{name: r.Name, pattern: re})
	}
	return &Redactor{categories: cats}, nil
}

// Redact replaces every match of every category with a placeholder naming
// the category (e.g. [REDACTED_SSN]) and reports per-category match counts.
// Text with no matches is returned unchanged with an empty count map.
func (r *Redactor) Redact(text string) (string, map[string]int) {
	counts := make(map[string]int)
	if text == "" {
		return text, counts
	}
	for _, cat := range r.categories {
		matches := cat.pattern.FindAllString(text, -1)
		if len(matches) == 0 {
			continue
		}
		counts[cat.name] = len(matches)
		placeholder := "[REDACTED_" + strings.ToUpper(cat.name) + "]"
		text = cat.pattern.ReplaceAllString(text, placeholder)
	}
	return text, counts
}

// IsSafe reports whether text contains no detectable PHI.
func (r *Redactor) IsSafe(text string) bool {
	_, counts := r.Redact(text)
	return len(counts) == 0
}

// RedactMap returns a copy of data with every string leaf redacted, recursing
// into nested maps and slices. When allowedKeys is non-empty, only those
// top-level keys are visited; other entries pass through untouched.
func (r *Redactor) RedactMap(data map[string]any, allowedKeys ...string) map[string]any {
	if len(data) == 0 {
		return data
	}
	var allowed map[string]bool
	if len(allowedKeys) > 0 {
		allowed = make(map[string]bool, len(allowedKeys))
		for _, k := range allowedKeys {
			allowed[k] = true
		}
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if allowed != nil && !allowed[k] {
			out[k] = v
			continue
		}
		out[k] = r.redactValue(v)
	}
	return out
}

func (r *Redactor) redactValue(v any) any {
	switch val := v.(type) {
	case string:
		redacted, _ := r.Redact(val)
		return redacted
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, nested := range val {
			out[k] = r.redactValue(nested)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, nested := range val {
			out[i] = r.redactValue(nested)
		}
		return out
	case []string:
		out := make([]string, len(val))
		for i, s := range val {
			out[i], _ = r.Redact(s)
		}
		return out
	default:
		return v
	}
}

// Categories returns the category names in application order.
func (r *Redactor) Categories() []string {
	names := make([]string, len(r.categories))
	for i, c := range r.categories {
		names[i] = c.name
	}
	return names
}
