// Package audit records compliance events over slog. Every field value is
// run through the PHI redactor before it reaches a handler, and well-known
// PHI field names are masked outright no matter what they contain.
package audit

import (
	"context"
	"log/slog"
	"sort"
	"strings"

	"github.com/rfontaine/carewire/pkg/carewire/redact"
)

const maskedValue = "[REDACTED]"

// phiFieldNames are masked by name alone. Values under these keys never
// reach a log handler even when they dodge the pattern table.
var phiFieldNames = map[string]struct{}{
	"ssn":             {},
	"social_security": {},
	"patient_id":      {},
	"mrn":             {},
	"date_of_birth":   {},
	"dob":             {},
	"phone":           {},
	"email":           {},
	"address":         {},
	"credit_card":     {},
	"policy_number":   {},
}

// Logger emits audit events for actions touching patient data.
type Logger struct {
	logger   *slog.Logger
	redactor *redact.Redactor
}

// New builds an audit logger. A nil redactor skips pattern redaction; field
// name masking still applies.
func New(logger *slog.Logger, redactor *redact.Redactor) *Logger {
	if logger == nil {
		logger = slog.Default()
	}
	return &Logger{
		logger:   logger.With("component", "audit"),
		redactor: redactor,
	}
}

// Event records one audited action against a resource. Fields are sanitized
// and attached in sorted key order.
func (l *Logger) Event(ctx context.Context, action, resource string, fields map[string]any) {
	attrs := make([]slog.Attr, 0, len(fields)+2)
	attrs = append(attrs,
		slog.String("action", action),
		slog.String("resource", resource),
	)

	sanitized := l.sanitize(fields)
	keys := make([]string, 0, len(sanitized))
	for k := range sanitized {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		attrs = append(attrs, slog.Any(k, sanitized[k]))
	}

	l.logger.LogAttrs(ctx, slog.LevelInfo, "audit", attrs...)
}

// sanitize masks PHI field names, then pattern-redacts the remaining string
// values (recursively, via the redactor's map walk).
func (l *Logger) sanitize(fields map[string]any) map[string]any {
	if len(fields) == 0 {
		return nil
	}
	masked := make(map[string]any, len(fields))
	for k, v := range fields {
		if _, ok := phiFieldNames[strings.ToLower(k)]; ok {
			masked[k] = maskedValue
			continue
		}
		masked[k] = v
	}
	if l.redactor != nil {
		masked = l.redactor.RedactMap(masked)
	}
	return masked
}
