package generation

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ErrorKind classifies backend failures for retry decisions.
type ErrorKind int

const (
	KindRetryable  ErrorKind = iota // generic transient 5xx
	KindRateLimit                   // 429, should respect Retry-After
	KindOverloaded                  // 529 or "overloaded" in body
	KindTimeout                     // request timeout / deadline exceeded
	KindAuth                        // 401, 403
	KindBilling                     // 402 or quota exhausted
	KindBadRequest                  // 400
	KindFatal                       // everything else
)

// String returns a human-readable label for the error kind.
func (k ErrorKind) String() string {
	switch k {
	case KindRetryable:
		return "retryable"
	case KindRateLimit:
		return "rate_limit"
	case KindOverloaded:
		return "overloaded"
	case KindTimeout:
		return "timeout"
	case KindAuth:
		return "auth"
	case KindBilling:
		return "billing"
	case KindBadRequest:
		return "bad_request"
	case KindFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// IsRetryable reports whether the kind warrants another attempt.
func (k ErrorKind) IsRetryable() bool {
	return k == KindRetryable || k == KindRateLimit || k == KindOverloaded || k == KindTimeout
}

// apiError captures HTTP status, body, and optional Retry-After from a
// backend response.
type apiError struct {
	statusCode    int
	body          string
	retryAfterSec int // from Retry-After header, 0 if not set
	provider      string
}

func (e *apiError) Error() string {
	if e.provider != "" {
		return fmt.Sprintf("%s API returned %d: %s", e.provider, e.statusCode, truncate(e.body, 200))
	}
	return fmt.Sprintf("API returned %d: %s", e.statusCode, truncate(e.body, 200))
}

// kindOf classifies any backend error. Structured apiErrors classify by
// status code and body; everything else by message text, which is all the
// SDK clients reliably expose.
func kindOf(err error) ErrorKind {
	if err == nil {
		return KindFatal
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return KindTimeout
	}
	var apierr *apiError
	if errors.As(err, &apierr) {
		return classify(apierr.statusCode, apierr.body)
	}
	return classify(0, err.Error())
}

// classify determines the error kind from status code and response text.
func classify(statusCode int, body string) ErrorKind {
	bodyLower := strings.ToLower(body)

	// Billing / quota exhausted.
	if statusCode == 402 ||
		strings.Contains(bodyLower, "billing") ||
		strings.Contains(bodyLower, "insufficient_quota") ||
		strings.Contains(bodyLower, "payment required") {
		return KindBilling
	}

	// Rate limit. RESOURCE_EXHAUSTED is how the Gemini API spells 429.
	if statusCode == 429 ||
		strings.Contains(bodyLower, "rate_limit") ||
		strings.Contains(bodyLower, "rate limit") ||
		strings.Contains(bodyLower, "resource_exhausted") ||
		strings.Contains(bodyLower, "too many requests") {
		return KindRateLimit
	}

	// Overloaded.
	if statusCode == 529 ||
		strings.Contains(bodyLower, "overloaded") ||
		strings.Contains(bodyLower, "unavailable") ||
		strings.Contains(bodyLower, "capacity") {
		return KindOverloaded
	}

	// Timeout.
	if strings.Contains(bodyLower, "timeout") ||
		strings.Contains(bodyLower, "deadline") ||
		strings.Contains(bodyLower, "timed out") {
		return KindTimeout
	}

	switch statusCode {
	case 400:
		return KindBadRequest
	case 401, 403:
		return KindAuth
	case 500, 502, 503, 521, 522, 523, 524:
		return KindRetryable
	default:
		if statusCode >= 500 {
			return KindRetryable
		}
		return KindFatal
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
