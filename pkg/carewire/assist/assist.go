package assist

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rfontaine/carewire/pkg/carewire/conversation"
	"github.com/rfontaine/carewire/pkg/carewire/generation"
	"github.com/rfontaine/carewire/pkg/carewire/redact"
)

// defaultConfidence is reported when no generation signal is available.
const defaultConfidence = 0.5

// Options control which artifacts one assist request generates.
type Options struct {
	IncludeSummary      bool
	IncludeSmartReplies bool
	IncludeKnowledge    bool
}

// AllOptions requests every artifact.
func AllOptions() Options {
	return Options{IncludeSummary: true, IncludeSmartReplies: true, IncludeKnowledge: true}
}

// Response is the assist payload returned to the agent desktop. Built fresh
// per request and never retained.
type Response struct {
	ConversationID    string                       `json:"conversation_id"`
	Timestamp         time.Time                    `json:"timestamp"`
	Summary           string                       `json:"summary,omitempty"`
	SmartReplies      []generation.Reply           `json:"smart_replies,omitempty"`
	KnowledgeSnippets []generation.KnowledgeResult `json:"knowledge_snippets,omitempty"`
	NextBestAction    string                       `json:"next_best_action,omitempty"`
	Confidence        float64                      `json:"confidence_score"`
}

// Config tunes the orchestrator.
type Config struct {
	// OperationTimeout bounds each generation sub-operation. A timed-out
	// operation is treated as a failure for its field only.
	OperationTimeout time.Duration

	// MaxParallel caps concurrently running sub-operations.
	MaxParallel int

	// Constants supply the aggregate-confidence weights for summary and
	// knowledge signals.
	Constants generation.Constants
}

// Effective returns the config with zero values filled from defaults.
func (c Config) Effective() Config {
	if c.OperationTimeout == 0 {
		c.OperationTimeout = 15 * time.Second
	}
	if c.MaxParallel == 0 {
		c.MaxParallel = 3
	}
	if c.Constants.SummaryConfidence == 0 {
		c.Constants = generation.DefaultConstants()
	}
	return c
}

// Counters are running totals for the metrics endpoint.
type Counters struct {
	Requests    int64 `json:"assist_requests"`
	OpFailures  int64 `json:"operation_failures"`
	OpSuccesses int64 `json:"operation_successes"`
}

// Orchestrator coordinates one assist request end to end: eligibility,
// redaction, concurrent generation, and response assembly.
type Orchestrator struct {
	store    *conversation.Store
	redactor *redact.Redactor
	gen      generation.Capability
	selector *Selector
	cfg      Config
	logger   *slog.Logger

	requests    atomic.Int64
	opFailures  atomic.Int64
	opSuccesses atomic.Int64

	// now is swappable so tests can control time.
	now func() time.Time
}

// New wires an Orchestrator. All collaborators are required except logger.
func New(store *conversation.Store, redactor *redact.Redactor, gen generation.Capability, selector *Selector, cfg Config, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		store:    store,
		redactor: redactor,
		gen:      gen,
		selector: selector,
		cfg:      cfg.Effective(),
		logger:   logger.With("component", "assist"),
		now:      time.Now,
	}
}

// opResult is one sub-operation's outcome, written into its own slot of a
// results slice so no locking is needed.
type opResult struct {
	name      string
	summary   *generation.SummaryResult
	replies   *generation.ReplyResult
	knowledge *generation.KnowledgeResult
	err       error
}

// Generate runs the assist pipeline for one conversation. A conversation
// with no history returns an empty response (identifier, timestamp, default
// confidence), not an error. Individual operation failures are logged and
// leave their field absent; only store-level breakage would surface as an
// error to the caller.
func (o *Orchestrator) Generate(ctx context.Context, conversationID string, opts Options) (*Response, error) {
	o.requests.Add(1)

	history := o.store.History(conversationID, 0)
	resp := &Response{
		ConversationID: conversationID,
		Timestamp:      o.now().UTC(),
		Confidence:     defaultConfidence,
	}
	if len(history) == 0 {
		o.logger.Warn("no messages found for conversation", "conversation_id", conversationID)
		return resp, nil
	}

	lastPatient, hasPatient := lastPatientMessage(history)

	// Build the eligible operations with their inputs already redacted.
	// Redaction happens here, before anything leaves the process.
	var ops []func(context.Context) opResult

	if opts.IncludeSummary && len(history) >= 3 {
		msgs := o.redactMessages(history)
		ops = append(ops, func(ctx context.Context) opResult {
			r := opResult{name: "summary"}
			r.summary, r.err = o.gen.Summarize(ctx, msgs)
			return r
		})
	}

	if opts.IncludeSmartReplies && len(history) >= 2 && hasPatient {
		contextMsgs := history[:len(history)-1]
		if len(contextMsgs) > 5 {
			contextMsgs = contextMsgs[len(contextMsgs)-5:]
		}
		msgs := o.redactMessages(contextMsgs)
		last, _ := o.redactor.Redact(lastPatient)
		ops = append(ops, func(ctx context.Context) opResult {
			r := opResult{name: "smart_replies"}
			r.replies, r.err = o.gen.SuggestReplies(ctx, msgs, last)
			return r
		})
	}

	if opts.IncludeKnowledge && hasPatient {
		query, _ := o.redactor.Redact(lastPatient)
		ops = append(ops, func(ctx context.Context) opResult {
			r := opResult{name: "knowledge"}
			r.knowledge, r.err = o.gen.KnowledgeSnippet(ctx, query)
			return r
		})
	}

	results := o.runParallel(ctx, ops)

	for _, r := range results {
		if r.err != nil {
			o.opFailures.Add(1)
			o.logger.Warn("assist operation failed",
				"operation", r.name,
				"conversation_id", conversationID,
				"error", r.err,
			)
			continue
		}
		o.opSuccesses.Add(1)
		switch {
		case r.summary != nil:
			resp.Summary = r.summary.Summary
		case r.replies != nil:
			resp.SmartReplies = r.replies.Replies
		case r.knowledge != nil:
			resp.KnowledgeSnippets = []generation.KnowledgeResult{*r.knowledge}
		}
	}

	// The action heuristic runs over raw history and never depends on
	// generation outcomes.
	resp.NextBestAction = o.selector.NextAction(history)
	resp.Confidence = o.overallConfidence(resp)

	o.logger.Info("agent assist generated",
		"conversation_id", conversationID,
		"operations", len(ops),
		"confidence", resp.Confidence,
	)
	return resp, nil
}

// runParallel executes the operations concurrently with a bounded worker
// cap, each under its own timeout, writing results into indexed slots.
// All operations settle; a failure or timeout never cancels siblings.
func (o *Orchestrator) runParallel(ctx context.Context, ops []func(context.Context) opResult) []opResult {
	results := make([]opResult, len(ops))
	sem := make(chan struct{}, o.cfg.MaxParallel)
	var wg sync.WaitGroup
	for i, op := range ops {
		wg.Add(1)
		go func(idx int, run func(context.Context) opResult) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			opCtx, cancel := context.WithTimeout(ctx, o.cfg.OperationTimeout)
			defer cancel()
			results[idx] = run(opCtx)
		}(i, op)
	}
	wg.Wait()
	return results
}

// overallConfidence averages one representative score per produced signal:
// the mean reply confidence, a constant for knowledge presence, a constant
// for summary presence. No signals means the neutral default.
func (o *Orchestrator) overallConfidence(resp *Response) float64 {
	var scores []float64
	if len(resp.SmartReplies) > 0 {
		sum := 0.0
		for _, r := range resp.SmartReplies {
			sum += r.Confidence
		}
		scores = append(scores, sum/float64(len(resp.SmartReplies)))
	}
	if len(resp.KnowledgeSnippets) > 0 {
		scores = append(scores, o.cfg.Constants.KnowledgeRelevance)
	}
	if resp.Summary != "" {
		scores = append(scores, o.cfg.Constants.SummaryConfidence)
	}
	if len(scores) == 0 {
		return defaultConfidence
	}
	total := 0.0
	for _, s := range scores {
		total += s
	}
	return total / float64(len(scores))
}

// Counters returns the running request totals.
func (o *Orchestrator) Counters() Counters {
	return Counters{
		Requests:    o.requests.Load(),
		OpFailures:  o.opFailures.Load(),
		OpSuccesses: o.opSuccesses.Load(),
	}
}

func (o *Orchestrator) redactMessages(msgs []conversation.Message) []conversation.Message {
	out := make([]conversation.Message, len(msgs))
	for i, m := range msgs {
		text, _ := o.redactor.Redact(m.Text)
		out[i] = conversation.Message{Role: m.Role, Text: text, Timestamp: m.Timestamp}
	}
	return out
}

// lastPatientMessage scans newest to oldest for the most recent patient
// message.
func lastPatientMessage(history []conversation.Message) (string, bool) {
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == conversation.RolePatient {
			return history[i].Text, true
		}
	}
	return "", false
}
