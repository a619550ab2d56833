package assist

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rfontaine/carewire/pkg/carewire/conversation"
	"github.com/rfontaine/carewire/pkg/carewire/generation"
	"github.com/rfontaine/carewire/pkg/carewire/redact"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeCapability records inputs and returns canned results, with optional
// per-operation errors and an optional context-aware delay.
type fakeCapability struct {
	mu sync.Mutex

	summaryErr   error
	repliesErr   error
	knowledgeErr error
	delay        time.Duration

	summarizeCalls int
	repliesCalls   int
	knowledgeCalls int

	lastSummarizeInput []conversation.Message
	lastRepliesContext []conversation.Message
	lastRepliesMessage string
	lastKnowledgeQuery string
}

func (f *fakeCapability) wait(ctx context.Context) error {
	if f.delay == 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(f.delay):
		return nil
	}
}

func (f *fakeCapability) Summarize(ctx context.Context, messages []conversation.Message) (*generation.SummaryResult, error) {
	f.mu.Lock()
	f.summarizeCalls++
	f.lastSummarizeInput = messages
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.summaryErr != nil {
		return nil, f.summaryErr
	}
	return &generation.SummaryResult{Summary: "- canned summary", MessageCount: len(messages), Model: "fake"}, nil
}

func (f *fakeCapability) SuggestReplies(ctx context.Context, contextMessages []conversation.Message, lastMessage string) (*generation.ReplyResult, error) {
	f.mu.Lock()
	f.repliesCalls++
	f.lastRepliesContext = contextMessages
	f.lastRepliesMessage = lastMessage
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.repliesErr != nil {
		return nil, f.repliesErr
	}
	return &generation.ReplyResult{
		Replies: []generation.Reply{
			{Text: "Sure, I can help.", Confidence: 0.85},
			{Text: "Let me check that.", Confidence: 0.80},
			{Text: "One moment please.", Confidence: 0.75},
		},
		Model: "fake",
	}, nil
}

func (f *fakeCapability) KnowledgeSnippet(ctx context.Context, query string) (*generation.KnowledgeResult, error) {
	f.mu.Lock()
	f.knowledgeCalls++
	f.lastKnowledgeQuery = query
	f.mu.Unlock()
	if err := f.wait(ctx); err != nil {
		return nil, err
	}
	if f.knowledgeErr != nil {
		return nil, f.knowledgeErr
	}
	return &generation.KnowledgeResult{Snippet: "canned snippet", Relevance: 0.85, Model: "fake"}, nil
}

func (f *fakeCapability) ClarifyIntent(ctx context.Context, message, detectedIntent string, confidence float64) (*generation.ClarificationResult, error) {
	return &generation.ClarificationResult{IsCorrect: true, ConfidenceAssessment: "high"}, nil
}

func newTestOrchestrator(t *testing.T, fake *fakeCapability) (*Orchestrator, *conversation.Store) {
	t.Helper()
	store := conversation.NewStore()
	redactor, err := redact.New()
	if err != nil {
		t.Fatalf("redact.New failed: %v", err)
	}
	o := New(store, redactor, fake, NewSelector(nil), Config{}, testLogger())
	return o, store
}

func TestOrchestrator_EmptyConversation(t *testing.T) {
	fake := &fakeCapability{}
	o, _ := newTestOrchestrator(t, fake)

	resp, err := o.Generate(context.Background(), "empty-conv", AllOptions())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if resp.ConversationID != "empty-conv" {
		t.Errorf("ConversationID = %q", resp.ConversationID)
	}
	if resp.Timestamp.IsZero() {
		t.Error("Timestamp not set")
	}
	if resp.Summary != "" || resp.SmartReplies != nil || resp.KnowledgeSnippets != nil {
		t.Errorf("optional fields populated for empty conversation: %+v", resp)
	}
	if resp.NextBestAction != "" {
		t.Errorf("NextBestAction = %q, want empty", resp.NextBestAction)
	}
	if resp.Confidence != 0.5 {
		t.Errorf("Confidence = %v, want 0.5", resp.Confidence)
	}
	if fake.summarizeCalls+fake.repliesCalls+fake.knowledgeCalls != 0 {
		t.Error("generation was invoked for an empty conversation")
	}
}

func TestOrchestrator_FullAssist(t *testing.T) {
	fake := &fakeCapability{}
	o, store := newTestOrchestrator(t, fake)

	store.Append("c", conversation.RolePatient, "hello", time.Time{})
	store.Append("c", conversation.RoleAgent, "hi, how can I help?", time.Time{})
	store.Append("c", conversation.RolePatient, "I need to schedule an appointment", time.Time{})

	resp, err := o.Generate(context.Background(), "c", AllOptions())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if resp.Summary != "- canned summary" {
		t.Errorf("Summary = %q", resp.Summary)
	}
	if len(resp.SmartReplies) != 3 {
		t.Errorf("SmartReplies len = %d, want 3", len(resp.SmartReplies))
	}
	if len(resp.KnowledgeSnippets) != 1 {
		t.Errorf("KnowledgeSnippets len = %d, want 1", len(resp.KnowledgeSnippets))
	}
	if resp.NextBestAction != "Offer available appointment slots" {
		t.Errorf("NextBestAction = %q", resp.NextBestAction)
	}

	// mean(reply mean 0.80, knowledge 0.85, summary 0.90) = 0.85
	if diff := resp.Confidence - 0.85; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Confidence = %v, want 0.85", resp.Confidence)
	}
}

func TestOrchestrator_SummaryNeedsThreeMessages(t *testing.T) {
	fake := &fakeCapability{}
	o, store := newTestOrchestrator(t, fake)

	store.Append("c", conversation.RoleAgent, "hello", time.Time{})
	store.Append("c", conversation.RolePatient, "hi, about my bill", time.Time{})

	resp, err := o.Generate(context.Background(), "c", AllOptions())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if fake.summarizeCalls != 0 {
		t.Error("Summarize invoked below the three-message threshold")
	}
	if resp.Summary != "" {
		t.Errorf("Summary = %q, want empty", resp.Summary)
	}
	if fake.repliesCalls != 1 || fake.knowledgeCalls != 1 {
		t.Errorf("calls = replies %d, knowledge %d; want 1 each", fake.repliesCalls, fake.knowledgeCalls)
	}
}

func TestOrchestrator_NoPatientMessage(t *testing.T) {
	fake := &fakeCapability{}
	o, store := newTestOrchestrator(t, fake)

	store.Append("c", conversation.RoleAgent, "checking in", time.Time{})
	store.Append("c", conversation.RoleSystem, "agent joined", time.Time{})
	store.Append("c", conversation.RoleAgent, "anyone there?", time.Time{})

	resp, err := o.Generate(context.Background(), "c", AllOptions())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if fake.repliesCalls != 0 || fake.knowledgeCalls != 0 {
		t.Error("replies/knowledge invoked without a patient message")
	}
	if fake.summarizeCalls != 1 {
		t.Errorf("summarizeCalls = %d, want 1", fake.summarizeCalls)
	}
	if resp.SmartReplies != nil || resp.KnowledgeSnippets != nil {
		t.Errorf("unexpected fields: %+v", resp)
	}
}

func TestOrchestrator_PartialFailure(t *testing.T) {
	fake := &fakeCapability{repliesErr: errors.New("upstream exploded")}
	o, store := newTestOrchestrator(t, fake)

	store.Append("c", conversation.RolePatient, "hello", time.Time{})
	store.Append("c", conversation.RoleAgent, "hi", time.Time{})
	store.Append("c", conversation.RolePatient, "what do my test results say", time.Time{})

	resp, err := o.Generate(context.Background(), "c", AllOptions())
	if err != nil {
		t.Fatalf("Generate returned error on partial failure: %v", err)
	}
	if resp.SmartReplies != nil {
		t.Error("SmartReplies present despite failure")
	}
	if resp.Summary == "" || len(resp.KnowledgeSnippets) != 1 {
		t.Errorf("sibling results missing: %+v", resp)
	}
	if resp.NextBestAction != "Verify results are available and offer to send securely" {
		t.Errorf("NextBestAction = %q", resp.NextBestAction)
	}

	// mean(knowledge 0.85, summary 0.90) = 0.875
	if diff := resp.Confidence - 0.875; diff > 1e-9 || diff < -1e-9 {
		t.Errorf("Confidence = %v, want 0.875", resp.Confidence)
	}

	c := o.Counters()
	if c.OpFailures != 1 || c.OpSuccesses != 2 {
		t.Errorf("counters = %+v", c)
	}
}

func TestOrchestrator_RedactsBeforeGeneration(t *testing.T) {
	fake := &fakeCapability{}
	o, store := newTestOrchestrator(t, fake)

	store.Append("c", conversation.RoleAgent, "can I have your details", time.Time{})
	store.Append("c", conversation.RolePatient, "sure, call me at 555-123-4567", time.Time{})
	store.Append("c", conversation.RolePatient, "my SSN is 123-45-6789", time.Time{})

	if _, err := o.Generate(context.Background(), "c", AllOptions()); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	for _, m := range fake.lastSummarizeInput {
		if strings.ContainsAny(m.Text, "0123456789") {
			t.Errorf("unredacted digits reached Summarize: %q", m.Text)
		}
	}
	if !strings.Contains(fake.lastRepliesMessage, "[REDACTED_SSN]") {
		t.Errorf("last message not redacted: %q", fake.lastRepliesMessage)
	}
	for _, m := range fake.lastRepliesContext {
		if strings.ContainsAny(m.Text, "0123456789") {
			t.Errorf("unredacted digits reached reply context: %q", m.Text)
		}
	}
	if strings.ContainsAny(fake.lastKnowledgeQuery, "0123456789") {
		t.Errorf("unredacted digits reached knowledge query: %q", fake.lastKnowledgeQuery)
	}
}

func TestOrchestrator_ReplyContextExcludesLastAndTruncates(t *testing.T) {
	fake := &fakeCapability{}
	o, store := newTestOrchestrator(t, fake)

	texts := []string{"m1", "m2", "m3", "m4", "m5", "m6"}
	for _, txt := range texts {
		store.Append("c", conversation.RoleAgent, txt, time.Time{})
	}
	store.Append("c", conversation.RolePatient, "final question", time.Time{})

	if _, err := o.Generate(context.Background(), "c", AllOptions()); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}

	if len(fake.lastRepliesContext) != 5 {
		t.Fatalf("context len = %d, want 5", len(fake.lastRepliesContext))
	}
	for _, m := range fake.lastRepliesContext {
		if m.Text == "final question" {
			t.Error("context includes the final message")
		}
	}
	if fake.lastRepliesContext[0].Text != "m2" {
		t.Errorf("context starts at %q, want m2", fake.lastRepliesContext[0].Text)
	}
	if fake.lastRepliesMessage != "final question" {
		t.Errorf("last message = %q", fake.lastRepliesMessage)
	}
}

func TestOrchestrator_AllOptionsDisabled(t *testing.T) {
	fake := &fakeCapability{}
	o, store := newTestOrchestrator(t, fake)

	store.Append("c", conversation.RolePatient, "I want to book something", time.Time{})

	resp, err := o.Generate(context.Background(), "c", Options{})
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if fake.summarizeCalls+fake.repliesCalls+fake.knowledgeCalls != 0 {
		t.Error("generation invoked with all options disabled")
	}
	if resp.NextBestAction != "Offer available appointment slots" {
		t.Errorf("NextBestAction = %q (heuristic must run regardless)", resp.NextBestAction)
	}
	if resp.Confidence != 0.5 {
		t.Errorf("Confidence = %v, want 0.5", resp.Confidence)
	}
}

func TestOrchestrator_OperationTimeout(t *testing.T) {
	fake := &fakeCapability{delay: 5 * time.Second}
	store := conversation.NewStore()
	redactor, _ := redact.New()
	o := New(store, redactor, fake, NewSelector(nil), Config{OperationTimeout: 30 * time.Millisecond}, testLogger())

	store.Append("c", conversation.RolePatient, "hello", time.Time{})
	store.Append("c", conversation.RoleAgent, "hi", time.Time{})
	store.Append("c", conversation.RolePatient, "still there?", time.Time{})

	start := time.Now()
	resp, err := o.Generate(context.Background(), "c", AllOptions())
	if err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Generate took %v, timeouts not enforced", elapsed)
	}
	if resp.Summary != "" || resp.SmartReplies != nil || resp.KnowledgeSnippets != nil {
		t.Errorf("timed-out operations produced fields: %+v", resp)
	}
	if resp.Confidence != 0.5 {
		t.Errorf("Confidence = %v, want 0.5", resp.Confidence)
	}
	if resp.NextBestAction == "" {
		t.Error("NextBestAction missing after timeouts")
	}
}

func TestOrchestrator_OperationsRunConcurrently(t *testing.T) {
	fake := &fakeCapability{delay: 100 * time.Millisecond}
	o, store := newTestOrchestrator(t, fake)

	store.Append("c", conversation.RolePatient, "hello", time.Time{})
	store.Append("c", conversation.RoleAgent, "hi", time.Time{})
	store.Append("c", conversation.RolePatient, "question about my medication", time.Time{})

	start := time.Now()
	if _, err := o.Generate(context.Background(), "c", AllOptions()); err != nil {
		t.Fatalf("Generate failed: %v", err)
	}
	elapsed := time.Since(start)

	// Three 100ms operations run in parallel; serial execution would take
	// at least 300ms.
	if elapsed > 280*time.Millisecond {
		t.Errorf("Generate took %v, operations appear serialized", elapsed)
	}
}
