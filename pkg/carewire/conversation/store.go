// Package conversation tracks in-flight contact-center conversations in
// process memory. The store is the single owner of live transcripts; nothing
// here persists across restarts. Closed conversations are handed back to the
// caller so the archive layer can decide what outlives the process.
package conversation

import (
	"sync"
	"time"
)

// Roles the assist pipeline interprets. Other role strings are stored
// verbatim but carry no special meaning.
const (
	RolePatient = "patient"
	RoleAgent   = "agent"
	RoleSystem  = "system"
)

// Message is one utterance in a conversation. Immutable once appended.
type Message struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// Record is a point-in-time snapshot of one tracked conversation.
type Record struct {
	ID           string    `json:"conversation_id"`
	Messages     []Message `json:"messages"`
	StartedAt    time.Time `json:"started_at"`
	LastActivity time.Time `json:"last_activity"`
}

// Metrics summarizes the store for the metrics endpoint and the scheduler
// snapshot job.
type Metrics struct {
	ActiveConversations        int     `json:"active_conversations"`
	TotalMessages              int     `json:"total_messages"`
	AvgMessagesPerConversation float64 `json:"avg_messages_per_conversation"`
}

type entry struct {
	messages     []Message
	startedAt    time.Time
	lastActivity time.Time
}

// Store holds active conversations keyed by caller-supplied ID. All methods
// are safe for concurrent use; appends to a single conversation are
// serialized, reads never block reads.
type Store struct {
	mu    sync.RWMutex
	convs map[string]*entry

	// now is swappable so tests can control time.
	now func() time.Time
}

// NewStore creates an empty store.
func NewStore() *Store {
	return &Store{
		convs: make(map[string]*entry),
		now:   time.Now,
	}
}

// Register starts tracking a conversation with an empty history. Registering
// an already-tracked ID is a no-op; existing history is preserved.
func (s *Store) Register(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.register(id)
}

// register must be called with the write lock held.
func (s *Store) register(id string) *entry {
	if e, ok := s.convs[id]; ok {
		return e
	}
	now := s.now().UTC()
	e := &entry{startedAt: now, lastActivity: now}
	s.convs[id] = e
	return e
}

// Append adds one message to a conversation, creating the conversation if it
// is not yet tracked. A zero timestamp is defaulted to the current UTC time.
func (s *Store) Append(id, role, text string, ts time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e := s.register(id)
	if ts.IsZero() {
		ts = s.now().UTC()
	} else {
		ts = ts.UTC()
	}
	e.messages = append(e.messages, Message{Role: role, Text: text, Timestamp: ts})
	e.lastActivity = s.now().UTC()
}

// History returns a copy of the conversation's messages in append order.
// When limit > 0 only the most recent limit messages are returned, still in
// original order. An unknown ID yields an empty slice, never an error.
func (s *Store) History(id string, limit int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.convs[id]
	if !ok {
		return []Message{}
	}
	msgs := e.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]Message, len(msgs))
	copy(out, msgs)
	return out
}

// Close stops tracking a conversation and returns its final snapshot for
// archiving. The second return is false when the ID was not tracked; closing
// twice is harmless.
func (s *Store) Close(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.convs[id]
	if !ok {
		return Record{}, false
	}
	delete(s.convs, id)
	return snapshot(id, e), true
}

// Prune closes every conversation idle longer than maxIdle and returns their
// final snapshots. Idle time is measured from the last append or register,
// not from message timestamps, so replayed history cannot age a live
// conversation out.
func (s *Store) Prune(maxIdle time.Duration) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	cutoff := s.now().UTC().Add(-maxIdle)
	var removed []Record
	for id, e := range s.convs {
		if e.lastActivity.Before(cutoff) {
			removed = append(removed, snapshot(id, e))
			delete(s.convs, id)
		}
	}
	return removed
}

// Metrics reports the current store totals. The average is 0 when nothing is
// tracked.
func (s *Store) Metrics() Metrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	m := Metrics{ActiveConversations: len(s.convs)}
	for _, e := range s.convs {
		m.TotalMessages += len(e.messages)
	}
	if m.ActiveConversations > 0 {
		m.AvgMessagesPerConversation = float64(m.TotalMessages) / float64(m.ActiveConversations)
	}
	return m
}

func snapshot(id string, e *entry) Record {
	msgs := make([]Message, len(e.messages))
	copy(msgs, e.messages)
	return Record{
		ID:           id,
		Messages:     msgs,
		StartedAt:    e.startedAt,
		LastActivity: e.lastActivity,
	}
}
