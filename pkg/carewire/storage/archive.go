package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rfontaine/carewire/pkg/carewire/conversation"
	"github.com/rfontaine/carewire/pkg/carewire/redact"
)

// ArchivedMessage is one transcript entry with PHI already stripped.
type ArchivedMessage struct {
	Role      string    `json:"role"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// ArchivedConversation is a stored transcript read back from the archive.
type ArchivedConversation struct {
	ArchiveID       string            `json:"archive_id"`
	ConversationID  string            `json:"conversation_id"`
	ClosedAt        time.Time         `json:"closed_at"`
	MessageCount    int               `json:"message_count"`
	Transcript      []ArchivedMessage `json:"transcript"`
	RedactionCounts map[string]int    `json:"redaction_counts"`
}

// Archiver writes closed conversations to the store. Message text is
// redacted before it reaches the database; raw PHI is never persisted.
type Archiver struct {
	store    *Store
	redactor *redact.Redactor
	logger   *slog.Logger
	now      func() time.Time
}

// NewArchiver builds an archiver over the given store.
func NewArchiver(store *Store, redactor *redact.Redactor, logger *slog.Logger) *Archiver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Archiver{
		store:    store,
		redactor: redactor,
		logger:   logger.With("component", "archive"),
		now:      time.Now,
	}
}

// ArchiveConversation redacts and stores a closed conversation, returning
// the archive ID.
func (a *Archiver) ArchiveConversation(ctx context.Context, rec conversation.Record) (string, error) {
	transcript := make([]ArchivedMessage, 0, len(rec.Messages))
	totals := map[string]int{}
	for _, msg := range rec.Messages {
		clean, counts := a.redactor.Redact(msg.Text)
		for category, n := range counts {
			totals[category] += n
		}
		transcript = append(transcript, ArchivedMessage{
			Role:      msg.Role,
			Text:      clean,
			Timestamp: msg.Timestamp,
		})
	}

	transcriptJSON, err := json.Marshal(transcript)
	if err != nil {
		return "", fmt.Errorf("encode transcript: %w", err)
	}
	countsJSON, err := json.Marshal(totals)
	if err != nil {
		return "", fmt.Errorf("encode redaction counts: %w", err)
	}

	archiveID := uuid.NewString()
	_, err = a.store.db.ExecContext(ctx,
		a.store.Rebind(`INSERT INTO conversation_archives
			(archive_id, conversation_id, closed_at, message_count, transcript_json, redaction_counts_json)
			VALUES (?, ?, ?, ?, ?, ?)`),
		archiveID, rec.ID, a.now().UTC().Format(time.RFC3339), len(rec.Messages),
		string(transcriptJSON), string(countsJSON),
	)
	if err != nil {
		return "", fmt.Errorf("insert archive: %w", err)
	}

	a.logger.Info("conversation archived",
		"conversation_id", rec.ID,
		"archive_id", archiveID,
		"messages", len(rec.Messages))
	return archiveID, nil
}

// LoadArchive reads a stored transcript back by archive ID.
func (s *Store) LoadArchive(ctx context.Context, archiveID string) (*ArchivedConversation, error) {
	row := s.db.QueryRowContext(ctx,
		s.Rebind(`SELECT archive_id, conversation_id, closed_at, message_count, transcript_json, redaction_counts_json
			FROM conversation_archives WHERE archive_id = ?`),
		archiveID,
	)

	var (
		arc       ArchivedConversation
		closedAt  string
		transJSON string
		countJSON string
	)
	if err := row.Scan(&arc.ArchiveID, &arc.ConversationID, &closedAt, &arc.MessageCount, &transJSON, &countJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, fmt.Errorf("archive %s not found", archiveID)
		}
		return nil, fmt.Errorf("load archive: %w", err)
	}

	arc.ClosedAt, _ = time.Parse(time.RFC3339, closedAt)
	if err := json.Unmarshal([]byte(transJSON), &arc.Transcript); err != nil {
		return nil, fmt.Errorf("decode transcript: %w", err)
	}
	if err := json.Unmarshal([]byte(countJSON), &arc.RedactionCounts); err != nil {
		return nil, fmt.Errorf("decode redaction counts: %w", err)
	}
	return &arc, nil
}

// ArchiveCount reports how many archives exist for a conversation.
func (s *Store) ArchiveCount(ctx context.Context, conversationID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		s.Rebind("SELECT COUNT(*) FROM conversation_archives WHERE conversation_id = ?"),
		conversationID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count archives: %w", err)
	}
	return n, nil
}
