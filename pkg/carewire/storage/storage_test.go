package storage

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rfontaine/carewire/pkg/carewire/conversation"
	"github.com/rfontaine/carewire/pkg/carewire/redact"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openTestStore(t *testing.T) *Store {
	t.Helper()
	cfg := Config{
		Driver: DriverSQLite,
		Path:   filepath.Join(t.TempDir(), "test.db"),
	}
	store, err := Open(cfg, testLogger())
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpen_SQLite(t *testing.T) {
	store := openTestStore(t)

	if err := store.Ping(context.Background()); err != nil {
		t.Fatalf("Ping failed: %v", err)
	}

	version, err := store.currentVersion()
	if err != nil {
		t.Fatalf("currentVersion failed: %v", err)
	}
	if version < 1 {
		t.Errorf("expected version >= 1, got %d", version)
	}

	status := store.Status()
	if healthy, ok := status["healthy"].(bool); !ok || !healthy {
		t.Error("expected healthy status")
	}
	if status["driver"] != DriverSQLite {
		t.Errorf("driver = %v, want %s", status["driver"], DriverSQLite)
	}
}

func TestOpen_MigrationIsIdempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.db")

	first, err := Open(Config{Driver: DriverSQLite, Path: path}, testLogger())
	if err != nil {
		t.Fatalf("first Open failed: %v", err)
	}
	first.Close()

	second, err := Open(Config{Driver: DriverSQLite, Path: path}, testLogger())
	if err != nil {
		t.Fatalf("second Open failed: %v", err)
	}
	defer second.Close()

	version, err := second.currentVersion()
	if err != nil {
		t.Fatalf("currentVersion failed: %v", err)
	}
	if version != schemaVersion {
		t.Errorf("version = %d, want %d", version, schemaVersion)
	}
}

func TestOpen_UnsupportedDriver(t *testing.T) {
	if _, err := Open(Config{Driver: "oracle"}, testLogger()); err == nil {
		t.Fatal("want error for unsupported driver")
	}
}

func TestStore_Rebind(t *testing.T) {
	pg := &Store{driver: DriverPostgres}
	got := pg.Rebind("INSERT INTO t (a, b) VALUES (?, ?)")
	want := "INSERT INTO t (a, b) VALUES ($1, $2)"
	if got != want {
		t.Errorf("Rebind = %q, want %q", got, want)
	}

	lite := &Store{driver: DriverSQLite}
	q := "SELECT * FROM t WHERE a = ?"
	if got := lite.Rebind(q); got != q {
		t.Errorf("sqlite Rebind altered query: %q", got)
	}
}

func TestArchiver_RoundTrip(t *testing.T) {
	store := openTestStore(t)
	redactor, err := redact.New()
	if err != nil {
		t.Fatalf("redact.New failed: %v", err)
	}
	archiver := NewArchiver(store, redactor, testLogger())

	ts := time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)
	rec := conversation.Record{
		ID: "conv-arch-1",
		Messages: []conversation.Message{
			{Role: conversation.RolePatient, Text: "My SSN is 123-45-6789", Timestamp: ts},
			{Role: conversation.RoleAgent, Text: "Thanks, verifying now", Timestamp: ts.Add(time.Minute)},
		},
	}

	archiveID, err := archiver.ArchiveConversation(context.Background(), rec)
	if err != nil {
		t.Fatalf("ArchiveConversation failed: %v", err)
	}
	if archiveID == "" {
		t.Fatal("archive ID is empty")
	}

	loaded, err := store.LoadArchive(context.Background(), archiveID)
	if err != nil {
		t.Fatalf("LoadArchive failed: %v", err)
	}
	if loaded.ConversationID != "conv-arch-1" {
		t.Errorf("conversation ID = %q", loaded.ConversationID)
	}
	if loaded.MessageCount != 2 {
		t.Errorf("message count = %d, want 2", loaded.MessageCount)
	}
	if len(loaded.Transcript) != 2 {
		t.Fatalf("transcript length = %d, want 2", len(loaded.Transcript))
	}
	if strings.Contains(loaded.Transcript[0].Text, "123-45-6789") {
		t.Error("raw SSN reached the archive")
	}
	if !strings.Contains(loaded.Transcript[0].Text, "[REDACTED_SSN]") {
		t.Errorf("transcript[0] = %q, want ssn placeholder", loaded.Transcript[0].Text)
	}
	if loaded.Transcript[1].Text != "Thanks, verifying now" {
		t.Errorf("transcript[1] = %q, want unchanged text", loaded.Transcript[1].Text)
	}
	if loaded.RedactionCounts["ssn"] != 1 {
		t.Errorf("redaction counts = %v, want ssn:1", loaded.RedactionCounts)
	}

	n, err := store.ArchiveCount(context.Background(), "conv-arch-1")
	if err != nil {
		t.Fatalf("ArchiveCount failed: %v", err)
	}
	if n != 1 {
		t.Errorf("archive count = %d, want 1", n)
	}
}

func TestStore_LoadArchiveMissing(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.LoadArchive(context.Background(), "nope"); err == nil {
		t.Fatal("want error for missing archive")
	}
}
