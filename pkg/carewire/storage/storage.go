// Package storage persists closed-conversation archives and the SQL-backed
// CRM records behind a single driver-selected store.
package storage

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const schemaVersion = 1

// Config holds storage configuration.
type Config struct {
	Driver         string `yaml:"driver"`
	Path           string `yaml:"path"`
	DSN            string `yaml:"dsn"`
	ArchiveEnabled bool   `yaml:"archive_enabled"`
	JournalMode    string `yaml:"journal_mode"`
	BusyTimeoutMs  int    `yaml:"busy_timeout_ms"`
	MaxOpenConns   int    `yaml:"max_open_conns"`
	MaxIdleConns   int    `yaml:"max_idle_conns"`
}

// Effective returns the config with defaults applied.
func (c Config) Effective() Config {
	out := c
	if out.Driver == "" {
		out.Driver = DriverSQLite
	}
	if out.Path == "" {
		out.Path = "./data/carewire.db"
	}
	if out.JournalMode == "" {
		out.JournalMode = "WAL"
	}
	if out.BusyTimeoutMs == 0 {
		out.BusyTimeoutMs = 5000
	}
	if out.MaxOpenConns == 0 {
		out.MaxOpenConns = 25
	}
	if out.MaxIdleConns == 0 {
		out.MaxIdleConns = 10
	}
	return out
}

// Store wraps the database connection for the selected driver.
type Store struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

// Open opens the configured database and applies pending migrations.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	cfg = cfg.Effective()
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "storage")

	var (
		db  *sql.DB
		err error
	)
	switch cfg.Driver {
	case DriverSQLite:
		db, err = openSQLite(cfg)
	case DriverPostgres:
		db, err = openPostgres(cfg)
	default:
		return nil, fmt.Errorf("unsupported storage driver: %s (supported: sqlite, postgres)", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	s := &Store{db: db, driver: cfg.Driver, logger: logger}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	logger.Info("storage opened", "driver", cfg.Driver)
	return s, nil
}

// DB exposes the underlying connection for query layers sharing this store.
func (s *Store) DB() *sql.DB { return s.db }

// Driver returns the active driver name.
func (s *Store) Driver() string { return s.driver }

// Close closes the database connection.
func (s *Store) Close() error { return s.db.Close() }

// Ping checks database connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Status returns pool health details for the health endpoint.
func (s *Store) Status() map[string]any {
	stats := s.db.Stats()
	return map[string]any{
		"healthy":    true,
		"driver":     s.driver,
		"open_conns": stats.OpenConnections,
		"in_use":     stats.InUse,
		"idle":       stats.Idle,
	}
}

// Rebind rewrites ? placeholders to the driver's native form. SQLite takes
// them as-is; PostgreSQL wants $1..$n.
func (s *Store) Rebind(query string) string {
	if s.driver != DriverPostgres {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// migrate creates the schema_version table and applies the current schema.
// DDL is idempotent via IF NOT EXISTS, so rerunning is safe.
func (s *Store) migrate() error {
	versionDDL := `
		CREATE TABLE IF NOT EXISTS schema_version (
			version INTEGER PRIMARY KEY,
			applied_at TEXT NOT NULL
		)
	`
	if _, err := s.db.Exec(versionDDL); err != nil {
		return fmt.Errorf("create schema_version table: %w", err)
	}

	current, err := s.currentVersion()
	if err != nil {
		return err
	}

	var schema string
	switch s.driver {
	case DriverPostgres:
		schema = postgresSchema
	default:
		schema = sqliteSchema
	}
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}

	if current < schemaVersion {
		_, err := s.db.Exec(
			s.Rebind("INSERT INTO schema_version (version, applied_at) VALUES (?, ?)"),
			schemaVersion, time.Now().UTC().Format(time.RFC3339),
		)
		if err != nil {
			return fmt.Errorf("record migration: %w", err)
		}
		s.logger.Info("schema migrated", "version", schemaVersion)
	}
	return nil
}

func (s *Store) currentVersion() (int, error) {
	var version int
	err := s.db.QueryRow("SELECT COALESCE(MAX(version), 0) FROM schema_version").Scan(&version)
	if err != nil {
		if err == sql.ErrNoRows {
			return 0, nil
		}
		return 0, err
	}
	return version, nil
}
