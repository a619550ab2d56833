package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func openPostgres(cfg Config) (*sql.DB, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres storage requires a dsn")
	}

	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return db, nil
}

const postgresSchema = `
-- Closed conversation archives
CREATE TABLE IF NOT EXISTS conversation_archives (
    archive_id             TEXT PRIMARY KEY,
    conversation_id        TEXT NOT NULL,
    closed_at              TEXT NOT NULL,
    message_count          INTEGER NOT NULL,
    transcript_json        TEXT NOT NULL,
    redaction_counts_json  TEXT NOT NULL DEFAULT '{}'
);
CREATE INDEX IF NOT EXISTS idx_archives_conversation ON conversation_archives(conversation_id);
CREATE INDEX IF NOT EXISTS idx_archives_closed ON conversation_archives(closed_at);

-- CRM patients
CREATE TABLE IF NOT EXISTS crm_patients (
    patient_id             TEXT PRIMARY KEY,
    name                   TEXT NOT NULL,
    email                  TEXT DEFAULT '',
    phone                  TEXT DEFAULT '',
    date_of_birth          TEXT DEFAULT '',
    insurance_provider     TEXT DEFAULT '',
    primary_care_physician TEXT DEFAULT ''
);

-- CRM interaction history
CREATE TABLE IF NOT EXISTS crm_interactions (
    id         TEXT PRIMARY KEY,
    patient_id TEXT NOT NULL,
    date       TEXT NOT NULL,
    type       TEXT NOT NULL,
    summary    TEXT DEFAULT '',
    provider   TEXT DEFAULT '',
    agent      TEXT DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_interactions_patient ON crm_interactions(patient_id);

-- CRM cases
CREATE TABLE IF NOT EXISTS crm_cases (
    case_id     TEXT PRIMARY KEY,
    patient_id  TEXT NOT NULL,
    subject     TEXT NOT NULL,
    description TEXT DEFAULT '',
    priority    TEXT NOT NULL DEFAULT 'normal',
    status      TEXT NOT NULL DEFAULT 'new',
    created_at  TEXT NOT NULL,
    updated_at  TEXT DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_cases_patient ON crm_cases(patient_id);

-- CRM conversation logs
CREATE TABLE IF NOT EXISTS crm_conversation_logs (
    log_id          TEXT PRIMARY KEY,
    patient_id      TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    summary         TEXT DEFAULT '',
    metadata        TEXT DEFAULT '{}',
    logged_at       TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_conv_logs_patient ON crm_conversation_logs(patient_id);

-- CRM appointments
CREATE TABLE IF NOT EXISTS crm_appointments (
    appointment_id TEXT PRIMARY KEY,
    patient_id     TEXT NOT NULL,
    type           TEXT NOT NULL,
    datetime       TEXT NOT NULL,
    provider       TEXT DEFAULT '',
    provider_id    TEXT DEFAULT '',
    notes          TEXT DEFAULT '',
    status         TEXT NOT NULL DEFAULT 'scheduled',
    created_at     TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_appointments_patient ON crm_appointments(patient_id);

-- CRM insurance records
CREATE TABLE IF NOT EXISTS crm_insurance (
    patient_id     TEXT PRIMARY KEY,
    provider       TEXT DEFAULT '',
    policy_number  TEXT DEFAULT '',
    group_number   TEXT DEFAULT '',
    coverage_type  TEXT DEFAULT '',
    copay          TEXT DEFAULT '',
    deductible     TEXT DEFAULT '',
    deductible_met TEXT DEFAULT '',
    active         BOOLEAN NOT NULL DEFAULT TRUE
);
`
