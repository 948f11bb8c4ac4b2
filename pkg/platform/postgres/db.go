package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	// Registers the "pgx" database/sql driver.
	_ "github.com/jackc/pgx/v5/stdlib"
)

// Config holds connection pool settings.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to Postgres and verifies the connection.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := sql.Open("pgx", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, Classify(err, "ping postgres")
	}
	return db, nil
}

// Schema creates the tables used by the Postgres stores. Statements are
// idempotent so every process may run them at startup.
const Schema = `
CREATE TABLE IF NOT EXISTS ledger_records (
	subject_id        TEXT PRIMARY KEY,
	balance           BIGINT NOT NULL DEFAULT 0,
	secondary_balance BIGINT NOT NULL DEFAULT 0,
	rank_label        TEXT NOT NULL DEFAULT '',
	path_label        TEXT NOT NULL DEFAULT '',
	created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at        TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS consent_records (
	subject_id    TEXT PRIMARY KEY,
	consent_given BOOLEAN NOT NULL,
	version       TEXT NOT NULL,
	legal_basis   TEXT NOT NULL,
	consent_date  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS audit_records (
	seq          BIGSERIAL,
	id           UUID PRIMARY KEY,
	subject_id   TEXT NOT NULL,
	action       TEXT NOT NULL,
	data_type    TEXT NOT NULL,
	performed_by TEXT NOT NULL,
	purpose      TEXT NOT NULL DEFAULT '',
	details      JSONB,
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS audit_records_subject_created_idx
	ON audit_records (subject_id, created_at DESC, seq DESC);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return Classify(err, "apply schema")
	}
	return nil
}
