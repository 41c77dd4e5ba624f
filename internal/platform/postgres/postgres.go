// Package postgres opens the PostgreSQL pool and owns the schema used by the
// entity registry and audit ledger stores.
package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Schema creates the tables if they do not exist. The audit_log table is
// insert-only; seq records append order.
const Schema = `
CREATE TABLE IF NOT EXISTS entities (
	role                TEXT        NOT NULL,
	id                  TEXT        NOT NULL,
	name                TEXT        NOT NULL DEFAULT '',
	email               TEXT        NOT NULL DEFAULT '',
	phone               TEXT        NOT NULL DEFAULT '',
	verification_status TEXT        NOT NULL,
	account_status      TEXT        NOT NULL,
	registered_at       TIMESTAMPTZ NOT NULL,
	documents           JSONB       NOT NULL DEFAULT '{}'::jsonb,
	version             BIGINT      NOT NULL DEFAULT 1,
	updated_at          TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (role, id)
);

CREATE TABLE IF NOT EXISTS audit_log (
	seq             BIGSERIAL   PRIMARY KEY,
	id              UUID        NOT NULL UNIQUE,
	entity_type     TEXT        NOT NULL,
	entity_id       TEXT        NOT NULL,
	action          TEXT        NOT NULL,
	verifier_id     TEXT        NOT NULL,
	verifier_name   TEXT        NOT NULL DEFAULT '',
	reason          TEXT,
	notes           TEXT,
	timestamp       TIMESTAMPTZ NOT NULL,
	idempotency_key TEXT        UNIQUE
);

CREATE INDEX IF NOT EXISTS audit_log_entity_idx ON audit_log (entity_type, entity_id);
CREATE INDEX IF NOT EXISTS audit_log_verifier_idx ON audit_log (verifier_id, timestamp);
CREATE INDEX IF NOT EXISTS audit_log_timestamp_idx ON audit_log (timestamp);
`

// Config controls the connection pool.
type Config struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// Open connects to PostgreSQL and verifies the connection.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	db, err := sql.Open("postgres", cfg.URL)
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
		return nil, fmt.Errorf("postgres ping failed: %w", err)
	}
	return db, nil
}

// EnsureSchema applies Schema.
func EnsureSchema(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
