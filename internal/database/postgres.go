package database

import (
	"database/sql"
	"fmt"

	_ "github.com/lib/pq"
)

// NewPostgres creates a PostgreSQL database connection.
func NewPostgres(dsn string) (*Database, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres: %w", err)
	}

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	d := &Database{db: db, dialect: DialectPostgres}

	if err := d.initSchema(postgresSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	return d, nil
}

const postgresSchema = `
CREATE TABLE IF NOT EXISTS wallets (
	user_id TEXT PRIMARY KEY,
	available_credits BIGINT NOT NULL DEFAULT 0 CHECK (available_credits >= 0),
	reserved_credits BIGINT NOT NULL DEFAULT 0 CHECK (reserved_credits >= 0),
	last_top_up_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id BIGSERIAL PRIMARY KEY,
	user_id TEXT NOT NULL,
	delta_credits BIGINT NOT NULL,
	usd_amount NUMERIC(12, 4),
	source TEXT NOT NULL,
	reference_id TEXT,
	metadata_json TEXT,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id, id);

CREATE TABLE IF NOT EXISTS credit_reservations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	credits BIGINT NOT NULL,
	used BIGINT NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL,
	settled_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_reservations_run ON credit_reservations(user_id, run_id);
CREATE INDEX IF NOT EXISTS idx_reservations_status ON credit_reservations(status, created_at);

CREATE TABLE IF NOT EXISTS approval_requests (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	operation TEXT NOT NULL,
	resources_json TEXT,
	status TEXT NOT NULL,
	reason TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	deadline TIMESTAMPTZ NOT NULL,
	resolved_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_approvals_user ON approval_requests(user_id, created_at)
`
