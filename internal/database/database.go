// Package database is the relational store for wallets, the credit ledger,
// reservations and approval history. It runs on SQLite for local use and
// tests, and on PostgreSQL in production.
package database

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"

	"github.com/jordanhubbard/lomu/pkg/config"
)

// Dialect names the SQL backend behind a Database.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

// Database represents the lomu database
type Database struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the backend selected by cfg. It returns nil, nil for the
// memory backend so callers can fall back to in-process stores.
func Open(cfg config.DatabaseConfig) (*Database, error) {
	switch cfg.Type {
	case "postgres":
		return NewPostgres(cfg.DSN)
	case "sqlite", "":
		return New(cfg.Path)
	case "memory":
		return nil, nil
	default:
		return nil, fmt.Errorf("unsupported database type %q", cfg.Type)
	}
}

// New opens a SQLite database at dbPath and initializes the schema.
func New(dbPath string) (*Database, error) {
	dsn := dbPath
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// SQLite allows one writer; a single connection keeps every
	// transaction serialized and makes :memory: databases shared.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	d := &Database{db: db, dialect: DialectSQLite}
	if err := d.initSchema(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return d, nil
}

// Close closes the database connection
func (d *Database) Close() error {
	return d.db.Close()
}

// DB exposes the underlying handle for components that keep their own
// tables, such as the audit log.
func (d *Database) DB() *sql.DB {
	return d.db
}

// Dialect reports which backend this database talks to.
func (d *Database) Dialect() Dialect {
	return d.dialect
}

// q adapts a query written with ? placeholders to the active dialect.
func (d *Database) q(query string) string {
	if d.dialect == DialectPostgres {
		return Rebind(query)
	}
	return query
}

// Rebind converts ? placeholders to $1, $2, ... for PostgreSQL.
func Rebind(query string) string {
	n := 1
	out := strings.Builder{}
	for _, ch := range query {
		if ch == '?' {
			out.WriteString(fmt.Sprintf("$%d", n))
			n++
		} else {
			out.WriteRune(ch)
		}
	}
	return out.String()
}

func (d *Database) initSchema(schema string) error {
	for _, stmt := range strings.Split(schema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS wallets (
	user_id TEXT PRIMARY KEY,
	available_credits INTEGER NOT NULL DEFAULT 0 CHECK (available_credits >= 0),
	reserved_credits INTEGER NOT NULL DEFAULT 0 CHECK (reserved_credits >= 0),
	last_top_up_at DATETIME,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);

CREATE TABLE IF NOT EXISTS ledger_entries (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	user_id TEXT NOT NULL,
	delta_credits INTEGER NOT NULL,
	usd_amount REAL,
	source TEXT NOT NULL,
	reference_id TEXT,
	metadata_json TEXT,
	created_at DATETIME NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_ledger_user ON ledger_entries(user_id, id);

CREATE TABLE IF NOT EXISTS credit_reservations (
	id TEXT PRIMARY KEY,
	user_id TEXT NOT NULL,
	run_id TEXT NOT NULL,
	credits INTEGER NOT NULL,
	used INTEGER NOT NULL DEFAULT 0,
	status TEXT NOT NULL,
	created_at DATETIME NOT NULL,
	settled_at DATETIME
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
	created_at DATETIME NOT NULL,
	deadline DATETIME NOT NULL,
	resolved_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_approvals_user ON approval_requests(user_id, created_at)
`
