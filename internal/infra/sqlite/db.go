// Package sqlite implements the persistence layer on an embedded SQLite
// database (modernc.org/sqlite, pure Go — no CGO). One DB value implements
// every store interface in the domain package.
//
// Timestamps are stored as INTEGER unix nanoseconds so deadline comparisons
// in SQL and in Go agree exactly.
package sqlite

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/dalali-network/dalali/internal/domain"
)

// DB wraps the SQLite handle and implements the domain store interfaces.
type DB struct {
	db *sql.DB
}

// Open opens (or creates) the database inside dir and applies migrations.
func Open(dir string) (*DB, error) {
	path := filepath.Join(dir, "dalali.db")
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)", path)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	// A single connection serializes writers at the pool level; SQLite
	// would serialize them anyway, this just avoids SQLITE_BUSY churn.
	db.SetMaxOpenConns(1)

	d := &DB{db: db}
	if err := d.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return d, nil
}

// Close closes the underlying handle.
func (d *DB) Close() error { return d.db.Close() }

// Migrations returns the schema migration statements.
// Each string is a single SQL statement (SQLite executes one at a time).
func Migrations() []string {
	return []string{
		// Negotiation sessions
		`CREATE TABLE IF NOT EXISTS sessions (
			id                  TEXT PRIMARY KEY,
			requester_id        TEXT NOT NULL,
			flow_type           TEXT NOT NULL,
			agent_type          TEXT NOT NULL DEFAULT '',
			status              TEXT NOT NULL DEFAULT 'searching',
			request_json        BLOB,
			started_at          INTEGER NOT NULL,
			deadline_at         INTEGER NOT NULL,
			extensions_count    INTEGER NOT NULL DEFAULT 0,
			max_extensions      INTEGER NOT NULL DEFAULT 2,
			selected_quote_id   TEXT,
			broker_profile_id   TEXT,
			cancellation_reason TEXT,
			error_message       TEXT,
			completed_at        INTEGER,
			CHECK (deadline_at > started_at),
			CHECK (extensions_count >= 0 AND extensions_count <= max_extensions)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_requester ON sessions(requester_id, flow_type, status)`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_deadline ON sessions(status, deadline_at)`,

		// Vendor quotes — one per (session, vendor contact)
		`CREATE TABLE IF NOT EXISTS quotes (
			id                TEXT PRIMARY KEY,
			session_id        TEXT NOT NULL REFERENCES sessions(id),
			vendor_profile_id TEXT,
			vendor_contact    TEXT NOT NULL,
			vendor_type       TEXT NOT NULL DEFAULT '',
			vendor_name       TEXT NOT NULL DEFAULT '',
			offer_json        BLOB,
			status            TEXT NOT NULL DEFAULT 'received',
			responded_at      INTEGER NOT NULL,
			expires_at        INTEGER,
			ranking_score     REAL,
			UNIQUE(session_id, vendor_contact)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_quotes_session ON quotes(session_id)`,
		`CREATE INDEX IF NOT EXISTS idx_quotes_expiry ON quotes(status, expires_at)`,

		// Token ledger
		`CREATE TABLE IF NOT EXISTS ledger_accounts (
			profile_id TEXT PRIMARY KEY,
			balance    INTEGER NOT NULL DEFAULT 0,
			pending    INTEGER NOT NULL DEFAULT 0,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			CHECK (balance >= 0),
			CHECK (pending >= 0)
		)`,
		`CREATE TABLE IF NOT EXISTS ledger_entries (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			profile_id TEXT NOT NULL REFERENCES ledger_accounts(profile_id),
			delta      INTEGER NOT NULL,
			type       TEXT NOT NULL,
			metadata   BLOB,
			balance    INTEGER NOT NULL,
			created_at INTEGER NOT NULL,
			CHECK (delta <> 0)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_ledger_entries_profile ON ledger_entries(profile_id, created_at)`,

		// Commission settlement records
		`CREATE TABLE IF NOT EXISTS commission_records (
			id                INTEGER PRIMARY KEY AUTOINCREMENT,
			session_id        TEXT NOT NULL,
			quote_id          TEXT NOT NULL,
			vendor_profile_id TEXT NOT NULL,
			broker_profile_id TEXT NOT NULL,
			amount            INTEGER NOT NULL,
			status            TEXT NOT NULL DEFAULT 'due',
			created_at        INTEGER NOT NULL,
			paid_at           INTEGER,
			UNIQUE(session_id, quote_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_commissions_due ON commission_records(status, created_at)`,

		// Idempotency records
		`CREATE TABLE IF NOT EXISTS idempotency_keys (
			key             TEXT PRIMARY KEY,
			request_hash    TEXT NOT NULL,
			status          TEXT NOT NULL DEFAULT 'pending',
			response_status INTEGER NOT NULL DEFAULT 0,
			response_body   BLOB,
			created_at      INTEGER NOT NULL,
			expires_at      INTEGER
		)`,
		`CREATE INDEX IF NOT EXISTS idx_idempotency_expiry ON idempotency_keys(status, expires_at)`,
	}
}

func (d *DB) migrate() error {
	for _, stmt := range Migrations() {
		if _, err := d.db.Exec(stmt); err != nil {
			return fmt.Errorf("exec %q: %w", firstLine(stmt), err)
		}
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i > 0 {
		return strings.TrimSpace(s[:i])
	}
	return s
}

// ─── Column Helpers ─────────────────────────────────────────────────────────

// nanos converts a time to its stored integer form.
func nanos(t time.Time) int64 { return t.UnixNano() }

// fromNanos converts a stored integer back to a UTC time.
func fromNanos(n int64) time.Time { return time.Unix(0, n).UTC() }

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return nanos(*t)
}

func scanStr(ns sql.NullString) string {
	if ns.Valid {
		return ns.String
	}
	return ""
}

func scanTime(ni sql.NullInt64) *time.Time {
	if !ni.Valid {
		return nil
	}
	t := fromNanos(ni.Int64)
	return &t
}

// activeStatusesIn renders the non-terminal statuses as a SQL IN list.
func activeStatusesIn() string {
	statuses := domain.ActiveStatuses()
	quoted := make([]string, len(statuses))
	for i, s := range statuses {
		quoted[i] = "'" + string(s) + "'"
	}
	return "(" + strings.Join(quoted, ", ") + ")"
}
