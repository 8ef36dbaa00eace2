// Package store owns the SQLite connection pool and schema for all
// collections: users, subjects, groups, queue, data and referrals.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

// Config defines SQLite operational parameters.
type Config struct {
	BusyTimeout  time.Duration
	MaxOpenConns int
}

// DefaultConfig returns the recommended pool configuration.
func DefaultConfig() Config {
	return Config{
		BusyTimeout:  5 * time.Second,
		MaxOpenConns: 25,
	}
}

// Querier is satisfied by both *sql.DB and *sql.Tx so collection stores can
// run inside or outside a transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store wraps the database handle.
type Store struct {
	db *sql.DB
}

// Open initializes the SQLite pool with mandatory PRAGMAs and runs
// migrations. PRAGMAs go in the DSN so they apply to every pooled connection.
func Open(dbPath string, cfg Config) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, cfg.BusyTimeout.Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxOpenConns)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// OpenMemory opens a private in-memory database, used by tests. A single
// connection keeps the database alive for the store's lifetime.
func OpenMemory() (*Store, error) {
	return Open(":memory:", Config{
		BusyTimeout:  time.Second,
		MaxOpenConns: 1,
	})
}

// DB exposes the raw handle for queries outside a transaction.
func (s *Store) DB() *sql.DB {
	return s.db
}

// BeginTx starts a transaction. Callers must commit or roll back on every
// exit path; handlers defer a rollback so an early return aborts cleanly.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		uuid TEXT PRIMARY KEY,
		name TEXT NOT NULL UNIQUE,
		hashed_key TEXT NOT NULL UNIQUE,
		admin INTEGER NOT NULL DEFAULT 0,
		banned INTEGER NOT NULL DEFAULT 0,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS subjects (
		uuid TEXT PRIMARY KEY,
		created_by TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		name TEXT NOT NULL,
		profiles TEXT NOT NULL,
		description TEXT,
		UNIQUE (created_by, name)
	);

	CREATE TABLE IF NOT EXISTS groups (
		uuid TEXT PRIMARY KEY,
		created_by TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		name TEXT NOT NULL,
		subjects TEXT NOT NULL,
		description TEXT,
		UNIQUE (created_by, name)
	);

	CREATE TABLE IF NOT EXISTS queue (
		queue_id TEXT NOT NULL UNIQUE,
		platform TEXT NOT NULL,
		platform_id TEXT NOT NULL,
		last_processed INTEGER NOT NULL DEFAULT 0,
		lease_holder TEXT,
		lease_acquired_at INTEGER,
		refs INTEGER NOT NULL DEFAULT 1,
		confirmed_id INTEGER NOT NULL DEFAULT 0,
		UNIQUE (platform, platform_id),
		CHECK (refs >= 1),
		CHECK ((lease_holder IS NULL) = (lease_acquired_at IS NULL))
	);

	CREATE TABLE IF NOT EXISTS data (
		id TEXT NOT NULL,
		platform TEXT NOT NULL,
		kind TEXT NOT NULL CHECK (kind IN ('presence', 'content', 'meta')),
		username TEXT,
		retrieved_at INTEGER NOT NULL,
		added_by TEXT NOT NULL,
		added_at INTEGER NOT NULL,
		doc TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_data_id_platform ON data (id, platform);
	CREATE INDEX IF NOT EXISTS idx_data_meta_recency ON data (id, platform, kind, retrieved_at);

	CREATE TABLE IF NOT EXISTS referrals (
		hashed_code TEXT NOT NULL UNIQUE,
		created_by TEXT NOT NULL,
		created_at INTEGER NOT NULL,
		used INTEGER NOT NULL DEFAULT 0,
		used_by TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_referrals_code_used ON referrals (hashed_code, used);
	`
	_, err := s.db.Exec(schema)
	return err
}
