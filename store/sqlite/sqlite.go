/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Persists asset records, transfer records, the department/user directory and
  the outbox replay audit trail. In production the same patterns apply to
  PostgreSQL with minor dialect differences.

INTERFACES IMPLEMENTED:
  engine.Store:      Asset and transfer records, counters, nonces
  directory.Source:  Departments, users, block leaders, approval groups

ATOMICITY:
  Each UpdateAsset / UpdateTransfer is one database transaction that reads
  the row, applies the callback and writes it back. Nothing spans two
  records, matching the engine's store contract.

KEY TABLES:
  assets:           One row per asset record. key_* columns hold the
                    normalized identity key for FindAssets.
  transfers:        One row per transfer. Line items, signatures and creator
                    are JSON columns; the record is always read and written whole.
  counters:         Named sequences, one row each (transfer display ids)
  processed_nonces: Create nonces and the transfer each produced
  departments, users, block_leaders, approval_groups: directory
  replay_runs:      One row per outbox replay run

ORDERING:
  Both record tables carry an AUTOINCREMENT seq. FindAssets returns creation
  order, ListTransfers newest first.

CONCURRENCY:
  Uses sync.RWMutex for thread-safety. In production with PostgreSQL,
  row locks (SELECT ... FOR UPDATE) handle this instead.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging): readers don't block,
  single writer at a time.

USAGE:
  store, err := sqlite.New("./data/transfers.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  wf := engine.NewWorkflow(store, directory.NewCapabilities(directory.NewCache(store, time.Minute)))

SEE ALSO:
  - engine/store.go: Store contract
  - engine/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection would get its own empty database otherwise.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Asset records
	CREATE TABLE IF NOT EXISTS assets (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		department_id TEXT NOT NULL,
		name TEXT NOT NULL,
		unit TEXT NOT NULL DEFAULT '',
		size TEXT NOT NULL DEFAULT '',
		description TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		quantity TEXT NOT NULL,
		reserved TEXT NOT NULL,
		key_name TEXT NOT NULL,
		key_unit TEXT NOT NULL,
		key_size TEXT NOT NULL,
		applied_ops_json TEXT NOT NULL DEFAULT '[]',
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	-- FindAssets hot path (every merge)
	CREATE INDEX IF NOT EXISTS idx_assets_identity
		ON assets(department_id, key_name, key_unit, key_size, seq);

	-- Transfer records
	CREATE TABLE IF NOT EXISTS transfers (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		from_dept_id TEXT NOT NULL,
		to_dept_id TEXT NOT NULL,
		status TEXT NOT NULL,
		items_json TEXT NOT NULL,
		signatures_json TEXT NOT NULL DEFAULT '{}',
		created_by_json TEXT NOT NULL,
		created_at TEXT NOT NULL,
		version INTEGER NOT NULL DEFAULT 1,
		stock_moved INTEGER NOT NULL DEFAULT 0,
		display_id TEXT NOT NULL DEFAULT '',
		nonce TEXT NOT NULL DEFAULT '',
		drain_owner TEXT NOT NULL DEFAULT '',
		drain_until TEXT
	);

	-- Outbox scan (completed transfers that may still owe stock)
	CREATE INDEX IF NOT EXISTS idx_transfers_status
		ON transfers(status, stock_moved);

	-- Named counters (display ids)
	CREATE TABLE IF NOT EXISTS counters (
		name TEXT PRIMARY KEY,
		current_value INTEGER NOT NULL
	);

	-- Processed create nonces
	CREATE TABLE IF NOT EXISTS processed_nonces (
		nonce TEXT PRIMARY KEY,
		transfer_id TEXT NOT NULL,
		display_id TEXT NOT NULL,
		actor_id TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Directory
	CREATE TABLE IF NOT EXISTS departments (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		management_block TEXT NOT NULL DEFAULT ''
	);

	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT,
		role TEXT NOT NULL DEFAULT '',
		primary_department_id TEXT,
		managed_department_ids_json TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS block_leaders (
		block TEXT PRIMARY KEY,
		head_ids_json TEXT NOT NULL DEFAULT '[]',
		deputy_ids_json TEXT NOT NULL DEFAULT '[]'
	);

	CREATE TABLE IF NOT EXISTS approval_groups (
		group_key TEXT PRIMARY KEY,
		approver_ids_json TEXT NOT NULL DEFAULT '[]'
	);

	-- Outbox replay audit
	CREATE TABLE IF NOT EXISTS replay_runs (
		id TEXT PRIMARY KEY,
		triggered_by TEXT NOT NULL,
		status TEXT NOT NULL,
		drained INTEGER NOT NULL DEFAULT 0,
		error TEXT,
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_replay_runs_started
		ON replay_runs(started_at DESC);
	`

	_, err := s.db.Exec(schema)
	return err
}

// Reset deletes all data (for testing/demo).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{"assets", "transfers", "counters", "processed_nonces", "departments", "users", "block_leaders", "approval_groups", "replay_runs"} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("reset %s: %w", table, err)
		}
	}
	return nil
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// withTx runs fn in a database transaction. Caller holds s.mu.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// timeLayout is fixed width so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("corrupt timestamp %q: %w", s, err)
	}
	return t, nil
}

// parseNullTime maps an empty column to the zero time.
func parseNullTime(s sql.NullString) (time.Time, error) {
	if !s.Valid || s.String == "" {
		return time.Time{}, nil
	}
	return parseTime(s.String)
}

func parseDecimal(s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("corrupt quantity %q: %w", s, err)
	}
	return d, nil
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
