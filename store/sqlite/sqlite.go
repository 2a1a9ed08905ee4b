/*
Package sqlite provides a SQLite-backed ledger.TxStore.

PURPOSE:
  Persists the four cashback record kinds and gives the pipeline a single
  atomic scope spanning all of them. The same SQL runs against *sql.DB for
  reads and against *sql.Tx inside WithTx, so a callback never reaches back
  to the pool while the write transaction is open.

APPEND-ONLY ENFORCEMENT:
  - No UPDATE statements on the transactions table
  - No DELETE statements on the transactions table
  - hash is the PRIMARY KEY; a second insert fails with ErrDuplicateEvent

KEY TABLES:
  transactions:  Immutable spend/refund facts, keyed by lowercase tx hash
  safes:         Lifetime aggregate per safe
  week_rewards:  Running volume and reward estimate per (week, safe)
  week_metrics:  Global list of transactions per week

  Decimal values are stored as TEXT (decimal.Decimal implements
  sql.Scanner and driver.Valuer). Raw token amounts are TEXT base-10.
  Reference lists are JSON arrays of lowercase hex strings.

CONCURRENCY:
  WithTx takes the store's write lock, so concurrent events for the same
  safe and week are applied one after the other. Reads take the read lock.
  Transactions begin IMMEDIATE so the write lock is held from the first
  statement.

USAGE:
  store, err := sqlite.New("./data/cashback.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - ledger/store.go: Interface definitions
  - ledger/store/memory.go: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/warp/cashback-engine/ledger"
)

// Store implements ledger.TxStore using SQLite.
type Store struct {
	db   *sql.DB
	mu   sync.RWMutex
	read queries
}

var _ ledger.TxStore = (*Store)(nil)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_busy_timeout=5000&_txlock=immediate"
	if !isMemory(dbPath) {
		dsn += "&_journal_mode=WAL"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if isMemory(dbPath) {
		// every pooled connection would otherwise see its own empty database
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, read: queries{q: db}}
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

// Ping verifies the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func isMemory(path string) bool {
	return path == ":memory:" || strings.HasPrefix(path, "file::memory:")
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Transactions (append-only ledger)
	CREATE TABLE IF NOT EXISTS transactions (
		hash TEXT PRIMARY KEY,
		kind TEXT NOT NULL CHECK (kind IN ('spend', 'refund')),
		block_number INTEGER NOT NULL,
		block_timestamp INTEGER NOT NULL,
		week_id TEXT NOT NULL,
		token TEXT NOT NULL,
		amount_raw TEXT NOT NULL,
		amount TEXT NOT NULL,
		amount_usd TEXT NOT NULL,
		safe TEXT NOT NULL,
		gno_balance_raw TEXT,
		gno_balance TEXT NOT NULL,
		gno_usd_price TEXT NOT NULL
	);

	-- Full scan per safe on every write (net volume recompute)
	CREATE INDEX IF NOT EXISTS idx_transactions_safe
		ON transactions(safe);
	CREATE INDEX IF NOT EXISTS idx_transactions_block
		ON transactions(block_number DESC);
	CREATE INDEX IF NOT EXISTS idx_transactions_week
		ON transactions(week_id);

	-- Safe aggregates
	CREATE TABLE IF NOT EXISTS safes (
		address TEXT PRIMARY KEY,
		gno_balance TEXT NOT NULL,
		net_usd_volume TEXT NOT NULL,
		owners_json TEXT NOT NULL,
		is_og INTEGER NOT NULL DEFAULT 0,
		transactions_json TEXT NOT NULL
	);

	-- Week rewards, id = "<week>/<safe>"
	CREATE TABLE IF NOT EXISTS week_rewards (
		id TEXT PRIMARY KEY,
		week_id TEXT NOT NULL,
		safe TEXT NOT NULL,
		net_usd_volume TEXT NOT NULL,
		max_gno_balance TEXT NOT NULL,
		min_gno_balance TEXT NOT NULL,
		estimated_reward TEXT NOT NULL,
		earned_reward TEXT,
		transactions_json TEXT NOT NULL,
		balance_snapshots_json TEXT NOT NULL,
		UNIQUE (week_id, safe)
	);

	CREATE INDEX IF NOT EXISTS idx_week_rewards_week
		ON week_rewards(week_id);

	-- Week metrics (global per week)
	CREATE TABLE IF NOT EXISTS week_metrics (
		week_id TEXT PRIMARY KEY,
		transactions_json TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE (ledger.TxStore interface)
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store ledger.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{queries{q: sqlTx}}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// txStore is the ledger.Store handed to WithTx callbacks. Every statement
// runs on the open *sql.Tx.
type txStore struct {
	queries
}

// =============================================================================
// READ PATH (ledger.Reader interface)
// =============================================================================

func (s *Store) TransactionExists(ctx context.Context, hash common.Hash) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read.TransactionExists(ctx, hash)
}

func (s *Store) GetTransaction(ctx context.Context, hash common.Hash) (ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read.GetTransaction(ctx, hash)
}

func (s *Store) SafeTransactions(ctx context.Context, safe common.Address) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read.SafeTransactions(ctx, safe)
}

func (s *Store) RecentTransactions(ctx context.Context, limit int) ([]ledger.Transaction, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read.RecentTransactions(ctx, limit)
}

func (s *Store) GetSafe(ctx context.Context, addr common.Address) (ledger.Safe, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read.GetSafe(ctx, addr)
}

func (s *Store) ListSafes(ctx context.Context) ([]common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read.ListSafes(ctx)
}

func (s *Store) GetWeekReward(ctx context.Context, week ledger.WeekID, safe common.Address) (ledger.WeekReward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read.GetWeekReward(ctx, week, safe)
}

func (s *Store) WeekRewards(ctx context.Context, week ledger.WeekID) ([]ledger.WeekReward, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read.WeekRewards(ctx, week)
}

func (s *Store) GetWeekMetrics(ctx context.Context, week ledger.WeekID) (ledger.WeekMetrics, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.read.GetWeekMetrics(ctx, week)
}

// =============================================================================
// UTILITIES
// =============================================================================

// Reset clears all data (for tests).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tables := []string{"week_metrics", "week_rewards", "safes", "transactions"}
	for _, table := range tables {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return err
		}
	}
	return nil
}
