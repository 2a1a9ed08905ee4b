/*
store.go - Persistence interface for the cashback ledger

PURPOSE:
  Defines the boundary between the pipeline and the database. The writer
  mutates all four record kinds inside one WithTx scope; readers never see a
  partially applied event.

KEY INTERFACES:
  Reader:  read path shared by the HTTP API, the guard and the reconciler
  Store:   Reader plus the writes available inside an atomic scope
  TxStore: Reader plus WithTx

APPEND-ONLY TRANSACTIONS:
  InsertTransaction is the only write for transactions. There is no update or
  delete. A second insert for the same hash fails with ErrDuplicateEvent,
  which is the authoritative idempotency check.

GET-OR-CREATE:
  GetOrCreate* returns the stored record or inserts the default one (see
  NewSafe, NewWeekReward, NewWeekMetrics) and returns it. Aggregates are
  written back whole with Put*.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: SQLite
  - ledger/store/memory.go: in-memory for tests and dev
*/
package ledger

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
)

// Reader is the read path. Lookups of a missing record return ErrNotFound.
type Reader interface {
	TransactionExists(ctx context.Context, hash common.Hash) (bool, error)
	GetTransaction(ctx context.Context, hash common.Hash) (Transaction, error)

	// SafeTransactions returns every transaction of safe in insertion order.
	SafeTransactions(ctx context.Context, safe common.Address) ([]Transaction, error)

	// RecentTransactions returns up to limit transactions, newest block first.
	RecentTransactions(ctx context.Context, limit int) ([]Transaction, error)

	GetSafe(ctx context.Context, addr common.Address) (Safe, error)
	ListSafes(ctx context.Context) ([]common.Address, error)

	GetWeekReward(ctx context.Context, week WeekID, safe common.Address) (WeekReward, error)
	WeekRewards(ctx context.Context, week WeekID) ([]WeekReward, error)

	GetWeekMetrics(ctx context.Context, week WeekID) (WeekMetrics, error)
}

// Store is the view handed to a WithTx callback.
type Store interface {
	Reader

	// InsertTransaction appends tx. Returns ErrDuplicateEvent if the hash exists.
	InsertTransaction(ctx context.Context, tx Transaction) error

	GetOrCreateWeekReward(ctx context.Context, week WeekID, safe common.Address) (WeekReward, error)
	PutWeekReward(ctx context.Context, r WeekReward) error

	GetOrCreateSafe(ctx context.Context, addr common.Address) (Safe, error)
	PutSafe(ctx context.Context, s Safe) error

	GetOrCreateWeekMetrics(ctx context.Context, week WeekID) (WeekMetrics, error)
	PutWeekMetrics(ctx context.Context, m WeekMetrics) error
}

// TxStore runs multi-record writes atomically.
type TxStore interface {
	Reader

	// WithTx executes fn within a transaction.
	// If fn returns error, every write made through the Store is rolled back.
	// If fn returns nil, the transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
