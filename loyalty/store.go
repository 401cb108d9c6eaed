/*
store.go - Persistence interfaces for the loyalty engine

PURPOSE:
  Defines the interface between the engine and the database. Different
  implementations use SQLite, PostgreSQL, or in-memory storage.

KEY INTERFACES:
  RewardSystemStore: Registry persistence (upsert, scoped reads, hard delete)
  BalanceStore:      Atomic balance deltas and ledger reads
  TransactionStore:  Append-only transaction log
  CodeStore:         Redemption codes with compare-and-swap claim
  TxStore:           All of the above plus WithTx for atomic units

ATOMIC INCREMENTS:
  ApplyDelta never reads counters and writes them back. Implementations use
  guarded increments (points = points + delta WHERE points + delta >= 0) so
  concurrent deltas on different reward systems never lose updates and
  deltas on the same triple serialize in the storage layer. A store without
  such a primitive must provide its own mutual exclusion.

ATOMIC PAIRING:
  A ledger mutation and the log record describing it must commit together.
  WithTx runs fn against a transactional view of the store; if fn returns
  an error, every write made through that view is rolled back.

APPEND-ONLY CONTRACT:
  TransactionStore has no Update or Delete. Corrections are new records.

IMPLEMENTATIONS:
  - store/sqlite:   SQLite (via store/sqlstore)
  - store/postgres: PostgreSQL (via store/sqlstore)
  - loyalty/store:  In-memory for tests and development

SEE ALSO:
  - ledger.go: Uses BalanceStore
  - txlog.go: Uses TransactionStore
  - codes.go: Uses CodeStore
*/
package loyalty

import (
	"context"
	"time"
)

// =============================================================================
// STORE INTERFACES
// =============================================================================

type RewardSystemStore interface {
	// SaveRewardSystem inserts or replaces a reward system by id.
	SaveRewardSystem(ctx context.Context, rs RewardSystem) error

	// GetRewardSystem returns nil, nil when the id does not exist.
	GetRewardSystem(ctx context.Context, id RewardSystemID) (*RewardSystem, error)

	// ListRewardSystems returns a business's systems ordered by CreatedAt.
	ListRewardSystems(ctx context.Context, businessID BusinessID) ([]RewardSystem, error)

	DeleteRewardSystem(ctx context.Context, id RewardSystemID) error
}

type BalanceStore interface {
	// ApplyDelta creates the ledger, business and system entries if absent and
	// applies the delta to the system and business counters atomically.
	// Returns *InsufficientBalanceError without any visible change if a
	// counter would go negative.
	ApplyDelta(ctx context.Context, d BalanceDelta) (*BusinessBalance, error)

	// GetLedger returns nil, nil when the user has no ledger yet.
	GetLedger(ctx context.Context, userID UserID) (*LedgerEntry, error)

	// GetBusinessBalance returns nil, nil when the user has no activity at the business.
	GetBusinessBalance(ctx context.Context, userID UserID, businessID BusinessID) (*BusinessBalance, error)
}

type TransactionStore interface {
	// AppendTransaction persists a record. This is the ONLY write operation.
	AppendTransaction(ctx context.Context, rec TransactionRecord) error

	// GetTransaction returns nil, nil when the id does not exist.
	GetTransaction(ctx context.Context, id TransactionID) (*TransactionRecord, error)

	// ListTransactions returns matching records (newest first unless
	// filter.Ascending) and the total match count ignoring Limit/Offset.
	ListTransactions(ctx context.Context, filter TransactionFilter) ([]TransactionRecord, int, error)
}

type CodeStore interface {
	// CreateCode inserts a code. Returns ErrDuplicateCode if the value exists.
	CreateCode(ctx context.Context, code RedemptionCode) error

	// GetCode returns nil, nil when the code does not exist. Lookup is by the
	// normalized (uppercase) value.
	GetCode(ctx context.Context, code string) (*RedemptionCode, error)

	// MarkRedeemed flips is_redeemed from false to true if the code is not
	// redeemed and not expired at `at`. Returns false when nothing changed.
	MarkRedeemed(ctx context.Context, code string, userID UserID, at time.Time) (bool, error)

	// DeleteExpiredCodes removes codes whose expiry is before `before`.
	DeleteExpiredCodes(ctx context.Context, before time.Time) (int64, error)
}

// Store is the full persistence surface used by the engine.
type Store interface {
	RewardSystemStore
	BalanceStore
	TransactionStore
	CodeStore
}

// TxStore wraps Store with transaction support.
type TxStore interface {
	Store

	// WithTx executes fn within a transaction.
	// If fn returns error, transaction is rolled back.
	// If fn returns nil, transaction is committed.
	WithTx(ctx context.Context, fn func(Store) error) error
}
