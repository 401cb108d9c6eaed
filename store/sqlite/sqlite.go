/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements loyalty.TxStore on SQLite through store/sqlstore. This file
  owns only what is SQLite specific: the connection string, the schema and
  error classification.

INTERFACES IMPLEMENTED:
  loyalty.RewardSystemStore: Registry persistence
  loyalty.BalanceStore:      Guarded counter increments
  loyalty.TransactionStore:  Append-only log
  loyalty.CodeStore:         Redemption codes
  loyalty.TxStore:           WithTx for atomic units

KEY TABLES:
  reward_systems:    Program definitions (config as JSON)
  ledgers:           One row per user
  ledger_businesses: Per-business roll-up counters
  ledger_systems:    Per-reward-system counters
  transactions:      Immutable log of every balance change
  redemption_codes:  Single-use grants with expiry

CONCURRENCY:
  SQLite has a single writer. Writes and transactions are serialized with an
  in-process mutex so concurrent claims never hit SQLITE_BUSY. Readers use
  the pool directly.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging):
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

IN-MEMORY:
  ":memory:" gives each connection its own database, so the pool is pinned
  to one connection.

USAGE:
  store, err := sqlite.New("./data/loyalty.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := loyalty.NewEngine(store, loyalty.SystemClock())

SEE ALSO:
  - store/sqlstore: Shared SQL implementation
  - store/postgres: PostgreSQL backend
  - loyalty/store.go: Interface definitions
*/
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/mattn/go-sqlite3"
	"github.com/warp/loyalty-engine/store/sqlstore"
)

// Store implements loyalty.TxStore using SQLite.
type Store struct {
	*sqlstore.Store
}

// New creates a new SQLite store and migrates the schema.
func New(dbPath string) (*Store, error) {
	dsn := dbPath + "?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000"
	if dbPath == ":memory:" {
		dsn = ":memory:?_foreign_keys=on"
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{Store: sqlstore.New(db, Dialect())}
	if err := s.Migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Dialect returns the SQLite flavour of sqlstore.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:              "sqlite",
		Schema:            schema,
		IsUniqueViolation: isUniqueConstraintError,
		SerializeWrites:   true,
	}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS reward_systems (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		config_json TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT 1,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reward_systems_business
		ON reward_systems(business_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS ledgers (
		user_id TEXT PRIMARY KEY,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_businesses (
		user_id TEXT NOT NULL REFERENCES ledgers(user_id),
		business_id TEXT NOT NULL,
		points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
		stamps INTEGER NOT NULL DEFAULT 0 CHECK (stamps >= 0),
		last_activity_at DATETIME NOT NULL,
		PRIMARY KEY (user_id, business_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_systems (
		user_id TEXT NOT NULL,
		business_id TEXT NOT NULL,
		reward_system_id TEXT NOT NULL,
		points INTEGER NOT NULL DEFAULT 0 CHECK (points >= 0),
		stamps INTEGER NOT NULL DEFAULT 0 CHECK (stamps >= 0),
		last_updated DATETIME NOT NULL,
		PRIMARY KEY (user_id, business_id, reward_system_id),
		FOREIGN KEY (user_id, business_id) REFERENCES ledger_businesses(user_id, business_id)
	)`,

	`CREATE TABLE IF NOT EXISTS transactions (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL,
		business_id TEXT NOT NULL,
		business_name TEXT NOT NULL DEFAULT '',
		tx_type TEXT NOT NULL CHECK (tx_type IN ('add', 'subtract', 'redeem')),
		purchase_amount TEXT,
		items_json TEXT NOT NULL,
		total_points_delta INTEGER NOT NULL,
		total_stamps_delta INTEGER NOT NULL,
		branch_id TEXT NOT NULL DEFAULT '',
		shift_id TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		redemption_code TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_user_date
		ON transactions(user_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_business_date
		ON transactions(business_id, created_at)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_user_business
		ON transactions(user_id, business_id)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_business_shift_date
		ON transactions(business_id, shift_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS redemption_codes (
		code TEXT PRIMARY KEY,
		business_id TEXT NOT NULL,
		business_name TEXT NOT NULL DEFAULT '',
		purchase_amount TEXT NOT NULL,
		points_estimate INTEGER NOT NULL,
		stamp_grants_json TEXT NOT NULL,
		is_redeemed BOOLEAN NOT NULL DEFAULT 0,
		redeemed_by TEXT,
		redeemed_at DATETIME,
		expires_at DATETIME NOT NULL,
		created_at DATETIME NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_redemption_codes_expiry
		ON redemption_codes(expires_at)`,
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
