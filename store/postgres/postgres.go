/*
Package postgres provides a PostgreSQL-backed implementation of the storage interfaces.

PURPOSE:
  Implements loyalty.TxStore on PostgreSQL through store/sqlstore, using
  pgx for the connection pool and its database/sql adapter for queries.

CONCURRENCY:
  No in-process locking. The guarded UPDATE in ApplyDelta takes a row lock,
  so concurrent deltas on the same (user, business, system) triple queue up
  and re-check the non-negativity guard against the committed value. The
  same applies to MarkRedeemed: the second claimer blocks, then sees
  is_redeemed = true and matches zero rows.

TYPES:
  Decimal amounts are TEXT so the exact string form round-trips.
  Timestamps are TIMESTAMPTZ.

USAGE:
  store, err := postgres.New(ctx, "postgres://loyalty@localhost/loyalty", 10)
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

SEE ALSO:
  - store/sqlstore: Shared SQL implementation
  - store/sqlite: SQLite backend
*/
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	log "github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/store/sqlstore"
)

const uniqueViolation = "23505"

// Store implements loyalty.TxStore using PostgreSQL.
type Store struct {
	*sqlstore.Store
	pool *pgxpool.Pool
}

// New opens a pool, verifies connectivity and migrates the schema.
func New(ctx context.Context, dsn string, maxConns int32) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres DSN: %w", err)
	}
	if maxConns > 0 {
		poolConfig.MaxConns = maxConns
	}
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres unreachable: %w", err)
	}

	s := &Store{Store: sqlstore.New(stdlib.OpenDBFromPool(pool), Dialect()), pool: pool}
	if err := s.Migrate(ctx); err != nil {
		s.Close()
		return nil, err
	}

	log.WithFields(log.Fields{
		"max_conns": poolConfig.MaxConns,
		"database":  poolConfig.ConnConfig.Database,
	}).Info("connected to postgres")
	return s, nil
}

// NewWithDB wraps an existing handle without migrating. Used with sqlmock.
func NewWithDB(db *sql.DB) *Store {
	return &Store{Store: sqlstore.New(db, Dialect())}
}

func (s *Store) Close() error {
	err := s.Store.Close()
	if s.pool != nil {
		s.pool.Close()
	}
	return err
}

// Dialect returns the PostgreSQL flavour of sqlstore.
func Dialect() sqlstore.Dialect {
	return sqlstore.Dialect{
		Name:              "postgres",
		Schema:            schema,
		Rebind:            sqlstore.RebindDollar,
		IsUniqueViolation: isUniqueViolation,
	}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS reward_systems (
		id TEXT PRIMARY KEY,
		business_id TEXT NOT NULL,
		name TEXT NOT NULL,
		kind TEXT NOT NULL,
		config_json TEXT NOT NULL,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_reward_systems_business
		ON reward_systems(business_id, created_at)`,

	`CREATE TABLE IF NOT EXISTS ledgers (
		user_id TEXT PRIMARY KEY,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_businesses (
		user_id TEXT NOT NULL REFERENCES ledgers(user_id),
		business_id TEXT NOT NULL,
		points BIGINT NOT NULL DEFAULT 0 CHECK (points >= 0),
		stamps BIGINT NOT NULL DEFAULT 0 CHECK (stamps >= 0),
		last_activity_at TIMESTAMPTZ NOT NULL,
		PRIMARY KEY (user_id, business_id)
	)`,
	`CREATE TABLE IF NOT EXISTS ledger_systems (
		user_id TEXT NOT NULL,
		business_id TEXT NOT NULL,
		reward_system_id TEXT NOT NULL,
		points BIGINT NOT NULL DEFAULT 0 CHECK (points >= 0),
		stamps BIGINT NOT NULL DEFAULT 0 CHECK (stamps >= 0),
		last_updated TIMESTAMPTZ NOT NULL,
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
		total_points_delta BIGINT NOT NULL,
		total_stamps_delta BIGINT NOT NULL,
		branch_id TEXT NOT NULL DEFAULT '',
		shift_id TEXT NOT NULL DEFAULT '',
		notes TEXT NOT NULL DEFAULT '',
		redemption_code TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_transactions_user_date
		ON transactions(user_id, created_at DESC)`,
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
		points_estimate BIGINT NOT NULL,
		stamp_grants_json TEXT NOT NULL,
		is_redeemed BOOLEAN NOT NULL DEFAULT FALSE,
		redeemed_by TEXT,
		redeemed_at TIMESTAMPTZ,
		expires_at TIMESTAMPTZ NOT NULL,
		created_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_redemption_codes_expiry
		ON redemption_codes(expires_at)`,
}
