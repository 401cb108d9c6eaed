/*
Package sqlstore implements loyalty.TxStore on database/sql.

PURPOSE:
  One implementation of every persistence interface, shared by the SQLite
  and PostgreSQL backends. A Dialect supplies the differences: placeholder
  style, schema DDL, unique-violation detection and whether writes must be
  serialized in-process.

ATOMIC INCREMENTS:
  ApplyDelta never reads a counter and writes it back:

    UPDATE ledger_systems
       SET points = points + ?, stamps = stamps + ?
     WHERE <triple> AND points + ? >= 0 AND stamps + ? >= 0

  Zero affected rows means the delta would underflow. The guarded update
  runs on the system row and then the business row inside one SQL
  transaction, so neither level changes unless both do. PostgreSQL row
  locks serialize concurrent deltas on the same triple.

CREATE-IF-ABSENT:
  ledgers, ledger_businesses and ledger_systems rows are created with
  INSERT ... ON CONFLICT DO NOTHING keyed by the natural composite key
  before the guarded updates run.

CODE CLAIM:
  MarkRedeemed is a compare-and-swap:
    UPDATE redemption_codes SET is_redeemed = true ...
     WHERE code = ? AND is_redeemed = false AND expires_at >= ?

APPEND-ONLY:
  There is no UPDATE or DELETE on the transactions table.

TIME:
  Every timestamp is bound as a UTC time.Time.

SEE ALSO:
  - store/sqlite: SQLite dialect and schema
  - store/postgres: PostgreSQL dialect and schema
  - loyalty/store.go: Interface contracts
*/
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// Dialect captures what differs between SQL backends.
type Dialect struct {
	Name string

	// Schema is executed statement by statement on Migrate.
	Schema []string

	// Rebind rewrites '?' placeholders. Nil leaves queries unchanged.
	Rebind func(query string) string

	// IsUniqueViolation reports whether err is a unique constraint failure.
	IsUniqueViolation func(err error) bool

	// SerializeWrites holds an in-process lock across every write and
	// transaction. Needed for single-writer engines.
	SerializeWrites bool
}

// Store implements loyalty.TxStore.
type Store struct {
	db      *sql.DB
	dialect Dialect
	mu      sync.Mutex
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// DB exposes the underlying pool.
func (s *Store) DB() *sql.DB { return s.db }

func (s *Store) Close() error {
	return s.db.Close()
}

// Migrate creates the schema if it does not exist.
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range s.dialect.Schema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to migrate %s schema: %w", s.dialect.Name, err)
		}
	}
	return nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) q(query string) string {
	if s.dialect.Rebind == nil {
		return query
	}
	return s.dialect.Rebind(query)
}

func (s *Store) lockWrites() func() {
	if !s.dialect.SerializeWrites {
		return func() {}
	}
	s.mu.Lock()
	return s.mu.Unlock
}

// RebindDollar rewrites '?' placeholders to $1, $2, ...
func RebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 16)
	n := 0
	for i := 0; i < len(query); i++ {
		if query[i] == '?' {
			n++
			fmt.Fprintf(&b, "$%d", n)
			continue
		}
		b.WriteByte(query[i])
	}
	return b.String()
}

// =============================================================================
// TRANSACTIONAL STORE (loyalty.TxStore interface)
// =============================================================================

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(loyalty.Store) error) error {
	unlock := s.lockWrites()
	defer unlock()
	return s.inTx(ctx, func(tx *sql.Tx) error {
		return fn(&txView{s: s, tx: tx})
	})
}

func (s *Store) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// =============================================================================
// REWARD SYSTEM STORE
// =============================================================================

func (s *Store) SaveRewardSystem(ctx context.Context, rs loyalty.RewardSystem) error {
	unlock := s.lockWrites()
	defer unlock()
	return s.saveRewardSystem(ctx, s.db, rs)
}

func (s *Store) GetRewardSystem(ctx context.Context, id loyalty.RewardSystemID) (*loyalty.RewardSystem, error) {
	return s.getRewardSystem(ctx, s.db, id)
}

func (s *Store) ListRewardSystems(ctx context.Context, businessID loyalty.BusinessID) ([]loyalty.RewardSystem, error) {
	return s.listRewardSystems(ctx, s.db, businessID)
}

func (s *Store) DeleteRewardSystem(ctx context.Context, id loyalty.RewardSystemID) error {
	unlock := s.lockWrites()
	defer unlock()
	return s.deleteRewardSystem(ctx, s.db, id)
}

func (s *Store) saveRewardSystem(ctx context.Context, db querier, rs loyalty.RewardSystem) error {
	cfg, err := json.Marshal(rs.RewardSystemConfig)
	if err != nil {
		return fmt.Errorf("failed to encode reward system config: %w", err)
	}
	_, err = db.ExecContext(ctx, s.q(`
		INSERT INTO reward_systems (id, business_id, name, kind, config_json, is_active, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			business_id = excluded.business_id,
			name = excluded.name,
			kind = excluded.kind,
			config_json = excluded.config_json,
			is_active = excluded.is_active,
			updated_at = excluded.updated_at
	`),
		string(rs.ID), string(rs.BusinessID), rs.Name, string(rs.Kind), string(cfg),
		rs.IsActive, rs.CreatedAt.UTC(), rs.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to save reward system: %w", err)
	}
	return nil
}

const rewardSystemColumns = `id, business_id, config_json, is_active, created_at, updated_at`

func (s *Store) getRewardSystem(ctx context.Context, db querier, id loyalty.RewardSystemID) (*loyalty.RewardSystem, error) {
	row := db.QueryRowContext(ctx, s.q(`SELECT `+rewardSystemColumns+` FROM reward_systems WHERE id = ?`), string(id))
	rs, err := scanRewardSystem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get reward system: %w", err)
	}
	return rs, nil
}

func (s *Store) listRewardSystems(ctx context.Context, db querier, businessID loyalty.BusinessID) ([]loyalty.RewardSystem, error) {
	rows, err := db.QueryContext(ctx, s.q(`
		SELECT `+rewardSystemColumns+`
		FROM reward_systems
		WHERE business_id = ?
		ORDER BY created_at ASC, id ASC
	`), string(businessID))
	if err != nil {
		return nil, fmt.Errorf("failed to list reward systems: %w", err)
	}
	defer rows.Close()

	var out []loyalty.RewardSystem
	for rows.Next() {
		rs, err := scanRewardSystem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan reward system: %w", err)
		}
		out = append(out, *rs)
	}
	return out, rows.Err()
}

func (s *Store) deleteRewardSystem(ctx context.Context, db querier, id loyalty.RewardSystemID) error {
	if _, err := db.ExecContext(ctx, s.q(`DELETE FROM reward_systems WHERE id = ?`), string(id)); err != nil {
		return fmt.Errorf("failed to delete reward system: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRewardSystem(row scanner) (*loyalty.RewardSystem, error) {
	var (
		rs      loyalty.RewardSystem
		id, biz string
		cfg     string
	)
	if err := row.Scan(&id, &biz, &cfg, &rs.IsActive, &rs.CreatedAt, &rs.UpdatedAt); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(cfg), &rs.RewardSystemConfig); err != nil {
		return nil, fmt.Errorf("failed to decode reward system config: %w", err)
	}
	rs.ID = loyalty.RewardSystemID(id)
	rs.BusinessID = loyalty.BusinessID(biz)
	rs.CreatedAt = rs.CreatedAt.UTC()
	rs.UpdatedAt = rs.UpdatedAt.UTC()
	return &rs, nil
}

// =============================================================================
// BALANCE STORE
// =============================================================================

// ApplyDelta runs in its own transaction so the create-if-absent rows and
// both guarded updates commit together.
func (s *Store) ApplyDelta(ctx context.Context, d loyalty.BalanceDelta) (*loyalty.BusinessBalance, error) {
	unlock := s.lockWrites()
	defer unlock()

	var bal *loyalty.BusinessBalance
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		var err error
		bal, err = s.applyDelta(ctx, tx, d)
		return err
	})
	if err != nil {
		return nil, err
	}
	return bal, nil
}

func (s *Store) GetLedger(ctx context.Context, userID loyalty.UserID) (*loyalty.LedgerEntry, error) {
	return s.getLedger(ctx, s.db, userID)
}

func (s *Store) GetBusinessBalance(ctx context.Context, userID loyalty.UserID, businessID loyalty.BusinessID) (*loyalty.BusinessBalance, error) {
	return s.getBusinessBalance(ctx, s.db, userID, businessID)
}

// applyDelta must run inside a transaction: on underflow the caller's
// rollback discards the create-if-absent rows.
func (s *Store) applyDelta(ctx context.Context, db querier, d loyalty.BalanceDelta) (*loyalty.BusinessBalance, error) {
	at := d.At.UTC()
	user, biz, sys := string(d.UserID), string(d.BusinessID), string(d.RewardSystemID)

	upserts := []struct {
		query string
		args  []any
	}{
		{`INSERT INTO ledgers (user_id, created_at, updated_at) VALUES (?, ?, ?)
		  ON CONFLICT (user_id) DO NOTHING`, []any{user, at, at}},
		{`INSERT INTO ledger_businesses (user_id, business_id, points, stamps, last_activity_at) VALUES (?, ?, 0, 0, ?)
		  ON CONFLICT (user_id, business_id) DO NOTHING`, []any{user, biz, at}},
	}
	for _, u := range upserts {
		if _, err := db.ExecContext(ctx, s.q(u.query), u.args...); err != nil {
			return nil, fmt.Errorf("failed to create ledger rows: %w", err)
		}
	}

	// The business row is locked before any system row is created or
	// updated, so units touching several systems of one business acquire
	// row locks in the same order.
	res, err := db.ExecContext(ctx, s.q(`
		UPDATE ledger_businesses
		   SET points = points + ?, stamps = stamps + ?, last_activity_at = ?
		 WHERE user_id = ? AND business_id = ?
		   AND points + ? >= 0 AND stamps + ? >= 0
	`), d.Points, d.Stamps, at, user, biz, d.Points, d.Stamps)
	if err != nil {
		return nil, fmt.Errorf("failed to update business balance: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to update business balance: %w", err)
	} else if n == 0 {
		return nil, s.insufficient(ctx, db, d)
	}

	if _, err := db.ExecContext(ctx, s.q(`
		INSERT INTO ledger_systems (user_id, business_id, reward_system_id, points, stamps, last_updated) VALUES (?, ?, ?, 0, 0, ?)
		ON CONFLICT (user_id, business_id, reward_system_id) DO NOTHING
	`), user, biz, sys, at); err != nil {
		return nil, fmt.Errorf("failed to create ledger rows: %w", err)
	}

	res, err = db.ExecContext(ctx, s.q(`
		UPDATE ledger_systems
		   SET points = points + ?, stamps = stamps + ?, last_updated = ?
		 WHERE user_id = ? AND business_id = ? AND reward_system_id = ?
		   AND points + ? >= 0 AND stamps + ? >= 0
	`), d.Points, d.Stamps, at, user, biz, sys, d.Points, d.Stamps)
	if err != nil {
		return nil, fmt.Errorf("failed to update system balance: %w", err)
	}
	if n, err := res.RowsAffected(); err != nil {
		return nil, fmt.Errorf("failed to update system balance: %w", err)
	} else if n == 0 {
		return nil, s.insufficient(ctx, db, d)
	}

	if _, err := db.ExecContext(ctx, s.q(`UPDATE ledgers SET updated_at = ? WHERE user_id = ?`), at, user); err != nil {
		return nil, fmt.Errorf("failed to touch ledger: %w", err)
	}

	return s.getBusinessBalance(ctx, db, d.UserID, d.BusinessID)
}

func (s *Store) insufficient(ctx context.Context, db querier, d loyalty.BalanceDelta) error {
	e := &loyalty.InsufficientBalanceError{
		UserID:         d.UserID,
		BusinessID:     d.BusinessID,
		RewardSystemID: d.RewardSystemID,
		PointsDelta:    d.Points,
		StampsDelta:    d.Stamps,
	}
	err := db.QueryRowContext(ctx, s.q(`
		SELECT points, stamps FROM ledger_systems
		WHERE user_id = ? AND business_id = ? AND reward_system_id = ?
	`), string(d.UserID), string(d.BusinessID), string(d.RewardSystemID)).Scan(&e.AvailablePoints, &e.AvailableStamps)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to read balance after rejected delta: %w", err)
	}
	return e
}

func (s *Store) getLedger(ctx context.Context, db querier, userID loyalty.UserID) (*loyalty.LedgerEntry, error) {
	entry := &loyalty.LedgerEntry{UserID: userID, Businesses: make(map[loyalty.BusinessID]loyalty.BusinessBalance)}
	err := db.QueryRowContext(ctx, s.q(`SELECT created_at, updated_at FROM ledgers WHERE user_id = ?`), string(userID)).
		Scan(&entry.CreatedAt, &entry.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger: %w", err)
	}
	entry.CreatedAt, entry.UpdatedAt = entry.CreatedAt.UTC(), entry.UpdatedAt.UTC()

	rows, err := db.QueryContext(ctx, s.q(`
		SELECT business_id, points, stamps, last_activity_at
		FROM ledger_businesses WHERE user_id = ?
	`), string(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger businesses: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			biz string
			bal loyalty.BusinessBalance
		)
		if err := rows.Scan(&biz, &bal.Points, &bal.Stamps, &bal.LastActivityAt); err != nil {
			return nil, fmt.Errorf("failed to scan business balance: %w", err)
		}
		bal.BusinessID = loyalty.BusinessID(biz)
		bal.LastActivityAt = bal.LastActivityAt.UTC()
		bal.PerSystem = make(map[loyalty.RewardSystemID]loyalty.SystemBalance)
		entry.Businesses[bal.BusinessID] = bal
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()

	sysRows, err := db.QueryContext(ctx, s.q(`
		SELECT business_id, reward_system_id, points, stamps, last_updated
		FROM ledger_systems WHERE user_id = ?
	`), string(userID))
	if err != nil {
		return nil, fmt.Errorf("failed to get ledger systems: %w", err)
	}
	defer sysRows.Close()
	for sysRows.Next() {
		biz, id, sb, err := scanSystemBalance(sysRows)
		if err != nil {
			return nil, err
		}
		if bal, ok := entry.Businesses[biz]; ok {
			bal.PerSystem[id] = sb
		}
	}
	return entry, sysRows.Err()
}

func (s *Store) getBusinessBalance(ctx context.Context, db querier, userID loyalty.UserID, businessID loyalty.BusinessID) (*loyalty.BusinessBalance, error) {
	bal := &loyalty.BusinessBalance{
		BusinessID: businessID,
		PerSystem:  make(map[loyalty.RewardSystemID]loyalty.SystemBalance),
	}
	err := db.QueryRowContext(ctx, s.q(`
		SELECT points, stamps, last_activity_at
		FROM ledger_businesses WHERE user_id = ? AND business_id = ?
	`), string(userID), string(businessID)).Scan(&bal.Points, &bal.Stamps, &bal.LastActivityAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get business balance: %w", err)
	}
	bal.LastActivityAt = bal.LastActivityAt.UTC()

	rows, err := db.QueryContext(ctx, s.q(`
		SELECT business_id, reward_system_id, points, stamps, last_updated
		FROM ledger_systems WHERE user_id = ? AND business_id = ?
	`), string(userID), string(businessID))
	if err != nil {
		return nil, fmt.Errorf("failed to get system balances: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		_, id, sb, err := scanSystemBalance(rows)
		if err != nil {
			return nil, err
		}
		bal.PerSystem[id] = sb
	}
	return bal, rows.Err()
}

func scanSystemBalance(row scanner) (loyalty.BusinessID, loyalty.RewardSystemID, loyalty.SystemBalance, error) {
	var (
		biz, id string
		sb      loyalty.SystemBalance
	)
	if err := row.Scan(&biz, &id, &sb.Points, &sb.Stamps, &sb.LastUpdated); err != nil {
		return "", "", sb, fmt.Errorf("failed to scan system balance: %w", err)
	}
	sb.LastUpdated = sb.LastUpdated.UTC()
	return loyalty.BusinessID(biz), loyalty.RewardSystemID(id), sb, nil
}

// =============================================================================
// TRANSACTION STORE (append-only)
// =============================================================================

func (s *Store) AppendTransaction(ctx context.Context, rec loyalty.TransactionRecord) error {
	unlock := s.lockWrites()
	defer unlock()
	return s.appendTransaction(ctx, s.db, rec)
}

func (s *Store) GetTransaction(ctx context.Context, id loyalty.TransactionID) (*loyalty.TransactionRecord, error) {
	return s.getTransaction(ctx, s.db, id)
}

func (s *Store) ListTransactions(ctx context.Context, f loyalty.TransactionFilter) ([]loyalty.TransactionRecord, int, error) {
	return s.listTransactions(ctx, s.db, f)
}

func (s *Store) appendTransaction(ctx context.Context, db querier, rec loyalty.TransactionRecord) error {
	items, err := json.Marshal(rec.Items)
	if err != nil {
		return fmt.Errorf("failed to encode transaction items: %w", err)
	}
	var amount decimal.NullDecimal
	if rec.PurchaseAmount != nil {
		amount = decimal.NewNullDecimal(*rec.PurchaseAmount)
	}

	_, err = db.ExecContext(ctx, s.q(`
		INSERT INTO transactions
		(id, user_id, business_id, business_name, tx_type, purchase_amount, items_json,
		 total_points_delta, total_stamps_delta, branch_id, shift_id, notes, redemption_code, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`),
		string(rec.ID), string(rec.UserID), string(rec.BusinessID), rec.BusinessName, string(rec.Type),
		amount, string(items), rec.TotalPointsDelta, rec.TotalStampsDelta,
		rec.BranchID, rec.ShiftID, rec.Notes, rec.RedemptionCode, rec.CreatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to append transaction: %w", err)
	}
	return nil
}

const transactionColumns = `id, user_id, business_id, business_name, tx_type, purchase_amount, items_json,
	total_points_delta, total_stamps_delta, branch_id, shift_id, notes, redemption_code, created_at`

func (s *Store) getTransaction(ctx context.Context, db querier, id loyalty.TransactionID) (*loyalty.TransactionRecord, error) {
	row := db.QueryRowContext(ctx, s.q(`SELECT `+transactionColumns+` FROM transactions WHERE id = ?`), string(id))
	rec, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get transaction: %w", err)
	}
	return rec, nil
}

func (s *Store) listTransactions(ctx context.Context, db querier, f loyalty.TransactionFilter) ([]loyalty.TransactionRecord, int, error) {
	var (
		where []string
		args  []any
	)
	eq := func(col, val string) {
		if val != "" {
			where = append(where, col+" = ?")
			args = append(args, val)
		}
	}
	eq("user_id", string(f.UserID))
	eq("business_id", string(f.BusinessID))
	eq("branch_id", f.BranchID)
	if len(f.ShiftIDs) > 0 {
		where = append(where, "shift_id IN ("+placeholders(len(f.ShiftIDs))+")")
		for _, id := range f.ShiftIDs {
			args = append(args, id)
		}
	}
	if len(f.Types) > 0 {
		where = append(where, "tx_type IN ("+placeholders(len(f.Types))+")")
		for _, t := range f.Types {
			args = append(args, string(t))
		}
	}
	if f.From != nil {
		where = append(where, "created_at >= ?")
		args = append(args, f.From.UTC())
	}
	if f.To != nil {
		where = append(where, "created_at < ?")
		args = append(args, f.To.UTC())
	}

	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := db.QueryRowContext(ctx, s.q(`SELECT COUNT(*) FROM transactions`+clause), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("failed to count transactions: %w", err)
	}

	order := " ORDER BY created_at DESC, id DESC"
	if f.Ascending {
		order = " ORDER BY created_at ASC, id ASC"
	}
	query := `SELECT ` + transactionColumns + ` FROM transactions` + clause + order
	if f.Limit > 0 {
		query += " LIMIT ? OFFSET ?"
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("failed to query transactions: %w", err)
	}
	defer rows.Close()

	var out []loyalty.TransactionRecord
	for rows.Next() {
		rec, err := scanTransaction(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to scan transaction: %w", err)
		}
		out = append(out, *rec)
	}
	return out, total, rows.Err()
}

func scanTransaction(row scanner) (*loyalty.TransactionRecord, error) {
	var (
		rec                       loyalty.TransactionRecord
		id, user, biz, typ, items string
		amount                    decimal.NullDecimal
	)
	err := row.Scan(&id, &user, &biz, &rec.BusinessName, &typ, &amount, &items,
		&rec.TotalPointsDelta, &rec.TotalStampsDelta, &rec.BranchID, &rec.ShiftID,
		&rec.Notes, &rec.RedemptionCode, &rec.CreatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(items), &rec.Items); err != nil {
		return nil, fmt.Errorf("failed to decode transaction items: %w", err)
	}
	rec.ID = loyalty.TransactionID(id)
	rec.UserID = loyalty.UserID(user)
	rec.BusinessID = loyalty.BusinessID(biz)
	rec.Type = loyalty.TransactionType(typ)
	if amount.Valid {
		a := amount.Decimal
		rec.PurchaseAmount = &a
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	return &rec, nil
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

// =============================================================================
// CODE STORE
// =============================================================================

func (s *Store) CreateCode(ctx context.Context, code loyalty.RedemptionCode) error {
	unlock := s.lockWrites()
	defer unlock()
	return s.createCode(ctx, s.db, code)
}

func (s *Store) GetCode(ctx context.Context, code string) (*loyalty.RedemptionCode, error) {
	return s.getCode(ctx, s.db, code)
}

func (s *Store) MarkRedeemed(ctx context.Context, code string, userID loyalty.UserID, at time.Time) (bool, error) {
	unlock := s.lockWrites()
	defer unlock()
	return s.markRedeemed(ctx, s.db, code, userID, at)
}

func (s *Store) DeleteExpiredCodes(ctx context.Context, before time.Time) (int64, error) {
	unlock := s.lockWrites()
	defer unlock()
	return s.deleteExpiredCodes(ctx, s.db, before)
}

func (s *Store) createCode(ctx context.Context, db querier, code loyalty.RedemptionCode) error {
	grants, err := json.Marshal(code.StampGrants)
	if err != nil {
		return fmt.Errorf("failed to encode stamp grants: %w", err)
	}
	_, err = db.ExecContext(ctx, s.q(`
		INSERT INTO redemption_codes
		(code, business_id, business_name, purchase_amount, points_estimate, stamp_grants_json,
		 is_redeemed, redeemed_by, redeemed_at, expires_at, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, NULL, NULL, ?, ?)
	`),
		code.Code, string(code.BusinessID), code.BusinessName, code.PurchaseAmount, code.PointsEstimate,
		string(grants), false, code.ExpiresAt.UTC(), code.CreatedAt.UTC(),
	)
	if err != nil {
		if s.dialect.IsUniqueViolation != nil && s.dialect.IsUniqueViolation(err) {
			return loyalty.ErrDuplicateCode
		}
		return fmt.Errorf("failed to create code: %w", err)
	}
	return nil
}

func (s *Store) getCode(ctx context.Context, db querier, code string) (*loyalty.RedemptionCode, error) {
	var (
		rc         loyalty.RedemptionCode
		biz        string
		grants     string
		redeemedBy sql.NullString
		redeemedAt sql.NullTime
	)
	err := db.QueryRowContext(ctx, s.q(`
		SELECT code, business_id, business_name, purchase_amount, points_estimate, stamp_grants_json,
		       is_redeemed, redeemed_by, redeemed_at, expires_at, created_at
		FROM redemption_codes WHERE code = ?
	`), code).Scan(&rc.Code, &biz, &rc.BusinessName, &rc.PurchaseAmount, &rc.PointsEstimate, &grants,
		&rc.IsRedeemed, &redeemedBy, &redeemedAt, &rc.ExpiresAt, &rc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get code: %w", err)
	}
	if err := json.Unmarshal([]byte(grants), &rc.StampGrants); err != nil {
		return nil, fmt.Errorf("failed to decode stamp grants: %w", err)
	}
	rc.BusinessID = loyalty.BusinessID(biz)
	rc.RedeemedBy = loyalty.UserID(redeemedBy.String)
	if redeemedAt.Valid {
		t := redeemedAt.Time.UTC()
		rc.RedeemedAt = &t
	}
	rc.ExpiresAt = rc.ExpiresAt.UTC()
	rc.CreatedAt = rc.CreatedAt.UTC()
	return &rc, nil
}

func (s *Store) markRedeemed(ctx context.Context, db querier, code string, userID loyalty.UserID, at time.Time) (bool, error) {
	at = at.UTC()
	res, err := db.ExecContext(ctx, s.q(`
		UPDATE redemption_codes
		   SET is_redeemed = ?, redeemed_by = ?, redeemed_at = ?
		 WHERE code = ? AND is_redeemed = ? AND expires_at >= ?
	`), true, string(userID), at, code, false, at)
	if err != nil {
		return false, fmt.Errorf("failed to mark code redeemed: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to mark code redeemed: %w", err)
	}
	return n == 1, nil
}

func (s *Store) deleteExpiredCodes(ctx context.Context, db querier, before time.Time) (int64, error) {
	res, err := db.ExecContext(ctx, s.q(`DELETE FROM redemption_codes WHERE expires_at < ?`), before.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired codes: %w", err)
	}
	return res.RowsAffected()
}

// =============================================================================
// TRANSACTIONAL VIEW
// =============================================================================

// txView routes every call through one *sql.Tx. It never takes the write
// lock; WithTx already holds it.
type txView struct {
	s  *Store
	tx *sql.Tx
}

func (v *txView) SaveRewardSystem(ctx context.Context, rs loyalty.RewardSystem) error {
	return v.s.saveRewardSystem(ctx, v.tx, rs)
}

func (v *txView) GetRewardSystem(ctx context.Context, id loyalty.RewardSystemID) (*loyalty.RewardSystem, error) {
	return v.s.getRewardSystem(ctx, v.tx, id)
}

func (v *txView) ListRewardSystems(ctx context.Context, businessID loyalty.BusinessID) ([]loyalty.RewardSystem, error) {
	return v.s.listRewardSystems(ctx, v.tx, businessID)
}

func (v *txView) DeleteRewardSystem(ctx context.Context, id loyalty.RewardSystemID) error {
	return v.s.deleteRewardSystem(ctx, v.tx, id)
}

func (v *txView) ApplyDelta(ctx context.Context, d loyalty.BalanceDelta) (*loyalty.BusinessBalance, error) {
	return v.s.applyDelta(ctx, v.tx, d)
}

func (v *txView) GetLedger(ctx context.Context, userID loyalty.UserID) (*loyalty.LedgerEntry, error) {
	return v.s.getLedger(ctx, v.tx, userID)
}

func (v *txView) GetBusinessBalance(ctx context.Context, userID loyalty.UserID, businessID loyalty.BusinessID) (*loyalty.BusinessBalance, error) {
	return v.s.getBusinessBalance(ctx, v.tx, userID, businessID)
}

func (v *txView) AppendTransaction(ctx context.Context, rec loyalty.TransactionRecord) error {
	return v.s.appendTransaction(ctx, v.tx, rec)
}

func (v *txView) GetTransaction(ctx context.Context, id loyalty.TransactionID) (*loyalty.TransactionRecord, error) {
	return v.s.getTransaction(ctx, v.tx, id)
}

func (v *txView) ListTransactions(ctx context.Context, f loyalty.TransactionFilter) ([]loyalty.TransactionRecord, int, error) {
	return v.s.listTransactions(ctx, v.tx, f)
}

func (v *txView) CreateCode(ctx context.Context, code loyalty.RedemptionCode) error {
	return v.s.createCode(ctx, v.tx, code)
}

func (v *txView) GetCode(ctx context.Context, code string) (*loyalty.RedemptionCode, error) {
	return v.s.getCode(ctx, v.tx, code)
}

func (v *txView) MarkRedeemed(ctx context.Context, code string, userID loyalty.UserID, at time.Time) (bool, error) {
	return v.s.markRedeemed(ctx, v.tx, code, userID, at)
}

func (v *txView) DeleteExpiredCodes(ctx context.Context, before time.Time) (int64, error) {
	return v.s.deleteExpiredCodes(ctx, v.tx, before)
}

var (
	_ loyalty.TxStore = (*Store)(nil)
	_ loyalty.Store   = (*txView)(nil)
)
