package postgres_test

import (
	"context"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/store/postgres"
	"github.com/warp/loyalty-engine/store/sqlstore"
)

var testNow = time.Date(2025, time.March, 10, 15, 30, 0, 0, time.UTC)

func newMock(t *testing.T) (*postgres.Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return postgres.NewWithDB(db), mock
}

func expectLedgerUpserts(mock sqlmock.Sqlmock) {
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledgers (user_id, created_at, updated_at) VALUES ($1, $2, $3)")).
		WithArgs("user-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_businesses")).
		WithArgs("user-1", "biz-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
}

// expectGuardedDelta expects one delta's statements after the ledger and
// business upserts: business row first, then the system row.
func expectGuardedDelta(mock sqlmock.Sqlmock, system string, points, stamps int64) {
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ledger_businesses")).
		WithArgs(points, stamps, sqlmock.AnyArg(), "user-1", "biz-1", points, stamps).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO ledger_systems")).
		WithArgs("user-1", "biz-1", system, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ledger_systems")).
		WithArgs(points, stamps, sqlmock.AnyArg(), "user-1", "biz-1", system, points, stamps).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ledgers SET updated_at = $1 WHERE user_id = $2")).
		WithArgs(sqlmock.AnyArg(), "user-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
}

func expectBalanceRead(mock sqlmock.Sqlmock, rows *sqlmock.Rows) {
	mock.ExpectQuery(regexp.QuoteMeta("FROM ledger_businesses WHERE user_id = $1 AND business_id = $2")).
		WithArgs("user-1", "biz-1").
		WillReturnRows(sqlmock.NewRows([]string{"points", "stamps", "last_activity_at"}).
			AddRow(int64(5), int64(0), testNow))
	mock.ExpectQuery(regexp.QuoteMeta("FROM ledger_systems WHERE user_id = $1 AND business_id = $2")).
		WithArgs("user-1", "biz-1").
		WillReturnRows(rows)
}

func TestRebindDollar(t *testing.T) {
	assert.Equal(t,
		"SELECT * FROM t WHERE a = $1 AND b IN ($2, $3) LIMIT $4",
		sqlstore.RebindDollar("SELECT * FROM t WHERE a = ? AND b IN (?, ?) LIMIT ?"))
	assert.Equal(t, "SELECT 1", sqlstore.RebindDollar("SELECT 1"))
}

func TestPostgres_ApplyDelta_GuardedIncrement(t *testing.T) {
	// GIVEN: An empty ledger
	// WHEN: Applying +5 points
	// THEN: Rows are created if absent, then both counters are incremented
	//       in place with the non-negativity guard, in one transaction,
	//       business row before system row

	st, mock := newMock(t)

	mock.ExpectBegin()
	expectLedgerUpserts(mock)
	expectGuardedDelta(mock, "rs-1", 5, 0)
	expectBalanceRead(mock, sqlmock.NewRows([]string{"business_id", "reward_system_id", "points", "stamps", "last_updated"}).
		AddRow("biz-1", "rs-1", int64(5), int64(0), testNow))
	mock.ExpectCommit()

	bal, err := st.ApplyDelta(context.Background(), loyalty.BalanceDelta{
		UserID: "user-1", BusinessID: "biz-1", RewardSystemID: "rs-1", Points: 5, At: testNow,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), bal.Points)
	assert.Equal(t, int64(5), bal.PerSystem["rs-1"].Points)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ApplyDelta_Underflow_RollsBack(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectBegin()
	expectLedgerUpserts(mock)
	mock.ExpectExec(regexp.QuoteMeta("UPDATE ledger_businesses")).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta("SELECT points, stamps FROM ledger_systems")).
		WithArgs("user-1", "biz-1", "rs-1").
		WillReturnRows(sqlmock.NewRows([]string{"points", "stamps"}).AddRow(int64(3), int64(0)))
	mock.ExpectRollback()

	_, err := st.ApplyDelta(context.Background(), loyalty.BalanceDelta{
		UserID: "user-1", BusinessID: "biz-1", RewardSystemID: "rs-1", Points: -4, At: testNow,
	})
	var insufficient *loyalty.InsufficientBalanceError
	require.ErrorAs(t, err, &insufficient)
	assert.Equal(t, int64(3), insufficient.AvailablePoints)
	assert.Equal(t, int64(-4), insufficient.PointsDelta)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_WithTx_TwoSystems_LocksBusinessRowFirst(t *testing.T) {
	// GIVEN: One unit crediting two stamp systems of the same business
	// WHEN: Both deltas run in one transaction
	// THEN: Each delta touches the business row before its system row, so
	//       every unit for this user and business locks rows in one order

	st, mock := newMock(t)

	mock.ExpectBegin()
	expectLedgerUpserts(mock)
	expectGuardedDelta(mock, "rs-1", 0, 1)
	expectBalanceRead(mock, sqlmock.NewRows([]string{"business_id", "reward_system_id", "points", "stamps", "last_updated"}).
		AddRow("biz-1", "rs-1", int64(0), int64(1), testNow))
	expectLedgerUpserts(mock)
	expectGuardedDelta(mock, "rs-2", 0, 2)
	expectBalanceRead(mock, sqlmock.NewRows([]string{"business_id", "reward_system_id", "points", "stamps", "last_updated"}).
		AddRow("biz-1", "rs-1", int64(0), int64(1), testNow).
		AddRow("biz-1", "rs-2", int64(0), int64(2), testNow))
	mock.ExpectCommit()

	err := st.WithTx(context.Background(), func(tx loyalty.Store) error {
		for _, d := range []loyalty.BalanceDelta{
			{UserID: "user-1", BusinessID: "biz-1", RewardSystemID: "rs-1", Stamps: 1, At: testNow},
			{UserID: "user-1", BusinessID: "biz-1", RewardSystemID: "rs-2", Stamps: 2, At: testNow},
		} {
			if _, err := tx.ApplyDelta(context.Background(), d); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_CreateCode_UniqueViolation(t *testing.T) {
	st, mock := newMock(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO redemption_codes")).
		WillReturnError(&pgconn.PgError{Code: "23505", Message: "duplicate key value violates unique constraint"})

	err := st.CreateCode(context.Background(), loyalty.RedemptionCode{
		Code:           "ABCD2345",
		BusinessID:     "biz-1",
		PurchaseAmount: decimal.NewFromInt(100),
		ExpiresAt:      testNow.Add(loyalty.DefaultCodeTTL),
		CreatedAt:      testNow,
	})
	assert.ErrorIs(t, err, loyalty.ErrDuplicateCode)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_MarkRedeemed_CompareAndSwap(t *testing.T) {
	st, mock := newMock(t)

	for _, affected := range []int64{1, 0} {
		mock.ExpectExec(regexp.QuoteMeta("WHERE code = $4 AND is_redeemed = $5 AND expires_at >= $6")).
			WithArgs(true, "user-1", sqlmock.AnyArg(), "ABCD2345", false, sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, affected))
	}

	ok, err := st.MarkRedeemed(context.Background(), "ABCD2345", "user-1", testNow)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.MarkRedeemed(context.Background(), "ABCD2345", "user-1", testNow)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_ListTransactions_BuildsFilter(t *testing.T) {
	st, mock := newMock(t)

	where := "WHERE business_id = $1 AND shift_id IN ($2, $3) AND tx_type IN ($4)"
	mock.ExpectQuery(regexp.QuoteMeta("SELECT COUNT(*) FROM transactions " + where)).
		WithArgs("biz-1", "morning", "evening", "add").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery(regexp.QuoteMeta(where + " ORDER BY created_at DESC, id DESC LIMIT $5 OFFSET $6")).
		WithArgs("biz-1", "morning", "evening", "add", 10, 0).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "business_id", "business_name", "tx_type", "purchase_amount", "items_json",
			"total_points_delta", "total_stamps_delta", "branch_id", "shift_id", "notes", "redemption_code", "created_at",
		}).AddRow(
			"tx-1", "user-1", "biz-1", "Cafe", "add", "50.00",
			`[{"reward_system_id":"rs-1","reward_system_name":"Points","points_delta":5,"stamps_delta":0}]`,
			int64(5), int64(0), "", "morning", "", "", testNow,
		))

	recs, total, err := st.ListTransactions(context.Background(), loyalty.TransactionFilter{
		BusinessID: "biz-1",
		ShiftIDs:   []string{"morning", "evening"},
		Types:      []loyalty.TransactionType{loyalty.TxAdd},
		Limit:      10,
	})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, recs, 1)
	assert.Equal(t, loyalty.TransactionID("tx-1"), recs[0].ID)
	require.NotNil(t, recs[0].PurchaseAmount)
	assert.True(t, recs[0].PurchaseAmount.Equal(decimal.RequireFromString("50")))
	require.Len(t, recs[0].Items, 1)
	assert.Equal(t, "Points", recs[0].Items[0].RewardSystemName)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestPostgres_Schema_TransactionIndexes(t *testing.T) {
	schema := strings.Join(postgres.Dialect().Schema, "\n")

	for _, idx := range []string{
		"ON transactions(user_id, created_at DESC)",
		"ON transactions(business_id, created_at)",
		"ON transactions(user_id, business_id)",
		"ON transactions(business_id, shift_id, created_at)",
	} {
		assert.Contains(t, schema, idx)
	}
}
