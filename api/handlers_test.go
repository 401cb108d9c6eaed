/*
handlers_test.go - HTTP tests for the API handlers

Tests for:
- Reward system CRUD and validation errors
- Accrual, subtraction and redemption over HTTP
- Code generate/claim status mapping
- Transaction listing and reports
*/
package api_test

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

var testNow = time.Date(2025, time.March, 10, 15, 30, 0, 0, time.UTC)

type testServer struct {
	router *chi.Mux
	engine *loyalty.Engine
	clock  *loyalty.ManualClock
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	clock := loyalty.NewManualClock(testNow)
	engine := loyalty.NewEngine(store.NewTxMemory(), clock)

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	engine.SetLogger(quiet)

	h := api.NewHandler(engine, 0)
	h.Logger = quiet
	return &testServer{router: api.NewRouter(h, []string{"*"}), engine: engine, clock: clock}
}

func (s *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if raw, ok := body.(string); ok {
			buf.WriteString(raw)
		} else {
			require.NoError(t, json.NewEncoder(&buf).Encode(body))
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	s.router.ServeHTTP(rec, req)
	return rec
}

func decodeBody[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func assertError(t *testing.T, rec *httptest.ResponseRecorder, status int, code string) {
	t.Helper()
	assert.Equal(t, status, rec.Code, rec.Body.String())
	assert.Equal(t, code, decodeBody[api.ErrorResponse](t, rec).Error)
}

func (s *testServer) createPoints(t *testing.T, biz string) loyalty.RewardSystem {
	t.Helper()
	rec := s.do(t, http.MethodPost, "/api/businesses/"+biz+"/reward-systems", map[string]any{
		"name": "Puntos",
		"kind": "points",
		"points": map[string]any{
			"conversion_amount":   "10",
			"conversion_currency": "MXN",
			"conversion_points":   1,
		},
		"reward": map[string]any{"kind": "money", "amount": "50"},
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decodeBody[loyalty.RewardSystem](t, rec)
}

// =============================================================================
// REWARD SYSTEMS
// =============================================================================

func TestRewardSystems_CRUD(t *testing.T) {
	s := newTestServer(t)
	rs := s.createPoints(t, "biz-1")
	assert.True(t, rs.IsActive)
	assert.Equal(t, loyalty.BusinessID("biz-1"), rs.BusinessID)

	rec := s.do(t, http.MethodGet, "/api/businesses/biz-1/reward-systems/"+string(rs.ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/businesses/biz-2/reward-systems/"+string(rs.ID), nil)
	assertError(t, rec, http.StatusNotFound, "reward_system_not_found")

	rec = s.do(t, http.MethodDelete, "/api/businesses/biz-1/reward-systems/"+string(rs.ID), nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/businesses/biz-1/reward-systems?active=true", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[[]loyalty.RewardSystem](t, rec))

	rec = s.do(t, http.MethodGet, "/api/businesses/biz-1/reward-systems", nil)
	assert.Len(t, decodeBody[[]loyalty.RewardSystem](t, rec), 1)

	rec = s.do(t, http.MethodDelete, "/api/businesses/biz-1/reward-systems/"+string(rs.ID)+"?hard=true", nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = s.do(t, http.MethodGet, "/api/businesses/biz-1/reward-systems/"+string(rs.ID), nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestRewardSystems_InvalidConfig(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/businesses/biz-1/reward-systems", map[string]any{
		"name": "Card", "kind": "stamps",
		"stamps": map[string]any{"target_stamps": 0, "product_scope": map[string]any{"type": "any"}},
	})
	assertError(t, rec, http.StatusBadRequest, "invalid_config")
	assert.Contains(t, rec.Body.String(), "stamps.target_stamps")

	rec = s.do(t, http.MethodPost, "/api/businesses/biz-1/reward-systems", "{not json")
	assertError(t, rec, http.StatusBadRequest, "invalid_request")
}

// =============================================================================
// EVENTS
// =============================================================================

func TestEvents_AccrueSubtractRedeem(t *testing.T) {
	// GIVEN: A 10 MXN -> 1 point system
	// WHEN: Two purchases, an over-subtraction, then a redemption
	// THEN: 15 points, 409 on the over-subtraction, money reward on redeem

	s := newTestServer(t)
	rs := s.createPoints(t, "biz-1")

	for _, amount := range []string{"100", "50"} {
		rec := s.do(t, http.MethodPost, "/api/businesses/biz-1/accruals", map[string]any{
			"user_id": "user-1", "reward_system_id": rs.ID, "purchase_amount": amount, "shift_id": "morning",
		})
		require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	}

	rec := s.do(t, http.MethodGet, "/api/users/user-1/ledger/biz-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(15), decodeBody[loyalty.BusinessBalance](t, rec).Points)

	rec = s.do(t, http.MethodPost, "/api/businesses/biz-1/subtractions", map[string]any{
		"user_id": "user-1", "reward_system_id": rs.ID, "points": 16,
	})
	assertError(t, rec, http.StatusConflict, "insufficient_balance")

	rec = s.do(t, http.MethodPost, "/api/businesses/biz-1/accruals", map[string]any{
		"user_id": "user-1", "reward_system_id": rs.ID, "purchase_amount": "5",
	})
	assertError(t, rec, http.StatusBadRequest, "nothing_to_credit")

	rec = s.do(t, http.MethodPost, "/api/businesses/biz-1/redemptions", map[string]any{
		"user_id": "user-1", "reward_system_id": rs.ID, "points": 10,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	res := decodeBody[loyalty.EventResult](t, rec)
	require.NotNil(t, res.Reward)
	assert.Equal(t, loyalty.RewardMoney, res.Reward.Kind)
	assert.Equal(t, int64(5), res.Balance.Points)
	assert.Equal(t, loyalty.TxRedeem, res.Transaction.Type)

	rec = s.do(t, http.MethodGet, "/api/users/user-1/ledger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(5), decodeBody[loyalty.LedgerEntry](t, rec).Businesses["biz-1"].Points)
}

func TestLedger_UnknownUser_Empty(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodGet, "/api/users/nobody/ledger", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, decodeBody[loyalty.LedgerEntry](t, rec).Businesses)

	rec = s.do(t, http.MethodGet, "/api/users/nobody/ledger/biz-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decodeBody[loyalty.BusinessBalance](t, rec).Points)
}

// =============================================================================
// CODES
// =============================================================================

func TestCodes_GenerateClaimStatuses(t *testing.T) {
	s := newTestServer(t)

	rec := s.do(t, http.MethodPost, "/api/businesses/biz-1/codes", map[string]any{"amount": "100"})
	assertError(t, rec, http.StatusUnprocessableEntity, "no_reward_systems")

	s.createPoints(t, "biz-1")
	rec = s.do(t, http.MethodPost, "/api/businesses/biz-1/codes", map[string]any{"amount": "100", "business_name": "Cafe"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	code := decodeBody[loyalty.RedemptionCode](t, rec)
	assert.Equal(t, int64(10), code.PointsEstimate)

	rec = s.do(t, http.MethodGet, "/api/codes/"+code.Code, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodPost, "/api/codes/claim", api.ClaimCodeRequest{Code: code.Code, UserID: "user-1"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, int64(10), decodeBody[loyalty.ClaimResult](t, rec).PointsAdded)

	rec = s.do(t, http.MethodPost, "/api/codes/claim", api.ClaimCodeRequest{Code: code.Code, UserID: "user-2"})
	assertError(t, rec, http.StatusConflict, "already_redeemed")

	rec = s.do(t, http.MethodPost, "/api/codes/claim", api.ClaimCodeRequest{Code: "ZZZZZZZZ", UserID: "user-2"})
	assertError(t, rec, http.StatusNotFound, "code_not_found")

	rec = s.do(t, http.MethodPost, "/api/codes/claim", api.ClaimCodeRequest{UserID: "user-2"})
	assertError(t, rec, http.StatusBadRequest, "invalid_request")
}

func TestCodes_Expired_Gone_ThenPurged(t *testing.T) {
	s := newTestServer(t)
	s.createPoints(t, "biz-1")

	rec := s.do(t, http.MethodPost, "/api/businesses/biz-1/codes", map[string]any{"amount": "100"})
	require.Equal(t, http.StatusCreated, rec.Code)
	code := decodeBody[loyalty.RedemptionCode](t, rec)

	s.clock.Advance(loyalty.DefaultCodeTTL + time.Minute)
	rec = s.do(t, http.MethodPost, "/api/codes/claim", api.ClaimCodeRequest{Code: code.Code, UserID: "user-1"})
	assertError(t, rec, http.StatusGone, "code_expired")

	rec = s.do(t, http.MethodPost, "/api/admin/codes/purge", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, int64(1), decodeBody[api.PurgeResponse](t, rec).Deleted)
}

// =============================================================================
// TRANSACTIONS & REPORTS
// =============================================================================

func TestTransactions_ListAndGet(t *testing.T) {
	s := newTestServer(t)
	rs := s.createPoints(t, "biz-1")
	for i, shift := range []string{"morning", "evening", "morning"} {
		s.clock.Advance(time.Minute)
		rec := s.do(t, http.MethodPost, "/api/businesses/biz-1/accruals", map[string]any{
			"user_id": "user-1", "reward_system_id": rs.ID, "purchase_amount": 10 * (i + 1), "shift_id": shift,
		})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := s.do(t, http.MethodGet, "/api/transactions?user_id=user-1&shift=morning&page_size=1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	page := decodeBody[loyalty.TransactionPage](t, rec)
	assert.Equal(t, 2, page.Total)
	assert.True(t, page.HasMore)
	require.Len(t, page.Items, 1)
	assert.Equal(t, int64(3), page.Items[0].TotalPointsDelta)

	rec = s.do(t, http.MethodGet, "/api/transactions/"+string(page.Items[0].ID), nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/transactions/missing", nil)
	assertError(t, rec, http.StatusNotFound, "transaction_not_found")

	rec = s.do(t, http.MethodGet, "/api/transactions?page=abc", nil)
	assertError(t, rec, http.StatusBadRequest, "invalid_request")
}

func TestReport_Endpoint(t *testing.T) {
	s := newTestServer(t)
	rs := s.createPoints(t, "biz-1")
	rec := s.do(t, http.MethodPost, "/api/businesses/biz-1/accruals", map[string]any{
		"user_id": "user-1", "reward_system_id": rs.ID, "purchase_amount": "100", "shift_id": "morning", "branch_id": "centro",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	rec = s.do(t, http.MethodGet, "/api/businesses/biz-1/report?start=2025-03-10&end=2025-03-10", nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	report := decodeBody[loyalty.ReportData](t, rec)
	assert.Equal(t, loyalty.Totals{Transactions: 1, Points: 10}, report.Totals)
	require.Len(t, report.Branches, 1)
	assert.Equal(t, "centro", report.Branches[0].BranchID)

	rec = s.do(t, http.MethodGet, "/api/businesses/biz-1/report?start=2025-03-10&end=2025-03-10&shift=evening", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Zero(t, decodeBody[loyalty.ReportData](t, rec).Totals.Transactions)

	rec = s.do(t, http.MethodGet, "/api/businesses/biz-1/report?start=2025-01-01&end=2025-06-01", nil)
	assertError(t, rec, http.StatusBadRequest, "report_range_too_large")

	rec = s.do(t, http.MethodGet, "/api/businesses/biz-1/report?start=2025-03-10&end=2025-03-01", nil)
	assertError(t, rec, http.StatusBadRequest, "invalid_date_range")

	rec = s.do(t, http.MethodGet, "/api/businesses/biz-1/report?start=yesterday&end=2025-03-01", nil)
	assertError(t, rec, http.StatusBadRequest, "invalid_request")
}

func TestHealth(t *testing.T) {
	s := newTestServer(t)
	rec := s.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decodeBody[api.HealthResponse](t, rec).Status)
}
