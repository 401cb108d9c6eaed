/*
handlers.go - HTTP API handlers for the loyalty engine

PURPOSE:
  Exposes the loyalty engine via REST API. Handles HTTP request/response,
  JSON serialization, and delegates to the engine.

ENDPOINTS:
  Reward systems:
    POST   /api/businesses/{businessID}/reward-systems        Create
    GET    /api/businesses/{businessID}/reward-systems        List (?active=true)
    GET    /api/businesses/{businessID}/reward-systems/{id}   Get
    PUT    /api/businesses/{businessID}/reward-systems/{id}   Update
    DELETE /api/businesses/{businessID}/reward-systems/{id}   Deactivate (?hard=true removes)

  Events:
    POST   /api/businesses/{businessID}/accruals              Purchase
    POST   /api/businesses/{businessID}/subtractions          Manual removal
    POST   /api/businesses/{businessID}/redemptions           Exchange balance for reward

  Codes:
    POST   /api/businesses/{businessID}/codes                 Generate
    POST   /api/codes/claim                                   Claim
    GET    /api/codes/{code}                                  Inspect

  Ledger:
    GET    /api/users/{userID}/ledger                         All businesses
    GET    /api/users/{userID}/ledger/{businessID}            One business

  Log and reports:
    GET    /api/transactions                                  Paginated, filtered
    GET    /api/transactions/{id}                             One record
    GET    /api/businesses/{businessID}/report                Day/shift/branch report

  Admin:
    POST   /api/admin/codes/purge                             Sweep expired codes now

REQUEST FLOW:
  1. Parse HTTP request
  2. Call the engine
  3. Serialize response
  4. Map errors with writeError

ERROR HANDLING:
  Errors are returned as JSON {error, message} with:
  - 400: Invalid input or config, nothing to credit, kind mismatch
  - 404: Reward system, transaction or code not found
  - 409: Insufficient balance, code already redeemed
  - 410: Code expired
  - 422: No reward systems to grant or credit
  - 503: Code generation exhausted (retryable)
  - 500: Internal errors (logged, message hidden)

SECURITY NOTE:
  No authentication. Callers are trusted internal services.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	log "github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Pinger is implemented by stores that can report connectivity.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Engine  *loyalty.Engine
	Reports *loyalty.Reports
	Logger  log.FieldLogger
}

// NewHandler creates a handler over engine. Reports read the engine's store.
func NewHandler(engine *loyalty.Engine, reportMaxDays int) *Handler {
	reports := loyalty.NewReports(engine.Store)
	if reportMaxDays > 0 {
		reports.MaxDays = reportMaxDays
	}
	return &Handler{Engine: engine, Reports: reports, Logger: log.StandardLogger()}
}

// =============================================================================
// REWARD SYSTEM HANDLERS
// =============================================================================

func (h *Handler) CreateRewardSystem(w http.ResponseWriter, r *http.Request) {
	var req RewardSystemRequest
	if !decode(w, r, &req) {
		return
	}
	rs, err := h.Engine.Registry.Create(r.Context(), businessID(r), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rs)
}

func (h *Handler) ListRewardSystems(w http.ResponseWriter, r *http.Request) {
	activeOnly := r.URL.Query().Get("active") == "true"
	list, err := h.Engine.Registry.List(r.Context(), businessID(r), activeOnly)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if list == nil {
		list = []loyalty.RewardSystem{}
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *Handler) GetRewardSystem(w http.ResponseWriter, r *http.Request) {
	rs, err := h.Engine.Registry.Get(r.Context(), loyalty.RewardSystemID(chi.URLParam(r, "id")), businessID(r))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (h *Handler) UpdateRewardSystem(w http.ResponseWriter, r *http.Request) {
	var req RewardSystemRequest
	if !decode(w, r, &req) {
		return
	}
	rs, err := h.Engine.Registry.Update(r.Context(), loyalty.RewardSystemID(chi.URLParam(r, "id")), businessID(r), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rs)
}

func (h *Handler) DeactivateRewardSystem(w http.ResponseWriter, r *http.Request) {
	hard := r.URL.Query().Get("hard") == "true"
	if err := h.Engine.Registry.Deactivate(r.Context(), loyalty.RewardSystemID(chi.URLParam(r, "id")), businessID(r), hard); err != nil {
		h.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// =============================================================================
// EVENT HANDLERS
// =============================================================================

func (h *Handler) Accrue(w http.ResponseWriter, r *http.Request) {
	var req AccrualRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Accrue(r.Context(), req.toEvent(businessID(r)))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) Subtract(w http.ResponseWriter, r *http.Request) {
	var req SubtractRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Subtract(r.Context(), req.toEvent(businessID(r)))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) Redeem(w http.ResponseWriter, r *http.Request) {
	var req RedeemRequest
	if !decode(w, r, &req) {
		return
	}
	res, err := h.Engine.Redeem(r.Context(), req.toEvent(businessID(r)))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

// =============================================================================
// CODE HANDLERS
// =============================================================================

func (h *Handler) GenerateCode(w http.ResponseWriter, r *http.Request) {
	var req GenerateCodeRequest
	if !decode(w, r, &req) {
		return
	}
	code, err := h.Engine.GenerateCode(r.Context(), loyalty.CodeRequest{
		BusinessID:   businessID(r),
		BusinessName: req.BusinessName,
		Amount:       req.Amount,
		Stamps:       toStampGrants(req.Stamps),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, code)
}

func (h *Handler) ClaimCode(w http.ResponseWriter, r *http.Request) {
	var req ClaimCodeRequest
	if !decode(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.Code) == "" || req.UserID == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "code and user_id are required")
		return
	}
	res, err := h.Engine.ClaimCode(r.Context(), req.Code, loyalty.UserID(req.UserID))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (h *Handler) GetCode(w http.ResponseWriter, r *http.Request) {
	code, err := h.Engine.Codes.Get(r.Context(), chi.URLParam(r, "code"))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, code)
}

func (h *Handler) PurgeCodes(w http.ResponseWriter, r *http.Request) {
	n, err := h.Engine.Codes.PurgeExpired(r.Context())
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, PurgeResponse{Deleted: n})
}

// =============================================================================
// LEDGER HANDLERS
// =============================================================================

func (h *Handler) GetLedger(w http.ResponseWriter, r *http.Request) {
	userID := loyalty.UserID(chi.URLParam(r, "userID"))
	entry, err := h.Engine.Ledger.Get(r.Context(), userID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if entry == nil {
		// No activity yet reads as an empty ledger.
		entry = &loyalty.LedgerEntry{UserID: userID, Businesses: map[loyalty.BusinessID]loyalty.BusinessBalance{}}
	}
	writeJSON(w, http.StatusOK, entry)
}

func (h *Handler) GetBusinessBalance(w http.ResponseWriter, r *http.Request) {
	biz := businessID(r)
	bal, err := h.Engine.Ledger.GetForBusiness(r.Context(), loyalty.UserID(chi.URLParam(r, "userID")), biz)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if bal == nil {
		bal = &loyalty.BusinessBalance{BusinessID: biz, PerSystem: map[loyalty.RewardSystemID]loyalty.SystemBalance{}}
	}
	writeJSON(w, http.StatusOK, bal)
}

// =============================================================================
// TRANSACTION & REPORT HANDLERS
// =============================================================================

func (h *Handler) ListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := loyalty.TransactionQuery{
		UserID:     loyalty.UserID(q.Get("user_id")),
		BusinessID: loyalty.BusinessID(q.Get("business_id")),
		BranchID:   q.Get("branch_id"),
		ShiftIDs:   multi(q, "shift"),
		Types:      txTypes(multi(q, "type")),
	}

	var err error
	if query.Page, err = intParam(q.Get("page")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "page must be an integer")
		return
	}
	if query.PageSize, err = intParam(q.Get("page_size")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "page_size must be an integer")
		return
	}
	if query.From, err = timeParam(q.Get("from")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "from must be RFC3339 or YYYY-MM-DD")
		return
	}
	if query.To, err = timeParam(q.Get("to")); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "to must be RFC3339 or YYYY-MM-DD")
		return
	}

	page, err := h.Engine.Log.List(r.Context(), query)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if page.Items == nil {
		page.Items = []loyalty.TransactionRecord{}
	}
	writeJSON(w, http.StatusOK, page)
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Engine.Log.Get(r.Context(), loyalty.TransactionID(chi.URLParam(r, "id")))
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, err := time.Parse(dateLayout, q.Get("start"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "start must be YYYY-MM-DD")
		return
	}
	end, err := time.Parse(dateLayout, q.Get("end"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "end must be YYYY-MM-DD")
		return
	}

	report, err := h.Reports.Build(r.Context(), loyalty.ReportRequest{
		BusinessID: businessID(r),
		Start:      start,
		End:        end,
		ShiftIDs:   multi(q, "shift"),
		Types:      txTypes(multi(q, "type")),
	})
	if err != nil {
		h.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

// Health reports store connectivity when the store supports it.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	if p, ok := h.Engine.Store.(Pinger); ok {
		if err := p.Ping(r.Context()); err != nil {
			h.Logger.WithError(err).Warn("health check failed")
			writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// =============================================================================
// ERROR MAPPING
// =============================================================================

type errorMapping struct {
	target error
	status int
	code   string
}

// Order matters: the first match wins.
var errorMappings = []errorMapping{
	{loyalty.ErrInvalidConfig, http.StatusBadRequest, "invalid_config"},
	{loyalty.ErrInvalidDelta, http.StatusBadRequest, "invalid_delta"},
	{loyalty.ErrNothingToCredit, http.StatusBadRequest, "nothing_to_credit"},
	{loyalty.ErrInconsistentTransaction, http.StatusBadRequest, "inconsistent_transaction"},
	{loyalty.ErrKindMismatch, http.StatusBadRequest, "kind_mismatch"},
	{loyalty.ErrProductNotEligible, http.StatusBadRequest, "product_not_eligible"},
	{loyalty.ErrRewardSystemInactive, http.StatusBadRequest, "reward_system_inactive"},
	{loyalty.ErrInvalidDateRange, http.StatusBadRequest, "invalid_date_range"},
	{loyalty.ErrReportRangeTooLarge, http.StatusBadRequest, "report_range_too_large"},
	{loyalty.ErrRewardSystemNotFound, http.StatusNotFound, "reward_system_not_found"},
	{loyalty.ErrTransactionNotFound, http.StatusNotFound, "transaction_not_found"},
	{loyalty.ErrCodeNotFound, http.StatusNotFound, "code_not_found"},
	{loyalty.ErrInsufficientBalance, http.StatusConflict, "insufficient_balance"},
	{loyalty.ErrAlreadyRedeemed, http.StatusConflict, "already_redeemed"},
	{loyalty.ErrExpiredCode, http.StatusGone, "code_expired"},
	{loyalty.ErrNoRewardSystemsFound, http.StatusUnprocessableEntity, "no_reward_systems"},
	{loyalty.ErrNoActiveRewardSystems, http.StatusUnprocessableEntity, "no_active_reward_systems"},
	{loyalty.ErrCodeGenerationExhausted, http.StatusServiceUnavailable, "code_generation_exhausted"},
}

// writeError maps engine errors to a status and a stable error code.
func (h *Handler) writeError(w http.ResponseWriter, err error) {
	for _, m := range errorMappings {
		if errors.Is(err, m.target) {
			writeError(w, m.status, m.code, err.Error())
			return
		}
	}
	h.Logger.WithError(err).Error("request failed")
	writeError(w, http.StatusInternalServerError, "internal", "internal error")
}

// =============================================================================
// HELPERS
// =============================================================================

const dateLayout = "2006-01-02"

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid request body: "+err.Error())
		return false
	}
	return true
}

func businessID(r *http.Request) loyalty.BusinessID {
	return loyalty.BusinessID(chi.URLParam(r, "businessID"))
}

// multi accepts both repeated (?shift=a&shift=b) and comma-separated values.
func multi(q map[string][]string, key string) []string {
	var out []string
	for _, v := range q[key] {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}

func txTypes(values []string) []loyalty.TransactionType {
	if len(values) == 0 {
		return nil
	}
	out := make([]loyalty.TransactionType, len(values))
	for i, v := range values {
		out[i] = loyalty.TransactionType(v)
	}
	return out
}

func intParam(s string) (int, error) {
	if s == "" {
		return 0, nil
	}
	return strconv.Atoi(s)
}

func timeParam(s string) (*time.Time, error) {
	if s == "" {
		return nil, nil
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return &t, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
