/*
txlog.go - Append-only transaction log

PURPOSE:
  The log is the single source of truth for reporting. Every balance
  change in the Ledger is documented by exactly one record here.

CRITICAL INVARIANTS:
  1. APPEND-ONLY: No Update, No Delete.
  2. SUMS: TotalPointsDelta == sum(Items.PointsDelta), same for stamps.
  3. NON-EMPTY: Every record has at least one item.
  4. SNAPSHOTS: Business and reward-system names are copied at write time
     so history survives later renames or deletions.

PAGINATION:
  List returns pages newest-first. Page size defaults to 20 and is capped
  at 100 to bound response size.

SEE ALSO:
  - store.go: TransactionStore
  - report.go: Aggregates records into day/shift/branch summaries
*/
package loyalty

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// TransactionQuery is a paginated log scan.
type TransactionQuery struct {
	UserID     UserID
	BusinessID BusinessID
	BranchID   string
	ShiftIDs   []string // "unassigned" matches records without a shift
	Types      []TransactionType
	From       *time.Time
	To         *time.Time
	Page       int // 1-based
	PageSize   int
}

type TransactionPage struct {
	Items    []TransactionRecord `json:"items"`
	Total    int                 `json:"total"`
	Page     int                 `json:"page"`
	PageSize int                 `json:"page_size"`
	HasMore  bool                `json:"has_more"`
}

type TransactionLog struct {
	Store TransactionStore
	Clock Clock
}

func NewTransactionLog(store TransactionStore, clock Clock) *TransactionLog {
	if clock == nil {
		clock = SystemClock()
	}
	return &TransactionLog{Store: store, Clock: clock}
}

// Append validates and persists a record, assigning ID and CreatedAt if unset.
func (l *TransactionLog) Append(ctx context.Context, rec TransactionRecord) (*TransactionRecord, error) {
	return appendRecord(ctx, l.Store, rec, l.Clock.Now())
}

// Get returns a record by id or ErrTransactionNotFound.
func (l *TransactionLog) Get(ctx context.Context, id TransactionID) (*TransactionRecord, error) {
	rec, err := l.Store.GetTransaction(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load transaction: %w", err)
	}
	if rec == nil {
		return nil, ErrTransactionNotFound
	}
	return rec, nil
}

// List returns one page of matching records, newest first.
func (l *TransactionLog) List(ctx context.Context, q TransactionQuery) (*TransactionPage, error) {
	if q.Page < 1 {
		q.Page = 1
	}
	if q.PageSize < 1 {
		q.PageSize = DefaultPageSize
	}
	if q.PageSize > MaxPageSize {
		q.PageSize = MaxPageSize
	}

	items, total, err := l.Store.ListTransactions(ctx, TransactionFilter{
		UserID:     q.UserID,
		BusinessID: q.BusinessID,
		BranchID:   q.BranchID,
		ShiftIDs:   storedShiftIDs(q.ShiftIDs),
		Types:      q.Types,
		From:       q.From,
		To:         q.To,
		Limit:      q.PageSize,
		Offset:     (q.Page - 1) * q.PageSize,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	if items == nil {
		items = []TransactionRecord{}
	}
	return &TransactionPage{
		Items:    items,
		Total:    total,
		Page:     q.Page,
		PageSize: q.PageSize,
		HasMore:  q.Page*q.PageSize < total,
	}, nil
}

// storedShiftIDs maps Unassigned to the empty shift id records carry.
func storedShiftIDs(ids []string) []string {
	if len(ids) == 0 {
		return nil
	}
	out := make([]string, len(ids))
	for i, id := range ids {
		if id == Unassigned {
			id = ""
		}
		out[i] = id
	}
	return out
}

// ValidateRecord checks the structural invariants of a record.
func ValidateRecord(rec TransactionRecord) error {
	if rec.UserID == "" || rec.BusinessID == "" {
		return fmt.Errorf("%w: user and business are required", ErrInconsistentTransaction)
	}
	if !rec.Type.Valid() {
		return fmt.Errorf("%w: unknown type %q", ErrInconsistentTransaction, rec.Type)
	}
	if len(rec.Items) == 0 {
		return fmt.Errorf("%w: no items", ErrInconsistentTransaction)
	}
	var points, stamps int64
	for _, it := range rec.Items {
		if it.RewardSystemID == "" {
			return fmt.Errorf("%w: item without reward system", ErrInconsistentTransaction)
		}
		points += it.PointsDelta
		stamps += it.StampsDelta
	}
	if points != rec.TotalPointsDelta || stamps != rec.TotalStampsDelta {
		return fmt.Errorf("%w: items sum to %d points / %d stamps, totals declare %d / %d",
			ErrInconsistentTransaction, points, stamps, rec.TotalPointsDelta, rec.TotalStampsDelta)
	}
	return nil
}

// appendRecord is the store-level append used directly inside WithTx.
func appendRecord(ctx context.Context, s TransactionStore, rec TransactionRecord, now time.Time) (*TransactionRecord, error) {
	if err := ValidateRecord(rec); err != nil {
		return nil, err
	}
	if rec.ID == "" {
		rec.ID = TransactionID(uuid.NewString())
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	if err := s.AppendTransaction(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to append transaction: %w", err)
	}
	return &rec, nil
}

// newRecord builds a record whose totals are derived from its items.
func newRecord(userID UserID, businessID BusinessID, businessName string, typ TransactionType, items []TransactionItem) TransactionRecord {
	rec := TransactionRecord{
		UserID:       userID,
		BusinessID:   businessID,
		BusinessName: businessName,
		Type:         typ,
		Items:        items,
	}
	for _, it := range items {
		rec.TotalPointsDelta += it.PointsDelta
		rec.TotalStampsDelta += it.StampsDelta
	}
	return rec
}
