/*
engine.go - Inbound event processing

PURPOSE:
  Turns point-of-sale events into paired ledger mutations and log appends.
  Each event is processed inside exactly one WithTx: registry lookups,
  every ApplyDelta, and the single TransactionRecord either all commit or
  none do.

EVENTS:
  Accrue:   purchase earns points (points system) or a stamp (stamps system),
            or a batch of stamps across several stamps systems
  Subtract: manual removal of points/stamps (works on inactive systems)
  Redeem:   balance exchanged for the system's reward

KIND DISCIPLINE:
  Points only ever move on points systems and stamps only on stamps
  systems. This keeps BusinessBalance.Points equal to the sum over points
  systems, which is the roll-up the reports and UI rely on.

SEE ALSO:
  - ledger.go: applyDelta
  - txlog.go: appendRecord
  - codes.go: Deferred grants
*/
package loyalty

import (
	"context"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

// =============================================================================
// EVENTS
// =============================================================================

// AccrualEvent is a purchase. Set RewardSystemID for a single program or
// Stamps for a batch across stamps programs, never both.
type AccrualEvent struct {
	UserID         UserID
	BusinessID     BusinessID
	BusinessName   string
	RewardSystemID RewardSystemID
	Stamps         []StampGrant
	PurchaseAmount decimal.Decimal
	ProductID      string
	BranchID       string
	ShiftID        string
	Notes          string
}

type SubtractEvent struct {
	UserID         UserID
	BusinessID     BusinessID
	BusinessName   string
	RewardSystemID RewardSystemID
	Points         int64
	Stamps         int64
	BranchID       string
	ShiftID        string
	Notes          string
}

// RedeemEvent exchanges a balance for a reward. Points is the cost for
// points systems; stamps systems always cost TargetStamps.
type RedeemEvent struct {
	UserID         UserID
	BusinessID     BusinessID
	BusinessName   string
	RewardSystemID RewardSystemID
	Points         int64
	BranchID       string
	ShiftID        string
	Notes          string
}

// EventResult is what every balance-changing event returns.
type EventResult struct {
	Transaction *TransactionRecord `json:"transaction"`
	Balance     *BusinessBalance   `json:"balance"`
	Reward      *RewardValue       `json:"reward,omitempty"`
}

// =============================================================================
// ENGINE
// =============================================================================

type Engine struct {
	Store    TxStore
	Clock    Clock
	Logger   log.FieldLogger
	Registry *Registry
	Ledger   *Ledger
	Log      *TransactionLog
	Codes    *CodeEngine
}

func NewEngine(store TxStore, clock Clock) *Engine {
	if clock == nil {
		clock = SystemClock()
	}
	return &Engine{
		Store:    store,
		Clock:    clock,
		Logger:   log.StandardLogger(),
		Registry: NewRegistry(store, clock),
		Ledger:   NewLedger(store, clock),
		Log:      NewTransactionLog(store, clock),
		Codes:    NewCodeEngine(store, clock),
	}
}

// SetLogger points every component at logger.
func (e *Engine) SetLogger(logger log.FieldLogger) {
	e.Logger = logger
	e.Ledger.Logger = logger
	e.Codes.Logger = logger
}

// Accrue credits a purchase.
func (e *Engine) Accrue(ctx context.Context, ev AccrualEvent) (*EventResult, error) {
	if ev.UserID == "" || ev.BusinessID == "" {
		return nil, fmt.Errorf("%w: user and business are required", ErrInvalidDelta)
	}
	if ev.RewardSystemID == "" && len(ev.Stamps) == 0 {
		return nil, ErrNothingToCredit
	}
	if ev.RewardSystemID != "" && len(ev.Stamps) > 0 {
		return nil, fmt.Errorf("%w: reward_system_id and stamps are mutually exclusive", ErrInvalidDelta)
	}

	var amount *decimal.Decimal
	if ev.PurchaseAmount.IsPositive() {
		a := ev.PurchaseAmount
		amount = &a
	}

	return e.commit(ctx, func(s Store) (TransactionRecord, error) {
		var (
			items []TransactionItem
			err   error
		)
		if len(ev.Stamps) > 0 {
			items, err = accrueBatch(ctx, s, ev)
		} else {
			items, err = accrueSingle(ctx, s, ev)
		}
		if err != nil {
			return TransactionRecord{}, err
		}
		rec := newRecord(ev.UserID, ev.BusinessID, ev.BusinessName, TxAdd, items)
		rec.PurchaseAmount = amount
		rec.BranchID, rec.ShiftID, rec.Notes = ev.BranchID, ev.ShiftID, ev.Notes
		return rec, nil
	}, nil)
}

// Subtract removes points or stamps from one program.
func (e *Engine) Subtract(ctx context.Context, ev SubtractEvent) (*EventResult, error) {
	if ev.UserID == "" || ev.BusinessID == "" {
		return nil, fmt.Errorf("%w: user and business are required", ErrInvalidDelta)
	}
	if ev.Points < 0 || ev.Stamps < 0 {
		return nil, fmt.Errorf("%w: subtraction amounts must be positive", ErrInvalidDelta)
	}
	if ev.Points == 0 && ev.Stamps == 0 {
		return nil, fmt.Errorf("%w: nothing to subtract", ErrInvalidDelta)
	}

	return e.commit(ctx, func(s Store) (TransactionRecord, error) {
		rs, err := getScoped(ctx, s, ev.RewardSystemID, ev.BusinessID)
		if err != nil {
			return TransactionRecord{}, err
		}
		if (rs.Kind == KindPoints && ev.Stamps != 0) || (rs.Kind == KindStamps && ev.Points != 0) {
			return TransactionRecord{}, fmt.Errorf("%w: %s system", ErrKindMismatch, rs.Kind)
		}
		rec := newRecord(ev.UserID, ev.BusinessID, ev.BusinessName, TxSubtract, []TransactionItem{{
			RewardSystemID:   rs.ID,
			RewardSystemName: rs.Name,
			PointsDelta:      -ev.Points,
			StampsDelta:      -ev.Stamps,
		}})
		rec.BranchID, rec.ShiftID, rec.Notes = ev.BranchID, ev.ShiftID, ev.Notes
		return rec, nil
	}, nil)
}

// Redeem exchanges a balance for the program's reward.
func (e *Engine) Redeem(ctx context.Context, ev RedeemEvent) (*EventResult, error) {
	if ev.UserID == "" || ev.BusinessID == "" {
		return nil, fmt.Errorf("%w: user and business are required", ErrInvalidDelta)
	}

	var reward RewardValue
	res, err := e.commit(ctx, func(s Store) (TransactionRecord, error) {
		rs, err := getScoped(ctx, s, ev.RewardSystemID, ev.BusinessID)
		if err != nil {
			return TransactionRecord{}, err
		}
		if !rs.IsActive {
			return TransactionRecord{}, ErrRewardSystemInactive
		}
		item := TransactionItem{RewardSystemID: rs.ID, RewardSystemName: rs.Name}
		switch rs.Kind {
		case KindStamps:
			if ev.Points != 0 {
				return TransactionRecord{}, fmt.Errorf("%w: stamps system", ErrKindMismatch)
			}
			item.StampsDelta = -rs.Stamps.TargetStamps
		case KindPoints:
			if ev.Points <= 0 {
				return TransactionRecord{}, fmt.Errorf("%w: points to redeem must be positive", ErrInvalidDelta)
			}
			item.PointsDelta = -ev.Points
		}
		reward = rs.Reward
		rec := newRecord(ev.UserID, ev.BusinessID, ev.BusinessName, TxRedeem, []TransactionItem{item})
		rec.BranchID, rec.ShiftID, rec.Notes = ev.BranchID, ev.ShiftID, ev.Notes
		return rec, nil
	}, func(r *EventResult) { r.Reward = &reward })
	if err != nil {
		return nil, err
	}
	return res, nil
}

// GenerateCode issues a deferred grant. See CodeEngine.Generate.
func (e *Engine) GenerateCode(ctx context.Context, req CodeRequest) (*RedemptionCode, error) {
	return e.Codes.Generate(ctx, req)
}

// ClaimCode redeems a code for userID. See CodeEngine.Claim.
func (e *Engine) ClaimCode(ctx context.Context, code string, userID UserID) (*ClaimResult, error) {
	return e.Codes.Claim(ctx, code, userID)
}

// commit runs build, applies one delta per item, and appends the record,
// all inside one WithTx.
func (e *Engine) commit(ctx context.Context, build func(Store) (TransactionRecord, error), decorate func(*EventResult)) (*EventResult, error) {
	now := e.Clock.Now()
	var res EventResult
	err := e.Store.WithTx(ctx, func(s Store) error {
		rec, err := build(s)
		if err != nil {
			return err
		}
		// Validate before touching balances so a malformed record writes nothing.
		if err := ValidateRecord(rec); err != nil {
			return err
		}
		for _, it := range rec.Items {
			bal, err := applyDelta(ctx, s, BalanceDelta{
				UserID:         rec.UserID,
				BusinessID:     rec.BusinessID,
				RewardSystemID: it.RewardSystemID,
				Points:         it.PointsDelta,
				Stamps:         it.StampsDelta,
				At:             now,
			})
			if err != nil {
				return err
			}
			res.Balance = bal
		}
		stored, err := appendRecord(ctx, s, rec, now)
		if err != nil {
			return err
		}
		res.Transaction = stored
		return nil
	})
	if err != nil {
		return nil, err
	}
	if decorate != nil {
		decorate(&res)
	}

	e.Logger.WithFields(log.Fields{
		"user_id":     res.Transaction.UserID,
		"business_id": res.Transaction.BusinessID,
		"type":        res.Transaction.Type,
		"points":      res.Transaction.TotalPointsDelta,
		"stamps":      res.Transaction.TotalStampsDelta,
	}).Debug("transaction committed")
	return &res, nil
}

func accrueSingle(ctx context.Context, s Store, ev AccrualEvent) ([]TransactionItem, error) {
	rs, err := getScoped(ctx, s, ev.RewardSystemID, ev.BusinessID)
	if err != nil {
		return nil, err
	}
	if !rs.IsActive {
		return nil, ErrRewardSystemInactive
	}
	item := TransactionItem{RewardSystemID: rs.ID, RewardSystemName: rs.Name}
	switch rs.Kind {
	case KindPoints:
		item.PointsDelta = CalculatePoints(ev.PurchaseAmount, *rs.Points)
		if item.PointsDelta == 0 {
			return nil, fmt.Errorf("%w: amount below one conversion step", ErrNothingToCredit)
		}
	case KindStamps:
		if !rs.Stamps.ProductScope.Matches(ev.ProductID) {
			return nil, ErrProductNotEligible
		}
		item.StampsDelta = 1
	}
	return []TransactionItem{item}, nil
}

func accrueBatch(ctx context.Context, s Store, ev AccrualEvent) ([]TransactionItem, error) {
	counts := make(map[RewardSystemID]int64)
	for _, g := range ev.Stamps {
		if g.Count <= 0 {
			return nil, fmt.Errorf("%w: stamp count must be positive", ErrNothingToCredit)
		}
		counts[g.RewardSystemID] += g.Count
	}

	ids := make([]RewardSystemID, 0, len(counts))
	for id := range counts {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	items := make([]TransactionItem, 0, len(ids))
	for _, id := range ids {
		rs, err := getScoped(ctx, s, id, ev.BusinessID)
		if err != nil {
			return nil, err
		}
		if !rs.IsActive {
			return nil, ErrRewardSystemInactive
		}
		if rs.Kind != KindStamps {
			return nil, fmt.Errorf("%w: batch grants require stamps systems", ErrKindMismatch)
		}
		items = append(items, TransactionItem{
			RewardSystemID:   rs.ID,
			RewardSystemName: rs.Name,
			StampsDelta:      counts[id],
		})
	}
	return items, nil
}
