/*
ledger.go - Per-user balance store

PURPOSE:
  The Ledger holds each user's aggregated balances, nested by business and
  then by reward system, with a roll-up total per business. It is a derived
  cache of sums over the Transaction Log.

CRITICAL INVARIANTS:
  1. NON-NEGATIVE: No counter (per-system or per-business) ever goes below 0.
     A delta that would underflow fails with InsufficientBalanceError and
     leaves every counter unchanged. It is never clamped.
  2. ROLL-UP: BusinessBalance.Points == sum(PerSystem[*].Points), same for
     stamps. Both levels move in the same atomic update.
  3. NO READ-THEN-WRITE: Counters are changed with guarded increments in
     the store, never by reading, adding, and writing back.

LAZY CREATION:
  The ledger document, the business entry and the system entry are
  created on the first delta that touches them (create-if-absent upserts
  keyed by the natural composite key). Nothing is ever deleted.

PAIRING WITH THE LOG:
  Ledger.ApplyDelta alone does NOT write a transaction record. Operations
  that change balances on behalf of users go through Engine, which pairs
  the delta with its log record inside one WithTx.

SEE ALSO:
  - store.go: BalanceStore contract
  - engine.go: Delta + log record pairing
  - points.go: CalculatePoints
*/
package loyalty

import (
	"context"
	"fmt"

	log "github.com/sirupsen/logrus"
)

// Ledger is the public face of the per-user balance store.
type Ledger struct {
	Store  BalanceStore
	Clock  Clock
	Logger log.FieldLogger
}

func NewLedger(store BalanceStore, clock Clock) *Ledger {
	if clock == nil {
		clock = SystemClock()
	}
	return &Ledger{Store: store, Clock: clock, Logger: log.StandardLogger()}
}

// ApplyDelta applies a signed points/stamps change to one
// (user, business, reward system) triple and returns the business roll-up.
func (l *Ledger) ApplyDelta(ctx context.Context, userID UserID, businessID BusinessID, systemID RewardSystemID, points, stamps int64) (*BusinessBalance, error) {
	bal, err := applyDelta(ctx, l.Store, BalanceDelta{
		UserID:         userID,
		BusinessID:     businessID,
		RewardSystemID: systemID,
		Points:         points,
		Stamps:         stamps,
		At:             l.Clock.Now(),
	})
	if err != nil {
		return nil, err
	}
	l.Logger.WithFields(log.Fields{
		"user_id":        userID,
		"business_id":    businessID,
		"reward_system":  systemID,
		"points_delta":   points,
		"stamps_delta":   stamps,
		"business_total": bal.Points,
	}).Debug("ledger delta applied")
	return bal, nil
}

// Get returns the user's full ledger, or nil if the user has none yet.
func (l *Ledger) Get(ctx context.Context, userID UserID) (*LedgerEntry, error) {
	entry, err := l.Store.GetLedger(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to load ledger: %w", err)
	}
	return entry, nil
}

// GetForBusiness returns the user's balance at one business, or nil.
func (l *Ledger) GetForBusiness(ctx context.Context, userID UserID, businessID BusinessID) (*BusinessBalance, error) {
	bal, err := l.Store.GetBusinessBalance(ctx, userID, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to load business balance: %w", err)
	}
	return bal, nil
}

// applyDelta validates d and hands it to the store. Used directly inside WithTx.
func applyDelta(ctx context.Context, s BalanceStore, d BalanceDelta) (*BusinessBalance, error) {
	if d.UserID == "" || d.BusinessID == "" || d.RewardSystemID == "" {
		return nil, fmt.Errorf("%w: user, business and reward system are required", ErrInvalidDelta)
	}
	if d.Points == 0 && d.Stamps == 0 {
		return nil, fmt.Errorf("%w: points and stamps deltas are both zero", ErrInvalidDelta)
	}
	bal, err := s.ApplyDelta(ctx, d)
	if err != nil {
		return nil, err
	}
	return bal, nil
}
