/*
codes.go - Redemption code engine

PURPOSE:
  A business that finalizes a purchase without the customer present
  (delivery, phone orders) issues a short code. The customer claims it
  later and the pre-computed grant is credited to their ledger.

STATE MACHINE:
  Pending --[claim before expiry]--> Redeemed (terminal)
  Pending --[now > expiresAt]------> Expired  (terminal, derived, not stored)

CLAIM SEQUENCE (single WithTx):
  1. Load code                      -> ErrCodeNotFound
  2. Expired?                       -> ErrExpiredCode (wins over redeemed)
  3. Redeemed?                      -> ErrAlreadyRedeemed
  4. Re-resolve active systems      -> ErrNoActiveRewardSystems
  5. MarkRedeemed compare-and-swap  -> lost race: ErrAlreadyRedeemed
  6. ApplyDelta per credited system
  7. Append "add" record tagged with the code
  Any failure rolls back every step, so a code is never marked without
  its credit and never credited twice.

RE-RESOLUTION:
  Claim credits the business's CURRENT active programs, not a snapshot
  from generation time. Points are recomputed from the stored purchase
  amount against the current points system; stamp grants for systems
  deactivated since generation are dropped.

TOKENS:
  Uppercase, drawn from an alphabet without 0/O/1/I so codes survive being
  read aloud. Uniqueness is enforced by the store; collisions retry with a
  fresh token up to MaxCodeAttempts.

SEE ALSO:
  - store.go: CodeStore.MarkRedeemed
  - api/scheduler.go: Periodic PurgeExpired
*/
package loyalty

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
)

const (
	CodeAlphabet       = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
	DefaultCodeLength  = 8
	DefaultCodeTTL     = 7 * 24 * time.Hour
	DefaultMaxAttempts = 3
)

// CodeRequest asks for a new code worth Amount (points) and/or Stamps.
type CodeRequest struct {
	BusinessID   BusinessID
	BusinessName string
	Amount       decimal.Decimal
	Stamps       []StampGrant
	TTL          time.Duration // zero means the engine default
}

type ClaimResult struct {
	PointsAdded int64              `json:"points_added"`
	StampsAdded int64              `json:"stamps_added"`
	BusinessID  BusinessID         `json:"business_id"`
	Transaction *TransactionRecord `json:"transaction"`
}

// CodeEngine generates and claims redemption codes.
type CodeEngine struct {
	Store           TxStore
	Clock           Clock
	Logger          log.FieldLogger
	TTL             time.Duration
	CodeLength      int
	MaxCodeAttempts int

	// Token produces candidate codes; nil uses crypto/rand over CodeAlphabet.
	Token func(length int) (string, error)
}

func NewCodeEngine(store TxStore, clock Clock) *CodeEngine {
	if clock == nil {
		clock = SystemClock()
	}
	return &CodeEngine{
		Store:           store,
		Clock:           clock,
		Logger:          log.StandardLogger(),
		TTL:             DefaultCodeTTL,
		CodeLength:      DefaultCodeLength,
		MaxCodeAttempts: DefaultMaxAttempts,
	}
}

// NormalizeCode makes lookups case-insensitive.
func NormalizeCode(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// Generate computes the grant and stores a new pending code.
func (e *CodeEngine) Generate(ctx context.Context, req CodeRequest) (*RedemptionCode, error) {
	if req.BusinessID == "" {
		return nil, fmt.Errorf("%w: business is required", ErrNoRewardSystemsFound)
	}
	if req.Amount.IsNegative() {
		req.Amount = decimal.Zero
	}

	var estimate int64
	if req.Amount.IsPositive() {
		ps, err := activePointsSystem(ctx, e.Store, req.BusinessID)
		if err != nil {
			return nil, err
		}
		if ps != nil {
			estimate = CalculatePoints(req.Amount, *ps.Points)
		}
	}

	grants, err := e.filterGrants(ctx, req.BusinessID, req.Stamps)
	if err != nil {
		return nil, err
	}
	if estimate == 0 && len(grants) == 0 {
		return nil, ErrNoRewardSystemsFound
	}

	ttl := req.TTL
	if ttl <= 0 {
		ttl = e.ttl()
	}
	now := e.Clock.Now()
	rc := RedemptionCode{
		BusinessID:     req.BusinessID,
		BusinessName:   req.BusinessName,
		PurchaseAmount: req.Amount,
		PointsEstimate: estimate,
		StampGrants:    grants,
		ExpiresAt:      now.Add(ttl),
		CreatedAt:      now,
	}

	attempts := e.MaxCodeAttempts
	if attempts < 1 {
		attempts = DefaultMaxAttempts
	}
	for i := 0; i < attempts; i++ {
		token, err := e.token()
		if err != nil {
			return nil, fmt.Errorf("failed to generate code: %w", err)
		}
		rc.Code = NormalizeCode(token)
		err = e.Store.CreateCode(ctx, rc)
		if err == nil {
			e.Logger.WithFields(log.Fields{
				"business_id": rc.BusinessID,
				"code":        rc.Code,
				"points":      rc.PointsEstimate,
				"grants":      len(rc.StampGrants),
			}).Info("redemption code generated")
			return &rc, nil
		}
		if !errors.Is(err, ErrDuplicateCode) {
			return nil, fmt.Errorf("failed to store code: %w", err)
		}
		e.Logger.WithField("attempt", i+1).Debug("redemption code collision, retrying")
	}
	return nil, ErrCodeGenerationExhausted
}

// Get returns a code by value (case-insensitive) or ErrCodeNotFound.
func (e *CodeEngine) Get(ctx context.Context, code string) (*RedemptionCode, error) {
	rc, err := e.Store.GetCode(ctx, NormalizeCode(code))
	if err != nil {
		return nil, fmt.Errorf("failed to load code: %w", err)
	}
	if rc == nil {
		return nil, ErrCodeNotFound
	}
	return rc, nil
}

// Claim redeems code for userID exactly once and credits the ledger.
func (e *CodeEngine) Claim(ctx context.Context, code string, userID UserID) (*ClaimResult, error) {
	code = NormalizeCode(code)
	if code == "" {
		return nil, ErrCodeNotFound
	}
	now := e.Clock.Now()

	var result *ClaimResult
	err := e.Store.WithTx(ctx, func(s Store) error {
		rc, err := s.GetCode(ctx, code)
		if err != nil {
			return fmt.Errorf("failed to load code: %w", err)
		}
		if rc == nil {
			return ErrCodeNotFound
		}
		if rc.IsExpired(now) {
			return ErrExpiredCode
		}
		if rc.IsRedeemed {
			return ErrAlreadyRedeemed
		}

		items, err := resolveGrant(ctx, s, rc)
		if err != nil {
			return err
		}
		if len(items) == 0 {
			return ErrNoActiveRewardSystems
		}

		ok, err := s.MarkRedeemed(ctx, code, userID, now)
		if err != nil {
			return fmt.Errorf("failed to mark code redeemed: %w", err)
		}
		if !ok {
			return ErrAlreadyRedeemed
		}

		for _, it := range items {
			if _, err := applyDelta(ctx, s, BalanceDelta{
				UserID:         userID,
				BusinessID:     rc.BusinessID,
				RewardSystemID: it.RewardSystemID,
				Points:         it.PointsDelta,
				Stamps:         it.StampsDelta,
				At:             now,
			}); err != nil {
				return err
			}
		}

		rec := newRecord(userID, rc.BusinessID, rc.BusinessName, TxAdd, items)
		amount := rc.PurchaseAmount
		if amount.IsPositive() {
			rec.PurchaseAmount = &amount
		}
		rec.RedemptionCode = rc.Code
		stored, err := appendRecord(ctx, s, rec, now)
		if err != nil {
			return err
		}

		result = &ClaimResult{
			PointsAdded: stored.TotalPointsDelta,
			StampsAdded: stored.TotalStampsDelta,
			BusinessID:  rc.BusinessID,
			Transaction: stored,
		}
		return nil
	})
	if err != nil {
		e.Logger.WithFields(log.Fields{
			"code":    code,
			"user_id": userID,
		}).WithError(err).Debug("redemption code claim rejected")
		return nil, err
	}

	e.Logger.WithFields(log.Fields{
		"code":        code,
		"user_id":     userID,
		"business_id": result.BusinessID,
		"points":      result.PointsAdded,
		"stamps":      result.StampsAdded,
	}).Info("redemption code claimed")
	return result, nil
}

// PurgeExpired deletes codes whose expiry has passed. Housekeeping only.
func (e *CodeEngine) PurgeExpired(ctx context.Context) (int64, error) {
	n, err := e.Store.DeleteExpiredCodes(ctx, e.Clock.Now())
	if err != nil {
		return 0, fmt.Errorf("failed to purge expired codes: %w", err)
	}
	if n > 0 {
		e.Logger.WithField("deleted", n).Info("expired redemption codes purged")
	}
	return n, nil
}

// filterGrants keeps grants for this business's active stamps systems with
// count > 0, merging repeated systems and ordering by system id.
func (e *CodeEngine) filterGrants(ctx context.Context, businessID BusinessID, stamps []StampGrant) ([]StampGrant, error) {
	if len(stamps) == 0 {
		return nil, nil
	}
	active, err := activeStampsSystems(ctx, e.Store, businessID)
	if err != nil {
		return nil, err
	}
	merged := make(map[RewardSystemID]int64)
	for _, g := range stamps {
		if g.Count <= 0 {
			continue
		}
		if _, ok := active[g.RewardSystemID]; !ok {
			continue
		}
		merged[g.RewardSystemID] += g.Count
	}
	out := make([]StampGrant, 0, len(merged))
	for id, n := range merged {
		out = append(out, StampGrant{RewardSystemID: id, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RewardSystemID < out[j].RewardSystemID })
	return out, nil
}

// resolveGrant maps a code's grant onto the business's current active systems.
func resolveGrant(ctx context.Context, s RewardSystemStore, rc *RedemptionCode) ([]TransactionItem, error) {
	var items []TransactionItem

	if rc.PurchaseAmount.IsPositive() && rc.PointsEstimate > 0 {
		ps, err := activePointsSystem(ctx, s, rc.BusinessID)
		if err != nil {
			return nil, err
		}
		if ps != nil {
			if pts := CalculatePoints(rc.PurchaseAmount, *ps.Points); pts > 0 {
				items = append(items, TransactionItem{
					RewardSystemID:   ps.ID,
					RewardSystemName: ps.Name,
					PointsDelta:      pts,
				})
			}
		}
	}

	if len(rc.StampGrants) > 0 {
		active, err := activeStampsSystems(ctx, s, rc.BusinessID)
		if err != nil {
			return nil, err
		}
		for _, g := range rc.StampGrants {
			rs, ok := active[g.RewardSystemID]
			if !ok || g.Count <= 0 {
				continue
			}
			items = append(items, TransactionItem{
				RewardSystemID:   rs.ID,
				RewardSystemName: rs.Name,
				StampsDelta:      g.Count,
			})
		}
	}
	return items, nil
}

func (e *CodeEngine) ttl() time.Duration {
	if e.TTL > 0 {
		return e.TTL
	}
	return DefaultCodeTTL
}

func (e *CodeEngine) token() (string, error) {
	n := e.CodeLength
	if n < 1 {
		n = DefaultCodeLength
	}
	if e.Token != nil {
		return e.Token(n)
	}
	return RandomCode(n)
}

// RandomCode draws length characters uniformly from CodeAlphabet.
func RandomCode(length int) (string, error) {
	max := big.NewInt(int64(len(CodeAlphabet)))
	var b strings.Builder
	b.Grow(length)
	for i := 0; i < length; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(CodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}
