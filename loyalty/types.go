/*
Package loyalty provides the loyalty ledger and redemption engine.

PURPOSE:
  Businesses run points- or stamps-based reward programs. Users accrue
  balances by transacting at businesses and redeem them for rewards. This
  package owns the consistency-critical core of that system:
  - Reward System Registry: program configuration per business
  - Ledger: per-user balances nested business -> reward system
  - Transaction Log: immutable record of every balance change
  - Redemption Codes: single-use, time-limited deferred reward grants
  - Reports: day/shift/branch aggregates derived from the log

KEY CONCEPTS IN THIS FILE (types.go):
  - RewardSystem: a points or stamps program (with kind-specific config)
  - LedgerEntry / BusinessBalance: the per-user balance document
  - TransactionRecord: one balance-affecting event with name snapshots
  - RedemptionCode: a pre-computed grant waiting to be claimed
  - RewardValue: what a program gives out (money, product or text)

DESIGN PRINCIPLES:
  1. The log is the source of truth, balances are a derived cache of sums
  2. Every balance mutation is paired with exactly one log append, in one
     storage transaction (see store.go WithTx)
  3. Counters never go negative; a subtraction that would underflow fails
     as a whole instead of clamping
  4. Log records carry name snapshots so history survives renames

SEE ALSO:
  - store.go: Persistence interfaces
  - ledger.go: Balance mutation
  - engine.go: Inbound events (accrue, subtract, redeem)
  - codes.go: Redemption code engine
  - report.go: Report aggregation
*/
package loyalty

import (
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IDENTIFIERS
// =============================================================================

type UserID string
type BusinessID string
type RewardSystemID string
type TransactionID string

// =============================================================================
// REWARD SYSTEM - A business's points or stamps program
// =============================================================================

type RewardKind string

const (
	KindPoints RewardKind = "points"
	KindStamps RewardKind = "stamps"
)

// PointsConfig converts purchase amounts into points:
// every ConversionAmount spent earns ConversionPoints.
type PointsConfig struct {
	ConversionAmount   decimal.Decimal `json:"conversion_amount"`
	ConversionCurrency string          `json:"conversion_currency"`
	ConversionPoints   int64           `json:"conversion_points"`
}

type ScopeType string

const (
	ScopeSpecific ScopeType = "specific" // only the configured product earns stamps
	ScopeGeneral  ScopeType = "general"  // any identified product earns stamps
	ScopeAny      ScopeType = "any"      // every purchase earns stamps
)

type ProductScope struct {
	Type      ScopeType `json:"type"`
	ProductID string    `json:"product_id,omitempty"`
}

// Matches reports whether a purchase of productID earns a stamp under this scope.
func (s ProductScope) Matches(productID string) bool {
	switch s.Type {
	case ScopeSpecific:
		return productID != "" && productID == s.ProductID
	case ScopeGeneral:
		return productID != ""
	case ScopeAny:
		return true
	}
	return false
}

// StampsConfig describes a punch-card style program.
type StampsConfig struct {
	TargetStamps int64        `json:"target_stamps"`
	ProductScope ProductScope `json:"product_scope"`
}

// RewardSystemConfig is the user-editable part of a RewardSystem.
// Exactly one of Points / Stamps is set, matching Kind.
type RewardSystemConfig struct {
	Name   string        `json:"name"`
	Kind   RewardKind    `json:"kind"`
	Points *PointsConfig `json:"points,omitempty"`
	Stamps *StampsConfig `json:"stamps,omitempty"`
	Reward RewardValue   `json:"reward"`
}

type RewardSystem struct {
	ID         RewardSystemID `json:"id"`
	BusinessID BusinessID     `json:"business_id"`
	RewardSystemConfig
	IsActive  bool      `json:"is_active"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// =============================================================================
// REWARD VALUE - Tagged union of what a program gives out
// =============================================================================

type RewardValueKind string

const (
	RewardNone    RewardValueKind = ""
	RewardMoney   RewardValueKind = "money"
	RewardProduct RewardValueKind = "product"
	RewardText    RewardValueKind = "text"
)

// RewardValue holds one of: a money amount, a product reference, or free text.
// Only the field matching Kind is meaningful.
type RewardValue struct {
	Kind      RewardValueKind  `json:"kind,omitempty"`
	Amount    *decimal.Decimal `json:"amount,omitempty"`
	ProductID string           `json:"product_id,omitempty"`
	Text      string           `json:"text,omitempty"`
}

func MoneyReward(amount decimal.Decimal) RewardValue {
	return RewardValue{Kind: RewardMoney, Amount: &amount}
}

func ProductReward(productID string) RewardValue {
	return RewardValue{Kind: RewardProduct, ProductID: productID}
}

func TextReward(text string) RewardValue {
	return RewardValue{Kind: RewardText, Text: text}
}

// =============================================================================
// LEDGER - Per-user balance document
// =============================================================================

type SystemBalance struct {
	Points      int64     `json:"points"`
	Stamps      int64     `json:"stamps"`
	LastUpdated time.Time `json:"last_updated"`
}

// BusinessBalance is the roll-up of every reward system a user has
// activity on within one business. Points == sum(PerSystem.Points),
// Stamps == sum(PerSystem.Stamps).
type BusinessBalance struct {
	BusinessID     BusinessID                       `json:"business_id"`
	Points         int64                            `json:"points"`
	Stamps         int64                            `json:"stamps"`
	LastActivityAt time.Time                        `json:"last_activity_at"`
	PerSystem      map[RewardSystemID]SystemBalance `json:"per_system"`
}

type LedgerEntry struct {
	UserID     UserID                         `json:"user_id"`
	Businesses map[BusinessID]BusinessBalance `json:"businesses"`
	CreatedAt  time.Time                      `json:"created_at"`
	UpdatedAt  time.Time                      `json:"updated_at"`
}

// BalanceDelta is a signed change to one (user, business, reward system) triple.
type BalanceDelta struct {
	UserID         UserID
	BusinessID     BusinessID
	RewardSystemID RewardSystemID
	Points         int64
	Stamps         int64
	At             time.Time
}

// =============================================================================
// TRANSACTION RECORD - Immutable log entry
// =============================================================================

type TransactionType string

const (
	TxAdd      TransactionType = "add"      // Points/stamps earned (purchase, claimed code)
	TxSubtract TransactionType = "subtract" // Manual or corrective removal
	TxRedeem   TransactionType = "redeem"   // Balance exchanged for a reward
)

func (t TransactionType) Valid() bool {
	return t == TxAdd || t == TxSubtract || t == TxRedeem
}

type TransactionItem struct {
	RewardSystemID   RewardSystemID `json:"reward_system_id"`
	RewardSystemName string         `json:"reward_system_name"`
	PointsDelta      int64          `json:"points_delta"`
	StampsDelta      int64          `json:"stamps_delta"`
}

type TransactionRecord struct {
	ID               TransactionID     `json:"id"`
	UserID           UserID            `json:"user_id"`
	BusinessID       BusinessID        `json:"business_id"`
	BusinessName     string            `json:"business_name"`
	Type             TransactionType   `json:"type"`
	PurchaseAmount   *decimal.Decimal  `json:"purchase_amount,omitempty"`
	Items            []TransactionItem `json:"items"`
	TotalPointsDelta int64             `json:"total_points_delta"`
	TotalStampsDelta int64             `json:"total_stamps_delta"`
	BranchID         string            `json:"branch_id,omitempty"`
	ShiftID          string            `json:"shift_id,omitempty"`
	Notes            string            `json:"notes,omitempty"`
	RedemptionCode   string            `json:"redemption_code,omitempty"`
	CreatedAt        time.Time         `json:"created_at"`
}

// TransactionFilter selects log records. Zero values mean "no filter".
// Limit 0 means unbounded at the store level; TransactionLog applies the cap.
type TransactionFilter struct {
	UserID     UserID
	BusinessID BusinessID
	BranchID   string
	ShiftIDs   []string
	Types      []TransactionType
	From       *time.Time // inclusive
	To         *time.Time // exclusive
	Limit      int
	Offset     int
	Ascending  bool
}

// =============================================================================
// REDEMPTION CODE - Deferred reward grant
// =============================================================================

type StampGrant struct {
	RewardSystemID RewardSystemID `json:"reward_system_id"`
	Count          int64          `json:"count"`
}

type RedemptionCode struct {
	Code           string          `json:"code"`
	BusinessID     BusinessID      `json:"business_id"`
	BusinessName   string          `json:"business_name,omitempty"`
	PurchaseAmount decimal.Decimal `json:"purchase_amount"`
	PointsEstimate int64           `json:"points_estimate"`
	StampGrants    []StampGrant    `json:"stamp_grants"`
	IsRedeemed     bool            `json:"is_redeemed"`
	RedeemedBy     UserID          `json:"redeemed_by,omitempty"`
	RedeemedAt     *time.Time      `json:"redeemed_at,omitempty"`
	ExpiresAt      time.Time       `json:"expires_at"`
	CreatedAt      time.Time       `json:"created_at"`
}

// IsExpired reports whether the code can no longer be claimed at now.
func (c RedemptionCode) IsExpired(now time.Time) bool {
	return now.After(c.ExpiresAt)
}
