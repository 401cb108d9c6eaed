/*
errors.go - Centralized error types for the loyalty engine

PURPOSE:
  All error types in one place for consistency and discoverability.
  Every core operation returns one of these (possibly wrapped) instead of a
  generic failure, so callers can translate them into their own
  presentation layer with errors.Is / errors.As.

ERROR CATEGORIES:
  1. Configuration errors - rejected before any write
  2. Balance errors - operation aborted, no partial state
  3. Log errors - caller/programmer mistakes, rejected before append
  4. Redemption errors - client-correctable, terminal for the given code
  5. Transient errors - safe to retry the whole call

SEE ALSO:
  - api/handlers.go: Maps these errors to HTTP statuses
*/
package loyalty

import (
	"errors"
	"fmt"
)

// =============================================================================
// SENTINEL ERRORS - Use with errors.Is()
// =============================================================================

var (
	// ErrInvalidConfig is returned when a reward system definition is malformed.
	ErrInvalidConfig = errors.New("invalid reward system config")

	// ErrInvalidDelta is returned when a balance delta changes nothing.
	ErrInvalidDelta = errors.New("invalid balance delta")

	// ErrInsufficientBalance is returned when a delta would drive a counter negative.
	ErrInsufficientBalance = errors.New("insufficient balance")

	// ErrInconsistentTransaction is returned when record items don't sum to its totals.
	ErrInconsistentTransaction = errors.New("inconsistent transaction")

	// ErrNothingToCredit is returned when an accrual resolves to zero points and stamps.
	ErrNothingToCredit = errors.New("nothing to credit")

	ErrRewardSystemNotFound = errors.New("reward system not found")
	ErrRewardSystemInactive = errors.New("reward system is not active")
	ErrKindMismatch         = errors.New("operation does not match reward system kind")
	ErrProductNotEligible   = errors.New("product is not eligible for this reward system")
	ErrTransactionNotFound  = errors.New("transaction not found")

	// Redemption code errors.
	ErrCodeNotFound            = errors.New("redemption code not found")
	ErrAlreadyRedeemed         = errors.New("redemption code already redeemed")
	ErrExpiredCode             = errors.New("redemption code expired")
	ErrNoActiveRewardSystems   = errors.New("no active reward systems to credit")
	ErrNoRewardSystemsFound    = errors.New("no reward systems found for code")
	ErrCodeGenerationExhausted = errors.New("could not generate a unique redemption code")

	// ErrDuplicateCode is returned by stores when a code value already exists.
	ErrDuplicateCode = errors.New("duplicate redemption code")

	ErrInvalidDateRange    = errors.New("invalid date range: end before start")
	ErrReportRangeTooLarge = errors.New("report date range too large")
)

// =============================================================================
// STRUCTURED ERRORS - Carry additional context
// =============================================================================

// InvalidConfigError names the reward system field that failed validation.
type InvalidConfigError struct {
	Field  string
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return fmt.Sprintf("invalid reward system config: %s %s", e.Field, e.Reason)
}

func (e *InvalidConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// InsufficientBalanceError provides details about a rejected delta.
type InsufficientBalanceError struct {
	UserID          UserID
	BusinessID      BusinessID
	RewardSystemID  RewardSystemID
	AvailablePoints int64
	AvailableStamps int64
	PointsDelta     int64
	StampsDelta     int64
}

func (e *InsufficientBalanceError) Error() string {
	return fmt.Sprintf("insufficient balance: available %d points / %d stamps, delta %d points / %d stamps",
		e.AvailablePoints, e.AvailableStamps, e.PointsDelta, e.StampsDelta)
}

func (e *InsufficientBalanceError) Unwrap() error {
	return ErrInsufficientBalance
}

// =============================================================================
// ERROR HELPERS
// =============================================================================

// IsRetryable returns true if the whole call might succeed on retry.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrCodeGenerationExhausted)
}

// IsClientError returns true if the error is due to invalid client input.
func IsClientError(err error) bool {
	return errors.Is(err, ErrInvalidConfig) ||
		errors.Is(err, ErrInvalidDelta) ||
		errors.Is(err, ErrInsufficientBalance) ||
		errors.Is(err, ErrNothingToCredit) ||
		errors.Is(err, ErrKindMismatch) ||
		errors.Is(err, ErrProductNotEligible) ||
		errors.Is(err, ErrRewardSystemInactive) ||
		errors.Is(err, ErrAlreadyRedeemed) ||
		errors.Is(err, ErrExpiredCode) ||
		errors.Is(err, ErrNoActiveRewardSystems) ||
		errors.Is(err, ErrNoRewardSystemsFound) ||
		errors.Is(err, ErrInvalidDateRange) ||
		errors.Is(err, ErrReportRangeTooLarge)
}

// IsNotFound returns true if the error indicates a missing resource.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRewardSystemNotFound) ||
		errors.Is(err, ErrTransactionNotFound) ||
		errors.Is(err, ErrCodeNotFound)
}
