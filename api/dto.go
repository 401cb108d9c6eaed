/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON request bodies accepted by the API. Responses reuse the
  loyalty types directly (they carry json tags) except where the API adds
  or hides fields.

NAMING CONVENTION:
  - *Request: Request body types from clients
  - *Response: Response wrappers

AMOUNTS:
  Purchase amounts are decimals and accept either a JSON number or a
  string ("100.50"). Strings avoid float rounding in clients.

VALIDATION:
  Validation is done by the engine, not in DTOs. DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - loyalty/types.go: Response types
*/
package api

import (
	"github.com/shopspring/decimal"
	"github.com/warp/loyalty-engine/loyalty"
)

// =============================================================================
// REQUEST TYPES
// =============================================================================

// RewardSystemRequest creates or updates a reward system.
type RewardSystemRequest = loyalty.RewardSystemConfig

type StampGrantRequest struct {
	RewardSystemID string `json:"reward_system_id"`
	Count          int64  `json:"count"`
}

// EventContext is shared by every balance-changing request.
type EventContext struct {
	UserID       string `json:"user_id"`
	BusinessName string `json:"business_name,omitempty"`
	BranchID     string `json:"branch_id,omitempty"`
	ShiftID      string `json:"shift_id,omitempty"`
	Notes        string `json:"notes,omitempty"`
}

// AccrualRequest records a purchase. Set reward_system_id for one program
// or stamps for a batch across stamps programs.
type AccrualRequest struct {
	EventContext
	RewardSystemID string              `json:"reward_system_id,omitempty"`
	Stamps         []StampGrantRequest `json:"stamps,omitempty"`
	PurchaseAmount decimal.Decimal     `json:"purchase_amount"`
	ProductID      string              `json:"product_id,omitempty"`
}

type SubtractRequest struct {
	EventContext
	RewardSystemID string `json:"reward_system_id"`
	Points         int64  `json:"points,omitempty"`
	Stamps         int64  `json:"stamps,omitempty"`
}

type RedeemRequest struct {
	EventContext
	RewardSystemID string `json:"reward_system_id"`
	Points         int64  `json:"points,omitempty"`
}

type GenerateCodeRequest struct {
	BusinessName string              `json:"business_name,omitempty"`
	Amount       decimal.Decimal     `json:"amount"`
	Stamps       []StampGrantRequest `json:"stamps,omitempty"`
}

type ClaimCodeRequest struct {
	Code   string `json:"code"`
	UserID string `json:"user_id"`
}

// =============================================================================
// RESPONSE TYPES
// =============================================================================

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

type HealthResponse struct {
	Status string `json:"status"`
}

type PurgeResponse struct {
	Deleted int64 `json:"deleted"`
}

// =============================================================================
// CONVERSIONS
// =============================================================================

func toStampGrants(in []StampGrantRequest) []loyalty.StampGrant {
	if len(in) == 0 {
		return nil
	}
	out := make([]loyalty.StampGrant, len(in))
	for i, g := range in {
		out[i] = loyalty.StampGrant{RewardSystemID: loyalty.RewardSystemID(g.RewardSystemID), Count: g.Count}
	}
	return out
}

func (r AccrualRequest) toEvent(businessID loyalty.BusinessID) loyalty.AccrualEvent {
	return loyalty.AccrualEvent{
		UserID:         loyalty.UserID(r.UserID),
		BusinessID:     businessID,
		BusinessName:   r.BusinessName,
		RewardSystemID: loyalty.RewardSystemID(r.RewardSystemID),
		Stamps:         toStampGrants(r.Stamps),
		PurchaseAmount: r.PurchaseAmount,
		ProductID:      r.ProductID,
		BranchID:       r.BranchID,
		ShiftID:        r.ShiftID,
		Notes:          r.Notes,
	}
}

func (r SubtractRequest) toEvent(businessID loyalty.BusinessID) loyalty.SubtractEvent {
	return loyalty.SubtractEvent{
		UserID:         loyalty.UserID(r.UserID),
		BusinessID:     businessID,
		BusinessName:   r.BusinessName,
		RewardSystemID: loyalty.RewardSystemID(r.RewardSystemID),
		Points:         r.Points,
		Stamps:         r.Stamps,
		BranchID:       r.BranchID,
		ShiftID:        r.ShiftID,
		Notes:          r.Notes,
	}
}

func (r RedeemRequest) toEvent(businessID loyalty.BusinessID) loyalty.RedeemEvent {
	return loyalty.RedeemEvent{
		UserID:         loyalty.UserID(r.UserID),
		BusinessID:     businessID,
		BusinessName:   r.BusinessName,
		RewardSystemID: loyalty.RewardSystemID(r.RewardSystemID),
		Points:         r.Points,
		BranchID:       r.BranchID,
		ShiftID:        r.ShiftID,
		Notes:          r.Notes,
	}
}
