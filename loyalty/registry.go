/*
registry.go - Reward System Registry

PURPOSE:
  Stores each business's points/stamps program configuration. Read-mostly
  reference data consumed by the ledger, the engine and the code engine.

TENANT ISOLATION:
  Every read is scoped by business. A reward system fetched with the wrong
  business id is reported as not found (never as forbidden) so a caller
  cannot probe for ids belonging to other tenants.

LIFECYCLE:
  Create -> Update* -> Deactivate (soft, isActive=false) or hard delete.
  Kind is immutable once created. Ledger balances held on a deactivated
  system are retained.

VALIDATION:
  Kind-specific fields are mutually exclusive:
  - points: conversion_amount > 0, conversion_points >= 1, currency
  - stamps: target_stamps >= 1, product scope (specific needs a product id)
  Validation happens on both create and update; failures return an
  *InvalidConfigError naming the offending field.

SEE ALSO:
  - types.go: RewardSystem, RewardSystemConfig, RewardValue
  - factory/reward_system.go: JSON/YAML definitions -> RewardSystemConfig
*/
package loyalty

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

const DefaultCurrency = "MXN"

// Registry manages reward system definitions.
type Registry struct {
	Store RewardSystemStore
	Clock Clock
}

func NewRegistry(store RewardSystemStore, clock Clock) *Registry {
	if clock == nil {
		clock = SystemClock()
	}
	return &Registry{Store: store, Clock: clock}
}

// Create validates cfg and stores a new active reward system for businessID.
func (r *Registry) Create(ctx context.Context, businessID BusinessID, cfg RewardSystemConfig) (*RewardSystem, error) {
	if businessID == "" {
		return nil, &InvalidConfigError{Field: "business_id", Reason: "is required"}
	}
	cfg = normalizeConfig(cfg)
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	now := r.Clock.Now()
	rs := RewardSystem{
		ID:                 RewardSystemID(uuid.NewString()),
		BusinessID:         businessID,
		RewardSystemConfig: cfg,
		IsActive:           true,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if err := r.Store.SaveRewardSystem(ctx, rs); err != nil {
		return nil, fmt.Errorf("failed to create reward system: %w", err)
	}
	return &rs, nil
}

// Get returns the reward system if it exists AND belongs to businessID.
func (r *Registry) Get(ctx context.Context, id RewardSystemID, businessID BusinessID) (*RewardSystem, error) {
	return getScoped(ctx, r.Store, id, businessID)
}

// Update replaces the editable configuration. Kind cannot change.
func (r *Registry) Update(ctx context.Context, id RewardSystemID, businessID BusinessID, cfg RewardSystemConfig) (*RewardSystem, error) {
	rs, err := r.Get(ctx, id, businessID)
	if err != nil {
		return nil, err
	}
	cfg = normalizeConfig(cfg)
	if cfg.Kind != rs.Kind {
		return nil, &InvalidConfigError{Field: "kind", Reason: "cannot change after creation"}
	}
	if err := ValidateConfig(cfg); err != nil {
		return nil, err
	}

	rs.RewardSystemConfig = cfg
	rs.UpdatedAt = r.Clock.Now()
	if err := r.Store.SaveRewardSystem(ctx, *rs); err != nil {
		return nil, fmt.Errorf("failed to update reward system: %w", err)
	}
	return rs, nil
}

// Deactivate soft-deletes a reward system, or removes it when hard is set.
func (r *Registry) Deactivate(ctx context.Context, id RewardSystemID, businessID BusinessID, hard bool) error {
	rs, err := r.Get(ctx, id, businessID)
	if err != nil {
		return err
	}
	if hard {
		if err := r.Store.DeleteRewardSystem(ctx, id); err != nil {
			return fmt.Errorf("failed to delete reward system: %w", err)
		}
		return nil
	}
	if !rs.IsActive {
		return nil
	}
	rs.IsActive = false
	rs.UpdatedAt = r.Clock.Now()
	if err := r.Store.SaveRewardSystem(ctx, *rs); err != nil {
		return fmt.Errorf("failed to deactivate reward system: %w", err)
	}
	return nil
}

// List returns a business's reward systems, optionally only active ones.
func (r *Registry) List(ctx context.Context, businessID BusinessID, activeOnly bool) ([]RewardSystem, error) {
	return listSystems(ctx, r.Store, businessID, activeOnly)
}

// ActivePointsSystem returns the business's oldest active points system, or nil.
func (r *Registry) ActivePointsSystem(ctx context.Context, businessID BusinessID) (*RewardSystem, error) {
	return activePointsSystem(ctx, r.Store, businessID)
}

// ActiveStampsSystems returns the business's active stamps systems keyed by id.
func (r *Registry) ActiveStampsSystems(ctx context.Context, businessID BusinessID) (map[RewardSystemID]RewardSystem, error) {
	return activeStampsSystems(ctx, r.Store, businessID)
}

// =============================================================================
// STORE-LEVEL HELPERS (usable inside WithTx)
// =============================================================================

func getScoped(ctx context.Context, s RewardSystemStore, id RewardSystemID, businessID BusinessID) (*RewardSystem, error) {
	rs, err := s.GetRewardSystem(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load reward system: %w", err)
	}
	if rs == nil || rs.BusinessID != businessID {
		return nil, ErrRewardSystemNotFound
	}
	return rs, nil
}

func listSystems(ctx context.Context, s RewardSystemStore, businessID BusinessID, activeOnly bool) ([]RewardSystem, error) {
	all, err := s.ListRewardSystems(ctx, businessID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reward systems: %w", err)
	}
	if !activeOnly {
		return all, nil
	}
	active := make([]RewardSystem, 0, len(all))
	for _, rs := range all {
		if rs.IsActive {
			active = append(active, rs)
		}
	}
	return active, nil
}

func activePointsSystem(ctx context.Context, s RewardSystemStore, businessID BusinessID) (*RewardSystem, error) {
	systems, err := listSystems(ctx, s, businessID, true)
	if err != nil {
		return nil, err
	}
	for i := range systems {
		if systems[i].Kind == KindPoints {
			return &systems[i], nil
		}
	}
	return nil, nil
}

func activeStampsSystems(ctx context.Context, s RewardSystemStore, businessID BusinessID) (map[RewardSystemID]RewardSystem, error) {
	systems, err := listSystems(ctx, s, businessID, true)
	if err != nil {
		return nil, err
	}
	out := make(map[RewardSystemID]RewardSystem)
	for _, rs := range systems {
		if rs.Kind == KindStamps {
			out[rs.ID] = rs
		}
	}
	return out, nil
}

// =============================================================================
// VALIDATION
// =============================================================================

func normalizeConfig(cfg RewardSystemConfig) RewardSystemConfig {
	cfg.Name = strings.TrimSpace(cfg.Name)
	if cfg.Points != nil {
		p := *cfg.Points
		p.ConversionCurrency = strings.ToUpper(strings.TrimSpace(p.ConversionCurrency))
		if p.ConversionCurrency == "" {
			p.ConversionCurrency = DefaultCurrency
		}
		cfg.Points = &p
	}
	if cfg.Stamps != nil {
		st := *cfg.Stamps
		st.ProductScope.ProductID = strings.TrimSpace(st.ProductScope.ProductID)
		cfg.Stamps = &st
	}
	return cfg
}

// ValidateConfig checks kind-specific fields and returns the first problem found.
func ValidateConfig(cfg RewardSystemConfig) error {
	if cfg.Name == "" {
		return &InvalidConfigError{Field: "name", Reason: "is required"}
	}

	switch cfg.Kind {
	case KindPoints:
		if cfg.Stamps != nil {
			return &InvalidConfigError{Field: "stamps", Reason: "not allowed for points systems"}
		}
		if cfg.Points == nil {
			return &InvalidConfigError{Field: "points", Reason: "is required for points systems"}
		}
		if !cfg.Points.ConversionAmount.IsPositive() {
			return &InvalidConfigError{Field: "points.conversion_amount", Reason: "must be greater than 0"}
		}
		if cfg.Points.ConversionPoints < 1 {
			return &InvalidConfigError{Field: "points.conversion_points", Reason: "must be at least 1"}
		}
		if len(cfg.Points.ConversionCurrency) != 3 {
			return &InvalidConfigError{Field: "points.conversion_currency", Reason: "must be a 3-letter currency code"}
		}
	case KindStamps:
		if cfg.Points != nil {
			return &InvalidConfigError{Field: "points", Reason: "not allowed for stamps systems"}
		}
		if cfg.Stamps == nil {
			return &InvalidConfigError{Field: "stamps", Reason: "is required for stamps systems"}
		}
		if cfg.Stamps.TargetStamps < 1 {
			return &InvalidConfigError{Field: "stamps.target_stamps", Reason: "must be at least 1"}
		}
		switch cfg.Stamps.ProductScope.Type {
		case ScopeSpecific:
			if cfg.Stamps.ProductScope.ProductID == "" {
				return &InvalidConfigError{Field: "stamps.product_scope.product_id", Reason: "is required for specific scope"}
			}
		case ScopeGeneral, ScopeAny:
		default:
			return &InvalidConfigError{Field: "stamps.product_scope.type", Reason: "must be specific, general or any"}
		}
	default:
		return &InvalidConfigError{Field: "kind", Reason: "must be points or stamps"}
	}

	return validateReward(cfg.Reward)
}

func validateReward(v RewardValue) error {
	switch v.Kind {
	case RewardNone:
		return nil
	case RewardMoney:
		if v.Amount == nil || !v.Amount.IsPositive() {
			return &InvalidConfigError{Field: "reward.amount", Reason: "must be greater than 0"}
		}
	case RewardProduct:
		if strings.TrimSpace(v.ProductID) == "" {
			return &InvalidConfigError{Field: "reward.product_id", Reason: "is required"}
		}
	case RewardText:
		if strings.TrimSpace(v.Text) == "" {
			return &InvalidConfigError{Field: "reward.text", Reason: "is required"}
		}
	default:
		return &InvalidConfigError{Field: "reward.kind", Reason: "must be money, product or text"}
	}
	return nil
}
