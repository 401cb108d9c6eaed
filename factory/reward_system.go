/*
Package factory converts seed definitions into reward systems.

PURPOSE:
  Businesses can be bootstrapped from a YAML file instead of API calls.
  The factory parses the file, converts each entry into a
  loyalty.RewardSystemConfig and creates it through the Registry, so seeded
  systems get the same validation and defaults as API-created ones.

YAML SCHEMA:
  businesses:
    - id: cafe-centro
      reward_systems:
        - name: Puntos
          kind: points
          points:
            conversion_amount: "10"
            conversion_currency: MXN
            conversion_points: 1
          reward:
            kind: money
            amount: "50"
        - name: Tarjeta de cafe
          kind: stamps
          stamps:
            target_stamps: 10
            product_scope: {type: specific, product_id: latte}
          reward:
            kind: product
            product_id: free-latte

  JSON is valid YAML, so the same schema works as a JSON document.

IDEMPOTENCY:
  Apply skips a definition when the business already has a reward system
  with the same name. Re-running a seed never duplicates programs.

USAGE:
  seed, err := factory.LoadSeedFile("seed.yaml")
  created, err := factory.NewSeeder(engine.Registry).Apply(ctx, seed)

SEE ALSO:
  - loyalty/registry.go: Validation and creation
  - cmd/server/main.go: Seeds on startup when LOYALTY_SEED_FILE is set
*/
package factory

import (
	"context"
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	log "github.com/sirupsen/logrus"
	"github.com/warp/loyalty-engine/loyalty"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// YAML SCHEMA TYPES
// =============================================================================

// Seed is the root of a seed document.
type Seed struct {
	Businesses []BusinessYAML `yaml:"businesses"`
}

type BusinessYAML struct {
	ID            string             `yaml:"id"`
	RewardSystems []RewardSystemYAML `yaml:"reward_systems"`
}

type RewardSystemYAML struct {
	Name   string      `yaml:"name"`
	Kind   string      `yaml:"kind"`
	Points *PointsYAML `yaml:"points,omitempty"`
	Stamps *StampsYAML `yaml:"stamps,omitempty"`
	Reward *RewardYAML `yaml:"reward,omitempty"`
	// Inactive seeds the system deactivated.
	Inactive bool `yaml:"inactive,omitempty"`
}

type PointsYAML struct {
	ConversionAmount   string `yaml:"conversion_amount"` // decimal string
	ConversionCurrency string `yaml:"conversion_currency,omitempty"`
	ConversionPoints   int64  `yaml:"conversion_points"`
}

type StampsYAML struct {
	TargetStamps int64     `yaml:"target_stamps"`
	ProductScope ScopeYAML `yaml:"product_scope"`
}

type ScopeYAML struct {
	Type      string `yaml:"type"` // specific, general, any
	ProductID string `yaml:"product_id,omitempty"`
}

type RewardYAML struct {
	Kind      string `yaml:"kind"` // money, product, text
	Amount    string `yaml:"amount,omitempty"`
	ProductID string `yaml:"product_id,omitempty"`
	Text      string `yaml:"text,omitempty"`
}

// =============================================================================
// PARSING
// =============================================================================

// LoadSeedFile reads and parses a seed file.
func LoadSeedFile(path string) (*Seed, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed parses a YAML (or JSON) seed document.
func ParseSeed(data []byte) (*Seed, error) {
	var seed Seed
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed: %w", err)
	}
	for i, b := range seed.Businesses {
		if b.ID == "" {
			return nil, fmt.Errorf("seed business #%d: missing id", i+1)
		}
	}
	return &seed, nil
}

// ToConfig converts one seed entry. Amounts are parsed here; everything
// else is validated by the Registry.
func (ry RewardSystemYAML) ToConfig() (loyalty.RewardSystemConfig, error) {
	cfg := loyalty.RewardSystemConfig{
		Name: ry.Name,
		Kind: loyalty.RewardKind(ry.Kind),
	}

	if ry.Points != nil {
		amount, err := parseAmount("points.conversion_amount", ry.Points.ConversionAmount)
		if err != nil {
			return cfg, err
		}
		cfg.Points = &loyalty.PointsConfig{
			ConversionAmount:   amount,
			ConversionCurrency: ry.Points.ConversionCurrency,
			ConversionPoints:   ry.Points.ConversionPoints,
		}
	}

	if ry.Stamps != nil {
		cfg.Stamps = &loyalty.StampsConfig{
			TargetStamps: ry.Stamps.TargetStamps,
			ProductScope: loyalty.ProductScope{
				Type:      loyalty.ScopeType(ry.Stamps.ProductScope.Type),
				ProductID: ry.Stamps.ProductScope.ProductID,
			},
		}
	}

	if ry.Reward != nil {
		switch loyalty.RewardValueKind(ry.Reward.Kind) {
		case loyalty.RewardMoney:
			amount, err := parseAmount("reward.amount", ry.Reward.Amount)
			if err != nil {
				return cfg, err
			}
			cfg.Reward = loyalty.MoneyReward(amount)
		case loyalty.RewardProduct:
			cfg.Reward = loyalty.ProductReward(ry.Reward.ProductID)
		case loyalty.RewardText:
			cfg.Reward = loyalty.TextReward(ry.Reward.Text)
		default:
			return cfg, &loyalty.InvalidConfigError{Field: "reward.kind", Reason: fmt.Sprintf("unknown reward kind %q", ry.Reward.Kind)}
		}
	}

	return cfg, nil
}

func parseAmount(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &loyalty.InvalidConfigError{Field: field, Reason: fmt.Sprintf("invalid decimal %q", s)}
	}
	return d, nil
}

// =============================================================================
// SEEDER
// =============================================================================

// Seeder creates seeded reward systems through the Registry.
type Seeder struct {
	Registry *loyalty.Registry
	Logger   log.FieldLogger
}

func NewSeeder(registry *loyalty.Registry) *Seeder {
	return &Seeder{Registry: registry, Logger: log.StandardLogger()}
}

// Apply creates every definition not already present (by business and
// name) and returns the systems it created.
func (s *Seeder) Apply(ctx context.Context, seed *Seed) ([]loyalty.RewardSystem, error) {
	var created []loyalty.RewardSystem
	for _, b := range seed.Businesses {
		businessID := loyalty.BusinessID(b.ID)
		existing, err := s.Registry.List(ctx, businessID, false)
		if err != nil {
			return created, err
		}
		names := make(map[string]bool, len(existing))
		for _, rs := range existing {
			names[rs.Name] = true
		}

		for _, ry := range b.RewardSystems {
			if names[ry.Name] {
				s.Logger.WithFields(log.Fields{"business_id": b.ID, "name": ry.Name}).Debug("seed: reward system exists, skipping")
				continue
			}
			cfg, err := ry.ToConfig()
			if err != nil {
				return created, fmt.Errorf("seed %s/%s: %w", b.ID, ry.Name, err)
			}
			rs, err := s.Registry.Create(ctx, businessID, cfg)
			if err != nil {
				return created, fmt.Errorf("seed %s/%s: %w", b.ID, ry.Name, err)
			}
			if ry.Inactive {
				if err := s.Registry.Deactivate(ctx, rs.ID, businessID, false); err != nil {
					return created, err
				}
				rs.IsActive = false
			}
			names[ry.Name] = true
			created = append(created, *rs)

			s.Logger.WithFields(log.Fields{
				"business_id":      b.ID,
				"reward_system_id": rs.ID,
				"kind":             rs.Kind,
			}).Info("seeded reward system")
		}
	}
	return created, nil
}
