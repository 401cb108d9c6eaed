package factory_test

import (
	"context"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/factory"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

const seedYAML = `
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
      - name: Legacy
        kind: stamps
        inactive: true
        stamps:
          target_stamps: 5
          product_scope: {type: any}
        reward:
          kind: text
          text: Free pastry
`

func newSeeder() (*factory.Seeder, *loyalty.Registry) {
	registry := loyalty.NewRegistry(store.NewMemory(), loyalty.NewManualClock(time.Date(2025, 3, 10, 0, 0, 0, 0, time.UTC)))
	seeder := factory.NewSeeder(registry)
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	seeder.Logger = quiet
	return seeder, registry
}

func TestParseSeed_ConvertsConfigs(t *testing.T) {
	seed, err := factory.ParseSeed([]byte(seedYAML))
	require.NoError(t, err)
	require.Len(t, seed.Businesses, 1)
	require.Len(t, seed.Businesses[0].RewardSystems, 3)

	points, err := seed.Businesses[0].RewardSystems[0].ToConfig()
	require.NoError(t, err)
	assert.Equal(t, loyalty.KindPoints, points.Kind)
	assert.True(t, points.Points.ConversionAmount.Equal(decimal.NewFromInt(10)))
	assert.Equal(t, loyalty.RewardMoney, points.Reward.Kind)
	assert.True(t, points.Reward.Amount.Equal(decimal.NewFromInt(50)))

	stamps, err := seed.Businesses[0].RewardSystems[1].ToConfig()
	require.NoError(t, err)
	assert.Equal(t, loyalty.ProductScope{Type: loyalty.ScopeSpecific, ProductID: "latte"}, stamps.Stamps.ProductScope)
	assert.Equal(t, loyalty.ProductReward("free-latte"), stamps.Reward)
}

func TestParseSeed_AcceptsJSON(t *testing.T) {
	seed, err := factory.ParseSeed([]byte(`{"businesses":[{"id":"b1","reward_systems":[{"name":"P","kind":"points","points":{"conversion_amount":"5","conversion_points":2}}]}]}`))
	require.NoError(t, err)
	cfg, err := seed.Businesses[0].RewardSystems[0].ToConfig()
	require.NoError(t, err)
	assert.Equal(t, int64(2), cfg.Points.ConversionPoints)
}

func TestParseSeed_Invalid(t *testing.T) {
	_, err := factory.ParseSeed([]byte("businesses:\n  - reward_systems: []\n"))
	assert.Error(t, err, "business id is required")

	_, err = factory.ParseSeed([]byte("businesses: [unterminated"))
	assert.Error(t, err)

	bad := factory.RewardSystemYAML{
		Name:   "P",
		Kind:   "points",
		Points: &factory.PointsYAML{ConversionAmount: "ten", ConversionPoints: 1},
	}
	_, err = bad.ToConfig()
	var cfgErr *loyalty.InvalidConfigError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "points.conversion_amount", cfgErr.Field)

	unknownReward := factory.RewardSystemYAML{Name: "S", Kind: "stamps", Reward: &factory.RewardYAML{Kind: "voucher"}}
	_, err = unknownReward.ToConfig()
	assert.ErrorIs(t, err, loyalty.ErrInvalidConfig)
}

func TestSeeder_Apply_Idempotent(t *testing.T) {
	// GIVEN: A seed with two active systems and one inactive
	// WHEN: Applying it twice
	// THEN: Three systems exist after the first run, none added by the second

	ctx := context.Background()
	seeder, registry := newSeeder()

	path := filepath.Join(t.TempDir(), "seed.yaml")
	require.NoError(t, os.WriteFile(path, []byte(seedYAML), 0o600))
	seed, err := factory.LoadSeedFile(path)
	require.NoError(t, err)

	created, err := seeder.Apply(ctx, seed)
	require.NoError(t, err)
	assert.Len(t, created, 3)
	assert.False(t, created[2].IsActive)

	active, err := registry.List(ctx, "cafe-centro", true)
	require.NoError(t, err)
	assert.Len(t, active, 2)

	created, err = seeder.Apply(ctx, seed)
	require.NoError(t, err)
	assert.Empty(t, created)

	all, err := registry.List(ctx, "cafe-centro", false)
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestSeeder_Apply_InvalidDefinition_StopsWithContext(t *testing.T) {
	seeder, _ := newSeeder()
	seed := &factory.Seed{Businesses: []factory.BusinessYAML{{
		ID:            "b1",
		RewardSystems: []factory.RewardSystemYAML{{Name: "Broken", Kind: "stamps"}},
	}}}

	_, err := seeder.Apply(context.Background(), seed)
	assert.ErrorIs(t, err, loyalty.ErrInvalidConfig)
	assert.Contains(t, err.Error(), "b1/Broken")
}

func TestLoadSeedFile_Missing(t *testing.T) {
	_, err := factory.LoadSeedFile(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
