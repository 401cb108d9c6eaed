package loyalty_test

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var testNow = time.Date(2025, time.March, 10, 15, 30, 0, 0, time.UTC)

type fixture struct {
	ctx    context.Context
	clock  *loyalty.ManualClock
	store  *store.TxMemory
	engine *loyalty.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	clock := loyalty.NewManualClock(testNow)
	st := store.NewTxMemory()
	engine := loyalty.NewEngine(st, clock)

	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	engine.SetLogger(quiet)

	return &fixture{ctx: context.Background(), clock: clock, store: st, engine: engine}
}

func pointsConfig(name string, amount int64, points int64) loyalty.RewardSystemConfig {
	return loyalty.RewardSystemConfig{
		Name: name,
		Kind: loyalty.KindPoints,
		Points: &loyalty.PointsConfig{
			ConversionAmount:   decimal.NewFromInt(amount),
			ConversionCurrency: "MXN",
			ConversionPoints:   points,
		},
	}
}

func stampsConfig(name string, target int64, scope loyalty.ProductScope) loyalty.RewardSystemConfig {
	return loyalty.RewardSystemConfig{
		Name:   name,
		Kind:   loyalty.KindStamps,
		Stamps: &loyalty.StampsConfig{TargetStamps: target, ProductScope: scope},
		Reward: loyalty.ProductReward("free-coffee"),
	}
}

func (f *fixture) createSystem(t *testing.T, biz loyalty.BusinessID, cfg loyalty.RewardSystemConfig) *loyalty.RewardSystem {
	t.Helper()
	rs, err := f.engine.Registry.Create(f.ctx, biz, cfg)
	require.NoError(t, err)
	// Keep creation order observable for "oldest active system" lookups.
	f.clock.Advance(time.Second)
	return rs
}

func (f *fixture) purchase(t *testing.T, user loyalty.UserID, biz loyalty.BusinessID, rs loyalty.RewardSystemID, amount int64) *loyalty.EventResult {
	t.Helper()
	res, err := f.engine.Accrue(f.ctx, loyalty.AccrualEvent{
		UserID:         user,
		BusinessID:     biz,
		BusinessName:   "Cafe " + string(biz),
		RewardSystemID: rs,
		PurchaseAmount: decimal.NewFromInt(amount),
	})
	require.NoError(t, err)
	return res
}

// requireRollUp checks business totals equal the per-system sums.
func requireRollUp(t *testing.T, bal *loyalty.BusinessBalance) {
	t.Helper()
	require.NotNil(t, bal)
	var points, stamps int64
	for _, sb := range bal.PerSystem {
		require.GreaterOrEqual(t, sb.Points, int64(0))
		require.GreaterOrEqual(t, sb.Stamps, int64(0))
		points += sb.Points
		stamps += sb.Stamps
	}
	require.Equal(t, points, bal.Points, "business points must equal per-system sum")
	require.Equal(t, stamps, bal.Stamps, "business stamps must equal per-system sum")
}
