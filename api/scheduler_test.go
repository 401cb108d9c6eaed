package api_test

import (
	"context"
	"errors"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/loyalty-engine/api"
	"github.com/warp/loyalty-engine/loyalty"
	"github.com/warp/loyalty-engine/loyalty/store"
)

type fakePurger struct {
	calls atomic.Int32
	n     int64
	err   error
}

func (p *fakePurger) PurgeExpired(ctx context.Context) (int64, error) {
	p.calls.Add(1)
	return p.n, p.err
}

func TestCodeSweeper_InvalidSchedule(t *testing.T) {
	_, err := api.NewCodeSweeper(&fakePurger{}, "whenever")
	assert.Error(t, err)
}

func TestCodeSweeper_Sweep_LogsOutcome(t *testing.T) {
	logger, hook := test.NewNullLogger()

	purger := &fakePurger{n: 3}
	sweeper, err := api.NewCodeSweeper(purger, "@every 1h")
	require.NoError(t, err)
	sweeper.Logger = logger

	sweeper.Sweep()
	require.NotNil(t, hook.LastEntry())
	assert.Equal(t, logrus.InfoLevel, hook.LastEntry().Level)
	assert.Equal(t, int64(3), hook.LastEntry().Data["deleted"])

	purger.err = errors.New("database is locked")
	sweeper.Sweep()
	assert.Equal(t, logrus.ErrorLevel, hook.LastEntry().Level)
	assert.Equal(t, int32(2), purger.calls.Load())
}

func TestCodeSweeper_RunsOnSchedule(t *testing.T) {
	purger := &fakePurger{}
	sweeper, err := api.NewCodeSweeper(purger, "@every 1s")
	require.NoError(t, err)
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	sweeper.Logger = quiet

	sweeper.Start()
	assert.Eventually(t, func() bool { return purger.calls.Load() > 0 }, 3*time.Second, 50*time.Millisecond)
	sweeper.Stop()
}

func TestCodeSweeper_PurgesRealCodes(t *testing.T) {
	// GIVEN: One expired and one live code
	// WHEN: The sweeper runs against the code engine
	// THEN: Only the expired code is removed

	ctx := context.Background()
	clock := loyalty.NewManualClock(testNow)
	engine := loyalty.NewEngine(store.NewTxMemory(), clock)
	quiet := logrus.New()
	quiet.SetOutput(io.Discard)
	engine.SetLogger(quiet)

	_, err := engine.Registry.Create(ctx, "biz-1", loyalty.RewardSystemConfig{
		Name: "Puntos", Kind: loyalty.KindPoints,
		Points: &loyalty.PointsConfig{ConversionAmount: decimal.NewFromInt(10), ConversionCurrency: "MXN", ConversionPoints: 1},
	})
	require.NoError(t, err)

	old, err := engine.GenerateCode(ctx, loyalty.CodeRequest{BusinessID: "biz-1", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)
	clock.Advance(loyalty.DefaultCodeTTL + time.Hour)
	live, err := engine.GenerateCode(ctx, loyalty.CodeRequest{BusinessID: "biz-1", Amount: decimal.NewFromInt(100)})
	require.NoError(t, err)

	sweeper, err := api.NewCodeSweeper(engine.Codes, "@every 1h")
	require.NoError(t, err)
	sweeper.Logger = quiet
	sweeper.Sweep()

	_, err = engine.Codes.Get(ctx, old.Code)
	assert.ErrorIs(t, err, loyalty.ErrCodeNotFound)
	_, err = engine.Codes.Get(ctx, live.Code)
	assert.NoError(t, err)
}
