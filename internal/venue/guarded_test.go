package venue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/execution/pkg/types"
)

type flakyAdapter struct {
	name  string
	err   error
	calls int
}

func (f *flakyAdapter) Name() string { return f.name }

func (f *flakyAdapter) Quote(_ context.Context, symbol string, _ types.OrderSide, quantity decimal.Decimal) (types.Quote, error) {
	f.calls++
	if f.err != nil {
		return types.Quote{}, f.err
	}
	return types.Quote{Venue: f.name, Symbol: symbol, Size: quantity, Price: decimal.NewFromInt(100)}, nil
}

func (f *flakyAdapter) SubmitChildOrder(_ context.Context, child *types.ChildOrder) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return child.ID, nil
}

func (f *flakyAdapter) GetFill(context.Context, string) (types.Fill, bool, error) {
	return types.Fill{}, true, nil
}

func TestGuardedAdapter_PassesThroughHealthyCalls(t *testing.T) {
	inner := &flakyAdapter{name: "binance"}
	guarded := Guard(inner, GuardConfig{RequestsPerSecond: 1000, Burst: 1000})

	quote, err := guarded.Quote(context.Background(), "BTC-USD", types.OrderSideBuy, decimal.NewFromInt(1))
	require.NoError(t, err)
	assert.Equal(t, "binance", quote.Venue)
}

func TestGuardedAdapter_BreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyAdapter{name: "binance", err: errors.New("connection refused")}
	guarded := Guard(inner, GuardConfig{
		ConsecutiveFailures: 3,
		OpenTimeout:         time.Minute,
		RequestsPerSecond:   1000,
		Burst:               1000,
	})

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := guarded.Quote(ctx, "BTC-USD", types.OrderSideBuy, decimal.NewFromInt(1))
		require.Error(t, err)
		assert.NotErrorIs(t, err, types.ErrVenueUnavailable)
	}

	// Breaker is now open; calls fail fast without reaching the venue.
	before := inner.calls
	_, err := guarded.SubmitChildOrder(ctx, &types.ChildOrder{ID: "c1"})
	assert.ErrorIs(t, err, types.ErrVenueUnavailable)
	assert.Equal(t, before, inner.calls)
}

func TestGuardedAdapter_GetFillBypassesBreaker(t *testing.T) {
	inner := &flakyAdapter{name: "binance", err: errors.New("down")}
	guarded := Guard(inner, GuardConfig{
		ConsecutiveFailures: 1,
		OpenTimeout:         time.Minute,
		RequestsPerSecond:   1000,
		Burst:               1000,
	})

	ctx := context.Background()
	_, _ = guarded.Quote(ctx, "BTC-USD", types.OrderSideBuy, decimal.NewFromInt(1))

	_, done, err := guarded.GetFill(ctx, "c1")
	assert.NoError(t, err)
	assert.True(t, done)
}
