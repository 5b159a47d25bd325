package cost

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/mExOms/execution/internal/venue"
	"github.com/mExOms/execution/pkg/types"
)

func testRegistry() *venue.ParamsRegistry {
	return venue.NewParamsRegistry(map[string]venue.Params{
		"binance": {
			Impact: venue.ImpactModel{
				LinearCoeff: 0.1,
				SqrtCoeff:   0.5,
				Exponent:    0.5,
				DailyVolume: decimal.NewFromInt(10000),
			},
		},
		"maker-venue": {
			Impact:      venue.DefaultImpactModel(),
			MakerRebate: 0.0001,
		},
	})
}

func buyOrder(qty int64, price int64) *types.Order {
	return &types.Order{
		ID:         "o1",
		Symbol:     "BTC-USD",
		Side:       types.OrderSideBuy,
		Quantity:   decimal.NewFromInt(qty),
		LimitPrice: decimal.NewFromInt(price),
		Urgency:    types.UrgencyMedium,
		OrderType:  types.OrderTypeMarket,
	}
}

func TestModel_EstimateFees(t *testing.T) {
	model := NewModel(testRegistry(), DefaultModelConfig())

	allocs := []types.Allocation{{
		Venue:    "binance",
		Quantity: decimal.NewFromInt(10),
		Price:    decimal.NewFromInt(100),
		FeeRate:  0.001,
	}}

	breakdown := model.Estimate(allocs, buyOrder(10, 100))
	// 10 * 100 * 0.001 = 1
	assert.True(t, breakdown.Fees.Equal(decimal.NewFromInt(1)), breakdown.Fees.String())
}

func TestModel_EstimateSlippageMagnitude(t *testing.T) {
	model := NewModel(testRegistry(), DefaultModelConfig())

	allocs := []types.Allocation{{
		Venue:       "binance",
		Quantity:    decimal.NewFromInt(10),
		Price:       decimal.NewFromInt(100),
		SlippageBps: 5,
	}}

	breakdown := model.Estimate(allocs, buyOrder(10, 100))
	// 1000 notional * 5bp = 0.5, reported as magnitude.
	assert.True(t, breakdown.Slippage.Equal(decimal.NewFromFloat(0.5)), breakdown.Slippage.String())
}

func TestModel_ImpactSignedBySideButReportedAbsolute(t *testing.T) {
	model := NewModel(testRegistry(), DefaultModelConfig())

	alloc := types.Allocation{
		Venue:    "binance",
		Quantity: decimal.NewFromInt(100),
		Price:    decimal.NewFromInt(100),
	}

	buy := model.Estimate([]types.Allocation{alloc}, buyOrder(100, 100))
	sell := model.Estimate([]types.Allocation{alloc}, &types.Order{
		Side: types.OrderSideSell, Quantity: decimal.NewFromInt(100),
	})

	assert.True(t, buy.MarketImpact.IsPositive())
	assert.True(t, buy.MarketImpact.Equal(sell.MarketImpact))
}

func TestModel_OpportunityCostScalesWithLatency(t *testing.T) {
	model := NewModel(testRegistry(), ModelConfig{AnnualVolatility: 0.6})

	slow := types.Allocation{
		Venue:     "binance",
		Quantity:  decimal.NewFromInt(1),
		Price:     decimal.NewFromInt(10000),
		LatencyMs: 4000,
	}
	fast := slow
	fast.LatencyMs = 1000

	slowCost := model.Estimate([]types.Allocation{slow}, buyOrder(1, 10000))
	fastCost := model.Estimate([]types.Allocation{fast}, buyOrder(1, 10000))

	// sqrt-of-time: 4x the latency doubles the drift.
	ratio := slowCost.OpportunityCost.Div(fastCost.OpportunityCost).InexactFloat64()
	assert.InDelta(t, 2, ratio, 1e-6)

	expected := 0.6 / math.Sqrt(365*24*3600) * math.Sqrt(1)
	assert.InDelta(t, expected*10000, fastCost.OpportunityCost.InexactFloat64(), 1e-9)
}

func TestModel_EstimateIsDeterministic(t *testing.T) {
	model := NewModel(testRegistry(), DefaultModelConfig())

	allocs := []types.Allocation{
		{Venue: "binance", Quantity: decimal.NewFromInt(7), Price: decimal.NewFromInt(123), FeeRate: 0.0012, SlippageBps: 3.4, LatencyMs: 250},
		{Venue: "maker-venue", Quantity: decimal.NewFromInt(3), Price: decimal.NewFromInt(123), FeeRate: -0.0001, LatencyMs: 90},
	}
	order := buyOrder(10, 123)

	first := model.Estimate(allocs, order)
	for i := 0; i < 5; i++ {
		again := model.Estimate(allocs, order)
		assert.True(t, first.Total.Equal(again.Total))
		assert.True(t, first.Fees.Equal(again.Fees))
		assert.True(t, first.MarketImpact.Equal(again.MarketImpact))
	}
}

func TestModel_NegativeFeeRateYieldsRebate(t *testing.T) {
	model := NewModel(testRegistry(), DefaultModelConfig())

	allocs := []types.Allocation{{
		Venue:    "maker-venue",
		Quantity: decimal.NewFromInt(10),
		Price:    decimal.NewFromInt(100),
		FeeRate:  -0.0001,
	}}

	breakdown := model.Estimate(allocs, buyOrder(10, 100))
	assert.True(t, breakdown.Fees.IsNegative())
}
