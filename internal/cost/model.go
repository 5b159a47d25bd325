package cost

import (
	"math"

	"github.com/shopspring/decimal"

	"github.com/mExOms/execution/internal/venue"
	"github.com/mExOms/execution/pkg/types"
)

const secondsPerYear = 365 * 24 * 3600

// ModelConfig contains cost model configuration.
type ModelConfig struct {
	// AnnualVolatility drives the opportunity-cost drift estimate.
	AnnualVolatility float64 `mapstructure:"annual_volatility"`
}

// DefaultModelConfig returns the cost model defaults.
func DefaultModelConfig() ModelConfig {
	return ModelConfig{AnnualVolatility: 0.6}
}

// Model estimates the execution cost of an allocation set against an
// order. Estimate is a pure function of its inputs; nothing here reads
// the clock or any other hidden state.
type Model struct {
	params *venue.ParamsRegistry
	config ModelConfig
}

// NewModel creates a cost model over the given venue parameters.
func NewModel(params *venue.ParamsRegistry, config ModelConfig) *Model {
	if config.AnnualVolatility <= 0 {
		config.AnnualVolatility = DefaultModelConfig().AnnualVolatility
	}
	return &Model{params: params, config: config}
}

// Estimate computes the full cost breakdown for the allocations.
func (m *Model) Estimate(allocations []types.Allocation, order *types.Order) types.CostBreakdown {
	total := types.CostBreakdown{
		Fees:            decimal.Zero,
		Slippage:        decimal.Zero,
		MarketImpact:    decimal.Zero,
		OpportunityCost: decimal.Zero,
		Total:           decimal.Zero,
	}

	for _, alloc := range allocations {
		total = total.Add(m.estimateOne(alloc, order))
	}
	return total
}

func (m *Model) estimateOne(alloc types.Allocation, order *types.Order) types.CostBreakdown {
	notional := alloc.Quantity.Mul(m.price(alloc, order))

	fees := notional.Mul(decimal.NewFromFloat(alloc.FeeRate))
	slippage := notional.Mul(decimal.NewFromFloat(alloc.SlippageBps / 10000)).Abs()
	impact := m.impactCost(alloc, order.Side, notional)
	opportunity := m.opportunityCost(alloc, notional)

	breakdown := types.CostBreakdown{
		Fees:            fees,
		Slippage:        slippage,
		MarketImpact:    impact,
		OpportunityCost: opportunity,
	}
	breakdown.Total = fees.Add(slippage).Add(impact).Add(opportunity)
	return breakdown
}

// impactCost applies the venue's square-root impact model. Impact is
// signed by side internally (buys push the price up, sells down) and
// reported as a magnitude.
func (m *Model) impactCost(alloc types.Allocation, side types.OrderSide, notional decimal.Decimal) decimal.Decimal {
	model := m.params.Params(alloc.Venue).Impact
	if !model.DailyVolume.IsPositive() {
		return decimal.Zero
	}

	participation := alloc.Quantity.Div(model.DailyVolume).InexactFloat64()
	if participation <= 0 {
		return decimal.Zero
	}

	fraction := model.LinearCoeff*participation +
		model.SqrtCoeff*math.Pow(participation, model.Exponent)
	if side == types.OrderSideSell {
		fraction = -fraction
	}
	return notional.Mul(decimal.NewFromFloat(math.Abs(fraction)))
}

// opportunityCost models price drift over the allocation's latency as a
// volatility-scaled square-root-of-time walk, magnitude only.
func (m *Model) opportunityCost(alloc types.Allocation, notional decimal.Decimal) decimal.Decimal {
	latencySec := alloc.LatencyMs / 1000
	if latencySec <= 0 {
		return decimal.Zero
	}

	drift := m.config.AnnualVolatility / math.Sqrt(secondsPerYear) * math.Sqrt(latencySec)
	return notional.Mul(decimal.NewFromFloat(drift)).Abs()
}

func (m *Model) price(alloc types.Allocation, order *types.Order) decimal.Decimal {
	if alloc.Price.IsPositive() {
		return alloc.Price
	}
	return order.LimitPrice
}
