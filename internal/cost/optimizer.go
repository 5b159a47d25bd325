package cost

import (
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/execution/internal/venue"
	"github.com/mExOms/execution/pkg/types"
)

// Objective primary goals
const (
	GoalCost  = "cost"
	GoalSpeed = "speed"
)

// Constraints bound what the optimizer may do to an allocation set.
type Constraints struct {
	MaxSlippageBps   float64       `mapstructure:"max_slippage_bps"`
	RiskAversion     float64       `mapstructure:"risk_aversion"`
	Volatility       float64       `mapstructure:"volatility"`
	ExecutionHorizon time.Duration `mapstructure:"execution_horizon"`
}

// Objectives states what the caller is optimizing for. Timing
// optimization is skipped when the primary goal is speed.
type Objectives struct {
	Primary string `mapstructure:"primary"`
}

// OptimizerConfig holds the optimizer's tunables. The confidence
// constants are heuristic and deliberately configuration, not code.
type OptimizerConfig struct {
	MaxSplits              int           `mapstructure:"max_splits"`
	MaxPriceImprovementBps float64       `mapstructure:"max_price_improvement_bps"`
	BaseConfidence         float64       `mapstructure:"base_confidence"`
	SavingsWeight          float64       `mapstructure:"savings_weight"`
	DepthBonus             float64       `mapstructure:"depth_bonus"`
	FreshnessBonus         float64       `mapstructure:"freshness_bonus"`
	FreshnessWindow        time.Duration `mapstructure:"freshness_window"`
}

// DefaultOptimizerConfig returns the optimizer defaults.
func DefaultOptimizerConfig() OptimizerConfig {
	return OptimizerConfig{
		MaxSplits:              10,
		MaxPriceImprovementBps: 1,
		BaseConfidence:         0.5,
		SavingsWeight:          0.3,
		DepthBonus:             0.1,
		FreshnessBonus:         0.1,
		FreshnessWindow:        time.Second,
	}
}

// Result is the outcome of an optimization pass. Savings is baseline
// minus optimized total and may be negative; it is surfaced as-is.
type Result struct {
	Allocations []types.Allocation  `json:"allocations"`
	Cost        types.CostBreakdown `json:"cost"`
	Baseline    types.CostBreakdown `json:"baseline"`
	Savings     decimal.Decimal     `json:"savings"`
	Confidence  float64             `json:"confidence"`
}

// Optimizer reduces the estimated cost of an allocation set by applying
// four transformation strategies in fixed order: fee optimization,
// slippage minimization, impact reduction via splitting, and timing.
type Optimizer struct {
	model  *Model
	params *venue.ParamsRegistry
	store  *venue.ProfileStore
	config OptimizerConfig
	log    *logrus.Entry
}

// NewOptimizer creates an optimizer over the given cost model.
func NewOptimizer(model *Model, params *venue.ParamsRegistry, store *venue.ProfileStore, config OptimizerConfig) *Optimizer {
	def := DefaultOptimizerConfig()
	if config.MaxSplits <= 0 {
		config.MaxSplits = def.MaxSplits
	}
	if config.MaxPriceImprovementBps <= 0 {
		config.MaxPriceImprovementBps = def.MaxPriceImprovementBps
	}
	if config.BaseConfidence <= 0 {
		config.BaseConfidence = def.BaseConfidence
	}
	if config.SavingsWeight <= 0 {
		config.SavingsWeight = def.SavingsWeight
	}
	if config.DepthBonus <= 0 {
		config.DepthBonus = def.DepthBonus
	}
	if config.FreshnessBonus <= 0 {
		config.FreshnessBonus = def.FreshnessBonus
	}
	if config.FreshnessWindow <= 0 {
		config.FreshnessWindow = def.FreshnessWindow
	}

	return &Optimizer{
		model:  model,
		params: params,
		store:  store,
		config: config,
		log:    logrus.WithField("component", "cost-optimizer"),
	}
}

// Optimize applies all strategies and reports the cost delta.
func (o *Optimizer) Optimize(allocations []types.Allocation, order *types.Order, constraints Constraints, objectives Objectives) Result {
	baseline := o.model.Estimate(allocations, order)

	optimized := make([]types.Allocation, len(allocations))
	copy(optimized, allocations)

	optimized = o.optimizeFees(optimized, order.Side)
	optimized = o.minimizeSlippage(optimized, order, constraints)
	optimized = o.reduceImpact(optimized, constraints)
	if objectives.Primary != GoalSpeed {
		optimized = o.optimizeTiming(optimized)
	}

	cost := o.model.Estimate(optimized, order)
	savings := baseline.Total.Sub(cost.Total)

	return Result{
		Allocations: optimized,
		Cost:        cost,
		Baseline:    baseline,
		Savings:     savings,
		Confidence:  o.confidence(optimized, baseline, savings),
	}
}

// optimizeFees converts allocations to passive order types on venues
// that pay maker rebates, nudging the limit price by at most one basis
// point toward the market to raise maker-fill likelihood.
func (o *Optimizer) optimizeFees(allocations []types.Allocation, side types.OrderSide) []types.Allocation {
	for i, alloc := range allocations {
		rebate := o.params.Params(alloc.Venue).MakerRebate
		if rebate <= 0 {
			continue
		}
		if alloc.OrderType == types.OrderTypeLimit || alloc.OrderType == types.OrderTypeLimitMaker {
			continue
		}

		allocations[i].OrderType = types.OrderTypeLimitMaker
		allocations[i].FeeRate = -rebate

		if alloc.Price.IsPositive() {
			improvement := decimal.NewFromFloat(o.config.MaxPriceImprovementBps / 10000)
			if side == types.OrderSideBuy {
				allocations[i].Price = alloc.Price.Mul(decimal.NewFromInt(1).Add(improvement))
			} else {
				allocations[i].Price = alloc.Price.Mul(decimal.NewFromInt(1).Sub(improvement))
			}
		}
	}
	return allocations
}

// minimizeSlippage redistributes quantity greedily toward the venues
// with the lowest estimated slippage, bounded per venue by the maximum
// size the caller's slippage ceiling implies. Allocations that end up
// with zero quantity are dropped.
func (o *Optimizer) minimizeSlippage(allocations []types.Allocation, order *types.Order, constraints Constraints) []types.Allocation {
	if len(allocations) == 0 || constraints.MaxSlippageBps <= 0 {
		return allocations
	}

	sort.SliceStable(allocations, func(i, j int) bool {
		return allocations[i].SlippageBps < allocations[j].SlippageBps
	})

	remaining := order.Quantity
	kept := allocations[:0]

	for _, alloc := range allocations {
		if !remaining.IsPositive() {
			break
		}

		// Slippage scales roughly linearly with size, so the ceiling
		// implies a maximum quantity relative to the current estimate.
		maxQty := remaining
		if alloc.SlippageBps > constraints.MaxSlippageBps {
			scale := constraints.MaxSlippageBps / alloc.SlippageBps
			maxQty = alloc.Quantity.Mul(decimal.NewFromFloat(scale))
		}

		qty := decimal.Min(maxQty, remaining)
		if !qty.IsPositive() {
			continue
		}

		alloc.Quantity = qty
		remaining = remaining.Sub(qty)
		kept = append(kept, alloc)
	}

	if remaining.IsPositive() && len(kept) > 0 {
		kept[0].Quantity = kept[0].Quantity.Add(remaining)
	}

	return o.renormalize(kept, order.Quantity)
}

// reduceImpact splits large allocations on venues with configured impact
// models into equal sub-chunks spaced across the execution horizon,
// following an Almgren-Chriss style split-count rule.
func (o *Optimizer) reduceImpact(allocations []types.Allocation, constraints Constraints) []types.Allocation {
	horizonSec := constraints.ExecutionHorizon.Seconds()
	denom := constraints.RiskAversion * constraints.Volatility * constraints.Volatility * horizonSec
	if denom <= 0 {
		return allocations
	}

	out := make([]types.Allocation, 0, len(allocations))
	for _, alloc := range allocations {
		if !o.params.Has(alloc.Venue) {
			out = append(out, alloc)
			continue
		}

		impact := o.params.Params(alloc.Venue).Impact
		qty := alloc.Quantity.InexactFloat64()
		splits := int(math.Ceil(math.Sqrt(impact.LinearCoeff * qty / denom)))
		if splits > o.config.MaxSplits {
			splits = o.config.MaxSplits
		}
		if splits <= 1 {
			out = append(out, alloc)
			continue
		}

		chunkQty := alloc.Quantity.Div(decimal.NewFromInt(int64(splits)))
		stepMs := horizonSec * 1000 / float64(splits)
		assigned := decimal.Zero

		for i := 0; i < splits; i++ {
			chunk := alloc
			chunk.Quantity = chunkQty
			if i == splits-1 {
				chunk.Quantity = alloc.Quantity.Sub(assigned)
			}
			assigned = assigned.Add(chunk.Quantity)
			chunk.Fraction = alloc.Fraction / float64(splits)
			chunk.LatencyMs = alloc.LatencyMs + float64(i)*stepMs
			chunk.Priority = alloc.Priority + i
			out = append(out, chunk)
		}
	}
	return out
}

// optimizeTiming raises each allocation's latency to at least the
// venue's estimated optimal dispatch delay.
func (o *Optimizer) optimizeTiming(allocations []types.Allocation) []types.Allocation {
	for i, alloc := range allocations {
		delay := o.params.Params(alloc.Venue).OptimalDelayMs
		if delay > alloc.LatencyMs {
			allocations[i].LatencyMs = delay
		}
	}
	return allocations
}

func (o *Optimizer) renormalize(allocations []types.Allocation, total decimal.Decimal) []types.Allocation {
	if !total.IsPositive() {
		return allocations
	}
	for i := range allocations {
		allocations[i].Fraction = allocations[i].Quantity.Div(total).InexactFloat64()
	}
	return allocations
}

func (o *Optimizer) confidence(allocations []types.Allocation, baseline types.CostBreakdown, savings decimal.Decimal) float64 {
	confidence := o.config.BaseConfidence

	if savings.IsPositive() && baseline.Total.IsPositive() {
		ratio := savings.Div(baseline.Total).InexactFloat64()
		confidence += o.config.SavingsWeight * math.Min(1, ratio)
	}

	if len(allocations) > 3 {
		confidence += o.config.DepthBonus
	}

	if o.store != nil && o.freshest(allocations) {
		confidence += o.config.FreshnessBonus
	}

	return math.Min(1, confidence)
}

func (o *Optimizer) freshest(allocations []types.Allocation) bool {
	for _, alloc := range allocations {
		sample, ok := o.store.Latest(alloc.Venue)
		if ok && time.Since(sample.Timestamp) < o.config.FreshnessWindow {
			return true
		}
	}
	return false
}
