package router

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/execution/internal/cost"
	"github.com/mExOms/execution/internal/venue"
	"github.com/mExOms/execution/pkg/types"
)

// Config holds the router's eligibility thresholds. A venue whose
// aggregated metrics fail any threshold is excluded from routing even
// when it has a score.
type Config struct {
	MinSuccessRate float64 `mapstructure:"min_success_rate"`
	MinFillRate    float64 `mapstructure:"min_fill_rate"`
	MaxLatencyMs   float64 `mapstructure:"max_latency_ms"`
	MaxVenues      int     `mapstructure:"max_venues"`
}

// DefaultConfig returns the default eligibility thresholds.
func DefaultConfig() Config {
	return Config{
		MinSuccessRate: 0.80,
		MinFillRate:    0.50,
		MaxLatencyMs:   1000,
		MaxVenues:      5,
	}
}

// Criteria carries per-request routing context. ReferencePrice seeds
// the allocations' price estimates; Constraints and Objectives are
// forwarded to the cost optimizer.
type Criteria struct {
	ReferencePrice decimal.Decimal
	Constraints    cost.Constraints
	Objectives     cost.Objectives
}

// Recommendation is the router's answer for one order: venue
// allocations with proportional fractions, a blended cost estimate and
// a confidence figure. An empty recommendation with zero confidence
// means no venue passed the eligibility filter.
type Recommendation struct {
	Allocations       []types.Allocation  `json:"allocations"`
	Cost              types.CostBreakdown `json:"cost"`
	Baseline          types.CostBreakdown `json:"baseline"`
	Savings           decimal.Decimal     `json:"savings"`
	ExpectedLatencyMs float64             `json:"expected_latency_ms"`
	Confidence        float64             `json:"confidence"`
	CreatedAt         time.Time           `json:"created_at"`
}

// Router recommends venue allocations for parent orders by combining
// current venue scores with urgency-adjusted weighting and the cost
// optimizer.
type Router struct {
	store     *venue.ProfileStore
	scorer    *venue.Scorer
	optimizer *cost.Optimizer
	config    Config
	log       *logrus.Entry
}

// NewRouter creates a router over a profile store and scorer.
func NewRouter(store *venue.ProfileStore, scorer *venue.Scorer, optimizer *cost.Optimizer, config Config) *Router {
	def := DefaultConfig()
	if config.MinSuccessRate <= 0 {
		config.MinSuccessRate = def.MinSuccessRate
	}
	if config.MinFillRate <= 0 {
		config.MinFillRate = def.MinFillRate
	}
	if config.MaxLatencyMs <= 0 {
		config.MaxLatencyMs = def.MaxLatencyMs
	}
	if config.MaxVenues <= 0 {
		config.MaxVenues = def.MaxVenues
	}

	return &Router{
		store:     store,
		scorer:    scorer,
		optimizer: optimizer,
		config:    config,
		log:       logrus.WithField("component", "router"),
	}
}

type candidate struct {
	metrics  types.VenueMetrics
	score    types.VenueScore
	adjusted float64
}

// Recommend produces a venue allocation for the order. Venues are
// filtered by the eligibility thresholds, weighted by urgency-adjusted
// scores and assigned proportional fractions; the result is then run
// through the cost optimizer. When no venue passes the eligibility
// filter the recommendation is empty with zero confidence and the
// error wraps types.ErrNoEligibleVenue, so callers can classify it
// with errors.Is and retry rather than abort.
func (r *Router) Recommend(ctx context.Context, order *types.Order, criteria Criteria) (Recommendation, error) {
	if err := validateOrder(order); err != nil {
		return Recommendation{}, err
	}

	candidates := r.eligible(order)
	if len(candidates) == 0 {
		r.log.WithFields(logrus.Fields{
			"order_id": order.ID,
			"symbol":   order.Symbol,
		}).Warn("no eligible venue")
		return Recommendation{CreatedAt: time.Now()}, fmt.Errorf("%w: %s", types.ErrNoEligibleVenue, order.Symbol)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		return candidates[i].adjusted > candidates[j].adjusted
	})
	if len(candidates) > r.config.MaxVenues {
		candidates = candidates[:r.config.MaxVenues]
	}

	allocations := r.allocate(candidates, order, criteria)
	result := r.optimizer.Optimize(allocations, order, criteria.Constraints, criteria.Objectives)

	rec := Recommendation{
		Allocations:       result.Allocations,
		Cost:              result.Cost,
		Baseline:          result.Baseline,
		Savings:           result.Savings,
		ExpectedLatencyMs: blendedLatency(result.Allocations),
		Confidence:        r.confidence(candidates),
		CreatedAt:         time.Now(),
	}

	r.log.WithFields(logrus.Fields{
		"order_id":   order.ID,
		"venues":     len(candidates),
		"confidence": rec.Confidence,
		"savings":    rec.Savings.String(),
	}).Debug("routing recommendation")

	return rec, nil
}

// eligible applies the threshold filter and urgency adjustment over all
// venues with samples.
func (r *Router) eligible(order *types.Order) []candidate {
	var candidates []candidate

	for _, name := range r.store.Venues() {
		metrics, ok := r.store.Aggregate(name)
		if !ok {
			continue
		}
		if metrics.SuccessRate < r.config.MinSuccessRate {
			continue
		}
		if metrics.FillRate < r.config.MinFillRate {
			continue
		}
		if metrics.LatencyP90Ms > r.config.MaxLatencyMs {
			continue
		}

		score, ok := r.scorer.Score(name)
		if !ok {
			continue
		}

		adjusted := adjustForUrgency(score, order.Urgency)
		if order.OrderType == types.OrderTypeLimit {
			// Passive orders live in the book; rebalance toward depth.
			adjusted = adjusted*0.7 + score.Liquidity*0.3
		}
		if adjusted <= 0 {
			continue
		}

		candidates = append(candidates, candidate{metrics: metrics, score: score, adjusted: adjusted})
	}

	return candidates
}

// adjustForUrgency reweights the component scores by urgency class.
// High urgency favors latency and reliability, low urgency favors cost
// and liquidity, medium uses the configured overall weighting.
func adjustForUrgency(score types.VenueScore, urgency types.Urgency) float64 {
	switch urgency {
	case types.UrgencyHigh:
		return 0.6*score.Latency + 0.3*score.Reliability + 0.1*score.Cost
	case types.UrgencyLow:
		return 0.5*score.Cost + 0.3*score.Liquidity + 0.2*score.Reliability
	default:
		return score.Overall
	}
}

// allocate assigns fractions proportional to the adjusted scores and
// materializes quantities, giving the rounding remainder to the
// top-ranked venue so quantities always sum exactly to the order.
func (r *Router) allocate(candidates []candidate, order *types.Order, criteria Criteria) []types.Allocation {
	var sum float64
	for _, c := range candidates {
		sum += c.adjusted
	}

	price := criteria.ReferencePrice
	if !price.IsPositive() {
		price = order.LimitPrice
	}

	allocations := make([]types.Allocation, 0, len(candidates))
	assigned := decimal.Zero

	for i, c := range candidates {
		fraction := c.adjusted / sum
		qty := order.Quantity.Mul(decimal.NewFromFloat(fraction))
		if i > 0 {
			assigned = assigned.Add(qty)
		}

		allocations = append(allocations, types.Allocation{
			Venue:       c.metrics.Venue,
			Fraction:    fraction,
			Quantity:    qty,
			OrderType:   order.OrderType,
			Price:       price,
			FeeRate:     c.metrics.FeeRate,
			SlippageBps: c.metrics.AvgSlippageBps,
			LatencyMs:   c.metrics.LatencyP90Ms,
			Priority:    i,
			Reason:      reason(c.score),
		})
	}
	allocations[0].Quantity = order.Quantity.Sub(assigned)

	return allocations
}

// confidence reflects both how many venues have meaningful history and
// how strong their adjusted scores are.
func (r *Router) confidence(candidates []candidate) float64 {
	var seasoned int
	var sum float64
	for _, c := range candidates {
		if c.score.SampleCount > 10 {
			seasoned++
		}
		sum += c.adjusted
	}
	avg := sum / float64(len(candidates))
	return math.Min(1, 0.1*float64(seasoned)+avg/200)
}

// reason summarizes which score components drove a venue's selection.
func reason(score types.VenueScore) string {
	var parts []string
	if score.Latency > 80 {
		parts = append(parts, "low latency")
	}
	if score.Cost > 80 {
		parts = append(parts, "low cost")
	}
	if score.Liquidity > 80 {
		parts = append(parts, "deep liquidity")
	}
	if score.Reliability > 90 {
		parts = append(parts, "high reliability")
	}
	if len(parts) == 0 {
		return fmt.Sprintf("overall score %.1f", score.Overall)
	}

	s := parts[0]
	for _, p := range parts[1:] {
		s += ", " + p
	}
	return s
}

func blendedLatency(allocations []types.Allocation) float64 {
	var blended float64
	for _, alloc := range allocations {
		blended += alloc.Fraction * alloc.LatencyMs
	}
	return blended
}

func validateOrder(order *types.Order) error {
	if order == nil {
		return fmt.Errorf("%w: nil order", types.ErrValidation)
	}
	if order.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", types.ErrValidation)
	}
	if order.Side != types.OrderSideBuy && order.Side != types.OrderSideSell {
		return fmt.Errorf("%w: invalid side %q", types.ErrValidation, order.Side)
	}
	if !order.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", types.ErrValidation)
	}
	return nil
}
