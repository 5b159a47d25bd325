package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// Order sides
const (
	OrderSideBuy  = "BUY"
	OrderSideSell = "SELL"
)

// Order types
const (
	OrderTypeMarket     = "MARKET"
	OrderTypeLimit      = "LIMIT"
	OrderTypeLimitMaker = "LIMIT_MAKER"
	OrderTypeIceberg    = "ICEBERG"
)

// Urgency classes
const (
	UrgencyLow    = "low"
	UrgencyMedium = "medium"
	UrgencyHigh   = "high"
)

// Type aliases for compatibility
type OrderSide = string
type OrderType = string
type Urgency = string

// Order represents a parent order submitted for scheduled execution.
// Orders are immutable once accepted; the scheduler owns the order for
// the duration of its lifecycle.
type Order struct {
	ID         string          `json:"id"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Quantity   decimal.Decimal `json:"quantity"`
	LimitPrice decimal.Decimal `json:"limit_price,omitempty"`
	Urgency    Urgency         `json:"urgency"`
	OrderType  OrderType       `json:"order_type"`
	ArrivedAt  time.Time       `json:"arrived_at"`
	Deadline   time.Time       `json:"deadline,omitempty"`
}

// ChildOrder is a venue-bound piece of one slice of a parent order.
type ChildOrder struct {
	ID         string          `json:"id"`
	ScheduleID string          `json:"schedule_id"`
	SliceIndex int             `json:"slice_index"`
	Venue      string          `json:"venue"`
	Symbol     string          `json:"symbol"`
	Side       OrderSide       `json:"side"`
	Type       OrderType       `json:"type"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Fill represents an executed quantity reported by a venue.
type Fill struct {
	ChildOrderID string          `json:"child_order_id"`
	Venue        string          `json:"venue"`
	Symbol       string          `json:"symbol"`
	Quantity     decimal.Decimal `json:"quantity"`
	Price        decimal.Decimal `json:"price"`
	Fee          decimal.Decimal `json:"fee"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Quote is a venue's estimate for an order of a given size.
type Quote struct {
	Venue     string          `json:"venue"`
	Symbol    string          `json:"symbol"`
	Price     decimal.Decimal `json:"price"`
	Size      decimal.Decimal `json:"size"`
	FeeRate   float64         `json:"fee_rate"`
	Timestamp time.Time       `json:"timestamp"`
}

// VenueSample is one pushed observation of a venue's health and quality.
// Latencies are in milliseconds; rates and uptime are fractions in [0, 1];
// slippage and spread are in basis points.
type VenueSample struct {
	Venue          string          `json:"venue"`
	Timestamp      time.Time       `json:"timestamp"`
	LatencyP50Ms   float64         `json:"latency_p50_ms"`
	LatencyP90Ms   float64         `json:"latency_p90_ms"`
	LatencyP99Ms   float64         `json:"latency_p99_ms"`
	SuccessRate    float64         `json:"success_rate"`
	FillRate       float64         `json:"fill_rate"`
	FeeRate        float64         `json:"fee_rate"`
	AvgSlippageBps float64         `json:"avg_slippage_bps"`
	BidDepth       decimal.Decimal `json:"bid_depth"`
	AskDepth       decimal.Decimal `json:"ask_depth"`
	SpreadBps      float64         `json:"spread_bps"`
	Uptime         float64         `json:"uptime"`
	ErrorRate      float64         `json:"error_rate"`
}

// VenueMetrics is the arithmetic mean of every numeric VenueSample field
// across a store's retained window.
type VenueMetrics struct {
	Venue          string          `json:"venue"`
	SampleCount    int             `json:"sample_count"`
	LastSample     time.Time       `json:"last_sample"`
	LatencyP50Ms   float64         `json:"latency_p50_ms"`
	LatencyP90Ms   float64         `json:"latency_p90_ms"`
	LatencyP99Ms   float64         `json:"latency_p99_ms"`
	SuccessRate    float64         `json:"success_rate"`
	FillRate       float64         `json:"fill_rate"`
	FeeRate        float64         `json:"fee_rate"`
	AvgSlippageBps float64         `json:"avg_slippage_bps"`
	BidDepth       decimal.Decimal `json:"bid_depth"`
	AskDepth       decimal.Decimal `json:"ask_depth"`
	SpreadBps      float64         `json:"spread_bps"`
	Uptime         float64         `json:"uptime"`
	ErrorRate      float64         `json:"error_rate"`
}

// VenueScore holds the component and overall scores for one venue, each
// on a 0-100 scale. A venue has no score until at least one sample exists.
type VenueScore struct {
	Venue       string    `json:"venue"`
	Latency     float64   `json:"latency"`
	Cost        float64   `json:"cost"`
	Liquidity   float64   `json:"liquidity"`
	Reliability float64   `json:"reliability"`
	Overall     float64   `json:"overall"`
	SampleCount int       `json:"sample_count"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// Allocation assigns a fraction of a parent order's quantity to a venue.
// Fractions across a recommendation sum to 1.0 within rounding. LatencyMs
// is the dispatch delay for this allocation; impact-driven splitting emits
// sub-chunks with increasing delays.
type Allocation struct {
	Venue       string          `json:"venue"`
	Fraction    float64         `json:"fraction"`
	Quantity    decimal.Decimal `json:"quantity"`
	OrderType   OrderType       `json:"order_type"`
	Price       decimal.Decimal `json:"price,omitempty"`
	FeeRate     float64         `json:"fee_rate"`
	SlippageBps float64         `json:"slippage_bps"`
	LatencyMs   float64         `json:"latency_ms"`
	Priority    int             `json:"priority"`
	Reason      string          `json:"reason,omitempty"`
}

// Notional returns the allocation's quantity times its price estimate.
func (a Allocation) Notional() decimal.Decimal {
	return a.Quantity.Mul(a.Price)
}

// CostBreakdown decomposes the estimated execution cost of an allocation
// set. Slippage, impact and opportunity cost are magnitude estimates;
// fees may be negative when maker rebates apply.
type CostBreakdown struct {
	Fees            decimal.Decimal `json:"fees"`
	Slippage        decimal.Decimal `json:"slippage"`
	MarketImpact    decimal.Decimal `json:"market_impact"`
	OpportunityCost decimal.Decimal `json:"opportunity_cost"`
	Total           decimal.Decimal `json:"total"`
}

// Add returns the component-wise sum of two breakdowns.
func (c CostBreakdown) Add(o CostBreakdown) CostBreakdown {
	return CostBreakdown{
		Fees:            c.Fees.Add(o.Fees),
		Slippage:        c.Slippage.Add(o.Slippage),
		MarketImpact:    c.MarketImpact.Add(o.MarketImpact),
		OpportunityCost: c.OpportunityCost.Add(o.OpportunityCost),
		Total:           c.Total.Add(o.Total),
	}
}
