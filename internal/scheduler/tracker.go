package scheduler

import (
	"sync"

	"github.com/shopspring/decimal"
)

// performanceTracker keeps engine-wide running totals across terminal
// schedules.
type performanceTracker struct {
	mu                sync.Mutex
	totalOrders       int64
	completedOrders   int64
	failedOrders      int64
	cancelledOrders   int64
	timedOutOrders    int64
	totalVolume       decimal.Decimal
	avgSlippageBps    float64
	venueDistribution map[string]decimal.Decimal
}

// PerformanceSnapshot is the caller-facing view of the tracker.
type PerformanceSnapshot struct {
	TotalOrders       int64                      `json:"total_orders"`
	CompletedOrders   int64                      `json:"completed_orders"`
	FailedOrders      int64                      `json:"failed_orders"`
	CancelledOrders   int64                      `json:"cancelled_orders"`
	TimedOutOrders    int64                      `json:"timed_out_orders"`
	TotalVolume       decimal.Decimal            `json:"total_volume"`
	AvgSlippageBps    float64                    `json:"avg_slippage_bps"`
	VenueDistribution map[string]decimal.Decimal `json:"venue_distribution"`
}

func newPerformanceTracker() *performanceTracker {
	return &performanceTracker{
		totalVolume:       decimal.Zero,
		venueDistribution: make(map[string]decimal.Decimal),
	}
}

func (t *performanceTracker) record(state ScheduleState, metrics Metrics) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.totalOrders++
	switch state.Status {
	case StatusCompleted:
		t.completedOrders++
	case StatusFailed:
		t.failedOrders++
	case StatusCancelled:
		t.cancelledOrders++
	case StatusTimedOut:
		t.timedOutOrders++
	}

	t.totalVolume = t.totalVolume.Add(state.ExecutedQuantity)
	for _, fill := range state.Fills {
		t.venueDistribution[fill.Venue] = t.venueDistribution[fill.Venue].Add(fill.Quantity)
	}

	n := float64(t.totalOrders)
	t.avgSlippageBps = t.avgSlippageBps*(n-1)/n + metrics.SlippageBps/n
}

func (t *performanceTracker) snapshot() PerformanceSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	dist := make(map[string]decimal.Decimal, len(t.venueDistribution))
	for k, v := range t.venueDistribution {
		dist[k] = v
	}
	return PerformanceSnapshot{
		TotalOrders:       t.totalOrders,
		CompletedOrders:   t.completedOrders,
		FailedOrders:      t.failedOrders,
		CancelledOrders:   t.cancelledOrders,
		TimedOutOrders:    t.timedOutOrders,
		TotalVolume:       t.totalVolume,
		AvgSlippageBps:    t.avgSlippageBps,
		VenueDistribution: dist,
	}
}
