package scheduler

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/mExOms/execution/pkg/types"
)

// Schedule states
type Status string

const (
	StatusPending    Status = "pending"
	StatusValidating Status = "validating"
	StatusScheduled  Status = "scheduled"
	StatusExecuting  Status = "executing"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
	StatusTimedOut   Status = "timed_out"
)

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusCancelled, StatusFailed, StatusTimedOut:
		return true
	}
	return false
}

// Per-slice states
type SliceStatus string

const (
	SlicePending   SliceStatus = "pending"
	SliceExecuting SliceStatus = "executing"
	SliceCompleted SliceStatus = "completed"
	SliceAbandoned SliceStatus = "abandoned"
)

// Slice is one time-phased piece of a parent order. Target quantities
// across a schedule's slices sum to the order's total quantity within
// one rounding unit.
type Slice struct {
	Index            int             `json:"index"`
	TargetQuantity   decimal.Decimal `json:"target_quantity"`
	ExecutedQuantity decimal.Decimal `json:"executed_quantity"`
	Status           SliceStatus     `json:"status"`
	NotBefore        time.Time       `json:"not_before"`
	CompletedAt      time.Time       `json:"completed_at,omitempty"`
	Venues           []string        `json:"venues,omitempty"`
}

// ScheduleState is the snapshot a caller sees for one schedule. The
// runner owns the live state exclusively; snapshots are deep enough
// copies that callers can hold them across ticks.
type ScheduleState struct {
	ID                string          `json:"id"`
	Order             types.Order     `json:"order"`
	Status            Status          `json:"status"`
	TotalQuantity     decimal.Decimal `json:"total_quantity"`
	ExecutedQuantity  decimal.Decimal `json:"executed_quantity"`
	RemainingQuantity decimal.Decimal `json:"remaining_quantity"`
	Slices            []Slice         `json:"slices"`
	Fills             []types.Fill    `json:"fills"`
	TargetVWAP        decimal.Decimal `json:"target_vwap"`
	RealizedVWAP      decimal.Decimal `json:"realized_vwap"`
	StartTime         time.Time       `json:"start_time"`
	EndTime           time.Time       `json:"end_time"`
	Error             string          `json:"error,omitempty"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// Metrics is the point-in-time quality view of a schedule.
type Metrics struct {
	TargetVWAP        decimal.Decimal `json:"target_vwap"`
	RealizedVWAP      decimal.Decimal `json:"realized_vwap"`
	TrackingErrorBps  float64         `json:"tracking_error_bps"`
	ParticipationRate float64         `json:"participation_rate"`
	CompletionPct     float64         `json:"completion_pct"`
	SlippageBps       float64         `json:"slippage_bps"`
	EstimatedImpact   decimal.Decimal `json:"estimated_impact"`
}

// Report is the final accounting for a terminal schedule.
type Report struct {
	ScheduleID        string                     `json:"schedule_id"`
	Status            Status                     `json:"status"`
	Slices            []Slice                    `json:"slices"`
	VenueDistribution map[string]decimal.Decimal `json:"venue_distribution"`
	Metrics           Metrics                    `json:"metrics"`
	Duration          time.Duration              `json:"duration"`
}
