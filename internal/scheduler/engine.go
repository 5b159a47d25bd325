package scheduler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/execution/internal/cost"
	"github.com/mExOms/execution/internal/router"
	"github.com/mExOms/execution/internal/venue"
	"github.com/mExOms/execution/pkg/bus"
	"github.com/mExOms/execution/pkg/types"
)

// Config holds the engine's execution settings.
type Config struct {
	TickInterval           time.Duration `mapstructure:"tick_interval"`
	SliceCount             int           `mapstructure:"slice_count"`
	ExecutionHorizon       time.Duration `mapstructure:"execution_horizon"`
	MaxConcurrentOrders    int           `mapstructure:"max_concurrent_orders"`
	HistorySize            int           `mapstructure:"history_size"`
	ArenaSize              int           `mapstructure:"arena_size"`
	ParticipationCap       float64       `mapstructure:"participation_cap"`
	DeviationThreshold     float64       `mapstructure:"deviation_threshold"`
	MaxConsecutiveFailures int           `mapstructure:"max_consecutive_failures"`
	DispatchTimeout        time.Duration `mapstructure:"dispatch_timeout"`
	FillPollInterval       time.Duration `mapstructure:"fill_poll_interval"`
	BreachSlippageBps      float64       `mapstructure:"breach_slippage_bps"`
	BreachLatencyMs        float64       `mapstructure:"breach_latency_ms"`
	BreachCostBps          float64       `mapstructure:"breach_cost_bps"`
}

// DefaultConfig returns the engine defaults.
func DefaultConfig() Config {
	return Config{
		TickInterval:           2 * time.Second,
		SliceCount:             5,
		ExecutionHorizon:       5 * time.Minute,
		MaxConcurrentOrders:    10,
		HistorySize:            256,
		ArenaSize:              256,
		ParticipationCap:       0.25,
		DeviationThreshold:     0.2,
		MaxConsecutiveFailures: 3,
		DispatchTimeout:        5 * time.Second,
		FillPollInterval:       50 * time.Millisecond,
		BreachSlippageBps:      50,
		BreachLatencyMs:        500,
		BreachCostBps:          25,
	}
}

// Engine is the inbound surface of the execution core. It admits
// parent orders up to a concurrency bound, runs one goroutine per
// active schedule, and retains terminal schedules in a bounded history
// for status and reporting.
type Engine struct {
	router   *router.Router
	adapters map[string]venue.Adapter
	params   *venue.ParamsRegistry
	profile  *VolumeProfile
	arena    *childArena
	pub      bus.Publisher
	config   Config
	tracker  *performanceTracker
	log      *logrus.Entry

	mu      sync.Mutex
	queue   []*runner
	active  map[string]*runner
	history map[string]*historyEntry
	order   []string // history eviction order

	slots  chan struct{}
	wake   chan struct{}
	wg     sync.WaitGroup
	closed bool
}

type historyEntry struct {
	state   ScheduleState
	metrics Metrics
}

// NewEngine wires the engine over a router, venue adapters and a
// volume profile. A nil publisher disables event emission.
func NewEngine(rt *router.Router, adapters map[string]venue.Adapter, params *venue.ParamsRegistry, profile *VolumeProfile, pub bus.Publisher, config Config) *Engine {
	def := DefaultConfig()
	if config.TickInterval <= 0 {
		config.TickInterval = def.TickInterval
	}
	if config.SliceCount <= 0 {
		config.SliceCount = def.SliceCount
	}
	if config.ExecutionHorizon <= 0 {
		config.ExecutionHorizon = def.ExecutionHorizon
	}
	if config.MaxConcurrentOrders <= 0 {
		config.MaxConcurrentOrders = def.MaxConcurrentOrders
	}
	if config.HistorySize <= 0 {
		config.HistorySize = def.HistorySize
	}
	if config.ArenaSize <= 0 {
		config.ArenaSize = def.ArenaSize
	}
	if config.DeviationThreshold <= 0 {
		config.DeviationThreshold = def.DeviationThreshold
	}
	if config.MaxConsecutiveFailures <= 0 {
		config.MaxConsecutiveFailures = def.MaxConsecutiveFailures
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = def.DispatchTimeout
	}
	if config.FillPollInterval <= 0 {
		config.FillPollInterval = def.FillPollInterval
	}
	if pub == nil {
		pub = bus.Nop()
	}
	if profile == nil {
		profile = UniformProfile()
	}

	return &Engine{
		router:   rt,
		adapters: adapters,
		params:   params,
		profile:  profile,
		arena:    newChildArena(config.ArenaSize),
		pub:      pub,
		config:   config,
		tracker:  newPerformanceTracker(),
		log:      logrus.WithField("component", "scheduler"),
		active:   make(map[string]*runner),
		history:  make(map[string]*historyEntry),
		slots:    make(chan struct{}, config.MaxConcurrentOrders),
		wake:     make(chan struct{}, 1),
	}
}

// Run drives the admission loop until the context is cancelled, then
// waits for active schedules to settle.
func (e *Engine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			e.mu.Lock()
			e.closed = true
			e.mu.Unlock()
			e.wg.Wait()
			return
		case <-e.wake:
		}

		for ctx.Err() == nil {
			next := e.pop()
			if next == nil {
				break
			}

			select {
			case e.slots <- struct{}{}:
			case <-ctx.Done():
				e.requeue(next)
				break
			}
			if ctx.Err() != nil {
				break
			}

			e.wg.Add(1)
			go func(r *runner) {
				defer e.wg.Done()
				defer func() { <-e.slots }()
				r.run(ctx)
			}(next)
		}
	}
}

// Submit validates and admits a parent order, returning its schedule
// id. Submissions beyond the concurrency bound queue in FIFO order and
// are never dropped.
func (e *Engine) Submit(ctx context.Context, order types.Order, constraints cost.Constraints, objectives cost.Objectives) (string, error) {
	if err := validate(order); err != nil {
		return "", err
	}

	id := uuid.NewString()
	if order.ID == "" {
		order.ID = id
	}
	if order.ArrivedAt.IsZero() {
		order.ArrivedAt = time.Now()
	}

	criteria := router.Criteria{
		ReferencePrice: order.LimitPrice,
		Constraints:    constraints,
		Objectives:     objectives,
	}

	r := &runner{
		order:       order,
		constraints: criteria,
		router:      e.router,
		adapters:    e.adapters,
		params:      e.params,
		profile:     e.profile,
		arena:       e.arena,
		pub:         e.pub,
		config:      e.config,
		log:         e.log.WithField("schedule_id", id),
		done:        e.retire,
	}
	r.state = ScheduleState{
		ID:                id,
		Order:             order,
		Status:            StatusPending,
		TotalQuantity:     order.Quantity,
		RemainingQuantity: order.Quantity,
		UpdatedAt:         time.Now(),
	}
	r.realizedNotional = decimal.Zero
	r.estimatedImpact = decimal.Zero

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return "", fmt.Errorf("%w: engine shut down", types.ErrValidation)
	}
	e.queue = append(e.queue, r)
	e.active[id] = r
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}

	e.log.WithFields(logrus.Fields{
		"schedule_id": id,
		"symbol":      order.Symbol,
		"quantity":    order.Quantity.String(),
	}).Info("order admitted")

	return id, nil
}

// Status returns a snapshot of an active or recently terminal
// schedule. The snapshot is taken under the engine lock, so a terminal
// status is never observed before the schedule has been retired into
// the history and the performance totals.
func (e *Engine) Status(scheduleID string) (ScheduleState, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r, ok := e.active[scheduleID]; ok {
		return r.snapshot(), nil
	}
	if entry, ok := e.history[scheduleID]; ok {
		return entry.state, nil
	}
	return ScheduleState{}, fmt.Errorf("%w: %s", types.ErrNotFound, scheduleID)
}

// Cancel requests cooperative cancellation. In-flight child orders
// settle; no new slices start once the flag is observed.
func (e *Engine) Cancel(scheduleID string) error {
	e.mu.Lock()
	r, active := e.active[scheduleID]
	_, kept := e.history[scheduleID]
	e.mu.Unlock()

	if active {
		r.cancelled.Store(true)
		return nil
	}
	if kept {
		return fmt.Errorf("%w: %s", types.ErrAlreadyTerminal, scheduleID)
	}
	return fmt.Errorf("%w: %s", types.ErrNotFound, scheduleID)
}

// Metrics returns the point-in-time quality view of a schedule.
func (e *Engine) Metrics(scheduleID string) (Metrics, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if r, ok := e.active[scheduleID]; ok {
		return r.metrics(), nil
	}
	if entry, ok := e.history[scheduleID]; ok {
		return entry.metrics, nil
	}
	return Metrics{}, fmt.Errorf("%w: %s", types.ErrNotFound, scheduleID)
}

// Report returns the final accounting for a terminal schedule.
func (e *Engine) Report(scheduleID string) (Report, error) {
	e.mu.Lock()
	entry, kept := e.history[scheduleID]
	e.mu.Unlock()

	if !kept {
		return Report{}, fmt.Errorf("%w: %s", types.ErrNotFound, scheduleID)
	}

	dist := make(map[string]decimal.Decimal)
	for _, fill := range entry.state.Fills {
		dist[fill.Venue] = dist[fill.Venue].Add(fill.Quantity)
	}

	return Report{
		ScheduleID:        entry.state.ID,
		Status:            entry.state.Status,
		Slices:            entry.state.Slices,
		VenueDistribution: dist,
		Metrics:           entry.metrics,
		Duration:          entry.state.UpdatedAt.Sub(entry.state.StartTime),
	}, nil
}

// Performance returns the engine-wide running totals.
func (e *Engine) Performance() PerformanceSnapshot {
	return e.tracker.snapshot()
}

// retire commits a runner's terminal status and moves it from the
// active table into the bounded history ring. The commit, the history
// insertion and the tracker update all happen under the engine lock so
// the terminal status never becomes visible ahead of them.
func (e *Engine) retire(r *runner) {
	e.mu.Lock()

	r.mu.Lock()
	r.state.Status = r.terminalStatus
	r.state.Error = r.terminalReason
	r.state.RemainingQuantity = r.state.TotalQuantity.Sub(r.state.ExecutedQuantity)
	r.state.UpdatedAt = time.Now()
	r.mu.Unlock()

	snap := r.snapshot()
	metrics := r.metrics()

	delete(e.active, snap.ID)
	e.history[snap.ID] = &historyEntry{state: snap, metrics: metrics}
	e.order = append(e.order, snap.ID)
	for len(e.order) > e.config.HistorySize {
		delete(e.history, e.order[0])
		e.order = e.order[1:]
	}
	e.tracker.record(snap, metrics)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
}

func (e *Engine) pop() *runner {
	e.mu.Lock()
	defer e.mu.Unlock()

	if len(e.queue) == 0 {
		return nil
	}
	r := e.queue[0]
	e.queue = e.queue[1:]
	return r
}

func (e *Engine) requeue(r *runner) {
	e.mu.Lock()
	e.queue = append([]*runner{r}, e.queue...)
	e.mu.Unlock()
}

func validate(order types.Order) error {
	if order.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", types.ErrValidation)
	}
	if order.Side != types.OrderSideBuy && order.Side != types.OrderSideSell {
		return fmt.Errorf("%w: invalid side %q", types.ErrValidation, order.Side)
	}
	if !order.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", types.ErrValidation)
	}
	if !order.Deadline.IsZero() && order.Deadline.Before(time.Now()) {
		return fmt.Errorf("%w: deadline in the past", types.ErrValidation)
	}
	return nil
}
