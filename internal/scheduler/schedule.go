package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/execution/internal/router"
	"github.com/mExOms/execution/internal/venue"
	"github.com/mExOms/execution/pkg/bus"
	"github.com/mExOms/execution/pkg/types"
)

// runner drives one schedule's lifecycle. It exclusively owns the live
// ScheduleState; other goroutines interact only through snapshots and
// the cooperative cancel flag.
type runner struct {
	mu    sync.Mutex
	state ScheduleState

	cancelled atomic.Bool

	order       types.Order
	constraints router.Criteria

	router   *router.Router
	adapters map[string]venue.Adapter
	params   *venue.ParamsRegistry
	profile  *VolumeProfile
	arena    *childArena
	pub      bus.Publisher
	config   Config
	log      *logrus.Entry

	realizedNotional    decimal.Decimal
	estimatedImpact     decimal.Decimal
	consecutiveFailures int

	// Terminal outcome, written by the runner goroutine in finish and
	// committed to the state by the engine during retirement.
	terminalStatus Status
	terminalReason string

	done func(*runner)
}

func (r *runner) snapshot() ScheduleState {
	r.mu.Lock()
	defer r.mu.Unlock()

	snap := r.state
	snap.Slices = make([]Slice, len(r.state.Slices))
	copy(snap.Slices, r.state.Slices)
	snap.Fills = make([]types.Fill, len(r.state.Fills))
	copy(snap.Fills, r.state.Fills)
	return snap
}

func (r *runner) setStatus(status Status) {
	r.mu.Lock()
	r.state.Status = status
	r.state.UpdatedAt = time.Now()
	r.mu.Unlock()
}

// run executes the schedule to a terminal state. Every exit path goes
// through finish, which retires the runner.
func (r *runner) run(ctx context.Context) {
	r.setStatus(StatusValidating)
	if err := r.validate(); err != nil {
		r.finish(StatusFailed, err.Error())
		return
	}

	r.setStatus(StatusScheduled)
	r.plan()
	r.publish(bus.SubjectScheduleCreated, r.snapshot())

	r.setStatus(StatusExecuting)

	ticker := time.NewTicker(r.config.TickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.finish(StatusCancelled, "shutdown")
			return
		case <-ticker.C:
		}

		// Cancel flag is checked at the top of every tick; in-flight
		// dispatches from a prior tick settle but nothing new starts.
		if r.cancelled.Load() {
			r.finish(StatusCancelled, "")
			return
		}
		if time.Now().After(r.state.EndTime) {
			r.finish(StatusTimedOut, "")
			return
		}

		if terminal := r.tick(ctx); terminal {
			return
		}
	}
}

func (r *runner) validate() error {
	if r.order.Symbol == "" {
		return fmt.Errorf("%w: empty symbol", types.ErrValidation)
	}
	if !r.order.Quantity.IsPositive() {
		return fmt.Errorf("%w: quantity must be positive", types.ErrValidation)
	}
	if r.order.Side != types.OrderSideBuy && r.order.Side != types.OrderSideSell {
		return fmt.Errorf("%w: invalid side %q", types.ErrValidation, r.order.Side)
	}
	c := r.constraints.Constraints
	if c.MaxSlippageBps < 0 || c.RiskAversion < 0 || c.Volatility < 0 {
		return fmt.Errorf("%w: negative constraint", types.ErrValidation)
	}
	return nil
}

// plan derives the slice sequence from the volume profile: target
// quantities proportional to each sub-window's volume share, rounding
// remainder on the last slice so targets sum exactly to the order.
func (r *runner) plan() {
	start := time.Now()
	end := start.Add(r.config.ExecutionHorizon)
	if !r.order.Deadline.IsZero() && r.order.Deadline.Before(end) {
		end = r.order.Deadline
	}

	shares := r.profile.Shares(start, end, r.config.SliceCount)
	step := end.Sub(start) / time.Duration(len(shares))

	slices := make([]Slice, len(shares))
	assigned := decimal.Zero
	for i, share := range shares {
		qty := r.order.Quantity.Mul(decimal.NewFromFloat(share))
		if i == len(shares)-1 {
			qty = r.order.Quantity.Sub(assigned)
		}
		assigned = assigned.Add(qty)
		slices[i] = Slice{
			Index:          i,
			TargetQuantity: qty,
			Status:         SlicePending,
			NotBefore:      start.Add(time.Duration(i) * step),
		}
	}

	target := r.profile.ExpectedPrice(start, end)
	if !target.IsPositive() {
		target = r.constraints.ReferencePrice
	}
	if !target.IsPositive() {
		target = r.order.LimitPrice
	}

	r.mu.Lock()
	r.state.Slices = slices
	r.state.StartTime = start
	r.state.EndTime = end
	r.state.TargetVWAP = target
	r.state.UpdatedAt = time.Now()
	r.mu.Unlock()
}

// tick executes at most one slice, honoring strict index order: the
// next slice runs only once every predecessor is terminal.
func (r *runner) tick(ctx context.Context) bool {
	slice := r.nextSlice()
	if slice == nil {
		// All slices terminal. Any shortfall gets a catch-up slice so
		// quantity is never silently dropped before the end time.
		if r.remaining().IsPositive() {
			r.appendCatchUp()
			return false
		}
		r.finish(StatusCompleted, "")
		return true
	}
	if time.Now().Before(slice.NotBefore) {
		return false
	}

	// A slice stuck executing past its window gives up its turn; the
	// shortfall stays in remaining and is redistributed.
	if slice.Status == SliceExecuting && time.Now().After(r.sliceWindowEnd(slice.Index)) {
		r.markSlice(slice.Index, SliceAbandoned)
		r.replanIfDeviating()
		return false
	}

	r.markSlice(slice.Index, SliceExecuting)

	executed, dispatched, failed := r.executeSlice(ctx, slice)

	if failed {
		r.consecutiveFailures++
		if r.consecutiveFailures >= r.config.MaxConsecutiveFailures {
			r.finish(StatusFailed, "consecutive child order failures exceeded limit")
			return true
		}
	} else if dispatched {
		r.consecutiveFailures = 0
	}

	if dispatched {
		r.completeSlice(slice.Index, executed)
	}

	if !r.remaining().IsPositive() {
		r.finish(StatusCompleted, "")
		return true
	}
	if dispatched {
		r.replanIfDeviating()
	}
	return false
}

// executeSlice routes and dispatches one slice. Returns the executed
// quantity, whether any child order was dispatched, and whether every
// dispatch attempt failed outright.
func (r *runner) executeSlice(ctx context.Context, slice *Slice) (decimal.Decimal, bool, bool) {
	qty := decimal.Min(slice.TargetQuantity.Sub(slice.ExecutedQuantity), r.remaining())
	qty = r.capByParticipation(qty, slice)
	if !qty.IsPositive() {
		return decimal.Zero, true, false
	}

	sliceOrder := r.order
	sliceOrder.Quantity = qty

	rec, err := r.router.Recommend(ctx, &sliceOrder, r.constraints)
	if err != nil {
		if errors.Is(err, types.ErrNoEligibleVenue) {
			// Not a failure; the slice retries until the schedule's
			// end time.
			r.log.WithField("slice", slice.Index).Debug("no eligible venue, retrying next tick")
			return decimal.Zero, false, false
		}
		r.log.WithError(err).Warn("routing failed")
		return decimal.Zero, false, true
	}
	if len(rec.Allocations) == 0 {
		return decimal.Zero, false, false
	}

	r.checkCostBreach(rec)

	executed := decimal.Zero
	dispatched := false
	failures := 0
	attempts := 0

	for _, alloc := range rec.Allocations {
		filled, ok, attempted := r.dispatch(ctx, slice, alloc)
		if attempted {
			attempts++
		}
		if attempted && !ok {
			failures++
			continue
		}
		if ok {
			dispatched = true
			executed = executed.Add(filled)
		}
	}

	allFailed := attempts > 0 && failures == attempts
	return executed, dispatched, allFailed
}

// dispatch submits one child order for an allocation and waits for its
// fill within the allocation's timeout. Returns the filled quantity,
// whether the dispatch succeeded, and whether it was attempted at all
// (skipped venues do not count against the failure limit unless the
// allocation cannot trade anywhere).
func (r *runner) dispatch(ctx context.Context, slice *Slice, alloc types.Allocation) (decimal.Decimal, bool, bool) {
	adapter, ok := r.adapters[alloc.Venue]
	if !ok {
		r.log.WithField("venue", alloc.Venue).Warn("no adapter for venue")
		return decimal.Zero, false, true
	}
	if alloc.Quantity.LessThan(r.params.Params(alloc.Venue).MinQuantity) {
		r.log.WithFields(logrus.Fields{
			"venue":    alloc.Venue,
			"quantity": alloc.Quantity.String(),
		}).Warn("allocation below venue minimum")
		return decimal.Zero, false, true
	}

	timeout := r.config.DispatchTimeout
	if d := time.Duration(alloc.LatencyMs*4) * time.Millisecond; d > timeout {
		timeout = d
	}
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// Pre-trade check: skip the venue for this tick when the quoted
	// size cannot cover the allocation.
	quote, err := adapter.Quote(dctx, r.order.Symbol, r.order.Side, alloc.Quantity)
	if err != nil {
		r.log.WithError(err).WithField("venue", alloc.Venue).Warn("quote failed")
		return decimal.Zero, false, true
	}
	if quote.Size.LessThan(alloc.Quantity) {
		r.log.WithField("venue", alloc.Venue).Debug("quoted size below allocation, skipping")
		return decimal.Zero, false, false
	}

	child := r.arena.acquire()
	defer r.arena.release(child)

	child.ID = fmt.Sprintf("%s-%d-%s", r.state.ID, slice.Index, alloc.Venue)
	child.ScheduleID = r.state.ID
	child.SliceIndex = slice.Index
	child.Venue = alloc.Venue
	child.Symbol = r.order.Symbol
	child.Side = r.order.Side
	child.Type = alloc.OrderType
	child.Quantity = alloc.Quantity
	child.Price = alloc.Price
	child.CreatedAt = time.Now()

	started := time.Now()
	childID, err := adapter.SubmitChildOrder(dctx, child)
	if err != nil {
		r.log.WithError(err).WithField("venue", alloc.Venue).Warn("child order rejected")
		return decimal.Zero, false, true
	}
	r.noteSliceVenue(slice.Index, alloc.Venue)
	r.publish(bus.SubjectSliceDispatched, *child)

	filled := r.awaitFill(dctx, adapter, childID, alloc)
	r.checkLatencyBreach(alloc.Venue, time.Since(started))

	return filled, true, true
}

// awaitFill polls the adapter until the fill settles or the dispatch
// context expires. A missing fill at expiry is a shortfall absorbed by
// re-planning, not an error.
func (r *runner) awaitFill(ctx context.Context, adapter venue.Adapter, childID string, alloc types.Allocation) decimal.Decimal {
	for {
		fill, done, err := adapter.GetFill(ctx, childID)
		if err != nil {
			r.log.WithError(err).Warn("fill lookup failed")
			return decimal.Zero
		}
		if done {
			r.recordFill(fill, alloc)
			return fill.Quantity
		}

		select {
		case <-ctx.Done():
			return decimal.Zero
		case <-time.After(r.config.FillPollInterval):
		}
	}
}

func (r *runner) recordFill(fill types.Fill, alloc types.Allocation) {
	r.mu.Lock()
	r.state.Fills = append(r.state.Fills, fill)
	r.state.ExecutedQuantity = r.state.ExecutedQuantity.Add(fill.Quantity)
	r.state.RemainingQuantity = r.state.TotalQuantity.Sub(r.state.ExecutedQuantity)
	r.realizedNotional = r.realizedNotional.Add(fill.Quantity.Mul(fill.Price))
	if r.state.ExecutedQuantity.IsPositive() {
		r.state.RealizedVWAP = r.realizedNotional.Div(r.state.ExecutedQuantity)
	}
	r.state.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.profile.Observe(fill.Timestamp, fill.Quantity, fill.Price)
	r.checkSlippageBreach(fill, alloc)
}

func (r *runner) remaining() decimal.Decimal {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state.TotalQuantity.Sub(r.state.ExecutedQuantity)
}

// nextSlice returns the first non-terminal slice, preserving strict
// index order.
func (r *runner) nextSlice() *Slice {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.state.Slices {
		s := &r.state.Slices[i]
		if s.Status == SlicePending || s.Status == SliceExecuting {
			copied := *s
			return &copied
		}
	}
	return nil
}

// sliceWindowEnd is the start of the next slice's window, or the
// schedule end time for the last slice.
func (r *runner) sliceWindowEnd(index int) time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if index+1 < len(r.state.Slices) {
		return r.state.Slices[index+1].NotBefore
	}
	return r.state.EndTime
}

func (r *runner) markSlice(index int, status SliceStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state.Slices[index].Status = status
	r.state.UpdatedAt = time.Now()
}

// noteSliceVenue records a venue that received a child order for the
// slice, once per venue.
func (r *runner) noteSliceVenue(index int, venueName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, v := range r.state.Slices[index].Venues {
		if v == venueName {
			return
		}
	}
	r.state.Slices[index].Venues = append(r.state.Slices[index].Venues, venueName)
}

func (r *runner) completeSlice(index int, executed decimal.Decimal) {
	r.mu.Lock()
	s := &r.state.Slices[index]
	s.ExecutedQuantity = s.ExecutedQuantity.Add(executed)
	s.Status = SliceCompleted
	s.CompletedAt = time.Now()
	snap := *s
	r.state.UpdatedAt = time.Now()
	r.mu.Unlock()

	r.publish(bus.SubjectSliceCompleted, snap)
}

// appendCatchUp adds one extra slice carrying the unfilled remainder.
func (r *runner) appendCatchUp() {
	r.mu.Lock()
	defer r.mu.Unlock()

	remaining := r.state.TotalQuantity.Sub(r.state.ExecutedQuantity)
	r.state.Slices = append(r.state.Slices, Slice{
		Index:          len(r.state.Slices),
		TargetQuantity: remaining,
		Status:         SlicePending,
		NotBefore:      time.Now(),
	})
	r.state.UpdatedAt = time.Now()
}

// capByParticipation bounds a slice quantity by the configured share of
// the profile's expected market volume over the slice window.
func (r *runner) capByParticipation(qty decimal.Decimal, slice *Slice) decimal.Decimal {
	if r.config.ParticipationCap <= 0 {
		return qty
	}

	r.mu.Lock()
	step := r.state.EndTime.Sub(r.state.StartTime) / time.Duration(len(r.state.Slices))
	r.mu.Unlock()

	expected := r.profile.ExpectedVolume(slice.NotBefore, slice.NotBefore.Add(step))
	if !expected.IsPositive() {
		return qty
	}
	limit := expected.Mul(decimal.NewFromFloat(r.config.ParticipationCap))
	return decimal.Min(qty, limit)
}

// replanIfDeviating redistributes the remaining quantity across the
// remaining slices proportionally to their original targets when
// realized execution has drifted from target beyond the threshold.
// Completed history is never rewritten.
func (r *runner) replanIfDeviating() {
	r.mu.Lock()
	defer r.mu.Unlock()

	targetSoFar := decimal.Zero
	for _, s := range r.state.Slices {
		if s.Status == SliceCompleted || s.Status == SliceAbandoned {
			targetSoFar = targetSoFar.Add(s.TargetQuantity)
		}
	}
	if !targetSoFar.IsPositive() {
		return
	}

	deviation := r.state.ExecutedQuantity.Sub(targetSoFar).Div(targetSoFar).Abs().InexactFloat64()
	if deviation <= r.config.DeviationThreshold {
		return
	}

	var pending []int
	pendingTarget := decimal.Zero
	for i, s := range r.state.Slices {
		if s.Status == SlicePending {
			pending = append(pending, i)
			pendingTarget = pendingTarget.Add(s.TargetQuantity)
		}
	}
	if len(pending) == 0 || !pendingTarget.IsPositive() {
		return
	}

	remaining := r.state.TotalQuantity.Sub(r.state.ExecutedQuantity)
	assigned := decimal.Zero
	for n, i := range pending {
		share := r.state.Slices[i].TargetQuantity.Div(pendingTarget)
		qty := remaining.Mul(share)
		if n == len(pending)-1 {
			qty = remaining.Sub(assigned)
		}
		assigned = assigned.Add(qty)
		r.state.Slices[i].TargetQuantity = qty
	}
	r.state.UpdatedAt = time.Now()

	r.log.WithFields(logrus.Fields{
		"schedule_id": r.state.ID,
		"deviation":   deviation,
	}).Info("redistributed remaining quantity")
}

// finish publishes the terminal event and hands the runner to the
// engine, which commits the terminal status together with the history
// entry and performance totals. A caller that observes a terminal
// status can therefore rely on the event being out and on Report and
// Performance already reflecting the schedule.
func (r *runner) finish(status Status, reason string) {
	r.terminalStatus = status
	r.terminalReason = reason

	snap := r.snapshot()
	snap.Status = status
	snap.Error = reason
	snap.RemainingQuantity = snap.TotalQuantity.Sub(snap.ExecutedQuantity)

	subject := map[Status]string{
		StatusCompleted: bus.SubjectScheduleCompleted,
		StatusCancelled: bus.SubjectScheduleCancelled,
		StatusFailed:    bus.SubjectScheduleFailed,
		StatusTimedOut:  bus.SubjectScheduleTimedOut,
	}[status]
	if subject != "" {
		r.publish(subject, snap)
	}
	r.done(r)

	r.log.WithFields(logrus.Fields{
		"schedule_id": snap.ID,
		"status":      status,
		"executed":    snap.ExecutedQuantity.String(),
		"remaining":   snap.RemainingQuantity.String(),
	}).Info("schedule finished")
}

// metrics derives the point-in-time quality view from the live state.
func (r *runner) metrics() Metrics {
	r.mu.Lock()
	state := r.state
	impact := r.estimatedImpact
	r.mu.Unlock()

	m := Metrics{
		TargetVWAP:      state.TargetVWAP,
		RealizedVWAP:    state.RealizedVWAP,
		EstimatedImpact: impact,
	}

	if state.TotalQuantity.IsPositive() {
		m.CompletionPct = state.ExecutedQuantity.Div(state.TotalQuantity).InexactFloat64() * 100
	}
	if state.TargetVWAP.IsPositive() && state.RealizedVWAP.IsPositive() {
		diff := state.RealizedVWAP.Sub(state.TargetVWAP).Div(state.TargetVWAP)
		m.TrackingErrorBps = diff.InexactFloat64() * 10000
		slip := m.TrackingErrorBps
		if state.Order.Side == types.OrderSideSell {
			slip = -slip
		}
		m.SlippageBps = slip
	}

	observed := r.profile.ExpectedVolume(state.StartTime, time.Now())
	if observed.IsPositive() {
		m.ParticipationRate = state.ExecutedQuantity.Div(observed).InexactFloat64()
	}
	return m
}

func (r *runner) checkSlippageBreach(fill types.Fill, alloc types.Allocation) {
	if r.config.BreachSlippageBps <= 0 || !alloc.Price.IsPositive() {
		return
	}
	slip := fill.Price.Sub(alloc.Price).Div(alloc.Price).Abs().InexactFloat64() * 10000
	if slip > r.config.BreachSlippageBps {
		r.publish(bus.SubjectBreachSlippage, map[string]interface{}{
			"schedule_id":  r.state.ID,
			"venue":        fill.Venue,
			"slippage_bps": slip,
		})
	}
}

func (r *runner) checkLatencyBreach(venueName string, elapsed time.Duration) {
	ms := float64(elapsed.Milliseconds())
	if r.config.BreachLatencyMs <= 0 || ms <= r.config.BreachLatencyMs {
		return
	}
	r.publish(bus.SubjectBreachLatency, map[string]interface{}{
		"schedule_id": r.state.ID,
		"venue":       venueName,
		"latency_ms":  ms,
	})
}

func (r *runner) checkCostBreach(rec router.Recommendation) {
	if r.config.BreachCostBps <= 0 {
		return
	}
	notional := decimal.Zero
	for _, alloc := range rec.Allocations {
		notional = notional.Add(alloc.Notional())
	}
	if !notional.IsPositive() {
		return
	}

	r.mu.Lock()
	r.estimatedImpact = r.estimatedImpact.Add(rec.Cost.MarketImpact)
	r.mu.Unlock()

	bps := rec.Cost.Total.Div(notional).InexactFloat64() * 10000
	if bps > r.config.BreachCostBps {
		r.publish(bus.SubjectBreachCost, map[string]interface{}{
			"schedule_id": r.state.ID,
			"cost_bps":    bps,
		})
	}
}

func (r *runner) publish(subject string, payload interface{}) {
	subject = subject + "." + r.order.Symbol
	if err := r.pub.Publish(subject, payload); err != nil {
		r.log.WithError(err).WithField("subject", subject).Warn("publish failed")
	}
}
