package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mExOms/execution/internal/cost"
	"github.com/mExOms/execution/internal/router"
	"github.com/mExOms/execution/internal/venue"
	"github.com/mExOms/execution/pkg/bus"
	"github.com/mExOms/execution/pkg/types"
)

// fakeAdapter fills every child order instantly at a fixed price. After
// fillLimit fills (when positive) it quotes zero size, starving further
// dispatch.
type fakeAdapter struct {
	name      string
	price     decimal.Decimal
	submitErr error
	fillLimit int

	mu    sync.Mutex
	fills map[string]types.Fill
	count int
}

func newFakeAdapter(name string, price int64) *fakeAdapter {
	return &fakeAdapter{
		name:  name,
		price: decimal.NewFromInt(price),
		fills: make(map[string]types.Fill),
	}
}

func (f *fakeAdapter) Name() string { return f.name }

func (f *fakeAdapter) Quote(_ context.Context, symbol string, _ types.OrderSide, quantity decimal.Decimal) (types.Quote, error) {
	f.mu.Lock()
	starved := f.fillLimit > 0 && f.count >= f.fillLimit
	f.mu.Unlock()

	size := quantity.Mul(decimal.NewFromInt(1000))
	if starved {
		size = decimal.Zero
	}
	return types.Quote{Venue: f.name, Symbol: symbol, Price: f.price, Size: size, Timestamp: time.Now()}, nil
}

func (f *fakeAdapter) SubmitChildOrder(_ context.Context, child *types.ChildOrder) (string, error) {
	if f.submitErr != nil {
		return "", f.submitErr
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.count++
	f.fills[child.ID] = types.Fill{
		ChildOrderID: child.ID,
		Venue:        f.name,
		Symbol:       child.Symbol,
		Quantity:     child.Quantity,
		Price:        f.price,
		Timestamp:    time.Now(),
	}
	return child.ID, nil
}

func (f *fakeAdapter) GetFill(_ context.Context, childOrderID string) (types.Fill, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fill, ok := f.fills[childOrderID]
	if !ok {
		return types.Fill{}, false, errors.New("unknown child order")
	}
	return fill, true, nil
}

// recordingBus captures published subjects for assertions.
type recordingBus struct {
	mu       sync.Mutex
	subjects []string
}

func (b *recordingBus) Publish(subject string, _ interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subjects = append(b.subjects, subject)
	return nil
}

func (b *recordingBus) Close() {}

func (b *recordingBus) seen(subject string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subjects {
		if s == subject {
			return true
		}
	}
	return false
}

type harness struct {
	engine  *Engine
	adapter *fakeAdapter
	cancel  context.CancelFunc
}

func newHarness(t *testing.T, config Config, adapter *fakeAdapter) *harness {
	return newHarnessWithBus(t, config, adapter, nil)
}

func newHarnessWithBus(t *testing.T, config Config, adapter *fakeAdapter, pub bus.Publisher) *harness {
	t.Helper()

	store := venue.NewProfileStore(time.Minute, 32)
	store.Record(types.VenueSample{
		Venue:        adapter.name,
		Timestamp:    time.Now(),
		LatencyP50Ms: 10,
		LatencyP90Ms: 20,
		LatencyP99Ms: 25,
		SuccessRate:  0.99,
		FillRate:     0.95,
		FeeRate:      0.001,
		BidDepth:     decimal.NewFromInt(100),
		AskDepth:     decimal.NewFromInt(100),
		SpreadBps:    2,
		Uptime:       1,
	})

	scorer, err := venue.NewScorer(store, venue.DefaultScorerConfig(), nil)
	require.NoError(t, err)
	scorer.RecomputeAll()

	registry := venue.NewParamsRegistry(nil)
	model := cost.NewModel(registry, cost.DefaultModelConfig())
	optimizer := cost.NewOptimizer(model, registry, store, cost.DefaultOptimizerConfig())
	rt := router.NewRouter(store, scorer, optimizer, router.DefaultConfig())

	adapters := map[string]venue.Adapter{adapter.name: adapter}
	engine := NewEngine(rt, adapters, registry, UniformProfile(), pub, config)

	ctx, cancel := context.WithCancel(context.Background())
	go engine.Run(ctx)
	t.Cleanup(cancel)

	return &harness{engine: engine, adapter: adapter, cancel: cancel}
}

func fastConfig() Config {
	return Config{
		TickInterval:           5 * time.Millisecond,
		SliceCount:             5,
		ExecutionHorizon:       time.Second,
		MaxConcurrentOrders:    4,
		DispatchTimeout:        time.Second,
		FillPollInterval:       time.Millisecond,
		MaxConsecutiveFailures: 3,
	}
}

func marketOrder(qty int64) types.Order {
	return types.Order{
		Symbol:    "BTC-USD",
		Side:      types.OrderSideBuy,
		Quantity:  decimal.NewFromInt(qty),
		Urgency:   types.UrgencyMedium,
		OrderType: types.OrderTypeMarket,
	}
}

func waitTerminal(t *testing.T, e *Engine, id string) ScheduleState {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		state, err := e.Status(id)
		require.NoError(t, err)
		if state.Status.IsTerminal() {
			return state
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("schedule did not reach a terminal state")
	return ScheduleState{}
}

func TestEngine_CompletesFullyFilledOrder(t *testing.T) {
	h := newHarness(t, fastConfig(), newFakeAdapter("fake", 100))

	id, err := h.engine.Submit(context.Background(), marketOrder(100), cost.Constraints{}, cost.Objectives{})
	require.NoError(t, err)

	state := waitTerminal(t, h.engine, id)
	assert.Equal(t, StatusCompleted, state.Status)
	assert.True(t, state.ExecutedQuantity.Equal(decimal.NewFromInt(100)), state.ExecutedQuantity.String())
	assert.True(t, state.RemainingQuantity.IsZero())

	for _, slice := range state.Slices {
		assert.Equal(t, SliceCompleted, slice.Status)
		assert.Equal(t, []string{"fake"}, slice.Venues)
	}

	metrics, err := h.engine.Metrics(id)
	require.NoError(t, err)
	assert.InDelta(t, 100, metrics.CompletionPct, 1e-9)
	assert.False(t, metrics.RealizedVWAP.IsZero())
}

func TestEngine_SliceTargetsSumToOrderQuantity(t *testing.T) {
	h := newHarness(t, fastConfig(), newFakeAdapter("fake", 100))

	id, err := h.engine.Submit(context.Background(), marketOrder(97), cost.Constraints{}, cost.Objectives{})
	require.NoError(t, err)
	state := waitTerminal(t, h.engine, id)

	total := decimal.Zero
	for _, slice := range state.Slices {
		total = total.Add(slice.TargetQuantity)
	}
	assert.True(t, total.Equal(decimal.NewFromInt(97)), total.String())
}

func TestEngine_TimesOutWithRemainingReported(t *testing.T) {
	adapter := newFakeAdapter("fake", 100)
	adapter.fillLimit = 3 // starve after three slices

	config := fastConfig()
	config.ExecutionHorizon = 300 * time.Millisecond
	h := newHarness(t, config, adapter)

	id, err := h.engine.Submit(context.Background(), marketOrder(100), cost.Constraints{}, cost.Objectives{})
	require.NoError(t, err)

	state := waitTerminal(t, h.engine, id)
	assert.Equal(t, StatusTimedOut, state.Status)
	assert.True(t, state.RemainingQuantity.IsPositive())
	assert.True(t, state.RemainingQuantity.Equal(state.TotalQuantity.Sub(state.ExecutedQuantity)))
}

func TestEngine_CancelIsMonotonic(t *testing.T) {
	config := fastConfig()
	config.ExecutionHorizon = 10 * time.Second
	config.TickInterval = 20 * time.Millisecond
	h := newHarness(t, config, newFakeAdapter("fake", 100))

	id, err := h.engine.Submit(context.Background(), marketOrder(1000), cost.Constraints{}, cost.Objectives{})
	require.NoError(t, err)

	require.NoError(t, h.engine.Cancel(id))
	state := waitTerminal(t, h.engine, id)
	assert.Equal(t, StatusCancelled, state.Status)

	// Once cancelled no slice may move to executing afterwards.
	executing := 0
	for _, slice := range state.Slices {
		if slice.Status == SliceExecuting {
			executing++
		}
	}
	assert.LessOrEqual(t, executing, 1)

	err = h.engine.Cancel(id)
	assert.ErrorIs(t, err, types.ErrAlreadyTerminal)
}

func TestEngine_StatusIsIdempotent(t *testing.T) {
	h := newHarness(t, fastConfig(), newFakeAdapter("fake", 100))

	id, err := h.engine.Submit(context.Background(), marketOrder(10), cost.Constraints{}, cost.Objectives{})
	require.NoError(t, err)
	waitTerminal(t, h.engine, id)

	first, err := h.engine.Status(id)
	require.NoError(t, err)
	second, err := h.engine.Status(id)
	require.NoError(t, err)

	assert.Equal(t, first.Status, second.Status)
	assert.True(t, first.ExecutedQuantity.Equal(second.ExecutedQuantity))
	assert.Equal(t, first.UpdatedAt, second.UpdatedAt)
}

func TestEngine_RejectsMalformedOrder(t *testing.T) {
	h := newHarness(t, fastConfig(), newFakeAdapter("fake", 100))

	_, err := h.engine.Submit(context.Background(), types.Order{Symbol: "BTC-USD"}, cost.Constraints{}, cost.Objectives{})
	assert.ErrorIs(t, err, types.ErrValidation)

	bad := marketOrder(10)
	bad.Side = "HOLD"
	_, err = h.engine.Submit(context.Background(), bad, cost.Constraints{}, cost.Objectives{})
	assert.ErrorIs(t, err, types.ErrValidation)
}

func TestEngine_UnknownScheduleLookups(t *testing.T) {
	h := newHarness(t, fastConfig(), newFakeAdapter("fake", 100))

	_, err := h.engine.Status("nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
	assert.ErrorIs(t, h.engine.Cancel("nope"), types.ErrNotFound)
	_, err = h.engine.Report("nope")
	assert.ErrorIs(t, err, types.ErrNotFound)
}

func TestEngine_BelowMinimumUnitReachesTerminalState(t *testing.T) {
	store := venue.NewProfileStore(time.Minute, 32)
	store.Record(types.VenueSample{
		Venue: "strict", Timestamp: time.Now(),
		LatencyP50Ms: 10, LatencyP90Ms: 20, LatencyP99Ms: 25,
		SuccessRate: 0.99, FillRate: 0.95, FeeRate: 0.001,
		BidDepth: decimal.NewFromInt(100), AskDepth: decimal.NewFromInt(100),
		SpreadBps: 2, Uptime: 1,
	})
	scorer, err := venue.NewScorer(store, venue.DefaultScorerConfig(), nil)
	require.NoError(t, err)
	scorer.RecomputeAll()

	registry := venue.NewParamsRegistry(map[string]venue.Params{
		"strict": {MinQuantity: decimal.NewFromInt(1)},
	})
	model := cost.NewModel(registry, cost.DefaultModelConfig())
	optimizer := cost.NewOptimizer(model, registry, store, cost.DefaultOptimizerConfig())
	rt := router.NewRouter(store, scorer, optimizer, router.DefaultConfig())

	adapters := map[string]venue.Adapter{"strict": newFakeAdapter("strict", 100)}
	engine := NewEngine(rt, adapters, registry, UniformProfile(), nil, fastConfig())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	order := marketOrder(1)
	order.Quantity = decimal.NewFromFloat(0.5)
	id, err := engine.Submit(context.Background(), order, cost.Constraints{}, cost.Objectives{})
	require.NoError(t, err)

	state := waitTerminal(t, engine, id)
	assert.Equal(t, StatusFailed, state.Status)
}

func TestEngine_NoEligibleVenueRetriesInsteadOfFailing(t *testing.T) {
	store := venue.NewProfileStore(time.Minute, 32)
	dead := types.VenueSample{
		Venue: "deadex", Timestamp: time.Now(),
		LatencyP50Ms: 10, LatencyP90Ms: 20, LatencyP99Ms: 25,
		SuccessRate: 0, FillRate: 0.95, FeeRate: 0.001,
		BidDepth: decimal.NewFromInt(100), AskDepth: decimal.NewFromInt(100),
		SpreadBps: 2, Uptime: 1,
	}
	store.Record(dead)
	scorer, err := venue.NewScorer(store, venue.DefaultScorerConfig(), nil)
	require.NoError(t, err)
	scorer.RecomputeAll()

	registry := venue.NewParamsRegistry(nil)
	model := cost.NewModel(registry, cost.DefaultModelConfig())
	optimizer := cost.NewOptimizer(model, registry, store, cost.DefaultOptimizerConfig())
	rt := router.NewRouter(store, scorer, optimizer, router.DefaultConfig())

	adapters := map[string]venue.Adapter{"deadex": newFakeAdapter("deadex", 100)}
	config := fastConfig()
	config.ExecutionHorizon = 200 * time.Millisecond
	engine := NewEngine(rt, adapters, registry, UniformProfile(), nil, config)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go engine.Run(ctx)

	id, err := engine.Submit(context.Background(), marketOrder(10), cost.Constraints{}, cost.Objectives{})
	require.NoError(t, err)

	// Slices retry until the end time; an empty routing pass never
	// counts toward the consecutive-failure limit.
	state := waitTerminal(t, engine, id)
	assert.Equal(t, StatusTimedOut, state.Status)
	assert.True(t, state.ExecutedQuantity.IsZero())
	assert.True(t, state.RemainingQuantity.Equal(state.TotalQuantity))
}

func TestEngine_FIFOAdmission(t *testing.T) {
	config := fastConfig()
	config.MaxConcurrentOrders = 1
	h := newHarness(t, config, newFakeAdapter("fake", 100))

	first, err := h.engine.Submit(context.Background(), marketOrder(20), cost.Constraints{}, cost.Objectives{})
	require.NoError(t, err)
	second, err := h.engine.Submit(context.Background(), marketOrder(20), cost.Constraints{}, cost.Objectives{})
	require.NoError(t, err)

	firstState := waitTerminal(t, h.engine, first)
	secondState := waitTerminal(t, h.engine, second)

	assert.Equal(t, StatusCompleted, firstState.Status)
	assert.Equal(t, StatusCompleted, secondState.Status)
	// The queued order cannot start before the first finishes.
	assert.False(t, secondState.StartTime.Before(firstState.StartTime))

	perf := h.engine.Performance()
	assert.Equal(t, int64(2), perf.TotalOrders)
	assert.Equal(t, int64(2), perf.CompletedOrders)
}

func TestEngine_TerminalStatusImpliesRetirement(t *testing.T) {
	h := newHarness(t, fastConfig(), newFakeAdapter("fake", 100))

	id, err := h.engine.Submit(context.Background(), marketOrder(10), cost.Constraints{}, cost.Objectives{})
	require.NoError(t, err)
	waitTerminal(t, h.engine, id)

	// A terminal status must only become visible once the schedule is
	// in the history and the performance totals, with no window in
	// between.
	_, err = h.engine.Report(id)
	require.NoError(t, err)
	assert.ErrorIs(t, h.engine.Cancel(id), types.ErrAlreadyTerminal)

	perf := h.engine.Performance()
	assert.Equal(t, int64(1), perf.TotalOrders)
	assert.Equal(t, int64(1), perf.CompletedOrders)
}

func TestEngine_AbandonsStalledSlice(t *testing.T) {
	adapter := newFakeAdapter("fake", 100)
	adapter.fillLimit = 3

	config := fastConfig()
	config.ExecutionHorizon = 300 * time.Millisecond
	h := newHarness(t, config, adapter)

	id, err := h.engine.Submit(context.Background(), marketOrder(100), cost.Constraints{}, cost.Objectives{})
	require.NoError(t, err)
	state := waitTerminal(t, h.engine, id)

	// The starved slice gives up its window instead of blocking its
	// successors until the schedule end time.
	abandoned := 0
	for _, slice := range state.Slices {
		switch slice.Status {
		case SliceAbandoned:
			abandoned++
			assert.Empty(t, slice.Venues)
		case SliceCompleted:
			assert.Equal(t, []string{"fake"}, slice.Venues)
		}
	}
	assert.GreaterOrEqual(t, abandoned, 1)
}

func TestEngine_PublishesSymbolScopedSubjects(t *testing.T) {
	rec := &recordingBus{}
	h := newHarnessWithBus(t, fastConfig(), newFakeAdapter("fake", 100), rec)

	id, err := h.engine.Submit(context.Background(), marketOrder(10), cost.Constraints{}, cost.Objectives{})
	require.NoError(t, err)
	waitTerminal(t, h.engine, id)

	assert.True(t, rec.seen(bus.SubjectScheduleCreated+".BTC-USD"))
	assert.True(t, rec.seen(bus.SubjectSliceCompleted+".BTC-USD"))
	assert.True(t, rec.seen(bus.SubjectScheduleCompleted+".BTC-USD"))
}

func TestEngine_ReportBreaksDownVenues(t *testing.T) {
	h := newHarness(t, fastConfig(), newFakeAdapter("fake", 100))

	id, err := h.engine.Submit(context.Background(), marketOrder(50), cost.Constraints{}, cost.Objectives{})
	require.NoError(t, err)
	waitTerminal(t, h.engine, id)

	report, err := h.engine.Report(id)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, report.Status)
	assert.True(t, report.VenueDistribution["fake"].Equal(decimal.NewFromInt(50)))
	assert.NotEmpty(t, report.Slices)
}
