package venue

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/mExOms/execution/pkg/types"
)

// GuardConfig controls the circuit breaker and rate limiter wrapped
// around a venue adapter.
type GuardConfig struct {
	ConsecutiveFailures uint32        // breaker trips after this many in a row
	OpenTimeout         time.Duration // how long the breaker stays open
	RequestsPerSecond   float64
	Burst               int
}

// DefaultGuardConfig returns the guard defaults.
func DefaultGuardConfig() GuardConfig {
	return GuardConfig{
		ConsecutiveFailures: 5,
		OpenTimeout:         30 * time.Second,
		RequestsPerSecond:   10,
		Burst:               20,
	}
}

// GuardedAdapter wraps an Adapter with a per-venue circuit breaker and
// dispatch rate limiter. Once the breaker opens, calls fail fast with
// ErrVenueUnavailable until the open timeout elapses.
type GuardedAdapter struct {
	inner   Adapter
	breaker *gobreaker.CircuitBreaker
	limiter *rate.Limiter
	log     *logrus.Entry
}

// Guard wraps an adapter with breaker and rate-limit protection.
func Guard(inner Adapter, config GuardConfig) *GuardedAdapter {
	if config.ConsecutiveFailures == 0 {
		config.ConsecutiveFailures = 5
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = 30 * time.Second
	}
	if config.RequestsPerSecond <= 0 {
		config.RequestsPerSecond = 10
	}
	if config.Burst <= 0 {
		config.Burst = int(config.RequestsPerSecond)
	}

	log := logrus.WithFields(logrus.Fields{
		"component": "venue-guard",
		"venue":     inner.Name(),
	})

	settings := gobreaker.Settings{
		Name:    inner.Name(),
		Timeout: config.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= config.ConsecutiveFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.WithFields(logrus.Fields{"from": from.String(), "to": to.String()}).
				Warn("venue breaker state changed")
		},
	}

	return &GuardedAdapter{
		inner:   inner,
		breaker: gobreaker.NewCircuitBreaker(settings),
		limiter: rate.NewLimiter(rate.Limit(config.RequestsPerSecond), config.Burst),
		log:     log,
	}
}

// Name returns the wrapped venue identifier.
func (g *GuardedAdapter) Name() string { return g.inner.Name() }

// Quote rate-limits and breaker-guards the inner quote call.
func (g *GuardedAdapter) Quote(ctx context.Context, symbol string, side types.OrderSide, quantity decimal.Decimal) (types.Quote, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return types.Quote{}, err
	}
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.Quote(ctx, symbol, side, quantity)
	})
	if err != nil {
		return types.Quote{}, g.classify(err)
	}
	return result.(types.Quote), nil
}

// SubmitChildOrder rate-limits and breaker-guards the inner submit call.
func (g *GuardedAdapter) SubmitChildOrder(ctx context.Context, child *types.ChildOrder) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", err
	}
	result, err := g.breaker.Execute(func() (interface{}, error) {
		return g.inner.SubmitChildOrder(ctx, child)
	})
	if err != nil {
		return "", g.classify(err)
	}
	return result.(string), nil
}

// GetFill passes through to the inner adapter; fill polling does not
// count against the breaker.
func (g *GuardedAdapter) GetFill(ctx context.Context, childOrderID string) (types.Fill, bool, error) {
	return g.inner.GetFill(ctx, childOrderID)
}

func (g *GuardedAdapter) classify(err error) error {
	if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
		return fmt.Errorf("%w: %s breaker open", types.ErrVenueUnavailable, g.inner.Name())
	}
	return err
}
