package venue

import (
	"context"
	"fmt"
	"math"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/mExOms/execution/pkg/bus"
	"github.com/mExOms/execution/pkg/types"
)

// Weights controls how component scores combine into a venue's overall
// score. The four weights must sum to 1 within weightTolerance.
type Weights struct {
	Latency     float64 `mapstructure:"latency"`
	Cost        float64 `mapstructure:"cost"`
	Liquidity   float64 `mapstructure:"liquidity"`
	Reliability float64 `mapstructure:"reliability"`
}

const weightTolerance = 0.001

// Validate checks that the weights sum to 1 within tolerance.
func (w Weights) Validate() error {
	sum := w.Latency + w.Cost + w.Liquidity + w.Reliability
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("%w: scoring weights sum to %.4f, want 1.0", types.ErrValidation, sum)
	}
	return nil
}

// ScorerConfig contains venue scoring configuration.
type ScorerConfig struct {
	Weights           Weights
	MaxLatencyMs      float64         // latency score hits zero at this p90
	DepthReference    decimal.Decimal // depth treated as fully liquid
	RecomputeInterval time.Duration
}

// DefaultScorerConfig returns the scoring defaults.
func DefaultScorerConfig() ScorerConfig {
	return ScorerConfig{
		Weights:           Weights{Latency: 0.25, Cost: 0.25, Liquidity: 0.25, Reliability: 0.25},
		MaxLatencyMs:      1000,
		DepthReference:    decimal.NewFromInt(100),
		RecomputeInterval: 5 * time.Second,
	}
}

// Scorer derives composite 0-100 venue scores from the profile store.
// The score table is replaced wholesale on every recompute so readers
// never observe a partially updated record.
type Scorer struct {
	store  *ProfileStore
	config ScorerConfig
	pub    bus.Publisher
	log    *logrus.Entry

	scores atomic.Pointer[map[string]types.VenueScore]
}

// NewScorer creates a scorer over the given store. Construction fails if
// the configured weights do not sum to 1.
func NewScorer(store *ProfileStore, config ScorerConfig, pub bus.Publisher) (*Scorer, error) {
	if err := config.Weights.Validate(); err != nil {
		return nil, err
	}
	if config.MaxLatencyMs <= 0 {
		config.MaxLatencyMs = 1000
	}
	if config.RecomputeInterval <= 0 {
		config.RecomputeInterval = 5 * time.Second
	}
	if pub == nil {
		pub = bus.Nop()
	}

	s := &Scorer{
		store:  store,
		config: config,
		pub:    pub,
		log:    logrus.WithField("component", "venue-scorer"),
	}
	empty := make(map[string]types.VenueScore)
	s.scores.Store(&empty)
	return s, nil
}

// Run recomputes all venue scores on a fixed interval until ctx is done.
func (s *Scorer) Run(ctx context.Context) {
	ticker := time.NewTicker(s.config.RecomputeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RecomputeAll()
		}
	}
}

// RecomputeAll rebuilds the score table from the current sample windows
// and publishes a scores-updated event.
func (s *Scorer) RecomputeAll() {
	venues := s.store.Venues()
	next := make(map[string]types.VenueScore, len(venues))

	for _, venue := range venues {
		metrics, ok := s.store.Aggregate(venue)
		if !ok {
			continue
		}
		next[venue] = s.score(metrics)
	}

	s.scores.Store(&next)

	if err := s.pub.Publish(bus.SubjectScoresUpdated, next); err != nil {
		s.log.WithError(err).Warn("failed to publish venue scores")
	}
}

// RecomputeOne rescores a single venue, typically on sample arrival.
func (s *Scorer) RecomputeOne(venue string) {
	metrics, ok := s.store.Aggregate(venue)
	if !ok {
		return
	}
	score := s.score(metrics)

	prev := *s.scores.Load()
	next := make(map[string]types.VenueScore, len(prev)+1)
	for k, v := range prev {
		next[k] = v
	}
	next[venue] = score
	s.scores.Store(&next)
}

// Score returns the current score for a venue. The second return is false
// when the venue has no samples and is therefore excluded from routing.
func (s *Scorer) Score(venue string) (types.VenueScore, bool) {
	score, ok := (*s.scores.Load())[venue]
	return score, ok
}

// Snapshot returns a copy of the current score table.
func (s *Scorer) Snapshot() map[string]types.VenueScore {
	current := *s.scores.Load()
	out := make(map[string]types.VenueScore, len(current))
	for k, v := range current {
		out[k] = v
	}
	return out
}

func (s *Scorer) score(m types.VenueMetrics) types.VenueScore {
	score := types.VenueScore{
		Venue:       m.Venue,
		Latency:     s.latencyScore(m),
		Cost:        s.costScore(m),
		Liquidity:   s.liquidityScore(m),
		Reliability: s.reliabilityScore(m),
		SampleCount: m.SampleCount,
		UpdatedAt:   time.Now(),
	}

	w := s.config.Weights
	score.Overall = w.Latency*score.Latency +
		w.Cost*score.Cost +
		w.Liquidity*score.Liquidity +
		w.Reliability*score.Reliability
	return score
}

// latencyScore is 100*(1 - min(1, p90/max)), minus a penalty of up to 20
// for high (p99-p50)/p50 variance, floored at 0.
func (s *Scorer) latencyScore(m types.VenueMetrics) float64 {
	base := 100 * (1 - math.Min(1, m.LatencyP90Ms/s.config.MaxLatencyMs))

	if m.LatencyP50Ms > 0 {
		variance := (m.LatencyP99Ms - m.LatencyP50Ms) / m.LatencyP50Ms
		base -= math.Min(20, variance*10)
	}
	return math.Max(0, base)
}

func (s *Scorer) costScore(m types.VenueMetrics) float64 {
	feeScore := 100 - m.FeeRate*10000
	slipScore := 100 - m.AvgSlippageBps
	return math.Max(0, (feeScore+slipScore)/2)
}

func (s *Scorer) liquidityScore(m types.VenueMetrics) float64 {
	depth := m.BidDepth.Add(m.AskDepth).Div(decimal.NewFromInt(2))
	depthScore := 100.0
	if ref := s.config.DepthReference; ref.IsPositive() {
		depthScore = math.Min(100, depth.Div(ref).InexactFloat64()*100)
	}
	spreadScore := math.Max(0, 100-m.SpreadBps)
	fillScore := m.FillRate * 100
	return math.Max(0, (depthScore+spreadScore+fillScore)/3)
}

func (s *Scorer) reliabilityScore(m types.VenueMetrics) float64 {
	return math.Max(0, (m.SuccessRate*100+m.Uptime*100+(100-m.ErrorRate*100))/3)
}
