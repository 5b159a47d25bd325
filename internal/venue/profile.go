package venue

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/mExOms/execution/pkg/types"
)

// ProfileStore keeps a rolling window of performance samples per venue.
// Each venue owns a fixed-capacity ring of sample slots; appends evict by
// window age first and by ring position when the ring is full, so memory
// is bounded regardless of sample arrival rate.
type ProfileStore struct {
	mu       sync.RWMutex
	window   time.Duration
	capacity int
	rings    map[string]*sampleRing
}

type sampleRing struct {
	slots []types.VenueSample
	head  int
	count int
}

// NewProfileStore creates a store retaining samples no older than window,
// with at most capacity samples per venue.
func NewProfileStore(window time.Duration, capacity int) *ProfileStore {
	if capacity <= 0 {
		capacity = 256
	}
	if window <= 0 {
		window = 15 * time.Minute
	}
	return &ProfileStore{
		window:   window,
		capacity: capacity,
		rings:    make(map[string]*sampleRing),
	}
}

// Record appends a sample for its venue and prunes samples that have
// fallen out of the historical window. Never blocks on I/O.
func (s *ProfileStore) Record(sample types.VenueSample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring, ok := s.rings[sample.Venue]
	if !ok {
		ring = &sampleRing{slots: make([]types.VenueSample, s.capacity)}
		s.rings[sample.Venue] = ring
	}

	if ring.count == len(ring.slots) {
		// Full: overwrite the oldest slot.
		ring.head = (ring.head + 1) % len(ring.slots)
		ring.count--
	}
	ring.slots[(ring.head+ring.count)%len(ring.slots)] = sample
	ring.count++

	cutoff := sample.Timestamp.Add(-s.window)
	for ring.count > 0 && ring.slots[ring.head].Timestamp.Before(cutoff) {
		ring.head = (ring.head + 1) % len(ring.slots)
		ring.count--
	}
}

// Latest returns the most recent sample for a venue.
func (s *ProfileStore) Latest(venue string) (types.VenueSample, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ring, ok := s.rings[venue]
	if !ok || ring.count == 0 {
		return types.VenueSample{}, false
	}
	return ring.slots[(ring.head+ring.count-1)%len(ring.slots)], true
}

// Aggregate returns the arithmetic mean of each numeric field across the
// venue's retained window, or false if no samples exist.
func (s *ProfileStore) Aggregate(venue string) (types.VenueMetrics, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ring, ok := s.rings[venue]
	if !ok || ring.count == 0 {
		return types.VenueMetrics{}, false
	}

	m := types.VenueMetrics{Venue: venue, SampleCount: ring.count}
	bidDepth := decimal.Zero
	askDepth := decimal.Zero

	for i := 0; i < ring.count; i++ {
		sm := ring.slots[(ring.head+i)%len(ring.slots)]
		m.LatencyP50Ms += sm.LatencyP50Ms
		m.LatencyP90Ms += sm.LatencyP90Ms
		m.LatencyP99Ms += sm.LatencyP99Ms
		m.SuccessRate += sm.SuccessRate
		m.FillRate += sm.FillRate
		m.FeeRate += sm.FeeRate
		m.AvgSlippageBps += sm.AvgSlippageBps
		m.SpreadBps += sm.SpreadBps
		m.Uptime += sm.Uptime
		m.ErrorRate += sm.ErrorRate
		bidDepth = bidDepth.Add(sm.BidDepth)
		askDepth = askDepth.Add(sm.AskDepth)
		if sm.Timestamp.After(m.LastSample) {
			m.LastSample = sm.Timestamp
		}
	}

	n := float64(ring.count)
	m.LatencyP50Ms /= n
	m.LatencyP90Ms /= n
	m.LatencyP99Ms /= n
	m.SuccessRate /= n
	m.FillRate /= n
	m.FeeRate /= n
	m.AvgSlippageBps /= n
	m.SpreadBps /= n
	m.Uptime /= n
	m.ErrorRate /= n
	count := decimal.NewFromInt(int64(ring.count))
	m.BidDepth = bidDepth.Div(count)
	m.AskDepth = askDepth.Div(count)

	return m, true
}

// Venues returns the venues that currently hold at least one sample.
func (s *ProfileStore) Venues() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	venues := make([]string, 0, len(s.rings))
	for venue, ring := range s.rings {
		if ring.count > 0 {
			venues = append(venues, venue)
		}
	}
	return venues
}

// Len returns the number of retained samples for a venue.
func (s *ProfileStore) Len(venue string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ring, ok := s.rings[venue]
	if !ok {
		return 0
	}
	return ring.count
}
