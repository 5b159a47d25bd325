package scheduler

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Bucket is one hour of a volume profile: the typical traded volume
// and typical price for that hour of day.
type Bucket struct {
	Volume decimal.Decimal `json:"volume"`
	Price  decimal.Decimal `json:"price"`
}

// VolumeProfile models intraday volume as 24 hourly buckets. A
// historical baseline can be merged with live observations pushed via
// Observe; reads blend the two, weighting observations by count so the
// profile adapts within the day without forgetting the baseline.
type VolumeProfile struct {
	mu       sync.RWMutex
	baseline [24]Bucket
	observed [24]Bucket
	counts   [24]int
}

// NewVolumeProfile creates a profile from a historical hourly baseline.
func NewVolumeProfile(baseline [24]Bucket) *VolumeProfile {
	return &VolumeProfile{baseline: baseline}
}

// UniformProfile returns a profile with equal volume in every hour and
// no price expectation. Used when no historical pattern is available.
func UniformProfile() *VolumeProfile {
	var baseline [24]Bucket
	for i := range baseline {
		baseline[i].Volume = decimal.NewFromInt(1)
	}
	return NewVolumeProfile(baseline)
}

// Observe folds a live intraday sample into the hour bucket of ts.
func (p *VolumeProfile) Observe(ts time.Time, volume, price decimal.Decimal) {
	hour := ts.UTC().Hour()

	p.mu.Lock()
	defer p.mu.Unlock()

	n := decimal.NewFromInt(int64(p.counts[hour]))
	next := n.Add(decimal.NewFromInt(1))
	p.observed[hour].Volume = p.observed[hour].Volume.Mul(n).Add(volume).Div(next)
	if price.IsPositive() {
		p.observed[hour].Price = p.observed[hour].Price.Mul(n).Add(price).Div(next)
	}
	p.counts[hour]++
}

// bucket returns the blended view of one hour. Observations dominate
// as their count grows; an unobserved hour is pure baseline.
func (p *VolumeProfile) bucket(hour int) Bucket {
	base := p.baseline[hour]
	if p.counts[hour] == 0 {
		return base
	}

	w := decimal.NewFromFloat(float64(p.counts[hour]) / float64(p.counts[hour]+1))
	inv := decimal.NewFromInt(1).Sub(w)
	b := Bucket{
		Volume: base.Volume.Mul(inv).Add(p.observed[hour].Volume.Mul(w)),
		Price:  base.Price,
	}
	if p.observed[hour].Price.IsPositive() {
		if base.Price.IsPositive() {
			b.Price = base.Price.Mul(inv).Add(p.observed[hour].Price.Mul(w))
		} else {
			b.Price = p.observed[hour].Price
		}
	}
	return b
}

// Shares splits [start, end) into n equal sub-windows and returns each
// sub-window's fraction of the profile volume over the whole window.
// When the profile carries no volume the shares are uniform.
func (p *VolumeProfile) Shares(start, end time.Time, n int) []float64 {
	if n <= 0 {
		return nil
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	shares := make([]float64, n)
	step := end.Sub(start) / time.Duration(n)
	var total float64

	for i := 0; i < n; i++ {
		a := start.Add(time.Duration(i) * step)
		b := a.Add(step)
		if i == n-1 {
			b = end
		}
		shares[i], _ = p.windowVolume(a, b)
		total += shares[i]
	}

	if total <= 0 {
		for i := range shares {
			shares[i] = 1 / float64(n)
		}
		return shares
	}
	for i := range shares {
		shares[i] /= total
	}
	return shares
}

// ExpectedPrice returns the volume-weighted expected price over
// [start, end), the schedule's target VWAP. Zero when the profile has
// no priced volume in the window.
func (p *VolumeProfile) ExpectedPrice(start, end time.Time) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	_, vwap := p.windowVolume(start, end)
	return vwap
}

// ExpectedVolume returns the profile volume over [start, end).
func (p *VolumeProfile) ExpectedVolume(start, end time.Time) decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()

	vol, _ := p.windowVolume(start, end)
	return decimal.NewFromFloat(vol)
}

// windowVolume integrates bucket volume over [start, end), pro-rating
// partial hours, and returns the total plus the volume-weighted price.
// Caller holds at least the read lock.
func (p *VolumeProfile) windowVolume(start, end time.Time) (float64, decimal.Decimal) {
	if !end.After(start) {
		return 0, decimal.Zero
	}

	var total float64
	weighted := decimal.Zero
	priced := decimal.Zero

	cursor := start.UTC()
	endUTC := end.UTC()
	for cursor.Before(endUTC) {
		hourEnd := cursor.Truncate(time.Hour).Add(time.Hour)
		if hourEnd.After(endUTC) {
			hourEnd = endUTC
		}
		fraction := hourEnd.Sub(cursor).Hours()
		b := p.bucket(cursor.Hour())

		vol := b.Volume.InexactFloat64() * fraction
		total += vol
		if b.Price.IsPositive() {
			volDec := b.Volume.Mul(decimal.NewFromFloat(fraction))
			weighted = weighted.Add(volDec.Mul(b.Price))
			priced = priced.Add(volDec)
		}
		cursor = hourEnd
	}

	if !priced.IsPositive() {
		return total, decimal.Zero
	}
	return total, weighted.Div(priced)
}
