package venue

import (
	"github.com/shopspring/decimal"
)

// ImpactModel parameterizes the price impact a venue exhibits when
// absorbing order flow. Impact is modeled as
//
//	linear*participation + sqrtCoeff*participation^exponent
//
// where participation is order quantity over the venue's average daily
// volume proxy. TemporaryShare splits impact into a decaying component
// and a permanent one.
type ImpactModel struct {
	LinearCoeff    float64         `mapstructure:"linear_coeff"`
	SqrtCoeff      float64         `mapstructure:"sqrt_coeff"`
	Exponent       float64         `mapstructure:"exponent"`
	TemporaryShare float64         `mapstructure:"temporary_share"`
	DecayRate      float64         `mapstructure:"decay_rate"`
	DailyVolume    decimal.Decimal `mapstructure:"daily_volume"`
}

// Params bundles a venue's impact model with its trading traits.
type Params struct {
	Venue          string          `mapstructure:"venue"`
	Impact         ImpactModel     `mapstructure:"impact"`
	MakerRebate    float64         `mapstructure:"maker_rebate"`
	OptimalDelayMs float64         `mapstructure:"optimal_delay_ms"`
	MinQuantity    decimal.Decimal `mapstructure:"min_quantity"`
}

// DefaultImpactModel returns the startup defaults applied to venues
// without explicit overrides.
func DefaultImpactModel() ImpactModel {
	return ImpactModel{
		LinearCoeff:    0.1,
		SqrtCoeff:      0.5,
		Exponent:       0.5,
		TemporaryShare: 0.7,
		DecayRate:      0.05,
		DailyVolume:    decimal.NewFromInt(10000),
	}
}

// ParamsRegistry resolves per-venue parameters, falling back to defaults
// for venues configured without them.
type ParamsRegistry struct {
	params map[string]Params
}

// NewParamsRegistry builds a registry from per-venue overrides.
func NewParamsRegistry(overrides map[string]Params) *ParamsRegistry {
	params := make(map[string]Params, len(overrides))
	for venue, p := range overrides {
		if p.Venue == "" {
			p.Venue = venue
		}
		if p.Impact.Exponent <= 0 {
			p.Impact.Exponent = 0.5
		}
		if !p.Impact.DailyVolume.IsPositive() {
			p.Impact.DailyVolume = DefaultImpactModel().DailyVolume
		}
		params[venue] = p
	}
	return &ParamsRegistry{params: params}
}

// Params returns the parameters for a venue.
func (r *ParamsRegistry) Params(venue string) Params {
	if p, ok := r.params[venue]; ok {
		return p
	}
	return Params{Venue: venue, Impact: DefaultImpactModel()}
}

// Has reports whether the venue carries explicitly configured parameters.
func (r *ParamsRegistry) Has(venue string) bool {
	_, ok := r.params[venue]
	return ok
}
