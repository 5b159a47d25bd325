package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spf13/viper"

	"github.com/mExOms/execution/internal/cost"
	"github.com/mExOms/execution/internal/router"
	"github.com/mExOms/execution/internal/scheduler"
	"github.com/mExOms/execution/internal/venue"
	"github.com/mExOms/execution/pkg/bus"
	"github.com/mExOms/execution/pkg/types"
)

// Config is the full configuration surface of the execution core. It
// is loaded once at startup and handed to components as plain values;
// nothing reads configuration globally after construction.
type Config struct {
	LogLevel string `mapstructure:"log_level"`

	Scoring struct {
		Weights           venue.Weights `mapstructure:"weights"`
		MaxLatencyMs      float64       `mapstructure:"max_latency_ms"`
		DepthReference    float64       `mapstructure:"depth_reference"`
		RecomputeInterval time.Duration `mapstructure:"recompute_interval"`
		Window            time.Duration `mapstructure:"window"`
		Capacity          int           `mapstructure:"capacity"`
	} `mapstructure:"scoring"`

	Router router.Config `mapstructure:"router"`

	Cost struct {
		AnnualVolatility float64              `mapstructure:"annual_volatility"`
		Optimizer        cost.OptimizerConfig `mapstructure:"optimizer"`
	} `mapstructure:"cost"`

	Scheduler scheduler.Config `mapstructure:"scheduler"`

	Venues map[string]VenueConfig `mapstructure:"venues"`

	Guard struct {
		ConsecutiveFailures uint32        `mapstructure:"consecutive_failures"`
		OpenTimeout         time.Duration `mapstructure:"open_timeout"`
		RequestsPerSecond   float64       `mapstructure:"requests_per_second"`
		Burst               int           `mapstructure:"burst"`
	} `mapstructure:"guard"`

	NATS bus.NATSConfig `mapstructure:"nats"`
}

// VenueConfig holds one venue's tunables in plain config types.
type VenueConfig struct {
	Impact         venue.ImpactModel `mapstructure:"impact"`
	DailyVolume    float64           `mapstructure:"daily_volume"`
	MakerRebate    float64           `mapstructure:"maker_rebate"`
	OptimalDelayMs float64           `mapstructure:"optimal_delay_ms"`
	MinQuantity    float64           `mapstructure:"min_quantity"`
}

// Load reads configuration from the given file (or the default search
// paths when path is empty), applies environment overrides with the
// EXECUTION_ prefix, and validates the result.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("execution")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/execution")
	}
	v.SetEnvPrefix("EXECUTION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// No file found on the search path: defaults plus env apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	sc := venue.DefaultScorerConfig()
	v.SetDefault("scoring.weights.latency", sc.Weights.Latency)
	v.SetDefault("scoring.weights.cost", sc.Weights.Cost)
	v.SetDefault("scoring.weights.liquidity", sc.Weights.Liquidity)
	v.SetDefault("scoring.weights.reliability", sc.Weights.Reliability)
	v.SetDefault("scoring.max_latency_ms", sc.MaxLatencyMs)
	v.SetDefault("scoring.depth_reference", sc.DepthReference.InexactFloat64())
	v.SetDefault("scoring.recompute_interval", sc.RecomputeInterval)
	v.SetDefault("scoring.window", 15*time.Minute)
	v.SetDefault("scoring.capacity", 256)

	rc := router.DefaultConfig()
	v.SetDefault("router.min_success_rate", rc.MinSuccessRate)
	v.SetDefault("router.min_fill_rate", rc.MinFillRate)
	v.SetDefault("router.max_latency_ms", rc.MaxLatencyMs)
	v.SetDefault("router.max_venues", rc.MaxVenues)

	v.SetDefault("cost.annual_volatility", cost.DefaultModelConfig().AnnualVolatility)
	oc := cost.DefaultOptimizerConfig()
	v.SetDefault("cost.optimizer.max_splits", oc.MaxSplits)
	v.SetDefault("cost.optimizer.max_price_improvement_bps", oc.MaxPriceImprovementBps)
	v.SetDefault("cost.optimizer.base_confidence", oc.BaseConfidence)
	v.SetDefault("cost.optimizer.savings_weight", oc.SavingsWeight)
	v.SetDefault("cost.optimizer.depth_bonus", oc.DepthBonus)
	v.SetDefault("cost.optimizer.freshness_bonus", oc.FreshnessBonus)
	v.SetDefault("cost.optimizer.freshness_window", oc.FreshnessWindow)

	ec := scheduler.DefaultConfig()
	v.SetDefault("scheduler.tick_interval", ec.TickInterval)
	v.SetDefault("scheduler.slice_count", ec.SliceCount)
	v.SetDefault("scheduler.execution_horizon", ec.ExecutionHorizon)
	v.SetDefault("scheduler.max_concurrent_orders", ec.MaxConcurrentOrders)
	v.SetDefault("scheduler.history_size", ec.HistorySize)
	v.SetDefault("scheduler.arena_size", ec.ArenaSize)
	v.SetDefault("scheduler.participation_cap", ec.ParticipationCap)
	v.SetDefault("scheduler.deviation_threshold", ec.DeviationThreshold)
	v.SetDefault("scheduler.max_consecutive_failures", ec.MaxConsecutiveFailures)
	v.SetDefault("scheduler.dispatch_timeout", ec.DispatchTimeout)
	v.SetDefault("scheduler.fill_poll_interval", ec.FillPollInterval)
	v.SetDefault("scheduler.breach_slippage_bps", ec.BreachSlippageBps)
	v.SetDefault("scheduler.breach_latency_ms", ec.BreachLatencyMs)
	v.SetDefault("scheduler.breach_cost_bps", ec.BreachCostBps)

	gc := venue.DefaultGuardConfig()
	v.SetDefault("guard.consecutive_failures", gc.ConsecutiveFailures)
	v.SetDefault("guard.open_timeout", gc.OpenTimeout)
	v.SetDefault("guard.requests_per_second", gc.RequestsPerSecond)
	v.SetDefault("guard.burst", gc.Burst)

	v.SetDefault("nats.url", "nats://localhost:4222")
	v.SetDefault("nats.client_id", "execution-core")
}

// Validate fails construction on invalid configuration; scoring weights
// must sum to 1.
func (c *Config) Validate() error {
	if err := c.Scoring.Weights.Validate(); err != nil {
		return err
	}
	if c.Scheduler.ParticipationCap < 0 || c.Scheduler.ParticipationCap > 1 {
		return fmt.Errorf("%w: participation cap must be in [0, 1]", types.ErrValidation)
	}
	return nil
}

// ScorerConfig builds the scorer's typed configuration.
func (c *Config) ScorerConfig() venue.ScorerConfig {
	return venue.ScorerConfig{
		Weights:           c.Scoring.Weights,
		MaxLatencyMs:      c.Scoring.MaxLatencyMs,
		DepthReference:    decimal.NewFromFloat(c.Scoring.DepthReference),
		RecomputeInterval: c.Scoring.RecomputeInterval,
	}
}

// GuardConfig builds the venue guard configuration.
func (c *Config) GuardConfig() venue.GuardConfig {
	return venue.GuardConfig{
		ConsecutiveFailures: c.Guard.ConsecutiveFailures,
		OpenTimeout:         c.Guard.OpenTimeout,
		RequestsPerSecond:   c.Guard.RequestsPerSecond,
		Burst:               c.Guard.Burst,
	}
}

// ModelConfig builds the cost model configuration.
func (c *Config) ModelConfig() cost.ModelConfig {
	return cost.ModelConfig{AnnualVolatility: c.Cost.AnnualVolatility}
}

// VenueParams builds the per-venue parameter overrides.
func (c *Config) VenueParams() map[string]venue.Params {
	params := make(map[string]venue.Params, len(c.Venues))
	for name, vc := range c.Venues {
		p := venue.Params{
			Venue:          name,
			Impact:         vc.Impact,
			MakerRebate:    vc.MakerRebate,
			OptimalDelayMs: vc.OptimalDelayMs,
			MinQuantity:    decimal.NewFromFloat(vc.MinQuantity),
		}
		if vc.DailyVolume > 0 {
			p.Impact.DailyVolume = decimal.NewFromFloat(vc.DailyVolume)
		}
		params[name] = p
	}
	return params
}
