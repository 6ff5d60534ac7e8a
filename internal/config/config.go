// Package config loads the engine's YAML configuration, applies
// environment overrides, and converts the numeric knobs into the typed
// parameter structs the engines consume. Durations are configured as
// integer seconds or minutes; decimal coefficients are configured as
// float64 and converted once at startup.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"

	"github.com/probax/risk-engine/internal/borrow"
	"github.com/probax/risk-engine/internal/funding"
	"github.com/probax/risk-engine/internal/ledger"
	"github.com/probax/risk-engine/internal/margin"
	"github.com/probax/risk-engine/internal/market"
	"github.com/probax/risk-engine/internal/pindex"
	"github.com/probax/risk-engine/internal/vexec"
)

type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Index     IndexConfig     `yaml:"index"`
	Execution ExecutionConfig `yaml:"execution"`
	Margin    MarginConfig    `yaml:"margin"`
	Borrow    BorrowConfig    `yaml:"borrow"`
	Funding   FundingConfig   `yaml:"funding"`
	Pool      PoolConfig      `yaml:"pool"`
	Caps      CapsConfig      `yaml:"caps"`
	Market    MarketConfig    `yaml:"market"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Auth      AuthConfig      `yaml:"auth"`
}

type ServerConfig struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	NATSURL     string `yaml:"nats_url"`

	RecenterSeconds int `yaml:"recenter_seconds"`
	RatesSeconds    int `yaml:"rates_seconds"`
	SweepSeconds    int `yaml:"sweep_seconds"`
}

type IndexConfig struct {
	Alpha           float64 `yaml:"alpha"`
	VolLambda       float64 `yaml:"vol_lambda"`
	MaxSpread       float64 `yaml:"max_spread"`
	MaxTickMove     float64 `yaml:"max_tick_move"`
	MinDepth        float64 `yaml:"min_depth"`
	MaxHorizonHours int     `yaml:"max_horizon_hours"`
	MaxAgeSeconds   int     `yaml:"max_age_seconds"`
}

type ExecutionConfig struct {
	GuardThreshold float64 `yaml:"guard_threshold"`
	GuardSlope     float64 `yaml:"guard_slope"`
	MaxImpactBps   float64 `yaml:"max_impact_bps"`
}

type MarginConfig struct {
	MaxLeverage       float64 `yaml:"max_leverage"`
	VolScale          float64 `yaml:"vol_scale"`
	MaintenanceRatio  float64 `yaml:"maintenance_ratio"`
	LiquidationBuffer float64 `yaml:"liquidation_buffer"`
	PartialFraction   float64 `yaml:"partial_fraction"`
	PenaltyRate       float64 `yaml:"penalty_rate"`
	RewardShare       float64 `yaml:"reward_share"`
	InsuranceShare    float64 `yaml:"insurance_share"`
}

type BorrowConfig struct {
	BaseRate       float64 `yaml:"base_rate"`
	MinRate        float64 `yaml:"min_rate"`
	MaxRate        float64 `yaml:"max_rate"`
	Beta           float64 `yaml:"beta"`
	MaxStepUp      float64 `yaml:"max_step_up"`
	UtilKnee       float64 `yaml:"util_knee"`
	UtilRampCoeff  float64 `yaml:"util_ramp_coeff"`
	UtilOverSlope  float64 `yaml:"util_over_slope"`
	ImbalanceCoeff float64 `yaml:"imbalance_coeff"`
	VolCoeff       float64 `yaml:"vol_coeff"`
	VolFloor       float64 `yaml:"vol_floor"`
	HorizonRamp    float64 `yaml:"horizon_ramp"`
	HorizonSlope   float64 `yaml:"horizon_slope"`
	ConcCoeff      float64 `yaml:"conc_coeff"`
	ConcThreshold  float64 `yaml:"conc_threshold"`
}

type FundingConfig struct {
	MaxRate       float64 `yaml:"max_rate"`
	Threshold     float64 `yaml:"threshold"`
	PeriodMinutes int     `yaml:"period_minutes"`
}

type PoolConfig struct {
	InitialCapital float64 `yaml:"initial_capital"`
	MaxUtilization float64 `yaml:"max_utilization"`
}

type CapsConfig struct {
	MaxMarketOI       float64 `yaml:"max_market_oi"`
	MaxSideOI         float64 `yaml:"max_side_oi"`
	MaxTraderNotional float64 `yaml:"max_trader_notional"`
	MaxGlobalOI       float64 `yaml:"max_global_oi"`
}

type MarketConfig struct {
	DepthFactor  float64 `yaml:"depth_factor"`
	MinDepth     float64 `yaml:"min_depth"`
	DefaultMaxOI float64 `yaml:"default_max_oi"`
}

type IngestConfig struct {
	RatePerSecond float64 `yaml:"rate_per_second"`
	Burst         int     `yaml:"burst"`
}

type AuthConfig struct {
	// Grants maps caller identity (the X-Caller header) to the
	// operations it may invoke: open, reduce, liquidate, resolve, ingest.
	Grants map[string][]string `yaml:"grants"`
}

// Default returns the configuration the engine runs with when no file is
// given. Every knob can be overridden by YAML.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8080",
			RecenterSeconds: 30,
			RatesSeconds:    60,
			SweepSeconds:    15,
		},
		Index: IndexConfig{
			Alpha:           0.10,
			VolLambda:       0.94,
			MaxSpread:       0.05,
			MaxTickMove:     0.15,
			MinDepth:        500,
			MaxHorizonHours: 720,
			MaxAgeSeconds:   120,
		},
		Execution: ExecutionConfig{
			GuardThreshold: 0.02,
			GuardSlope:     5,
			MaxImpactBps:   500,
		},
		Margin: MarginConfig{
			MaxLeverage:       5,
			VolScale:          0.5,
			MaintenanceRatio:  0.05,
			LiquidationBuffer: 0.02,
			PartialFraction:   0.5,
			PenaltyRate:       0.01,
			RewardShare:       0.4,
			InsuranceShare:    0.4,
		},
		Borrow: BorrowConfig{
			BaseRate:       0.0001,
			MinRate:        0.00001,
			MaxRate:        0.005,
			Beta:           0.15,
			MaxStepUp:      0.25,
			UtilKnee:       0.60,
			UtilRampCoeff:  3,
			UtilOverSlope:  20,
			ImbalanceCoeff: 1,
			VolCoeff:       2,
			VolFloor:       0.02,
			HorizonRamp:    2,
			HorizonSlope:   6,
			ConcCoeff:      2,
			ConcThreshold:  0.25,
		},
		Funding: FundingConfig{
			MaxRate:       0.0005,
			Threshold:     0.5,
			PeriodMinutes: 60,
		},
		Pool: PoolConfig{
			InitialCapital: 1000000,
			MaxUtilization: 0.8,
		},
		Caps: CapsConfig{
			MaxMarketOI:       250000,
			MaxSideOI:         150000,
			MaxTraderNotional: 50000,
			MaxGlobalOI:       800000,
		},
		Market: MarketConfig{
			DepthFactor:  0.1,
			MinDepth:     1000,
			DefaultMaxOI: 250000,
		},
		Ingest: IngestConfig{
			RatePerSecond: 5,
			Burst:         10,
		},
		Auth: AuthConfig{
			Grants: map[string][]string{
				"gateway": {ledger.OpOpen, ledger.OpReduce},
				"oracle":  {ledger.OpIngest},
				"keeper":  {ledger.OpLiquidate, ledger.OpResolve},
				"admin":   {ledger.OpOpen, ledger.OpReduce, ledger.OpLiquidate, ledger.OpResolve, ledger.OpIngest},
			},
		},
	}
}

// Load reads the YAML file at path over the defaults, applies environment
// overrides, and validates. An empty path skips the file and uses
// defaults plus environment.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file: %w", err)
		}
	}

	// Environment overrides for deployment-specific settings.
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = strings.TrimSpace(v)
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Server.DatabaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Server.RedisURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("NATS_URL"); v != "" {
		cfg.Server.NATSURL = strings.TrimSpace(v)
	}

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func validate(cfg *Config) error {
	if cfg.Index.Alpha <= 0 || cfg.Index.Alpha > 1 {
		return fmt.Errorf("index.alpha must be in (0, 1]")
	}
	if cfg.Index.VolLambda < 0 || cfg.Index.VolLambda >= 1 {
		return fmt.Errorf("index.vol_lambda must be in [0, 1)")
	}
	if cfg.Index.MaxHorizonHours <= 0 {
		return fmt.Errorf("index.max_horizon_hours must be greater than 0")
	}
	if cfg.Index.MaxAgeSeconds <= 0 {
		return fmt.Errorf("index.max_age_seconds must be greater than 0")
	}
	if cfg.Margin.MaxLeverage <= 0 {
		return fmt.Errorf("margin.max_leverage must be greater than 0")
	}
	if cfg.Margin.MaintenanceRatio <= 0 || cfg.Margin.MaintenanceRatio >= 1 {
		return fmt.Errorf("margin.maintenance_ratio must be in (0, 1)")
	}
	if cfg.Margin.PartialFraction < 0 || cfg.Margin.PartialFraction >= 1 {
		return fmt.Errorf("margin.partial_fraction must be in [0, 1)")
	}
	if cfg.Margin.RewardShare+cfg.Margin.InsuranceShare > 1 {
		return fmt.Errorf("margin.reward_share plus margin.insurance_share must not exceed 1")
	}
	if cfg.Borrow.Beta <= 0 || cfg.Borrow.Beta > 1 {
		return fmt.Errorf("borrow.beta must be in (0, 1]")
	}
	if cfg.Borrow.MaxRate < cfg.Borrow.MinRate {
		return fmt.Errorf("borrow.max_rate must not be below borrow.min_rate")
	}
	if cfg.Borrow.UtilKnee <= 0 || cfg.Borrow.UtilKnee >= 1 {
		return fmt.Errorf("borrow.util_knee must be in (0, 1)")
	}
	if cfg.Funding.Threshold <= 0 {
		return fmt.Errorf("funding.threshold must be greater than 0")
	}
	if cfg.Funding.PeriodMinutes <= 0 {
		return fmt.Errorf("funding.period_minutes must be greater than 0")
	}
	if cfg.Pool.InitialCapital <= 0 {
		return fmt.Errorf("pool.initial_capital must be greater than 0")
	}
	if cfg.Pool.MaxUtilization <= 0 || cfg.Pool.MaxUtilization > 1 {
		return fmt.Errorf("pool.max_utilization must be in (0, 1]")
	}
	if cfg.Server.RecenterSeconds <= 0 || cfg.Server.RatesSeconds <= 0 || cfg.Server.SweepSeconds <= 0 {
		return fmt.Errorf("server loop intervals must be greater than 0")
	}
	if len(cfg.Auth.Grants) == 0 {
		return fmt.Errorf("auth.grants must name at least one caller")
	}
	return nil
}

// --- Typed parameter builders ---

func (c *Config) IndexParams() pindex.Params {
	return pindex.Params{
		Alpha:       decimal.NewFromFloat(c.Index.Alpha),
		VolLambda:   decimal.NewFromFloat(c.Index.VolLambda),
		MaxSpread:   decimal.NewFromFloat(c.Index.MaxSpread),
		MaxTickMove: decimal.NewFromFloat(c.Index.MaxTickMove),
		MinDepth:    decimal.NewFromFloat(c.Index.MinDepth),
		MaxHorizon:  time.Duration(c.Index.MaxHorizonHours) * time.Hour,
	}
}

func (c *Config) ExecutionParams() vexec.Params {
	return vexec.Params{
		GuardThreshold: decimal.NewFromFloat(c.Execution.GuardThreshold),
		GuardSlope:     decimal.NewFromFloat(c.Execution.GuardSlope),
		MaxImpactBps:   decimal.NewFromFloat(c.Execution.MaxImpactBps),
	}
}

func (c *Config) MarginParams() margin.Params {
	return margin.Params{
		MaxLeverage: decimal.NewFromFloat(c.Margin.MaxLeverage),
		VolScale:    decimal.NewFromFloat(c.Margin.VolScale),
		MMRatio:     decimal.NewFromFloat(c.Margin.MaintenanceRatio),
		LiqBuffer:   decimal.NewFromFloat(c.Margin.LiquidationBuffer),
		MaxPriceAge: c.MaxPriceAge(),
	}
}

func (c *Config) LiquidatorParams() margin.LiquidatorParams {
	return margin.LiquidatorParams{
		PartialFraction: decimal.NewFromFloat(c.Margin.PartialFraction),
		PenaltyRate:     decimal.NewFromFloat(c.Margin.PenaltyRate),
		RewardShare:     decimal.NewFromFloat(c.Margin.RewardShare),
		InsuranceShare:  decimal.NewFromFloat(c.Margin.InsuranceShare),
	}
}

func (c *Config) BorrowParams() borrow.Params {
	return borrow.Params{
		BaseRate:       decimal.NewFromFloat(c.Borrow.BaseRate),
		MinRate:        decimal.NewFromFloat(c.Borrow.MinRate),
		MaxRate:        decimal.NewFromFloat(c.Borrow.MaxRate),
		Beta:           decimal.NewFromFloat(c.Borrow.Beta),
		MaxStepUp:      decimal.NewFromFloat(c.Borrow.MaxStepUp),
		UtilKnee:       decimal.NewFromFloat(c.Borrow.UtilKnee),
		UtilRampCoeff:  decimal.NewFromFloat(c.Borrow.UtilRampCoeff),
		UtilOverSlope:  decimal.NewFromFloat(c.Borrow.UtilOverSlope),
		ImbalanceCoeff: decimal.NewFromFloat(c.Borrow.ImbalanceCoeff),
		VolCoeff:       decimal.NewFromFloat(c.Borrow.VolCoeff),
		VolFloor:       decimal.NewFromFloat(c.Borrow.VolFloor),
		HorizonRamp:    decimal.NewFromFloat(c.Borrow.HorizonRamp),
		HorizonSlope:   decimal.NewFromFloat(c.Borrow.HorizonSlope),
		ConcCoeff:      decimal.NewFromFloat(c.Borrow.ConcCoeff),
		ConcThreshold:  decimal.NewFromFloat(c.Borrow.ConcThreshold),
	}
}

func (c *Config) FundingParams() funding.Params {
	return funding.Params{
		MaxRate:   decimal.NewFromFloat(c.Funding.MaxRate),
		Threshold: decimal.NewFromFloat(c.Funding.Threshold),
		Period:    time.Duration(c.Funding.PeriodMinutes) * time.Minute,
	}
}

func (c *Config) MarketParams() market.Params {
	return market.Params{
		DepthFactor: decimal.NewFromFloat(c.Market.DepthFactor),
		MinDepth:    decimal.NewFromFloat(c.Market.MinDepth),
		MaxOI:       decimal.NewFromFloat(c.Market.DefaultMaxOI),
	}
}

func (c *Config) LedgerConfig() ledger.Config {
	return ledger.Config{
		Caps: ledger.Caps{
			MaxMarketOI:       decimal.NewFromFloat(c.Caps.MaxMarketOI),
			MaxSideOI:         decimal.NewFromFloat(c.Caps.MaxSideOI),
			MaxTraderNotional: decimal.NewFromFloat(c.Caps.MaxTraderNotional),
			MaxGlobalOI:       decimal.NewFromFloat(c.Caps.MaxGlobalOI),
		},
		Auth:           ledger.NewCapabilities(c.Auth.Grants),
		MaxUtilization: decimal.NewFromFloat(c.Pool.MaxUtilization),
		MaxPriceAge:    c.MaxPriceAge(),
	}
}

// MaxPriceAge is how stale the probability index may be before mutations
// are refused.
func (c *Config) MaxPriceAge() time.Duration {
	return time.Duration(c.Index.MaxAgeSeconds) * time.Second
}

func (c *Config) RecenterInterval() time.Duration {
	return time.Duration(c.Server.RecenterSeconds) * time.Second
}

func (c *Config) RatesInterval() time.Duration {
	return time.Duration(c.Server.RatesSeconds) * time.Second
}

func (c *Config) SweepInterval() time.Duration {
	return time.Duration(c.Server.SweepSeconds) * time.Second
}

func (c *Config) InitialCapital() decimal.Decimal {
	return decimal.NewFromFloat(c.Pool.InitialCapital)
}
