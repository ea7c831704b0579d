package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v2"
)

// Mode controls whether decisions reach the node.
type Mode string

const (
	ModeShadow Mode = "shadow"
	ModeCanary Mode = "canary"
	ModeActive Mode = "active"
)

type Config struct {
	Node           NodeConfig    `yaml:"node"`
	Store          StoreConfig   `yaml:"store"`
	Control        ControlConfig `yaml:"control"`
	Safety         SafetyConfig  `yaml:"safety"`
	Scoring        ScoringConfig `yaml:"scoring"`
	Admin          AdminConfig   `yaml:"admin"`
	DryRunOverride bool          `yaml:"dry_run_override"`
}

// NodeConfig points at the controlled node's REST API.
type NodeConfig struct {
	BaseURL         string `yaml:"base_url"`
	MacaroonPath    string `yaml:"macaroon_path"`
	TLSSkipVerify   bool   `yaml:"tls_skip_verify"`
	CallTimeoutSec  int    `yaml:"call_timeout_seconds"`
	CloseTimeoutSec int    `yaml:"close_timeout_seconds"`
}

type StoreConfig struct {
	PostgresDSN string `yaml:"postgres_dsn"`
	RedisAddr   string `yaml:"redis_addr"`
	RedisDB     int    `yaml:"redis_db"`
}

type ControlConfig struct {
	Mode                    Mode     `yaml:"mode"`
	TickIntervalSeconds     int      `yaml:"tick_interval_seconds"`
	WeightUpdateIntervalSec int      `yaml:"weight_update_interval_seconds"`
	CanaryChannelWhitelist  []string `yaml:"canary_channel_whitelist"`
	ExecutorWorkers         int      `yaml:"executor_workers"`
	ShutdownGraceSeconds    int      `yaml:"shutdown_grace_seconds"`
}

// SafetyConfig is the envelope clamping every proposed mutation.
type SafetyConfig struct {
	BaseFeeMsatMin     int64   `yaml:"base_fee_msat_min"`
	BaseFeeMsatMax     int64   `yaml:"base_fee_msat_max"`
	FeeRatePPMMin      int64   `yaml:"fee_rate_ppm_min"`
	FeeRatePPMMax      int64   `yaml:"fee_rate_ppm_max"`
	MaxFeeChangePct    float64 `yaml:"max_fee_change_pct"`
	CooldownMinutes    int     `yaml:"cooldown_minutes"`
	MaxChannelsPerTick int     `yaml:"max_channels_per_tick"`
}

type ScoringConfig struct {
	CloseThreshold    float64 `yaml:"close_threshold"`
	LowPerfThreshold  float64 `yaml:"low_perf_threshold"`
	LowPerfSustainHrs int     `yaml:"low_perf_sustain_hours"`
	MetricMaxAgeMin   int     `yaml:"metric_max_age_minutes"`
	WeightWindowDays  int     `yaml:"weight_window_days"`
}

type AdminConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

// Default returns the configuration the daemon starts from before the
// YAML file and environment overrides are applied.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			BaseURL:         "https://localhost:8080",
			CallTimeoutSec:  10,
			CloseTimeoutSec: 30,
		},
		Store: StoreConfig{
			RedisAddr: "localhost:6379",
		},
		Control: ControlConfig{
			Mode:                    ModeShadow,
			TickIntervalSeconds:     15 * 60,
			WeightUpdateIntervalSec: 24 * 60 * 60,
			ExecutorWorkers:         4,
			ShutdownGraceSeconds:    60,
		},
		Safety: SafetyConfig{
			BaseFeeMsatMin:     0,
			BaseFeeMsatMax:     10_000,
			FeeRatePPMMin:      1,
			FeeRatePPMMax:      5_000,
			MaxFeeChangePct:    50,
			CooldownMinutes:    60,
			MaxChannelsPerTick: 10,
		},
		Scoring: ScoringConfig{
			CloseThreshold:    20,
			LowPerfThreshold:  40,
			LowPerfSustainHrs: 48,
			MetricMaxAgeMin:   30,
			WeightWindowDays:  14,
		},
		Admin: AdminConfig{
			ListenAddr: ":8199",
		},
	}
}

// LoadConfig reads the YAML file at path over the defaults, then applies
// environment overrides for credentials and DSNs.
func LoadConfig(path string) (*Config, error) {
	cfg := Default()

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	if err := yaml.NewDecoder(f).Decode(cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyEnv()
	return cfg, nil
}

// applyEnv lets deployment set secrets without writing them to the file.
func (c *Config) applyEnv() {
	if v := os.Getenv("PILOT_POSTGRES_DSN"); v != "" {
		c.Store.PostgresDSN = v
	}
	if v := os.Getenv("PILOT_REDIS_ADDR"); v != "" {
		c.Store.RedisAddr = v
	}
	if v := os.Getenv("PILOT_NODE_URL"); v != "" {
		c.Node.BaseURL = v
	}
	if v := os.Getenv("PILOT_MACAROON_PATH"); v != "" {
		c.Node.MacaroonPath = v
	}
	if os.Getenv("PILOT_DRY_RUN") == "true" {
		c.DryRunOverride = true
	}
}

// TickInterval returns the control tick period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Control.TickIntervalSeconds) * time.Second
}

// WeightUpdateInterval returns the adaptive weight task period.
func (c *Config) WeightUpdateInterval() time.Duration {
	return time.Duration(c.Control.WeightUpdateIntervalSec) * time.Second
}

// Cooldown returns the per-channel mutation cooldown.
func (c *SafetyConfig) Cooldown() time.Duration {
	return time.Duration(c.CooldownMinutes) * time.Minute
}

// EffectiveMode folds the dry-run override into the configured mode.
func (c *Config) EffectiveMode() Mode {
	if c.DryRunOverride {
		return ModeShadow
	}
	return c.Control.Mode
}

// Validate rejects configurations the loop cannot run with.
func (c *Config) Validate() error {
	switch c.Control.Mode {
	case ModeShadow, ModeCanary, ModeActive:
	default:
		return fmt.Errorf("config: unknown mode %q", c.Control.Mode)
	}
	tick := c.TickInterval()
	if tick < time.Minute || tick > 24*time.Hour {
		return fmt.Errorf("config: tick_interval_seconds %d outside [1m,24h]", c.Control.TickIntervalSeconds)
	}
	if c.Control.WeightUpdateIntervalSec <= 0 {
		return fmt.Errorf("config: weight_update_interval_seconds must be positive")
	}
	if c.Safety.FeeRatePPMMin < 0 || c.Safety.FeeRatePPMMax < c.Safety.FeeRatePPMMin {
		return fmt.Errorf("config: invalid fee_rate_ppm envelope [%d,%d]",
			c.Safety.FeeRatePPMMin, c.Safety.FeeRatePPMMax)
	}
	if c.Safety.BaseFeeMsatMin < 0 || c.Safety.BaseFeeMsatMax < c.Safety.BaseFeeMsatMin {
		return fmt.Errorf("config: invalid base_fee_msat envelope [%d,%d]",
			c.Safety.BaseFeeMsatMin, c.Safety.BaseFeeMsatMax)
	}
	if c.Safety.MaxFeeChangePct <= 0 {
		return fmt.Errorf("config: max_fee_change_pct must be positive")
	}
	if c.Safety.CooldownMinutes < 0 {
		return fmt.Errorf("config: negative cooldown_minutes")
	}
	if c.Safety.MaxChannelsPerTick <= 0 {
		return fmt.Errorf("config: max_channels_per_tick must be positive")
	}
	if c.Control.ExecutorWorkers <= 0 {
		return fmt.Errorf("config: executor_workers must be positive")
	}
	if c.Store.PostgresDSN == "" {
		return fmt.Errorf("config: postgres_dsn is required (set PILOT_POSTGRES_DSN)")
	}
	return nil
}

// InCanaryWhitelist reports whether a channel receives real mutations in
// canary mode.
func (c *Config) InCanaryWhitelist(channelID string) bool {
	for _, id := range c.Control.CanaryChannelWhitelist {
		if id == channelID {
			return true
		}
	}
	return false
}
