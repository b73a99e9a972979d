// Package config loads the AetherCore runtime configuration through a
// viper instance: built-in defaults, a config file if present, and
// environment variables under a prefix. No command-line flags are bound
// here.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full set of runtime-tunable options for a node.
type Config struct {
	ProductionMode bool `mapstructure:"production_mode"`

	FreshnessWindowMs int64 `mapstructure:"freshness_window_ms"`
	SkewToleranceMs   int64 `mapstructure:"skew_tolerance_ms"`

	NonceRetentionMs  int64 `mapstructure:"nonce_retention_ms"`
	NonceCapPerNode   int   `mapstructure:"nonce_cap_per_node"`

	TrustAlpha               float64 `mapstructure:"trust.alpha"`
	TrustBetaSignatureFail   float64 `mapstructure:"trust.beta_signature_fail"`
	TrustBetaChainBreak      float64 `mapstructure:"trust.beta_chain_break"`
	TrustBetaEquivocation    float64 `mapstructure:"trust.beta_equivocation"`
	TrustGamma               float64 `mapstructure:"trust.gamma"`
	TrustQuarantineThreshold float64 `mapstructure:"trust.quarantine_threshold"`
	TrustSuspectThreshold    float64 `mapstructure:"trust.suspect_threshold"`
	TrustHealthyThreshold    float64 `mapstructure:"trust.healthy_threshold"`
	TrustCooldownMs          int64   `mapstructure:"trust.cooldown_ms"`
	TrustStaleWindowMs       int64   `mapstructure:"trust.stale_window_ms"`
	TrustBaselineEnrolled    float64 `mapstructure:"trust.baseline_enrolled"`
	TrustBaselineUnknown     float64 `mapstructure:"trust.baseline_unknown"`

	GossipIntervalMs int64 `mapstructure:"gossip.interval_ms"`
	GossipFanout     int   `mapstructure:"gossip.fanout"`
	GossipTTL        int64 `mapstructure:"gossip.ttl_ms"`

	OfflineBufferCapacity int `mapstructure:"offline.buffer_capacity"`

	RetentionHorizonMs int64 `mapstructure:"retention_horizon_ms"`

	AdminNodeIds []string `mapstructure:"admin_node_ids"`

	PCRBaseline map[string]string `mapstructure:"pcr_baseline"`

	DataDir      string `mapstructure:"data_dir"`
	ListenAddr   string `mapstructure:"listen_addr"`
	LogLevel     string `mapstructure:"log_level"`
}

func (c Config) FreshnessWindow() time.Duration { return time.Duration(c.FreshnessWindowMs) * time.Millisecond }
func (c Config) SkewTolerance() time.Duration   { return time.Duration(c.SkewToleranceMs) * time.Millisecond }
func (c Config) NonceRetention() time.Duration  { return time.Duration(c.NonceRetentionMs) * time.Millisecond }
func (c Config) TrustCooldown() time.Duration   { return time.Duration(c.TrustCooldownMs) * time.Millisecond }
func (c Config) TrustStaleWindow() time.Duration { return time.Duration(c.TrustStaleWindowMs) * time.Millisecond }
func (c Config) GossipInterval() time.Duration  { return time.Duration(c.GossipIntervalMs) * time.Millisecond }
func (c Config) GossipTTLDuration() time.Duration { return time.Duration(c.GossipTTL) * time.Millisecond }
func (c Config) RetentionHorizon() time.Duration { return time.Duration(c.RetentionHorizonMs) * time.Millisecond }

// IsAdmin reports whether nodeIdHex is in the configured admin set.
func (c Config) IsAdmin(nodeIdHex string) bool {
	for _, id := range c.AdminNodeIds {
		if strings.EqualFold(id, nodeIdHex) {
			return true
		}
	}
	return false
}

// Defaults returns the out-of-the-box configuration for a development
// node: software custody, permissive thresholds, a local data directory.
func Defaults() Config {
	return Config{
		ProductionMode: false,

		FreshnessWindowMs: 300_000,
		SkewToleranceMs:   30_000,

		NonceRetentionMs: 600_000,
		NonceCapPerNode:  1000,

		TrustAlpha:               0.02,
		TrustBetaSignatureFail:   0.1,
		TrustBetaChainBreak:      0.3,
		TrustBetaEquivocation:    0.5,
		TrustGamma:               0.1,
		TrustQuarantineThreshold: 0.6,
		TrustSuspectThreshold:    0.6,
		TrustHealthyThreshold:    0.9,
		TrustCooldownMs:          300_000,
		TrustStaleWindowMs:       600_000,
		TrustBaselineEnrolled:    0.5,
		TrustBaselineUnknown:     0.0,

		GossipIntervalMs: 5_000,
		GossipFanout:      3,
		GossipTTL:         60_000,

		OfflineBufferCapacity: 10_000,

		RetentionHorizonMs: 30 * 24 * 60 * 60 * 1000,

		DataDir:    "./data",
		ListenAddr: "127.0.0.1:9443",
		LogLevel:   "info",
	}
}

// Options tells Load where to find the config file (its directory and
// base name) and which environment variable prefix to read.
type Options struct {
	FilePath  string
	FileName  string
	EnvPrefix string
}

// Load reads a config file (if present) and environment overrides on top
// of Defaults(). A missing file is not an error: absence just means
// "use defaults and env vars".
func Load(opts Options) (Config, error) {
	cfg := Defaults()

	v := viper.New()
	v.SetConfigName(opts.FileName)
	v.AddConfigPath(opts.FilePath)
	v.SetEnvPrefix(opts.EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return cfg, fmt.Errorf("config: reading config file: %w", err)
		}
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, fmt.Errorf("config: unmarshalling: %w", err)
	}

	return cfg, nil
}
