// Package config loads node configuration from openmatch.yaml with
// environment overrides.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the full node configuration.
type Config struct {
	Log        LogConfig        `mapstructure:"log"`
	Epoch      EpochConfig      `mapstructure:"epoch"`
	Ingress    IngressConfig    `mapstructure:"ingress"`
	Risk       RiskConfig       `mapstructure:"risk"`
	Settlement SettlementConfig `mapstructure:"settlement"`
}

// LogConfig controls logging.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// EpochConfig controls epoch phase timing.
type EpochConfig struct {
	CollectDuration time.Duration `mapstructure:"collect_duration"`
	SealDuration    time.Duration `mapstructure:"seal_duration"`
	MatchTimeout    time.Duration `mapstructure:"match_timeout"`
	FinalizeTimeout time.Duration `mapstructure:"finalize_timeout"`
}

// IngressConfig controls the security envelope.
type IngressConfig struct {
	BufferCapacity int           `mapstructure:"buffer_capacity"`
	ReservationTTL time.Duration `mapstructure:"reservation_ttl"`
}

// RiskConfig controls the risk gate limits.
type RiskConfig struct {
	MaxOrderSize          string `mapstructure:"max_order_size"`
	MaxOrdersPerUserEpoch int    `mapstructure:"max_orders_per_user_epoch"`
	MaxPriceDeviation     string `mapstructure:"max_price_deviation"`
}

// SettlementConfig controls the finality plane.
type SettlementConfig struct {
	IdempotencyCacheSize int `mapstructure:"idempotency_cache_size"`
}

// Default returns the built-in defaults (epoch timing mirrors the network's
// reference parameters).
func Default() *Config {
	return &Config{
		Log: LogConfig{Level: "info"},
		Epoch: EpochConfig{
			CollectDuration: 1000 * time.Millisecond,
			SealDuration:    200 * time.Millisecond,
			MatchTimeout:    500 * time.Millisecond,
			FinalizeTimeout: 2000 * time.Millisecond,
		},
		Ingress: IngressConfig{
			BufferCapacity: 100_000,
			ReservationTTL: time.Hour,
		},
		Risk: RiskConfig{
			MaxOrderSize:          "100",
			MaxOrdersPerUserEpoch: 50,
			MaxPriceDeviation:     "10",
		},
		Settlement: SettlementConfig{
			IdempotencyCacheSize: 500_000,
		},
	}
}

// Load reads configuration from the given path (or the default search paths
// when path is empty), applying defaults and OPENMATCH_ environment
// overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	def := Default()

	v.SetDefault("log.level", def.Log.Level)
	v.SetDefault("epoch.collect_duration", def.Epoch.CollectDuration)
	v.SetDefault("epoch.seal_duration", def.Epoch.SealDuration)
	v.SetDefault("epoch.match_timeout", def.Epoch.MatchTimeout)
	v.SetDefault("epoch.finalize_timeout", def.Epoch.FinalizeTimeout)
	v.SetDefault("ingress.buffer_capacity", def.Ingress.BufferCapacity)
	v.SetDefault("ingress.reservation_ttl", def.Ingress.ReservationTTL)
	v.SetDefault("risk.max_order_size", def.Risk.MaxOrderSize)
	v.SetDefault("risk.max_orders_per_user_epoch", def.Risk.MaxOrdersPerUserEpoch)
	v.SetDefault("risk.max_price_deviation", def.Risk.MaxPriceDeviation)
	v.SetDefault("settlement.idempotency_cache_size", def.Settlement.IdempotencyCacheSize)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("openmatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/openmatch")
	}

	v.SetEnvPrefix("OPENMATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok && path != "" {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
		// Missing file falls back to defaults.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}
