// Package config loads engine settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config is the complete runtime configuration. Every field has a
// default that yields a working in-memory engine; DATABASE_URL and
// REDIS_URL opt into the external trade archive.
type Config struct {
	Port     int    `env:"PORT" envDefault:"8080"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`

	TickInterval     time.Duration `env:"TICK_INTERVAL" envDefault:"250ms"`
	StartPrice       float64       `env:"START_PRICE" envDefault:"100000"`
	Volatility       float64       `env:"VOLATILITY" envDefault:"50"`
	PriceSeed        int64         `env:"PRICE_SEED" envDefault:"0"`
	PriceHistorySize int           `env:"PRICE_HISTORY_SIZE" envDefault:"600"`

	StartingBalance   float64       `env:"STARTING_BALANCE" envDefault:"10000"`
	HouseFloat        float64       `env:"HOUSE_FLOAT" envDefault:"10000000"`
	HeartbeatInterval time.Duration `env:"HEARTBEAT_INTERVAL" envDefault:"15s"`
	ContractRetention time.Duration `env:"CONTRACT_RETENTION" envDefault:"2m"`

	MaxStakePerContract float64 `env:"MAX_STAKE_PER_CONTRACT" envDefault:"1000"`
	MaxAggregateStake   float64 `env:"MAX_AGGREGATE_STAKE" envDefault:"5000"`
}

// Load reads .env if present, then the process environment.
func Load() (Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if cfg.TickInterval <= 0 {
		return Config{}, fmt.Errorf("config: TICK_INTERVAL must be positive")
	}
	if cfg.StartPrice <= 0 {
		return Config{}, fmt.Errorf("config: START_PRICE must be positive")
	}
	if cfg.StartingBalance <= 0 {
		return Config{}, fmt.Errorf("config: STARTING_BALANCE must be positive")
	}
	return cfg, nil
}

// StartPriceDecimal returns the oracle's starting price as a decimal.
func (c Config) StartPriceDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.StartPrice)
}

// StartingBalanceDecimal returns the per-user grant as a decimal.
func (c Config) StartingBalanceDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.StartingBalance)
}

// HouseFloatDecimal returns the house float as a decimal.
func (c Config) HouseFloatDecimal() decimal.Decimal {
	return decimal.NewFromFloat(c.HouseFloat)
}

// SlogLevel maps the configured level string onto slog.
func (c Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
