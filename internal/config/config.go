// Package config loads engine configuration from an optional YAML file with
// environment-variable overrides, so deployments can run config-file-free
// the way the env-only setups do.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the full engine configuration.
type Config struct {
	Port        string `yaml:"port"`
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`

	// CacheTTL bounds Redis read-through cache entries.
	CacheTTL time.Duration `yaml:"cache_ttl"`

	// FanoutWorkers bounds concurrent per-account projections per cycle.
	FanoutWorkers int `yaml:"fanout_workers"`

	Market MarketConfig `yaml:"market"`
	Prices PricesConfig `yaml:"prices"`
}

// MarketConfig carries the market rules the projector receives, not
// decides. The YAML values are decimal strings ("1", "0.0001") to avoid
// float representation drift; parsed values are populated by Load.
type MarketConfig struct {
	// LotSize is the minimum tradable share unit: "1" for whole shares,
	// "0.0001" where fractional shares trade.
	LotSize string `yaml:"lot_size"`

	// MinTradeNotional suppresses micro-trades below this dollar value.
	MinTradeNotional string `yaml:"min_trade_notional"`

	lotSize          decimal.Decimal
	minTradeNotional decimal.Decimal
}

// LotSizeDecimal returns the parsed lot size.
func (m *MarketConfig) LotSizeDecimal() decimal.Decimal { return m.lotSize }

// MinTradeNotionalDecimal returns the parsed minimum trade notional.
func (m *MarketConfig) MinTradeNotionalDecimal() decimal.Decimal { return m.minTradeNotional }

// PricesConfig configures the market-data collaborator client. An empty
// BaseURL selects the static development source.
type PricesConfig struct {
	BaseURL        string        `yaml:"base_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RequestsPerSec float64       `yaml:"requests_per_sec"`
	Burst          int           `yaml:"burst"`
}

// Default returns the configuration used when no file or env is present:
// whole-share trading, $1 minimum trade, 8 fan-out workers.
func Default() Config {
	return Config{
		Port:          "8080",
		CacheTTL:      30 * time.Second,
		FanoutWorkers: 8,
		Market: MarketConfig{
			LotSize:          "1",
			MinTradeNotional: "1",
		},
		Prices: PricesConfig{
			RequestTimeout: 5 * time.Second,
			RequestsPerSec: 10,
			Burst:          5,
		},
	}
}

// Load reads path (when non-empty) and applies environment overrides on
// top of the defaults. An empty path skips the file entirely.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if err := cfg.finalize(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.RedisURL = v
	}
	if v := os.Getenv("PRICE_FEED_URL"); v != "" {
		cfg.Prices.BaseURL = v
	}
	if v := os.Getenv("FANOUT_WORKERS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.FanoutWorkers = n
		}
	}
	if v := os.Getenv("LOT_SIZE"); v != "" {
		cfg.Market.LotSize = v
	}
	if v := os.Getenv("MIN_TRADE_NOTIONAL"); v != "" {
		cfg.Market.MinTradeNotional = v
	}
}

// finalize parses decimal strings and validates ranges.
func (c *Config) finalize() error {
	lot, err := decimal.NewFromString(c.Market.LotSize)
	if err != nil || lot.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("config: lot_size must be a positive decimal, got %q", c.Market.LotSize)
	}
	minTrade, err := decimal.NewFromString(c.Market.MinTradeNotional)
	if err != nil || minTrade.IsNegative() {
		return fmt.Errorf("config: min_trade_notional must be a non-negative decimal, got %q", c.Market.MinTradeNotional)
	}
	c.Market.lotSize = lot
	c.Market.minTradeNotional = minTrade

	if c.FanoutWorkers <= 0 {
		return fmt.Errorf("config: fanout_workers must be positive, got %d", c.FanoutWorkers)
	}
	return nil
}
