// Package config loads service configuration from TOML files, a .env file
// and the environment, in that order of precedence (lowest first).
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	toml "github.com/pelletier/go-toml/v2"
	"github.com/shopspring/decimal"
)

// Config holds all configuration for the ledger service.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	Storage  StorageConfig  `toml:"storage"`
	Logging  LoggingConfig  `toml:"logging"`
	Clients  ClientsConfig  `toml:"clients"`
	Prices   PricesConfig   `toml:"prices"`
	Drip     DripConfig     `toml:"drip"`
	Position PositionConfig `toml:"position"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            int    `toml:"port"`
	ShutdownTimeout string `toml:"shutdown_timeout"`
}

// StorageConfig selects the store. Postgres wins over SQLite; with neither
// the service runs in memory.
type StorageConfig struct {
	DatabaseURL   string `toml:"database_url"`
	SQLitePath    string `toml:"sqlite_path"`
	RedisURL      string `toml:"redis_url"`
	QuoteCacheTTL string `toml:"quote_cache_ttl"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level string `toml:"level"`
}

// ClientsConfig holds external API client configuration.
type ClientsConfig struct {
	EODHD EODHDConfig `toml:"eodhd"`
	FX    FXConfig    `toml:"fx"`
}

// EODHDConfig holds market-data API configuration.
type EODHDConfig struct {
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	Exchange  string `toml:"exchange"`
	RateLimit int    `toml:"rate_limit"`
	Timeout   string `toml:"timeout"`
}

// FXConfig holds currency-rate API configuration.
type FXConfig struct {
	BaseURL  string `toml:"base_url"`
	Timeout  string `toml:"timeout"`
	CacheTTL string `toml:"cache_ttl"`
}

// PricesConfig holds the price cache policy.
type PricesConfig struct {
	TTL string `toml:"ttl"`
}

// DripConfig holds the dividend reinvestment policy.
type DripConfig struct {
	WithholdingRate string `toml:"withholding_rate"`
	LookaheadDays   int    `toml:"lookahead_days"`
	Concurrency     int    `toml:"concurrency"`
}

// PositionConfig holds the position fold policy.
type PositionConfig struct {
	Epsilon string `toml:"epsilon"`
}

// NewDefaultConfig returns a Config with the production defaults.
func NewDefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: "5s",
		},
		Storage: StorageConfig{
			QuoteCacheTTL: "15m",
		},
		Logging: LoggingConfig{
			Level: "info",
		},
		Clients: ClientsConfig{
			EODHD: EODHDConfig{
				BaseURL:   "https://eodhd.com/api",
				Exchange:  "US",
				RateLimit: 10,
				Timeout:   "5s",
			},
			FX: FXConfig{
				BaseURL:  "https://uy.dolarapi.com",
				Timeout:  "2s",
				CacheTTL: "10m",
			},
		},
		Prices: PricesConfig{
			TTL: "15m",
		},
		Drip: DripConfig{
			WithholdingRate: "0.30",
			LookaheadDays:   5,
			Concurrency:     4,
		},
		Position: PositionConfig{
			Epsilon: "0.00001",
		},
	}
}

// LoadConfig loads defaults, merges each TOML file that exists (later files
// win), loads .env into the process environment and applies environment
// overrides.
func LoadConfig(paths ...string) (*Config, error) {
	cfg := NewDefaultConfig()

	for _, path := range paths {
		if path == "" {
			continue
		}
		data, err := os.ReadFile(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		slog.Warn("failed to load .env file", "error", err)
	}
	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if p, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = p
		}
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("SQLITE_PATH"); v != "" {
		cfg.Storage.SQLitePath = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}
	if v := os.Getenv("EODHD_API_KEY"); v != "" {
		cfg.Clients.EODHD.APIKey = v
	}
	if v := os.Getenv("EODHD_BASE_URL"); v != "" {
		cfg.Clients.EODHD.BaseURL = v
	}
	if v := os.Getenv("FX_URL"); v != "" {
		cfg.Clients.FX.BaseURL = v
	}
	if v := os.Getenv("PRICE_TTL"); v != "" {
		cfg.Prices.TTL = v
	}
	if v := os.Getenv("DRIP_WITHHOLDING_RATE"); v != "" {
		cfg.Drip.WithholdingRate = v
	}
	if v := os.Getenv("DRIP_LOOKAHEAD_DAYS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Drip.LookaheadDays = n
		}
	}
}

// Validate rejects policy values that cannot be parsed or are out of range.
func (c *Config) Validate() error {
	for name, v := range map[string]string{
		"server.shutdown_timeout": c.Server.ShutdownTimeout,
		"storage.quote_cache_ttl": c.Storage.QuoteCacheTTL,
		"clients.eodhd.timeout":   c.Clients.EODHD.Timeout,
		"clients.fx.timeout":      c.Clients.FX.Timeout,
		"clients.fx.cache_ttl":    c.Clients.FX.CacheTTL,
		"prices.ttl":              c.Prices.TTL,
	} {
		if _, err := time.ParseDuration(v); err != nil {
			return fmt.Errorf("invalid %s %q: %w", name, v, err)
		}
	}

	w, err := decimal.NewFromString(c.Drip.WithholdingRate)
	if err != nil || w.IsNegative() || w.GreaterThanOrEqual(decimal.NewFromInt(1)) {
		return fmt.Errorf("invalid drip.withholding_rate %q: must be in [0, 1)", c.Drip.WithholdingRate)
	}
	if c.Drip.LookaheadDays < 0 {
		return fmt.Errorf("invalid drip.lookahead_days %d", c.Drip.LookaheadDays)
	}
	e, err := decimal.NewFromString(c.Position.Epsilon)
	if err != nil || e.IsNegative() {
		return fmt.Errorf("invalid position.epsilon %q", c.Position.Epsilon)
	}
	return nil
}

// GetShutdownTimeout returns the graceful shutdown window.
func (c *ServerConfig) GetShutdownTimeout() time.Duration {
	return duration(c.ShutdownTimeout, 5*time.Second)
}

// GetQuoteCacheTTL returns the Redis quote expiry.
func (c *StorageConfig) GetQuoteCacheTTL() time.Duration {
	return duration(c.QuoteCacheTTL, 15*time.Minute)
}

// GetTimeout returns the market-data request timeout.
func (c *EODHDConfig) GetTimeout() time.Duration {
	return duration(c.Timeout, 5*time.Second)
}

// GetTimeout returns the currency-rate request timeout.
func (c *FXConfig) GetTimeout() time.Duration {
	return duration(c.Timeout, 2*time.Second)
}

// GetCacheTTL returns how long a fetched rate is reused.
func (c *FXConfig) GetCacheTTL() time.Duration {
	return duration(c.CacheTTL, 10*time.Minute)
}

// GetTTL returns the price freshness window.
func (c *PricesConfig) GetTTL() time.Duration {
	return duration(c.TTL, 15*time.Minute)
}

// GetWithholdingRate returns the dividend withholding fraction.
func (c *DripConfig) GetWithholdingRate() decimal.Decimal {
	w, err := decimal.NewFromString(c.WithholdingRate)
	if err != nil {
		return decimal.RequireFromString("0.30")
	}
	return w
}

// GetEpsilon returns the dust threshold for sells.
func (c *PositionConfig) GetEpsilon() decimal.Decimal {
	e, err := decimal.NewFromString(c.Epsilon)
	if err != nil {
		return decimal.New(1, -5)
	}
	return e
}

func duration(v string, fallback time.Duration) time.Duration {
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}
