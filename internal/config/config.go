// Package config loads the paper trader's settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"

	"github.com/atmx/paper-trader/internal/symbol"
)

// DefaultSQLitePath is the local database used when no PostgreSQL URL is
// configured. Set SQLITE_PATH to an empty string for an in-memory store.
const DefaultSQLitePath = "data/papertrader.db"

// Online price providers.
const (
	ProviderYFinance = "yfinance"
	ProviderChart    = "chart"
	ProviderNone     = "none"
)

// Config holds application configuration
type Config struct {
	Port     int
	LogLevel slog.Level

	// Storage. DatabaseURL wins over SQLitePath; with neither the ledger
	// lives in memory.
	DatabaseURL string
	SQLitePath  string
	RedisURL    string
	CacheTTL    time.Duration

	// Account
	AccountName       string
	StartingCash      decimal.Decimal
	TradeHistoryLimit int
	DefaultSymbol     string

	// Prices
	PriceProvider   string // yfinance, chart or none
	PriceAPIURL     string // chart endpoint, used by the chart provider
	PriceDataDir    string
	PriceTimeout    time.Duration
	Watchlist       []string
	RefreshSchedule string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	cash, err := decimal.NewFromString(getEnv("STARTING_CASH", "100000.00"))
	if err != nil {
		return nil, fmt.Errorf("config: STARTING_CASH: %w", err)
	}

	cfg := &Config{
		Port:              getEnvAsInt("PORT", 8080),
		LogLevel:          parseLevel(getEnv("LOG_LEVEL", "info")),
		DatabaseURL:       getEnv("DATABASE_URL", ""),
		SQLitePath:        getEnvAllowEmpty("SQLITE_PATH", DefaultSQLitePath),
		RedisURL:          getEnv("REDIS_URL", ""),
		CacheTTL:          getEnvAsDuration("CACHE_TTL", 30*time.Second),
		AccountName:       getEnv("ACCOUNT_NAME", "Default Account"),
		StartingCash:      cash,
		TradeHistoryLimit: getEnvAsInt("TRADE_HISTORY_LIMIT", 50),
		DefaultSymbol:     getEnv("DEFAULT_SYMBOL", "AAPL"),
		PriceProvider:     strings.ToLower(getEnv("PRICE_PROVIDER", ProviderYFinance)),
		PriceAPIURL:       strings.TrimRight(getEnvAllowEmpty("PRICE_API_URL", "https://query1.finance.yahoo.com"), "/"),
		PriceDataDir:      getEnv("PRICE_DATA_DIR", "sample_data"),
		PriceTimeout:      getEnvAsDuration("PRICE_TIMEOUT", 10*time.Second),
		Watchlist:         getEnvAsList("WATCHLIST", nil),
		RefreshSchedule:   getEnv("REFRESH_SCHEDULE", "@every 15m"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the loaded values and normalizes symbols.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: PORT %d out of range", c.Port)
	}
	if c.StartingCash.IsNegative() {
		return fmt.Errorf("config: STARTING_CASH must not be negative, got %s", c.StartingCash)
	}
	switch c.PriceProvider {
	case ProviderYFinance, ProviderNone:
	case ProviderChart:
		if c.PriceAPIURL == "" {
			return fmt.Errorf("config: PRICE_PROVIDER=chart needs PRICE_API_URL")
		}
	default:
		return fmt.Errorf("config: unknown PRICE_PROVIDER %q", c.PriceProvider)
	}
	if c.TradeHistoryLimit <= 0 {
		return fmt.Errorf("config: TRADE_HISTORY_LIMIT must be positive, got %d", c.TradeHistoryLimit)
	}

	sym, err := symbol.Normalize(c.DefaultSymbol)
	if err != nil {
		return fmt.Errorf("config: DEFAULT_SYMBOL: %w", err)
	}
	c.DefaultSymbol = sym

	for i, s := range c.Watchlist {
		sym, err := symbol.Normalize(s)
		if err != nil {
			return fmt.Errorf("config: WATCHLIST: %w", err)
		}
		c.Watchlist[i] = sym
	}
	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvAllowEmpty is getEnv, except that a variable set to "" is kept.
func getEnvAllowEmpty(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok {
		return strings.TrimSpace(value)
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvAsList splits a comma separated value, dropping blanks.
func getEnvAsList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func parseLevel(s string) slog.Level {
	var level slog.Level
	if err := level.UnmarshalText([]byte(s)); err != nil {
		return slog.LevelInfo
	}
	return level
}
