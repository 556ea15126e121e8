package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the full environment-derived configuration surface.
type Config struct {
	Port        string
	DatabaseURL string // empty selects the in-memory store

	PriceAPIURL   string
	PriceCacheTTL time.Duration

	RoundPeriod   time.Duration
	BettingWindow time.Duration
	Tick          time.Duration

	MaxCrash    decimal.Decimal
	MinStakeUSD decimal.Decimal
	MaxStakeUSD decimal.Decimal

	AllowedOrigins string
}

// Load reads the configuration from environment variables. Malformed
// values are fatal: the process must not start on a config it cannot
// interpret.
func Load() Config {
	return Config{
		Port:           getEnvOrDefault("PORT", "3000"),
		DatabaseURL:    os.Getenv("DATABASE_URL"),
		PriceAPIURL:    getEnvOrDefault("PRICE_API_URL", "https://api.coingecko.com/api/v3"),
		PriceCacheTTL:  millisEnv("PRICE_CACHE_TTL_MS", 10000),
		RoundPeriod:    millisEnv("ROUND_PERIOD_MS", 10000),
		BettingWindow:  millisEnv("BETTING_WINDOW_MS", 3000),
		Tick:           millisEnv("TICK_MS", 100),
		MaxCrash:       decimalEnv("MAX_CRASH", "120.00"),
		MinStakeUSD:    decimalEnv("MIN_STAKE_USD", "0.01"),
		MaxStakeUSD:    decimalEnv("MAX_STAKE_USD", "10000"),
		AllowedOrigins: os.Getenv("ALLOWED_ORIGINS"),
	}
}

// getEnvOrDefault returns the env var value or a safe default for
// non-secret settings.
func getEnvOrDefault(key, fallback string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return fallback
}

func millisEnv(key string, fallback int64) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return time.Duration(fallback) * time.Millisecond
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || ms <= 0 {
		log.Fatalf("FATAL: %s must be a positive integer of milliseconds, got %q", key, raw)
	}
	return time.Duration(ms) * time.Millisecond
}

func decimalEnv(key, fallback string) decimal.Decimal {
	raw := os.Getenv(key)
	if raw == "" {
		raw = fallback
	}
	value, err := decimal.NewFromString(raw)
	if err != nil || value.Sign() <= 0 {
		log.Fatalf("FATAL: %s must be a positive decimal, got %q", key, raw)
	}
	return value
}
