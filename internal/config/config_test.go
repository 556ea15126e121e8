package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	require.Equal(t, "3000", cfg.Port)
	require.Empty(t, cfg.DatabaseURL)
	require.Equal(t, 10*time.Second, cfg.PriceCacheTTL)
	require.Equal(t, 10*time.Second, cfg.RoundPeriod)
	require.Equal(t, 3*time.Second, cfg.BettingWindow)
	require.Equal(t, 100*time.Millisecond, cfg.Tick)
	require.True(t, cfg.MaxCrash.Equal(decimal.RequireFromString("120.00")))
	require.True(t, cfg.MinStakeUSD.Equal(decimal.RequireFromString("0.01")))
	require.True(t, cfg.MaxStakeUSD.Equal(decimal.NewFromInt(10000)))
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "8080")
	t.Setenv("DATABASE_URL", "postgres://localhost/crash")
	t.Setenv("ROUND_PERIOD_MS", "5000")
	t.Setenv("TICK_MS", "50")
	t.Setenv("MAX_CRASH", "50.00")

	cfg := Load()
	require.Equal(t, "8080", cfg.Port)
	require.Equal(t, "postgres://localhost/crash", cfg.DatabaseURL)
	require.Equal(t, 5*time.Second, cfg.RoundPeriod)
	require.Equal(t, 50*time.Millisecond, cfg.Tick)
	require.True(t, cfg.MaxCrash.Equal(decimal.NewFromInt(50)))
}
