package config

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("TRADECORE_DATA_DIR", t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeBalanced, cfg.Mode)
	assert.Equal(t, 5*time.Second, cfg.Mode.CycleInterval())
	assert.True(t, cfg.AutoExecute)
	assert.Equal(t, 10, cfg.FeeBps)
	assert.InDelta(t, 10.0, cfg.PlatformFeePct, 1e-9)
	assert.True(t, cfg.DailyLossLimit.Equal(decimal.NewFromInt(500)))
	assert.Greater(t, cfg.Workers(), 0)
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("TRADECORE_DATA_DIR", t.TempDir())
	t.Setenv("TRADECORE_MODE", "aggressive")
	t.Setenv("AUTO_EXECUTE", "false")
	t.Setenv("DAILY_LOSS_LIMIT", "250.50")
	t.Setenv("WORKER_POOL_SIZE", "7")
	t.Setenv("FEE_BPS", "25")
	t.Setenv("TRADING_HOURS_START", "14:30")
	t.Setenv("TRADING_HOURS_END", "21:00")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ModeAggressive, cfg.Mode)
	assert.Equal(t, time.Second, cfg.Mode.CycleInterval())
	assert.False(t, cfg.AutoExecute)
	assert.True(t, cfg.DailyLossLimit.Equal(decimal.RequireFromString("250.50")))
	assert.Equal(t, 7, cfg.Workers())
	assert.Equal(t, 25, cfg.FeeBps)
	assert.Equal(t, "14:30", cfg.TradingHours.Start)
}

func TestValidateRejectsBadValues(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad mode", func(c *Config) { c.Mode = "turbo" }},
		{"bad port", func(c *Config) { c.Port = 0 }},
		{"negative fee", func(c *Config) { c.FeeBps = -1 }},
		{"platform fee over 100", func(c *Config) { c.PlatformFeePct = 120 }},
		{"risk per trade zero", func(c *Config) { c.RiskPerTrade = 0 }},
		{"negative loss limit", func(c *Config) { c.DailyLossLimit = decimal.NewFromInt(-1) }},
		{"garbled trading hours", func(c *Config) { c.TradingHours.Start = "25:99" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{
				Port:           8001,
				Mode:           ModeBalanced,
				FeeBps:         10,
				PlatformFeePct: 10,
				RiskPerTrade:   0.02,
				DailyLossLimit: decimal.NewFromInt(500),
			}
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestFeeRate(t *testing.T) {
	cfg := &Config{FeeBps: 10}
	assert.True(t, cfg.FeeRate().Equal(decimal.RequireFromString("0.001")))
}

func TestCycleIntervalPerMode(t *testing.T) {
	assert.Equal(t, time.Second, ModeAggressive.CycleInterval())
	assert.Equal(t, 5*time.Second, ModeBalanced.CycleInterval())
	assert.Equal(t, 10*time.Second, ModeConservative.CycleInterval())
	assert.Equal(t, time.Duration(0), SchedulerMode("warp").CycleInterval())
}
