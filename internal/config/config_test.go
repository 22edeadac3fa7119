package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"market-watch/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 200, cfg.Sync.MaxBars)
	assert.Equal(t, "15m", cfg.Sync.DefaultInterval)
	assert.Equal(t, 30*time.Second, cfg.Sync.PollInterval)
}

func TestLoad_FromEnv(t *testing.T) {
	t.Setenv("MAX_BARS", "50")
	t.Setenv("UTC_OFFSET", "-5h")
	t.Setenv("WEEK_START", "Sunday")
	t.Setenv("EXCHANGE_RPS", "2.5")

	cfg, err := Load()
	require.NoError(t, err)
	require.NoError(t, cfg.Validate())

	assert.Equal(t, 50, cfg.Sync.MaxBars)
	assert.Equal(t, 2.5, cfg.Exchange.RequestsPerSecond)

	loc, err := cfg.Sync.Location()
	require.NoError(t, err)
	assert.Equal(t, int64(-18000), loc.OffsetSeconds)
	assert.Equal(t, time.Sunday, loc.WeekStart)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"bad interval", func(c *Config) { c.Sync.DefaultInterval = "7m" }},
		{"bad week start", func(c *Config) { c.Sync.WeekStart = "someday" }},
		{"no bars", func(c *Config) { c.Sync.MaxBars = 0 }},
		{"no exchanges", func(c *Config) {
			c.Exchange.EnableBitstamp = false
			c.Exchange.EnableCoinbase = false
		}},
		{"offset out of range", func(c *Config) { c.Sync.UTCOffset = 25 * time.Hour }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg, err := Load()
			require.NoError(t, err)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestLoadPlatformsFromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "platforms.yaml")
	content := `
platforms:
  - exchange: Bitstamp
    pairs: [btc_usd, ETH-USD, BTC/USD]
  - exchange: coinbase
    pairs: [BTC-EUR]
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	platforms, err := LoadPlatformsFromYAML(path)
	require.NoError(t, err)
	assert.Equal(t, []models.Platform{
		models.NewPlatform("bitstamp", models.CurrencyPair{Base: "BTC", Quote: "USD"}),
		models.NewPlatform("bitstamp", models.CurrencyPair{Base: "ETH", Quote: "USD"}),
		models.NewPlatform("coinbase", models.CurrencyPair{Base: "BTC", Quote: "EUR"}),
	}, platforms)
}

func TestLoadPlatformsWithFallback(t *testing.T) {
	platforms := LoadPlatformsWithFallback(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Equal(t, DefaultPlatforms, platforms)
}
