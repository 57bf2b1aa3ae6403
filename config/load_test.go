package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeTempConfig(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "cfg.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write temp config: %v", err)
	}
	return path
}

func TestLoad(t *testing.T) {
	path := writeTempConfig(t, `
env: dev
log:
  level: debug
feed:
  wsURL: wss://feed.test
  symbols: [btc-usd, ETH-USD, BTC-USD]
  channels: [ticker, level2_batch]
  maxRetries: 5
relay:
  throttleMs: 500
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "dev", cfg.Env)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "wss://feed.test", cfg.Feed.WSURL)
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, cfg.Feed.Symbols)
	assert.Equal(t, 5, cfg.Feed.MaxRetries)
	assert.Equal(t, 500*time.Millisecond, cfg.Relay.Throttle())

	// 未出现的字段保留默认值
	assert.Equal(t, 5*time.Second, cfg.Feed.HandshakeTimeout())
	assert.Equal(t, 30*time.Second, cfg.Relay.Heartbeat())
	assert.Equal(t, 100, cfg.Aggregator.MaxCandles)
	assert.Equal(t, ":8081", cfg.Relay.Addr)
}

func TestLoadWithEnvOverrides(t *testing.T) {
	path := writeTempConfig(t, `
env: prod
feed:
  wsURL: wss://feed.test
`)
	t.Setenv("MR_FEED_WS_URL", "wss://override.test")
	t.Setenv("MR_FEED_REST_URL", "https://rest.override.test")
	t.Setenv("MR_FEED_SYMBOLS", "sol-usd, ada-usd")
	t.Setenv("MR_LOG_LEVEL", "warn")

	cfg, err := LoadWithEnvOverrides(path)
	require.NoError(t, err)
	assert.Equal(t, "wss://override.test", cfg.Feed.WSURL)
	assert.Equal(t, "https://rest.override.test", cfg.Feed.RESTURL)
	assert.Equal(t, []string{"SOL-USD", "ADA-USD"}, cfg.Feed.Symbols)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestLoadErrors(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = Load(writeTempConfig(t, "env: [unterminated"))
	assert.Error(t, err)

	_, err = Load(writeTempConfig(t, "env: dev\nfeed:\n  wsURL: http://not-ws\n"))
	var invalid ErrInvalid
	assert.True(t, errors.As(err, &invalid))
}

func TestValidate(t *testing.T) {
	require.NoError(t, Validate(Default()))

	cases := []struct {
		name   string
		mutate func(*AppConfig)
	}{
		{"empty env", func(c *AppConfig) { c.Env = "" }},
		{"bad log level", func(c *AppConfig) { c.Log.Level = "loud" }},
		{"no symbols", func(c *AppConfig) { c.Feed.Symbols = nil }},
		{"only private channels", func(c *AppConfig) { c.Feed.Channels = []string{"full", "user"} }},
		{"bad rest url", func(c *AppConfig) { c.Feed.RESTURL = "ftp://x" }},
		{"base above max delay", func(c *AppConfig) { c.Feed.BaseDelayMs = 120000 }},
		{"negative retries", func(c *AppConfig) { c.Feed.MaxRetries = -1 }},
		{"unknown interval", func(c *AppConfig) { c.Aggregator.Intervals = []string{"7m"} }},
		{"zero history", func(c *AppConfig) { c.Aggregator.MaxCandles = 0 }},
		{"bad relay interval", func(c *AppConfig) { c.Relay.DefaultInterval = "2d" }},
		{"missing relay addr", func(c *AppConfig) { c.Relay.Addr = "" }},
		{"missing api addr", func(c *AppConfig) { c.API.Addr = "" }},
		{"missing metrics addr", func(c *AppConfig) { c.Metrics.Addr = "" }},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(&cfg)
			assert.Error(t, Validate(cfg))
		})
	}

	cfg := Default()
	cfg.Feed.Backfill = false
	cfg.Feed.RESTURL = ""
	assert.NoError(t, Validate(cfg), "rest url only required with backfill")
}
