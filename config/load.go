package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"market-relay-go/infrastructure/logger"
)

// AppConfig holds the main runtime configuration.
type AppConfig struct {
	Env        string           `yaml:"env"`
	Log        logger.Config    `yaml:"log"`
	Feed       FeedConfig       `yaml:"feed"`
	Aggregator AggregatorConfig `yaml:"aggregator"`
	Relay      RelayConfig      `yaml:"relay"`
	API        APIConfig        `yaml:"api"`
	Metrics    MetricsConfig    `yaml:"metrics"`
	HotReload  HotReloadConfig  `yaml:"hotReload"`
}

// FeedConfig 上游行情连接与 REST 回补。
type FeedConfig struct {
	WSURL              string   `yaml:"wsURL"`
	RESTURL            string   `yaml:"restURL"`
	Symbols            []string `yaml:"symbols"`
	Channels           []string `yaml:"channels"`
	HandshakeTimeoutMs int      `yaml:"handshakeTimeoutMs"`
	ReadTimeoutMs      int      `yaml:"readTimeoutMs"` // 无入站帧超过该时间视为断开
	BaseDelayMs        int      `yaml:"baseDelayMs"`
	MaxDelayMs         int      `yaml:"maxDelayMs"`
	MaxRetries         int      `yaml:"maxRetries"`
	Backfill           bool     `yaml:"backfill"` // 历史缺失时是否走 REST 回补
	RESTRatePerSec     float64  `yaml:"restRatePerSec"`
	RESTBurst          int      `yaml:"restBurst"`
	RESTTimeoutMs      int      `yaml:"restTimeoutMs"`
}

type AggregatorConfig struct {
	MaxCandles int      `yaml:"maxCandles"`
	Intervals  []string `yaml:"intervals"` // 为空表示全部周期
}

// RelayConfig 下游 WebSocket 推送。
type RelayConfig struct {
	Addr            string   `yaml:"addr"`
	Path            string   `yaml:"path"`
	ThrottleMs      int      `yaml:"throttleMs"`
	HeartbeatMs     int      `yaml:"heartbeatMs"`
	DeadAfter       int      `yaml:"deadAfter"` // 心跳周期倍数
	QueueSize       int      `yaml:"queueSize"`
	DefaultInterval string   `yaml:"defaultInterval"`
	MaxHistory      int      `yaml:"maxHistory"`
	RestrictSymbols bool     `yaml:"restrictSymbols"` // 只允许订阅 feed.symbols
	AllowedOrigins  []string `yaml:"allowedOrigins"`
}

type APIConfig struct {
	Enabled          bool   `yaml:"enabled"`
	Addr             string `yaml:"addr"`
	RequestTimeoutMs int    `yaml:"requestTimeoutMs"`
}

type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Path    string `yaml:"path"`
}

type HotReloadConfig struct {
	Enabled    bool `yaml:"enabled"`
	CooldownMs int  `yaml:"cooldownMs"`
}

// Default 返回默认配置；Load 在其上覆盖 YAML 中出现的字段。
func Default() AppConfig {
	return AppConfig{
		Env: "dev",
		Log: logger.DefaultConfig(),
		Feed: FeedConfig{
			WSURL:              "wss://ws-feed.exchange.coinbase.com",
			RESTURL:            "https://api.exchange.coinbase.com",
			Symbols:            []string{"BTC-USD", "ETH-USD"},
			Channels:           []string{"ticker", "heartbeat"},
			HandshakeTimeoutMs: 5000,
			ReadTimeoutMs:      30000,
			BaseDelayMs:        1000,
			MaxDelayMs:         60000,
			MaxRetries:         10,
			Backfill:           true,
			RESTRatePerSec:     3,
			RESTBurst:          3,
			RESTTimeoutMs:      10000,
		},
		Aggregator: AggregatorConfig{MaxCandles: 100},
		Relay: RelayConfig{
			Addr:            ":8081",
			Path:            "/ws",
			ThrottleMs:      1000,
			HeartbeatMs:     30000,
			DeadAfter:       2,
			QueueSize:       64,
			DefaultInterval: "1m",
			MaxHistory:      100,
		},
		API: APIConfig{
			Enabled:          true,
			Addr:             ":8080",
			RequestTimeoutMs: 10000,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    ":9100",
			Path:    "/metrics",
		},
		HotReload: HotReloadConfig{Enabled: true, CooldownMs: 2000},
	}
}

// Load reads YAML config from path over the defaults and applies validation.
func Load(path string) (AppConfig, error) {
	cfg := Default()
	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, fmt.Errorf("parse yaml: %w", err)
	}
	cfg.normalize()
	if err := Validate(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadWithEnvOverrides loads config then overrides endpoints and log level from env vars if present.
func LoadWithEnvOverrides(path string) (AppConfig, error) {
	cfg, err := Load(path)
	if err != nil {
		return cfg, err
	}
	if v := os.Getenv("MR_FEED_WS_URL"); v != "" {
		cfg.Feed.WSURL = v
	}
	if v := os.Getenv("MR_FEED_REST_URL"); v != "" {
		cfg.Feed.RESTURL = v
	}
	if v := os.Getenv("MR_FEED_SYMBOLS"); v != "" {
		cfg.Feed.Symbols = strings.Split(v, ",")
	}
	if v := os.Getenv("MR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	cfg.normalize()
	return cfg, Validate(cfg)
}

// normalize 统一 symbol 写法并去重。
func (c *AppConfig) normalize() {
	seen := make(map[string]bool, len(c.Feed.Symbols))
	out := make([]string, 0, len(c.Feed.Symbols))
	for _, s := range c.Feed.Symbols {
		s = strings.ToUpper(strings.TrimSpace(s))
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	c.Feed.Symbols = out
}

func ms(v int) time.Duration { return time.Duration(v) * time.Millisecond }

func (f FeedConfig) HandshakeTimeout() time.Duration { return ms(f.HandshakeTimeoutMs) }
func (f FeedConfig) ReadTimeout() time.Duration      { return ms(f.ReadTimeoutMs) }
func (f FeedConfig) BaseDelay() time.Duration        { return ms(f.BaseDelayMs) }
func (f FeedConfig) MaxDelay() time.Duration         { return ms(f.MaxDelayMs) }
func (f FeedConfig) RESTTimeout() time.Duration      { return ms(f.RESTTimeoutMs) }

func (r RelayConfig) Throttle() time.Duration  { return ms(r.ThrottleMs) }
func (r RelayConfig) Heartbeat() time.Duration { return ms(r.HeartbeatMs) }

func (a APIConfig) RequestTimeout() time.Duration { return ms(a.RequestTimeoutMs) }

func (h HotReloadConfig) Cooldown() time.Duration { return ms(h.CooldownMs) }
