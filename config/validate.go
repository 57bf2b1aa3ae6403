package config

import (
	"fmt"
	"net/url"

	"go.uber.org/zap/zapcore"

	"market-relay-go/gateway"
	"market-relay-go/market"
)

// ErrInvalid 用于参数验证错误。
type ErrInvalid string

func (e ErrInvalid) Error() string { return string(e) }

// Validate ensures required fields are present and values are in range.
func Validate(cfg AppConfig) error {
	if cfg.Env == "" {
		return ErrInvalid("env is required")
	}
	if _, err := zapcore.ParseLevel(cfg.Log.Level); err != nil {
		return ErrInvalid(fmt.Sprintf("log.level %q is invalid", cfg.Log.Level))
	}
	if err := validateFeed(cfg.Feed); err != nil {
		return err
	}
	if cfg.Aggregator.MaxCandles <= 0 {
		return ErrInvalid("aggregator.maxCandles must be > 0")
	}
	for _, iv := range cfg.Aggregator.Intervals {
		if _, err := market.ParseInterval(iv); err != nil {
			return ErrInvalid(fmt.Sprintf("aggregator.intervals: %q is not supported", iv))
		}
	}
	if err := validateRelay(cfg.Relay); err != nil {
		return err
	}
	if cfg.API.Enabled && cfg.API.Addr == "" {
		return ErrInvalid("api.addr is required when api is enabled")
	}
	if cfg.API.RequestTimeoutMs < 0 {
		return ErrInvalid("api.requestTimeoutMs must be >= 0")
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Addr == "" {
		return ErrInvalid("metrics.addr is required when metrics is enabled")
	}
	if cfg.HotReload.CooldownMs < 0 {
		return ErrInvalid("hotReload.cooldownMs must be >= 0")
	}
	return nil
}

func validateFeed(f FeedConfig) error {
	u, err := url.Parse(f.WSURL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
		return ErrInvalid(fmt.Sprintf("feed.wsURL %q must be a ws:// or wss:// URL", f.WSURL))
	}
	if f.Backfill {
		u, err := url.Parse(f.RESTURL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
			return ErrInvalid(fmt.Sprintf("feed.restURL %q must be an http(s) URL", f.RESTURL))
		}
	}
	if len(f.Symbols) == 0 {
		return ErrInvalid("feed.symbols is required")
	}
	accepted, _ := gateway.FilterChannels(f.Channels)
	if len(accepted) == 0 {
		return ErrInvalid("feed.channels must contain at least one public channel")
	}
	if f.HandshakeTimeoutMs < 0 || f.ReadTimeoutMs < 0 || f.RESTTimeoutMs < 0 {
		return ErrInvalid("feed timeouts must be >= 0")
	}
	if f.BaseDelayMs < 0 || f.MaxDelayMs < 0 {
		return ErrInvalid("feed backoff delays must be >= 0")
	}
	if f.MaxDelayMs > 0 && f.BaseDelayMs > f.MaxDelayMs {
		return ErrInvalid("feed.baseDelayMs must be <= feed.maxDelayMs")
	}
	if f.MaxRetries < 0 {
		return ErrInvalid("feed.maxRetries must be >= 0")
	}
	if f.RESTRatePerSec < 0 || f.RESTBurst < 0 {
		return ErrInvalid("feed REST rate limit must be >= 0")
	}
	return nil
}

func validateRelay(r RelayConfig) error {
	if r.Addr == "" {
		return ErrInvalid("relay.addr is required")
	}
	if r.ThrottleMs < 0 || r.HeartbeatMs < 0 {
		return ErrInvalid("relay throttle/heartbeat must be >= 0")
	}
	if r.DeadAfter < 0 || r.QueueSize < 0 || r.MaxHistory < 0 {
		return ErrInvalid("relay deadAfter/queueSize/maxHistory must be >= 0")
	}
	if r.DefaultInterval != "" {
		if _, err := market.ParseInterval(r.DefaultInterval); err != nil {
			return ErrInvalid(fmt.Sprintf("relay.defaultInterval %q is not supported", r.DefaultInterval))
		}
	}
	return nil
}
