package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	appconfig "market-relay-go/config"
	"market-relay-go/infrastructure/logger"
)

const baseYAML = `
env: dev
feed:
  wsURL: wss://feed.test
  symbols: [BTC-USD, ETH-USD]
  channels: [ticker]
`

func writeConfig(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
}

func newTestReloader(t *testing.T, cfg HotReloadConfig) (*HotReloader, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	writeConfig(t, path, baseYAML)
	initial, err := appconfig.Load(path)
	require.NoError(t, err)

	reloader, err := NewHotReloader(path, cfg, initial, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reloader.Stop() })
	return reloader, path
}

// mockFeed 记录订阅调用
type mockFeed struct {
	mu           sync.Mutex
	subscribed   [][]string
	channels     [][]string
	unsubscribed [][]string
}

func (m *mockFeed) Subscribe(symbols, channels []string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subscribed = append(m.subscribed, symbols)
	m.channels = append(m.channels, channels)
	return channels
}

func (m *mockFeed) Unsubscribe(symbols []string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.unsubscribed = append(m.unsubscribed, symbols)
}

func TestDiffSymbols(t *testing.T) {
	added, removed := DiffSymbols([]string{"BTC-USD", "ETH-USD"}, []string{"SOL-USD", "BTC-USD", "ADA-USD"})
	assert.Equal(t, []string{"ADA-USD", "SOL-USD"}, added)
	assert.Equal(t, []string{"ETH-USD"}, removed)

	added, removed = DiffSymbols([]string{"BTC-USD"}, []string{"BTC-USD"})
	assert.Empty(t, added)
	assert.Empty(t, removed)
}

func TestFeedSymbolsApplier(t *testing.T) {
	feed := &mockFeed{}
	apply := FeedSymbolsApplier(feed)

	prev := appconfig.Default()
	prev.Feed.Symbols = []string{"BTC-USD", "ETH-USD"}
	next := prev
	next.Feed.Symbols = []string{"BTC-USD", "SOL-USD"}

	require.NoError(t, apply(prev, next))
	assert.Equal(t, [][]string{{"ETH-USD"}}, feed.unsubscribed)
	assert.Equal(t, [][]string{{"BTC-USD", "SOL-USD"}}, feed.subscribed)

	// 无变化时不发送任何请求
	require.NoError(t, apply(next, next))
	assert.Len(t, feed.subscribed, 1)

	// 只变更频道也需要重新订阅
	chans := next
	chans.Feed.Channels = []string{"ticker", "level2_batch"}
	require.NoError(t, apply(next, chans))
	assert.Len(t, feed.subscribed, 2)
	assert.Equal(t, []string{"ticker", "level2_batch"}, feed.channels[1])
}

func TestLogLevelApplier(t *testing.T) {
	l, err := logger.New(logger.DefaultConfig())
	require.NoError(t, err)

	prev := appconfig.Default()
	next := prev
	next.Log.Level = "debug"
	require.NoError(t, LogLevelApplier(l)(prev, next))
	assert.Equal(t, "debug", l.Level())
}

func TestHotReloader_ReloadAppliesInOrder(t *testing.T) {
	reloader, path := newTestReloader(t, HotReloadConfig{Enabled: false})

	var order []string
	reloader.RegisterApplier("first", func(prev, next appconfig.AppConfig) error {
		order = append(order, "first")
		assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, prev.Feed.Symbols)
		assert.Equal(t, []string{"BTC-USD"}, next.Feed.Symbols)
		return errors.New("boom")
	})
	reloader.RegisterApplier("second", func(prev, next appconfig.AppConfig) error {
		order = append(order, "second")
		return nil
	})

	writeConfig(t, path, `
env: dev
feed:
  wsURL: wss://feed.test
  symbols: [BTC-USD]
  channels: [ticker]
`)
	err := reloader.Reload()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apply first")
	assert.Equal(t, []string{"first", "second"}, order)
	assert.Equal(t, []string{"BTC-USD"}, reloader.Current().Feed.Symbols)
	assert.Equal(t, 1, reloader.ReloadCount())
}

func TestHotReloader_InvalidConfigKeepsCurrent(t *testing.T) {
	reloader, path := newTestReloader(t, HotReloadConfig{Enabled: false})
	called := false
	reloader.RegisterApplier("feed", func(_, _ appconfig.AppConfig) error {
		called = true
		return nil
	})

	writeConfig(t, path, "env: dev\nfeed:\n  wsURL: not-a-url\n")
	require.Error(t, reloader.Reload())
	assert.False(t, called)
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, reloader.Current().Feed.Symbols)
	assert.True(t, reloader.GetLastReloadTime().IsZero())
}

func TestHotReloader_WatchesFile(t *testing.T) {
	reloader, path := newTestReloader(t, HotReloadConfig{Enabled: true})
	feed := &mockFeed{}
	reloader.RegisterApplier("feed", FeedSymbolsApplier(feed))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, reloader.Start(ctx))

	writeConfig(t, path, `
env: dev
feed:
  wsURL: wss://feed.test
  symbols: [BTC-USD, ETH-USD, SOL-USD]
  channels: [ticker]
`)

	require.Eventually(t, func() bool {
		return len(reloader.Current().Feed.Symbols) == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		feed.mu.Lock()
		defer feed.mu.Unlock()
		return len(feed.subscribed) > 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHotReloader_DisabledStartStop(t *testing.T) {
	reloader, _ := newTestReloader(t, HotReloadConfig{Enabled: false})
	require.NoError(t, reloader.Start(context.Background()))
	assert.NoError(t, reloader.Health())
	assert.NoError(t, reloader.Stop())
}
