package alert

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"market-relay-go/infrastructure/logger"
)

// mockChannel 记录收到的告警
type mockChannel struct {
	name      string
	mu        sync.Mutex
	alerts    []Alert
	shouldErr bool
}

func newMockChannel(name string) *mockChannel {
	return &mockChannel{name: name}
}

func (c *mockChannel) Send(alert Alert) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.shouldErr {
		return fmt.Errorf("mock error")
	}
	c.alerts = append(c.alerts, alert)
	return nil
}

func (c *mockChannel) Name() string { return c.name }

func (c *mockChannel) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.alerts)
}

func (c *mockChannel) last() Alert {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.alerts[len(c.alerts)-1]
}

func TestSendAlert(t *testing.T) {
	ch := newMockChannel("mock")
	m := NewManager([]Channel{ch}, time.Minute)

	require.NoError(t, m.SendWarning("relay", "queue full", map[string]interface{}{"client": "abc"}))
	require.Equal(t, 1, ch.Count())

	got := ch.last()
	assert.Equal(t, LevelWarning, got.Level)
	assert.Equal(t, "relay", got.Source)
	assert.Equal(t, "abc", got.Fields["client"])
	assert.False(t, got.Timestamp.IsZero())
}

func TestThrottling(t *testing.T) {
	ch := newMockChannel("mock")
	m := NewManager([]Channel{ch}, 50*time.Millisecond)

	for i := 0; i < 5; i++ {
		require.NoError(t, m.SendCritical("feed", "down", nil))
	}
	assert.Equal(t, 1, ch.Count())

	// 不同来源或消息不受影响
	require.NoError(t, m.SendCritical("relay", "down", nil))
	require.NoError(t, m.SendCritical("feed", "other", nil))
	assert.Equal(t, 3, ch.Count())

	sent, suppressed := m.Stats()
	assert.Equal(t, 3, sent)
	assert.Equal(t, 4, suppressed)

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, m.SendCritical("feed", "down", nil))
	assert.Equal(t, 4, ch.Count())

	m.ResetThrottle()
	require.NoError(t, m.SendCritical("feed", "down", nil))
	assert.Equal(t, 5, ch.Count())
}

func TestChannelFailures(t *testing.T) {
	bad := newMockChannel("bad")
	bad.shouldErr = true
	m := NewManager([]Channel{bad}, time.Minute)
	assert.Error(t, m.SendCritical("feed", "down", nil))

	good := newMockChannel("good")
	m.AddChannel(good)
	assert.NoError(t, m.SendCritical("feed", "still down", nil), "partial failure is not an error")
	assert.Equal(t, 1, good.Count())
}

func TestAddRemoveChannel(t *testing.T) {
	m := NewManager(nil, time.Minute)
	m.AddChannel(newMockChannel("a"))
	m.AddChannel(newMockChannel("b"))
	assert.Equal(t, []string{"a", "b"}, m.GetChannels())

	m.RemoveChannel("a")
	assert.Equal(t, []string{"b"}, m.GetChannels())
}

func TestThrottler(t *testing.T) {
	th := NewThrottler(time.Hour)
	assert.True(t, th.Allow("k"))
	assert.False(t, th.Allow("k"))
	assert.True(t, th.Allow("other"))

	th.Reset("k")
	assert.True(t, th.Allow("k"))

	th.Clear()
	assert.True(t, th.Allow("k"))
	assert.True(t, th.Allow("other"))
}

func TestFeedFatalHandler(t *testing.T) {
	ch := newMockChannel("mock")
	m := NewManager([]Channel{ch}, time.Minute)

	m.FeedFatalHandler("wss://feed.test")(errors.New("feed unavailable: reconnection failed after 10 retries"))
	require.Equal(t, 1, ch.Count())
	got := ch.last()
	assert.Equal(t, LevelCritical, got.Level)
	assert.Equal(t, "feed", got.Source)
	assert.Equal(t, "wss://feed.test", got.Fields["url"])
}

func TestLogChannel(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ch := NewLogChannel("log", logger.Wrap(zap.New(core)))
	assert.Equal(t, "log", ch.Name())

	require.NoError(t, ch.Send(Alert{Level: LevelCritical, Source: "feed", Message: "down", Fields: map[string]interface{}{"url": "wss://x"}}))
	require.NoError(t, ch.Send(Alert{Level: LevelWarning, Source: "relay", Message: "slow"}))
	require.NoError(t, ch.Send(Alert{Level: LevelInfo, Message: "hello"}))

	entries := logs.All()
	require.Len(t, entries, 3)
	assert.Equal(t, zapcore.ErrorLevel, entries[0].Level)
	assert.Equal(t, "down", entries[0].Message)
	assert.Equal(t, "wss://x", entries[0].ContextMap()["url"])
	assert.Equal(t, zapcore.WarnLevel, entries[1].Level)
	assert.Equal(t, zapcore.InfoLevel, entries[2].Level)
}

func TestConcurrentAlerts(t *testing.T) {
	ch := newMockChannel("mock")
	m := NewManager([]Channel{ch}, time.Hour)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = m.SendWarning("relay", fmt.Sprintf("msg-%d", i%5), nil)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 5, ch.Count())
}

func BenchmarkSendAlert(b *testing.B) {
	m := NewManager([]Channel{newMockChannel("mock")}, 0)
	for i := 0; i < b.N; i++ {
		_ = m.SendWarning("bench", "msg", nil)
	}
}
