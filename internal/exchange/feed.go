package exchange

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"market-relay-go/gateway"
	"market-relay-go/infrastructure/logger"
	"market-relay-go/infrastructure/monitor"
)

// ErrFeedUnavailable 连续重连失败次数用尽后上报的致命错误。
var ErrFeedUnavailable = errors.New("feed unavailable")

// State 上游连接状态。
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateReconnecting
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	default:
		return "unknown"
	}
}

// FeedConfig 上游连接参数。
type FeedConfig struct {
	URL              string
	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration // 超过该时间无任何入站帧视为异常断开
	WriteTimeout     time.Duration
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	MaxRetries       int
}

// DefaultFeedConfig 返回默认配置：握手 5s，退避 1s~60s，最多连续失败 10 次。
func DefaultFeedConfig() FeedConfig {
	return FeedConfig{
		URL:              gateway.DefaultFeedWSEndpoint,
		HandshakeTimeout: 5 * time.Second,
		ReadTimeout:      30 * time.Second,
		WriteTimeout:     5 * time.Second,
		BaseDelay:        time.Second,
		MaxDelay:         60 * time.Second,
		MaxRetries:       10,
	}
}

// Handler 接收标准化后的 ticker / 订单簿增量消息。
type Handler func(gateway.Message)

// HandlerID 用于 OffMessage 注销。
type HandlerID uint64

type handlerEntry struct {
	id HandlerID
	fn Handler
}

// Feed 管理到交易所行情 WebSocket 的单条连接：消息标准化、订阅回放与指数退避重连。
type Feed struct {
	cfg    FeedConfig
	dialer *websocket.Dialer
	log    *logger.Logger
	mon    *monitor.Monitor

	mu       sync.Mutex
	state    State
	conn     *websocket.Conn
	gen      uint64 // 每次 Connect/Disconnect 递增，用于识别过期的回调
	attempt  int
	timer    *time.Timer
	stopped  bool
	symbols  []string
	channels []string
	pending  []State

	writeMu sync.Mutex

	hmu      sync.RWMutex
	handlers []handlerEntry
	nextID   HandlerID

	onState func(State)
	onFatal func(error)
}

func NewFeed(cfg FeedConfig, log *logger.Logger, mon *monitor.Monitor) *Feed {
	def := DefaultFeedConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = def.HandshakeTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = def.WriteTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = def.BaseDelay
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = def.MaxDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Feed{
		cfg: cfg,
		dialer: &websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: cfg.HandshakeTimeout,
		},
		log: log.Named("feed"),
		mon: mon,
	}
}

// SetStateListener 设置状态变化回调（在 Feed 内部锁之外调用）
func (f *Feed) SetStateListener(fn func(State)) {
	f.mu.Lock()
	f.onState = fn
	f.mu.Unlock()
}

// SetFatalErrorHandler 设置致命错误回调（重试次数用尽）
func (f *Feed) SetFatalErrorHandler(fn func(error)) {
	f.mu.Lock()
	f.onFatal = fn
	f.mu.Unlock()
}

// State 返回当前连接状态。
func (f *Feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Attempts 返回当前连续失败计数。
func (f *Feed) Attempts() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.attempt
}

// Subscription 返回最近一次记录的订阅集合。
func (f *Feed) Subscription() (symbols, channels []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.symbols...), append([]string(nil), f.channels...)
}

// Connect 幂等：已连接或连接中时直接返回；握手在后台进行。
// 由 Disconnect 或重试耗尽停下的 Feed 可以再次 Connect。
func (f *Feed) Connect() {
	f.mu.Lock()
	if f.state == StateConnecting || f.state == StateConnected {
		f.mu.Unlock()
		return
	}
	f.stopped = false
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	f.gen++
	gen := f.gen
	f.setStateLocked(StateConnecting)
	f.unlockAndNotify()

	go f.dial(gen)
}

// Disconnect 关闭连接、取消待执行的重连，并在再次 Connect 前不再重连。
func (f *Feed) Disconnect() {
	f.mu.Lock()
	f.stopped = true
	f.gen++
	if f.timer != nil {
		f.timer.Stop()
		f.timer = nil
	}
	conn := f.conn
	f.conn = nil
	f.attempt = 0
	f.setStateLocked(StateDisconnected)
	f.unlockAndNotify()

	if conn != nil {
		f.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		f.writeMu.Unlock()
		_ = conn.Close()
		f.log.LogFeed("disconnected", map[string]interface{}{"url": f.cfg.URL})
	}
}

// Subscribe 记录订阅集合（供重连后回放），需要鉴权的频道在发送前被剔除。
// 返回实际接受的频道。
func (f *Feed) Subscribe(symbols, channels []string) []string {
	accepted, rejected := gateway.FilterChannels(channels)
	for _, ch := range rejected {
		f.log.Warn("channel requires authentication, dropped", zap.String("channel", ch))
		f.mon.RecordFeedDropped("auth_channel")
	}
	syms := dedupe(symbols)

	f.mu.Lock()
	f.symbols = syms
	f.channels = accepted
	conn := f.connectedConnLocked()
	f.mu.Unlock()

	if conn != nil && len(syms) > 0 && len(accepted) > 0 {
		msg := gateway.ControlMessage{Type: gateway.TypeSubscribe, ProductIDs: syms, Channels: accepted}
		if err := f.send(conn, msg); err != nil {
			f.log.LogError(err, map[string]interface{}{"action": "subscribe"})
		}
	}
	return accepted
}

// Unsubscribe 从订阅集合中移除 symbol，已连接时通知交易所。
func (f *Feed) Unsubscribe(symbols []string) {
	drop := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		drop[s] = true
	}

	f.mu.Lock()
	kept := f.symbols[:0:0]
	removed := make([]string, 0, len(symbols))
	for _, s := range f.symbols {
		if drop[s] {
			removed = append(removed, s)
			continue
		}
		kept = append(kept, s)
	}
	f.symbols = kept
	channels := append([]string(nil), f.channels...)
	conn := f.connectedConnLocked()
	f.mu.Unlock()

	if conn != nil && len(removed) > 0 && len(channels) > 0 {
		msg := gateway.ControlMessage{Type: gateway.TypeUnsubscribe, ProductIDs: removed, Channels: channels}
		if err := f.send(conn, msg); err != nil {
			f.log.LogError(err, map[string]interface{}{"action": "unsubscribe"})
		}
	}
}

// OnMessage 注册消息回调；一个回调 panic 不影响其它回调。
func (f *Feed) OnMessage(h Handler) HandlerID {
	f.hmu.Lock()
	defer f.hmu.Unlock()
	f.nextID++
	f.handlers = append(f.handlers, handlerEntry{id: f.nextID, fn: h})
	return f.nextID
}

// OffMessage 注销回调。
func (f *Feed) OffMessage(id HandlerID) {
	f.hmu.Lock()
	defer f.hmu.Unlock()
	for i, h := range f.handlers {
		if h.id == id {
			f.handlers = append(f.handlers[:i], f.handlers[i+1:]...)
			return
		}
	}
}

func (f *Feed) dial(gen uint64) {
	ctx, cancel := context.WithTimeout(context.Background(), f.cfg.HandshakeTimeout)
	conn, _, err := f.dialer.DialContext(ctx, f.cfg.URL, nil)
	cancel()

	f.mu.Lock()
	if f.gen != gen || f.stopped {
		f.mu.Unlock()
		if conn != nil {
			_ = conn.Close()
		}
		return
	}
	if err != nil {
		f.mu.Unlock()
		f.log.Warn("feed dial failed", zap.String("url", f.cfg.URL), zap.Error(err))
		f.scheduleReconnect(gen, err)
		return
	}
	f.conn = conn
	f.attempt = 0
	f.setStateLocked(StateConnected)
	symbols := append([]string(nil), f.symbols...)
	channels := append([]string(nil), f.channels...)
	f.unlockAndNotify()

	f.mon.RecordWSConnection()
	f.log.LogFeed("connected", map[string]interface{}{"url": f.cfg.URL})

	// 重连后回放订阅
	if len(symbols) > 0 && len(channels) > 0 {
		msg := gateway.ControlMessage{Type: gateway.TypeSubscribe, ProductIDs: symbols, Channels: channels}
		if err := f.send(conn, msg); err != nil {
			f.log.LogError(err, map[string]interface{}{"action": "resubscribe"})
		}
	}
	go f.readLoop(conn, gen)
}

// scheduleReconnect 进入重连状态并安排一次延迟重连；重试次数用尽则上报致命错误。
func (f *Feed) scheduleReconnect(gen uint64, cause error) {
	f.mu.Lock()
	if f.gen != gen || f.stopped {
		f.mu.Unlock()
		return
	}
	f.conn = nil
	if f.attempt >= f.cfg.MaxRetries {
		attempts := f.attempt
		f.attempt = 0
		f.stopped = true
		f.setStateLocked(StateDisconnected)
		onFatal := f.onFatal
		f.unlockAndNotify()

		fatal := fmt.Errorf("%w: reconnection failed after %d retries: %v", ErrFeedUnavailable, attempts, cause)
		f.log.LogError(fatal, map[string]interface{}{"url": f.cfg.URL})
		if onFatal != nil {
			onFatal(fatal)
		}
		return
	}
	f.attempt++
	delay := Backoff(f.attempt, f.cfg.BaseDelay, f.cfg.MaxDelay)
	attempt := f.attempt
	f.setStateLocked(StateReconnecting)
	f.timer = time.AfterFunc(delay, func() { f.reconnect(gen) })
	f.unlockAndNotify()

	f.mon.RecordReconnect()
	f.log.LogFeed("reconnect_scheduled", map[string]interface{}{
		"attempt":  attempt,
		"max":      f.cfg.MaxRetries,
		"delay_ms": delay.Milliseconds(),
		"cause":    fmt.Sprint(cause),
	})
}

func (f *Feed) reconnect(gen uint64) {
	f.mu.Lock()
	if f.gen != gen || f.stopped || f.state != StateReconnecting {
		f.mu.Unlock()
		return
	}
	f.timer = nil
	f.gen++
	next := f.gen
	f.setStateLocked(StateConnecting)
	f.unlockAndNotify()
	f.dial(next)
}

// readLoop 读取消息并分发；读错误（含超时）进入重连流程。
func (f *Feed) readLoop(conn *websocket.Conn, gen uint64) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
	})
	var err error
	for {
		var raw []byte
		_, raw, err = conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(f.cfg.ReadTimeout))
		f.dispatch(raw)
	}

	f.mu.Lock()
	current := f.gen == gen && !f.stopped
	f.mu.Unlock()
	if !current {
		return
	}
	f.mon.RecordWSDisconnect()
	f.log.Warn("feed connection lost", zap.Error(err))
	f.scheduleReconnect(gen, err)
}

func (f *Feed) dispatch(raw []byte) {
	msg, err := gateway.ParseMessage(raw)
	if err != nil {
		if errors.Is(err, gateway.ErrUnknownType) {
			f.log.Debug("unknown feed message dropped", zap.Error(err))
			f.mon.RecordFeedDropped("unknown_type")
		} else {
			f.log.Warn("malformed feed message dropped", zap.Error(err))
			f.mon.RecordFeedDropped("malformed")
		}
		return
	}
	f.mon.RecordFeedMessage(msg.Kind.String())

	switch msg.Kind {
	case gateway.KindSubscriptions:
		f.log.LogFeed("subscriptions_ack", map[string]interface{}{"channels": msg.Subscriptions})
		return
	case gateway.KindError:
		f.log.Warn("feed error message", zap.String("message", msg.Error.Message), zap.String("reason", msg.Error.Reason))
		return
	case gateway.KindHeartbeat:
		return
	}

	f.hmu.RLock()
	handlers := make([]handlerEntry, len(f.handlers))
	copy(handlers, f.handlers)
	f.hmu.RUnlock()
	for _, h := range handlers {
		f.safeCall(h, msg)
	}
}

func (f *Feed) safeCall(h handlerEntry, msg gateway.Message) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("feed handler panicked", zap.Uint64("handler", uint64(h.id)), zap.Any("panic", r))
		}
	}()
	h.fn(msg)
}

func (f *Feed) send(conn *websocket.Conn, msg gateway.ControlMessage) error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()
	_ = conn.SetWriteDeadline(time.Now().Add(f.cfg.WriteTimeout))
	if err := conn.WriteJSON(msg); err != nil {
		return fmt.Errorf("write %s: %w", msg.Type, err)
	}
	f.log.LogFeed(msg.Type, map[string]interface{}{"symbols": msg.ProductIDs, "channels": msg.Channels})
	return nil
}

func (f *Feed) connectedConnLocked() *websocket.Conn {
	if f.state != StateConnected {
		return nil
	}
	return f.conn
}

func (f *Feed) setStateLocked(s State) {
	if f.state == s {
		return
	}
	f.state = s
	f.pending = append(f.pending, s)
}

// unlockAndNotify 释放锁后按顺序通知状态变化，回调中可以安全调用 Feed 方法。
func (f *Feed) unlockAndNotify() {
	pending := f.pending
	f.pending = nil
	cb := f.onState
	f.mu.Unlock()
	for _, s := range pending {
		f.mon.SetFeedState(int(s))
		if cb != nil {
			cb(s)
		}
	}
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}
