package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"market-relay-go/infrastructure/logger"
	"market-relay-go/infrastructure/monitor"
	"market-relay-go/market"
)

// Conn 下游连接的最小写接口，*websocket.Conn 满足该接口。
type Conn interface {
	WriteJSON(v interface{}) error
	Close() error
}

// Source 提供 K 线读取，由 market.Service 实现。
type Source interface {
	CurrentCandle(symbol string, iv market.Interval) (market.Candle, bool)
	Candles(ctx context.Context, symbol string, iv market.Interval, limit int) ([]market.Candle, error)
}

// Config 推送参数。
type Config struct {
	ThrottleWindow    time.Duration   // 每个 (连接, symbol) 的最小推送间隔
	HeartbeatInterval time.Duration   // ping 周期
	DeadAfter         int             // 超过 DeadAfter 个心跳周期无入站消息即断开
	QueueSize         int             // 每连接发送队列长度
	DefaultInterval   market.Interval // 订阅未指定周期时使用
	MaxHistory        int             // history 请求的 limit 上限
	HistoryTimeout    time.Duration
	Symbols           []string // 允许订阅的 symbol；为空表示不限制
}

func DefaultConfig() Config {
	return Config{
		ThrottleWindow:    time.Second,
		HeartbeatInterval: 30 * time.Second,
		DeadAfter:         2,
		QueueSize:         64,
		DefaultInterval:   market.Interval1m,
		MaxHistory:        market.DefaultMaxCandles,
		HistoryTimeout:    10 * time.Second,
	}
}

// Relay 把聚合结果按订阅关系分发给下游连接，每个 (连接, symbol) 独立节流。
type Relay struct {
	cfg Config
	src Source
	log *logger.Logger
	mon *monitor.Monitor

	mu            sync.RWMutex
	clients       map[string]*Client
	subscriptions map[string]map[string]*Client // symbol -> clientID -> client
	allowed       map[string]bool

	runMu   sync.Mutex
	cancel  context.CancelFunc
	stopped chan struct{}
}

func New(cfg Config, src Source, log *logger.Logger, mon *monitor.Monitor) *Relay {
	def := DefaultConfig()
	if cfg.ThrottleWindow <= 0 {
		cfg.ThrottleWindow = def.ThrottleWindow
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = def.HeartbeatInterval
	}
	if cfg.DeadAfter <= 0 {
		cfg.DeadAfter = def.DeadAfter
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if !cfg.DefaultInterval.Valid() {
		cfg.DefaultInterval = def.DefaultInterval
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = def.MaxHistory
	}
	if cfg.HistoryTimeout <= 0 {
		cfg.HistoryTimeout = def.HistoryTimeout
	}
	if log == nil {
		log = logger.NewNop()
	}
	r := &Relay{
		cfg:           cfg,
		src:           src,
		log:           log.Named("relay"),
		mon:           mon,
		clients:       make(map[string]*Client),
		subscriptions: make(map[string]map[string]*Client),
	}
	r.SetSymbols(cfg.Symbols)
	return r
}

// SetSymbols 替换允许订阅的 symbol 集合（热更新使用）；已有订阅不受影响。
func (r *Relay) SetSymbols(symbols []string) {
	allowed := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		if s = normalizeSymbol(s); s != "" {
			allowed[s] = true
		}
	}
	r.mu.Lock()
	r.allowed = allowed
	r.mu.Unlock()
}

// Register 接入一个下游连接并启动其写协程。
func (r *Relay) Register(conn Conn) *Client {
	c := &Client{
		ID:       uuid.NewString(),
		conn:     conn,
		out:      make(chan Event, r.cfg.QueueSize),
		done:     make(chan struct{}),
		subs:     make(map[string]market.Interval),
		slots:    make(map[string]*slot),
		lastSeen: time.Now(),
	}
	r.mu.Lock()
	r.clients[c.ID] = c
	n := len(r.clients)
	r.mu.Unlock()

	r.mon.SetRelayClients(n)
	r.log.LogRelay("client_connected", map[string]interface{}{"client": c.ID, "clients": n})
	go r.writeLoop(c)
	return c
}

// ClientCount 当前连接数。
func (r *Relay) ClientCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.clients)
}

// Subscribers 返回订阅了 symbol 的连接 ID（排序后）。
func (r *Relay) Subscribers(symbol string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.subscriptions[symbol]))
	for id := range r.subscriptions[symbol] {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// HandleMessage 处理一条下游入站消息。任何入站消息都刷新心跳。
func (r *Relay) HandleMessage(c *Client, raw []byte) {
	c.touch()

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		c.send(errorEvent("invalid message"), r.mon)
		return
	}
	switch req.Type {
	case TypeSubscribe:
		_ = r.HandleSubscribe(c, req.Symbol, req.Interval)
	case TypeUnsubscribe:
		r.HandleUnsubscribe(c, req.Symbol)
	case TypeHistory:
		_ = r.HandleHistory(c, req.Symbol, req.Interval, req.Limit)
	case TypePing:
		c.send(Event{Type: TypePong}, r.mon)
	case TypePong:
	default:
		c.send(errorEvent(fmt.Sprintf("unknown message type %q", req.Type)), r.mon)
	}
}

// HandleSubscribe 记录连接对 symbol 的订阅；重复订阅只更新周期。
// 未知 symbol 或周期会回复 error 事件并返回错误。
func (r *Relay) HandleSubscribe(c *Client, symbol, interval string) error {
	symbol = normalizeSymbol(symbol)
	iv, err := r.resolveInterval(interval)
	if err != nil {
		r.reject(c, symbol, err)
		return err
	}
	if !r.symbolAllowed(symbol) {
		err := fmt.Errorf("%w: %q", ErrUnknownSymbol, symbol)
		r.reject(c, symbol, err)
		return err
	}

	// 加锁顺序 r.mu -> c.mu；关闭检查与两处登记在同一临界区内完成，
	// 并发的 OnConnectionClosed 要么先关闭（这里拒绝），要么能看到完整订阅并清理
	r.mu.Lock()
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		r.mu.Unlock()
		return ErrClientClosed
	}
	c.subs[symbol] = iv
	set := r.subscriptions[symbol]
	if set == nil {
		set = make(map[string]*Client)
		r.subscriptions[symbol] = set
	}
	set[c.ID] = c
	c.mu.Unlock()
	r.mu.Unlock()

	c.send(Event{Type: TypeSubscribed, Symbol: symbol, Interval: iv.String()}, r.mon)
	r.log.LogRelay("subscribe", map[string]interface{}{"client": c.ID, "symbol": symbol, "interval": iv.String()})
	return nil
}

// HandleUnsubscribe 取消订阅；未订阅时同样回复 unsubscribed。
func (r *Relay) HandleUnsubscribe(c *Client, symbol string) {
	symbol = normalizeSymbol(symbol)

	c.mu.Lock()
	delete(c.subs, symbol)
	c.dropSlotLocked(symbol)
	c.mu.Unlock()

	r.removeSubscription(symbol, c.ID)
	c.send(Event{Type: TypeUnsubscribed, Symbol: symbol}, r.mon)
	r.log.LogRelay("unsubscribe", map[string]interface{}{"client": c.ID, "symbol": symbol})
}

// HandleHistory 回复 symbol 的历史+当前 K 线快照，必要时触发 REST 回补。
func (r *Relay) HandleHistory(c *Client, symbol, interval string, limit int) error {
	symbol = normalizeSymbol(symbol)
	iv, err := r.resolveInterval(interval)
	if err != nil {
		r.reject(c, symbol, err)
		return err
	}
	if symbol == "" {
		err := fmt.Errorf("%w: empty symbol", ErrUnknownSymbol)
		r.reject(c, symbol, err)
		return err
	}
	if limit <= 0 || limit > r.cfg.MaxHistory {
		limit = r.cfg.MaxHistory
	}

	var candles []market.Candle
	if r.src != nil {
		ctx, cancel := context.WithTimeout(context.Background(), r.cfg.HistoryTimeout)
		candles, err = r.src.Candles(ctx, symbol, iv, limit)
		cancel()
		if err != nil {
			// 回补失败不影响内存视图
			r.log.Warn("history backfill failed", zap.String("symbol", symbol), zap.Error(err))
		}
	}
	c.send(historyEvent(symbol, iv, candles), r.mon)
	return nil
}

// OnUpstreamTick 在聚合器处理完 tick 之后调用，向订阅了 symbol 的连接推送 ticker 与 K 线。
// 节流窗口内的 tick 合并，窗口结束时推送最新一笔。
func (r *Relay) OnUpstreamTick(symbol string, tick market.Tick) {
	r.mu.RLock()
	set := r.subscriptions[symbol]
	targets := make([]*Client, 0, len(set))
	for _, c := range set {
		targets = append(targets, c)
	}
	r.mu.RUnlock()

	for _, c := range targets {
		r.offer(c, symbol, tick)
	}
}

// OnConnectionClosed 清理连接的全部订阅并关闭连接；可重复调用。
func (r *Relay) OnConnectionClosed(c *Client) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	symbols := make([]string, 0, len(c.subs))
	for s := range c.subs {
		symbols = append(symbols, s)
		c.dropSlotLocked(s)
	}
	c.subs = make(map[string]market.Interval)
	c.mu.Unlock()

	for _, s := range symbols {
		r.removeSubscription(s, c.ID)
	}
	r.mu.Lock()
	delete(r.clients, c.ID)
	n := len(r.clients)
	r.mu.Unlock()

	c.shutdown()
	r.mon.SetRelayClients(n)
	r.log.LogRelay("client_closed", map[string]interface{}{"client": c.ID, "clients": n})
}

// Start 启动心跳协程。
func (r *Relay) Start(ctx context.Context) error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel != nil {
		return nil
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.stopped = make(chan struct{})
	go r.heartbeatLoop(ctx, r.stopped)
	return nil
}

// Stop 停止心跳并关闭所有连接。
func (r *Relay) Stop() error {
	r.runMu.Lock()
	cancel, stopped := r.cancel, r.stopped
	r.cancel = nil
	r.runMu.Unlock()
	if cancel != nil {
		cancel()
		<-stopped
	}

	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()
	for _, c := range clients {
		r.OnConnectionClosed(c)
	}
	return nil
}

func (r *Relay) Health() error {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel == nil {
		return fmt.Errorf("relay not started")
	}
	return nil
}

func (r *Relay) heartbeatLoop(ctx context.Context, stopped chan struct{}) {
	defer close(stopped)
	// 以半个心跳周期检查超时，ping 仍按整周期发送
	period := r.cfg.HeartbeatInterval / 2
	if period <= 0 {
		period = r.cfg.HeartbeatInterval
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			n++
			r.sweep(now, n%2 == 0)
		}
	}
}

// sweep 关闭静默达到 DeadAfter 个心跳周期的连接，ping 为真时向其余连接发送 ping。
func (r *Relay) sweep(now time.Time, ping bool) {
	deadline := time.Duration(r.cfg.DeadAfter) * r.cfg.HeartbeatInterval

	r.mu.RLock()
	clients := make([]*Client, 0, len(r.clients))
	for _, c := range r.clients {
		clients = append(clients, c)
	}
	r.mu.RUnlock()

	for _, c := range clients {
		if idle := now.Sub(c.LastSeen()); idle >= deadline {
			r.log.Warn("client heartbeat timeout", zap.String("client", c.ID), zap.Duration("idle", idle))
			r.mon.RecordReaped()
			r.OnConnectionClosed(c)
			continue
		}
		if ping {
			c.send(Event{Type: TypePing}, r.mon)
		}
	}
}

func (r *Relay) offer(c *Client, symbol string, tick market.Tick) {
	c.mu.Lock()
	iv, ok := c.subs[symbol]
	if c.closed || !ok {
		c.mu.Unlock()
		return
	}
	s := c.slots[symbol]
	if s == nil {
		s = &slot{}
		c.slots[symbol] = s
	}
	now := time.Now()
	if s.timer == nil && (s.lastSent.IsZero() || now.Sub(s.lastSent) >= r.cfg.ThrottleWindow) {
		s.lastSent = now
		c.mu.Unlock()
		r.deliver(c, symbol, iv, tick)
		return
	}

	if s.pending != nil {
		r.mon.RecordCoalesced()
	}
	tk := tick
	s.pending = &tk
	if s.timer == nil {
		wait := r.cfg.ThrottleWindow - now.Sub(s.lastSent)
		if wait < 0 {
			wait = 0
		}
		s.timer = time.AfterFunc(wait, func() { r.flush(c, symbol, s) })
	}
	c.mu.Unlock()
}

// flush 在节流窗口结束时推送合并后的最新 tick。
func (r *Relay) flush(c *Client, symbol string, s *slot) {
	c.mu.Lock()
	if c.closed || c.slots[symbol] != s {
		c.mu.Unlock()
		return
	}
	s.timer = nil
	iv, ok := c.subs[symbol]
	if !ok || s.pending == nil {
		c.mu.Unlock()
		return
	}
	tick := *s.pending
	s.pending = nil
	s.lastSent = time.Now()
	c.mu.Unlock()

	r.deliver(c, symbol, iv, tick)
}

func (r *Relay) deliver(c *Client, symbol string, iv market.Interval, tick market.Tick) {
	c.send(tickerEvent(tick), r.mon)
	if r.src == nil {
		return
	}
	if candle, ok := r.src.CurrentCandle(symbol, iv); ok {
		c.send(candleEvent(symbol, iv, candle), r.mon)
	}
}

func (r *Relay) writeLoop(c *Client) {
	for {
		select {
		case <-c.done:
			return
		case ev := <-c.out:
			if err := c.conn.WriteJSON(ev); err != nil {
				r.log.Debug("client write failed", zap.String("client", c.ID), zap.Error(err))
				r.OnConnectionClosed(c)
				return
			}
			r.mon.RecordDelivered(ev.Type)
		}
	}
}

func (r *Relay) removeSubscription(symbol, clientID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	set := r.subscriptions[symbol]
	if set == nil {
		return
	}
	delete(set, clientID)
	if len(set) == 0 {
		delete(r.subscriptions, symbol)
	}
}

func (r *Relay) resolveInterval(name string) (market.Interval, error) {
	if name == "" {
		return r.cfg.DefaultInterval, nil
	}
	iv, err := market.ParseInterval(name)
	if err != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidInterval, name)
	}
	return iv, nil
}

func (r *Relay) symbolAllowed(symbol string) bool {
	if symbol == "" {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.allowed) == 0 || r.allowed[symbol]
}

func (r *Relay) reject(c *Client, symbol string, err error) {
	r.log.Warn("subscription request rejected", zap.String("client", c.ID), zap.String("symbol", symbol), zap.Error(err))
	c.send(errorEvent(err.Error()), r.mon)
}

func normalizeSymbol(s string) string {
	return strings.ToUpper(strings.TrimSpace(s))
}
