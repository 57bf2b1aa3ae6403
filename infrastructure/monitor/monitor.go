package monitor

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Monitor Prometheus监控指标收集器
// 所有方法对 nil 接收者安全，组件可以不注入监控。
type Monitor struct {
	registry *prometheus.Registry

	// 聚合指标
	ticksProcessed prometheus.Counter
	ticksRejected  prometheus.Counter
	candlesClosed  *prometheus.CounterVec

	// 上游连接指标
	feedState      prometheus.Gauge
	feedMessages   *prometheus.CounterVec
	feedDropped    *prometheus.CounterVec
	wsConnections  prometheus.Counter
	wsDisconnects  prometheus.Counter
	feedReconnects prometheus.Counter

	// 下游推送指标
	relayClients   prometheus.Gauge
	relayDelivered *prometheus.CounterVec
	relayCoalesced prometheus.Counter
	relayDropped   prometheus.Counter
	relayReaped    prometheus.Counter

	// REST 回补指标
	restRequests *prometheus.CounterVec
	restErrors   *prometheus.CounterVec
	restLatency  *prometheus.HistogramVec
}

// Config 监控配置
type Config struct {
	Namespace string
	Subsystem string
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Namespace: "mr",
		Subsystem: "marketdata",
	}
}

// New 创建新的Monitor实例
func New(cfg Config) *Monitor {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	counter := func(name, help string) prometheus.Counter {
		return factory.NewCounter(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		})
	}
	counterVec := func(name, help string, labels ...string) *prometheus.CounterVec {
		return factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		}, labels)
	}
	gauge := func(name, help string) prometheus.Gauge {
		return factory.NewGauge(prometheus.GaugeOpts{
			Namespace: cfg.Namespace, Subsystem: cfg.Subsystem, Name: name, Help: help,
		})
	}

	return &Monitor{
		registry: reg,

		ticksProcessed: counter("ticks_processed_total", "已聚合的tick数"),
		ticksRejected:  counter("ticks_rejected_total", "校验失败被拒绝的tick数"),
		candlesClosed:  counterVec("candles_closed_total", "收盘的K线数", "interval"),

		feedState:      gauge("feed_state", "上游连接状态(0=断开,1=连接中,2=已连接,3=重连中)"),
		feedMessages:   counterVec("feed_messages_total", "上游标准化消息数", "kind"),
		feedDropped:    counterVec("feed_dropped_total", "上游丢弃消息数", "reason"),
		wsConnections:  counter("ws_connections_total", "WebSocket连接次数"),
		wsDisconnects:  counter("ws_disconnects_total", "WebSocket断开次数"),
		feedReconnects: counter("feed_reconnects_total", "已调度的重连次数"),

		relayClients:   gauge("relay_clients", "当前下游连接数"),
		relayDelivered: counterVec("relay_delivered_total", "下游推送消息数", "type"),
		relayCoalesced: counter("relay_coalesced_total", "节流窗口内被合并的更新数"),
		relayDropped:   counter("relay_dropped_total", "发送队列已满被丢弃的消息数"),
		relayReaped:    counter("relay_reaped_total", "心跳超时被关闭的连接数"),

		restRequests: counterVec("rest_requests_total", "REST请求总数", "action"),
		restErrors:   counterVec("rest_errors_total", "REST错误总数", "action"),
		restLatency: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: cfg.Namespace,
				Subsystem: cfg.Subsystem,
				Name:      "rest_latency_seconds",
				Help:      "REST请求延迟（秒）",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"action"},
		),
	}
}

// 聚合相关方法
func (m *Monitor) RecordTickProcessed() {
	if m == nil {
		return
	}
	m.ticksProcessed.Inc()
}

func (m *Monitor) RecordTickRejected() {
	if m == nil {
		return
	}
	m.ticksRejected.Inc()
}

func (m *Monitor) RecordCandleClosed(interval string) {
	if m == nil {
		return
	}
	m.candlesClosed.WithLabelValues(interval).Inc()
}

// 上游相关方法
func (m *Monitor) SetFeedState(state int) {
	if m == nil {
		return
	}
	m.feedState.Set(float64(state))
}

func (m *Monitor) RecordFeedMessage(kind string) {
	if m == nil {
		return
	}
	m.feedMessages.WithLabelValues(kind).Inc()
}

func (m *Monitor) RecordFeedDropped(reason string) {
	if m == nil {
		return
	}
	m.feedDropped.WithLabelValues(reason).Inc()
}

func (m *Monitor) RecordWSConnection() {
	if m == nil {
		return
	}
	m.wsConnections.Inc()
}

func (m *Monitor) RecordWSDisconnect() {
	if m == nil {
		return
	}
	m.wsDisconnects.Inc()
}

func (m *Monitor) RecordReconnect() {
	if m == nil {
		return
	}
	m.feedReconnects.Inc()
}

// 下游相关方法
func (m *Monitor) SetRelayClients(n int) {
	if m == nil {
		return
	}
	m.relayClients.Set(float64(n))
}

func (m *Monitor) RecordDelivered(eventType string) {
	if m == nil {
		return
	}
	m.relayDelivered.WithLabelValues(eventType).Inc()
}

func (m *Monitor) RecordCoalesced() {
	if m == nil {
		return
	}
	m.relayCoalesced.Inc()
}

func (m *Monitor) RecordQueueDrop() {
	if m == nil {
		return
	}
	m.relayDropped.Inc()
}

func (m *Monitor) RecordReaped() {
	if m == nil {
		return
	}
	m.relayReaped.Inc()
}

// REST 相关方法
func (m *Monitor) RecordRESTRequest(action string) {
	if m == nil {
		return
	}
	m.restRequests.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordRESTError(action string) {
	if m == nil {
		return
	}
	m.restErrors.WithLabelValues(action).Inc()
}

func (m *Monitor) RecordRESTLatency(action string, seconds float64) {
	if m == nil {
		return
	}
	m.restLatency.WithLabelValues(action).Observe(seconds)
}

// Handler 返回HTTP handler用于暴露指标
func (m *Monitor) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry 返回prometheus registry
func (m *Monitor) Registry() *prometheus.Registry {
	return m.registry
}
