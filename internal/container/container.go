package container

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"market-relay-go/config"
	"market-relay-go/gateway"
	"market-relay-go/infrastructure/alert"
	"market-relay-go/infrastructure/logger"
	"market-relay-go/infrastructure/monitor"
	"market-relay-go/internal/api"
	hotreload "market-relay-go/internal/config"
	"market-relay-go/internal/exchange"
	"market-relay-go/internal/relay"
	"market-relay-go/market"
)

// Container 依赖注入容器，管理所有组件的生命周期
type Container struct {
	// 配置
	cfg        *config.AppConfig
	configPath string

	// 基础设施
	logger  *logger.Logger
	monitor *monitor.Monitor
	alerts  *alert.Manager

	// 行情
	feed       *exchange.Feed
	aggregator *market.Aggregator
	books      *market.BookStore
	marketData *market.Service

	// 下游
	relay      *relay.Relay
	relayHTTP  *relay.Server
	router     http.Handler
	reloader   *hotreload.HotReloader
	feedHandle exchange.HandlerID

	// HTTP服务器
	metricsServer *http.Server
	apiServer     *http.Server
	wsServer      *http.Server
	servers       map[string]*httpServerComponent

	// 生命周期管理
	lifecycle *LifecycleManager
}

// New 从配置文件创建Container，环境变量覆盖同名配置
func New(configPath string) (*Container, error) {
	cfg, err := config.LoadWithEnvOverrides(configPath)
	if err != nil {
		return nil, fmt.Errorf("load config failed: %w", err)
	}
	c := NewWithConfig(cfg)
	c.configPath = configPath
	return c, nil
}

// NewWithConfig 使用已加载的配置创建Container；不启用文件热更新。
func NewWithConfig(cfg config.AppConfig) *Container {
	return &Container{
		cfg:       &cfg,
		servers:   make(map[string]*httpServerComponent),
		lifecycle: NewLifecycleManager(),
	}
}

// Build 构建所有组件
func (c *Container) Build() error {
	if err := c.buildInfrastructure(); err != nil {
		return fmt.Errorf("build infrastructure failed: %w", err)
	}

	if err := c.buildMarketData(); err != nil {
		return fmt.Errorf("build market data failed: %w", err)
	}

	if err := c.buildFeed(); err != nil {
		return fmt.Errorf("build feed failed: %w", err)
	}

	if err := c.buildRelay(); err != nil {
		return fmt.Errorf("build relay failed: %w", err)
	}

	if err := c.buildHotReload(); err != nil {
		return fmt.Errorf("build hot reload failed: %w", err)
	}

	c.registerLifecycleComponents()
	c.logger.Info("container built successfully")
	return nil
}

func (c *Container) buildInfrastructure() error {
	var err error
	c.logger, err = logger.New(c.cfg.Log)
	if err != nil {
		return fmt.Errorf("create logger failed: %w", err)
	}

	c.monitor = monitor.New(monitor.DefaultConfig())
	c.alerts = alert.NewManager([]alert.Channel{alert.NewLogChannel("log", c.logger)}, 5*time.Minute)

	c.logger.Info("infrastructure built")
	return nil
}

func (c *Container) buildMarketData() error {
	intervals := make([]market.Interval, 0, len(c.cfg.Aggregator.Intervals))
	for _, name := range c.cfg.Aggregator.Intervals {
		iv, err := market.ParseInterval(name)
		if err != nil {
			return err
		}
		intervals = append(intervals, iv)
	}
	c.aggregator = market.NewAggregator(market.AggregatorConfig{
		MaxCandles: c.cfg.Aggregator.MaxCandles,
		Intervals:  intervals,
	})
	c.books = market.NewBookStore()

	var fetcher market.CandleFetcher
	if c.cfg.Feed.Backfill {
		client := gateway.NewCandleClient(
			c.cfg.Feed.RESTURL,
			gateway.NewTokenBucketLimiter(c.cfg.Feed.RESTRatePerSec, c.cfg.Feed.RESTBurst),
		)
		if t := c.cfg.Feed.RESTTimeout(); t > 0 {
			client.HTTPClient.Timeout = t
		}
		fetcher = &backfillAdapter{client: client, logger: c.logger, monitor: c.monitor}
	}
	c.marketData = market.NewService(c.aggregator, fetcher)

	c.logger.Info("market data built")
	return nil
}

func (c *Container) buildFeed() error {
	c.feed = exchange.NewFeed(exchange.FeedConfig{
		URL:              c.cfg.Feed.WSURL,
		HandshakeTimeout: c.cfg.Feed.HandshakeTimeout(),
		ReadTimeout:      c.cfg.Feed.ReadTimeout(),
		WriteTimeout:     exchange.DefaultFeedConfig().WriteTimeout,
		BaseDelay:        c.cfg.Feed.BaseDelay(),
		MaxDelay:         c.cfg.Feed.MaxDelay(),
		MaxRetries:       c.cfg.Feed.MaxRetries,
	}, c.logger, c.monitor)

	c.feed.SetFatalErrorHandler(c.alerts.FeedFatalHandler(c.cfg.Feed.WSURL))
	c.feed.SetStateListener(func(st exchange.State) {
		if st == exchange.StateReconnecting {
			_ = c.alerts.SendWarning("feed", "market data feed reconnecting", map[string]interface{}{
				"url":     c.cfg.Feed.WSURL,
				"attempt": c.feed.Attempts(),
			})
		}
	})
	c.feedHandle = c.feed.OnMessage(c.onFeedMessage)

	c.logger.Info("feed built")
	return nil
}

func (c *Container) buildRelay() error {
	iv, err := market.ParseInterval(c.cfg.Relay.DefaultInterval)
	if err != nil {
		return err
	}
	rcfg := relay.Config{
		ThrottleWindow:    c.cfg.Relay.Throttle(),
		HeartbeatInterval: c.cfg.Relay.Heartbeat(),
		DeadAfter:         c.cfg.Relay.DeadAfter,
		QueueSize:         c.cfg.Relay.QueueSize,
		DefaultInterval:   iv,
		MaxHistory:        c.cfg.Relay.MaxHistory,
		HistoryTimeout:    relay.DefaultConfig().HistoryTimeout,
	}
	if c.cfg.Relay.RestrictSymbols {
		rcfg.Symbols = c.cfg.Feed.Symbols
	}
	c.relay = relay.New(rcfg, c.marketData, c.logger, c.monitor)
	c.relayHTTP = relay.NewServer(c.relay, relay.ServerConfig{
		Path:           c.cfg.Relay.Path,
		AllowedOrigins: c.cfg.Relay.AllowedOrigins,
	}, c.logger)

	if c.cfg.API.Enabled {
		handler := api.NewHandler(c.marketData, c.books, c.logger)
		health := api.NewHealthHandler(
			func() string { return c.feed.State().String() },
			func() bool { return c.feed.State() == exchange.StateConnected },
			func() int { return len(c.marketData.Symbols()) },
		)
		c.router = api.NewRouter(handler, health, api.RouterConfig{
			RequestTimeout: c.cfg.API.RequestTimeout(),
		}, c.logger, c.monitor)
	}

	c.logger.Info("relay built")
	return nil
}

func (c *Container) buildHotReload() error {
	if c.configPath == "" {
		return nil
	}
	reloader, err := hotreload.NewHotReloader(c.configPath, hotreload.HotReloadConfig{
		Enabled:      c.cfg.HotReload.Enabled,
		CooldownTime: c.cfg.HotReload.Cooldown(),
	}, *c.cfg, c.logger)
	if err != nil {
		return err
	}
	reloader.RegisterApplier("log_level", hotreload.LogLevelApplier(c.logger))
	reloader.RegisterApplier("feed_symbols", hotreload.FeedSymbolsApplier(c.feed))
	reloader.RegisterApplier("relay_symbols", c.applyRelaySymbols)
	c.reloader = reloader
	return nil
}

// applyRelaySymbols 限制订阅时跟随 feed.symbols 调整白名单
func (c *Container) applyRelaySymbols(_, next config.AppConfig) error {
	if next.Relay.RestrictSymbols {
		c.relay.SetSymbols(next.Feed.Symbols)
	} else {
		c.relay.SetSymbols(nil)
	}
	return nil
}

func (c *Container) registerLifecycleComponents() {
	if c.cfg.Metrics.Enabled {
		mux := http.NewServeMux()
		mux.Handle(c.cfg.Metrics.Path, c.monitor.Handler())
		c.registerHTTP("metrics_server", mux, c.cfg.Metrics.Addr, &c.metricsServer)
	}
	if c.router != nil {
		c.registerHTTP("api_server", c.router, c.cfg.API.Addr, &c.apiServer)
	}
	c.lifecycle.Register("relay", c.relay)
	c.registerHTTP("relay_server", c.relayHTTP.Handler(), c.cfg.Relay.Addr, &c.wsServer)
	if c.reloader != nil {
		c.lifecycle.Register("hot_reload", c.reloader)
	}
	// 上游最后启动：下游就绪后再接收行情
	c.lifecycle.Register("feed", &feedComponent{
		feed:     c.feed,
		symbols:  c.cfg.Feed.Symbols,
		channels: c.cfg.Feed.Channels,
		logger:   c.logger,
	})
}

func (c *Container) registerHTTP(name string, handler http.Handler, addr string, server **http.Server) {
	comp := &httpServerComponent{
		name:    name,
		handler: handler,
		addr:    addr,
		logger:  c.logger,
		server:  server,
	}
	c.servers[name] = comp
	c.lifecycle.Register(name, comp)
}

// onFeedMessage 上游消息入口：ticker 进入聚合器后交给 relay，盘口增量写入订单簿
func (c *Container) onFeedMessage(msg gateway.Message) {
	switch msg.Kind {
	case gateway.KindTicker:
		tick := *msg.Ticker
		up, ok := c.aggregator.ProcessTick(tick)
		if !ok {
			c.monitor.RecordTickRejected()
			return
		}
		c.monitor.RecordTickProcessed()
		for iv := range up.Closed {
			c.monitor.RecordCandleClosed(iv.String())
		}
		c.relay.OnUpstreamTick(tick.Symbol, tick)
	case gateway.KindBookDelta:
		bd := msg.Book
		if bd.Snapshot {
			c.books.Reset(bd.Symbol)
		}
		changes := make([]market.Change, 0, len(bd.Changes))
		for _, ch := range bd.Changes {
			changes = append(changes, market.Change{Side: ch.Side, Price: ch.Price, Size: ch.Size})
		}
		c.books.Apply(bd.Symbol, changes, bd.Time)
	}
}

func (c *Container) Start(ctx context.Context) error {
	c.logger.Info("starting container...")

	if err := c.lifecycle.StartAll(ctx); err != nil {
		return fmt.Errorf("start failed: %w", err)
	}

	c.logger.Info("container started")
	return nil
}

func (c *Container) Stop() error {
	c.logger.Info("stopping container...")

	err := c.lifecycle.StopAll()
	if err != nil {
		c.logger.LogError(err, map[string]interface{}{"action": "stop"})
	}
	c.feed.OffMessage(c.feedHandle)

	if c.logger != nil {
		_ = c.logger.Close()
	}
	return err
}

func (c *Container) HealthCheck() error {
	return c.lifecycle.CheckHealth()
}

// Config 返回生效的启动配置
func (c *Container) Config() config.AppConfig { return *c.cfg }

func (c *Container) Logger() *logger.Logger      { return c.logger }
func (c *Container) Monitor() *monitor.Monitor   { return c.monitor }
func (c *Container) Alerts() *alert.Manager      { return c.alerts }
func (c *Container) Feed() *exchange.Feed        { return c.feed }
func (c *Container) MarketData() *market.Service { return c.marketData }
func (c *Container) Books() *market.BookStore    { return c.books }
func (c *Container) Relay() *relay.Relay         { return c.relay }

// ServerAddr 返回已启动HTTP组件的实际监听地址
func (c *Container) ServerAddr(name string) string {
	if s, ok := c.servers[name]; ok {
		return s.Addr()
	}
	return ""
}

// backfillAdapter 为 REST 回补记录请求、错误与延迟指标
type backfillAdapter struct {
	client  *gateway.CandleClient
	logger  *logger.Logger
	monitor *monitor.Monitor
}

func (a *backfillAdapter) FetchCandles(ctx context.Context, symbol string, iv market.Interval, limit int) ([]market.Candle, error) {
	start := time.Now()
	a.monitor.RecordRESTRequest("candles")

	candles, err := a.client.FetchCandles(ctx, symbol, iv, limit)

	a.monitor.RecordRESTLatency("candles", time.Since(start).Seconds())
	if err != nil {
		a.monitor.RecordRESTError("candles")
		a.logger.LogError(err, map[string]interface{}{
			"action":   "backfill",
			"symbol":   symbol,
			"interval": iv.String(),
		})
		return nil, err
	}
	return candles, nil
}
