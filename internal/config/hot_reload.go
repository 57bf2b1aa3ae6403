package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	appconfig "market-relay-go/config"
	"market-relay-go/infrastructure/logger"
)

// HotReloadConfig 热更新配置
type HotReloadConfig struct {
	Enabled      bool          // 是否启用热更新
	CooldownTime time.Duration // 冷却时间，避免频繁更新
}

// DefaultHotReloadConfig 默认热更新配置
func DefaultHotReloadConfig() HotReloadConfig {
	return HotReloadConfig{
		Enabled:      true,
		CooldownTime: 2 * time.Second,
	}
}

// ApplyFunc 把新配置应用到运行中的组件；prev 为上一份生效的配置。
type ApplyFunc func(prev, next appconfig.AppConfig) error

type namedApplier struct {
	name string
	fn   ApplyFunc
}

// HotReloader 监听配置文件变化，重新加载并依次调用已注册的 ApplyFunc。
// 新配置无法加载或校验失败时保留当前配置。
type HotReloader struct {
	config     HotReloadConfig
	configPath string
	watcher    *fsnotify.Watcher
	load       func(path string) (appconfig.AppConfig, error)
	log        *logger.Logger

	mu         sync.RWMutex
	current    appconfig.AppConfig
	appliers   []namedApplier
	lastReload time.Time
	reloads    int

	stopOnce sync.Once
	stopChan chan struct{}
	doneChan chan struct{}
	started  bool
}

// NewHotReloader 创建热更新器
func NewHotReloader(configPath string, cfg HotReloadConfig, initial appconfig.AppConfig, log *logger.Logger) (*HotReloader, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &HotReloader{
		config:     cfg,
		configPath: configPath,
		watcher:    watcher,
		load:       appconfig.LoadWithEnvOverrides,
		log:        log.Named("hot_reload"),
		current:    initial,
		stopChan:   make(chan struct{}),
		doneChan:   make(chan struct{}),
	}, nil
}

// RegisterApplier 注册配置应用器，按注册顺序执行
func (h *HotReloader) RegisterApplier(name string, fn ApplyFunc) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.appliers = append(h.appliers, namedApplier{name: name, fn: fn})
}

// Current 返回当前生效的配置
func (h *HotReloader) Current() appconfig.AppConfig {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.current
}

// Start 启动热更新监听
func (h *HotReloader) Start(ctx context.Context) error {
	if !h.config.Enabled {
		return nil
	}
	// 监听目录：编辑器保存时常以 rename 替换文件
	if err := h.watcher.Add(filepath.Dir(h.configPath)); err != nil {
		return fmt.Errorf("failed to watch config file: %w", err)
	}
	h.mu.Lock()
	h.started = true
	h.mu.Unlock()

	go h.watch(ctx)
	return nil
}

// Stop 停止热更新
func (h *HotReloader) Stop() error {
	h.mu.RLock()
	started := h.started
	h.mu.RUnlock()

	h.stopOnce.Do(func() { close(h.stopChan) })
	if started {
		select {
		case <-h.doneChan:
		case <-time.After(time.Second):
		}
	}
	return h.watcher.Close()
}

// Health 热更新不影响服务可用性
func (h *HotReloader) Health() error { return nil }

// watch 监听文件变化
func (h *HotReloader) watch(ctx context.Context) {
	defer close(h.doneChan)
	target := filepath.Clean(h.configPath)

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopChan:
			return
		case event, ok := <-h.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			// 只处理写入和创建事件
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				h.handleConfigChange()
			}
		case err, ok := <-h.watcher.Errors:
			if !ok {
				return
			}
			// 记录错误但继续监听
			h.log.Warn("watcher error", zap.Error(err))
		}
	}
}

// handleConfigChange 处理配置变化（受冷却时间限制）
func (h *HotReloader) handleConfigChange() {
	h.mu.RLock()
	cooling := !h.lastReload.IsZero() && time.Since(h.lastReload) < h.config.CooldownTime
	h.mu.RUnlock()
	if cooling {
		return
	}
	if err := h.Reload(); err != nil {
		h.log.LogError(err, map[string]interface{}{"action": "reload", "path": h.configPath})
	}
}

// Reload 立即重新加载配置并应用。任一应用器失败时返回错误，
// 已执行的应用器不回滚，新配置仍记为当前配置。
func (h *HotReloader) Reload() error {
	next, err := h.load(h.configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	h.mu.Lock()
	prev := h.current
	h.current = next
	h.lastReload = time.Now()
	h.reloads++
	appliers := append([]namedApplier(nil), h.appliers...)
	h.mu.Unlock()

	var firstErr error
	for _, a := range appliers {
		if err := a.fn(prev, next); err != nil {
			h.log.Warn("apply config failed", zap.String("applier", a.name), zap.Error(err))
			if firstErr == nil {
				firstErr = fmt.Errorf("apply %s: %w", a.name, err)
			}
		}
	}
	h.log.Info("config reloaded", zap.String("path", h.configPath), zap.Int("appliers", len(appliers)))
	return firstErr
}

// GetLastReloadTime 获取最后重载时间
func (h *HotReloader) GetLastReloadTime() time.Time {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.lastReload
}

// ReloadCount 成功加载的次数
func (h *HotReloader) ReloadCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.reloads
}

// DiffSymbols 比较两组 symbol，返回新增与移除的部分（均已排序）。
func DiffSymbols(prev, next []string) (added, removed []string) {
	before := make(map[string]bool, len(prev))
	for _, s := range prev {
		before[s] = true
	}
	after := make(map[string]bool, len(next))
	for _, s := range next {
		after[s] = true
		if !before[s] {
			added = append(added, s)
		}
	}
	for _, s := range prev {
		if !after[s] {
			removed = append(removed, s)
		}
	}
	sort.Strings(added)
	sort.Strings(removed)
	return added, removed
}

// LogLevelApplier 日志级别变化时调整 logger
func LogLevelApplier(l *logger.Logger) ApplyFunc {
	return func(prev, next appconfig.AppConfig) error {
		if prev.Log.Level == next.Log.Level {
			return nil
		}
		return l.SetLevel(next.Log.Level)
	}
}

// SymbolController 可以调整上游订阅的组件
type SymbolController interface {
	Subscribe(symbols, channels []string) []string
	Unsubscribe(symbols []string)
}

// FeedSymbolsApplier symbol 或频道变化时更新上游订阅；
// 频道变化需要整体重新订阅，否则只对差集操作。
func FeedSymbolsApplier(feed SymbolController) ApplyFunc {
	return func(prev, next appconfig.AppConfig) error {
		added, removed := DiffSymbols(prev.Feed.Symbols, next.Feed.Symbols)
		channelsChanged := !sameStrings(prev.Feed.Channels, next.Feed.Channels)
		if len(added) == 0 && len(removed) == 0 && !channelsChanged {
			return nil
		}
		if len(removed) > 0 {
			feed.Unsubscribe(removed)
		}
		if len(added) > 0 || channelsChanged {
			feed.Subscribe(next.Feed.Symbols, next.Feed.Channels)
		}
		return nil
	}
}

func sameStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
