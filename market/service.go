package market

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// CandleFetcher 从交易所 REST 接口拉取历史 K 线（尽力而为）。
type CandleFetcher interface {
	FetchCandles(ctx context.Context, symbol string, iv Interval, limit int) ([]Candle, error)
}

// Service 是只读查询入口：封装 Aggregator，并在历史缺失时按需回补。
type Service struct {
	agg     *Aggregator
	fetcher CandleFetcher

	// 同一 (symbol, interval) 回补失败后的冷却时间
	retryAfter time.Duration
	mu         sync.Mutex
	attempts   map[string]time.Time
	now        func() time.Time
}

func NewService(agg *Aggregator, fetcher CandleFetcher) *Service {
	if agg == nil {
		agg = NewAggregator(AggregatorConfig{})
	}
	return &Service{
		agg:        agg,
		fetcher:    fetcher,
		retryAfter: time.Minute,
		attempts:   make(map[string]time.Time),
		now:        time.Now,
	}
}

// Aggregator 返回底层聚合器。
func (s *Service) Aggregator() *Aggregator { return s.agg }

// Candles 返回历史+当前 K 线的最近 limit 根。内存中没有已收盘历史时尝试 REST 回补；
// 回补失败时仍返回内存视图，同时返回错误供调用方记录。
func (s *Service) Candles(ctx context.Context, symbol string, iv Interval, limit int) ([]Candle, error) {
	out := s.agg.GetCandles(symbol, iv, limit)
	if s.fetcher == nil || !s.needsBackfill(symbol, iv, out) {
		return out, nil
	}
	fetchLimit := limit
	if fetchLimit <= 0 || fetchLimit > s.agg.MaxCandles() {
		fetchLimit = s.agg.MaxCandles()
	}
	candles, err := s.fetcher.FetchCandles(ctx, symbol, iv, fetchLimit)
	if err != nil {
		return out, fmt.Errorf("backfill %s %s: %w", symbol, iv, err)
	}
	// 晚于本地当前桶的 K 线（时钟偏差）不入历史，否则后续实时 tick 会被当成迟到
	current := iv.Bucket(s.now().UnixMilli())
	kept := make([]Candle, 0, len(candles))
	for _, c := range candles {
		if c.Time <= current {
			kept = append(kept, c)
		}
	}
	if s.agg.Seed(symbol, iv, kept) > 0 {
		out = s.agg.GetCandles(symbol, iv, limit)
	}
	return out, nil
}

func (s *Service) needsBackfill(symbol string, iv Interval, have []Candle) bool {
	// 只有当前 K 线（或完全没有数据）才视为缺失
	if len(have) > 1 {
		return false
	}
	key := symbol + "|" + string(iv)
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	if last, ok := s.attempts[key]; ok && now.Sub(last) < s.retryAfter {
		return false
	}
	s.attempts[key] = now
	return true
}

// CurrentCandle 返回当前未收盘 K 线。
func (s *Service) CurrentCandle(symbol string, iv Interval) (Candle, bool) {
	return s.agg.GetCurrentCandle(symbol, iv)
}

// Ticker 返回最新 ticker。
func (s *Service) Ticker(symbol string) (Tick, bool) {
	return s.agg.GetLatestTicker(symbol)
}

// Symbols 返回已有数据的 symbol。
func (s *Service) Symbols() []string {
	return s.agg.ListSymbols()
}

// Staleness 返回距离上次 tick 事件时间的间隔；如无数据返回一年。
func (s *Service) Staleness(symbol string) time.Duration {
	t, ok := s.agg.GetLatestTicker(symbol)
	if !ok {
		return time.Hour * 24 * 365
	}
	return s.now().Sub(t.Timestamp())
}
