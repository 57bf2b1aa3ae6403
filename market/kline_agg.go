package market

import (
	"sort"
	"sync"
)

// DefaultMaxCandles 每个 (symbol, interval) 保留的已收盘 K 线数量。
const DefaultMaxCandles = 100

// AggregatorConfig 聚合器配置。
type AggregatorConfig struct {
	MaxCandles int
	Intervals  []Interval // 为空时使用全部受支持周期
}

// Update 描述一笔 tick 处理后的结果。
type Update struct {
	Ticker  Tick
	Candles map[Interval]Candle // 处理后各周期的当前 K 线
	Closed  map[Interval]Candle // 本次 tick 触发收盘的 K 线
}

// Aggregator 从行情快照流生成多周期 K 线，是 ticker 与 K 线历史的唯一数据源。
// 每个 symbol 持有独立的锁：同一 symbol 的 tick 串行处理，不同 symbol 之间可以并发。
type Aggregator struct {
	maxCandles int
	intervals  []Interval

	mu    sync.RWMutex
	books map[string]*symbolBook
}

type symbolBook struct {
	mu        sync.Mutex
	ticker    Tick
	hasTicker bool
	series    map[Interval]*series
}

type series struct {
	open     Candle
	hasOpen  bool
	baseline float64 // 上一次看到的 24h 累计成交量
	history  *candleRing
}

func NewAggregator(cfg AggregatorConfig) *Aggregator {
	if cfg.MaxCandles <= 0 {
		cfg.MaxCandles = DefaultMaxCandles
	}
	intervals := cfg.Intervals
	if len(intervals) == 0 {
		intervals = Intervals()
	}
	return &Aggregator{
		maxCandles: cfg.MaxCandles,
		intervals:  intervals,
		books:      make(map[string]*symbolBook),
	}
}

// Intervals 返回聚合器维护的周期。
func (a *Aggregator) Intervals() []Interval {
	out := make([]Interval, len(a.intervals))
	copy(out, a.intervals)
	return out
}

// MaxCandles 返回历史缓冲容量。
func (a *Aggregator) MaxCandles() int { return a.maxCandles }

func (a *Aggregator) lookup(symbol string) *symbolBook {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.books[symbol]
}

func (a *Aggregator) bookFor(symbol string) *symbolBook {
	if b := a.lookup(symbol); b != nil {
		return b
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok := a.books[symbol]; ok {
		return b
	}
	b := &symbolBook{series: make(map[Interval]*series, len(a.intervals))}
	for _, iv := range a.intervals {
		b.series[iv] = &series{history: newCandleRing(a.maxCandles)}
	}
	a.books[symbol] = b
	return b
}

// ProcessTick 更新最新 ticker，并对每个周期独立地扩展当前 K 线或收盘换桶。
// 校验失败的 tick 不改变任何状态，返回 false。
func (a *Aggregator) ProcessTick(t Tick) (Update, bool) {
	if err := t.Validate(); err != nil {
		return Update{}, false
	}
	b := a.bookFor(t.Symbol)

	b.mu.Lock()
	defer b.mu.Unlock()

	// 迟到 tick 不让最新 ticker 回退
	if !b.hasTicker || t.Time >= b.ticker.Time {
		b.ticker = t
		b.hasTicker = true
	}

	up := Update{
		Ticker:  t,
		Candles: make(map[Interval]Candle, len(a.intervals)),
	}
	for _, iv := range a.intervals {
		s := b.series[iv]
		bucket := iv.Bucket(t.Time)
		switch {
		case !s.hasOpen:
			if last, ok := s.history.newest(); ok && bucket <= last.Time {
				if bucket < last.Time {
					// 早于回补历史的 tick 同样视为迟到
					continue
				}
				// 回补的最新一根与首个 tick 同桶：接着它继续累积
				s.history.pop()
				s.open = last
				s.open.extend(t.Price, 0)
			} else {
				s.open = newCandle(bucket, t.Price)
				s.open.Trades = 1
			}
			s.baseline = t.Volume24h
			s.hasOpen = true
		case bucket == s.open.Time:
			s.open.extend(t.Price, volumeDelta(s.baseline, t.Volume24h))
			s.baseline = t.Volume24h
		case bucket > s.open.Time:
			closed := s.open
			s.history.push(closed)
			if up.Closed == nil {
				up.Closed = make(map[Interval]Candle)
			}
			up.Closed[iv] = closed
			// 收盘与开新桶在同一把锁内完成，外部不会看到中间态
			s.open = newCandle(bucket, t.Price)
			s.open.Trades = 1
			s.baseline = t.Volume24h
		default:
			// 早于当前桶的迟到 tick 不回写已收盘的 K 线
			continue
		}
		up.Candles[iv] = s.open
	}
	return up, true
}

// volumeDelta 由 24h 累计量推导增量；交易所日切重置导致的负增量截断为 0。
func volumeDelta(prev, cur float64) float64 {
	if d := cur - prev; d > 0 {
		return d
	}
	return 0
}

// GetCandles 返回历史 K 线与当前 K 线拼接后的最近 limit 根（时间升序）。
// 未知 symbol 返回空切片；limit <= 0 时返回全部。
func (a *Aggregator) GetCandles(symbol string, iv Interval, limit int) []Candle {
	b := a.lookup(symbol)
	if b == nil {
		return []Candle{}
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.series[iv]
	if !ok {
		return []Candle{}
	}
	total := s.history.len()
	if s.hasOpen {
		total++
	}
	if limit <= 0 || limit > total {
		limit = total
	}
	fromHistory := limit
	if s.hasOpen {
		fromHistory--
	}
	out := make([]Candle, 0, limit)
	out = append(out, s.history.last(fromHistory)...)
	if s.hasOpen && limit > 0 {
		out = append(out, s.open)
	}
	return out
}

// GetCurrentCandle 返回当前未收盘的 K 线；无数据时 ok=false。
func (a *Aggregator) GetCurrentCandle(symbol string, iv Interval) (Candle, bool) {
	b := a.lookup(symbol)
	if b == nil {
		return Candle{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.series[iv]
	if !ok || !s.hasOpen {
		return Candle{}, false
	}
	return s.open, true
}

// GetLatestTicker 返回最新 ticker 快照；无数据时 ok=false。
func (a *Aggregator) GetLatestTicker(symbol string) (Tick, bool) {
	b := a.lookup(symbol)
	if b == nil {
		return Tick{}, false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ticker, b.hasTicker
}

// HasData 判断 symbol 是否已收到过有效 tick。
func (a *Aggregator) HasData(symbol string) bool {
	_, ok := a.GetLatestTicker(symbol)
	return ok
}

// ListSymbols 返回已有 ticker 的 symbol，按字母序。
func (a *Aggregator) ListSymbols() []string {
	a.mu.RLock()
	books := make(map[string]*symbolBook, len(a.books))
	for sym, b := range a.books {
		books[sym] = b
	}
	a.mu.RUnlock()

	out := make([]string, 0, len(books))
	for sym, b := range books {
		b.mu.Lock()
		has := b.hasTicker
		b.mu.Unlock()
		if has {
			out = append(out, sym)
		}
	}
	sort.Strings(out)
	return out
}

// Seed 用回补数据填充空的历史缓冲。只接受早于当前桶、且与周期对齐的 K 线；
// 历史非空时不做任何修改。返回写入的数量。
func (a *Aggregator) Seed(symbol string, iv Interval, candles []Candle) int {
	if symbol == "" || !iv.Valid() || len(candles) == 0 {
		return 0
	}
	b := a.bookFor(symbol)
	b.mu.Lock()
	defer b.mu.Unlock()
	s, ok := b.series[iv]
	if !ok || s.history.len() > 0 {
		return 0
	}

	sorted := make([]Candle, 0, len(candles))
	for _, c := range candles {
		if iv.Bucket(c.Time) != c.Time {
			continue
		}
		if s.hasOpen && c.Time >= s.open.Time {
			continue
		}
		sorted = append(sorted, c)
	}
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Time < sorted[j].Time })

	n := 0
	var prev int64
	for i, c := range sorted {
		if i > 0 && c.Time == prev {
			continue
		}
		s.history.push(c)
		prev = c.Time
		n++
	}
	if n > a.maxCandles {
		n = a.maxCandles
	}
	return n
}
