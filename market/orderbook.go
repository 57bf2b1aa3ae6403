package market

import (
	"sort"
	"sync"
)

// 订单簿方向。
const (
	SideBuy  = "buy"
	SideSell = "sell"
)

// OrderBook 维护单个 symbol 的 L2 价格->数量映射。
type OrderBook struct {
	mu      sync.RWMutex
	bids    map[float64]float64 // price -> qty
	asks    map[float64]float64
	updated int64
}

func NewOrderBook() *OrderBook {
	return &OrderBook{
		bids: make(map[float64]float64),
		asks: make(map[float64]float64),
	}
}

// ApplyDelta 应用增量更新，qty 为 0 表示删除该档。
func (ob *OrderBook) ApplyDelta(bidDelta map[float64]float64, askDelta map[float64]float64, ts int64) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	apply(ob.bids, bidDelta)
	apply(ob.asks, askDelta)
	if ts > ob.updated {
		ob.updated = ts
	}
}

func apply(side map[float64]float64, delta map[float64]float64) {
	for p, q := range delta {
		if q <= 0 {
			delete(side, p)
		} else {
			side[p] = q
		}
	}
}

// Best 返回最好买/卖价；若不存在则为 0。
func (ob *OrderBook) Best() (bestBid float64, bestAsk float64) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	for p := range ob.bids {
		if p > bestBid {
			bestBid = p
		}
	}
	for p := range ob.asks {
		if bestAsk == 0 || p < bestAsk {
			bestAsk = p
		}
	}
	return bestBid, bestAsk
}

// Mid 返回中间价；若缺失任一侧返回 0。
func (ob *OrderBook) Mid() float64 {
	bid, ask := ob.Best()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// Level 一个价位。
type Level struct {
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookSnapshot 订单簿前 N 档快照。
type BookSnapshot struct {
	Symbol    string  `json:"symbol"`
	Bids      []Level `json:"bids"` // 价格降序
	Asks      []Level `json:"asks"` // 价格升序
	BestBid   float64 `json:"bestBid"`
	BestAsk   float64 `json:"bestAsk"`
	Mid       float64 `json:"mid"`
	Spread    float64 `json:"spread"`
	Imbalance float64 `json:"imbalance"`
	Time      int64   `json:"time"`
}

// Levels 返回前 depth 档（depth<=0 返回全部）。
func (ob *OrderBook) Levels(depth int) (bids, asks []Level) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	bids = sortedLevels(ob.bids, true, depth)
	asks = sortedLevels(ob.asks, false, depth)
	return bids, asks
}

func sortedLevels(side map[float64]float64, desc bool, depth int) []Level {
	out := make([]Level, 0, len(side))
	for p, q := range side {
		out = append(out, Level{Price: p, Size: q})
	}
	sort.Slice(out, func(i, j int) bool {
		if desc {
			return out[i].Price > out[j].Price
		}
		return out[i].Price < out[j].Price
	})
	if depth > 0 && len(out) > depth {
		out = out[:depth]
	}
	return out
}

// Snapshot 生成前 depth 档快照，Imbalance 按同样档数计算。
func (ob *OrderBook) Snapshot(symbol string, depth int) BookSnapshot {
	bids, asks := ob.Levels(depth)
	ob.mu.RLock()
	updated := ob.updated
	ob.mu.RUnlock()

	snap := BookSnapshot{Symbol: symbol, Bids: bids, Asks: asks, Time: updated}
	if len(bids) > 0 {
		snap.BestBid = bids[0].Price
	}
	if len(asks) > 0 {
		snap.BestAsk = asks[0].Price
	}
	if snap.BestBid > 0 && snap.BestAsk > 0 {
		snap.Mid = (snap.BestBid + snap.BestAsk) / 2
		snap.Spread = snap.BestAsk - snap.BestBid
	}
	snap.Imbalance = CalculateImbalance(sumSize(bids), sumSize(asks))
	return snap
}

func sumSize(levels []Level) float64 {
	total := 0.0
	for _, l := range levels {
		total += l.Size
	}
	return total
}

// BookStore 按 symbol 保存订单簿，由上游 l2update 消息驱动。
type BookStore struct {
	mu    sync.RWMutex
	books map[string]*OrderBook
}

func NewBookStore() *BookStore {
	return &BookStore{books: make(map[string]*OrderBook)}
}

// Apply 把一组价位变化应用到 symbol 的订单簿；side 为 buy/sell 之外的变化被忽略。
func (s *BookStore) Apply(symbol string, changes []Change, ts int64) {
	if symbol == "" || len(changes) == 0 {
		return
	}
	bids := make(map[float64]float64)
	asks := make(map[float64]float64)
	for _, ch := range changes {
		switch ch.Side {
		case SideBuy:
			bids[ch.Price] = ch.Size
		case SideSell:
			asks[ch.Price] = ch.Size
		}
	}
	s.book(symbol).ApplyDelta(bids, asks, ts)
}

// Change 单个价位的变化，Size 为 0 表示删除。
type Change struct {
	Side  string
	Price float64
	Size  float64
}

func (s *BookStore) book(symbol string) *OrderBook {
	s.mu.RLock()
	ob := s.books[symbol]
	s.mu.RUnlock()
	if ob != nil {
		return ob
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if ob = s.books[symbol]; ob == nil {
		ob = NewOrderBook()
		s.books[symbol] = ob
	}
	return ob
}

// Snapshot 返回 symbol 的订单簿快照；未收到过增量时 ok=false。
func (s *BookStore) Snapshot(symbol string, depth int) (BookSnapshot, bool) {
	s.mu.RLock()
	ob := s.books[symbol]
	s.mu.RUnlock()
	if ob == nil {
		return BookSnapshot{}, false
	}
	return ob.Snapshot(symbol, depth), true
}

// Reset 清空 symbol 的订单簿（重连后等待新的快照）。
func (s *BookStore) Reset(symbol string) {
	s.mu.Lock()
	delete(s.books, symbol)
	s.mu.Unlock()
}
