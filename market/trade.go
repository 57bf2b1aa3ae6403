package market

import (
	"errors"
	"math"
	"time"
)

// ErrInvalidTick 表示行情快照在入口校验失败，不会改变任何聚合状态。
var ErrInvalidTick = errors.New("invalid tick")

// Tick represents a normalized ticker snapshot for one instrument.
// Time 为交易所事件时间（毫秒），不是本地接收时间。
type Tick struct {
	Symbol    string  `json:"symbol"`
	Price     float64 `json:"price"`
	Open24h   float64 `json:"open24h"`
	High24h   float64 `json:"high24h"`
	Low24h    float64 `json:"low24h"`
	Volume24h float64 `json:"volume24h"`
	BestBid   float64 `json:"bestBid"`
	BestAsk   float64 `json:"bestAsk"`
	Time      int64   `json:"time"`
}

// Timestamp 返回事件时间。
func (t Tick) Timestamp() time.Time {
	return time.UnixMilli(t.Time).UTC()
}

// Validate 拒绝非有限价格、非正成交量等畸形快照。
func (t Tick) Validate() error {
	switch {
	case t.Symbol == "":
		return ErrInvalidTick
	case !finite(t.Price) || t.Price <= 0:
		return ErrInvalidTick
	case !finite(t.Volume24h) || t.Volume24h <= 0:
		return ErrInvalidTick
	case t.Time <= 0:
		return ErrInvalidTick
	}
	return nil
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
