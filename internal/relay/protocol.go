package relay

import (
	"errors"

	"market-relay-go/market"
)

// 下游请求类型。
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
	TypeHistory     = "history"
	TypePing        = "ping"
	TypePong        = "pong"
)

// 下游推送类型。
const (
	TypeTicker       = "ticker"
	TypeCandle       = "candle"
	TypeSubscribed   = "subscribed"
	TypeUnsubscribed = "unsubscribed"
	TypeError        = "error"
)

var (
	ErrUnknownSymbol   = errors.New("unknown symbol")
	ErrInvalidInterval = errors.New("invalid interval")
	ErrClientClosed    = errors.New("client closed")
)

// Request 下游客户端发来的控制消息。
type Request struct {
	Type     string `json:"type"`
	Symbol   string `json:"symbol,omitempty"`
	Interval string `json:"interval,omitempty"`
	Limit    int    `json:"limit,omitempty"`
}

// Event 推送给下游客户端的消息；每条 ticker/candle 都是完整快照而非增量。
type Event struct {
	Type     string      `json:"type"`
	Symbol   string      `json:"symbol,omitempty"`
	Interval string      `json:"interval,omitempty"`
	Data     interface{} `json:"data,omitempty"`
	Message  string      `json:"message,omitempty"`
}

func tickerEvent(t market.Tick) Event {
	return Event{Type: TypeTicker, Symbol: t.Symbol, Data: t}
}

func candleEvent(symbol string, iv market.Interval, c market.Candle) Event {
	return Event{Type: TypeCandle, Symbol: symbol, Interval: iv.String(), Data: c}
}

func historyEvent(symbol string, iv market.Interval, candles []market.Candle) Event {
	if candles == nil {
		candles = []market.Candle{}
	}
	return Event{Type: TypeHistory, Symbol: symbol, Interval: iv.String(), Data: candles}
}

func errorEvent(msg string) Event {
	return Event{Type: TypeError, Message: msg}
}
