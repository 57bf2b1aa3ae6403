package gateway

import "market-relay-go/market"

// 行情端点默认值（公开频道，无需鉴权）。
const (
	DefaultFeedWSEndpoint   = "wss://ws-feed.exchange.coinbase.com"
	DefaultFeedRESTEndpoint = "https://api.exchange.coinbase.com"
)

// 上行控制消息类型。
const (
	TypeSubscribe   = "subscribe"
	TypeUnsubscribe = "unsubscribe"
)

// 下行消息类型。
const (
	TypeTicker        = "ticker"
	TypeL2Update      = "l2update"
	TypeSnapshot      = "snapshot"
	TypeSubscriptions = "subscriptions"
	TypeError         = "error"
	TypeHeartbeat     = "heartbeat"
)

// publicChannels 不需要交易所鉴权的频道白名单。
var publicChannels = map[string]bool{
	"ticker":       true,
	"ticker_batch": true,
	"heartbeat":    true,
	"status":       true,
	"matches":      true,
	"level2_batch": true,
}

// IsPublicChannel 判断频道是否在免鉴权白名单内。
func IsPublicChannel(ch string) bool {
	return publicChannels[ch]
}

// FilterChannels 拆分为允许与拒绝两组，保持输入顺序并去重。
func FilterChannels(channels []string) (accepted, rejected []string) {
	seen := make(map[string]bool, len(channels))
	for _, ch := range channels {
		if seen[ch] {
			continue
		}
		seen[ch] = true
		if IsPublicChannel(ch) {
			accepted = append(accepted, ch)
		} else {
			rejected = append(rejected, ch)
		}
	}
	return accepted, rejected
}

// ControlMessage 订阅/退订请求。
type ControlMessage struct {
	Type       string   `json:"type"`
	ProductIDs []string `json:"product_ids"`
	Channels   []string `json:"channels,omitempty"`
}

// MessageKind 标准化消息的种类。
type MessageKind int

const (
	KindTicker MessageKind = iota + 1
	KindBookDelta
	KindSubscriptions
	KindError
	KindHeartbeat
)

func (k MessageKind) String() string {
	switch k {
	case KindTicker:
		return "ticker"
	case KindBookDelta:
		return "book_delta"
	case KindSubscriptions:
		return "subscriptions"
	case KindError:
		return "error"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return "unknown"
	}
}

// BookChange 单个价位变化；Size 为 0 表示删除该价位。
type BookChange struct {
	Side  string  `json:"side"`
	Price float64 `json:"price"`
	Size  float64 `json:"size"`
}

// BookDelta 订单簿增量。Snapshot 为 true 时 Changes 是完整盘口，
// 应用前需清空本地订单簿。
type BookDelta struct {
	Symbol   string       `json:"symbol"`
	Changes  []BookChange `json:"changes"`
	Time     int64        `json:"time"`
	Snapshot bool         `json:"snapshot"`
}

// ChannelAck 交易所返回的订阅确认。
type ChannelAck struct {
	Name       string   `json:"name"`
	ProductIDs []string `json:"product_ids"`
}

// FeedError 交易所返回的错误消息。
type FeedError struct {
	Message string `json:"message"`
	Reason  string `json:"reason"`
}

// Message 标准化后的上游消息，按 Kind 取对应字段。
type Message struct {
	Kind          MessageKind
	Ticker        *market.Tick
	Book          *BookDelta
	Subscriptions []ChannelAck
	Error         *FeedError
}
