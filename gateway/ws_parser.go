package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"market-relay-go/market"
)

var (
	// ErrUnknownType 未识别的消息类型，调用方记录后丢弃。
	ErrUnknownType = errors.New("unknown message type")
	// ErrMalformed 消息字段缺失或无法解析。
	ErrMalformed = errors.New("malformed message")
)

type envelope struct {
	Type string `json:"type"`
}

// tickerWire 对应 ticker 频道；数值字段以字符串下发。
type tickerWire struct {
	ProductID string `json:"product_id"`
	Price     string `json:"price"`
	Open24h   string `json:"open_24h"`
	High24h   string `json:"high_24h"`
	Low24h    string `json:"low_24h"`
	Volume24h string `json:"volume_24h"`
	BestBid   string `json:"best_bid"`
	BestAsk   string `json:"best_ask"`
	Time      string `json:"time"`
}

type l2updateWire struct {
	ProductID string      `json:"product_id"`
	Changes   [][3]string `json:"changes"`
	Time      string      `json:"time"`
}

// snapshotWire level2 首条全量盘口，[price, size]；通常不带时间。
type snapshotWire struct {
	ProductID string      `json:"product_id"`
	Bids      [][2]string `json:"bids"`
	Asks      [][2]string `json:"asks"`
	Time      string      `json:"time"`
}

type subscriptionsWire struct {
	Channels []ChannelAck `json:"channels"`
}

// ParseMessage 解析单条上游消息并标准化。解析失败只影响这一条消息。
func ParseMessage(raw []byte) (Message, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	switch env.Type {
	case TypeTicker:
		tk, err := parseTicker(raw)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindTicker, Ticker: &tk}, nil
	case TypeL2Update:
		bd, err := parseL2Update(raw)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindBookDelta, Book: &bd}, nil
	case TypeSnapshot:
		bd, err := parseSnapshot(raw)
		if err != nil {
			return Message{}, err
		}
		return Message{Kind: KindBookDelta, Book: &bd}, nil
	case TypeSubscriptions:
		var sw subscriptionsWire
		if err := json.Unmarshal(raw, &sw); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Message{Kind: KindSubscriptions, Subscriptions: sw.Channels}, nil
	case TypeError:
		var fe FeedError
		if err := json.Unmarshal(raw, &fe); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
		}
		return Message{Kind: KindError, Error: &fe}, nil
	case TypeHeartbeat:
		return Message{Kind: KindHeartbeat}, nil
	default:
		return Message{}, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}
}

func parseTicker(raw []byte) (market.Tick, error) {
	var w tickerWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return market.Tick{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.ProductID == "" {
		return market.Tick{}, fmt.Errorf("%w: missing product_id", ErrMalformed)
	}
	ts, err := parseTime(w.Time)
	if err != nil {
		return market.Tick{}, err
	}
	tk := market.Tick{Symbol: w.ProductID, Time: ts}

	// price/volume_24h 必填，其余字段缺省为 0
	required := []struct {
		name string
		src  string
		dst  *float64
	}{
		{"price", w.Price, &tk.Price},
		{"volume_24h", w.Volume24h, &tk.Volume24h},
	}
	for _, f := range required {
		v, err := parseNumber(f.name, f.src)
		if err != nil {
			return market.Tick{}, err
		}
		*f.dst = v
	}
	optional := []struct {
		name string
		src  string
		dst  *float64
	}{
		{"open_24h", w.Open24h, &tk.Open24h},
		{"high_24h", w.High24h, &tk.High24h},
		{"low_24h", w.Low24h, &tk.Low24h},
		{"best_bid", w.BestBid, &tk.BestBid},
		{"best_ask", w.BestAsk, &tk.BestAsk},
	}
	for _, f := range optional {
		if f.src == "" {
			continue
		}
		v, err := parseNumber(f.name, f.src)
		if err != nil {
			return market.Tick{}, err
		}
		*f.dst = v
	}
	return tk, nil
}

func parseL2Update(raw []byte) (BookDelta, error) {
	var w l2updateWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return BookDelta{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.ProductID == "" {
		return BookDelta{}, fmt.Errorf("%w: missing product_id", ErrMalformed)
	}
	ts, err := parseTime(w.Time)
	if err != nil {
		return BookDelta{}, err
	}
	bd := BookDelta{Symbol: w.ProductID, Time: ts, Changes: make([]BookChange, 0, len(w.Changes))}
	for _, ch := range w.Changes {
		price, err := parseNumber("price", ch[1])
		if err != nil {
			return BookDelta{}, err
		}
		size, err := parseNumber("size", ch[2])
		if err != nil {
			return BookDelta{}, err
		}
		bd.Changes = append(bd.Changes, BookChange{Side: strings.ToLower(ch[0]), Price: price, Size: size})
	}
	return bd, nil
}

func parseSnapshot(raw []byte) (BookDelta, error) {
	var w snapshotWire
	if err := json.Unmarshal(raw, &w); err != nil {
		return BookDelta{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if w.ProductID == "" {
		return BookDelta{}, fmt.Errorf("%w: missing product_id", ErrMalformed)
	}
	var ts int64
	if w.Time != "" {
		t, err := parseTime(w.Time)
		if err != nil {
			return BookDelta{}, err
		}
		ts = t
	}
	bd := BookDelta{
		Symbol:   w.ProductID,
		Time:     ts,
		Snapshot: true,
		Changes:  make([]BookChange, 0, len(w.Bids)+len(w.Asks)),
	}
	sides := []struct {
		side   string
		levels [][2]string
	}{
		{"buy", w.Bids},
		{"sell", w.Asks},
	}
	for _, s := range sides {
		for _, lv := range s.levels {
			price, err := parseNumber("price", lv[0])
			if err != nil {
				return BookDelta{}, err
			}
			size, err := parseNumber("size", lv[1])
			if err != nil {
				return BookDelta{}, err
			}
			bd.Changes = append(bd.Changes, BookChange{Side: s.side, Price: price, Size: size})
		}
	}
	return bd, nil
}

func parseNumber(field, s string) (float64, error) {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s=%q", ErrMalformed, field, s)
	}
	return v, nil
}

func parseTime(s string) (int64, error) {
	if s == "" {
		return 0, fmt.Errorf("%w: missing time", ErrMalformed)
	}
	ts, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return 0, fmt.Errorf("%w: time=%q", ErrMalformed, s)
	}
	return ts.UnixMilli(), nil
}
