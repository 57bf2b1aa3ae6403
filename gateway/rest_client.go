package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"market-relay-go/market"
)

// ErrUnsupportedGranularity 交易所 REST 不提供该周期的历史 K 线。
var ErrUnsupportedGranularity = errors.New("unsupported candle granularity")

// restGranularity 交易所支持的 K 线粒度（秒）。
var restGranularity = map[market.Interval]int{
	market.Interval1m:  60,
	market.Interval5m:  300,
	market.Interval15m: 900,
	market.Interval1h:  3600,
	market.Interval1d:  86400,
}

// CandleClient 通过公开 REST 接口拉取历史 K 线，仅用于缺失时的回补。
// HTTPClient 可注入 httptest。
type CandleClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Limiter    RateLimiter
}

func NewCandleClient(baseURL string, limiter RateLimiter) *CandleClient {
	if baseURL == "" {
		baseURL = DefaultFeedRESTEndpoint
	}
	return &CandleClient{
		BaseURL:    baseURL,
		HTTPClient: NewDefaultHTTPClient(),
		Limiter:    limiter,
	}
}

// FetchCandles 调用 /products/{id}/candles，返回按时间升序的最近 limit 根。
// 响应行格式：[time(s), low, high, open, close, volume]，交易所按时间倒序返回。
func (c *CandleClient) FetchCandles(ctx context.Context, symbol string, iv market.Interval, limit int) ([]market.Candle, error) {
	if c == nil || c.HTTPClient == nil {
		return nil, fmt.Errorf("http client not set")
	}
	gran, ok := restGranularity[iv]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedGranularity, iv)
	}
	if c.Limiter != nil {
		if err := c.Limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	endpoint := fmt.Sprintf("%s/products/%s/candles?granularity=%d", c.BaseURL, url.PathEscape(symbol), gran)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("candles status %d", resp.StatusCode)
	}
	var rows [][]json.Number
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}
	out := make([]market.Candle, 0, len(rows))
	for _, row := range rows {
		cd, err := candleFromRow(row)
		if err != nil {
			continue
		}
		out = append(out, cd)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time < out[j].Time })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func candleFromRow(row []json.Number) (market.Candle, error) {
	if len(row) < 6 {
		return market.Candle{}, fmt.Errorf("short candle row")
	}
	sec, err := strconv.ParseInt(row[0].String(), 10, 64)
	if err != nil {
		return market.Candle{}, err
	}
	vals := make([]float64, 5)
	for i := range vals {
		v, err := row[i+1].Float64()
		if err != nil {
			return market.Candle{}, err
		}
		vals[i] = v
	}
	return market.Candle{
		Time:   sec * 1000,
		Low:    vals[0],
		High:   vals[1],
		Open:   vals[2],
		Close:  vals[3],
		Volume: vals[4],
	}, nil
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}
