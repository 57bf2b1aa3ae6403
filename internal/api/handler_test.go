package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-relay-go/market"
)

type stubFetcher struct {
	err error
}

func (f *stubFetcher) FetchCandles(_ context.Context, _ string, _ market.Interval, _ int) ([]market.Candle, error) {
	return nil, f.err
}

var _ QueryService = (*market.Service)(nil)

const t0 = int64(1_700_000_040_000)

func setupRouter(t *testing.T, fetcher market.CandleFetcher) (*gin.Engine, *market.Aggregator, *market.BookStore) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	agg := market.NewAggregator(market.AggregatorConfig{})
	books := market.NewBookStore()
	svc := market.NewService(agg, fetcher)
	health := NewHealthHandler(func() string { return "connected" }, func() bool { return true }, func() int { return len(agg.ListSymbols()) })
	return NewRouter(NewHandler(svc, books, nil), health, RouterConfig{}, nil, nil), agg, books
}

func get(r http.Handler, path string) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestGetCandles_TableDriven(t *testing.T) {
	r, agg, _ := setupRouter(t, nil)
	for i, p := range []float64{100, 105, 98, 102} {
		agg.ProcessTick(market.Tick{Symbol: "BTC-USD", Price: p, Volume24h: 1000 + float64(i), Time: t0 + int64(i)*1000})
	}
	agg.ProcessTick(market.Tick{Symbol: "BTC-USD", Price: 103, Volume24h: 1010, Time: t0 + 60_000})

	cases := []struct {
		name   string
		query  string
		status int
		assert func(t *testing.T, resp CandlesResponse)
	}{
		{
			name:   "invalid interval",
			query:  "/api/v1/candles/BTC-USD?interval=7m",
			status: http.StatusBadRequest,
		},
		{
			name:   "invalid limit",
			query:  "/api/v1/candles/BTC-USD?limit=abc",
			status: http.StatusBadRequest,
		},
		{
			name:   "unknown symbol returns empty list",
			query:  "/api/v1/candles/DOGE-USD",
			status: http.StatusOK,
			assert: func(t *testing.T, resp CandlesResponse) {
				assert.Equal(t, "DOGE-USD", resp.Symbol)
				assert.NotNil(t, resp.Candles)
				assert.Empty(t, resp.Candles)
			},
		},
		{
			name:   "history plus current",
			query:  "/api/v1/candles/btc-usd?interval=1m",
			status: http.StatusOK,
			assert: func(t *testing.T, resp CandlesResponse) {
				require.Len(t, resp.Candles, 2)
				first := resp.Candles[0]
				assert.Equal(t, t0, first.Time)
				assert.Equal(t, 100.0, first.Open)
				assert.Equal(t, 105.0, first.High)
				assert.Equal(t, 98.0, first.Low)
				assert.Equal(t, 102.0, first.Close)
				assert.Equal(t, 103.0, resp.Candles[1].Close)
			},
		},
		{
			name:   "limit truncates to newest",
			query:  "/api/v1/candles/BTC-USD?limit=1",
			status: http.StatusOK,
			assert: func(t *testing.T, resp CandlesResponse) {
				require.Len(t, resp.Candles, 1)
				assert.Equal(t, t0+60_000, resp.Candles[0].Time)
			},
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := get(r, tc.query)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			if tc.assert != nil {
				var resp CandlesResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				tc.assert(t, resp)
			}
		})
	}
}

func TestGetCandlesBackfillFailureStillServes(t *testing.T) {
	r, agg, _ := setupRouter(t, &stubFetcher{err: errors.New("upstream 502")})
	agg.ProcessTick(market.Tick{Symbol: "ETH-USD", Price: 10, Volume24h: 5, Time: t0})

	rec := get(r, "/api/v1/candles/ETH-USD?interval=5m")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp CandlesResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "5m", resp.Interval)
	assert.Len(t, resp.Candles, 1)
}

func TestGetTickerAndSymbols(t *testing.T) {
	r, agg, _ := setupRouter(t, nil)

	rec := get(r, "/api/v1/ticker/BTC-USD")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	agg.ProcessTick(market.Tick{Symbol: "ETH-USD", Price: 10, Volume24h: 5, Time: t0})
	agg.ProcessTick(market.Tick{Symbol: "BTC-USD", Price: 100, Volume24h: 5, Time: t0})

	rec = get(r, "/api/v1/ticker/BTC-USD")
	require.Equal(t, http.StatusOK, rec.Code)
	var tk market.Tick
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &tk))
	assert.Equal(t, 100.0, tk.Price)

	rec = get(r, "/api/v1/symbols")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Symbols []string `json:"symbols"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, []string{"BTC-USD", "ETH-USD"}, body.Symbols)
}

func TestGetBook(t *testing.T) {
	r, _, books := setupRouter(t, nil)

	assert.Equal(t, http.StatusNotFound, get(r, "/api/v1/book/BTC-USD").Code)
	assert.Equal(t, http.StatusBadRequest, get(r, "/api/v1/book/BTC-USD?depth=-1").Code)

	books.Apply("BTC-USD", []market.Change{
		{Side: market.SideBuy, Price: 100, Size: 1},
		{Side: market.SideSell, Price: 101, Size: 1},
	}, t0)
	rec := get(r, "/api/v1/book/BTC-USD?depth=5")
	require.Equal(t, http.StatusOK, rec.Code)
	var snap market.BookSnapshot
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &snap))
	assert.Equal(t, 100.5, snap.Mid)
}

func TestHealthAndRequestID(t *testing.T) {
	r, _, _ := setupRouter(t, nil)

	rec := get(r, "/healthz")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(RequestIDHeader))
	assert.Contains(t, rec.Body.String(), `"feed":"connected"`)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	req.Header.Set(RequestIDHeader, "abc-123")
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "abc-123", rec.Header().Get(RequestIDHeader))
}

func TestReadyzDegraded(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := market.NewService(nil, nil)
	health := NewHealthHandler(func() string { return "reconnecting" }, func() bool { return false }, nil)
	r := NewRouter(NewHandler(svc, nil, nil), health, RouterConfig{}, nil, nil)

	assert.Equal(t, http.StatusServiceUnavailable, get(r, "/readyz").Code)
	assert.Equal(t, http.StatusNotFound, get(r, "/api/v1/book/BTC-USD").Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RequestID(), Recovery(nil))
	r.GET("/boom", func(*gin.Context) { panic("boom") })

	rec := get(r, "/boom")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "internal server error")
}
