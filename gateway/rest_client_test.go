package gateway

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"market-relay-go/market"
)

func TestCandleClientFetch(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/products/BTC-USD/candles" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		if r.URL.Query().Get("granularity") != "60" {
			t.Errorf("unexpected granularity %s", r.URL.RawQuery)
		}
		io.WriteString(w, `[[180,1,3,2,2.5,10],[120,1,2,1.5,1.8,5],[60,0.5,1,0.8,0.9,7]]`)
	}))
	defer ts.Close()

	cli := &CandleClient{BaseURL: ts.URL, HTTPClient: ts.Client(), Limiter: NewTokenBucketLimiter(100, 10)}
	got, err := cli.FetchCandles(context.Background(), "BTC-USD", market.Interval1m, 2)
	if err != nil {
		t.Fatalf("fetch err: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 candles, got %d", len(got))
	}
	if got[0].Time != 120_000 || got[1].Time != 180_000 {
		t.Fatalf("unexpected order %+v", got)
	}
	if c := got[1]; c.Open != 2 || c.High != 3 || c.Low != 1 || c.Close != 2.5 || c.Volume != 10 {
		t.Fatalf("unexpected candle %+v", c)
	}
}

func TestCandleClientUnsupportedGranularity(t *testing.T) {
	cli := NewCandleClient("http://127.0.0.1:1", nil)
	if _, err := cli.FetchCandles(context.Background(), "BTC-USD", market.Interval45m, 10); !errors.Is(err, ErrUnsupportedGranularity) {
		t.Fatalf("expected ErrUnsupportedGranularity, got %v", err)
	}
}

func TestCandleClientStatusError(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer ts.Close()
	cli := &CandleClient{BaseURL: ts.URL, HTTPClient: ts.Client()}
	if _, err := cli.FetchCandles(context.Background(), "BTC-USD", market.Interval5m, 10); err == nil {
		t.Fatalf("expected status error")
	}
}
