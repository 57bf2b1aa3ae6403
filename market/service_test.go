package market

import (
	"context"
	"errors"
	"testing"
	"time"
)

type stubFetcher struct {
	calls   int
	candles []Candle
	err     error
}

func (f *stubFetcher) FetchCandles(ctx context.Context, symbol string, iv Interval, limit int) ([]Candle, error) {
	f.calls++
	return f.candles, f.err
}

func TestServiceBackfillOnMiss(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{Intervals: []Interval{Interval1m}})
	agg.ProcessTick(Tick{Symbol: "BTC-USD", Price: 100, Volume24h: 1, Time: 5*minute + 1})
	f := &stubFetcher{candles: []Candle{{Time: 3 * minute}, {Time: 4 * minute}}}
	svc := NewService(agg, f)

	got, err := svc.Candles(context.Background(), "BTC-USD", Interval1m, 10)
	if err != nil {
		t.Fatalf("unexpected err %v", err)
	}
	if len(got) != 3 || got[0].Time != 3*minute || got[2].Time != 5*minute {
		t.Fatalf("unexpected candles %+v", got)
	}

	// 已有历史，不再回补
	if _, err := svc.Candles(context.Background(), "BTC-USD", Interval1m, 10); err != nil {
		t.Fatalf("unexpected err %v", err)
	}
	if f.calls != 1 {
		t.Fatalf("expected a single fetch, got %d", f.calls)
	}
}

func TestServiceSeedBeforeFirstTick(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{Intervals: []Interval{Interval1m}})
	now := time.UnixMilli(20*minute + 30_000)
	f := &stubFetcher{candles: []Candle{
		{Time: 19 * minute, Open: 1, High: 2, Low: 1, Close: 2},
		{Time: 20 * minute, Open: 2, High: 3, Low: 2, Close: 3, Trades: 4}, // 交易所未收盘的当前桶
		{Time: 21 * minute, Open: 3, High: 3, Low: 3, Close: 3},           // 时钟偏差导致的未来桶
	}}
	svc := NewService(agg, f)
	svc.now = func() time.Time { return now }

	got, err := svc.Candles(context.Background(), "BTC-USD", Interval1m, 10)
	if err != nil {
		t.Fatalf("unexpected err %v", err)
	}
	if len(got) != 2 || got[1].Time != 20*minute {
		t.Fatalf("unexpected seeded candles %+v", got)
	}

	agg.ProcessTick(Tick{Symbol: "BTC-USD", Price: 4, Volume24h: 10, Time: 20*minute + 35_000})
	got = agg.GetCandles("BTC-USD", Interval1m, 0)
	if len(got) != 2 {
		t.Fatalf("expected one candle per bucket, got %+v", got)
	}
	for i := 1; i < len(got); i++ {
		if got[i-1].Time >= got[i].Time {
			t.Fatalf("candles out of order %+v", got)
		}
	}
	cur, ok := agg.GetCurrentCandle("BTC-USD", Interval1m)
	if !ok || cur.Time != 20*minute || cur.High != 4 || cur.Open != 2 || cur.Trades != 5 {
		t.Fatalf("expected seeded bucket to continue, got %+v", cur)
	}
}

func TestServiceBackfillFailureKeepsMemoryView(t *testing.T) {
	agg := NewAggregator(AggregatorConfig{Intervals: []Interval{Interval1m}})
	agg.ProcessTick(Tick{Symbol: "BTC-USD", Price: 100, Volume24h: 1, Time: 1})
	f := &stubFetcher{err: errors.New("boom")}
	svc := NewService(agg, f)

	got, err := svc.Candles(context.Background(), "BTC-USD", Interval1m, 10)
	if err == nil {
		t.Fatalf("expected backfill error")
	}
	if len(got) != 1 {
		t.Fatalf("expected in-memory candle, got %+v", got)
	}
	// 冷却期内不会重复请求
	_, _ = svc.Candles(context.Background(), "BTC-USD", Interval1m, 10)
	if f.calls != 1 {
		t.Fatalf("expected cooldown to suppress refetch, got %d calls", f.calls)
	}
}

func TestServiceWithoutFetcher(t *testing.T) {
	svc := NewService(nil, nil)
	got, err := svc.Candles(context.Background(), "NOPE", Interval1m, 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected empty result, got %+v %v", got, err)
	}
	if _, ok := svc.Ticker("NOPE"); ok {
		t.Fatalf("expected no ticker")
	}
}

func TestServiceStaleness(t *testing.T) {
	svc := NewService(nil, nil)
	if st := svc.Staleness("BTC-USD"); st < time.Hour {
		t.Fatalf("expected large staleness without data, got %s", st)
	}
	now := time.Now()
	svc.Aggregator().ProcessTick(Tick{Symbol: "BTC-USD", Price: 1, Volume24h: 1, Time: now.Add(-2 * time.Second).UnixMilli()})
	svc.now = func() time.Time { return now }
	if st := svc.Staleness("BTC-USD"); st < time.Second || st > 3*time.Second {
		t.Fatalf("unexpected staleness %s", st)
	}
	if syms := svc.Symbols(); len(syms) != 1 || syms[0] != "BTC-USD" {
		t.Fatalf("unexpected symbols %v", syms)
	}
}
