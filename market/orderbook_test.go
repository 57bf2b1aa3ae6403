package market

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderBookApplyAndMid(t *testing.T) {
	ob := NewOrderBook()
	ob.ApplyDelta(map[float64]float64{100: 1, 99.5: 2}, map[float64]float64{101: 1.5, 102: 3}, 1)
	bid, ask := ob.Best()
	if bid != 100 || ask != 101 {
		t.Fatalf("unexpected best bid/ask: %f/%f", bid, ask)
	}
	if mid := ob.Mid(); mid != 100.5 {
		t.Fatalf("unexpected mid %f", mid)
	}
	// 删除一档
	ob.ApplyDelta(map[float64]float64{100: 0}, nil, 2)
	bid, _ = ob.Best()
	if bid != 99.5 {
		t.Fatalf("expected best bid 99.5 got %f", bid)
	}
}

func TestOrderBookLevelsSorted(t *testing.T) {
	ob := NewOrderBook()
	ob.ApplyDelta(map[float64]float64{99: 1, 100: 2, 98: 3}, map[float64]float64{103: 1, 101: 2, 102: 3}, 1)

	bids, asks := ob.Levels(2)
	assert.Equal(t, []Level{{100, 2}, {99, 1}}, bids)
	assert.Equal(t, []Level{{101, 2}, {102, 3}}, asks)

	bids, _ = ob.Levels(0)
	assert.Len(t, bids, 3)
}

func TestBookStoreSnapshot(t *testing.T) {
	store := NewBookStore()
	_, ok := store.Snapshot("BTC-USD", 10)
	assert.False(t, ok)

	store.Apply("BTC-USD", []Change{
		{Side: SideBuy, Price: 100, Size: 3},
		{Side: SideBuy, Price: 99, Size: 1},
		{Side: SideSell, Price: 101, Size: 1},
		{Side: "other", Price: 1, Size: 1},
	}, 1_700_000_000_000)

	snap, ok := store.Snapshot("BTC-USD", 1)
	require.True(t, ok)
	assert.Equal(t, 100.0, snap.BestBid)
	assert.Equal(t, 101.0, snap.BestAsk)
	assert.Equal(t, 100.5, snap.Mid)
	assert.Equal(t, 1.0, snap.Spread)
	assert.Equal(t, 0.5, snap.Imbalance) // (3-1)/(3+1)
	assert.Equal(t, int64(1_700_000_000_000), snap.Time)

	store.Apply("BTC-USD", []Change{{Side: SideSell, Price: 101, Size: 0}}, 1_700_000_000_500)
	snap, _ = store.Snapshot("BTC-USD", 10)
	assert.Empty(t, snap.Asks)
	assert.Zero(t, snap.Mid)

	store.Reset("BTC-USD")
	_, ok = store.Snapshot("BTC-USD", 10)
	assert.False(t, ok)
}
