package monitor

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMonitorCounters(t *testing.T) {
	m := New(DefaultConfig())

	m.RecordTickProcessed()
	m.RecordTickProcessed()
	m.RecordTickRejected()
	m.RecordCandleClosed("1m")
	m.SetFeedState(2)
	m.RecordDelivered("ticker")
	m.SetRelayClients(3)

	if got := testutil.ToFloat64(m.ticksProcessed); got != 2 {
		t.Errorf("Expected ticksProcessed to be 2, got %f", got)
	}
	if got := testutil.ToFloat64(m.ticksRejected); got != 1 {
		t.Errorf("Expected ticksRejected to be 1, got %f", got)
	}
	if got := testutil.ToFloat64(m.candlesClosed.WithLabelValues("1m")); got != 1 {
		t.Errorf("Expected candlesClosed[1m] to be 1, got %f", got)
	}
	if got := testutil.ToFloat64(m.feedState); got != 2 {
		t.Errorf("Expected feedState to be 2, got %f", got)
	}
	if got := testutil.ToFloat64(m.relayClients); got != 3 {
		t.Errorf("Expected relayClients to be 3, got %f", got)
	}
}

func TestMonitorNilSafe(t *testing.T) {
	var m *Monitor
	m.RecordTickProcessed()
	m.RecordQueueDrop()
	m.SetFeedState(1)
}

func TestMonitorHandler(t *testing.T) {
	m := New(DefaultConfig())
	m.RecordReconnect()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), "mr_marketdata_feed_reconnects_total 1") {
		t.Fatalf("metrics output missing reconnect counter:\n%s", body)
	}
}
