package rates

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

func newServer(t *testing.T, rates map[string]float64) (*httptest.Server, *atomic.Int64) {
	t.Helper()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/get" {
			http.NotFound(w, r)
			return
		}
		json.NewEncoder(w).Encode(map[string]any{
			"success": true,
			"date":    time.Now().Unix(),
			"result":  rates,
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func testRates() map[string]float64 {
	return map[string]float64{
		"BTC/USD": 50000,
		"ADM/BTC": 0.000001,
		"ADM/USD": 0.05,
		"ETH/USD": 2500,
	}
}

func newOracle(t *testing.T, srv *httptest.Server) *Oracle {
	t.Helper()
	return New(Config{BaseURL: srv.URL, Freshness: time.Minute}, slog.Default())
}

func TestConvertDirect(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, testRates())
	o := newOracle(t, srv)

	conv, err := o.Convert(context.Background(), "ADM", "USD", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !conv.Amount.Equal(decimal.NewFromInt(5)) {
		t.Errorf("100 ADM = %v USD, want 5", conv.Amount)
	}
	if conv.Stale {
		t.Error("fresh conversion flagged stale")
	}
}

func TestConvertInverse(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, testRates())
	o := newOracle(t, srv)

	conv, err := o.Convert(context.Background(), "USD", "BTC", decimal.NewFromInt(50000))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !conv.Amount.Equal(decimal.NewFromInt(1)) {
		t.Errorf("50000 USD = %v BTC, want 1", conv.Amount)
	}
}

func TestConvertViaUSDPivot(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, testRates())
	o := newOracle(t, srv)

	// No ADM/ETH entry: pivot through USD. 1000 ADM = 50 USD = 0.02 ETH.
	conv, err := o.Convert(context.Background(), "ADM", "ETH", decimal.NewFromInt(1000))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !conv.Amount.Equal(decimal.RequireFromString("0.02")) {
		t.Errorf("1000 ADM = %v ETH, want 0.02", conv.Amount)
	}
	if len(conv.Path) != 2 {
		t.Errorf("path = %v, want two hops", conv.Path)
	}
}

func TestConvertSameTicker(t *testing.T) {
	t.Parallel()
	srv, hits := newServer(t, testRates())
	o := newOracle(t, srv)

	conv, err := o.Convert(context.Background(), "btc", "BTC", decimal.NewFromInt(3))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if !conv.Amount.Equal(decimal.NewFromInt(3)) {
		t.Errorf("identity conversion = %v, want 3", conv.Amount)
	}
	if hits.Load() != 0 {
		t.Error("identity conversion hit the info service")
	}
}

func TestConvertNoPath(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, testRates())
	o := newOracle(t, srv)

	if _, err := o.Convert(context.Background(), "XMR", "DOGE", decimal.NewFromInt(1)); err == nil {
		t.Error("conversion with no path succeeded")
	}
}

func TestCacheAvoidsRefetch(t *testing.T) {
	t.Parallel()
	srv, hits := newServer(t, testRates())
	o := newOracle(t, srv)

	for i := 0; i < 5; i++ {
		if _, err := o.Convert(context.Background(), "ADM", "USD", decimal.NewFromInt(1)); err != nil {
			t.Fatalf("Convert %d: %v", i, err)
		}
	}
	if got := hits.Load(); got != 1 {
		t.Errorf("info service hit %d times for 5 conversions, want 1", got)
	}
}

func TestStaleFallback(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, testRates())
	o := newOracle(t, srv)

	if err := o.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	// Service dies; cache entry expires; last good table still answers.
	srv.Close()
	o.cache.Flush()
	o.now = func() time.Time { return time.Now().Add(10 * time.Minute) }

	conv, err := o.Convert(context.Background(), "ADM", "USD", decimal.NewFromInt(100))
	if err != nil {
		t.Fatalf("Convert after outage: %v", err)
	}
	if !conv.Amount.Equal(decimal.NewFromInt(5)) {
		t.Errorf("stale conversion = %v, want 5", conv.Amount)
	}
	if !conv.Stale {
		t.Error("conversion from an expired table not flagged stale")
	}
}

func TestUSDValueSwallowsFailure(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, testRates())
	o := newOracle(t, srv)

	if got := o.USDValue(context.Background(), "XMR", decimal.NewFromInt(1)); !got.IsZero() {
		t.Errorf("USDValue(unpriceable) = %v, want 0", got)
	}
	if got := o.USDValue(context.Background(), "ADM", decimal.NewFromInt(100)); !got.Equal(decimal.NewFromInt(5)) {
		t.Errorf("USDValue(100 ADM) = %v, want 5", got)
	}
}

func TestHasTickerAndIsFiat(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, testRates())
	o := newOracle(t, srv)

	if !o.HasTicker(context.Background(), "adm") {
		t.Error("HasTicker(adm) = false")
	}
	if o.HasTicker(context.Background(), "XMR") {
		t.Error("HasTicker(XMR) = true")
	}
	if !IsFiat("usd") || IsFiat("BTC") {
		t.Error("IsFiat misclassified")
	}
	// Fiat counts as known even without a table entry for it.
	if !o.HasTicker(context.Background(), "EUR") {
		t.Error("HasTicker(EUR) = false")
	}
}

func TestFiatRounding(t *testing.T) {
	t.Parallel()
	srv, _ := newServer(t, map[string]float64{"ADM/USD": 0.0333333})
	o := newOracle(t, srv)

	conv, err := o.Convert(context.Background(), "ADM", "USD", decimal.NewFromInt(1))
	if err != nil {
		t.Fatalf("Convert: %v", err)
	}
	if conv.Amount.Exponent() < -2 {
		t.Errorf("fiat amount %v has more than 2 decimals", conv.Amount)
	}
}
