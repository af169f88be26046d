package ladder

import (
	"context"
	"log/slog"
	"testing"

	"github.com/shopspring/decimal"

	"gridbot/internal/collector"
	"gridbot/internal/exchange"
	"gridbot/internal/exchange/exchangetest"
	"gridbot/internal/orderdb"
	"gridbot/pkg/types"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func baseConfig() types.LadderConfig {
	return types.LadderConfig{
		Amount:       decimal.NewFromInt(100),
		AmountCoin:   types.AmountBase,
		CountPerSide: 2,
		StepPercent:  decimal.NewFromInt(1),
		MidOrigin:    types.MidCalculated,
		Active:       true,
	}
}

func TestComputeLayoutGeometry(t *testing.T) {
	t.Parallel()
	market := exchangetest.DefaultMarket()
	rungs := ComputeLayout(baseConfig(), market, decimal.NewFromInt(1))

	if len(rungs) != 4 {
		t.Fatalf("rung count = %d, want 4 (no rung at index 0)", len(rungs))
	}

	// Sorted nearest-to-mid outward, buy before sell at equal distance.
	wantIdx := []int{-1, 1, -2, 2}
	wantPrice := []string{"0.99", "1.01", "0.98", "1.02"}
	for i, rung := range rungs {
		if rung.Index != wantIdx[i] {
			t.Errorf("rung[%d].Index = %d, want %d", i, rung.Index, wantIdx[i])
		}
		if !rung.Price.Equal(dec(wantPrice[i])) {
			t.Errorf("rung[%d].Price = %v, want %s", i, rung.Price, wantPrice[i])
		}
		if !rung.Amount.Equal(decimal.NewFromInt(50)) {
			t.Errorf("rung[%d].Amount = %v, want 50", i, rung.Amount)
		}
		wantSide := types.Sell
		if rung.Index < 0 {
			wantSide = types.Buy
		}
		if rung.Side != wantSide {
			t.Errorf("rung[%d].Side = %v, want %v", i, rung.Side, wantSide)
		}
	}
}

func TestComputeLayoutQuoteBudget(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.AmountCoin = types.AmountQuote
	cfg.CountPerSide = 1
	cfg.Amount = decimal.NewFromInt(99) // 99 USDT per side, one rung
	market := exchangetest.DefaultMarket()

	rungs := ComputeLayout(cfg, market, decimal.NewFromInt(1))
	if len(rungs) != 2 {
		t.Fatalf("rung count = %d, want 2", len(rungs))
	}
	// Buy at 0.99: amount = 99 / 0.99 = 100 base.
	if rungs[0].Index != -1 || !rungs[0].Amount.Equal(decimal.NewFromInt(100)) {
		t.Errorf("buy rung = %+v, want amount 100", rungs[0])
	}
}

func TestComputeLayoutFlagsBelowMinimum(t *testing.T) {
	t.Parallel()
	cfg := baseConfig()
	cfg.Amount = dec("0.5") // 0.25 base per rung, under the 1 ADM minimum
	market := exchangetest.DefaultMarket()

	for _, rung := range ComputeLayout(cfg, market, decimal.NewFromInt(1)) {
		if rung.Skip == "" {
			t.Errorf("rung %d not flagged despite sub-minimum amount", rung.Index)
		}
	}
}

func newFixture(t *testing.T) (*exchangetest.Mock, *orderdb.Store, *Engine) {
	t.Helper()
	mock := exchangetest.New(exchangetest.DefaultMarket())
	store, err := orderdb.Open(t.TempDir())
	if err != nil {
		t.Fatalf("orderdb.Open: %v", err)
	}
	col := collector.New(mock, store, slog.Default())
	return mock, store, New(mock, store, col, slog.Default())
}

func activeParams() types.TradeParams {
	return types.TradeParams{
		Pair:       exchangetest.DefaultMarket().Pair,
		CoActive:   true,
		CoStrategy: "ladder",
		Ladder:     baseConfig(),
	}
}

func fund(mock *exchangetest.Mock) {
	mock.SetTicker("0.9999", "1.0001")
	mock.SetBalance("ADM", "1000")
	mock.SetBalance("USDT", "1000")
}

func TestTickInactiveDoesNothing(t *testing.T) {
	t.Parallel()
	mock, _, eng := newFixture(t)
	fund(mock)

	params := activeParams()
	params.CoActive = false
	if _, err := eng.Tick(context.Background(), params, exchangetest.DefaultMarket()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if mock.Calls["Ticker"] != 0 || mock.Calls["PlaceOrder"] != 0 {
		t.Error("inactive tick touched the venue")
	}
}

func TestTickOfflineMarketSuspends(t *testing.T) {
	t.Parallel()
	mock, _, eng := newFixture(t)
	fund(mock)

	market := exchangetest.DefaultMarket()
	market.Status = types.MarketOffline
	if _, err := eng.Tick(context.Background(), activeParams(), market); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if mock.Calls["PlaceOrder"] != 0 {
		t.Error("offline tick placed orders")
	}
}

func TestTickPlacesFullLadder(t *testing.T) {
	t.Parallel()
	mock, store, eng := newFixture(t)
	fund(mock)

	if _, err := eng.Tick(context.Background(), activeParams(), exchangetest.DefaultMarket()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	if mock.OpenCount() != 4 {
		t.Fatalf("open orders = %d, want 4", mock.OpenCount())
	}
	placed := store.Find(orderdb.Filter{
		Purposes: []types.Purpose{types.PurposeLadder},
		States:   []types.LadderState{types.StatePlaced},
	})
	if len(placed) != 4 {
		t.Fatalf("placed records = %d, want 4", len(placed))
	}
	for _, o := range placed {
		if o.VenueID == "" {
			t.Errorf("placed record %s has no venue id", o.ID)
		}
		if o.LadderIndex == nil {
			t.Errorf("placed record %s has no rung index", o.ID)
		}
	}

	// A converged ladder is stable: the next tick changes nothing.
	if _, err := eng.Tick(context.Background(), activeParams(), exchangetest.DefaultMarket()); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if mock.OpenCount() != 4 {
		t.Errorf("open orders after stable tick = %d, want 4", mock.OpenCount())
	}
	if mock.Calls["CancelOrder"] != 0 {
		t.Errorf("stable tick cancelled %d orders", mock.Calls["CancelOrder"])
	}
}

func TestDriftCancelsThisTickPlacesNext(t *testing.T) {
	t.Parallel()
	mock, store, eng := newFixture(t)
	fund(mock)

	if _, err := eng.Tick(context.Background(), activeParams(), exchangetest.DefaultMarket()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	// Nudge one resting rung past the half-tick hysteresis threshold.
	placed := store.Find(orderdb.Filter{States: []types.LadderState{types.StatePlaced}})
	victim := placed[0]
	if err := store.Update(victim.ID, func(o *types.Order) { o.Price = o.Price.Add(dec("0.001")) }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := eng.Tick(context.Background(), activeParams(), exchangetest.DefaultMarket()); err != nil {
		t.Fatalf("drift Tick: %v", err)
	}
	if mock.OpenCount() != 3 {
		t.Fatalf("open orders after drift tick = %d, want 3 (cancel now, re-place later)", mock.OpenCount())
	}
	if o, _ := store.Get(victim.ID); o.LadderState != types.StateCancelled {
		t.Errorf("drifted rung state = %v, want cancelled", o.LadderState)
	}

	if _, err := eng.Tick(context.Background(), activeParams(), exchangetest.DefaultMarket()); err != nil {
		t.Fatalf("re-place Tick: %v", err)
	}
	if mock.OpenCount() != 4 {
		t.Errorf("open orders after re-place tick = %d, want 4", mock.OpenCount())
	}
}

func TestWithinHalfTickLeftAlone(t *testing.T) {
	t.Parallel()
	mock, store, eng := newFixture(t)
	fund(mock)

	if _, err := eng.Tick(context.Background(), activeParams(), exchangetest.DefaultMarket()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	placed := store.Find(orderdb.Filter{States: []types.LadderState{types.StatePlaced}})
	victim := placed[0]
	// Well inside the half-tick (0.00005) band.
	if err := store.Update(victim.ID, func(o *types.Order) { o.Price = o.Price.Add(dec("0.00002")) }); err != nil {
		t.Fatalf("Update: %v", err)
	}

	if _, err := eng.Tick(context.Background(), activeParams(), exchangetest.DefaultMarket()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	if mock.Calls["CancelOrder"] != 0 {
		t.Error("rung within the hysteresis band was cancelled")
	}
}

func TestInsufficientBalanceNotRetried(t *testing.T) {
	t.Parallel()
	mock, store, eng := newFixture(t)
	mock.SetTicker("0.9999", "1.0001")
	mock.SetBalance("ADM", "1000")
	mock.SetBalance("USDT", "10") // buys need ~98.5

	if _, err := eng.Tick(context.Background(), activeParams(), exchangetest.DefaultMarket()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	notPlaced := store.Find(orderdb.Filter{States: []types.LadderState{types.StateNotPlaced}})
	if len(notPlaced) != 2 {
		t.Fatalf("not-placed records = %d, want the 2 buy rungs", len(notPlaced))
	}
	for _, o := range notPlaced {
		if o.NotPlacedReason != "insufficient balance" {
			t.Errorf("reason = %q, want insufficient balance", o.NotPlacedReason)
		}
	}

	// Even with balance restored, rejected rungs stay down until re-init.
	mock.SetBalance("USDT", "1000")
	if _, err := eng.Tick(context.Background(), activeParams(), exchangetest.DefaultMarket()); err != nil {
		t.Fatalf("second Tick: %v", err)
	}
	if mock.OpenCount() != 2 {
		t.Errorf("open orders = %d, want still just the 2 sells", mock.OpenCount())
	}
}

func TestTemporaryPlacementFailureRetried(t *testing.T) {
	t.Parallel()
	mock, store, eng := newFixture(t)
	fund(mock)
	mock.Errs["PlaceOrder"] = exchange.NewError(exchange.KindUpstreamTemporary, "venue busy")

	if _, err := eng.Tick(context.Background(), activeParams(), exchangetest.DefaultMarket()); err != nil {
		t.Fatalf("Tick: %v", err)
	}
	notPlaced := store.Find(orderdb.Filter{States: []types.LadderState{types.StateNotPlaced}})
	if len(notPlaced) != 4 {
		t.Fatalf("not-placed records = %d, want 4", len(notPlaced))
	}
	for _, o := range notPlaced {
		if o.NotPlacedReason != "temporary venue failure" {
			t.Errorf("reason = %q, want temporary venue failure", o.NotPlacedReason)
		}
	}

	// Recovery: the next tick mints fresh attempts for every rung.
	delete(mock.Errs, "PlaceOrder")
	if _, err := eng.Tick(context.Background(), activeParams(), exchangetest.DefaultMarket()); err != nil {
		t.Fatalf("recovery Tick: %v", err)
	}
	if mock.OpenCount() != 4 {
		t.Errorf("open orders after recovery = %d, want 4", mock.OpenCount())
	}
}

func TestReinitTearsDownThenReports(t *testing.T) {
	t.Parallel()
	mock, _, eng := newFixture(t)
	fund(mock)

	params := activeParams()
	if _, err := eng.Tick(context.Background(), params, exchangetest.DefaultMarket()); err != nil {
		t.Fatalf("build Tick: %v", err)
	}
	if mock.OpenCount() != 4 {
		t.Fatalf("open orders = %d, want 4", mock.OpenCount())
	}

	params.Ladder.ReinitRequested = true
	done, err := eng.Tick(context.Background(), params, exchangetest.DefaultMarket())
	if err != nil {
		t.Fatalf("teardown Tick: %v", err)
	}
	if done {
		t.Error("reinit reported done on the teardown tick")
	}
	if mock.OpenCount() != 0 {
		t.Errorf("open orders after teardown = %d, want 0", mock.OpenCount())
	}

	done, err = eng.Tick(context.Background(), params, exchangetest.DefaultMarket())
	if err != nil {
		t.Fatalf("confirm Tick: %v", err)
	}
	if !done {
		t.Error("reinit not reported done once every record is terminal")
	}
}

func TestManualMidSkipsCrossingRungs(t *testing.T) {
	t.Parallel()
	mock, store, eng := newFixture(t)
	mock.SetTicker("1.0000", "1.0010")
	mock.SetBalance("ADM", "1000")
	mock.SetBalance("USDT", "1000")

	params := activeParams()
	params.Ladder.CountPerSide = 1
	params.Ladder.MidOrigin = types.MidManual
	params.Ladder.MidPrice = dec("1.05")

	if _, err := eng.Tick(context.Background(), params, exchangetest.DefaultMarket()); err != nil {
		t.Fatalf("Tick: %v", err)
	}

	// Buy rung at 1.0395 would cross the 1.0010 ask: skipped, not recorded.
	if mock.OpenCount() != 1 {
		t.Errorf("open orders = %d, want only the sell rung", mock.OpenCount())
	}
	if n := len(store.Find(orderdb.Filter{States: []types.LadderState{types.StateNotPlaced}})); n != 0 {
		t.Errorf("crossing rung produced %d not-placed records, want 0 (retry next tick)", n)
	}
}
