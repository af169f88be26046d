// Package ladder implements the grid strategy: a symmetric set of limit
// orders placed above and below a reference mid-price at geometrically
// spaced intervals.
//
// Per-tick flow:
//
//  1. Snapshot config; do nothing unless trading and the ladder are active.
//  2. If a re-init was requested, tear down the existing ladder orders and
//     report completion once every record is terminal.
//  3. Compute the target layout from the live (or manual) mid-price.
//  4. Converge: keep rungs already resting within half a tick of target,
//     cancel stale ones (re-placement waits for the next tick), place
//     missing ones — nearest-to-mid outward, cancels before placements,
//     never crossing the opposite best quote.
//  5. Budget-check each placement against the free balance; deficient rungs
//     are closed as not-placed.
//
// Permanent rejections (below venue minimum, insufficient balance) are not
// retried until a re-init or a config change; temporary venue failures just
// skip the rung for one tick.
package ladder

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"gridbot/internal/collector"
	"gridbot/internal/exchange"
	"gridbot/internal/orderdb"
	"gridbot/internal/orderutil"
	"gridbot/pkg/types"
)

// Rung is one target price level of the ladder. Index is the signed rung
// number: negative below mid (buy), positive above (sell); zero is omitted.
type Rung struct {
	Index  int
	Side   types.Side
	Price  decimal.Decimal
	Amount decimal.Decimal
	// Skip carries the not-placed reason when the rung cannot be placed at
	// all (below venue minimum after rounding).
	Skip string
}

// ComputeLayout derives the target rung set from config, market metadata and
// the reference mid-price. Prices are floored to the quote tick, amounts to
// the base step; rungs violating venue minimums come back with Skip set.
func ComputeLayout(cfg types.LadderConfig, market types.Market, mid decimal.Decimal) []Rung {
	if cfg.CountPerSide <= 0 || mid.Sign() <= 0 {
		return nil
	}

	hundred := decimal.NewFromInt(100)
	count := decimal.NewFromInt(int64(cfg.CountPerSide))
	budget := cfg.Amount.Div(count) // per-rung budget in AmountCoin units

	var rungs []Rung
	for i := -cfg.CountPerSide; i <= cfg.CountPerSide; i++ {
		if i == 0 {
			continue
		}
		factor := decimal.NewFromInt(1).Add(cfg.StepPercent.Mul(decimal.NewFromInt(int64(i))).Div(hundred))
		price := orderutil.RoundPrice(mid.Mul(factor), market)

		side := types.Sell
		if i < 0 {
			side = types.Buy
		}

		var amount decimal.Decimal
		if cfg.AmountCoin == types.AmountBase {
			amount = budget
		} else if price.Sign() > 0 {
			// Quote-denominated budget keeps per-rung volume constant.
			amount = budget.Div(price)
		}
		amount = orderutil.RoundAmount(amount, market)

		rung := Rung{Index: i, Side: side, Price: price, Amount: amount}
		if price.Sign() <= 0 || amount.Sign() <= 0 {
			rung.Skip = "below venue minimum"
		} else if below, _ := orderutil.BelowMinimum(price, amount, market); below {
			rung.Skip = "below venue minimum"
		}
		rungs = append(rungs, rung)
	}

	// Nearest-to-mid outward, buys before sells at equal distance.
	sort.Slice(rungs, func(a, b int) bool {
		da, db := abs(rungs[a].Index), abs(rungs[b].Index)
		if da != db {
			return da < db
		}
		return rungs[a].Index < rungs[b].Index
	})
	return rungs
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// Engine drives the venue toward the target rung layout for one pair.
type Engine struct {
	adapter   exchange.Adapter
	store     *orderdb.Store
	collector *collector.Collector
	logger    *slog.Logger

	// notPlaced remembers rung indexes permanently rejected since the last
	// re-init or config change, so they are not retried every tick.
	notPlaced map[int]bool
	cfgPrint  string // fingerprint of the config the map belongs to

	offline bool // last observed market status, for log-once transitions

	now func() time.Time
}

// New creates a ladder engine over the adapter and store.
func New(adapter exchange.Adapter, store *orderdb.Store, col *collector.Collector, logger *slog.Logger) *Engine {
	return &Engine{
		adapter:   adapter,
		store:     store,
		collector: col,
		logger:    logger.With("component", "ladder"),
		notPlaced: make(map[int]bool),
		now:       time.Now,
	}
}

// fingerprint captures the layout-relevant config fields; a change resets
// the permanent-rejection memory.
func fingerprint(cfg types.LadderConfig) string {
	return fmt.Sprintf("%s|%s|%d|%s|%s|%s",
		cfg.Amount, cfg.AmountCoin, cfg.CountPerSide, cfg.StepPercent, cfg.MidPrice, cfg.MidOrigin)
}

// Tick runs one strategy pass against a config and market snapshot.
// It reports reinitDone=true when a requested re-init has fully torn down
// the previous ladder; the caller clears the flag and persists the params.
func (e *Engine) Tick(ctx context.Context, params types.TradeParams, market types.Market) (reinitDone bool, err error) {
	if !params.CoActive || !params.Ladder.Active {
		return false, nil
	}

	if market.Status != types.MarketOnline {
		if !e.offline {
			e.offline = true
			e.logger.Warn("market offline, ladder suspended", "pair", market.Pair.String())
		}
		return false, nil
	}
	if e.offline {
		e.offline = false
		e.logger.Info("market back online, ladder resumed", "pair", market.Pair.String())
	}

	if fp := fingerprint(params.Ladder); fp != e.cfgPrint {
		e.cfgPrint = fp
		e.notPlaced = make(map[int]bool)
	}

	if params.Ladder.ReinitRequested {
		return e.reinit(ctx, market.Pair)
	}

	mid, ticker, err := e.referenceMid(ctx, params.Ladder, market.Pair)
	if err != nil {
		if exchange.IsTemporary(err) {
			e.logger.Warn("ticker unavailable, skipping tick", "error", err)
			return false, nil
		}
		return false, err
	}

	freeBase, freeQuote, err := e.freeBalances(ctx, market.Pair)
	if err != nil {
		if exchange.IsTemporary(err) {
			e.logger.Warn("balances unavailable, skipping tick", "error", err)
			return false, nil
		}
		return false, err
	}

	rungs := ComputeLayout(params.Ladder, market, mid)
	e.converge(ctx, rungs, market, ticker, freeBase, freeQuote)
	return false, nil
}

// reinit tears down the current ladder. Completion requires every ladder
// record to be terminal; until then the flag stays set and placement waits.
func (e *Engine) reinit(ctx context.Context, pair types.Pair) (bool, error) {
	live := e.store.Find(orderdb.Filter{
		Pair:     pair,
		Purposes: []types.Purpose{types.PurposeLadder},
		States:   []types.LadderState{types.StatePlaced, types.StatePending},
	})
	if len(live) == 0 {
		e.notPlaced = make(map[int]bool)
		e.logger.Info("re-init complete", "pair", pair.String())
		return true, nil
	}

	report, err := e.collector.ClearLocal(ctx, []types.Purpose{types.PurposeLadder}, pair, "", nil, true)
	if err != nil {
		if exchange.IsTemporary(err) {
			e.logger.Warn("re-init teardown deferred", "error", err)
			return false, nil
		}
		return false, fmt.Errorf("re-init teardown: %w", err)
	}
	e.logger.Info("re-init teardown", "cancelled", report.Cancelled, "failed", report.Failed)

	// Placement resumes on a later tick, once the store confirms teardown.
	return false, nil
}

// referenceMid resolves the tick's mid-price. The ticker is fetched even for
// a manual mid: the crossing check needs the live best quotes.
func (e *Engine) referenceMid(ctx context.Context, cfg types.LadderConfig, pair types.Pair) (decimal.Decimal, types.Ticker, error) {
	ticker, err := e.adapter.Ticker(ctx, pair)
	if err != nil {
		return decimal.Decimal{}, types.Ticker{}, err
	}
	if cfg.MidOrigin == types.MidManual && cfg.MidPrice.Sign() > 0 {
		return cfg.MidPrice, ticker, nil
	}
	return ticker.Mid(), ticker, nil
}

func (e *Engine) freeBalances(ctx context.Context, pair types.Pair) (base, quote decimal.Decimal, err error) {
	balances, err := e.adapter.Balances(ctx, "", true)
	if err != nil {
		return decimal.Decimal{}, decimal.Decimal{}, err
	}
	for _, b := range balances {
		switch b.Code {
		case pair.Base:
			base = b.Free
		case pair.Quote:
			quote = b.Free
		}
	}
	return base, quote, nil
}

// converge drives the store+venue toward the target layout. Cancels happen
// before placements; a rung cancelled for price drift is re-placed on the
// NEXT tick, never within the same one.
func (e *Engine) converge(ctx context.Context, rungs []Rung, market types.Market, ticker types.Ticker, freeBase, freeQuote decimal.Decimal) {
	halfTick := orderutil.HalfTick(market)
	pair := market.Pair

	live := e.store.Find(orderdb.Filter{
		Pair:     pair,
		Purposes: []types.Purpose{types.PurposeLadder},
		States:   []types.LadderState{types.StatePlaced, types.StatePending},
	})
	byIndex := make(map[int]types.Order, len(live))
	for _, o := range live {
		if o.LadderIndex != nil {
			byIndex[*o.LadderIndex] = o
		}
	}

	// Pass 1: cancel rungs resting at stale prices.
	toPlace := make([]Rung, 0, len(rungs))
	for _, rung := range rungs {
		existing, ok := byIndex[rung.Index]
		if !ok {
			toPlace = append(toPlace, rung)
			continue
		}
		if existing.LadderState == types.StatePending {
			// Placement (or its garbage collection) still in flight.
			continue
		}

		drift := existing.Price.Sub(rung.Price).Abs()
		if drift.LessThanOrEqual(halfTick) && existing.Side == rung.Side && existing.Amount.Equal(rung.Amount) {
			continue // rung already converged
		}
		e.cancelStale(ctx, existing)
		// Re-placement deliberately waits for the next tick.
	}

	// Pass 2: place missing rungs, nearest-to-mid outward (rungs arrive
	// pre-sorted from ComputeLayout), spending the free balances as we go.
	for _, rung := range toPlace {
		if e.notPlaced[rung.Index] {
			continue
		}
		if rung.Skip != "" {
			e.recordNotPlaced(rung, pair, rung.Skip)
			continue
		}
		if crosses(rung, ticker) {
			e.logger.Debug("rung would cross spread, skipped", "index", rung.Index, "price", rung.Price)
			continue
		}

		if rung.Side == types.Buy {
			cost := rung.Price.Mul(rung.Amount)
			if cost.GreaterThan(freeQuote) {
				e.recordNotPlaced(rung, pair, "insufficient balance")
				continue
			}
			freeQuote = freeQuote.Sub(cost)
		} else {
			if rung.Amount.GreaterThan(freeBase) {
				e.recordNotPlaced(rung, pair, "insufficient balance")
				continue
			}
			freeBase = freeBase.Sub(rung.Amount)
		}

		e.placeRung(ctx, rung, market)
	}
}

// crosses reports whether the rung would take liquidity from the opposite
// side of the book. This strategy never issues market-crossing orders.
func crosses(rung Rung, ticker types.Ticker) bool {
	if rung.Side == types.Buy {
		return ticker.Ask.Sign() > 0 && rung.Price.GreaterThanOrEqual(ticker.Ask)
	}
	return ticker.Bid.Sign() > 0 && rung.Price.LessThanOrEqual(ticker.Bid)
}

func (e *Engine) cancelStale(ctx context.Context, o types.Order) {
	if o.VenueID == "" {
		return
	}
	ok, msg, err := e.adapter.CancelOrder(ctx, o.VenueID, o.Pair, o.Side)
	if err != nil {
		e.logger.Warn("cancel stale rung failed", "id", o.ID, "error", err)
		return
	}
	if !ok {
		e.logger.Warn("cancel stale rung refused", "id", o.ID, "message", msg)
		return
	}
	uerr := e.store.Update(o.ID, func(rec *types.Order) {
		if !rec.LadderState.Terminal() {
			rec.LadderState = types.StateCancelled
		}
	})
	if uerr != nil {
		e.logger.Error("mark stale rung cancelled failed", "id", o.ID, "error", uerr)
	}
}

// placeRung records a pending order, submits it, and resolves the record to
// placed or not-placed. A temporary venue failure leaves a fresh attempt to
// the next tick; a permanent rejection is remembered until re-init.
func (e *Engine) placeRung(ctx context.Context, rung Rung, market types.Market) {
	idx := rung.Index
	order := types.Order{
		ID:          uuid.NewString(),
		Pair:        market.Pair,
		Side:        rung.Side,
		Type:        types.OrderTypeLimit,
		Price:       rung.Price,
		Amount:      rung.Amount,
		Volume:      orderutil.Volume(rung.Price, rung.Amount, market),
		Purpose:     types.PurposeLadder,
		LadderIndex: &idx,
		LadderState: types.StatePending,
	}
	if err := e.store.Insert(order); err != nil {
		e.logger.Error("insert pending rung failed", "index", idx, "error", err)
		return
	}

	result, err := e.adapter.PlaceOrder(ctx, exchange.PlaceRequest{
		Pair:       market.Pair,
		Side:       rung.Side,
		Type:       types.OrderTypeLimit,
		Price:      rung.Price,
		BaseAmount: rung.Amount,
	})
	if err != nil {
		e.resolveFailedPlacement(order.ID, rung, err)
		return
	}
	if result.VenueID == "" {
		e.resolveFailedPlacement(order.ID, rung,
			exchange.NewError(exchange.KindUpstreamPermanent, "venue rejected order: %s", result.Message))
		return
	}

	uerr := e.store.Update(order.ID, func(rec *types.Order) {
		rec.VenueID = result.VenueID
		rec.LadderState = types.StatePlaced
	})
	if uerr != nil {
		e.logger.Error("mark rung placed failed", "id", order.ID, "error", uerr)
		return
	}
	e.logger.Info("rung placed",
		"index", idx, "side", rung.Side, "price", rung.Price, "amount", rung.Amount, "venue_id", result.VenueID)
}

func (e *Engine) resolveFailedPlacement(id string, rung Rung, cause error) {
	temporary := exchange.IsTemporary(cause)
	reason := cause.Error()
	if temporary {
		reason = "temporary venue failure"
	} else {
		e.notPlaced[rung.Index] = true
	}

	uerr := e.store.Update(id, func(rec *types.Order) {
		rec.LadderState = types.StateNotPlaced
		rec.NotPlacedReason = reason
	})
	if uerr != nil {
		e.logger.Error("mark rung not-placed failed", "id", id, "error", uerr)
	}
	e.logger.Warn("rung not placed", "index", rung.Index, "temporary", temporary, "reason", reason)
}

// recordNotPlaced persists a not-placed record for a rung that never reached
// the venue, and suppresses retries until re-init or config change.
func (e *Engine) recordNotPlaced(rung Rung, pair types.Pair, reason string) {
	e.notPlaced[rung.Index] = true
	idx := rung.Index
	order := types.Order{
		ID:              uuid.NewString(),
		Pair:            pair,
		Side:            rung.Side,
		Type:            types.OrderTypeLimit,
		Price:           rung.Price,
		Amount:          rung.Amount,
		Volume:          rung.Price.Mul(rung.Amount),
		Purpose:         types.PurposeLadder,
		LadderIndex:     &idx,
		LadderState:     types.StateNotPlaced,
		NotPlacedReason: reason,
	}
	if err := e.store.Insert(order); err != nil {
		e.logger.Error("record not-placed rung failed", "index", rung.Index, "error", err)
		return
	}
	e.logger.Info("rung not placed", "index", rung.Index, "reason", reason)
}
