// Package collector implements the bulk-cancellation primitives shared by
// the clear commands and the ladder re-initialization path.
//
// All three operations follow the same policy: enumerate, cancel
// sequentially against the venue, mark local records, and report an
// {attempted, cancelled, failed} bundle with a human-readable message.
// Partial success is never rolled back.
package collector

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/shopspring/decimal"

	"gridbot/internal/exchange"
	"gridbot/internal/orderdb"
	"gridbot/pkg/types"
)

// Report summarizes one bulk-cancel run.
type Report struct {
	Attempted int
	Cancelled int
	Failed    int
	Message   string
}

// Collector cancels orders by purpose, by predicate, or wholesale.
type Collector struct {
	adapter exchange.Adapter
	store   *orderdb.Store
	logger  *slog.Logger
}

// New creates a collector over the given adapter and store.
func New(adapter exchange.Adapter, store *orderdb.Store, logger *slog.Logger) *Collector {
	return &Collector{
		adapter: adapter,
		store:   store,
		logger:  logger.With("component", "collector"),
	}
}

// PriceFilter restricts a clear to orders strictly above or below a price.
type PriceFilter struct {
	Above bool // true: price > Value; false: price < Value
	Value decimal.Decimal
}

// ClearAll cancels every venue open order for the pair (optionally one side).
// Without force, orders whose local record carries a protected purpose are
// skipped; venue orders with no local record are treated as cancellable.
func (c *Collector) ClearAll(ctx context.Context, pair types.Pair, side types.Side, force bool) (Report, error) {
	open, err := c.adapter.OpenOrders(ctx, pair)
	if err != nil {
		return Report{}, fmt.Errorf("list open orders: %w", err)
	}

	var report Report
	for _, o := range open {
		if side != "" && o.Side != side {
			continue
		}
		if !force && c.isProtected(o.VenueID) {
			continue
		}
		report.Attempted++
		c.cancelOne(ctx, o.VenueID, pair, o.Side, &report)
	}

	report.Message = fmt.Sprintf("%s: cancelled %d of %d orders", pair, report.Cancelled, report.Attempted)
	return report, nil
}

// ClearLocal cancels orders whose local records match the filter, then marks
// them cancelled. Only placed and pending orders are considered.
func (c *Collector) ClearLocal(ctx context.Context, purposes []types.Purpose, pair types.Pair, side types.Side, price *PriceFilter, force bool) (Report, error) {
	filter := orderdb.Filter{
		Pair:     pair,
		Purposes: purposes,
		States:   []types.LadderState{types.StatePlaced, types.StatePending},
		Side:     side,
	}
	if price != nil {
		if price.Above {
			filter.PriceAbove = &price.Value
		} else {
			filter.PriceBelow = &price.Value
		}
	}

	var report Report
	for _, o := range c.store.Find(filter) {
		if !force && !o.Purpose.Cancellable() {
			continue
		}
		report.Attempted++

		if o.VenueID == "" {
			// Never reached the venue; just close the record.
			if c.markCancelled(o.ID) {
				report.Cancelled++
			} else {
				report.Failed++
			}
			continue
		}
		before := report.Cancelled
		c.cancelOne(ctx, o.VenueID, pair, o.Side, &report)
		if report.Cancelled > before {
			c.markCancelled(o.ID)
		}
	}

	report.Message = fmt.Sprintf("%s: cancelled %d of %d matching orders", pair, report.Cancelled, report.Attempted)
	return report, nil
}

// ClearUnknown cancels venue orders whose venue ID is absent from the store.
func (c *Collector) ClearUnknown(ctx context.Context, pair types.Pair, side types.Side, force bool) (Report, error) {
	open, err := c.adapter.OpenOrders(ctx, pair)
	if err != nil {
		return Report{}, fmt.Errorf("list open orders: %w", err)
	}

	// Records with the unknown purpose were created by the reconciler to
	// mirror these very orders; they don't make a venue order "ours".
	known := make(map[string]bool)
	for _, o := range c.store.Find(orderdb.Filter{Pair: pair}) {
		if o.VenueID != "" && o.Purpose != types.PurposeUnknown {
			known[o.VenueID] = true
		}
	}

	var report Report
	for _, o := range open {
		if known[o.VenueID] {
			continue
		}
		if side != "" && o.Side != side {
			continue
		}
		report.Attempted++
		before := report.Cancelled
		c.cancelOne(ctx, o.VenueID, pair, o.Side, &report)
		if report.Cancelled > before {
			// Close any mirror record the reconciler created for it.
			for _, rec := range c.store.Find(orderdb.Filter{VenueID: o.VenueID, Purposes: []types.Purpose{types.PurposeUnknown}}) {
				c.markCancelled(rec.ID)
			}
		}
	}

	report.Message = fmt.Sprintf("%s: cancelled %d of %d unknown orders", pair, report.Cancelled, report.Attempted)
	return report, nil
}

// isProtected reports whether the venue order maps to a local record whose
// purpose must survive non-forced clears.
func (c *Collector) isProtected(venueID string) bool {
	matches := c.store.Find(orderdb.Filter{VenueID: venueID})
	for _, o := range matches {
		if !o.Purpose.Cancellable() {
			return true
		}
	}
	return false
}

func (c *Collector) cancelOne(ctx context.Context, venueID string, pair types.Pair, side types.Side, report *Report) {
	ok, msg, err := c.adapter.CancelOrder(ctx, venueID, pair, side)
	if err != nil {
		report.Failed++
		c.logger.Warn("cancel failed", "venue_id", venueID, "error", err)
		return
	}
	if ok {
		report.Cancelled++
	} else {
		report.Failed++
		c.logger.Warn("cancel refused", "venue_id", venueID, "message", msg)
	}
}

func (c *Collector) markCancelled(id string) bool {
	err := c.store.Update(id, func(o *types.Order) {
		if !o.LadderState.Terminal() {
			o.LadderState = types.StateCancelled
		}
	})
	if err != nil {
		c.logger.Error("mark cancelled failed", "id", id, "error", err)
		return false
	}
	return true
}
