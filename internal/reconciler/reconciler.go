// Package reconciler keeps the order store consistent with the venue.
//
// One pass per reconciliation tick:
//
//  1. List the venue's open orders for the pair (V) and the store's placed
//     orders (L).
//  2. Local orders missing from the venue (L \ V) are queried individually
//     and classified filled / cancelled / unknown.
//  3. Venue orders missing locally (V \ L) are recorded with the unknown
//     purpose and surfaced in stats; they are never cancelled here.
//  4. Orders on both sides get their fill progress refreshed.
//
// Plus garbage collection: pending records that never received a venue ID
// within the grace period are closed as not-placed ("placement lost").
//
// The pass is deliberately conservative: a temporary upstream failure skips
// the whole tick, and a single "unknown" answer for a local order is not
// trusted — only two consecutive unknowns at least one tick apart mark it
// cancelled.
package reconciler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"gridbot/internal/exchange"
	"gridbot/internal/orderdb"
	"gridbot/pkg/types"
)

// DefaultPendingGrace is how long a pending order may sit without a venue ID
// before it is garbage-collected to not-placed.
const DefaultPendingGrace = 60 * time.Second

// Reconciler runs reconciliation passes for a single pair.
type Reconciler struct {
	adapter exchange.Adapter
	store   *orderdb.Store
	pair    types.Pair
	grace   time.Duration
	logger  *slog.Logger

	// unknownSeen tracks local orders that answered "unknown" once, keyed by
	// order ID, with the time of that answer. A second unknown at least one
	// tick later confirms the cancellation.
	unknownSeen map[string]time.Time

	now func() time.Time
}

// New creates a reconciler for the pair. grace <= 0 selects the default.
func New(adapter exchange.Adapter, store *orderdb.Store, pair types.Pair, grace time.Duration, logger *slog.Logger) *Reconciler {
	if grace <= 0 {
		grace = DefaultPendingGrace
	}
	return &Reconciler{
		adapter:     adapter,
		store:       store,
		pair:        pair,
		grace:       grace,
		logger:      logger.With("component", "reconciler", "pair", pair.String()),
		unknownSeen: make(map[string]time.Time),
		now:         time.Now,
	}
}

// Pass executes one reconciliation pass. A temporary upstream failure on the
// open-orders listing aborts the pass without touching any record.
func (r *Reconciler) Pass(ctx context.Context) error {
	r.gcPending()

	open, err := r.adapter.OpenOrders(ctx, r.pair)
	if err != nil {
		if exchange.IsTemporary(err) {
			r.logger.Warn("open orders unavailable, skipping pass", "error", err)
			return nil
		}
		return fmt.Errorf("list open orders: %w", err)
	}

	venue := make(map[string]types.OpenOrder, len(open))
	for _, o := range open {
		venue[o.VenueID] = o
	}

	local := r.store.Find(orderdb.Filter{
		Pair:   r.pair,
		States: []types.LadderState{types.StatePlaced},
	})
	localIDs := make(map[string]bool, len(local))
	for _, o := range local {
		if o.VenueID != "" {
			localIDs[o.VenueID] = true
		}
	}

	// L \ V: local placed orders the venue no longer lists.
	for _, o := range local {
		if o.VenueID == "" {
			continue
		}
		if vo, ok := venue[o.VenueID]; ok {
			r.refreshFill(o, vo)
			continue
		}
		r.classifyMissing(ctx, o)
	}

	// V \ L: venue orders with no local record.
	for id, vo := range venue {
		if localIDs[id] {
			continue
		}
		r.recordUnknown(vo)
	}

	return nil
}

// gcPending closes pending records that never got a venue ID in time.
func (r *Reconciler) gcPending() {
	pending := r.store.Find(orderdb.Filter{
		Pair:   r.pair,
		States: []types.LadderState{types.StatePending},
	})
	cutoff := r.now().Add(-r.grace)
	for _, o := range pending {
		if o.VenueID != "" || o.CreatedAt.After(cutoff) {
			continue
		}
		id := o.ID
		err := r.store.Update(id, func(rec *types.Order) {
			rec.LadderState = types.StateNotPlaced
			rec.NotPlacedReason = "placement lost"
		})
		if err != nil {
			r.logger.Error("gc pending failed", "id", id, "error", err)
			continue
		}
		r.logger.Info("pending order garbage-collected", "id", id)
	}
}

// refreshFill updates partial-fill progress for an order listed on both sides.
// Appearing in the listing proves the order is alive, so any earlier unknown
// answer is forgotten — the two-unknowns rule counts consecutive misses only.
func (r *Reconciler) refreshFill(local types.Order, vo types.OpenOrder) {
	delete(r.unknownSeen, local.ID)

	if vo.Filled.Equal(local.AmountExecuted) {
		return
	}
	err := r.store.Update(local.ID, func(rec *types.Order) {
		rec.AmountExecuted = vo.Filled
		rec.VolumeExecuted = vo.Filled.Mul(rec.Price)
	})
	if err != nil {
		r.logger.Error("refresh fill failed", "id", local.ID, "error", err)
	}
}

// classifyMissing resolves a local placed order the venue stopped listing.
func (r *Reconciler) classifyMissing(ctx context.Context, o types.Order) {
	info, err := r.adapter.GetOrder(ctx, o.VenueID, r.pair)
	if err != nil {
		if exchange.IsTemporary(err) {
			r.logger.Warn("get order unavailable", "venue_id", o.VenueID)
			return
		}
		r.logger.Error("get order failed", "venue_id", o.VenueID, "error", err)
		return
	}

	switch info.Status {
	case types.OrderFilled:
		r.transition(o.ID, types.StateFilled, info)
	case types.OrderCancelled:
		r.transition(o.ID, types.StateCancelled, info)
	case types.OrderNew, types.OrderPartFilled:
		// Listing raced the placement; it is still alive.
		delete(r.unknownSeen, o.ID)
	case types.OrderUnknown:
		r.handleUnknownAnswer(o, info)
	}
}

// handleUnknownAnswer applies the two-consecutive-unknowns rule.
func (r *Reconciler) handleUnknownAnswer(o types.Order, info types.OrderInfo) {
	now := r.now()
	first, seen := r.unknownSeen[o.ID]
	if !seen || !now.After(first) {
		r.unknownSeen[o.ID] = now
		r.logger.Warn("order unknown to venue, awaiting confirmation", "id", o.ID, "venue_id", o.VenueID)
		return
	}
	r.transition(o.ID, types.StateCancelled, info)
	r.logger.Warn("order confirmed gone, marked cancelled", "id", o.ID, "venue_id", o.VenueID)
}

func (r *Reconciler) transition(id string, state types.LadderState, info types.OrderInfo) {
	err := r.store.Update(id, func(rec *types.Order) {
		if rec.LadderState.Terminal() {
			return
		}
		rec.LadderState = state
		if info.FilledBase.Sign() > 0 {
			rec.AmountExecuted = info.FilledBase
		}
		if info.FilledQuote.Sign() > 0 {
			rec.VolumeExecuted = info.FilledQuote
		}
	})
	if err != nil {
		r.logger.Error("state transition failed", "id", id, "state", state, "error", err)
		return
	}
	delete(r.unknownSeen, id)
	r.logger.Info("order reconciled", "id", id, "state", state)
}

// recordUnknown mirrors a venue order that has no local record, so stats can
// surface it. Cancellation is the user's call (/clear unk), never automatic.
func (r *Reconciler) recordUnknown(vo types.OpenOrder) {
	existing := r.store.Find(orderdb.Filter{
		VenueID:  vo.VenueID,
		Purposes: []types.Purpose{types.PurposeUnknown},
	})
	if len(existing) > 0 {
		return
	}

	order := types.Order{
		ID:          uuid.NewString(),
		VenueID:     vo.VenueID,
		Pair:        vo.Pair,
		Side:        vo.Side,
		Type:        types.OrderTypeLimit,
		Price:       vo.Price,
		Amount:      vo.Amount,
		Volume:      vo.Price.Mul(vo.Amount),
		Purpose:     types.PurposeUnknown,
		LadderState: types.StatePlaced,
	}
	if err := r.store.Insert(order); err != nil {
		r.logger.Error("record unknown order failed", "venue_id", vo.VenueID, "error", err)
		return
	}
	r.logger.Warn("unknown order on venue", "venue_id", vo.VenueID, "side", vo.Side, "price", vo.Price)
}

// UnknownCount returns how many unknown-purpose orders are currently
// mirrored as placed, for stats output.
func (r *Reconciler) UnknownCount() int {
	return len(r.store.Find(orderdb.Filter{
		Pair:     r.pair,
		Purposes: []types.Purpose{types.PurposeUnknown},
		States:   []types.LadderState{types.StatePlaced},
	}))
}
