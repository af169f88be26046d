// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot — pairs, markets, orders,
// balances, tickers and depth snapshots. It has no dependencies on internal
// packages, so it can be imported by any layer. All monetary values are
// decimals; floats never carry money.
package types

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ————————————————————————————————————————————————————————————————————————
// Core enums
// ————————————————————————————————————————————————————————————————————————

// Side represents the direction of an order.
type Side string

const (
	Buy  Side = "buy"
	Sell Side = "sell"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Buy {
		return Sell
	}
	return Buy
}

// Valid reports whether s is one of the two known sides.
func (s Side) Valid() bool { return s == Buy || s == Sell }

// OrderType enumerates supported order execution styles.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// Purpose records why the engine placed (or discovered) an order.
// The set is closed: "unknown" is a first-class variant for venue orders
// with no matching local record, not a sentinel string.
type Purpose string

const (
	PurposeLadder       Purpose = "ladder"
	PurposeManual       Purpose = "manual"
	PurposeFundSupplier Purpose = "fund-supplier"
	PurposeUnknown      Purpose = "unknown"
)

// AllPurposes lists every recognized purpose, for parsing and stats grouping.
var AllPurposes = []Purpose{PurposeLadder, PurposeManual, PurposeFundSupplier, PurposeUnknown}

// ParsePurpose resolves a command token to a purpose.
func ParsePurpose(s string) (Purpose, bool) {
	for _, p := range AllPurposes {
		if string(p) == strings.ToLower(s) {
			return p, true
		}
	}
	return "", false
}

// Cancellable reports whether non-forced bulk clears may touch this purpose.
// Fund-supplier orders refill the trading balance and are protected.
func (p Purpose) Cancellable() bool { return p != PurposeFundSupplier }

// LadderState is the lifecycle state of an order record.
// Terminal states (filled, cancelled, not-placed) are never revived;
// re-placement mints a new order ID.
type LadderState string

const (
	StatePending   LadderState = "pending"
	StatePlaced    LadderState = "placed"
	StateFilled    LadderState = "filled"
	StateCancelled LadderState = "cancelled"
	StateNotPlaced LadderState = "not-placed"
)

// Terminal reports whether the state admits no further transitions.
func (s LadderState) Terminal() bool {
	return s == StateFilled || s == StateCancelled || s == StateNotPlaced
}

// MarketStatus is the venue's trading status for a pair.
type MarketStatus string

const (
	MarketOnline  MarketStatus = "online"
	MarketOffline MarketStatus = "offline"
)

// MidOrigin records where the ladder's reference mid-price comes from.
type MidOrigin string

const (
	MidManual     MidOrigin = "manual"
	MidCalculated MidOrigin = "calculated"
)

// AmountCoin selects which leg of the pair the ladder budget is denominated in.
type AmountCoin string

const (
	AmountBase  AmountCoin = "base"
	AmountQuote AmountCoin = "quote"
)

// ————————————————————————————————————————————————————————————————————————
// Pairs and markets
// ————————————————————————————————————————————————————————————————————————

// Pair is an ordered (base, quote) symbol pair, e.g. ADM/USDT.
type Pair struct {
	Base  string `json:"base"`
	Quote string `json:"quote"`
}

// ParsePair parses "BASE/QUOTE", case-folding to upper.
func ParsePair(s string) (Pair, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(s)), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Pair{}, fmt.Errorf("invalid pair %q, want BASE/QUOTE", s)
	}
	return Pair{Base: parts[0], Quote: parts[1]}, nil
}

func (p Pair) String() string { return p.Base + "/" + p.Quote }

// IsZero reports whether the pair is unset.
func (p Pair) IsZero() bool { return p.Base == "" && p.Quote == "" }

// Market describes one tradeable pair as reported by the venue.
// Immutable for the engine's lifetime after initialization.
type Market struct {
	Pair           Pair            `json:"pair"`
	BaseDecimals   int32           `json:"base_decimals"`
	QuoteDecimals  int32           `json:"quote_decimals"`
	BaseStep       decimal.Decimal `json:"base_step"`  // minimum amount increment
	QuoteTick      decimal.Decimal `json:"quote_tick"` // minimum price increment
	MinBaseAmount  decimal.Decimal `json:"min_base_amount"`
	MinQuoteAmount decimal.Decimal `json:"min_quote_amount"`
	Status         MarketStatus    `json:"status"`
}

// ————————————————————————————————————————————————————————————————————————
// Orders
// ————————————————————————————————————————————————————————————————————————

// Order is the persistent record of every order the engine has ever touched.
//
// ID is engine-assigned (uuid), unique and stable. VenueID is the
// exchange-assigned identifier and stays empty while placement is pending or
// after it failed. Volume is always price·amount rounded to pair precision.
type Order struct {
	ID      string    `json:"id"`
	VenueID string    `json:"venue_id,omitempty"`
	Pair    Pair      `json:"pair"`
	Side    Side      `json:"side"`
	Type    OrderType `json:"type"`

	Price  decimal.Decimal `json:"price"`  // quote per base
	Amount decimal.Decimal `json:"amount"` // base
	Volume decimal.Decimal `json:"volume"` // quote

	AmountExecuted decimal.Decimal `json:"amount_executed"`
	VolumeExecuted decimal.Decimal `json:"volume_executed"`

	Purpose         Purpose     `json:"purpose"`
	LadderIndex     *int        `json:"ladder_index,omitempty"` // signed rung number, nil for non-ladder orders
	LadderState     LadderState `json:"ladder_state"`
	NotPlacedReason string      `json:"not_placed_reason,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	// Seq orders records within a single run; wall clocks may repeat.
	Seq uint64 `json:"seq"`

	IsProcessed bool `json:"is_processed"`
}

// Remaining returns the unfilled base amount.
func (o *Order) Remaining() decimal.Decimal {
	return o.Amount.Sub(o.AmountExecuted)
}

// OrderStatus is the venue-side status of a single order.
type OrderStatus string

const (
	OrderNew        OrderStatus = "new"
	OrderPartFilled OrderStatus = "part_filled"
	OrderFilled     OrderStatus = "filled"
	OrderCancelled  OrderStatus = "cancelled"
	OrderUnknown    OrderStatus = "unknown"
)

// OrderInfo is the adapter's answer to a get-order query.
type OrderInfo struct {
	VenueID     string          `json:"venue_id"`
	Status      OrderStatus     `json:"status"`
	FilledBase  decimal.Decimal `json:"filled_base"`
	FilledQuote decimal.Decimal `json:"filled_quote"`
	AvgPrice    decimal.Decimal `json:"avg_price"`
}

// OpenOrder is one entry of the venue's open-orders listing.
type OpenOrder struct {
	VenueID string          `json:"venue_id"`
	Pair    Pair            `json:"pair"`
	Side    Side            `json:"side"`
	Price   decimal.Decimal `json:"price"`
	Amount  decimal.Decimal `json:"amount"`
	Filled  decimal.Decimal `json:"filled"`
}

// PlaceResult is the adapter's answer to a place-order request.
// VenueID is empty when the venue rejected the order; Message carries the
// venue's diagnostic either way.
type PlaceResult struct {
	VenueID string `json:"venue_id"`
	Message string `json:"message"`
}

// CancelAllResult reports a best-effort bulk cancellation.
type CancelAllResult struct {
	Cancelled int `json:"cancelled"`
	Target    int `json:"target"`
}

// ————————————————————————————————————————————————————————————————————————
// Market data
// ————————————————————————————————————————————————————————————————————————

// Ticker is a top-of-book + 24h summary for one pair.
type Ticker struct {
	Bid         decimal.Decimal `json:"bid"`
	Ask         decimal.Decimal `json:"ask"`
	Last        decimal.Decimal `json:"last"`
	High        decimal.Decimal `json:"high"`
	Low         decimal.Decimal `json:"low"`
	VolumeBase  decimal.Decimal `json:"volume_base"`
	VolumeQuote decimal.Decimal `json:"volume_quote"`
}

// Mid returns (bid+ask)/2, the calculated reference price.
func (t Ticker) Mid() decimal.Decimal {
	return t.Bid.Add(t.Ask).Div(decimal.NewFromInt(2))
}

// DepthLevel is a single bid or ask level of an order book.
type DepthLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Count  int             `json:"count"`
}

// Depth is an order book snapshot: bids descending, asks ascending by price.
type Depth struct {
	Bids []DepthLevel `json:"bids"`
	Asks []DepthLevel `json:"asks"`
}

// Balance is one asset's balance within a snapshot.
type Balance struct {
	Code    string          `json:"code"`
	Free    decimal.Decimal `json:"free"`
	Freezed decimal.Decimal `json:"freezed"`
	Total   decimal.Decimal `json:"total"`
}

// Fees is the per-pair maker/taker fee schedule.
type Fees struct {
	Pair  Pair            `json:"pair"`
	Maker decimal.Decimal `json:"maker"`
	Taker decimal.Decimal `json:"taker"`
}

// DepositAddress is one network's deposit endpoint for an asset.
type DepositAddress struct {
	Network string `json:"network"`
	Address string `json:"address"`
	Memo    string `json:"memo,omitempty"`
}

// ————————————————————————————————————————————————————————————————————————
// Trade parameters
// ————————————————————————————————————————————————————————————————————————

// LadderConfig is the per-pair ladder strategy configuration. Mutated only
// through commands; read by the ladder engine at the start of each tick.
type LadderConfig struct {
	Amount          decimal.Decimal `json:"amount"` // budget per side
	AmountCoin      AmountCoin      `json:"amount_coin"`
	CountPerSide    int             `json:"count_per_side"`
	StepPercent     decimal.Decimal `json:"step_percent"`
	MidPrice        decimal.Decimal `json:"mid_price"` // used when MidOrigin == manual
	MidOrigin       MidOrigin       `json:"mid_origin"`
	Active          bool            `json:"active"`
	ReinitRequested bool            `json:"reinit_requested"`
}

// TradeParams is the per-pair trading document: the ladder config plus the
// strategy selector knobs. Persisted whenever a command edits it.
type TradeParams struct {
	Pair       Pair         `json:"pair"`
	CoActive   bool         `json:"co_active"`
	CoStrategy string       `json:"co_strategy"` // only "ladder" is recognized
	Ladder     LadderConfig `json:"ladder"`
}
