// Package exchangetest provides an in-memory exchange.Adapter for tests.
//
// The mock keeps a real open-order set so cancel/place/list interact the way
// a venue's do, and supports per-operation fault injection so tests can
// exercise the temporary/permanent/protocol error policies.
package exchangetest

import (
	"context"
	"fmt"
	"sync"

	"github.com/shopspring/decimal"

	"gridbot/internal/exchange"
	"gridbot/pkg/types"
)

// Mock is a scriptable in-memory venue.
type Mock struct {
	mu sync.Mutex

	caps    exchange.Capabilities
	market  types.Market
	ticker  types.Ticker
	depth   types.Depth
	balance map[string]types.Balance

	open    map[string]types.OpenOrder // venueID -> order
	history map[string]types.OrderInfo // venueID -> terminal info
	nextID  int

	// Errs injects a failure for the named operation ("Ticker",
	// "OpenOrders", "PlaceOrder", "CancelOrder", "GetOrder", "Balances",
	// "Markets", "OrderBook"). Cleared by the test, not by the mock.
	Errs map[string]error

	// RejectPlace, when non-empty, makes PlaceOrder answer with a venue
	// rejection: an empty venue ID and this message, no error. Cleared by
	// the test, not by the mock.
	RejectPlace string

	// Calls counts invocations per operation name.
	Calls map[string]int
}

// New creates a mock trading the given market with full capabilities.
func New(market types.Market) *Mock {
	return &Mock{
		caps: exchange.Capabilities{
			PlaceMarketOrder:  true,
			GetDepositAddress: true,
			GetTradingFees:    true,
			GetMarkets:        true,
		},
		market:  market,
		balance: make(map[string]types.Balance),
		open:    make(map[string]types.OpenOrder),
		history: make(map[string]types.OrderInfo),
		Errs:    make(map[string]error),
		Calls:   make(map[string]int),
	}
}

// DefaultMarket returns an ADM/USDT market with the precisions the tests use.
func DefaultMarket() types.Market {
	return types.Market{
		Pair:           types.Pair{Base: "ADM", Quote: "USDT"},
		BaseDecimals:   4,
		QuoteDecimals:  4,
		BaseStep:       decimal.RequireFromString("0.0001"),
		QuoteTick:      decimal.RequireFromString("0.0001"),
		MinBaseAmount:  decimal.RequireFromString("1"),
		MinQuoteAmount: decimal.RequireFromString("0.5"),
		Status:         types.MarketOnline,
	}
}

func (m *Mock) step(op string) error {
	m.Calls[op]++
	if err := m.Errs[op]; err != nil {
		return err
	}
	return nil
}

// SetTicker installs the ticker returned by Ticker.
func (m *Mock) SetTicker(bid, ask string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	b := decimal.RequireFromString(bid)
	a := decimal.RequireFromString(ask)
	m.ticker = types.Ticker{Bid: b, Ask: a, Last: b}
	m.depth = types.Depth{
		Bids: []types.DepthLevel{{Price: b, Amount: decimal.NewFromInt(1000), Count: 1}},
		Asks: []types.DepthLevel{{Price: a, Amount: decimal.NewFromInt(1000), Count: 1}},
	}
}

// SetBalance installs one asset's free balance.
func (m *Mock) SetBalance(code, free string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f := decimal.RequireFromString(free)
	m.balance[code] = types.Balance{Code: code, Free: f, Total: f}
}

// SetMarketStatus flips the market online/offline.
func (m *Mock) SetMarketStatus(status types.MarketStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.market.Status = status
}

// SeedOpenOrder places an order directly on the venue, bypassing PlaceOrder —
// how tests fabricate "unknown" orders.
func (m *Mock) SeedOpenOrder(o types.OpenOrder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.open[o.VenueID] = o
}

// FillOrder removes an open order and records it as filled, as if a taker
// swept it between ticks.
func (m *Mock) FillOrder(venueID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.open[venueID]
	if !ok {
		return
	}
	delete(m.open, venueID)
	m.history[venueID] = types.OrderInfo{
		VenueID:     venueID,
		Status:      types.OrderFilled,
		FilledBase:  o.Amount,
		FilledQuote: o.Amount.Mul(o.Price),
		AvgPrice:    o.Price,
	}
}

// DropOrder removes an open order without recording history, so GetOrder
// reports unknown.
func (m *Mock) DropOrder(venueID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.open, venueID)
}

// OpenCount returns the number of resting orders.
func (m *Mock) OpenCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.open)
}

// Name implements exchange.Adapter.
func (m *Mock) Name() string { return "mock" }

// Caps implements exchange.Adapter.
func (m *Mock) Caps() exchange.Capabilities { return m.caps }

// Markets implements exchange.Adapter.
func (m *Mock) Markets(_ context.Context) ([]types.Market, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step("Markets"); err != nil {
		return nil, err
	}
	return []types.Market{m.market}, nil
}

// Ticker implements exchange.Adapter.
func (m *Mock) Ticker(_ context.Context, _ types.Pair) (types.Ticker, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step("Ticker"); err != nil {
		return types.Ticker{}, err
	}
	return m.ticker, nil
}

// OrderBook implements exchange.Adapter.
func (m *Mock) OrderBook(_ context.Context, _ types.Pair, _ int) (types.Depth, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step("OrderBook"); err != nil {
		return types.Depth{}, err
	}
	return m.depth, nil
}

// Balances implements exchange.Adapter.
func (m *Mock) Balances(_ context.Context, _ string, nonzero bool) ([]types.Balance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step("Balances"); err != nil {
		return nil, err
	}
	var out []types.Balance
	for _, b := range m.balance {
		if nonzero && b.Total.IsZero() {
			continue
		}
		out = append(out, b)
	}
	return out, nil
}

// PlaceOrder implements exchange.Adapter, debiting nothing: balance effects
// are the tests' business.
func (m *Mock) PlaceOrder(_ context.Context, req exchange.PlaceRequest) (types.PlaceResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step("PlaceOrder"); err != nil {
		return types.PlaceResult{}, err
	}
	if m.RejectPlace != "" {
		return types.PlaceResult{Message: m.RejectPlace}, nil
	}
	m.nextID++
	id := fmt.Sprintf("v%d", m.nextID)
	m.open[id] = types.OpenOrder{
		VenueID: id,
		Pair:    req.Pair,
		Side:    req.Side,
		Price:   req.Price,
		Amount:  req.BaseAmount,
	}
	return types.PlaceResult{VenueID: id, Message: "placed"}, nil
}

// CancelOrder implements exchange.Adapter with idempotent semantics.
func (m *Mock) CancelOrder(_ context.Context, venueID string, _ types.Pair, _ types.Side) (bool, string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step("CancelOrder"); err != nil {
		return false, "", err
	}
	o, ok := m.open[venueID]
	if !ok {
		return true, "already cancelled or absent", nil
	}
	delete(m.open, venueID)
	m.history[venueID] = types.OrderInfo{
		VenueID:    venueID,
		Status:     types.OrderCancelled,
		FilledBase: o.Filled,
	}
	return true, "cancelled", nil
}

// CancelAll implements exchange.Adapter.
func (m *Mock) CancelAll(ctx context.Context, pair types.Pair, side types.Side) (types.CancelAllResult, error) {
	m.mu.Lock()
	if err := m.step("CancelAll"); err != nil {
		m.mu.Unlock()
		return types.CancelAllResult{}, err
	}
	var ids []string
	for id, o := range m.open {
		if o.Pair == pair && (side == "" || o.Side == side) {
			ids = append(ids, id)
		}
	}
	m.mu.Unlock()

	result := types.CancelAllResult{Target: len(ids)}
	for _, id := range ids {
		if ok, _, err := m.CancelOrder(ctx, id, pair, side); err == nil && ok {
			result.Cancelled++
		}
	}
	return result, nil
}

// OpenOrders implements exchange.Adapter.
func (m *Mock) OpenOrders(_ context.Context, pair types.Pair) ([]types.OpenOrder, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step("OpenOrders"); err != nil {
		return nil, err
	}
	var out []types.OpenOrder
	for _, o := range m.open {
		if o.Pair == pair {
			out = append(out, o)
		}
	}
	return out, nil
}

// GetOrder implements exchange.Adapter.
func (m *Mock) GetOrder(_ context.Context, venueID string, _ types.Pair) (types.OrderInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step("GetOrder"); err != nil {
		return types.OrderInfo{}, err
	}
	if o, ok := m.open[venueID]; ok {
		status := types.OrderNew
		if o.Filled.Sign() > 0 {
			status = types.OrderPartFilled
		}
		return types.OrderInfo{VenueID: venueID, Status: status, FilledBase: o.Filled}, nil
	}
	if info, ok := m.history[venueID]; ok {
		return info, nil
	}
	return types.OrderInfo{VenueID: venueID, Status: types.OrderUnknown}, nil
}

// DepositAddress implements exchange.Adapter.
func (m *Mock) DepositAddress(_ context.Context, asset string) ([]types.DepositAddress, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step("DepositAddress"); err != nil {
		return nil, err
	}
	return []types.DepositAddress{{Network: "native", Address: "mock-" + asset}}, nil
}

// Fees implements exchange.Adapter.
func (m *Mock) Fees(_ context.Context, pair types.Pair) ([]types.Fees, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.step("Fees"); err != nil {
		return nil, err
	}
	rate := decimal.RequireFromString("0.001")
	return []types.Fees{{Pair: pair, Maker: rate, Taker: rate}}, nil
}
