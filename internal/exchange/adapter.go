// Package exchange defines the uniform venue abstraction the engine trades
// through, plus the shared error model and rate limiting adapters use.
//
// An Adapter presents one venue as a capability set: markets, balances,
// order book, ticker, place/cancel/query orders, deposit addresses, fees.
// Concrete adapters translate to a venue's REST dialect, normalize responses
// into pkg/types values, and map every failure to a typed *Error.
//
// Adapters self-register from their package init; the engine opens one by
// the venue name from config:
//
//	adp, err := exchange.Open("p2pb2b", cfg, logger)
package exchange

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"gridbot/pkg/types"
)

// Capabilities declares which optional operations a venue supports.
// Computed once at adapter construction; the engine consults it instead of
// probing features on every call.
type Capabilities struct {
	PlaceMarketOrder             bool // false: market orders are refused upstream
	AllowAmountForMarketBuy      bool // false: buy-market orders take quote amount only
	AmountForMarketOrderRequired bool // true: both market sides require base amount
	GetDepositAddress            bool
	GetTradingFees               bool
	GetAccountTradeVolume        bool
	GetMarkets                   bool // false: market info must be supplied statically
	AccountTypes                 bool // false: balance queries ignore the sub-account parameter
}

// PlaceRequest carries everything an adapter needs to place one order.
// Exactly one of BaseAmount/QuoteAmount is set for market orders, per the
// venue's capabilities; limit orders always carry Price and BaseAmount.
type PlaceRequest struct {
	Pair        types.Pair
	Side        types.Side
	Type        types.OrderType
	Price       decimal.Decimal
	BaseAmount  decimal.Decimal
	QuoteAmount decimal.Decimal
}

// Adapter is the uniform venue interface. All operations are idempotent from
// the engine's view except PlaceOrder. Every operation returns either a
// normalized value or a typed *Error (see errors.go for the kind policy).
type Adapter interface {
	// Name returns the registry name of the venue.
	Name() string
	// Caps returns the capability set, computed once at construction.
	Caps() Capabilities

	// Markets returns descriptors for all pairs the venue trades.
	Markets(ctx context.Context) ([]types.Market, error)
	// Ticker returns the top-of-book summary for a pair.
	Ticker(ctx context.Context, pair types.Pair) (types.Ticker, error)
	// OrderBook returns up to depth levels per side, bids descending and
	// asks ascending.
	OrderBook(ctx context.Context, pair types.Pair, depth int) (types.Depth, error)
	// Balances returns a per-asset snapshot. With nonzero set, assets with a
	// zero total are omitted. accountType is ignored unless Caps().AccountTypes.
	Balances(ctx context.Context, accountType string, nonzero bool) ([]types.Balance, error)

	// PlaceOrder submits one order. Not idempotent.
	PlaceOrder(ctx context.Context, req PlaceRequest) (types.PlaceResult, error)
	// CancelOrder cancels one order by venue ID. A second cancel of the same
	// order reports success ("already cancelled or absent"), not an error.
	CancelOrder(ctx context.Context, venueID string, pair types.Pair, side types.Side) (bool, string, error)
	// CancelAll best-effort cancels every open order for the pair
	// (optionally one side; empty Side means both).
	CancelAll(ctx context.Context, pair types.Pair, side types.Side) (types.CancelAllResult, error)
	// OpenOrders lists the venue's open orders for the pair, concatenating
	// pages until exhausted.
	OpenOrders(ctx context.Context, pair types.Pair) ([]types.OpenOrder, error)
	// GetOrder queries a single order's status and fill totals.
	GetOrder(ctx context.Context, venueID string, pair types.Pair) (types.OrderInfo, error)

	// DepositAddress returns deposit endpoints for an asset, one per network.
	DepositAddress(ctx context.Context, asset string) ([]types.DepositAddress, error)
	// Fees returns the maker/taker schedule, for one pair or all.
	Fees(ctx context.Context, pair types.Pair) ([]types.Fees, error)
}

// Config carries venue credentials and endpoints from the application config.
type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string
	DryRun    bool
}

// Factory constructs an adapter from config.
type Factory func(cfg Config, logger *slog.Logger) (Adapter, error)

var (
	registryMu sync.RWMutex
	registry   = map[string]Factory{}
)

// Register makes a venue available under name. Called from adapter package
// init; duplicate registration panics, as it is a programming error.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("exchange: duplicate adapter registration %q", name))
	}
	registry[name] = f
}

// Open constructs the adapter registered under name.
func Open(name string, cfg Config, logger *slog.Logger) (Adapter, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("exchange: unknown venue %q (have %v)", name, Names())
	}
	return f(cfg, logger)
}

// Names returns the registered venue names, sorted.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for n := range registry {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
