// Package rates provides cross-asset conversion for USD-equivalent sizing,
// the confirmation threshold, and human-readable calc/balances output.
//
// The oracle polls an info-service endpoint publishing a flat rate table
// ("BTC/USD": 67000, "ADM/BTC": 0.0000002, ...) and answers conversions by
// walking direct, inverted, or USD-pivoted paths. Responses are cached with
// a freshness budget; past it the oracle still answers from the last good
// table but flags the result stale. Trading decisions never depend on
// oracle values — only sizing display and the confirmation check do.
package rates

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	gocache "github.com/patrickmn/go-cache"
	"github.com/shopspring/decimal"
)

// cacheKey is the single go-cache slot holding the fresh rate table.
const cacheKey = "rates"

// fiats are the fiat codes the info service quotes against.
var fiats = map[string]bool{
	"USD": true, "EUR": true, "RUB": true, "CNY": true, "JPY": true, "GBP": true,
}

// Conversion is the oracle's answer to one convert request.
type Conversion struct {
	Amount decimal.Decimal
	Path   []string // rate keys used, e.g. ["ADM/BTC", "BTC/USD"]
	Stale  bool     // last refresh older than the freshness budget
}

// Config tunes the oracle client.
type Config struct {
	BaseURL        string
	Freshness      time.Duration // how long a fetched table counts as fresh
	CryptoDecimals int32         // output precision for crypto amounts
}

// Oracle converts (amount, from, to) triples using the info service's table.
type Oracle struct {
	http      *resty.Client
	cache     *gocache.Cache
	freshness time.Duration
	decimals  int32
	logger    *slog.Logger

	mu          sync.RWMutex
	lastGood    map[string]decimal.Decimal
	lastRefresh time.Time

	now func() time.Time
}

// New creates an oracle client. Freshness defaults to one minute.
func New(cfg Config, logger *slog.Logger) *Oracle {
	if cfg.Freshness <= 0 {
		cfg.Freshness = time.Minute
	}
	if cfg.CryptoDecimals <= 0 {
		cfg.CryptoDecimals = 8
	}
	return &Oracle{
		http: resty.New().
			SetBaseURL(cfg.BaseURL).
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(300 * time.Millisecond),
		cache:     gocache.New(cfg.Freshness, cfg.Freshness),
		freshness: cfg.Freshness,
		decimals:  cfg.CryptoDecimals,
		logger:    logger.With("component", "rates"),
		now:       time.Now,
	}
}

type infoResponse struct {
	Success bool               `json:"success"`
	Date    int64              `json:"date"`
	Result  map[string]float64 `json:"result"`
}

// Refresh fetches the rate table. Called by the scheduler on its cadence and
// lazily by Convert on a cache miss.
func (o *Oracle) Refresh(ctx context.Context) error {
	var body infoResponse
	resp, err := o.http.R().
		SetContext(ctx).
		SetResult(&body).
		ForceContentType("application/json").
		Get("/get")
	if err != nil {
		return fmt.Errorf("fetch rates: %w", err)
	}
	if resp.StatusCode() != http.StatusOK {
		return fmt.Errorf("fetch rates: status %d", resp.StatusCode())
	}
	if !body.Success || len(body.Result) == 0 {
		return fmt.Errorf("fetch rates: empty or unsuccessful response")
	}

	table := make(map[string]decimal.Decimal, len(body.Result))
	for key, v := range body.Result {
		table[strings.ToUpper(key)] = decimal.NewFromFloat(v)
	}

	o.cache.Set(cacheKey, table, gocache.DefaultExpiration)
	o.mu.Lock()
	o.lastGood = table
	o.lastRefresh = o.now()
	o.mu.Unlock()

	o.logger.Debug("rates refreshed", "tickers", len(table))
	return nil
}

// table returns the current rate table and whether it is stale. A cache miss
// triggers one synchronous refresh attempt before falling back to the last
// good table.
func (o *Oracle) table(ctx context.Context) (map[string]decimal.Decimal, bool, error) {
	if v, ok := o.cache.Get(cacheKey); ok {
		return v.(map[string]decimal.Decimal), false, nil
	}
	if err := o.Refresh(ctx); err == nil {
		if v, ok := o.cache.Get(cacheKey); ok {
			return v.(map[string]decimal.Decimal), false, nil
		}
	}

	o.mu.RLock()
	defer o.mu.RUnlock()
	if o.lastGood == nil {
		return nil, false, fmt.Errorf("rates: no data available yet")
	}
	return o.lastGood, o.now().Sub(o.lastRefresh) > o.freshness, nil
}

// HasTicker reports whether code appears in the rate table (either leg).
func (o *Oracle) HasTicker(ctx context.Context, code string) bool {
	code = strings.ToUpper(code)
	if IsFiat(code) {
		return true
	}
	table, _, err := o.table(ctx)
	if err != nil {
		return false
	}
	for key := range table {
		if strings.HasPrefix(key, code+"/") || strings.HasSuffix(key, "/"+code) {
			return true
		}
	}
	return false
}

// IsFiat reports whether code is a known fiat currency.
func IsFiat(code string) bool { return fiats[strings.ToUpper(code)] }

// Convert converts amount from one ticker to another. The path is direct,
// inverted, or pivoted through USD; outputs are rounded to the configured
// crypto precision, or 2 decimals for fiat targets.
func (o *Oracle) Convert(ctx context.Context, from, to string, amount decimal.Decimal) (Conversion, error) {
	from = strings.ToUpper(from)
	to = strings.ToUpper(to)
	if from == to {
		return Conversion{Amount: o.round(amount, to)}, nil
	}

	table, stale, err := o.table(ctx)
	if err != nil {
		return Conversion{}, err
	}

	if rate, path, ok := lookup(table, from, to); ok {
		return Conversion{Amount: o.round(amount.Mul(rate), to), Path: path, Stale: stale}, nil
	}

	// Pivot through USD.
	toUSD, p1, ok1 := lookup(table, from, "USD")
	fromUSD, p2, ok2 := lookup(table, "USD", to)
	if ok1 && ok2 {
		return Conversion{
			Amount: o.round(amount.Mul(toUSD).Mul(fromUSD), to),
			Path:   append(p1, p2...),
			Stale:  stale,
		}, nil
	}

	return Conversion{}, fmt.Errorf("rates: no conversion path %s -> %s", from, to)
}

// lookup finds a direct or inverted rate.
func lookup(table map[string]decimal.Decimal, from, to string) (decimal.Decimal, []string, bool) {
	if rate, ok := table[from+"/"+to]; ok && rate.Sign() > 0 {
		return rate, []string{from + "/" + to}, true
	}
	if rate, ok := table[to+"/"+from]; ok && rate.Sign() > 0 {
		return decimal.NewFromInt(1).Div(rate), []string{to + "/" + from}, true
	}
	return decimal.Decimal{}, nil, false
}

func (o *Oracle) round(v decimal.Decimal, to string) decimal.Decimal {
	if IsFiat(to) {
		return v.Round(2)
	}
	return v.Round(o.decimals)
}

// USDValue is the convenience used by the confirmation protocol: the USD
// equivalent of an amount of one asset, zero (not an error) when the oracle
// cannot price it.
func (o *Oracle) USDValue(ctx context.Context, code string, amount decimal.Decimal) decimal.Decimal {
	conv, err := o.Convert(ctx, code, "USD", amount)
	if err != nil {
		o.logger.Warn("usd conversion unavailable", "code", code, "error", err)
		return decimal.Decimal{}
	}
	return conv.Amount
}

// Snapshot returns the rate entries involving code (or all when code is
// empty), for the rates command.
func (o *Oracle) Snapshot(ctx context.Context, code string) (map[string]decimal.Decimal, bool, error) {
	table, stale, err := o.table(ctx)
	if err != nil {
		return nil, false, err
	}
	code = strings.ToUpper(code)
	out := make(map[string]decimal.Decimal)
	for key, rate := range table {
		if code == "" || strings.HasPrefix(key, code+"/") || strings.HasSuffix(key, "/"+code) {
			out[key] = rate
		}
	}
	return out, stale, nil
}
