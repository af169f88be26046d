package p2pb2b

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/shopspring/decimal"

	"gridbot/internal/exchange"
	"gridbot/pkg/types"
)

const testSecret = "test-secret"

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c, err := New(exchange.Config{
		BaseURL:   srv.URL,
		APIKey:    "test-key",
		APISecret: testSecret,
	}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return c, srv
}

func writeResult(w http.ResponseWriter, result any) {
	json.NewEncoder(w).Encode(map[string]any{
		"success": true, "errorCode": "", "message": "", "result": result,
	})
}

func writeVenueError(w http.ResponseWriter, code, msg string) {
	json.NewEncoder(w).Encode(map[string]any{
		"success": false, "errorCode": code, "message": msg, "result": nil,
	})
}

func testPair() types.Pair { return types.Pair{Base: "ADM", Quote: "USDT"} }

func limitRequest() exchange.PlaceRequest {
	return exchange.PlaceRequest{
		Pair:       testPair(),
		Side:       types.Buy,
		Type:       types.OrderTypeLimit,
		Price:      decimal.RequireFromString("1.05"),
		BaseAmount: decimal.NewFromInt(10),
	}
}

func TestSignedRequestHeaders(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		payload := r.Header.Get("X-TXC-PAYLOAD")
		if r.Header.Get("X-TXC-APIKEY") != "test-key" {
			t.Error("missing or wrong X-TXC-APIKEY")
		}

		mac := hmac.New(sha512.New, []byte(testSecret))
		mac.Write([]byte(payload))
		if want := hex.EncodeToString(mac.Sum(nil)); r.Header.Get("X-TXC-SIGNATURE") != want {
			t.Error("signature does not verify against the payload")
		}

		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			t.Fatalf("payload is not base64: %v", err)
		}
		var body map[string]any
		if err := json.Unmarshal(raw, &body); err != nil {
			t.Fatalf("payload is not JSON: %v", err)
		}
		if body["request"] != r.URL.Path {
			t.Errorf("request field = %v, want %s", body["request"], r.URL.Path)
		}
		if _, ok := body["nonce"]; !ok {
			t.Error("nonce missing from signed body")
		}

		writeResult(w, map[string]any{"orderId": 4180})
	})

	res, err := c.PlaceOrder(context.Background(), limitRequest())
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.VenueID != "4180" {
		t.Errorf("VenueID = %q, want 4180", res.VenueID)
	}
}

func TestPlaceOrderRejectsMarketType(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	})

	req := limitRequest()
	req.Type = types.OrderTypeMarket
	_, err := c.PlaceOrder(context.Background(), req)
	if !exchange.IsUnsupported(err) {
		t.Errorf("error = %v, want unsupported", err)
	}
	if hits.Load() != 0 {
		t.Error("unsupported order type reached the venue")
	}
}

func TestPlaceOrderBalanceError(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeVenueError(w, "3080", "balance not enough")
	})

	_, err := c.PlaceOrder(context.Background(), limitRequest())
	if err == nil {
		t.Fatal("PlaceOrder succeeded on a balance error")
	}
	if exchange.IsTemporary(err) {
		t.Error("balance error classified temporary; a retry can never succeed")
	}
	if got := exchange.KindOf(err); got != exchange.KindUpstreamPermanent {
		t.Errorf("kind = %v, want upstream-permanent", got)
	}
	var xerr *exchange.Error
	if !errors.As(err, &xerr) || xerr.Code != "3080" {
		t.Errorf("error = %v, want code 3080 preserved", err)
	}
}

func TestStatusClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name   string
		status int
		want   exchange.Kind
	}{
		{"rate limited", http.StatusTooManyRequests, exchange.KindUpstreamTemporary},
		{"unavailable", http.StatusServiceUnavailable, exchange.KindUpstreamTemporary},
		{"unauthorized", http.StatusUnauthorized, exchange.KindAuth},
		{"forbidden", http.StatusForbidden, exchange.KindAuth},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tc.status)
				writeVenueError(w, "", "")
			})
			_, err := c.PlaceOrder(context.Background(), limitRequest())
			if got := exchange.KindOf(err); got != tc.want {
				t.Errorf("kind = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestVenueMessageClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		message string
		want    exchange.Kind
	}{
		{"nonce replay", "invalid nonce, try a higher value", exchange.KindUpstreamTemporary},
		{"overload", "too many requests", exchange.KindUpstreamTemporary},
		{"bad signature", "signature mismatch", exchange.KindAuth},
		{"bad key", "api key not provided", exchange.KindAuth},
		{"minimum", "amount below minimum", exchange.KindUpstreamPermanent},
	}
	for _, tc := range cases {
		tc := tc
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
				writeVenueError(w, "1000", tc.message)
			})
			_, err := c.PlaceOrder(context.Background(), limitRequest())
			if got := exchange.KindOf(err); got != tc.want {
				t.Errorf("%q classified %v, want %v", tc.message, got, tc.want)
			}
		})
	}
}

func TestFieldErrorMessageFlattened(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{
			"success":   false,
			"errorCode": "1001",
			"message":   map[string][]string{"amount": {"must be numeric"}},
			"result":    nil,
		})
	})

	_, err := c.PlaceOrder(context.Background(), limitRequest())
	if err == nil {
		t.Fatal("PlaceOrder succeeded")
	}
	var xerr *exchange.Error
	if !errors.As(err, &xerr) {
		t.Fatalf("error type = %T", err)
	}
	if want := "amount: must be numeric"; !strings.Contains(xerr.Message, want) {
		t.Errorf("message = %q, want it to contain %q", xerr.Message, want)
	}
}

func TestCancelOrderIdempotent(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeVenueError(w, "2020", "order not found")
	})

	ok, msg, err := c.CancelOrder(context.Background(), "999", testPair(), types.Buy)
	if err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if !ok || msg != "already cancelled or absent" {
		t.Errorf("result = %v, %q", ok, msg)
	}
}

func TestDryRunShortCircuits(t *testing.T) {
	t.Parallel()
	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(srv.Close)
	c, err := New(exchange.Config{BaseURL: srv.URL, APIKey: "k", APISecret: "s", DryRun: true}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	res, err := c.PlaceOrder(context.Background(), limitRequest())
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if res.VenueID == "" {
		t.Error("dry-run placement returned no synthetic id")
	}
	ok, _, err := c.CancelOrder(context.Background(), "1", testPair(), types.Buy)
	if err != nil || !ok {
		t.Errorf("dry-run cancel = %v, %v", ok, err)
	}
	if hits.Load() != 0 {
		t.Errorf("dry-run hit the venue %d times", hits.Load())
	}
}

func TestMissingCredentials(t *testing.T) {
	t.Parallel()
	c, err := New(exchange.Config{BaseURL: "http://127.0.0.1:1"}, slog.Default())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	_, err = c.Balances(context.Background(), "", true)
	if !exchange.IsAuth(err) {
		t.Errorf("error = %v, want auth", err)
	}
}

func TestMarketsParsing(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/v2/public/markets" {
			http.NotFound(w, r)
			return
		}
		writeResult(w, []map[string]any{
			{
				"name": "ADM_USDT", "stock": "ADM", "money": "USDT",
				"precision": map[string]string{"stock": "4", "money": "6"},
				"limits": map[string]string{
					"min_amount": "1", "min_total": "0.5",
					"step_size": "0", "tick_size": "0.000001",
				},
				"trading": true,
			},
			{
				"name": "OLD_BTC", "stock": "OLD", "money": "BTC",
				"precision": map[string]string{"stock": "2", "money": "8"},
				"limits": map[string]string{
					"min_amount": "10", "min_total": "0.0001",
					"step_size": "0.01", "tick_size": "0.00000001",
				},
				"trading": false,
			},
		})
	})

	markets, err := c.Markets(context.Background())
	if err != nil {
		t.Fatalf("Markets: %v", err)
	}
	if len(markets) != 2 {
		t.Fatalf("markets = %d, want 2", len(markets))
	}

	m := markets[0]
	if m.Pair != testPair() || m.Status != types.MarketOnline {
		t.Errorf("market = %+v", m)
	}
	// Zero step_size falls back to the stock precision.
	if !m.BaseStep.Equal(decimal.RequireFromString("0.0001")) {
		t.Errorf("BaseStep = %v, want 0.0001 from precision 4", m.BaseStep)
	}
	if !m.QuoteTick.Equal(decimal.RequireFromString("0.000001")) {
		t.Errorf("QuoteTick = %v", m.QuoteTick)
	}
	if markets[1].Status != types.MarketOffline {
		t.Error("non-trading market not marked offline")
	}
}

func TestTickerEmptyBook(t *testing.T) {
	t.Parallel()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeResult(w, map[string]string{"bid": "0", "ask": "0", "last": "0"})
	})

	_, err := c.Ticker(context.Background(), testPair())
	if exchange.KindOf(err) != exchange.KindProtocol {
		t.Errorf("error = %v, want protocol", err)
	}
}

func TestOpenOrdersPagination(t *testing.T) {
	t.Parallel()
	page := func(offset, n int) []map[string]any {
		out := make([]map[string]any, n)
		for i := 0; i < n; i++ {
			out[i] = map[string]any{
				"orderId": offset + i + 1,
				"market":  "ADM_USDT",
				"side":    "buy",
				"price":   "1.00",
				"amount":  "10",
				"left":    "4",
			}
		}
		return out
	}
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		raw, _ := base64.StdEncoding.DecodeString(r.Header.Get("X-TXC-PAYLOAD"))
		var body struct {
			Offset int `json:"offset"`
		}
		json.Unmarshal(raw, &body)
		if body.Offset == 0 {
			writeResult(w, page(0, openOrdersPageLimit))
			return
		}
		writeResult(w, page(body.Offset, 3))
	})

	orders, err := c.OpenOrders(context.Background(), testPair())
	if err != nil {
		t.Fatalf("OpenOrders: %v", err)
	}
	if len(orders) != openOrdersPageLimit+3 {
		t.Fatalf("orders = %d, want %d", len(orders), openOrdersPageLimit+3)
	}
	o := orders[0]
	if o.VenueID != "1" || o.Side != types.Buy {
		t.Errorf("order = %+v", o)
	}
	if !o.Filled.Equal(decimal.NewFromInt(6)) {
		t.Errorf("Filled = %v, want 6 (amount 10 minus left 4)", o.Filled)
	}
}

func TestGetOrderStates(t *testing.T) {
	t.Parallel()

	t.Run("filled", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/api/v2/account/order":
				writeResult(w, map[string]any{"records": []map[string]string{
					{"deal_stock": "6", "deal_money": "6.3", "price": "1.05"},
					{"deal_stock": "4", "deal_money": "4.2", "price": "1.05"},
				}})
			case "/api/v2/orders":
				writeResult(w, []map[string]any{})
			default:
				http.NotFound(w, r)
			}
		})

		info, err := c.GetOrder(context.Background(), "42", testPair())
		if err != nil {
			t.Fatalf("GetOrder: %v", err)
		}
		if info.Status != types.OrderFilled {
			t.Errorf("status = %v, want filled", info.Status)
		}
		if !info.FilledBase.Equal(decimal.NewFromInt(10)) {
			t.Errorf("FilledBase = %v, want 10", info.FilledBase)
		}
		if !info.AvgPrice.Equal(decimal.RequireFromString("1.05")) {
			t.Errorf("AvgPrice = %v, want 1.05", info.AvgPrice)
		}
	})

	t.Run("resting", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			switch r.URL.Path {
			case "/api/v2/account/order":
				writeResult(w, map[string]any{"records": []map[string]string{}})
			case "/api/v2/orders":
				writeResult(w, []map[string]any{{
					"orderId": 42, "market": "ADM_USDT", "side": "sell",
					"price": "1.10", "amount": "5", "left": "5",
				}})
			default:
				http.NotFound(w, r)
			}
		})

		info, err := c.GetOrder(context.Background(), "42", testPair())
		if err != nil {
			t.Fatalf("GetOrder: %v", err)
		}
		if info.Status != types.OrderNew {
			t.Errorf("status = %v, want new", info.Status)
		}
	})

	t.Run("unknown", func(t *testing.T) {
		t.Parallel()
		c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			writeVenueError(w, "2020", "order not found")
		})

		info, err := c.GetOrder(context.Background(), "404", testPair())
		if err != nil {
			t.Fatalf("GetOrder: %v", err)
		}
		if info.Status != types.OrderUnknown {
			t.Errorf("status = %v, want unknown", info.Status)
		}
	})
}
