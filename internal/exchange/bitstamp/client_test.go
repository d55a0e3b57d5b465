package bitstamp

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitstamp-broker/internal/core"
	"bitstamp-broker/internal/exchange"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClientWithOptions(Options{
		ClientID:          "cid",
		APIKey:            "key",
		APISecret:         "secret",
		RestBaseURL:       srv.URL + "/",
		HTTPTimeoutSec:    3,
		TradeHistoryLimit: 50,
	})
}

func TestSignUppercaseHex(t *testing.T) {
	got := sign("secret", "1cidkey")
	if len(got) != 64 {
		t.Fatalf("sign() len = %d, want 64", len(got))
	}
	if got != strings.ToUpper(got) {
		t.Fatalf("sign() = %q, want uppercase hex", got)
	}
	if sign("secret", "2cidkey") == got {
		t.Fatalf("sign() should depend on nonce")
	}
}

func TestNextNonceStrictlyIncreasing(t *testing.T) {
	c := NewClientWithOptions(Options{})
	fixed := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return fixed }
	first := c.nextNonce()
	second := c.nextNonce()
	if second <= first {
		t.Fatalf("nextNonce() = %d after %d, want strictly increasing", second, first)
	}
}

func TestRequestsAreSignedPosts(t *testing.T) {
	var calls int32
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("ParseForm() error = %v", err)
		}
		nonce := r.PostForm.Get("nonce")
		if r.PostForm.Get("key") != "key" || nonce == "" {
			t.Errorf("missing key/nonce in form: %v", r.PostForm)
		}
		if got, want := r.PostForm.Get("signature"), sign("secret", nonce+"cid"+"key"); got != want {
			t.Errorf("signature = %q, want %q", got, want)
		}
		_, _ = w.Write([]byte(`{"usd_available":"1000.005","btc_available":"0.5","usd_balance":"1000.005","btc_balance":0.5,"fee":"0.25"}`))
	})

	bal, err := c.Balance(context.Background())
	if err != nil {
		t.Fatalf("Balance() error = %v", err)
	}
	if !bal.USDAvailable.Equal(decimal.RequireFromString("1000.005")) {
		t.Fatalf("usd_available = %s, want 1000.005", bal.USDAvailable)
	}
	if !bal.BTCBalance.Equal(decimal.RequireFromString("0.5")) {
		t.Fatalf("btc_balance = %s, want 0.5", bal.BTCBalance)
	}
	if atomic.LoadInt32(&calls) != 1 {
		t.Fatalf("calls = %d, want 1", calls)
	}
}

func TestUserTransactionsFiltersKindAndKeepsOrder(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/user_transactions/" {
			http.NotFound(w, r)
			return
		}
		_ = r.ParseForm()
		if r.PostForm.Get("limit") != "50" || r.PostForm.Get("sort") != "desc" {
			t.Errorf("unexpected paging params: %v", r.PostForm)
		}
		_, _ = w.Write([]byte(`[
			{"id": 12, "order_id": 5, "type": 2, "datetime": "2024-03-01 10:00:02", "usd": "60.00", "btc": "-0.6", "btc_usd": "100.00", "fee": "0.15"},
			{"id": 11, "order_id": 0, "type": "0", "datetime": "2024-03-01 10:00:01", "usd": "0", "btc": "1", "btc_usd": "0", "fee": "0"},
			{"id": "10", "order_id": "4", "type": "2", "datetime": "2024-03-01 10:00:00.250000", "usd": "-40.00", "btc": "0.4", "btc_usd": "100.00", "fee": "0.10"}
		]`))
	})

	trades, err := c.UserTransactions(context.Background(), exchange.MarketTrade)
	if err != nil {
		t.Fatalf("UserTransactions() error = %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("trades = %d, want 2", len(trades))
	}
	if trades[0].ID != 12 || trades[1].ID != 10 {
		t.Fatalf("trade ids = %d,%d, want 12,10", trades[0].ID, trades[1].ID)
	}
	if !trades[0].BTC.Equal(decimal.RequireFromString("-0.6")) || !trades[0].USD.Equal(decimal.RequireFromString("60")) {
		t.Fatalf("trade[0] deltas = %s/%s, want -0.6/60", trades[0].BTC, trades[0].USD)
	}
	if trades[1].OrderID != 4 || !trades[1].Fee.Equal(decimal.RequireFromString("0.10")) {
		t.Fatalf("trade[1] = %+v, want order 4 fee 0.10", trades[1])
	}
	if trades[1].Time.Nanosecond() != 250000000 {
		t.Fatalf("trade[1] time = %s, want fractional seconds", trades[1].Time)
	}
}

func TestOpenOrdersMapsSides(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[
			{"id": 1, "datetime": "2024-03-01 09:00:00", "type": 0, "price": "100.00", "amount": "1.0"},
			{"id": "2", "datetime": "2024-03-01 09:30:00", "type": "1", "price": "120.00", "amount": "0.25"}
		]`))
	})

	orders, err := c.OpenOrders(context.Background())
	if err != nil {
		t.Fatalf("OpenOrders() error = %v", err)
	}
	if len(orders) != 2 {
		t.Fatalf("orders = %d, want 2", len(orders))
	}
	if orders[0].Side != core.Buy || orders[1].Side != core.Sell {
		t.Fatalf("sides = %s,%s, want BUY,SELL", orders[0].Side, orders[1].Side)
	}
	if !orders[1].Amount.Equal(decimal.RequireFromString("0.25")) {
		t.Fatalf("amount = %s, want 0.25", orders[1].Amount)
	}
}

func TestOpenOrdersRejectsUnknownType(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`[{"id": 1, "datetime": "2024-03-01 09:00:00", "type": 7, "price": "1", "amount": "1"}]`))
	})
	if _, err := c.OpenOrders(context.Background()); !errors.Is(err, core.ErrInvalidSide) {
		t.Fatalf("OpenOrders() error = %v, want %v", err, core.ErrInvalidSide)
	}
}

func TestCancelOrderClassifiesNotFound(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("id") != "77" {
			t.Errorf("id = %q, want 77", r.PostForm.Get("id"))
		}
		_, _ = w.Write([]byte(`{"error": "Order not found."}`))
	})

	err := c.CancelOrder(context.Background(), 77)
	if !errors.Is(err, core.ErrOrderNotFound) {
		t.Fatalf("CancelOrder() error = %v, want %v", err, core.ErrOrderNotFound)
	}
	apiErr, ok := AsAPIError(err)
	if !ok || apiErr.Msg != "Order not found." {
		t.Fatalf("AsAPIError() = %+v/%v, want exchange message", apiErr, ok)
	}
}

func TestCancelOrderSuccess(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`true`))
	})
	if err := c.CancelOrder(context.Background(), 5); err != nil {
		t.Fatalf("CancelOrder() error = %v", err)
	}
}

func TestParseAPIError(t *testing.T) {
	err := parseAPIError(http.StatusOK, []byte(`{"error": {"__all__": ["Invalid nonce"]}}`))
	apiErr, ok := err.(APIError)
	if !ok {
		t.Fatalf("parseAPIError() type = %T, want APIError", err)
	}
	if apiErr.Msg != "Invalid nonce" {
		t.Fatalf("apiErr.Msg = %q, want %q", apiErr.Msg, "Invalid nonce")
	}

	err = parseAPIError(http.StatusBadGateway, []byte("bad gateway"))
	if err == nil || !strings.Contains(err.Error(), "http error 502") {
		t.Fatalf("parseAPIError(non-json) = %v, want http error", err)
	}

	if err := parseAPIError(http.StatusOK, []byte(`[]`)); err != nil {
		t.Fatalf("parseAPIError(payload) = %v, want nil", err)
	}
}
