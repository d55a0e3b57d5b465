package alert

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"bitstamp-broker/internal/config"
)

func TestTelegramNotifierSendsMessage(t *testing.T) {
	var gotPath string
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(config.TelegramConfig{
		Enabled:    true,
		BotToken:   "token",
		ChatID:     "42",
		APIBaseURL: srv.URL + "/",
		TimeoutSec: 2,
	})
	a := Alert{Event: "trade_poll_failed", Time: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC), Mode: "live", Instance: "main", Fields: map[string]string{"err": "<timeout>"}}
	if err := n.Notify(context.Background(), a); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if gotPath != "/bottoken/sendMessage" {
		t.Fatalf("path = %q, want /bottoken/sendMessage", gotPath)
	}
	if got.ChatID != "42" || got.ParseMode != "HTML" || got.DisableNotification {
		t.Fatalf("request = %+v, want chat 42 HTML with sound", got)
	}
	want := "<b>trade_poll_failed</b>\n<i>live/main 2024-05-01T00:00:00Z</i>\nerr: <code>&lt;timeout&gt;</code>"
	if got.Text != want {
		t.Fatalf("text = %q, want %q", got.Text, want)
	}
}

func TestTelegramNotifierAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"ok":false,"description":"chat not found"}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "1", APIBaseURL: srv.URL})
	err := n.Notify(context.Background(), Alert{Event: "x"})
	if err == nil || !strings.Contains(err.Error(), "chat not found") {
		t.Fatalf("Notify() error = %v, want chat not found", err)
	}
}

func TestTelegramNotifierDisabledIsNoop(t *testing.T) {
	n := NewTelegramNotifier(config.TelegramConfig{})
	if n.Enabled() {
		t.Fatalf("Enabled() = true, want false")
	}
	if err := n.Notify(context.Background(), Alert{Event: "x"}); err != nil {
		t.Fatalf("Notify() error = %v, want nil", err)
	}
}

func TestTelegramNotifierRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"ok":false,"description":"Too Many Requests","parameters":{"retry_after":7}}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "1", APIBaseURL: srv.URL})
	err := n.Notify(context.Background(), Alert{Event: "x"})
	if !errors.Is(err, ErrTelegramRateLimited) || !strings.Contains(err.Error(), "retry_after=7s") {
		t.Fatalf("Notify() error = %v, want rate limited retry_after=7s", err)
	}
}

func TestRenderTelegramOrderAlerts(t *testing.T) {
	at := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		a    Alert
		want string
	}{
		{
			name: "filled",
			a: Alert{Event: "order_filled", Time: at, Mode: "live", Instance: "main", Fields: map[string]string{
				"order_id": "7", "side": "BUY", "fill_qty": "0.6", "fill_price": "100.5",
				"filled": "1", "quantity": "1", "price": "100", "fee": "0.15",
			}},
			want: "<b>Filled</b> BUY 0.6 BTC @ 100.5\norder #7, filled 1/1\n<i>live/main 2024-05-01T12:00:00Z</i>\nfee: <code>0.15</code>\nprice: <code>100</code>",
		},
		{
			name: "canceled",
			a: Alert{Event: "order_canceled", Time: at, Mode: "sandbox", Instance: "a", Fields: map[string]string{
				"order_id": "9", "side": "SELL", "filled": "0.4", "quantity": "1", "price": "120",
				"reason": "User requested cancellation",
			}},
			want: "<b>Canceled</b> SELL order #9, filled 0.4/1\nUser requested cancellation\n<i>sandbox/a 2024-05-01T12:00:00Z</i>\nprice: <code>120</code>",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := renderTelegramHTML(tt.a); got != tt.want {
				t.Fatalf("renderTelegramHTML() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestTelegramPartialFillIsSilent(t *testing.T) {
	var got sendMessageRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&got)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	n := NewTelegramNotifier(config.TelegramConfig{Enabled: true, BotToken: "t", ChatID: "1", APIBaseURL: srv.URL})
	if err := n.Notify(context.Background(), Alert{Event: "order_partially_filled"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if !got.DisableNotification || !strings.HasPrefix(got.Text, "<b>Partial fill</b>") {
		t.Fatalf("request = %+v, want silent partial fill", got)
	}
}
