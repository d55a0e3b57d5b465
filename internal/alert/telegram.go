package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"io"
	"net/http"
	"strings"
	"time"

	"bitstamp-broker/internal/config"
)

const telegramMaxText = 4096

var ErrTelegramRateLimited = errors.New("telegram rate limited")

// TelegramNotifier posts alerts to a chat through the Bot API as HTML.
// Order alerts get a one-line summary; partial fills are sent silently.
type TelegramNotifier struct {
	enabled  bool
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
}

func NewTelegramNotifier(cfg config.TelegramConfig) *TelegramNotifier {
	timeout := time.Duration(cfg.TimeoutSec) * time.Second
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &TelegramNotifier{
		enabled:  cfg.Enabled,
		botToken: cfg.BotToken,
		chatID:   cfg.ChatID,
		baseURL:  strings.TrimRight(cfg.APIBaseURL, "/"),
		client:   &http.Client{Timeout: timeout},
	}
}

func (t *TelegramNotifier) Enabled() bool {
	return t != nil && t.enabled
}

func (t *TelegramNotifier) Notify(ctx context.Context, a Alert) error {
	if !t.Enabled() {
		return nil
	}
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:              t.chatID,
		Text:                renderTelegramHTML(a),
		ParseMode:           "HTML",
		DisableNotification: a.Event == "order_partially_filled",
	})
	if err != nil {
		return err
	}
	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", t.baseURL, t.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	return parseSendMessageResponse(resp.StatusCode, body)
}

func parseSendMessageResponse(status int, body []byte) error {
	var parsed sendMessageResponse
	decodeErr := json.Unmarshal(body, &parsed)
	if status == http.StatusTooManyRequests {
		return fmt.Errorf("%w: retry_after=%ds", ErrTelegramRateLimited, parsed.Parameters.RetryAfter)
	}
	if status < 200 || status >= 300 {
		return fmt.Errorf("telegram status=%d body=%s", status, strings.TrimSpace(string(body)))
	}
	if len(body) == 0 || decodeErr != nil {
		return nil
	}
	if !parsed.OK {
		return fmt.Errorf("telegram api error: %s", strings.TrimSpace(parsed.Description))
	}
	return nil
}

// orderSummaryKeys are folded into the headline of order alerts.
var orderSummaryKeys = map[string]bool{
	"order_id": true, "side": true, "fill_qty": true, "fill_price": true,
	"filled": true, "quantity": true, "reason": true,
}

func renderTelegramHTML(a Alert) string {
	f := a.Fields
	var b strings.Builder
	order := true
	switch a.Event {
	case "order_filled":
		fmt.Fprintf(&b, "<b>Filled</b> %s %s BTC @ %s", esc(f["side"]), esc(f["fill_qty"]), esc(f["fill_price"]))
		fmt.Fprintf(&b, "\norder #%s, filled %s/%s", esc(f["order_id"]), esc(f["filled"]), esc(f["quantity"]))
	case "order_partially_filled":
		fmt.Fprintf(&b, "<b>Partial fill</b> %s %s BTC @ %s", esc(f["side"]), esc(f["fill_qty"]), esc(f["fill_price"]))
		fmt.Fprintf(&b, "\norder #%s, filled %s/%s", esc(f["order_id"]), esc(f["filled"]), esc(f["quantity"]))
	case "order_canceled":
		fmt.Fprintf(&b, "<b>Canceled</b> %s order #%s, filled %s/%s", esc(f["side"]), esc(f["order_id"]), esc(f["filled"]), esc(f["quantity"]))
		if f["reason"] != "" {
			fmt.Fprintf(&b, "\n%s", esc(f["reason"]))
		}
	default:
		order = false
		fmt.Fprintf(&b, "<b>%s</b>", esc(a.Event))
	}
	fmt.Fprintf(&b, "\n<i>%s/%s %s</i>", esc(a.Mode), esc(a.Instance), a.Time.Format(time.RFC3339))
	for _, k := range a.fieldKeys() {
		if order && orderSummaryKeys[k] {
			continue
		}
		fmt.Fprintf(&b, "\n%s: <code>%s</code>", esc(k), esc(f[k]))
	}
	return truncateRunes(b.String(), telegramMaxText)
}

func esc(s string) string {
	return html.EscapeString(s)
}

func truncateRunes(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-1]) + "…"
}

type sendMessageRequest struct {
	ChatID              string `json:"chat_id"`
	Text                string `json:"text"`
	ParseMode           string `json:"parse_mode,omitempty"`
	DisableNotification bool   `json:"disable_notification,omitempty"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
	Parameters  struct {
		RetryAfter int `json:"retry_after"`
	} `json:"parameters"`
}
