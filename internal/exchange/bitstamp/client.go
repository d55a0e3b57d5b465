package bitstamp

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"bitstamp-broker/internal/config"
	"bitstamp-broker/internal/core"
	"bitstamp-broker/internal/exchange"
)

const (
	defaultHistoryLimit = 100
	maxHistoryLimit     = 1000
)

type Client struct {
	clientID     string
	apiKey       string
	apiSecret    string
	baseURL      string
	historyLimit int
	httpClient   *http.Client
	now          func() time.Time

	nonceMu   sync.Mutex
	lastNonce int64
}

type Options struct {
	ClientID          string
	APIKey            string
	APISecret         string
	RestBaseURL       string
	HTTPTimeoutSec    int64
	TradeHistoryLimit int
}

var _ exchange.Exchange = (*Client)(nil)

func NewClient(cfg config.ExchangeConfig) (*Client, error) {
	if cfg.ClientID == "" || cfg.APIKey == "" || cfg.APISecret == "" {
		return nil, errors.New("client_id/api_key/api_secret required")
	}
	return NewClientWithOptions(Options{
		ClientID:          cfg.ClientID,
		APIKey:            cfg.APIKey,
		APISecret:         cfg.APISecret,
		RestBaseURL:       cfg.RestBaseURL,
		HTTPTimeoutSec:    cfg.HTTPTimeoutSec,
		TradeHistoryLimit: cfg.TradeHistoryLimit,
	}), nil
}

func NewClientWithOptions(opts Options) *Client {
	timeout := 15 * time.Second
	if opts.HTTPTimeoutSec > 0 {
		timeout = time.Duration(opts.HTTPTimeoutSec) * time.Second
	}
	limit := opts.TradeHistoryLimit
	if limit <= 0 {
		limit = defaultHistoryLimit
	}
	if limit > maxHistoryLimit {
		limit = maxHistoryLimit
	}
	return &Client{
		clientID:     opts.ClientID,
		apiKey:       opts.APIKey,
		apiSecret:    opts.APISecret,
		baseURL:      strings.TrimRight(opts.RestBaseURL, "/"),
		historyLimit: limit,
		httpClient:   &http.Client{Timeout: timeout},
		now:          time.Now,
	}
}

func (c *Client) Name() string { return "bitstamp" }

func (c *Client) Balance(ctx context.Context) (core.Balance, error) {
	body, err := c.doRequest(ctx, "/api/balance/", url.Values{})
	if err != nil {
		return core.Balance{}, err
	}
	var resp balanceResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return core.Balance{}, err
	}
	bal := core.Balance{}
	if bal.USDAvailable, err = resp.USDAvailable.decimal(); err != nil {
		return core.Balance{}, fmt.Errorf("usd_available: %w", err)
	}
	if bal.BTCAvailable, err = resp.BTCAvailable.decimal(); err != nil {
		return core.Balance{}, fmt.Errorf("btc_available: %w", err)
	}
	if bal.USDBalance, err = resp.USDBalance.decimal(); err != nil {
		return core.Balance{}, fmt.Errorf("usd_balance: %w", err)
	}
	if bal.BTCBalance, err = resp.BTCBalance.decimal(); err != nil {
		return core.Balance{}, fmt.Errorf("btc_balance: %w", err)
	}
	if bal.FeePct, err = resp.Fee.decimal(); err != nil {
		return core.Balance{}, fmt.Errorf("fee: %w", err)
	}
	return bal, nil
}

// UserTransactions returns up to the configured history limit of account
// transactions of the given kind, newest first.
func (c *Client) UserTransactions(ctx context.Context, kind exchange.TransactionKind) ([]core.Trade, error) {
	params := url.Values{}
	params.Set("offset", "0")
	params.Set("limit", strconv.Itoa(c.historyLimit))
	params.Set("sort", "desc")
	body, err := c.doRequest(ctx, "/api/user_transactions/", params)
	if err != nil {
		return nil, err
	}
	var resp []userTransactionResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	wantType := strconv.Itoa(int(kind))
	trades := make([]core.Trade, 0, len(resp))
	for _, tx := range resp {
		if string(tx.Type) != wantType {
			continue
		}
		trade, err := tradeFromTransaction(tx)
		if err != nil {
			return nil, err
		}
		trades = append(trades, trade)
	}
	return trades, nil
}

func tradeFromTransaction(tx userTransactionResponse) (core.Trade, error) {
	id, err := tx.ID.int64()
	if err != nil {
		return core.Trade{}, fmt.Errorf("transaction id %q: %w", tx.ID, err)
	}
	orderID, err := tx.OrderID.int64()
	if err != nil {
		return core.Trade{}, fmt.Errorf("transaction %d order_id %q: %w", id, tx.OrderID, err)
	}
	ts, err := parseDatetime(tx.Datetime)
	if err != nil {
		return core.Trade{}, fmt.Errorf("transaction %d: %w", id, err)
	}
	trade := core.Trade{ID: id, OrderID: orderID, Time: ts}
	if trade.Price, err = tx.BTCUSD.decimal(); err != nil {
		return core.Trade{}, fmt.Errorf("transaction %d btc_usd: %w", id, err)
	}
	if trade.BTC, err = tx.BTC.decimal(); err != nil {
		return core.Trade{}, fmt.Errorf("transaction %d btc: %w", id, err)
	}
	if trade.USD, err = tx.USD.decimal(); err != nil {
		return core.Trade{}, fmt.Errorf("transaction %d usd: %w", id, err)
	}
	if trade.Fee, err = tx.Fee.decimal(); err != nil {
		return core.Trade{}, fmt.Errorf("transaction %d fee: %w", id, err)
	}
	return trade, nil
}

func (c *Client) OpenOrders(ctx context.Context) ([]core.OpenOrder, error) {
	body, err := c.doRequest(ctx, "/api/open_orders/", url.Values{})
	if err != nil {
		return nil, err
	}
	var resp []openOrderResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, err
	}
	orders := make([]core.OpenOrder, 0, len(resp))
	for _, ord := range resp {
		id, err := ord.ID.int64()
		if err != nil {
			return nil, fmt.Errorf("open order id %q: %w", ord.ID, err)
		}
		var side core.Side
		switch string(ord.Type) {
		case openOrderBuy:
			side = core.Buy
		case openOrderSell:
			side = core.Sell
		default:
			return nil, fmt.Errorf("%w: open order %d type %q", core.ErrInvalidSide, id, ord.Type)
		}
		price, err := ord.Price.decimal()
		if err != nil {
			return nil, fmt.Errorf("open order %d price: %w", id, err)
		}
		amount, err := ord.Amount.decimal()
		if err != nil {
			return nil, fmt.Errorf("open order %d amount: %w", id, err)
		}
		ts, err := parseDatetime(ord.Datetime)
		if err != nil {
			return nil, fmt.Errorf("open order %d: %w", id, err)
		}
		orders = append(orders, core.OpenOrder{
			ID:     id,
			Side:   side,
			Price:  price,
			Amount: amount,
			Time:   ts,
		})
	}
	return orders, nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID int64) error {
	params := url.Values{}
	params.Set("id", strconv.FormatInt(orderID, 10))
	body, err := c.doRequest(ctx, "/api/cancel_order/", params)
	if err != nil {
		return err
	}
	if strings.TrimSpace(string(body)) == "false" {
		return fmt.Errorf("%w: cancel order %d rejected", core.ErrOrderNotFound, orderID)
	}
	return nil
}

func (c *Client) doRequest(ctx context.Context, path string, params url.Values) ([]byte, error) {
	nonce := c.nextNonce()
	params.Set("key", c.apiKey)
	params.Set("nonce", strconv.FormatInt(nonce, 10))
	params.Set("signature", sign(c.apiSecret, strconv.FormatInt(nonce, 10)+c.clientID+c.apiKey))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(params.Encode()))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if err := parseAPIError(resp.StatusCode, body); err != nil {
		return nil, err
	}
	return body, nil
}

// nextNonce returns a strictly increasing microsecond nonce.
func (c *Client) nextNonce() int64 {
	c.nonceMu.Lock()
	defer c.nonceMu.Unlock()
	nonce := c.now().UnixMicro()
	if nonce <= c.lastNonce {
		nonce = c.lastNonce + 1
	}
	c.lastNonce = nonce
	return nonce
}

func sign(secret, payload string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(payload))
	return strings.ToUpper(hex.EncodeToString(mac.Sum(nil)))
}
