package bitstamp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// APIError is an error body returned by Bitstamp with a 2xx or 4xx status.
type APIError struct {
	Status int
	Msg    string
}

func (e APIError) Error() string {
	return "bitstamp api error " + strconv.Itoa(e.Status) + ": " + e.Msg
}

// flexString accepts both JSON strings and bare numbers; Bitstamp is not
// consistent about quoting numeric fields.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexString(strings.TrimSpace(s))
		return nil
	}
	*f = flexString(data)
	return nil
}

func (f flexString) decimal() (decimal.Decimal, error) {
	if f == "" {
		return decimal.Zero, nil
	}
	return decimal.NewFromString(string(f))
}

func (f flexString) int64() (int64, error) {
	return strconv.ParseInt(string(f), 10, 64)
}

type balanceResponse struct {
	USDAvailable flexString `json:"usd_available"`
	BTCAvailable flexString `json:"btc_available"`
	USDBalance   flexString `json:"usd_balance"`
	BTCBalance   flexString `json:"btc_balance"`
	Fee          flexString `json:"fee"`
}

type userTransactionResponse struct {
	ID       flexString `json:"id"`
	OrderID  flexString `json:"order_id"`
	Type     flexString `json:"type"`
	Datetime string     `json:"datetime"`
	USD      flexString `json:"usd"`
	BTC      flexString `json:"btc"`
	BTCUSD   flexString `json:"btc_usd"`
	Fee      flexString `json:"fee"`
}

type openOrderResponse struct {
	ID       flexString `json:"id"`
	Datetime string     `json:"datetime"`
	Type     flexString `json:"type"`
	Price    flexString `json:"price"`
	Amount   flexString `json:"amount"`
}

const (
	openOrderBuy  = "0"
	openOrderSell = "1"
)

var datetimeLayouts = []string{
	"2006-01-02 15:04:05.999999",
	"2006-01-02 15:04:05",
}

func parseDatetime(v string) (time.Time, error) {
	v = strings.TrimSpace(v)
	for _, layout := range datetimeLayouts {
		if ts, err := time.ParseInLocation(layout, v, time.UTC); err == nil {
			return ts, nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid datetime %q", v)
}
