package core

import (
	"time"

	"github.com/shopspring/decimal"
)

type Side string

type OrderType string

type OrderState string

type EventType string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

const (
	Limit OrderType = "LIMIT"
)

const (
	StateInitial         OrderState = "INITIAL"
	StateSubmitted       OrderState = "SUBMITTED"
	StateAccepted        OrderState = "ACCEPTED"
	StatePartiallyFilled OrderState = "PARTIALLY_FILLED"
	StateFilled          OrderState = "FILLED"
	StateCanceled        OrderState = "CANCELED"
)

const (
	EventPartiallyFilled EventType = "PARTIALLY_FILLED"
	EventFilled          EventType = "FILLED"
	EventCanceled        EventType = "CANCELED"
)

const (
	BTCSymbol = "BTC"
	USDSymbol = "USD"
)

// Trade is a fill reported by the exchange. BTC and USD are signed deltas
// from the account's point of view: a buy has BTC > 0 and USD < 0.
type Trade struct {
	ID      int64           `json:"id"`
	OrderID int64           `json:"order_id"`
	Price   decimal.Decimal `json:"price"`
	BTC     decimal.Decimal `json:"btc"`
	USD     decimal.Decimal `json:"usd"`
	Fee     decimal.Decimal `json:"fee"`
	Time    time.Time       `json:"time"`
}

type OpenOrder struct {
	ID     int64
	Side   Side
	Price  decimal.Decimal
	Amount decimal.Decimal
	Time   time.Time
}

type Balance struct {
	USDAvailable decimal.Decimal
	BTCAvailable decimal.Decimal
	USDBalance   decimal.Decimal
	BTCBalance   decimal.Decimal
	FeePct       decimal.Decimal
}

type ExecutionInfo struct {
	Price      decimal.Decimal `json:"price"`
	Quantity   decimal.Decimal `json:"quantity"`
	Commission decimal.Decimal `json:"commission"`
	Time       time.Time       `json:"time"`
}

// OrderEvent describes a lifecycle change. Execution is set for fills,
// Reason for cancellations.
type OrderEvent struct {
	Order     Order
	Type      EventType
	Execution *ExecutionInfo
	Reason    string
}
