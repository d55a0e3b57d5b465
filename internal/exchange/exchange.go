package exchange

import (
	"context"

	"bitstamp-broker/internal/core"
)

type TransactionKind int

const (
	Deposit     TransactionKind = 0
	Withdrawal  TransactionKind = 1
	MarketTrade TransactionKind = 2
)

// Exchange is the account-level surface the live broker consumes.
// UserTransactions returns the most recent transactions, newest first.
type Exchange interface {
	Name() string
	Balance(ctx context.Context) (core.Balance, error)
	UserTransactions(ctx context.Context, kind TransactionKind) ([]core.Trade, error)
	OpenOrders(ctx context.Context) ([]core.OpenOrder, error)
	CancelOrder(ctx context.Context, orderID int64) error
}
