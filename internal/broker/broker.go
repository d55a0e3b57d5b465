// Package broker presents a Bitstamp account as an event-driven broker.
//
// A background monitor polls the account's trades and hands new ones to a
// queue. The host calls Dispatch from its own loop; reconciliation and
// event delivery happen there, one trade at a time.
package broker

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"bitstamp-broker/internal/core"
	"bitstamp-broker/internal/exchange"
	"bitstamp-broker/internal/metrics"
	"bitstamp-broker/internal/monitor"
)

type State string

const (
	StateCreated  State = "created"
	StateStarting State = "starting"
	StateRunning  State = "running"
	StateStopping State = "stopping"
	StateStopped  State = "stopped"
	StateFailed   State = "failed"
)

const (
	DefaultQueueTimeout = 10 * time.Millisecond
	cancelReason        = "User requested cancellation"
)

var ErrInvalidState = errors.New("invalid broker state")

// Subject is the control surface a host engine drives.
type Subject interface {
	Start(ctx context.Context) error
	Stop()
	Join()
	EOF() bool
	Dispatch() (bool, error)
	PeekDateTime() (time.Time, bool)
}

var _ Subject = (*Broker)(nil)

// OrderEventHandler receives lifecycle events synchronously: fills on the
// goroutine calling Dispatch, cancels on the goroutine calling CancelOrder.
type OrderEventHandler func(core.OrderEvent)

type Options struct {
	PollInterval time.Duration
	QueueTimeout time.Duration
	// Traits rounds BTC quantities. Defaults to core.BTCTraits.
	Traits  core.InstrumentTraits
	Alerter monitor.Alerter
}

type Broker struct {
	exchange     exchange.Exchange
	queue        *monitor.Queue
	monitor      *monitor.Monitor
	queueTimeout time.Duration
	traits       core.InstrumentTraits

	mu       sync.RWMutex
	state    State
	cash     decimal.Decimal
	holdings map[string]decimal.Decimal
	active   map[int64]*core.Order
	handlers []OrderEventHandler
}

func New(ex exchange.Exchange, opts Options) *Broker {
	traits := opts.Traits
	if traits == nil {
		traits = core.BTCTraits{}
	}
	queueTimeout := opts.QueueTimeout
	if queueTimeout <= 0 {
		queueTimeout = DefaultQueueTimeout
	}
	queue := monitor.NewQueue()
	return &Broker{
		exchange: ex,
		queue:    queue,
		monitor: monitor.New(ex, queue, monitor.Options{
			Interval: opts.PollInterval,
			Alerter:  opts.Alerter,
		}),
		queueTimeout: queueTimeout,
		traits:       traits,
		state:        StateCreated,
		cash:         decimal.Zero,
		holdings:     make(map[string]decimal.Decimal),
		active:       make(map[int64]*core.Order),
	}
}

// Subscribe registers h. Handlers run in registration order.
func (b *Broker) Subscribe(h OrderEventHandler) {
	if h == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers = append(b.handlers, h)
}

// Start loads the balance and open orders, then starts the trade monitor.
// Any failure leaves the broker Failed and at EOF; the monitor is only
// started when both refreshes succeed.
func (b *Broker) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.state != StateCreated {
		state := b.state
		b.mu.Unlock()
		return fmt.Errorf("%w: start from %s", ErrInvalidState, state)
	}
	b.state = StateStarting
	b.mu.Unlock()

	if err := b.RefreshAccountBalance(ctx); err != nil {
		return b.fail(fmt.Errorf("refresh account balance: %w", err))
	}
	if err := b.RefreshOpenOrders(ctx); err != nil {
		return b.fail(fmt.Errorf("refresh open orders: %w", err))
	}
	log.Printf("level=INFO event=trade_monitor_init exchange=%s", b.exchange.Name())
	if err := b.monitor.Start(ctx); err != nil {
		return b.fail(fmt.Errorf("start trade monitor: %w", err))
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	// Stop may have been called while the refreshes were in flight.
	if b.state == StateStarting {
		b.state = StateRunning
	}
	log.Printf("level=INFO event=broker_started state=%s cash=%s active_orders=%d", b.state, b.cash, len(b.active))
	return nil
}

func (b *Broker) fail(err error) error {
	b.mu.Lock()
	b.state = StateFailed
	b.mu.Unlock()
	log.Printf("level=ERROR event=broker_start_failed err=%q", err.Error())
	return err
}

// Stop signals the trade monitor and returns without waiting.
func (b *Broker) Stop() {
	b.mu.Lock()
	switch b.state {
	case StateCreated, StateStarting, StateRunning:
		b.state = StateStopping
	}
	state := b.state
	b.mu.Unlock()
	b.monitor.Stop()
	log.Printf("level=INFO event=broker_stop_requested state=%s", state)
}

// Join blocks until the trade monitor goroutine has exited.
func (b *Broker) Join() {
	b.monitor.Wait()
	b.mu.Lock()
	if b.state == StateStopping {
		b.state = StateStopped
	}
	b.mu.Unlock()
}

// EOF reports whether the host should stop dispatching.
func (b *Broker) EOF() bool {
	switch b.State() {
	case StateStopping, StateStopped, StateFailed:
		return true
	}
	return false
}

// PeekDateTime always reports no next event time: this is a realtime
// source and never drives the host's clock.
func (b *Broker) PeekDateTime() (time.Time, bool) {
	return time.Time{}, false
}

// Dispatch handles at most one queued event, waiting up to the queue
// timeout for one to arrive. It reports whether an event was processed.
func (b *Broker) Dispatch() (bool, error) {
	ev, ok := b.queue.Pop(b.queueTimeout)
	if !ok {
		return false, nil
	}
	switch ev.Kind {
	case monitor.EventUserTrades:
		return true, b.onUserTrades(ev.Trades)
	default:
		log.Printf("level=ERROR event=unknown_event_dropped kind=%d", int(ev.Kind))
		return false, nil
	}
}

func (b *Broker) State() State {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.state
}

func (b *Broker) Cash() decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cash
}

func (b *Broker) Shares(instrument string) decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.holdings[instrument]
}

// Positions returns a copy of every non-zero holding.
func (b *Broker) Positions() map[string]decimal.Decimal {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(b.holdings))
	for k, v := range b.holdings {
		out[k] = v
	}
	return out
}

// ActiveOrders returns snapshots of the active orders sorted by id.
func (b *Broker) ActiveOrders() []core.Order {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]core.Order, 0, len(b.active))
	for _, o := range b.active {
		out = append(out, o.Snapshot())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (b *Broker) ActiveOrder(id int64) (core.Order, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	o, ok := b.active[id]
	if !ok {
		return core.Order{}, false
	}
	return o.Snapshot(), true
}

func (b *Broker) InstrumentTraits(instrument string) core.InstrumentTraits {
	return b.traits
}

func (b *Broker) LastTradeID() int64 {
	return b.monitor.LastTradeID()
}

func (b *Broker) QueueLen() int {
	return b.queue.Len()
}

func (b *Broker) SubmitOrder(context.Context, core.Order) error {
	return fmt.Errorf("%w: submit order", core.ErrNotImplemented)
}

func (b *Broker) CreateLimitOrder(side core.Side, instrument string, price, quantity decimal.Decimal) (*core.Order, error) {
	return nil, fmt.Errorf("%w: create limit order", core.ErrNotImplemented)
}

func (b *Broker) CreateMarketOrder(side core.Side, instrument string, quantity decimal.Decimal, onClose bool) (*core.Order, error) {
	return nil, fmt.Errorf("%w: market orders", core.ErrNotSupported)
}

func (b *Broker) CreateStopOrder(side core.Side, instrument string, stopPrice, quantity decimal.Decimal) (*core.Order, error) {
	return nil, fmt.Errorf("%w: stop orders", core.ErrNotSupported)
}

func (b *Broker) CreateStopLimitOrder(side core.Side, instrument string, stopPrice, limitPrice, quantity decimal.Decimal) (*core.Order, error) {
	return nil, fmt.Errorf("%w: stop limit orders", core.ErrNotSupported)
}

// CancelOrder cancels an active order on the exchange. On failure the
// order stays active and untouched; on success it is removed, switched to
// Canceled, and a Canceled event is emitted.
func (b *Broker) CancelOrder(ctx context.Context, orderID int64) error {
	b.mu.RLock()
	_, ok := b.active[orderID]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: order %d", core.ErrOrderNotActive, orderID)
	}

	if err := b.exchange.CancelOrder(ctx, orderID); err != nil {
		log.Printf("level=WARN event=cancel_order_failed order_id=%d err=%q", orderID, err.Error())
		return fmt.Errorf("cancel order %d: %w", orderID, err)
	}

	b.mu.Lock()
	order, ok := b.active[orderID]
	if !ok {
		// A fill completed the order while the cancel was in flight.
		b.mu.Unlock()
		log.Printf("level=INFO event=cancel_order_raced_fill order_id=%d", orderID)
		return nil
	}
	if err := order.SwitchState(core.StateCanceled); err != nil {
		b.mu.Unlock()
		return err
	}
	delete(b.active, orderID)
	snapshot := order.Snapshot()
	b.publishGaugesLocked()
	b.mu.Unlock()

	log.Printf("level=INFO event=order_canceled order_id=%d filled=%s", orderID, snapshot.Filled)
	b.emit(core.OrderEvent{Order: snapshot, Type: core.EventCanceled, Reason: cancelReason})
	return nil
}

// RefreshAccountBalance replaces cash and BTC holdings with the exchange's
// available balances.
func (b *Broker) RefreshAccountBalance(ctx context.Context) error {
	log.Printf("level=INFO event=account_balance_refresh")
	bal, err := b.exchange.Balance(ctx)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cash = bal.USDAvailable.Round(cashPlaces)
	btc := b.traits.RoundQuantity(bal.BTCAvailable)
	b.holdings = make(map[string]decimal.Decimal, 1)
	if !btc.IsZero() {
		b.holdings[core.BTCSymbol] = btc
	}
	b.publishGaugesLocked()
	log.Printf("level=INFO event=account_balance usd=%s btc=%s", b.cash, btc)
	return nil
}

// RefreshOpenOrders rebuilds the active order set from the exchange's open
// orders. Orders already tracked keep their execution history.
func (b *Broker) RefreshOpenOrders(ctx context.Context) error {
	log.Printf("level=INFO event=open_orders_refresh")
	open, err := b.exchange.OpenOrders(ctx)
	if err != nil {
		return err
	}
	next := make(map[int64]*core.Order, len(open))
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, oo := range open {
		if existing, ok := b.active[oo.ID]; ok {
			next[oo.ID] = existing
			continue
		}
		order, err := core.OrderFromOpenOrder(oo, core.BTCSymbol, b.traits)
		if err != nil {
			return err
		}
		next[oo.ID] = order
	}
	for id := range b.active {
		if _, ok := next[id]; !ok {
			log.Printf("level=INFO event=order_no_longer_open order_id=%d", id)
		}
	}
	b.active = next
	b.publishGaugesLocked()
	log.Printf("level=INFO event=open_orders count=%d", len(open))
	return nil
}

func (b *Broker) emit(ev core.OrderEvent) {
	metrics.OrderEvents.WithLabelValues(string(ev.Type)).Inc()
	b.mu.RLock()
	handlers := append([]OrderEventHandler(nil), b.handlers...)
	b.mu.RUnlock()
	for _, h := range handlers {
		h(ev)
	}
}

func (b *Broker) publishGaugesLocked() {
	metrics.Cash.Set(b.cash.InexactFloat64())
	metrics.Holdings.WithLabelValues(core.BTCSymbol).Set(b.holdings[core.BTCSymbol].InexactFloat64())
	metrics.ActiveOrders.Set(float64(len(b.active)))
}
