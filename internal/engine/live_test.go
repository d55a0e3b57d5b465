package engine

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"bitstamp-broker/internal/broker"
	"bitstamp-broker/internal/core"
	"bitstamp-broker/internal/exchange"
	"bitstamp-broker/internal/store"
)

type stubExchange struct {
	mu         sync.Mutex
	balance    core.Balance
	balanceErr error
	open       []core.OpenOrder
	trades     []core.Trade
}

func (s *stubExchange) Name() string { return "stub" }

func (s *stubExchange) Balance(context.Context) (core.Balance, error) {
	return s.balance, s.balanceErr
}

func (s *stubExchange) UserTransactions(context.Context, exchange.TransactionKind) ([]core.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]core.Trade(nil), s.trades...), nil
}

func (s *stubExchange) OpenOrders(context.Context) ([]core.OpenOrder, error) {
	return s.open, nil
}

func (s *stubExchange) CancelOrder(context.Context, int64) error { return nil }

type alertSpy struct {
	mu     sync.Mutex
	events []string
}

func (a *alertSpy) Important(event string, _ map[string]string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *alertSpy) has(event string) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, e := range a.events {
		if e == event {
			return true
		}
	}
	return false
}

func TestLiveRunnerDispatchesUntilCanceled(t *testing.T) {
	ex := &stubExchange{
		balance: core.Balance{USDAvailable: decimal.RequireFromString("1000")},
		open: []core.OpenOrder{{
			ID:     1,
			Side:   core.Buy,
			Price:  decimal.RequireFromString("100"),
			Amount: decimal.RequireFromString("1"),
		}},
	}
	b := broker.New(ex, broker.Options{PollInterval: 2 * time.Millisecond, QueueTimeout: time.Millisecond})
	filled := make(chan struct{})
	b.Subscribe(func(ev core.OrderEvent) {
		if ev.Type == core.EventFilled {
			close(filled)
		}
	})
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	alerts := &alertSpy{}
	r := &LiveRunner{
		Broker:     b,
		Exchange:   "stub",
		Mode:       "sandbox",
		InstanceID: "main",
		Heartbeat:  5 * time.Millisecond,
		Store:      st,
		Alerts:     alerts,
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- r.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	ex.mu.Lock()
	ex.trades = []core.Trade{{
		ID:      1,
		OrderID: 1,
		Price:   decimal.RequireFromString("100"),
		BTC:     decimal.RequireFromString("1"),
		USD:     decimal.RequireFromString("-100"),
		Fee:     decimal.RequireFromString("0.5"),
	}}
	ex.mu.Unlock()

	select {
	case <-filled:
	case <-time.After(2 * time.Second):
		t.Fatalf("order was not filled")
	}
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil on cancel", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return after cancel")
	}

	if b.State() != broker.StateStopped {
		t.Fatalf("broker State() = %s, want stopped", b.State())
	}
	status, ok, err := st.LoadRuntimeStatus()
	if err != nil || !ok {
		t.Fatalf("LoadRuntimeStatus() = (_, %v, %v), want ok", ok, err)
	}
	if status.State != "stopped" || status.Cash != "899.5" || status.Holdings["BTC"] != "1" || status.LastTradeID != 1 {
		t.Fatalf("runtime status = %+v, want stopped with cash 899.5 and 1 BTC", status)
	}
	if !alerts.has("broker_started") {
		t.Fatalf("alerts = %v, want broker_started", alerts.events)
	}
}

func TestLiveRunnerStartFailure(t *testing.T) {
	boom := errors.New("invalid signature")
	b := broker.New(&stubExchange{balanceErr: boom}, broker.Options{})
	st, err := store.New(t.TempDir())
	if err != nil {
		t.Fatalf("store.New() error = %v", err)
	}
	alerts := &alertSpy{}
	r := &LiveRunner{Broker: b, Store: st, Alerts: alerts}

	if err := r.Run(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Run() error = %v, want %v", err, boom)
	}
	status, ok, err := st.LoadRuntimeStatus()
	if err != nil || !ok {
		t.Fatalf("LoadRuntimeStatus() = (_, %v, %v), want ok", ok, err)
	}
	if status.State != string(broker.StateFailed) || status.LastError == "" {
		t.Fatalf("runtime status = %+v, want failed with last_error", status)
	}
	if !alerts.has("broker_start_failed") {
		t.Fatalf("alerts = %v, want broker_start_failed", alerts.events)
	}
}

func TestLiveRunnerReturnsAtEOF(t *testing.T) {
	ex := &stubExchange{balance: core.Balance{USDAvailable: decimal.RequireFromString("1")}}
	b := broker.New(ex, broker.Options{PollInterval: time.Hour, QueueTimeout: time.Millisecond})
	r := &LiveRunner{Broker: b}

	done := make(chan error, 1)
	go func() { done <- r.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for b.State() != broker.StateRunning {
		if time.Now().After(deadline) {
			t.Fatalf("broker never reached running, state = %s", b.State())
		}
		time.Sleep(time.Millisecond)
	}
	b.Stop()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run() error = %v, want nil", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run() did not return at EOF")
	}
}
