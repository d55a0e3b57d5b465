package monitor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"bitstamp-broker/internal/core"
	"bitstamp-broker/internal/exchange"
)

// scriptedSource returns one scripted response per call and repeats the
// last one once the script is exhausted.
type scriptedSource struct {
	mu    sync.Mutex
	steps []sourceStep
	calls int
	kinds []exchange.TransactionKind
}

type sourceStep struct {
	trades []core.Trade
	err    error
}

func (s *scriptedSource) UserTransactions(_ context.Context, kind exchange.TransactionKind) ([]core.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.kinds = append(s.kinds, kind)
	i := s.calls
	if i >= len(s.steps) {
		i = len(s.steps) - 1
	}
	s.calls++
	step := s.steps[i]
	return step.trades, step.err
}

func (s *scriptedSource) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type alertSpy struct {
	mu     sync.Mutex
	events []string
}

func (a *alertSpy) Important(event string, _ map[string]string) {
	a.mu.Lock()
	a.events = append(a.events, event)
	a.mu.Unlock()
}

func (a *alertSpy) snapshot() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]string(nil), a.events...)
}

func trades(ids ...int64) []core.Trade {
	out := make([]core.Trade, 0, len(ids))
	for _, id := range ids {
		out = append(out, core.Trade{ID: id, OrderID: 1})
	}
	return out
}

func ids(trs []core.Trade) []int64 {
	out := make([]int64, 0, len(trs))
	for _, tr := range trs {
		out = append(out, tr.ID)
	}
	return out
}

func equalIDs(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(2 * time.Millisecond)
	}
}

func TestNewTrades(t *testing.T) {
	tests := []struct {
		name      string
		input     []int64
		watermark int64
		want      []int64
	}{
		{name: "none new", input: []int64{10, 9, 8}, watermark: 10, want: []int64{}},
		{name: "two new oldest first", input: []int64{12, 11, 10, 9}, watermark: 10, want: []int64{11, 12}},
		{name: "empty history", input: nil, watermark: NoTradeID, want: []int64{}},
		{name: "all new from sentinel", input: []int64{3, 2, 1}, watermark: NoTradeID, want: []int64{1, 2, 3}},
		{name: "stops at first old id", input: []int64{12, 5, 11}, watermark: 10, want: []int64{12}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ids(newTrades(trades(tt.input...), tt.watermark))
			if !equalIDs(got, tt.want) {
				t.Fatalf("newTrades() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestMonitorStartSetsWatermark(t *testing.T) {
	src := &scriptedSource{steps: []sourceStep{{trades: trades(10, 9, 8)}}}
	m := New(src, NewQueue(), Options{Interval: time.Hour})
	if got := m.LastTradeID(); got != NoTradeID {
		t.Fatalf("LastTradeID() before start = %d, want %d", got, NoTradeID)
	}
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	defer func() {
		m.Stop()
		m.Wait()
	}()
	if got := m.LastTradeID(); got != 10 {
		t.Fatalf("LastTradeID() = %d, want 10", got)
	}
	if src.kinds[0] != exchange.MarketTrade {
		t.Fatalf("fetch kind = %v, want MarketTrade", src.kinds[0])
	}
	if err := m.Start(context.Background()); !errors.Is(err, ErrAlreadyStarted) {
		t.Fatalf("second Start() error = %v, want ErrAlreadyStarted", err)
	}
}

func TestMonitorStartEmptyHistoryKeepsSentinel(t *testing.T) {
	src := &scriptedSource{steps: []sourceStep{{}}}
	m := New(src, NewQueue(), Options{Interval: time.Hour})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	m.Stop()
	m.Wait()
	if got := m.LastTradeID(); got != NoTradeID {
		t.Fatalf("LastTradeID() = %d, want %d", got, NoTradeID)
	}
}

func TestMonitorStartFailureDoesNotLaunchLoop(t *testing.T) {
	boom := errors.New("network down")
	src := &scriptedSource{steps: []sourceStep{{err: boom}}}
	m := New(src, NewQueue(), Options{Interval: time.Millisecond})
	if err := m.Start(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("Start() error = %v, want %v", err, boom)
	}
	time.Sleep(20 * time.Millisecond)
	if got := src.callCount(); got != 1 {
		t.Fatalf("fetch calls = %d, want 1", got)
	}
	// Wait must not block for a monitor that never started.
	m.Wait()
}

func TestMonitorPublishesOnlyNewTradesInOneBatch(t *testing.T) {
	src := &scriptedSource{steps: []sourceStep{
		{trades: trades(10, 9)},
		{trades: trades(10, 9)},
		{trades: trades(12, 11, 10, 9)},
		{trades: trades(12, 11, 10, 9)},
	}}
	q := NewQueue()
	m := New(src, q, Options{Interval: 2 * time.Millisecond})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ev, ok := q.Pop(2 * time.Second)
	if !ok {
		t.Fatalf("Pop() ok = false, want published batch")
	}
	waitFor(t, func() bool { return src.callCount() >= 6 })
	m.Stop()
	m.Wait()

	if ev.Kind != EventUserTrades {
		t.Fatalf("event kind = %v, want EventUserTrades", ev.Kind)
	}
	if got := ids(ev.Trades); !equalIDs(got, []int64{11, 12}) {
		t.Fatalf("batch ids = %v, want [11 12]", got)
	}
	if got := m.LastTradeID(); got != 12 {
		t.Fatalf("LastTradeID() = %d, want 12", got)
	}
	if q.Len() != 0 {
		t.Fatalf("queue Len() = %d, want 0 (no republish)", q.Len())
	}
}

func TestMonitorFailureKeepsWatermarkAndAlertsOncePerStreak(t *testing.T) {
	boom := errors.New("timeout")
	src := &scriptedSource{steps: []sourceStep{
		{trades: trades(5)},
		{err: boom},
		{err: boom},
		{err: boom},
		{trades: trades(6, 5)},
	}}
	q := NewQueue()
	spy := &alertSpy{}
	m := New(src, q, Options{Interval: 2 * time.Millisecond, Alerter: spy})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	ev, ok := q.Pop(2 * time.Second)
	m.Stop()
	m.Wait()

	if !ok {
		t.Fatalf("Pop() ok = false, want batch after recovery")
	}
	if got := ids(ev.Trades); !equalIDs(got, []int64{6}) {
		t.Fatalf("batch ids = %v, want [6]", got)
	}
	alerts := spy.snapshot()
	if len(alerts) != 2 || alerts[0] != "trade_poll_failed" || alerts[1] != "trade_poll_recovered" {
		t.Fatalf("alerts = %v, want [trade_poll_failed trade_poll_recovered]", alerts)
	}
}

func TestMonitorStopsWhenContextCanceled(t *testing.T) {
	src := &scriptedSource{steps: []sourceStep{{}}}
	m := New(src, NewQueue(), Options{Interval: time.Hour})
	ctx, cancel := context.WithCancel(context.Background())
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	cancel()

	done := make(chan struct{})
	go func() {
		m.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("Wait() did not return after context cancel")
	}
}

func TestMonitorStopIsIdempotent(t *testing.T) {
	src := &scriptedSource{steps: []sourceStep{{}}}
	m := New(src, NewQueue(), Options{Interval: time.Hour})
	if err := m.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	m.Stop()
	m.Stop()
	m.Wait()
}
