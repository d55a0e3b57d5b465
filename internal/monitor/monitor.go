// Package monitor polls the exchange for new account trades and hands them
// to the dispatcher through a Queue.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"bitstamp-broker/internal/core"
	"bitstamp-broker/internal/exchange"
	"bitstamp-broker/internal/metrics"
)

// NoTradeID is the watermark before any trade has been seen.
const NoTradeID int64 = -1

const DefaultPollInterval = 2 * time.Second

var ErrAlreadyStarted = errors.New("trade monitor already started")

type TradeSource interface {
	UserTransactions(ctx context.Context, kind exchange.TransactionKind) ([]core.Trade, error)
}

type Alerter interface {
	Important(event string, fields map[string]string)
}

type Options struct {
	Interval time.Duration
	Alerter  Alerter
}

// Monitor fetches recent trades on a fixed interval and publishes the ones
// above its watermark as a single batch per cycle. Fetch failures are
// logged and retried on the next cycle.
type Monitor struct {
	source   TradeSource
	queue    *Queue
	interval time.Duration
	alerter  Alerter

	lastTradeID atomic.Int64
	started     atomic.Bool
	stop        chan struct{}
	stopOnce    sync.Once
	done        chan struct{}

	// owned by the loop goroutine
	failures int
}

func New(source TradeSource, queue *Queue, opts Options) *Monitor {
	interval := opts.Interval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	m := &Monitor{
		source:   source,
		queue:    queue,
		interval: interval,
		alerter:  opts.Alerter,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	m.lastTradeID.Store(NoTradeID)
	return m
}

// Start establishes the watermark with one synchronous fetch and then
// launches the polling goroutine. A failed initial fetch is returned and no
// goroutine is started.
func (m *Monitor) Start(ctx context.Context) error {
	if m.started.Load() {
		return ErrAlreadyStarted
	}
	trades, err := m.source.UserTransactions(ctx, exchange.MarketTrade)
	if err != nil {
		return fmt.Errorf("initial trade fetch: %w", err)
	}
	watermark := NoTradeID
	for _, tr := range trades {
		if tr.ID > watermark {
			watermark = tr.ID
		}
	}
	m.lastTradeID.Store(watermark)
	metrics.LastTradeID.Set(float64(watermark))
	log.Printf("level=INFO event=trade_monitor_started last_trade_id=%d interval=%s", watermark, m.interval)

	m.started.Store(true)
	go m.run(ctx)
	return nil
}

// Stop asks the loop to exit after its current cycle. It does not wait.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		close(m.stop)
	})
}

// Wait blocks until the polling goroutine has exited. It returns at once
// when the monitor was never started.
func (m *Monitor) Wait() {
	if !m.started.Load() {
		return
	}
	<-m.done
}

func (m *Monitor) LastTradeID() int64 {
	return m.lastTradeID.Load()
}

func (m *Monitor) run(ctx context.Context) {
	defer close(m.done)
	timer := time.NewTimer(m.interval)
	defer timer.Stop()
	for {
		select {
		case <-m.stop:
			log.Printf("level=INFO event=trade_monitor_stopped last_trade_id=%d", m.LastTradeID())
			return
		case <-ctx.Done():
			log.Printf("level=INFO event=trade_monitor_stopped last_trade_id=%d reason=%q", m.LastTradeID(), ctx.Err().Error())
			return
		case <-timer.C:
		}
		m.poll(ctx)
		timer.Reset(m.interval)
	}
}

func (m *Monitor) poll(ctx context.Context) {
	start := time.Now()
	trades, err := m.source.UserTransactions(ctx, exchange.MarketTrade)
	metrics.PollLatency.Observe(time.Since(start).Seconds())
	if err != nil {
		metrics.PollCycles.WithLabelValues("error").Inc()
		m.failures++
		log.Printf("level=ERROR event=trade_poll_failed consecutive=%d err=%q", m.failures, err.Error())
		if m.failures == 1 {
			m.alert("trade_poll_failed", map[string]string{"err": err.Error()})
		}
		return
	}
	metrics.PollCycles.WithLabelValues("ok").Inc()
	if m.failures > 0 {
		log.Printf("level=INFO event=trade_poll_recovered failed_cycles=%d", m.failures)
		m.alert("trade_poll_recovered", map[string]string{"failed_cycles": strconv.Itoa(m.failures)})
		m.failures = 0
	}

	fresh := newTrades(trades, m.lastTradeID.Load())
	if len(fresh) == 0 {
		return
	}
	newest := fresh[len(fresh)-1].ID
	m.lastTradeID.Store(newest)
	metrics.LastTradeID.Set(float64(newest))
	metrics.TradesPublished.Add(float64(len(fresh)))
	m.queue.Push(Event{Kind: EventUserTrades, Trades: fresh})
	log.Printf("level=INFO event=trades_published count=%d last_trade_id=%d", len(fresh), newest)
}

func (m *Monitor) alert(event string, fields map[string]string) {
	if m.alerter == nil {
		return
	}
	m.alerter.Important(event, fields)
}

// newTrades returns the trades above watermark, oldest first. The input is
// newest first; scanning stops at the first trade at or below the watermark.
func newTrades(newestFirst []core.Trade, watermark int64) []core.Trade {
	var out []core.Trade
	for _, tr := range newestFirst {
		if tr.ID <= watermark {
			break
		}
		out = append(out, tr)
	}
	slices.Reverse(out)
	return out
}
