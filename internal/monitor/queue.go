package monitor

import (
	"sync"
	"time"

	"bitstamp-broker/internal/core"
	"bitstamp-broker/internal/metrics"
)

type EventKind int

const (
	// EventUserTrades carries a batch of new account trades, oldest first.
	EventUserTrades EventKind = iota + 1
)

func (k EventKind) String() string {
	switch k {
	case EventUserTrades:
		return "user_trades"
	default:
		return "unknown"
	}
}

type Event struct {
	Kind   EventKind
	Trades []core.Trade
}

// Queue is an unbounded FIFO handing events from the poller goroutine to
// the dispatcher. Push never blocks and never drops.
type Queue struct {
	mu     sync.Mutex
	items  []Event
	notify chan struct{}
}

func NewQueue() *Queue {
	return &Queue{notify: make(chan struct{}, 1)}
}

func (q *Queue) Push(ev Event) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	n := len(q.items)
	q.mu.Unlock()
	metrics.QueueDepth.Set(float64(n))

	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// Pop returns the oldest event, waiting up to timeout for one to arrive.
// A non-positive timeout does not wait.
func (q *Queue) Pop(timeout time.Duration) (Event, bool) {
	if ev, ok := q.tryPop(); ok {
		return ev, true
	}
	if timeout <= 0 {
		return Event{}, false
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	for {
		select {
		case <-q.notify:
			if ev, ok := q.tryPop(); ok {
				return ev, true
			}
		case <-timer.C:
			return q.tryPop()
		}
	}
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) tryPop() (Event, bool) {
	q.mu.Lock()
	if len(q.items) == 0 {
		q.mu.Unlock()
		return Event{}, false
	}
	ev := q.items[0]
	q.items[0] = Event{}
	q.items = q.items[1:]
	n := len(q.items)
	if n == 0 {
		q.items = nil
	}
	q.mu.Unlock()
	metrics.QueueDepth.Set(float64(n))
	return ev, true
}
