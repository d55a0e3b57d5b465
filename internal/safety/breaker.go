package safety

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strconv"
	"sync"
	"time"

	"bitstamp-broker/internal/alert"
	"bitstamp-broker/internal/config"
	"bitstamp-broker/internal/core"
	"bitstamp-broker/internal/exchange"
)

var ErrCircuitOpen = errors.New("circuit breaker open")

type circuitState string

const (
	circuitClosed   circuitState = "closed"
	circuitOpen     circuitState = "open"
	circuitHalfOpen circuitState = "half_open"
)

const defaultCooldown = 30 * time.Second

// Breaker trips after a run of consecutive cancel failures. While open,
// calls are refused until the cooldown elapses; the next call is then a
// half-open probe whose outcome closes or re-opens the circuit.
type Breaker struct {
	enabled     bool
	maxFailures int
	cooldown    time.Duration

	mu       sync.Mutex
	state    circuitState
	failures int
	openedAt time.Time
	openErr  error
	now      func() time.Time

	alerter alert.Alerter
}

func NewBreaker(cfg config.CircuitBreakerConfig) *Breaker {
	cooldown := time.Duration(cfg.CooldownSec) * time.Second
	if cooldown <= 0 {
		cooldown = defaultCooldown
	}
	return &Breaker{
		enabled:     cfg.Enabled,
		maxFailures: cfg.MaxCancelFailures,
		cooldown:    cooldown,
		state:       circuitClosed,
		now:         time.Now,
	}
}

func (b *Breaker) SetAlerter(alerter alert.Alerter) {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.alerter = alerter
}

// Allow reports whether a cancel call may go out now.
func (b *Breaker) Allow() error {
	if b == nil || !b.enabled {
		return nil
	}
	b.mu.Lock()
	if b.state != circuitOpen {
		b.mu.Unlock()
		return nil
	}
	if b.now().Sub(b.openedAt) < b.cooldown {
		err := b.openErr
		b.mu.Unlock()
		return err
	}
	b.state = circuitHalfOpen
	alerter := b.alerter
	b.mu.Unlock()

	log.Printf("level=INFO event=circuit_breaker_half_open action=%q cooldown_sec=%d", "cancel order", int64(b.cooldown/time.Second))
	if alerter != nil {
		alerter.Important("circuit_breaker_half_open", map[string]string{
			"action":       "cancel order",
			"cooldown_sec": strconv.FormatInt(int64(b.cooldown/time.Second), 10),
		})
	}
	return nil
}

// Record feeds the outcome of a cancel call into the circuit. It returns a
// non-nil error wrapping ErrCircuitOpen when this failure tripped it.
// Rejections that prove the exchange is reachable do not count as failures.
func (b *Breaker) Record(err error) error {
	if b == nil || !b.enabled || b.maxFailures < 1 {
		return nil
	}
	if !countsAsFailure(err) {
		b.recordSuccess()
		return nil
	}

	b.mu.Lock()
	switch b.state {
	case circuitOpen:
		openErr := b.openErr
		b.mu.Unlock()
		return openErr
	case circuitHalfOpen:
		openErr := b.tripLocked(err, b.maxFailures, "half_open_probe_failed")
		alerter := b.alerter
		b.mu.Unlock()
		b.logTrip(alerter, b.maxFailures, err)
		return openErr
	}

	b.failures++
	failures := b.failures
	alerter := b.alerter
	if failures < b.maxFailures {
		b.mu.Unlock()
		if b.maxFailures > 1 && failures == b.maxFailures-1 {
			log.Printf(
				"level=WARN event=circuit_breaker_near_trip action=%q consecutive_failures=%d threshold=%d last_error=%q",
				"cancel order",
				failures,
				b.maxFailures,
				err.Error(),
			)
			if alerter != nil {
				alerter.Important("circuit_breaker_near_trip", map[string]string{
					"action":               "cancel order",
					"consecutive_failures": strconv.Itoa(failures),
					"threshold":            strconv.Itoa(b.maxFailures),
					"last_error":           err.Error(),
				})
			}
		}
		return nil
	}
	openErr := b.tripLocked(err, failures, "consecutive_failures")
	b.mu.Unlock()
	b.logTrip(alerter, failures, err)
	return openErr
}

func (b *Breaker) CooldownRemaining() time.Duration {
	if b == nil || !b.enabled {
		return 0
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.state != circuitOpen {
		return 0
	}
	elapsed := b.now().Sub(b.openedAt)
	if elapsed >= b.cooldown {
		return 0
	}
	return b.cooldown - elapsed
}

func (b *Breaker) recordSuccess() {
	b.mu.Lock()
	prevState := b.state
	prevFailures := b.failures
	if prevState == circuitOpen || (prevState == circuitClosed && prevFailures == 0) {
		b.mu.Unlock()
		return
	}
	b.state = circuitClosed
	b.failures = 0
	b.openErr = nil
	b.openedAt = time.Time{}
	alerter := b.alerter
	b.mu.Unlock()

	log.Printf(
		"level=INFO event=circuit_breaker_recovered action=%q previous_consecutive_failures=%d from_state=%q",
		"cancel order",
		prevFailures,
		string(prevState),
	)
	if alerter != nil {
		alerter.Important("circuit_breaker_recovered", map[string]string{
			"action":                        "cancel order",
			"previous_consecutive_failures": strconv.Itoa(prevFailures),
			"from_state":                    string(prevState),
		})
	}
}

func (b *Breaker) tripLocked(err error, failures int, reason string) error {
	b.state = circuitOpen
	b.openedAt = b.now()
	b.failures = failures
	b.openErr = fmt.Errorf("%w: cancel order failed %d consecutive times, cooldown=%s, reason=%s, last error: %w", ErrCircuitOpen, failures, b.cooldown, reason, err)
	return b.openErr
}

func (b *Breaker) logTrip(alerter alert.Alerter, failures int, err error) {
	log.Printf(
		"level=ERROR event=circuit_breaker_trip action=%q consecutive_failures=%d threshold=%d last_error=%q",
		"cancel order",
		failures,
		b.maxFailures,
		err.Error(),
	)
	if alerter != nil {
		alerter.Important("circuit_breaker_trip", map[string]string{
			"action":               "cancel order",
			"consecutive_failures": strconv.Itoa(failures),
			"threshold":            strconv.Itoa(b.maxFailures),
			"last_error":           err.Error(),
		})
	}
}

func countsAsFailure(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, core.ErrOrderNotFound) || errors.Is(err, context.Canceled) {
		return false
	}
	return true
}

// GuardedExchange routes cancel calls through a Breaker. Every other
// method goes straight to the wrapped exchange.
type GuardedExchange struct {
	exchange.Exchange
	breaker *Breaker
}

func NewGuardedExchange(inner exchange.Exchange, breaker *Breaker) *GuardedExchange {
	return &GuardedExchange{Exchange: inner, breaker: breaker}
}

func (e *GuardedExchange) CancelOrder(ctx context.Context, orderID int64) error {
	if err := e.breaker.Allow(); err != nil {
		return err
	}
	err := e.Exchange.CancelOrder(ctx, orderID)
	if trip := e.breaker.Record(err); trip != nil {
		return trip
	}
	return err
}
