// Package engine hosts the broker: it starts it, drives Dispatch from a
// single goroutine, records runtime status, and shuts it down.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"bitstamp-broker/internal/alert"
	"bitstamp-broker/internal/broker"
	"bitstamp-broker/internal/core"
	"bitstamp-broker/internal/store"
)

var ErrDispatch = errors.New("dispatch failed")

type LiveRunner struct {
	Broker     *broker.Broker
	Exchange   string
	Mode       string
	InstanceID string
	Heartbeat  time.Duration
	Store      *store.Store
	Alerts     alert.Alerter
}

// Run starts the broker and dispatches until ctx is done, the broker
// reaches EOF, or dispatch fails. The broker is always stopped and joined
// before Run returns. Context cancellation is reported as nil.
func (r *LiveRunner) Run(ctx context.Context) (runErr error) {
	startedAt := time.Now().UTC()
	r.persistRuntimeStatus("starting", startedAt, nil)
	defer func() {
		r.Broker.Stop()
		r.Broker.Join()
		state := string(r.Broker.State())
		r.persistRuntimeStatus(state, startedAt, runErr)
		log.Printf("level=INFO event=runner_stopped state=%s", state)
	}()

	if err := r.Broker.Start(ctx); err != nil {
		r.alertImportant("broker_start_failed", map[string]string{"reason": err.Error()})
		return err
	}
	r.persistRuntimeStatus(string(r.Broker.State()), startedAt, nil)
	r.alertImportant("broker_started", map[string]string{
		"cash":          r.Broker.Cash().String(),
		"btc":           r.Broker.Shares(core.BTCSymbol).String(),
		"active_orders": fmt.Sprint(len(r.Broker.ActiveOrders())),
	})

	var heartbeat <-chan time.Time
	if r.Heartbeat > 0 {
		ticker := time.NewTicker(r.Heartbeat)
		defer ticker.Stop()
		heartbeat = ticker.C
	}
	for !r.Broker.EOF() {
		select {
		case <-ctx.Done():
			return nil
		case <-heartbeat:
			r.persistRuntimeStatus(string(r.Broker.State()), startedAt, nil)
		default:
		}
		if _, err := r.Broker.Dispatch(); err != nil {
			err = fmt.Errorf("%w: %v", ErrDispatch, err)
			log.Printf("level=ERROR event=runner_dispatch_failed err=%q", err.Error())
			r.alertImportant("runner_stopped", map[string]string{"reason": err.Error()})
			return err
		}
	}
	return nil
}

func (r *LiveRunner) alertImportant(event string, fields map[string]string) {
	if r.Alerts == nil {
		return
	}
	r.Alerts.Important(event, fields)
}

func (r *LiveRunner) persistRuntimeStatus(state string, startedAt time.Time, lastErr error) {
	if r.Store == nil {
		return
	}
	mode := r.Mode
	if mode == "" {
		mode = "live"
	}
	instanceID := r.InstanceID
	if instanceID == "" {
		instanceID = "default"
	}
	holdings := make(map[string]string)
	for k, v := range r.Broker.Positions() {
		holdings[k] = v.String()
	}
	status := store.RuntimeStatus{
		Mode:         mode,
		InstanceID:   instanceID,
		Exchange:     r.Exchange,
		PID:          os.Getpid(),
		State:        state,
		StartedAt:    startedAt,
		LastTradeID:  r.Broker.LastTradeID(),
		Cash:         r.Broker.Cash().String(),
		Holdings:     holdings,
		ActiveOrders: len(r.Broker.ActiveOrders()),
		QueueDepth:   r.Broker.QueueLen(),
	}
	if lastErr != nil {
		status.LastError = lastErr.Error()
	}
	if err := r.Store.SaveRuntimeStatus(status); err != nil {
		log.Printf("level=WARN event=runtime_status_write_failed err=%q", err.Error())
	}
}
