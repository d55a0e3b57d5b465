package broker

import (
	"errors"
	"fmt"
	"log"

	"bitstamp-broker/internal/core"
	"bitstamp-broker/internal/metrics"
)

const cashPlaces = 2

// onUserTrades applies a batch oldest first, emitting one event per trade
// that belongs to an active order. The first error aborts the batch.
func (b *Broker) onUserTrades(trades []core.Trade) error {
	for _, tr := range trades {
		ev, err := b.applyTrade(tr)
		if err != nil {
			return err
		}
		if ev != nil {
			b.emit(*ev)
		}
	}
	return nil
}

// applyTrade updates balances and the order for one trade. The sign of the
// BTC delta comes from the trade itself, never from the order side.
func (b *Broker) applyTrade(tr core.Trade) (*core.OrderEvent, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	order, ok := b.active[tr.OrderID]
	if !ok {
		metrics.OrphanTrades.Inc()
		log.Printf("level=INFO event=trade_without_active_order trade_id=%d order_id=%d", tr.ID, tr.OrderID)
		return nil, nil
	}

	info := core.ExecutionInfo{
		Price:      tr.Price,
		Quantity:   tr.BTC.Abs(),
		Commission: tr.Fee,
		Time:       tr.Time,
	}
	if err := order.AddExecution(info); err != nil {
		if !errors.Is(err, core.ErrOverfill) {
			return nil, fmt.Errorf("trade %d: %w", tr.ID, err)
		}
		log.Printf("level=ERROR event=order_overfilled trade_id=%d order_id=%d err=%q", tr.ID, order.ID, err.Error())
		order.ForceFill(info)
	}

	b.cash = b.cash.Add(tr.USD).Sub(tr.Fee).Round(cashPlaces)
	instrument := order.Instrument
	if instrument == "" {
		instrument = core.BTCSymbol
	}
	held := b.traits.RoundQuantity(b.holdings[instrument].Add(tr.BTC))
	if held.IsZero() {
		delete(b.holdings, instrument)
	} else {
		b.holdings[instrument] = held
	}

	evType := core.EventPartiallyFilled
	if !order.IsActive() {
		delete(b.active, order.ID)
		evType = core.EventFilled
	}
	b.publishGaugesLocked()
	log.Printf(
		"level=INFO event=order_execution order_id=%d trade_id=%d type=%s price=%s qty=%s fee=%s cash=%s %s=%s",
		order.ID,
		tr.ID,
		evType,
		info.Price,
		info.Quantity,
		info.Commission,
		b.cash,
		instrument,
		held,
	)
	return &core.OrderEvent{
		Order:     order.Snapshot(),
		Type:      evType,
		Execution: &info,
	}, nil
}
