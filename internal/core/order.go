package core

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

type Order struct {
	ID           int64
	Side         Side
	Type         OrderType
	Instrument   string
	LimitPrice   decimal.Decimal
	Quantity     decimal.Decimal
	Traits       InstrumentTraits
	State        OrderState
	SubmittedAt  time.Time
	Filled       decimal.Decimal
	AvgFillPrice decimal.Decimal
	Commissions  decimal.Decimal
	Executions   []ExecutionInfo
}

var validTransitions = map[OrderState][]OrderState{
	StateInitial:         {StateSubmitted, StateCanceled},
	StateSubmitted:       {StateAccepted, StateCanceled},
	StateAccepted:        {StatePartiallyFilled, StateFilled, StateCanceled},
	StatePartiallyFilled: {StatePartiallyFilled, StateFilled, StateCanceled},
}

// OrderFromOpenOrder seeds a tracked limit order from an exchange snapshot.
// The remaining amount becomes the order quantity.
func OrderFromOpenOrder(open OpenOrder, instrument string, traits InstrumentTraits) (*Order, error) {
	switch open.Side {
	case Buy, Sell:
	default:
		return nil, fmt.Errorf("%w: %q for order %d", ErrInvalidSide, open.Side, open.ID)
	}
	if traits == nil {
		traits = BTCTraits{}
	}
	return &Order{
		ID:           open.ID,
		Side:         open.Side,
		Type:         Limit,
		Instrument:   instrument,
		LimitPrice:   open.Price,
		Quantity:     traits.RoundQuantity(open.Amount),
		Traits:       traits,
		State:        StateAccepted,
		SubmittedAt:  open.Time,
		Filled:       decimal.Zero,
		AvgFillPrice: decimal.Zero,
		Commissions:  decimal.Zero,
	}, nil
}

func (o *Order) IsActive() bool {
	switch o.State {
	case StateFilled, StateCanceled:
		return false
	}
	return true
}

func (o *Order) IsFilled() bool {
	return o.State == StateFilled
}

func (o *Order) Remaining() decimal.Decimal {
	return o.roundQuantity(o.Quantity.Sub(o.Filled))
}

func (o *Order) SwitchState(next OrderState) error {
	for _, allowed := range validTransitions[o.State] {
		if allowed == next {
			o.State = next
			return nil
		}
	}
	return fmt.Errorf("%w: order %d %s -> %s", ErrInvalidTransition, o.ID, o.State, next)
}

// AddExecution accumulates a fill and advances the state. It leaves the
// order untouched when the fill would exceed the remaining quantity.
func (o *Order) AddExecution(info ExecutionInfo) error {
	qty := info.Quantity.Abs()
	if qty.Cmp(o.Remaining()) > 0 {
		return fmt.Errorf("%w: order %d remaining=%s fill=%s", ErrOverfill, o.ID, o.Remaining(), qty)
	}
	next := StatePartiallyFilled
	filled := o.roundQuantity(o.Filled.Add(qty))
	if filled.Equal(o.Quantity) {
		next = StateFilled
	}
	if err := o.SwitchState(next); err != nil {
		return err
	}
	o.accumulate(info, qty, filled)
	return nil
}

// ForceFill records an execution the exchange reported even though it
// exceeds the remaining quantity, and marks the order filled.
func (o *Order) ForceFill(info ExecutionInfo) {
	qty := info.Quantity.Abs()
	o.accumulate(info, qty, o.roundQuantity(o.Filled.Add(qty)))
	o.State = StateFilled
}

func (o *Order) accumulate(info ExecutionInfo, qty, filled decimal.Decimal) {
	if filled.IsPositive() {
		notional := o.AvgFillPrice.Mul(o.Filled).Add(info.Price.Mul(qty))
		o.AvgFillPrice = notional.Div(filled)
	}
	o.Filled = filled
	o.Commissions = o.Commissions.Add(info.Commission)
	info.Quantity = qty
	o.Executions = append(o.Executions, info)
}

// Snapshot returns a copy safe to hand to callers.
func (o *Order) Snapshot() Order {
	out := *o
	if o.Executions != nil {
		out.Executions = append([]ExecutionInfo(nil), o.Executions...)
	}
	return out
}

func (o *Order) roundQuantity(qty decimal.Decimal) decimal.Decimal {
	if o.Traits == nil {
		return qty
	}
	return o.Traits.RoundQuantity(qty)
}
