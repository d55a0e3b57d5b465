package core

import "github.com/shopspring/decimal"

type InstrumentTraits interface {
	RoundQuantity(qty decimal.Decimal) decimal.Decimal
}

const btcQuantityPlaces = 8

// BTCTraits rounds quantities to satoshi precision.
type BTCTraits struct{}

func (BTCTraits) RoundQuantity(qty decimal.Decimal) decimal.Decimal {
	return qty.Round(btcQuantityPlaces)
}

// StepTraits rounds quantities down to a multiple of Step.
type StepTraits struct {
	Step decimal.Decimal
}

func (t StepTraits) RoundQuantity(qty decimal.Decimal) decimal.Decimal {
	return RoundDown(qty, t.Step)
}

func RoundDown(value, step decimal.Decimal) decimal.Decimal {
	if step.Cmp(decimal.Zero) <= 0 {
		return value
	}
	return value.Div(step).Truncate(0).Mul(step)
}
