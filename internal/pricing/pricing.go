// Package pricing holds the combo price arithmetic shared by the trade manager and
// the template processor. Computations run on decimals so tick rounding is exact.
package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"

	"optionsBot/internal/domain"
)

var (
	multiLegTick  = decimal.RequireFromString("0.05")
	singleLegTick = decimal.RequireFromString("0.10")
	two           = decimal.NewFromInt(2)
)

// Tick returns the price increment for an order with the given number of legs.
func Tick(legCount int) float64 {
	return tickFor(legCount).InexactFloat64()
}

func tickFor(legCount int) decimal.Decimal {
	if legCount > 1 {
		return multiLegTick
	}
	return singleLegTick
}

// MidPrice returns the combo mid price of the legs: the sum of (bid+ask)/2, added
// for BUY legs and negated for SELL legs, rounded to the order's tick.
func MidPrice(legs []domain.Leg) (float64, error) {
	if len(legs) == 0 {
		return 0, fmt.Errorf("cannot price an order without legs")
	}
	sum := decimal.Zero
	for i, l := range legs {
		if l.Bid < 0 || l.Ask < 0 {
			return 0, fmt.Errorf("leg %d has negative quote (bid=%v ask=%v)", i, l.Bid, l.Ask)
		}
		mid := decimal.NewFromFloat(l.Bid).Add(decimal.NewFromFloat(l.Ask)).Div(two)
		if l.Action == domain.Sell {
			mid = mid.Neg()
		}
		sum = sum.Add(mid)
	}
	return roundToTick(sum, len(legs)).InexactFloat64(), nil
}

// RoundToTick rounds price to the nearest tick for the given number of legs.
func RoundToTick(price float64, legCount int) float64 {
	return roundToTick(decimal.NewFromFloat(price), legCount).InexactFloat64()
}

func roundToTick(price decimal.Decimal, legCount int) decimal.Decimal {
	tick := tickFor(legCount)
	return price.Div(tick).Round(0).Mul(tick)
}

// Step moves price by step and rounds the result to the order's tick.
// With the debit-positive convention adding a positive step always concedes
// price: a debit pays more, a credit collects less.
func Step(price, step float64, legCount int) float64 {
	moved := decimal.NewFromFloat(price).Add(decimal.NewFromFloat(step))
	return roundToTick(moved, legCount).InexactFloat64()
}

// Scale multiplies price by factor and rounds the result to the order's tick.
func Scale(price, factor float64, legCount int) float64 {
	scaled := decimal.NewFromFloat(price).Mul(decimal.NewFromFloat(factor))
	return roundToTick(scaled, legCount).InexactFloat64()
}
