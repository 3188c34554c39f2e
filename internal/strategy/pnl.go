package strategy

import (
	"github.com/shopspring/decimal"

	"signalbot/pkg/types"
)

var one = decimal.NewFromInt(1)

// priceAtPnL converts a return-on-margin percentage into the mark price at
// which a position reaches it:
//
//	move  = pnlPercent / (100 * leverage)
//	price = entry * (1 + move)   for LONG
//	price = entry * (1 - move)   for SHORT
//
// Positive pnlPercent is profit for the given side, negative is drawdown, so
// the same conversion serves activation, stop-loss, trigger and take-profit
// levels. The result is not snapped to the instrument grid.
func priceAtPnL(entry decimal.Decimal, side types.PositionSide, pnlPercent decimal.Decimal, leverage int) decimal.Decimal {
	move := pnlPercent.Div(decimal.NewFromInt(100 * int64(leverage)))
	if side == types.SHORT {
		return entry.Mul(one.Sub(move))
	}
	return entry.Mul(one.Add(move))
}
