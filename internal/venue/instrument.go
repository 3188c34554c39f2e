// instrument.go resolves the trading rules for the configured contract from
// the venue's exchange metadata. The rules are fetched once at startup and
// drive every quantity/price rounding decision afterwards.
package venue

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"signalbot/pkg/types"
)

// NormalizeSymbol maps chart-style symbol notation onto the venue's: it
// trims whitespace, uppercases, and strips the ".P" perpetual suffix that
// charting platforms append. Normalizing an already-normalized symbol is a
// no-op.
func NormalizeSymbol(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	return strings.TrimSuffix(s, ".P")
}

// QuoteAsset infers the settlement currency from a normalized symbol's
// suffix. Returns "" when the symbol matches no known quote currency.
func QuoteAsset(symbol string) string {
	for _, quote := range []string{"USDT", "USDC"} {
		if strings.HasSuffix(symbol, quote) {
			return quote
		}
	}
	return ""
}

// buildInstrument extracts the lot and tick rules from one symbol's
// metadata. Precision falls back to the decimal count of the grid steps
// when the advertised field would truncate them.
func buildInstrument(s types.SymbolInfo) (types.InstrumentInfo, error) {
	inst := types.InstrumentInfo{
		Symbol:         s.Symbol,
		QuoteAsset:     s.QuoteAsset,
		QtyPrecision:   s.QuantityPrecision,
		PricePrecision: s.PricePrecision,
	}
	if inst.QuoteAsset == "" {
		inst.QuoteAsset = QuoteAsset(s.Symbol)
	}

	for _, f := range s.Filters {
		switch f.FilterType {
		case "LOT_SIZE":
			var err error
			if inst.StepSize, err = parseFilterValue(f.StepSize, "stepSize"); err != nil {
				return types.InstrumentInfo{}, err
			}
			if inst.MinQty, err = parseFilterValue(f.MinQty, "minQty"); err != nil {
				return types.InstrumentInfo{}, err
			}
			if f.MaxQty != "" {
				if inst.MaxQty, err = parseFilterValue(f.MaxQty, "maxQty"); err != nil {
					return types.InstrumentInfo{}, err
				}
			}
		case "PRICE_FILTER":
			var err error
			if inst.TickSize, err = parseFilterValue(f.TickSize, "tickSize"); err != nil {
				return types.InstrumentInfo{}, err
			}
		}
	}

	if inst.StepSize.Sign() <= 0 {
		return types.InstrumentInfo{}, fmt.Errorf("symbol %s: no LOT_SIZE filter", s.Symbol)
	}
	if inst.TickSize.Sign() <= 0 {
		return types.InstrumentInfo{}, fmt.Errorf("symbol %s: no PRICE_FILTER filter", s.Symbol)
	}
	if d := gridDecimals(inst.StepSize); d > inst.QtyPrecision {
		inst.QtyPrecision = d
	}
	if d := gridDecimals(inst.TickSize); d > inst.PricePrecision {
		inst.PricePrecision = d
	}
	return inst, nil
}

func parseFilterValue(raw, name string) (decimal.Decimal, error) {
	if raw == "" {
		return decimal.Zero, fmt.Errorf("filter value %s is empty", name)
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse filter %s %q: %w", name, raw, err)
	}
	return d, nil
}

// gridDecimals counts the significant decimal places of a grid step, e.g.
// "0.010" has 2. The venue pads filter values with trailing zeros.
func gridDecimals(step decimal.Decimal) int32 {
	s := step.String() // String trims trailing zeros
	if i := strings.IndexByte(s, '.'); i >= 0 {
		return int32(len(s) - i - 1)
	}
	return 0
}
