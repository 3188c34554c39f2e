// Package types defines shared data structures used across all packages.
//
// This package is the common vocabulary for the bot: signal actions, order
// and position enums, instrument metadata with its rounding rules, and the
// JSON payloads exchanged with the venue. It has no dependencies on internal
// packages, so it can be imported by any layer.
package types

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// ----------------------------------------------------------------------------
// Core enums
// ----------------------------------------------------------------------------

// Action is a trading signal direction parsed from webhook text.
type Action string

const (
	ActionBuy  Action = "buy"
	ActionSell Action = "sell"
)

// Side returns the order side that opens a position in this direction.
func (a Action) Side() Side {
	if a == ActionSell {
		return SELL
	}
	return BUY
}

// PositionSide returns the hedge-mode position side for this direction.
func (a Action) PositionSide() PositionSide {
	if a == ActionSell {
		return SHORT
	}
	return LONG
}

// Opposite returns the reverse direction.
func (a Action) Opposite() Action {
	if a == ActionSell {
		return ActionBuy
	}
	return ActionSell
}

// Side represents the direction of an order: BUY or SELL.
type Side string

const (
	BUY  Side = "BUY"
	SELL Side = "SELL"
)

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == BUY {
		return SELL
	}
	return BUY
}

// PositionSide identifies which leg of a position an order affects.
// BOTH is the venue's one-way mode; LONG/SHORT are hedge-mode legs.
type PositionSide string

const (
	LONG  PositionSide = "LONG"
	SHORT PositionSide = "SHORT"
	BOTH  PositionSide = "BOTH"
)

// Opposite returns the other hedge-mode leg. BOTH maps to itself.
func (p PositionSide) Opposite() PositionSide {
	switch p {
	case LONG:
		return SHORT
	case SHORT:
		return LONG
	default:
		return p
	}
}

// OrderType enumerates the venue order types the bot places.
type OrderType string

const (
	OrderMarket     OrderType = "MARKET"
	OrderLimit      OrderType = "LIMIT"       // reduce-only take-profit legs
	OrderStop       OrderType = "STOP"        // stop-limit, reduce-only
	OrderStopMarket OrderType = "STOP_MARKET" // close-position protective stop
)

// TimeInForce enumerates the order lifetimes the bot uses.
type TimeInForce string

const (
	GTC    TimeInForce = "GTC"
	GTEGTC TimeInForce = "GTE_GTC" // trigger-then-GTC, required with closePosition stops
)

// WorkingType selects which price feed triggers a stop order.
type WorkingType string

const (
	MarkPrice     WorkingType = "MARK_PRICE"
	ContractPrice WorkingType = "CONTRACT_PRICE"
)

// ----------------------------------------------------------------------------
// Instrument metadata
// ----------------------------------------------------------------------------

// InstrumentInfo holds the trading rules for one perpetual contract.
// Populated once from the venue's exchange metadata during initialization
// and treated as immutable afterwards. Every quantity and price the bot
// sends to the venue passes through its rounding methods.
type InstrumentInfo struct {
	Symbol         string          // normalized venue symbol, e.g. "ETHUSDT"
	QuoteAsset     string          // settlement currency, e.g. "USDT"
	StepSize       decimal.Decimal // quantity grid increment
	MinQty         decimal.Decimal // smallest order the venue accepts
	MaxQty         decimal.Decimal // largest order, zero = no advertised cap
	QtyPrecision   int32           // decimals used when formatting quantities
	TickSize       decimal.Decimal // price grid increment
	PricePrecision int32           // decimals used when formatting prices
}

// RoundQuantity snaps a raw quantity onto the step grid. Quantities round
// down to the grid (buying up to the next step could exceed the margin the
// signal sized for), then truncate to the quantity precision. Results below
// MinQty are raised to MinQty; results above MaxQty are rejected rather than
// clamped, since silently trading a smaller position would diverge from the
// signal.
func (i InstrumentInfo) RoundQuantity(raw decimal.Decimal) (decimal.Decimal, error) {
	if raw.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("quantity %s is not positive", raw)
	}
	if i.StepSize.Sign() <= 0 {
		return decimal.Zero, fmt.Errorf("instrument %s has no step size", i.Symbol)
	}
	q := raw.Div(i.StepSize).Floor().Mul(i.StepSize).Truncate(i.QtyPrecision)
	if q.LessThan(i.MinQty) {
		q = i.MinQty
	}
	if i.MaxQty.Sign() > 0 && q.GreaterThan(i.MaxQty) {
		return decimal.Zero, fmt.Errorf("quantity %s exceeds venue maximum %s", q, i.MaxQty)
	}
	return q, nil
}

// SnapPrice rounds a price to the nearest tick and truncates it to the
// price precision. Prices off the tick grid are rejected by the venue.
func (i InstrumentInfo) SnapPrice(p decimal.Decimal) decimal.Decimal {
	if i.TickSize.Sign() <= 0 {
		return p
	}
	return p.Div(i.TickSize).Round(0).Mul(i.TickSize).Truncate(i.PricePrecision)
}

// FormatQty renders a quantity with the instrument's fixed decimal count.
func (i InstrumentInfo) FormatQty(q decimal.Decimal) string {
	return q.StringFixed(i.QtyPrecision)
}

// FormatPrice renders a price with the instrument's fixed decimal count.
func (i InstrumentInfo) FormatPrice(p decimal.Decimal) string {
	return p.StringFixed(i.PricePrecision)
}

// ----------------------------------------------------------------------------
// Positions
// ----------------------------------------------------------------------------

// PositionSnapshot is a point-in-time view of one open position leg.
// Size is always positive; Side carries the direction. Snapshots are never
// cached across order mutations — the venue is re-queried instead.
type PositionSnapshot struct {
	Symbol        string
	Side          PositionSide    // LONG or SHORT
	Size          decimal.Decimal // absolute contract quantity
	EntryPrice    decimal.Decimal
	UnrealizedPnL decimal.Decimal
	Leverage      int
}

// ----------------------------------------------------------------------------
// Price stream
// ----------------------------------------------------------------------------

// PriceEvent is one observed last-trade price, delivered on the stream's
// output channel in arrival order.
type PriceEvent struct {
	Price decimal.Decimal
	At    time.Time
}

// TickerFrame is the venue's 24h rolling ticker WebSocket payload. Only the
// last price is consumed; the remaining fields exist on the wire but are not
// mapped here.
type TickerFrame struct {
	EventType string `json:"e"` // always "24hrTicker"
	EventTime int64  `json:"E"` // venue event time, unix ms
	Symbol    string `json:"s"`
	LastPrice string `json:"c"` // most recent trade price as a decimal string
}

// ----------------------------------------------------------------------------
// Signal verdicts
// ----------------------------------------------------------------------------

// SignalStatus classifies the outcome of one webhook signal.
type SignalStatus string

const (
	SignalSuccess SignalStatus = "success"
	SignalIgnored SignalStatus = "ignored"
	SignalError   SignalStatus = "error"
)

// SignalInfo echoes the accepted signal back to the webhook caller.
type SignalInfo struct {
	Symbol string `json:"symbol"`
	Action Action `json:"action"`
}

// SignalResult is the strategy's verdict on one signal, serialized as the
// webhook response body.
type SignalResult struct {
	Status  SignalStatus `json:"status"`
	Message string       `json:"message,omitempty"`
	Signal  *SignalInfo  `json:"signal,omitempty"`
}

// ----------------------------------------------------------------------------
// Venue REST payloads
// ----------------------------------------------------------------------------
// Numeric fields arrive as strings to preserve decimal precision; callers
// parse them with shopspring/decimal.

// ExchangeInfo is the trading-rules document returned by the venue.
type ExchangeInfo struct {
	Symbols []SymbolInfo `json:"symbols"`
}

// SymbolInfo describes one listed contract and its filter set.
type SymbolInfo struct {
	Symbol            string         `json:"symbol"`
	Status            string         `json:"status"` // "TRADING" when live
	QuoteAsset        string         `json:"quoteAsset"`
	PricePrecision    int32          `json:"pricePrecision"`
	QuantityPrecision int32          `json:"quantityPrecision"`
	Filters           []SymbolFilter `json:"filters"`
}

// SymbolFilter is one entry of a symbol's filter array. Which fields are
// populated depends on FilterType.
type SymbolFilter struct {
	FilterType string `json:"filterType"` // LOT_SIZE, PRICE_FILTER, ...
	StepSize   string `json:"stepSize,omitempty"`
	MinQty     string `json:"minQty,omitempty"`
	MaxQty     string `json:"maxQty,omitempty"`
	TickSize   string `json:"tickSize,omitempty"`
}

// PositionRisk is one row of the venue's position listing.
type PositionRisk struct {
	Symbol           string `json:"symbol"`
	PositionAmt      string `json:"positionAmt"` // signed in one-way mode
	EntryPrice       string `json:"entryPrice"`
	UnRealizedProfit string `json:"unRealizedProfit"`
	PositionSide     string `json:"positionSide"` // "LONG", "SHORT" or "BOTH"
	Leverage         string `json:"leverage"`
}

// OrderAck is the venue's acknowledgement of a placed order.
type OrderAck struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"` // "NEW", "FILLED", ...
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Type          string `json:"type"`
	OrigQty       string `json:"origQty"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
}

// OpenOrder represents a live resting order.
type OpenOrder struct {
	OrderID       int64  `json:"orderId"`
	ClientOrderID string `json:"clientOrderId"`
	Symbol        string `json:"symbol"`
	Status        string `json:"status"`
	Side          string `json:"side"`
	PositionSide  string `json:"positionSide"`
	Type          string `json:"type"`
	OrigQty       string `json:"origQty"`
	Price         string `json:"price"`
	StopPrice     string `json:"stopPrice"`
	ReduceOnly    bool   `json:"reduceOnly"`
	ClosePosition bool   `json:"closePosition"`
}

// TickerPrice is the REST last-price quote, used as a fallback when the
// stream has no cached price yet.
type TickerPrice struct {
	Symbol string `json:"symbol"`
	Price  string `json:"price"`
}

// LeverageAck is the response to a leverage change.
type LeverageAck struct {
	Symbol           string `json:"symbol"`
	Leverage         int    `json:"leverage"`
	MaxNotionalValue string `json:"maxNotionalValue"`
}

// PositionModeInfo reports whether the account is in hedge mode.
type PositionModeInfo struct {
	DualSidePosition bool `json:"dualSidePosition"`
}

// VenueError is the venue's JSON error body. It implements error so venue
// responses can be matched by code at call sites.
type VenueError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

func (e *VenueError) Error() string {
	return fmt.Sprintf("venue error %d: %s", e.Code, e.Msg)
}

// Venue error codes the bot treats as benign outcomes rather than failures.
const (
	CodeLeverageNotModified = -4028 // leverage already at the requested value
	CodeOrderNotFound       = -2011 // cancel target already gone
	CodePositionModeNoOp    = -4059 // position mode already as requested
)
