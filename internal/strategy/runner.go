// Package strategy implements the signal-driven trading core.
//
// A single Runner goroutine owns all trading state: the last accepted
// action, the open-position bookkeeping and the price-watch set. It
// consumes two inputs and nothing else touches its state:
//
//  1. webhook signals, queued by Submit with a reply channel so the
//     HTTP handler can return the verdict for that exact signal
//  2. ticker prices from the market stream, evaluated against the
//     registered watches
//
// Four variants share the same skeleton (parse, duplicate filter,
// startup reconciliation) and differ in what an accepted signal does:
//
//	classic  open or reverse with a single market order
//	stop     classic plus a stop-limit armed at a profit threshold
//	take     classic plus a two-level reduce-only take-profit ladder
//	hedging  dual-side machine opening an opposite hedge on drawdown
//
// Price watches are single-shot values owned by the runner goroutine;
// the stream never calls back into strategy code.
package strategy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"signalbot/internal/config"
	"signalbot/internal/metrics"
	"signalbot/pkg/types"
)

// Venue is the slice of the exchange adapter the strategies use.
type Venue interface {
	Symbol() string
	Instrument() types.InstrumentInfo

	Positions(ctx context.Context) ([]types.PositionSnapshot, error)
	CurrentPosition(ctx context.Context, side types.PositionSide) (*types.PositionSnapshot, error)
	ExactEntryPrice(ctx context.Context, side types.PositionSide) (decimal.Decimal, error)
	OpenOrders(ctx context.Context) ([]types.OpenOrder, error)
	LastPrice(ctx context.Context) (decimal.Decimal, error)
	PositionMode(ctx context.Context) (bool, error)
	SetPositionMode(ctx context.Context, dual bool) error

	OpenMarket(ctx context.Context, side types.Side, qty decimal.Decimal, posSide types.PositionSide) (*types.OrderAck, error)
	PlaceStopMarket(ctx context.Context, posSide types.PositionSide, stopPrice decimal.Decimal) (*types.OrderAck, error)
	PlaceStopLimit(ctx context.Context, side types.Side, qty, stopPrice, limitPrice decimal.Decimal) (*types.OrderAck, error)
	PlaceLimit(ctx context.Context, side types.Side, qty, price decimal.Decimal) (*types.OrderAck, error)
	CancelOrder(ctx context.Context, orderID int64) error
	CancelStops(ctx context.Context, posSide types.PositionSide) (int, error)
	CancelLimits(ctx context.Context) (int, error)
}

// PriceCache yields the newest streamed price, if any arrived yet.
type PriceCache interface {
	LastPrice() (decimal.Decimal, bool)
}

// variant is the strategy-specific half of the runner. restore runs once
// before the loop starts, execute runs for every accepted signal.
type variant interface {
	name() string
	restore(ctx context.Context, pos *types.PositionSnapshot) error
	execute(ctx context.Context, action types.Action) error
}

type signalRequest struct {
	body  string
	reply chan types.SignalResult
}

// Status is a point-in-time summary of the runner for health reporting.
type Status struct {
	Variant      string          `json:"variant"`
	LastAction   types.Action    `json:"last_action,omitempty"`
	LastQuantity decimal.Decimal `json:"last_quantity"`
	Watches      int             `json:"watches"`
	HedgeState   string          `json:"hedge_state,omitempty"`
	FailureCount int             `json:"failure_count,omitempty"`
}

// Runner drives one symbol's trading loop.
type Runner struct {
	cfg    *config.Config
	venue  Venue
	prices PriceCache
	events <-chan types.PriceEvent

	watches *WatchSet
	variant variant

	lastAction   types.Action
	lastQuantity decimal.Decimal // zero when unknown

	signalCh chan signalRequest

	statusMu sync.RWMutex
	status   Status

	logger *slog.Logger
}

// New builds a runner for the configured strategy variant. events is the
// stream's price channel; prices is its latest-price cache.
func New(cfg *config.Config, venue Venue, prices PriceCache, events <-chan types.PriceEvent, logger *slog.Logger) (*Runner, error) {
	r := &Runner{
		cfg:      cfg,
		venue:    venue,
		prices:   prices,
		events:   events,
		watches:  NewWatchSet(),
		signalCh: make(chan signalRequest, 16),
		logger:   logger.With("component", "strategy"),
	}

	switch cfg.Trading.Strategy {
	case config.StrategyClassic:
		r.variant = &classicVariant{r: r}
	case config.StrategyStop:
		r.variant = &stopVariant{r: r}
	case config.StrategyTake:
		r.variant = &takeVariant{r: r}
	case config.StrategyHedging:
		r.variant = &hedgingVariant{r: r, state: hedgeIdle}
	default:
		return nil, fmt.Errorf("unknown strategy %q", cfg.Trading.Strategy)
	}
	r.publishStatus()
	return r, nil
}

// Restore reconciles in-memory state with whatever the venue reports after
// a restart. Must complete before Run starts consuming signals.
func (r *Runner) Restore(ctx context.Context) error {
	pos, err := r.venue.CurrentPosition(ctx, types.BOTH)
	if err != nil {
		return fmt.Errorf("query position: %w", err)
	}
	if pos == nil {
		r.logger.Info("no open position at startup")
	} else {
		r.lastAction = actionForSide(pos.Side)
		r.lastQuantity = pos.Size
		r.logger.Info("restored position state",
			"side", pos.Side, "size", pos.Size, "entry", pos.EntryPrice)
	}
	if err := r.variant.restore(ctx, pos); err != nil {
		return fmt.Errorf("%s restore: %w", r.variant.name(), err)
	}
	r.publishStatus()
	return nil
}

// Run processes signals and price events until ctx is cancelled. On the way
// out it drops every watch and best-effort cancels strategy-owned stop
// orders; resting take-profit limits are left working.
func (r *Runner) Run(ctx context.Context) {
	r.logger.Info("strategy loop started",
		"variant", r.variant.name(), "symbol", r.venue.Symbol())

	for {
		select {
		case <-ctx.Done():
			r.cleanup(context.Background())
			r.logger.Info("strategy loop stopped")
			return

		case req := <-r.signalCh:
			res := r.process(ctx, req.body)
			r.publishStatus()
			req.reply <- res

		case evt := <-r.events:
			r.handlePrice(ctx, evt)
		}
	}
}

// Submit queues one webhook body and blocks until the runner answers with
// a verdict or ctx is cancelled.
func (r *Runner) Submit(ctx context.Context, body string) types.SignalResult {
	req := signalRequest{body: body, reply: make(chan types.SignalResult, 1)}
	select {
	case r.signalCh <- req:
	case <-ctx.Done():
		return types.SignalResult{Status: types.SignalError, Message: "bot is shutting down"}
	}
	select {
	case res := <-req.reply:
		return res
	case <-ctx.Done():
		return types.SignalResult{Status: types.SignalError, Message: "cancelled while processing"}
	}
}

// Status returns the latest published runner summary.
func (r *Runner) Status() Status {
	r.statusMu.RLock()
	defer r.statusMu.RUnlock()
	return r.status
}

// process turns one webhook body into a verdict:
//
//  1. parse the action, reject bodies with no buy/sell token
//  2. drop repeats of the last accepted action
//  3. record the action, then hand it to the variant
//
// The action is recorded before execution on purpose: a retried copy of a
// signal whose orders failed must not open a second position.
func (r *Runner) process(ctx context.Context, body string) types.SignalResult {
	action, ok := ParseAction(body)
	if !ok {
		r.logger.Warn("unrecognized signal", "body", clip(body, 64))
		metrics.IncSignal(string(types.SignalError))
		return types.SignalResult{Status: types.SignalError, Message: "no buy/sell action in message"}
	}

	if action == r.lastAction {
		r.logger.Info("duplicate signal ignored", "action", action)
		metrics.IncSignal(string(types.SignalIgnored))
		return types.SignalResult{Status: types.SignalIgnored, Message: "duplicate signal filtered"}
	}
	r.lastAction = action
	r.logger.Info("signal accepted", "action", action)

	if err := r.variant.execute(ctx, action); err != nil {
		r.logger.Error("signal processing failed", "action", action, "error", err)
		metrics.IncSignal(string(types.SignalError))
		return types.SignalResult{Status: types.SignalError, Message: "signal processing failed"}
	}

	metrics.IncSignal(string(types.SignalSuccess))
	return types.SignalResult{
		Status: types.SignalSuccess,
		Signal: &types.SignalInfo{Symbol: r.venue.Symbol(), Action: action},
	}
}

// handlePrice evaluates the watch set against one ticker frame and runs the
// handlers of every watch that fired. Handlers may register new watches;
// those only see later frames.
func (r *Runner) handlePrice(ctx context.Context, evt types.PriceEvent) {
	fired := r.watches.Evaluate(evt.Price)
	if len(fired) == 0 {
		return
	}
	for _, w := range fired {
		metrics.IncWatchFires()
		r.logger.Info("price watch fired",
			"label", w.Label, "target", w.Target, "price", evt.Price)
		w.Fire(ctx, evt.Price)
	}
	r.publishStatus()
}

// cleanup is the shutdown path: watches die with the process, and venue-side
// stop orders are cancelled so a stale stop cannot fire against a position
// the restarted bot has re-protected differently.
func (r *Runner) cleanup(ctx context.Context) {
	r.watches.CancelAll()
	n, err := r.venue.CancelStops(ctx, types.BOTH)
	if err != nil {
		r.logger.Warn("stop cleanup failed", "error", err)
		return
	}
	if n > 0 {
		r.logger.Info("cancelled stop orders on shutdown", "count", n)
	}
}

func (r *Runner) publishStatus() {
	st := Status{
		Variant:      r.variant.name(),
		LastAction:   r.lastAction,
		LastQuantity: r.lastQuantity,
		Watches:      r.watches.Len(),
	}
	if h, ok := r.variant.(*hedgingVariant); ok {
		st.HedgeState = string(h.state)
		st.FailureCount = h.failureCount
	}
	r.statusMu.Lock()
	r.status = st
	r.statusMu.Unlock()
}

// ----------------------------------------------------------------------------
// Shared order helpers
// ----------------------------------------------------------------------------

var (
	two     = decimal.NewFromInt(2)
	hundred = decimal.NewFromInt(100)
)

// errPositionGone reports a position that disappeared between the order that
// opened it and the follow-up read.
var errPositionGone = errors.New("position missing after open")

// currentPrice returns the freshest price available: the streamed cache
// when the stream has delivered at least one frame, otherwise a REST read.
func (r *Runner) currentPrice(ctx context.Context) (decimal.Decimal, error) {
	if p, ok := r.prices.LastPrice(); ok {
		return p, nil
	}
	r.logger.Warn("no streamed price yet, falling back to REST ticker")
	return r.venue.LastPrice(ctx)
}

// baseQuantity sizes an order from the configured margin: size * leverage
// notional at the given price, floored to the lot grid.
func (r *Runner) baseQuantity(price decimal.Decimal) (decimal.Decimal, error) {
	notional := decimal.NewFromFloat(r.cfg.Trading.PositionSize).
		Mul(decimal.NewFromInt(int64(r.cfg.Trading.Leverage)))
	return r.venue.Instrument().RoundQuantity(notional.Div(price))
}

// targetPrice converts a PnL percentage on the position into a tick-aligned
// price level relative to the entry.
func (r *Runner) targetPrice(entry decimal.Decimal, side types.PositionSide, pnlPercent float64) decimal.Decimal {
	raw := priceAtPnL(entry, side, decimal.NewFromFloat(pnlPercent), r.cfg.Trading.Leverage)
	return r.venue.Instrument().SnapPrice(raw)
}

// entryPrice reads the venue-reported average entry for the side. Right
// after a market order the read can race the fill; the caller's price is
// used as a fallback so protection still gets armed.
func (r *Runner) entryPrice(ctx context.Context, side types.PositionSide, fallback decimal.Decimal) decimal.Decimal {
	entry, err := r.venue.ExactEntryPrice(ctx, side)
	if err != nil {
		r.logger.Warn("exact entry unavailable, using last price",
			"side", side, "fallback", fallback, "error", err)
		return fallback
	}
	return entry
}

// openPosition opens a market position in the action's direction and
// remembers the submitted quantity for the next reversal.
func (r *Runner) openPosition(ctx context.Context, action types.Action) (decimal.Decimal, error) {
	price, err := r.currentPrice(ctx)
	if err != nil {
		return decimal.Zero, fmt.Errorf("read price: %w", err)
	}
	qty, err := r.baseQuantity(price)
	if err != nil {
		return decimal.Zero, fmt.Errorf("size position: %w", err)
	}
	if _, err := r.venue.OpenMarket(ctx, action.Side(), qty, types.BOTH); err != nil {
		return decimal.Zero, fmt.Errorf("open %s: %w", action, err)
	}
	r.lastQuantity = qty
	r.logger.Info("position opened", "action", action, "quantity", qty, "price", price)
	return qty, nil
}

// reversePosition flips the open position with a single market order sized
// to close the old quantity and open the new one. When the old quantity is
// unknown (fresh start against a manually opened position) the total falls
// back to twice the new quantity.
func (r *Runner) reversePosition(ctx context.Context, action types.Action) error {
	price, err := r.currentPrice(ctx)
	if err != nil {
		return fmt.Errorf("read price: %w", err)
	}
	newQty, err := r.baseQuantity(price)
	if err != nil {
		return fmt.Errorf("size position: %w", err)
	}

	total := r.lastQuantity.Add(newQty)
	if r.lastQuantity.IsZero() {
		r.logger.Warn("previous quantity unknown, doubling the new one")
		total = newQty.Mul(two)
	}

	if _, err := r.venue.OpenMarket(ctx, action.Side(), total, types.BOTH); err != nil {
		return fmt.Errorf("reverse to %s: %w", action, err)
	}
	r.lastQuantity = newQty
	r.logger.Info("position reversed",
		"action", action, "order_quantity", total, "kept_quantity", newQty, "price", price)
	return nil
}

// ----------------------------------------------------------------------------
// Parsing
// ----------------------------------------------------------------------------

// ParseAction extracts the trading action from a webhook body. Matching is
// case-insensitive and substring-based so payloads like "BUY ETHUSDT @ 3950"
// work; "buy" wins when both tokens appear.
func ParseAction(body string) (types.Action, bool) {
	text := strings.ToLower(body)
	if strings.Contains(text, "buy") {
		return types.ActionBuy, true
	}
	if strings.Contains(text, "sell") {
		return types.ActionSell, true
	}
	return "", false
}

func actionForSide(side types.PositionSide) types.Action {
	if side == types.SHORT {
		return types.ActionSell
	}
	return types.ActionBuy
}

// openSide maps a hedge-mode leg to the order side that grows it.
func openSide(posSide types.PositionSide) types.Side {
	if posSide == types.SHORT {
		return types.SELL
	}
	return types.BUY
}

// closeSide maps a position direction to the order side that shrinks it.
func closeSide(posSide types.PositionSide) types.Side {
	if posSide == types.SHORT {
		return types.BUY
	}
	return types.SELL
}

func clip(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
