package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"signalbot/pkg/types"
)

// hedgeState is the phase of the hedging cycle. Transitions only happen on
// the runner goroutine, driven by signals and watch fires.
type hedgeState string

const (
	hedgeIdle     hedgeState = "idle"            // no positions
	hedgeWaiting  hedgeState = "main-only"       // main open, activation armed
	hedgeArmed    hedgeState = "hedge-armed"     // hedge open, SL and trigger armed
	hedgeInProfit hedgeState = "hedge-in-profit" // stop moved to TP, TP watch armed
	hedgeParked   hedgeState = "parked"          // failure limit hit, wait for a signal
)

// hedgingVariant runs both position legs at once. A main position follows
// the signals; when it draws down to the activation level an opposite hedge
// opens against it. The hedge carries a venue-side stop-loss and two
// in-memory levels: the stop-loss watch re-arms the cycle on failure, the
// trigger watch moves the stop into profit at the TP level. A TP exit
// records a barrier so the next activation only re-arms after the price has
// left the TP zone, keeping a churning price from reopening hedges on the
// spot it just closed one.
type hedgingVariant struct {
	r *Runner

	state      hedgeState
	mainSide   types.PositionSide
	mainEntry  decimal.Decimal
	hedgeSide  types.PositionSide
	hedgeEntry decimal.Decimal

	stopOrderID  int64 // venue-side hedge stop (loss or profit placement)
	failureCount int

	// barrier left by the last TP exit, consumed by the next armActivation.
	barrier *Barrier

	activationW *Watch
	slW         *Watch
	triggerW    *Watch
	tpW         *Watch

	modeConfirmed bool
}

func (v *hedgingVariant) name() string { return "hedging" }

// restore rebuilds the cycle from whatever legs the venue reports: none
// puts the machine at idle, one leg re-arms activation from its live entry,
// two legs re-protect the hedge (adopting a surviving stop order when one
// is still on the book).
func (v *hedgingVariant) restore(ctx context.Context, _ *types.PositionSnapshot) error {
	r := v.r

	if err := v.ensureHedgeMode(ctx); err != nil {
		// The venue refuses mode flips while positions or orders are open.
		// Retried on the next signal; the cycle still runs against
		// whatever legs exist.
		r.logger.Warn("hedge mode not confirmed yet", "error", err)
	}

	legs, err := r.venue.Positions(ctx)
	if err != nil {
		return fmt.Errorf("query positions: %w", err)
	}

	switch len(legs) {
	case 0:
		v.state = hedgeIdle
		r.logger.Info("hedging cycle idle, waiting for a signal")
		return nil
	case 1:
		v.adoptMain(legs[0].Side, legs[0].EntryPrice)
		v.armActivation()
		r.logger.Info("restored main position",
			"side", v.mainSide, "entry", v.mainEntry)
		return nil
	default:
		main, hedge := v.classifyLegs(legs)
		v.adoptMain(main.Side, main.EntryPrice)
		if hedge != nil {
			v.hedgeEntry = hedge.EntryPrice
			if err := v.reconcileProtection(ctx); err != nil {
				return err
			}
			r.logger.Info("restored main and hedge",
				"main", v.mainSide, "main_entry", v.mainEntry,
				"hedge", v.hedgeSide, "hedge_entry", v.hedgeEntry)
		}
		return nil
	}
}

// execute handles a fresh signal. The hedge is an internal tool of the
// cycle, so a reversal tears the whole cycle down: every watch and stop
// dies, the leg opposing the signal closes, and the cycle restarts with a
// clean failure count.
func (v *hedgingVariant) execute(ctx context.Context, action types.Action) error {
	r := v.r

	if err := v.ensureHedgeMode(ctx); err != nil {
		return err
	}

	legs, err := r.venue.Positions(ctx)
	if err != nil {
		return fmt.Errorf("query positions: %w", err)
	}

	if len(legs) == 0 {
		return v.openMain(ctx, action.PositionSide())
	}

	main, hedge := v.classifyLegs(legs)
	if main.Side == action.PositionSide() {
		r.logger.Info("main position already in signal direction", "side", main.Side)
		return nil
	}

	v.cancelTracking(ctx)

	if hedge == nil {
		if err := v.closeLeg(ctx, main); err != nil {
			return err
		}
		return v.openMain(ctx, action.PositionSide())
	}

	// Both legs open and the hedge already points the signalled way:
	// close the former main and promote the hedge instead of paying for a
	// close-and-reopen round trip.
	if err := v.closeLeg(ctx, main); err != nil {
		return err
	}
	entry := hedge.EntryPrice
	if entry.IsZero() {
		if p, perr := r.currentPrice(ctx); perr == nil {
			entry = p
		}
	}
	v.adoptMain(hedge.Side, entry)
	v.failureCount = 0
	v.barrier = nil
	r.logger.Info("hedge promoted to main", "side", v.mainSide, "entry", v.mainEntry)
	v.armActivation()
	return nil
}

// openMain opens a fresh main position and starts a new cycle.
func (v *hedgingVariant) openMain(ctx context.Context, side types.PositionSide) error {
	r := v.r
	price, err := r.currentPrice(ctx)
	if err != nil {
		return fmt.Errorf("read price: %w", err)
	}
	qty, err := r.baseQuantity(price)
	if err != nil {
		return fmt.Errorf("size main: %w", err)
	}
	if _, err := r.venue.OpenMarket(ctx, openSide(side), qty, side); err != nil {
		return fmt.Errorf("open main %s: %w", side, err)
	}
	r.lastQuantity = qty

	entry := r.entryPrice(ctx, side, price)
	v.adoptMain(side, entry)
	v.failureCount = 0
	v.barrier = nil
	r.logger.Info("main position opened",
		"side", side, "quantity", qty, "entry", entry)
	v.armActivation()
	return nil
}

// adoptMain resets the per-cycle leg bookkeeping around a new main.
func (v *hedgingVariant) adoptMain(side types.PositionSide, entry decimal.Decimal) {
	v.mainSide = side
	v.mainEntry = entry
	v.hedgeSide = side.Opposite()
	v.hedgeEntry = decimal.Zero
	v.stopOrderID = 0
}

// armActivation registers the watch that opens the hedge once the main has
// drawn down to the activation level. A barrier recorded by a TP exit is
// consumed here: the watch stays dormant until the price has traded beyond
// the TP it just closed at.
func (v *hedgingVariant) armActivation() {
	r := v.r
	target := r.targetPrice(v.mainEntry, v.mainSide, r.cfg.Hedging.ActivationPnL)

	dir := DirectionShort
	if v.mainSide == types.SHORT {
		dir = DirectionLong
	}

	w := &Watch{
		Label:     "hedge-activation",
		Target:    target,
		Direction: dir,
		Barrier:   v.barrier,
		Fire:      v.onActivation,
	}
	v.barrier = nil
	r.watches.Add(w)
	v.activationW = w
	v.state = hedgeWaiting
	r.logger.Info("hedge activation armed",
		"target", target, "direction", dir, "gated", w.Barrier != nil)
}

// onActivation opens the hedge leg and protects it.
func (v *hedgingVariant) onActivation(ctx context.Context, price decimal.Decimal) {
	r := v.r
	v.activationW = nil

	qty, err := r.baseQuantity(price)
	if err != nil {
		r.logger.Error("hedge sizing failed", "error", err)
		return
	}
	if _, err := r.venue.OpenMarket(ctx, openSide(v.hedgeSide), qty, v.hedgeSide); err != nil {
		r.logger.Error("hedge open failed", "side", v.hedgeSide, "error", err)
		return
	}
	v.hedgeEntry = r.entryPrice(ctx, v.hedgeSide, price)
	r.logger.Info("hedge opened",
		"side", v.hedgeSide, "quantity", qty, "entry", v.hedgeEntry)

	if err := v.protectHedge(ctx); err != nil {
		r.logger.Error("hedge protection failed", "error", err)
	}
}

// protectHedge places the venue-side stop-loss for the hedge and arms the
// SL and trigger watches around its entry.
func (v *hedgingVariant) protectHedge(ctx context.Context) error {
	r := v.r
	sl := r.targetPrice(v.hedgeEntry, v.hedgeSide, r.cfg.Hedging.SLPnL)

	ack, err := r.venue.PlaceStopMarket(ctx, v.hedgeSide, sl)
	if err != nil {
		return fmt.Errorf("place hedge stop: %w", err)
	}
	v.stopOrderID = ack.OrderID
	v.armHedgeWatches(sl)
	return nil
}

// armHedgeWatches registers the two hedge-side levels: the SL watch on the
// hedge's loss side mirrors the venue stop, the trigger watch on its profit
// side moves the stop once the hedge is deep enough in profit.
func (v *hedgingVariant) armHedgeWatches(sl decimal.Decimal) {
	r := v.r
	trigger := r.targetPrice(v.hedgeEntry, v.hedgeSide, r.cfg.Hedging.TriggerPnL)

	lossDir, profitDir := DirectionLong, DirectionShort
	if v.hedgeSide == types.LONG {
		lossDir, profitDir = DirectionShort, DirectionLong
	}

	v.slW = &Watch{Label: "hedge-sl", Target: sl, Direction: lossDir, Fire: v.onStopLoss}
	v.triggerW = &Watch{Label: "hedge-trigger", Target: trigger, Direction: profitDir, Fire: v.onTrigger}
	r.watches.Add(v.slW)
	r.watches.Add(v.triggerW)
	v.state = hedgeArmed
	r.logger.Info("hedge protected", "sl", sl, "trigger", trigger, "failures", v.failureCount)
}

// onStopLoss runs when the price reaches the hedge's stop level: the venue
// stop has closed the hedge at a loss. Count the failure and rearm, or park
// the cycle once the limit is reached.
func (v *hedgingVariant) onStopLoss(ctx context.Context, price decimal.Decimal) {
	r := v.r
	v.failureCount++
	r.logger.Warn("hedge stopped out",
		"price", price, "failures", v.failureCount, "max", r.cfg.Hedging.MaxFailures)

	v.dropHedgeWatches()
	// The stop order consumed itself when it closed the hedge.
	v.stopOrderID = 0
	v.hedgeEntry = decimal.Zero

	if v.failureCount >= r.cfg.Hedging.MaxFailures {
		v.state = hedgeParked
		r.logger.Error("hedge failure limit reached, cycle parked until the next signal")
		return
	}
	v.armActivation()
}

// onTrigger runs when the hedge is in profit at the trigger level: replace
// the loss-side stop with one at the TP level and watch for it to close.
func (v *hedgingVariant) onTrigger(ctx context.Context, price decimal.Decimal) {
	r := v.r
	v.dropHedgeWatches()

	tp := r.targetPrice(v.hedgeEntry, v.hedgeSide, r.cfg.Hedging.TPPnL)

	if v.stopOrderID != 0 {
		if err := r.venue.CancelOrder(ctx, v.stopOrderID); err != nil {
			r.logger.Warn("hedge stop cancel failed",
				"order_id", v.stopOrderID, "error", err)
		}
		v.stopOrderID = 0
	}
	ack, err := r.venue.PlaceStopMarket(ctx, v.hedgeSide, tp)
	if err != nil {
		r.logger.Error("tp stop placement failed", "error", err)
		return
	}
	v.stopOrderID = ack.OrderID

	tpDir := DirectionShort
	if v.hedgeSide == types.LONG {
		tpDir = DirectionLong
	}
	v.tpW = &Watch{Label: "hedge-tp", Target: tp, Direction: tpDir, Fire: v.onTakeProfit}
	r.watches.Add(v.tpW)
	v.state = hedgeInProfit
	r.logger.Info("hedge stop moved to profit", "tp", tp, "price", price)
}

// onTakeProfit runs when the price revisits the TP level: the venue-side
// stop closes the hedge there, banking the hedge profit. The cycle rearms
// with the TP barrier and the failure count intact.
func (v *hedgingVariant) onTakeProfit(ctx context.Context, price decimal.Decimal) {
	r := v.r
	v.tpW = nil
	// Leave the TP stop working; it is the order that closes the hedge.
	v.stopOrderID = 0

	side := BarrierBelow
	if v.mainSide == types.SHORT {
		side = BarrierAbove
	}
	v.barrier = &Barrier{Price: r.targetPrice(v.hedgeEntry, v.hedgeSide, r.cfg.Hedging.TPPnL), Side: side}
	v.hedgeEntry = decimal.Zero

	r.logger.Info("hedge take-profit reached",
		"price", price, "barrier", v.barrier.Price, "failures", v.failureCount)
	v.armActivation()
}

// closeLeg flattens one position leg with a market order.
func (v *hedgingVariant) closeLeg(ctx context.Context, leg types.PositionSnapshot) error {
	if _, err := v.r.venue.OpenMarket(ctx, closeSide(leg.Side), leg.Size, leg.Side); err != nil {
		return fmt.Errorf("close %s leg: %w", leg.Side, err)
	}
	v.r.logger.Info("leg closed", "side", leg.Side, "quantity", leg.Size)
	return nil
}

// reconcileProtection re-protects a restored hedge: adopt the surviving
// stop order when one is still resting, otherwise place a fresh one.
func (v *hedgingVariant) reconcileProtection(ctx context.Context) error {
	r := v.r
	orders, err := r.venue.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	for _, o := range orders {
		if o.Type == string(types.OrderStopMarket) && o.PositionSide == string(v.hedgeSide) {
			v.stopOrderID = o.OrderID
			stop, perr := decimal.NewFromString(o.StopPrice)
			if perr != nil {
				stop = r.targetPrice(v.hedgeEntry, v.hedgeSide, r.cfg.Hedging.SLPnL)
			}
			v.armHedgeWatches(stop)
			r.logger.Info("adopted hedge stop order", "order_id", o.OrderID, "stop", stop)
			return nil
		}
	}
	return v.protectHedge(ctx)
}

// classifyLegs splits venue legs into main and hedge. The tracked main side
// wins when it still matches a live leg; otherwise the first listed leg is
// taken as main, which also covers positions opened outside the bot.
func (v *hedgingVariant) classifyLegs(legs []types.PositionSnapshot) (types.PositionSnapshot, *types.PositionSnapshot) {
	main := legs[0]
	for i := range legs {
		if legs[i].Side == v.mainSide && v.mainSide != "" {
			main = legs[i]
			break
		}
	}
	for i := range legs {
		if legs[i].Side != main.Side {
			return main, &legs[i]
		}
	}
	return main, nil
}

// cancelTracking tears down every watch and sweeps strategy-owned stops.
func (v *hedgingVariant) cancelTracking(ctx context.Context) {
	r := v.r
	r.watches.CancelAll()
	v.activationW, v.slW, v.triggerW, v.tpW = nil, nil, nil, nil
	if _, err := r.venue.CancelStops(ctx, types.BOTH); err != nil {
		r.logger.Warn("stop sweep failed", "error", err)
	}
	v.stopOrderID = 0
}

func (v *hedgingVariant) dropHedgeWatches() {
	if v.slW != nil {
		v.r.watches.Cancel(v.slW)
		v.slW = nil
	}
	if v.triggerW != nil {
		v.r.watches.Cancel(v.triggerW)
		v.triggerW = nil
	}
}

// ensureHedgeMode flips the account into dual-side mode once per process.
// The venue rejects the flip while positions or open orders exist, so
// callers treat a failure as retryable rather than fatal.
func (v *hedgingVariant) ensureHedgeMode(ctx context.Context) error {
	if v.modeConfirmed {
		return nil
	}
	dual, err := v.r.venue.PositionMode(ctx)
	if err != nil {
		return fmt.Errorf("read position mode: %w", err)
	}
	if !dual {
		if err := v.r.venue.SetPositionMode(ctx, true); err != nil {
			return fmt.Errorf("enable hedge mode: %w", err)
		}
		v.r.logger.Info("hedge mode enabled")
	}
	v.modeConfirmed = true
	return nil
}
