package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"

	"signalbot/pkg/types"
)

// stopVariant layers a deferred stop-limit on top of the classic flow.
// No stop order exists while the position is underwater; a watch waits for
// the price to reach the activation level (entry moved by activation
// percent of PnL) and only then places a reduce-only stop-limit at the
// stop level, locking in part of the gain. A signal that changes the
// position tears down the watch and any live stop first.
type stopVariant struct {
	r *Runner

	activation *Watch // pending activation watch, nil when none
	stopID     int64  // live stop-limit order, zero when none
}

func (v *stopVariant) name() string { return "stop" }

// restore re-protects a position that survived a restart: adopt the resting
// stop-limit if one is still on the book, otherwise recompute the levels
// from the live entry and arm the activation watch again.
func (v *stopVariant) restore(ctx context.Context, pos *types.PositionSnapshot) error {
	if pos == nil {
		return nil
	}
	orders, err := v.r.venue.OpenOrders(ctx)
	if err != nil {
		return fmt.Errorf("list open orders: %w", err)
	}
	for _, o := range orders {
		if o.Type == string(types.OrderStop) && o.ReduceOnly {
			v.stopID = o.OrderID
			v.r.logger.Info("adopted resting stop order",
				"order_id", o.OrderID, "stop", o.StopPrice, "limit", o.Price)
			return nil
		}
	}
	v.arm(pos.Side, pos.EntryPrice)
	return nil
}

func (v *stopVariant) execute(ctx context.Context, action types.Action) error {
	r := v.r

	pos, err := r.venue.CurrentPosition(ctx, types.BOTH)
	if err != nil {
		return fmt.Errorf("query position: %w", err)
	}

	// Protection belongs to the outgoing position: it is dropped only when
	// the position actually changes. A signal in the direction already held
	// is a no-op that must leave the live stop and watch in place.
	switch {
	case pos == nil:
		v.disarm(ctx)
		if _, err := r.openPosition(ctx, action); err != nil {
			return err
		}
	case pos.Side == action.PositionSide():
		r.logger.Info("position already in signal direction", "side", pos.Side)
		return nil
	default:
		v.disarm(ctx)
		if err := r.reversePosition(ctx, action); err != nil {
			return err
		}
	}

	fallback, err := r.currentPrice(ctx)
	if err != nil {
		return fmt.Errorf("read price: %w", err)
	}
	entry := r.entryPrice(ctx, types.BOTH, fallback)
	v.arm(action.PositionSide(), entry)
	return nil
}

// arm computes the activation and stop-limit levels from the entry and
// registers the activation watch. The stop order itself is not placed yet.
func (v *stopVariant) arm(side types.PositionSide, entry decimal.Decimal) {
	r := v.r
	activation := r.targetPrice(entry, side, r.cfg.Trailing.ActivationPercent)
	stopLimit := r.targetPrice(entry, side, r.cfg.Trailing.StopPercent)

	dir := DirectionLong
	if side == types.SHORT {
		dir = DirectionShort
	}

	w := &Watch{
		Label:     "stop-activation",
		Target:    activation,
		Direction: dir,
		Fire: func(ctx context.Context, price decimal.Decimal) {
			v.placeStop(ctx, side, stopLimit)
		},
	}
	r.watches.Add(w)
	v.activation = w
	r.logger.Info("stop protection armed",
		"side", side, "entry", entry, "activation", activation, "stop_limit", stopLimit)
}

// placeStop runs when the activation watch fires: re-read the position for
// its current size and place the reduce-only stop-limit. The stop trigger
// sits offset ticks beyond the limit so the order has room to rest on the
// book before the limit price trades.
func (v *stopVariant) placeStop(ctx context.Context, side types.PositionSide, stopLimit decimal.Decimal) {
	r := v.r
	v.activation = nil

	pos, err := r.venue.CurrentPosition(ctx, types.BOTH)
	if err != nil {
		r.logger.Error("position lookup failed while placing stop", "error", err)
		return
	}
	if pos == nil {
		r.logger.Warn("position gone before stop placement, nothing to protect")
		return
	}

	offset := r.venue.Instrument().TickSize.
		Mul(decimal.NewFromInt(int64(r.cfg.Trailing.OffsetTicks)))
	stopPrice := stopLimit.Add(offset)
	if side == types.SHORT {
		stopPrice = stopLimit.Sub(offset)
	}

	ack, err := r.venue.PlaceStopLimit(ctx, closeSide(side), pos.Size, stopPrice, stopLimit)
	if err != nil {
		r.logger.Error("stop-limit placement failed", "error", err)
		return
	}
	v.stopID = ack.OrderID
	r.logger.Info("stop-limit placed",
		"order_id", ack.OrderID, "stop", stopPrice, "limit", stopLimit, "quantity", pos.Size)
}

// disarm cancels the pending activation watch and the live stop order.
// Cancelling an already-filled stop is a no-op at the venue.
func (v *stopVariant) disarm(ctx context.Context) {
	r := v.r
	if v.activation != nil {
		r.watches.Cancel(v.activation)
		v.activation = nil
	}
	if v.stopID != 0 {
		if err := r.venue.CancelOrder(ctx, v.stopID); err != nil {
			r.logger.Warn("stop cancel failed", "order_id", v.stopID, "error", err)
		}
		v.stopID = 0
	}
}
