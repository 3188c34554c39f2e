package strategy

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"signalbot/pkg/types"
)

// takeVariant extends the classic flow with a two-level take-profit ladder:
// after every open or reversal it splits the live position across two
// reduce-only limit orders at configured PnL levels. Resting takes from the
// outgoing position are cancelled before a reversal so their reduce-only
// quantities cannot collide with the flip.
type takeVariant struct {
	r *Runner
}

func (v *takeVariant) name() string { return "take" }

// restore leaves resting take-profit limits untouched; they still belong to
// the live position and the venue keeps working them.
func (v *takeVariant) restore(ctx context.Context, pos *types.PositionSnapshot) error {
	return nil
}

func (v *takeVariant) execute(ctx context.Context, action types.Action) error {
	r := v.r
	pos, err := r.venue.CurrentPosition(ctx, types.BOTH)
	if err != nil {
		return fmt.Errorf("query position: %w", err)
	}

	switch {
	case pos == nil:
		if _, err := r.openPosition(ctx, action); err != nil {
			return err
		}
	case pos.Side == action.PositionSide():
		r.logger.Info("position already in signal direction", "side", pos.Side)
		return nil
	default:
		if _, err := r.venue.CancelLimits(ctx); err != nil {
			return fmt.Errorf("cancel resting takes: %w", err)
		}
		if err := r.reversePosition(ctx, action); err != nil {
			return err
		}
	}

	return v.placeTakes(ctx, action.PositionSide())
}

// placeTakes re-reads the position and splits it across the two levels.
// Quantities are sized from the live position, not the submitted order, so
// partial fills and reversals cannot produce a ladder larger than the
// position the venue would reject as non-reducing.
func (v *takeVariant) placeTakes(ctx context.Context, side types.PositionSide) error {
	r := v.r

	pos, err := r.venue.CurrentPosition(ctx, types.BOTH)
	if err != nil {
		return fmt.Errorf("re-query position: %w", err)
	}
	if pos == nil {
		return errPositionGone
	}

	tp1 := r.targetPrice(pos.EntryPrice, side, r.cfg.Take.TP1Percent)
	tp2 := r.targetPrice(pos.EntryPrice, side, r.cfg.Take.TP2Percent)

	qty1, err := v.slice(pos.Size, r.cfg.Take.Qty1Percent)
	if err != nil {
		return fmt.Errorf("size tp1: %w", err)
	}
	qty2, err := v.slice(pos.Size, r.cfg.Take.Qty2Percent)
	if err != nil {
		return fmt.Errorf("size tp2: %w", err)
	}

	exit := closeSide(side)
	if _, err := r.venue.PlaceLimit(ctx, exit, qty1, tp1); err != nil {
		return fmt.Errorf("place tp1: %w", err)
	}
	if _, err := r.venue.PlaceLimit(ctx, exit, qty2, tp2); err != nil {
		return fmt.Errorf("place tp2: %w", err)
	}

	r.logger.Info("take-profit ladder placed",
		"entry", pos.EntryPrice, "tp1", tp1, "qty1", qty1, "tp2", tp2, "qty2", qty2)
	return nil
}

// slice carves a percentage out of the position size on the lot grid.
func (v *takeVariant) slice(size decimal.Decimal, percent float64) (decimal.Decimal, error) {
	if percent <= 0 {
		return decimal.Zero, errors.New("take quantity percent must be positive")
	}
	part := size.Mul(decimal.NewFromFloat(percent)).Div(hundred)
	return v.r.venue.Instrument().RoundQuantity(part)
}
