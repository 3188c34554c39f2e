package strategy

import (
	"context"
	"fmt"

	"signalbot/pkg/types"
)

// classicVariant is the plain open/reverse strategy: every accepted signal
// ends with a market position in the signal's direction and nothing else.
type classicVariant struct {
	r *Runner
}

func (v *classicVariant) name() string { return "classic" }

// restore needs nothing beyond the shared position bookkeeping.
func (v *classicVariant) restore(ctx context.Context, pos *types.PositionSnapshot) error {
	return nil
}

func (v *classicVariant) execute(ctx context.Context, action types.Action) error {
	r := v.r
	pos, err := r.venue.CurrentPosition(ctx, types.BOTH)
	if err != nil {
		return fmt.Errorf("query position: %w", err)
	}

	switch {
	case pos == nil:
		_, err := r.openPosition(ctx, action)
		return err
	case pos.Side == action.PositionSide():
		// Can happen when the duplicate filter was reset by a restart.
		r.logger.Info("position already in signal direction", "side", pos.Side)
		return nil
	default:
		return r.reversePosition(ctx, action)
	}
}
