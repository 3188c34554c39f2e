package strategy

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Direction tells a watch which way the price must cross its target.
type Direction string

const (
	// DirectionLong fires when price >= target.
	DirectionLong Direction = "long"
	// DirectionShort fires when price <= target.
	DirectionShort Direction = "short"
)

// BarrierSide names the side of a barrier the price must visit before the
// watch arms.
type BarrierSide string

const (
	BarrierAbove BarrierSide = "above" // arms once price > barrier
	BarrierBelow BarrierSide = "below" // arms once price < barrier
)

// Barrier gates a watch until the price has been observed strictly on the
// given side of Price. It keeps a watch from firing at the level the
// position just exited.
type Barrier struct {
	Price decimal.Decimal
	Side  BarrierSide
}

func (b Barrier) crossed(price decimal.Decimal) bool {
	if b.Side == BarrierAbove {
		return price.GreaterThan(b.Price)
	}
	return price.LessThan(b.Price)
}

// Watch is a single-shot price trigger. Once the target condition holds on
// an armed watch, the watch is removed from its set and handed back to the
// caller of Evaluate; the fire function runs there, never inside Evaluate.
type Watch struct {
	Label     string // for logs: "activation", "stop-loss", ...
	Target    decimal.Decimal
	Direction Direction
	Barrier   *Barrier
	Fire      func(ctx context.Context, price decimal.Decimal)

	armed bool
}

func (w *Watch) key() string {
	if w.Barrier == nil {
		return fmt.Sprintf("%s|%s", w.Target, w.Direction)
	}
	return fmt.Sprintf("%s|%s|%s|%s", w.Target, w.Direction, w.Barrier.Price, w.Barrier.Side)
}

func (w *Watch) conditionMet(price decimal.Decimal) bool {
	if w.Direction == DirectionLong {
		return price.GreaterThanOrEqual(w.Target)
	}
	return price.LessThanOrEqual(w.Target)
}

// WatchSet is an ordered registry of price watches. It is owned by the
// strategy runner goroutine and is not safe for concurrent use.
type WatchSet struct {
	watches []*Watch
}

// NewWatchSet returns an empty registry.
func NewWatchSet() *WatchSet {
	return &WatchSet{}
}

// Add registers a watch. A watch without a barrier is armed immediately.
// Re-adding a watch with the same (target, direction, barrier) key replaces
// the earlier one, moving it to the back of the evaluation order.
func (s *WatchSet) Add(w *Watch) {
	w.armed = w.Barrier == nil
	key := w.key()
	for i, existing := range s.watches {
		if existing.key() == key {
			s.watches = append(s.watches[:i], s.watches[i+1:]...)
			break
		}
	}
	s.watches = append(s.watches, w)
}

// Cancel removes the given watch. Cancelling a watch that already fired or
// was never added is a no-op.
func (s *WatchSet) Cancel(w *Watch) {
	for i, existing := range s.watches {
		if existing == w {
			s.watches = append(s.watches[:i], s.watches[i+1:]...)
			return
		}
	}
}

// CancelAll empties the registry.
func (s *WatchSet) CancelAll() {
	s.watches = nil
}

// Len reports the number of live watches.
func (s *WatchSet) Len() int {
	return len(s.watches)
}

// Evaluate runs one price frame over the registry in registration order and
// returns the watches that fired, already removed from the set. A barrier
// that arms on this frame does not let its watch fire until a later frame,
// and watches added while handling the returned slice are first evaluated
// against the next frame.
func (s *WatchSet) Evaluate(price decimal.Decimal) []*Watch {
	var fired []*Watch
	remaining := s.watches[:0]

	for _, w := range s.watches {
		if !w.armed {
			if w.Barrier.crossed(price) {
				w.armed = true
			}
			remaining = append(remaining, w)
			continue
		}
		if w.conditionMet(price) {
			fired = append(fired, w)
			continue
		}
		remaining = append(remaining, w)
	}

	s.watches = remaining
	return fired
}
