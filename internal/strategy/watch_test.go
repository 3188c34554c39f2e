package strategy

import (
	"context"
	"testing"

	"github.com/shopspring/decimal"
)

func noopFire(context.Context, decimal.Decimal) {}

func TestWatchDirectionBoundaries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		direction Direction
		price     string
		fires     bool
	}{
		{"long below target", DirectionLong, "3999.99", false},
		{"long at target", DirectionLong, "4000", true},
		{"long above target", DirectionLong, "4000.01", true},
		{"short above target", DirectionShort, "4000.01", false},
		{"short at target", DirectionShort, "4000", true},
		{"short below target", DirectionShort, "3999.99", true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			s := NewWatchSet()
			s.Add(&Watch{Label: "t", Target: dec("4000"), Direction: tt.direction, Fire: noopFire})

			fired := s.Evaluate(dec(tt.price))
			if got := len(fired) == 1; got != tt.fires {
				t.Fatalf("fired = %v, want %v", got, tt.fires)
			}
		})
	}
}

func TestWatchIsSingleShot(t *testing.T) {
	t.Parallel()
	s := NewWatchSet()
	s.Add(&Watch{Label: "t", Target: dec("4000"), Direction: DirectionLong, Fire: noopFire})

	if fired := s.Evaluate(dec("4001")); len(fired) != 1 {
		t.Fatalf("first frame fired %d watches, want 1", len(fired))
	}
	if s.Len() != 0 {
		t.Fatalf("watch still registered after firing")
	}
	if fired := s.Evaluate(dec("4002")); len(fired) != 0 {
		t.Fatalf("second frame fired %d watches, want 0", len(fired))
	}
}

// A watch whose condition already holds at registration fires on the next
// frame; registration itself never evaluates.
func TestWatchAtCurrentPriceFiresNextFrame(t *testing.T) {
	t.Parallel()
	s := NewWatchSet()
	s.Add(&Watch{Label: "t", Target: dec("4000"), Direction: DirectionLong, Fire: noopFire})

	if fired := s.Evaluate(dec("4000")); len(fired) != 1 {
		t.Fatalf("fired %d watches, want 1", len(fired))
	}
}

func TestWatchFiresInRegistrationOrder(t *testing.T) {
	t.Parallel()
	s := NewWatchSet()
	a := &Watch{Label: "a", Target: dec("4000"), Direction: DirectionLong, Fire: noopFire}
	b := &Watch{Label: "b", Target: dec("3990"), Direction: DirectionLong, Fire: noopFire}
	s.Add(a)
	s.Add(b)

	fired := s.Evaluate(dec("4005"))
	if len(fired) != 2 {
		t.Fatalf("fired %d watches, want 2", len(fired))
	}
	if fired[0] != a || fired[1] != b {
		t.Fatalf("fire order = [%s %s], want [a b]", fired[0].Label, fired[1].Label)
	}
}

func TestWatchSameKeyReplaces(t *testing.T) {
	t.Parallel()
	s := NewWatchSet()
	old := &Watch{Label: "old", Target: dec("4000"), Direction: DirectionLong, Fire: noopFire}
	s.Add(old)
	repl := &Watch{Label: "new", Target: dec("4000"), Direction: DirectionLong, Fire: noopFire}
	s.Add(repl)

	if s.Len() != 1 {
		t.Fatalf("len = %d, want 1 after same-key add", s.Len())
	}
	fired := s.Evaluate(dec("4001"))
	if len(fired) != 1 || fired[0] != repl {
		t.Fatalf("fired %v, want only the replacement", fired)
	}
}

func TestWatchCancel(t *testing.T) {
	t.Parallel()
	s := NewWatchSet()
	w := &Watch{Label: "t", Target: dec("4000"), Direction: DirectionLong, Fire: noopFire}
	s.Add(w)
	s.Cancel(w)

	if s.Len() != 0 {
		t.Fatalf("len = %d, want 0 after cancel", s.Len())
	}
	if fired := s.Evaluate(dec("4001")); len(fired) != 0 {
		t.Fatalf("cancelled watch fired")
	}
	// Cancelling again is a no-op.
	s.Cancel(w)
}

func TestWatchCancelAll(t *testing.T) {
	t.Parallel()
	s := NewWatchSet()
	s.Add(&Watch{Label: "a", Target: dec("4000"), Direction: DirectionLong, Fire: noopFire})
	s.Add(&Watch{Label: "b", Target: dec("3000"), Direction: DirectionShort, Fire: noopFire})
	s.CancelAll()

	if s.Len() != 0 {
		t.Fatalf("len = %d, want 0", s.Len())
	}
}

// Barrier gating: the watch must see a frame strictly beyond the barrier
// before it can fire, and the arming frame itself never fires even when it
// satisfies the watch condition.
func TestWatchBarrierArmsThenFires(t *testing.T) {
	t.Parallel()
	s := NewWatchSet()
	s.Add(&Watch{
		Label:     "activation",
		Target:    dec("3950"),
		Direction: DirectionShort,
		Barrier:   &Barrier{Price: dec("3930.25"), Side: BarrierBelow},
		Fire:      noopFire,
	})

	// 3949 satisfies price <= 3950 but the barrier was never crossed.
	if fired := s.Evaluate(dec("3949")); len(fired) != 0 {
		t.Fatalf("unarmed watch fired")
	}
	// 3930.25 is not strictly below the barrier.
	if fired := s.Evaluate(dec("3930.25")); len(fired) != 0 {
		t.Fatalf("barrier boundary armed and fired")
	}
	// 3925 crosses the barrier; the arming frame satisfies the condition
	// but must not fire.
	if fired := s.Evaluate(dec("3925")); len(fired) != 0 {
		t.Fatalf("arming frame fired")
	}
	// Now armed: the next qualifying frame fires.
	if fired := s.Evaluate(dec("3949")); len(fired) != 1 {
		t.Fatalf("armed watch did not fire")
	}
}

func TestWatchBarrierAbove(t *testing.T) {
	t.Parallel()
	s := NewWatchSet()
	s.Add(&Watch{
		Label:     "activation",
		Target:    dec("4050"),
		Direction: DirectionLong,
		Barrier:   &Barrier{Price: dec("4069.75"), Side: BarrierAbove},
		Fire:      noopFire,
	})

	if fired := s.Evaluate(dec("4051")); len(fired) != 0 {
		t.Fatalf("unarmed watch fired")
	}
	if fired := s.Evaluate(dec("4075")); len(fired) != 0 {
		t.Fatalf("arming frame fired")
	}
	if fired := s.Evaluate(dec("4051")); len(fired) != 1 {
		t.Fatalf("armed watch did not fire")
	}
}

// Watches registered by a handler during a fire must only see later frames,
// which holds because Evaluate returns fired watches instead of running
// handlers inline.
func TestWatchHandlerRegistrationSeesLaterFramesOnly(t *testing.T) {
	t.Parallel()
	s := NewWatchSet()

	var secondFired bool
	first := &Watch{Label: "first", Target: dec("4000"), Direction: DirectionLong}
	first.Fire = func(ctx context.Context, price decimal.Decimal) {
		s.Add(&Watch{
			Label:     "second",
			Target:    dec("3000"),
			Direction: DirectionLong,
			Fire:      func(context.Context, decimal.Decimal) { secondFired = true },
		})
	}
	s.Add(first)

	for _, w := range s.Evaluate(dec("4001")) {
		w.Fire(context.Background(), dec("4001"))
	}
	if secondFired {
		t.Fatalf("handler-registered watch fired on the same frame")
	}
	for _, w := range s.Evaluate(dec("4002")) {
		w.Fire(context.Background(), dec("4002"))
	}
	if !secondFired {
		t.Fatalf("handler-registered watch missed the next frame")
	}
}
