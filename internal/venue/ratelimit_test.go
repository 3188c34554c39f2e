package venue

import (
	"context"
	"testing"
	"time"
)

// A fresh bucket serves its whole burst without blocking.
func TestTokenBucketBurst(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(5, 1)

	start := time.Now()
	for i := 0; i < 5; i++ {
		if err := tb.Wait(context.Background()); err != nil {
			t.Fatalf("Wait %d: %v", i, err)
		}
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("burst of 5 took %v, want immediate", elapsed)
	}
}

// Past the burst, Wait paces callers at the refill rate.
func TestTokenBucketPacesAtRefillRate(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 10) // one token every ~100ms after the burst

	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := tb.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	elapsed := time.Since(start)
	if elapsed < 50*time.Millisecond {
		t.Errorf("second token served after %v, want ~100ms of pacing", elapsed)
	}
	if elapsed > 300*time.Millisecond {
		t.Errorf("second token took %v, refill stalled", elapsed)
	}
}

// A cancelled context unblocks a waiting caller with its error instead of
// leaving a venue call parked behind an empty bucket.
func TestTokenBucketWaitHonorsContext(t *testing.T) {
	t.Parallel()
	tb := NewTokenBucket(1, 0.1)
	_ = tb.Wait(context.Background()) // drain the burst

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if err := tb.Wait(ctx); err == nil {
		t.Fatal("Wait returned nil on a cancelled context")
	}
}

// The limiter keeps independent budgets per endpoint category: draining the
// order bucket must not slow reads down.
func TestRateLimiterCategoriesAreIndependent(t *testing.T) {
	t.Parallel()
	rl := &RateLimiter{
		Order:  NewTokenBucket(1, 0.1),
		Cancel: NewTokenBucket(1, 0.1),
		Read:   NewTokenBucket(1, 0.1),
	}
	_ = rl.Order.Wait(context.Background())

	start := time.Now()
	if err := rl.Read.Wait(context.Background()); err != nil {
		t.Fatal(err)
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Errorf("read blocked %v behind the drained order bucket", elapsed)
	}
}
