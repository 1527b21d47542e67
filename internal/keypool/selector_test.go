package keypool

import (
	"testing"
	"time"

	"github.com/wordtrail/enrich-cli/internal/quota"
)

type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time          { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func newTestPool(t *testing.T, keys ...string) (*quota.Tracker, *fakeClock) {
	t.Helper()
	clk := newFakeClock()
	limits := quota.Limits{PerMinute: 15, Hourly: 250, Daily: 1000}
	tr, err := quota.NewTracker(keys, limits, quota.DefaultBackoff(), clk)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr, clk
}

func TestSelect_PrefersIdleCredential(t *testing.T) {
	pool, clk := newTestPool(t, "key-aaaa-0001", "key-bbbb-0002")
	sel := NewSelector(pool, DefaultWeights(), clk)

	pool.Record("key-aaaa-0001")
	pool.Record("key-aaaa-0001")

	st, err := sel.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if st.Key != "key-bbbb-0002" {
		t.Errorf("selected %s, want the idle credential", st.Masked)
	}
}

func TestSelect_FairnessUnderNoContention(t *testing.T) {
	keys := []string{"key-aaaa-0001", "key-bbbb-0002", "key-cccc-0003", "key-dddd-0004"}
	pool, clk := newTestPool(t, keys...)
	sel := NewSelector(pool, DefaultWeights(), clk)

	// One select+record round must touch every credential exactly once
	// before any credential is used twice.
	seen := make(map[string]int)
	for i := 0; i < len(keys); i++ {
		st, err := sel.Select()
		if err != nil {
			t.Fatalf("Select: %v", err)
		}
		seen[st.Key]++
		pool.Record(st.Key)
		clk.Advance(100 * time.Millisecond)
	}
	for _, k := range keys {
		if seen[k] != 1 {
			t.Errorf("credential %s selected %d times in first round, want 1", quota.MaskKey(k), seen[k])
		}
	}
}

func TestSelect_AvoidsRateLimitedCredential(t *testing.T) {
	pool, clk := newTestPool(t, "key-aaaa-0001", "key-bbbb-0002")
	sel := NewSelector(pool, DefaultWeights(), clk)

	pool.MarkRateLimited("key-aaaa-0001")

	st, err := sel.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if st.Key != "key-bbbb-0002" {
		t.Errorf("selected flagged credential %s", st.Masked)
	}
}

func TestSelect_DeadlockRecovery(t *testing.T) {
	pool, clk := newTestPool(t, "key-aaaa-0001", "key-bbbb-0002", "key-cccc-0003")
	sel := NewSelector(pool, DefaultWeights(), clk)

	// Stagger last-use times so LRU is well defined.
	pool.Record("key-aaaa-0001")
	clk.Advance(time.Second)
	pool.Record("key-bbbb-0002")
	clk.Advance(time.Second)
	pool.Record("key-cccc-0003")
	for _, k := range []string{"key-aaaa-0001", "key-bbbb-0002", "key-cccc-0003"} {
		pool.MarkRateLimited(k)
	}

	st, err := sel.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if st.Key != "key-aaaa-0001" {
		t.Errorf("recovery valve picked %s, want the LRU credential", st.Masked)
	}
	if st.RateLimitHit {
		t.Error("returned credential should have its flag cleared")
	}
	// The flag must be cleared in the pool itself, not just the copy.
	for _, ps := range pool.States() {
		if ps.Key == st.Key && ps.RateLimitHit {
			t.Error("pool still has rateLimitHit set on recovered credential")
		}
	}
}

func TestSelect_ExclusionForcesOtherKey(t *testing.T) {
	// Scenario: pool of 2, per-minute quota 1. After one call on A,
	// the immediately following call must land on B.
	clk := newFakeClock()
	limits := quota.Limits{PerMinute: 1, Hourly: 250, Daily: 1000}
	pool, err := quota.NewTracker([]string{"key-aaaa-0001", "key-bbbb-0002"}, limits, quota.DefaultBackoff(), clk)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	sel := NewSelector(pool, DefaultWeights(), clk)

	first, err := sel.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	pool.Record(first.Key)

	second, err := sel.Select()
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if second.Key == first.Key {
		t.Errorf("back-to-back calls both chose %s", first.Masked)
	}
}

func TestSelect_ExclusionsCoveringPoolAreIgnored(t *testing.T) {
	pool, clk := newTestPool(t, "key-aaaa-0001")
	sel := NewSelector(pool, DefaultWeights(), clk)

	st, err := sel.Select("key-aaaa-0001")
	if err != nil {
		t.Fatalf("Select: %v", err)
	}
	if st.Key != "key-aaaa-0001" {
		t.Errorf("single-key pool must still return its key, got %s", st.Masked)
	}
}

func TestScore_IdleCreditCapped(t *testing.T) {
	pool, clk := newTestPool(t, "key-aaaa-0001")
	sel := NewSelector(pool, DefaultWeights(), clk)

	st := quota.State{Key: "key-aaaa-0001", LastRequest: clk.Now().Add(-10 * time.Minute)}
	got := sel.score(st, pool.Limits(), clk.Now())
	want := -DefaultWeights().IdleCredit.Seconds()
	if got != want {
		t.Errorf("score = %v, want idle credit capped at %v", got, want)
	}
}
