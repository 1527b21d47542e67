package quota

import (
	"context"
	"testing"
	"time"
)

// fakeClock is a manually advanced clock for deterministic tests.
type fakeClock struct {
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time { return f.now }

func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func testBackoff() Backoff {
	b := DefaultBackoff()
	b.DecayInterval = 4 * time.Second
	return b
}

func newTestTracker(t *testing.T, keys ...string) (*Tracker, *fakeClock) {
	t.Helper()
	if len(keys) == 0 {
		keys = []string{"key-aaaa-0001", "key-bbbb-0002"}
	}
	clk := newFakeClock()
	tr, err := NewTracker(keys, DefaultLimits(), testBackoff(), clk)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	return tr, clk
}

func TestNewTracker_EmptyPool(t *testing.T) {
	if _, err := NewTracker(nil, DefaultLimits(), DefaultBackoff(), nil); err == nil {
		t.Fatal("expected error for empty pool")
	}
}

func TestNewTracker_DuplicateKey(t *testing.T) {
	_, err := NewTracker([]string{"key-aaaa-0001", "key-aaaa-0001"}, DefaultLimits(), DefaultBackoff(), nil)
	if err == nil {
		t.Fatal("expected error for duplicate key")
	}
}

func TestRecord_IncrementsAllCounters(t *testing.T) {
	tr, clk := newTestTracker(t)

	tr.MarkRateLimited("key-aaaa-0001")
	tr.Record("key-aaaa-0001")

	st := tr.States()[0]
	if st.RequestCount != 1 || st.HourlyCount != 1 || st.DailyCount != 1 {
		t.Errorf("counters = %d/%d/%d, want 1/1/1", st.RequestCount, st.HourlyCount, st.DailyCount)
	}
	if st.RateLimitHit {
		t.Error("Record should clear rateLimitHit")
	}
	if !st.LastRequest.Equal(clk.Now()) {
		t.Errorf("lastRequest = %v, want %v", st.LastRequest, clk.Now())
	}
}

func TestRequestCount_DecaysLazily(t *testing.T) {
	tr, clk := newTestTracker(t)

	for i := 0; i < 5; i++ {
		tr.Record("key-aaaa-0001")
	}
	if got := tr.States()[0].RequestCount; got != 5 {
		t.Fatalf("requestCount = %d, want 5", got)
	}

	// Two decay intervals drop the short counter by two; the hourly and
	// daily windows are untouched.
	clk.Advance(8 * time.Second)
	st := tr.States()[0]
	if st.RequestCount != 3 {
		t.Errorf("requestCount = %d, want 3", st.RequestCount)
	}
	if st.HourlyCount != 5 || st.DailyCount != 5 {
		t.Errorf("hourly/daily = %d/%d, want 5/5", st.HourlyCount, st.DailyCount)
	}

	// Never decays below zero.
	clk.Advance(time.Minute)
	if got := tr.States()[0].RequestCount; got != 0 {
		t.Errorf("requestCount = %d, want 0", got)
	}
}

func TestHourlyReset_Lazy(t *testing.T) {
	tr, clk := newTestTracker(t)

	tr.Record("key-aaaa-0001")
	tr.Record("key-bbbb-0002")

	clk.Advance(time.Hour)
	for _, st := range tr.States() {
		if st.HourlyCount != 0 {
			t.Errorf("%s hourlyCount = %d, want 0 after an hour", st.Masked, st.HourlyCount)
		}
		if st.DailyCount != 1 {
			t.Errorf("%s dailyCount = %d, want 1 after an hour", st.Masked, st.DailyCount)
		}
	}
}

func TestDailyReset_Lazy(t *testing.T) {
	tr, clk := newTestTracker(t)

	tr.Record("key-aaaa-0001")
	clk.Advance(24 * time.Hour)

	st := tr.States()[0]
	if st.DailyCount != 0 || st.HourlyCount != 0 {
		t.Errorf("daily/hourly = %d/%d, want 0/0 after a day", st.DailyCount, st.HourlyCount)
	}
}

func TestDecideWait_PriorityOrder(t *testing.T) {
	limits := Limits{PerMinute: 10, Hourly: 100, Daily: 1000}
	clk := newFakeClock()
	tr, err := NewTracker([]string{"key-aaaa-0001"}, limits, testBackoff(), clk)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	b := testBackoff()

	cases := []struct {
		name string
		cred credential
		want waitReason
		wait time.Duration
	}{
		{"rate limit hit wins", credential{rateLimitHit: true, dailyCount: 999}, waitCooldown, b.Cooldown},
		{"daily before hourly", credential{dailyCount: 800, hourlyCount: 90}, waitDaily, b.DailySlowdown},
		{"hourly before minute", credential{hourlyCount: 80, requestCount: 9}, waitHourly, b.HourlySlowdown},
		{"minute threshold", credential{requestCount: 8}, waitMinute, b.MinuteSlowdown},
		{"idle credential", credential{}, waitNone, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, reason := tr.decideWait(&tc.cred, clk.Now())
			if reason != tc.want {
				t.Errorf("reason = %s, want %s", reason, tc.want)
			}
			if got != tc.wait {
				t.Errorf("wait = %v, want %v", got, tc.wait)
			}
		})
	}
}

func TestDecideWait_MinSpacingFloor(t *testing.T) {
	tr, clk := newTestTracker(t)
	c := &credential{lastRequest: clk.Now().Add(-200 * time.Millisecond)}

	wait, reason := tr.decideWait(c, clk.Now())
	if reason != waitSpacing {
		t.Fatalf("reason = %s, want %s", reason, waitSpacing)
	}
	if wait != 800*time.Millisecond {
		t.Errorf("wait = %v, want 800ms", wait)
	}

	// A longer threshold sleep absorbs the spacing floor.
	c = &credential{rateLimitHit: true, lastRequest: clk.Now()}
	wait, reason = tr.decideWait(c, clk.Now())
	if reason != waitCooldown || wait != testBackoff().Cooldown {
		t.Errorf("wait/reason = %v/%s, want cooldown", wait, reason)
	}
}

func TestEnforce_NoWaitWhenIdle(t *testing.T) {
	tr, _ := newTestTracker(t)

	start := time.Now()
	if err := tr.Enforce(context.Background(), "key-aaaa-0001"); err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 100*time.Millisecond {
		t.Errorf("idle Enforce slept %v", elapsed)
	}
}

func TestEnforce_UnknownKey(t *testing.T) {
	tr, _ := newTestTracker(t)
	if err := tr.Enforce(context.Background(), "nope"); err == nil {
		t.Fatal("expected error for unknown key")
	}
}

func TestEnforce_CancelDuringWait(t *testing.T) {
	clk := newFakeClock()
	b := testBackoff()
	b.Cooldown = 5 * time.Second
	tr, err := NewTracker([]string{"key-aaaa-0001"}, DefaultLimits(), b, clk)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	tr.MarkRateLimited("key-aaaa-0001")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	enfErr := tr.Enforce(ctx, "key-aaaa-0001")
	if enfErr == nil {
		t.Fatal("expected cancellation error")
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("cancelled Enforce took %v", elapsed)
	}
}

func TestEnforce_CooldownClearsFlag(t *testing.T) {
	clk := newFakeClock()
	b := testBackoff()
	b.Cooldown = 10 * time.Millisecond
	tr, err := NewTracker([]string{"key-aaaa-0001"}, DefaultLimits(), b, clk)
	if err != nil {
		t.Fatalf("NewTracker: %v", err)
	}
	tr.MarkRateLimited("key-aaaa-0001")

	if err := tr.Enforce(context.Background(), "key-aaaa-0001"); err != nil {
		t.Fatalf("Enforce: %v", err)
	}
	if tr.States()[0].RateLimitHit {
		t.Error("cooldown should consume the rate-limit flag")
	}
}

func TestClearRateLimit(t *testing.T) {
	tr, _ := newTestTracker(t)
	tr.MarkRateLimited("key-bbbb-0002")
	tr.ClearRateLimit("key-bbbb-0002")
	if tr.States()[1].RateLimitHit {
		t.Error("expected flag cleared")
	}
}

func TestMaskKey(t *testing.T) {
	if got := MaskKey("key-aaaa-0001"); got != "key-…0001" {
		t.Errorf("MaskKey = %q", got)
	}
	if got := MaskKey("short"); got != "****" {
		t.Errorf("MaskKey(short) = %q", got)
	}
}
