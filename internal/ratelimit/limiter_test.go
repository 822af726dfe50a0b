package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/cabibbz/koya-caller-sub002/internal/clock"
)

// fakeCounter simulates the distributed backend: either a working atomic
// fixed-window counter or one that errors on every call.
type fakeCounter struct {
	mu      sync.Mutex
	counts  map[string]int64
	resets  map[string]time.Time
	clk     clock.Clock
	failure error
	calls   int
}

func newFakeCounter(clk clock.Clock) *fakeCounter {
	return &fakeCounter{
		counts: make(map[string]int64),
		resets: make(map[string]time.Time),
		clk:    clk,
	}
}

func (f *fakeCounter) Incr(ctx context.Context, key string, window time.Duration) (int64, time.Duration, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls++
	if f.failure != nil {
		return 0, 0, f.failure
	}

	now := f.clk.Now()
	reset, ok := f.resets[key]
	if !ok || !now.Before(reset) {
		f.counts[key] = 0
		reset = now.Add(window)
		f.resets[key] = reset
	}
	f.counts[key]++
	return f.counts[key], reset.Sub(now), nil
}

func testTable() Table {
	t := DefaultTable()
	t[PolicyAuth] = PolicyLimits{
		Normal:   Limits{Max: 3, Window: time.Hour},
		Degraded: Limits{Max: 2, Window: time.Hour},
	}
	return t
}

func TestLimiter_AllowsUpToMaxThenRejects(t *testing.T) {
	clk := &clock.MockClock{NowTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	counter := newFakeCounter(clk)
	limiter := New(testTable(), WithCounter(counter), WithClock(clk))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		d := limiter.Check(ctx, PolicyAuth, "10.0.0.1")
		if !d.Allowed {
			t.Fatalf("call %d should be allowed", i+1)
		}
		if d.Limit != 3 {
			t.Errorf("limit = %d, want 3", d.Limit)
		}
	}

	d := limiter.Check(ctx, PolicyAuth, "10.0.0.1")
	if d.Allowed {
		t.Error("4th call should be rejected")
	}
	if d.Remaining != 0 {
		t.Errorf("remaining = %d, want 0", d.Remaining)
	}
	// window is 1h, so retry guidance should be close to 3600s
	if d.RetryAfter < 3590 || d.RetryAfter > 3600 {
		t.Errorf("retryAfter = %d, want ~3600", d.RetryAfter)
	}
}

func TestLimiter_IndependentIdentifiers(t *testing.T) {
	clk := &clock.MockClock{NowTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	limiter := New(testTable(), WithCounter(newFakeCounter(clk)), WithClock(clk))

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		limiter.Check(ctx, PolicyAuth, "10.0.0.1")
	}

	if d := limiter.Check(ctx, PolicyAuth, "10.0.0.2"); !d.Allowed {
		t.Error("different identifier should have its own window")
	}
}

func TestLimiter_AllowedAgainAfterWindowReset(t *testing.T) {
	clk := &clock.MockClock{NowTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	limiter := New(testTable(), WithCounter(newFakeCounter(clk)), WithClock(clk))

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		limiter.Check(ctx, PolicyAuth, "10.0.0.1")
	}
	if d := limiter.Check(ctx, PolicyAuth, "10.0.0.1"); d.Allowed {
		t.Fatal("should be rejected before reset")
	}

	clk.Advance(time.Hour + time.Second)

	if d := limiter.Check(ctx, PolicyAuth, "10.0.0.1"); !d.Allowed {
		t.Error("should be allowed after the window reset")
	}
}

func TestLimiter_CounterFailureFailsClosed(t *testing.T) {
	clk := &clock.MockClock{NowTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	counter := newFakeCounter(clk)
	counter.failure = errors.New("connection refused")
	limiter := New(testTable(), WithCounter(counter), WithClock(clk))

	ctx := context.Background()
	// degraded auth limit is 2, stricter than the normal 3
	allowed := 0
	for i := 0; i < 3; i++ {
		if limiter.Check(ctx, PolicyAuth, "10.0.0.1").Allowed {
			allowed++
		}
	}
	if allowed != 2 {
		t.Errorf("allowed %d requests during outage, want 2 (degraded limit)", allowed)
	}
}

func TestLimiter_DegradedNeverLoosensLimit(t *testing.T) {
	clk := &clock.MockClock{NowTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	table := DefaultTable()

	for _, p := range Policies() {
		healthy := New(table, WithCounter(newFakeCounter(clk)), WithClock(clk))
		broken := newFakeCounter(clk)
		broken.failure = errors.New("timeout")
		degraded := New(table, WithCounter(broken), WithClock(clk))

		ctx := context.Background()
		countAllowed := func(l *Limiter) int {
			n := 0
			for i := 0; i < table[p].Normal.Max+5; i++ {
				if l.Check(ctx, p, "id").Allowed {
					n++
				}
			}
			return n
		}

		if got, normal := countAllowed(degraded), countAllowed(healthy); got > normal {
			t.Errorf("policy %s: degraded mode allowed %d > normal %d", p, got, normal)
		}
	}
}

func TestLimiter_NoCounterUsesNormalLimits(t *testing.T) {
	clk := &clock.MockClock{NowTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	limiter := New(testTable(), WithClock(clk))

	ctx := context.Background()
	allowed := 0
	for i := 0; i < 5; i++ {
		if limiter.Check(ctx, PolicyAuth, "10.0.0.1").Allowed {
			allowed++
		}
	}
	// local-only mode is normal operation, so the full normal budget applies
	if allowed != 3 {
		t.Errorf("allowed = %d, want 3 (normal limit)", allowed)
	}
}

func TestLimiter_DecisionHookReportsMode(t *testing.T) {
	clk := &clock.MockClock{NowTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	var modes []string
	hook := func(p Policy, mode string, allowed bool) { modes = append(modes, mode) }

	broken := newFakeCounter(clk)
	broken.failure = errors.New("timeout")

	New(testTable(), WithClock(clk), WithDecisionHook(hook)).
		Check(context.Background(), PolicyAuth, "a")
	New(testTable(), WithCounter(newFakeCounter(clk)), WithClock(clk), WithDecisionHook(hook)).
		Check(context.Background(), PolicyAuth, "a")
	New(testTable(), WithCounter(broken), WithClock(clk), WithDecisionHook(hook)).
		Check(context.Background(), PolicyAuth, "a")

	want := []string{"local", "distributed", "degraded"}
	for i, m := range want {
		if modes[i] != m {
			t.Errorf("mode[%d] = %s, want %s", i, modes[i], m)
		}
	}
}

func TestLimiter_ConcurrentChecksNeverExceedLimit(t *testing.T) {
	clk := &clock.MockClock{NowTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	limiter := New(testTable(), WithClock(clk))

	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if limiter.Check(context.Background(), PolicyAuth, "shared").Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != 3 {
		t.Errorf("concurrent checks allowed %d, want exactly 3", allowed)
	}
}

func TestNew_PanicsOnIncompleteTable(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("New should panic on a table missing a policy")
		}
	}()
	table := DefaultTable()
	delete(table, PolicyDashboard)
	New(table)
}

func TestTable_ValidateRejectsLooserDegraded(t *testing.T) {
	table := DefaultTable()
	table[PolicyPublic] = PolicyLimits{
		Normal:   Limits{Max: 10, Window: time.Minute},
		Degraded: Limits{Max: 20, Window: time.Minute},
	}
	if err := table.Validate(Policies()); err == nil {
		t.Error("Validate should reject degraded throughput above normal")
	}
}

func TestLimiter_BackendErrorLogCooldown(t *testing.T) {
	clk := &clock.MockClock{NowTime: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	counter := newFakeCounter(clk)
	counter.failure = fmt.Errorf("dial tcp: connection refused")
	limiter := New(testTable(), WithCounter(counter), WithClock(clk))

	ctx := context.Background()
	limiter.Check(ctx, PolicyAuth, "a")
	first := limiter.lastErrLog
	limiter.Check(ctx, PolicyAuth, "a")
	if !limiter.lastErrLog.Equal(first) {
		t.Error("second failure within the cooldown should not refresh the log timestamp")
	}

	clk.Advance(2 * errLogCooldown)
	limiter.Check(ctx, PolicyAuth, "a")
	if limiter.lastErrLog.Equal(first) {
		t.Error("failure after the cooldown should log again")
	}
}
