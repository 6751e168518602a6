package llm

import (
	"context"
	"testing"
	"time"
)

// testClock drives the limiter's injectable time source.
type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time          { return c.now }
func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestClock() *testClock { return &testClock{now: time.Unix(1_700_000_000, 0)} }

func newTestLimiter(cfg RateLimiterConfig, clock *testClock) (*RateLimiter, *[]time.Duration) {
	r := NewRateLimiter(cfg)
	r.now = clock.Now
	sleeps := &[]time.Duration{}
	r.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		clock.Advance(d)
		return ctx.Err()
	}
	return r, sleeps
}

func TestRateLimiterAllowsUnderBudget(t *testing.T) {
	clock := newTestClock()
	r, sleeps := newTestLimiter(RateLimiterConfig{TokensPerMinute: 1000, RequestsPerMinute: 10, MaxWaitAttempts: 3}, clock)

	for i := 0; i < 5; i++ {
		if err := r.CheckRateLimit(context.Background(), 100, "req"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		r.RecordUsage(100, "req")
		clock.Advance(time.Second)
	}

	if len(*sleeps) != 0 {
		t.Errorf("expected no waits under budget, got %v", *sleeps)
	}
	if got := r.WindowTokens(); got != 500 {
		t.Errorf("expected 500 window tokens, got %d", got)
	}
}

func TestRateLimiterWaitsForTokenBudget(t *testing.T) {
	clock := newTestClock()
	r, sleeps := newTestLimiter(RateLimiterConfig{TokensPerMinute: 1000, RequestsPerMinute: 100, MaxWaitAttempts: 5}, clock)

	r.RecordUsage(900, "first")
	clock.Advance(10 * time.Second)

	// 900 + 200 > 1000: must wait until the first record ages out, which
	// is 50 more seconds, not a flat backoff.
	if err := r.CheckRateLimit(context.Background(), 200, "second"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*sleeps) != 1 {
		t.Fatalf("expected exactly 1 wait, got %d", len(*sleeps))
	}
	if (*sleeps)[0] != 50*time.Second {
		t.Errorf("expected 50s wait until entry ages out, got %v", (*sleeps)[0])
	}
}

func TestRateLimiterWaitsForRequestBudget(t *testing.T) {
	clock := newTestClock()
	r, sleeps := newTestLimiter(RateLimiterConfig{TokensPerMinute: 1_000_000, RequestsPerMinute: 2, MaxWaitAttempts: 5}, clock)

	r.RecordUsage(10, "a")
	clock.Advance(5 * time.Second)
	r.RecordUsage(10, "b")

	if err := r.CheckRateLimit(context.Background(), 10, "c"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*sleeps) != 1 {
		t.Fatalf("expected 1 wait, got %d", len(*sleeps))
	}
	// Oldest entry leaves the horizon 55s after the second record.
	if (*sleeps)[0] != 55*time.Second {
		t.Errorf("expected 55s wait, got %v", (*sleeps)[0])
	}
}

func TestRateLimiterSkipsWaitsBelowFloor(t *testing.T) {
	clock := newTestClock()
	r, sleeps := newTestLimiter(RateLimiterConfig{TokensPerMinute: 1000, RequestsPerMinute: 100, MaxWaitAttempts: 5}, clock)

	r.RecordUsage(900, "first")
	clock.Advance(rateLimitWindow - 500*time.Millisecond)

	// The entry ages out in 500ms, below the 1s floor: allow immediately.
	if err := r.CheckRateLimit(context.Background(), 200, "second"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(*sleeps) != 0 {
		t.Errorf("expected no waits below floor, got %v", *sleeps)
	}
}

func TestRateLimiterFailsOpenAfterMaxAttempts(t *testing.T) {
	clock := newTestClock()
	cfg := RateLimiterConfig{TokensPerMinute: 100, RequestsPerMinute: 100, MaxWaitAttempts: 3}
	r, sleeps := newTestLimiter(cfg, clock)

	// An estimate larger than the whole budget can never fit; the limiter
	// must fail open rather than loop forever.
	r.RecordUsage(100, "full")
	r.sleep = func(ctx context.Context, d time.Duration) error {
		*sleeps = append(*sleeps, d)
		// Refill the window so the budget never frees up.
		clock.Advance(d)
		r.RecordUsage(100, "refill")
		return nil
	}

	if err := r.CheckRateLimit(context.Background(), 200, "big"); err != nil {
		t.Fatalf("fail-open must not return an error, got %v", err)
	}
	if len(*sleeps) != 3 {
		t.Errorf("expected exactly MaxWaitAttempts=3 waits, got %d", len(*sleeps))
	}
}

func TestRateLimiterWindowSumNeverExceedsBudgetPlusOneRequest(t *testing.T) {
	clock := newTestClock()
	budget := 1000
	r, _ := newTestLimiter(RateLimiterConfig{TokensPerMinute: budget, RequestsPerMinute: 1000, MaxWaitAttempts: 5}, clock)

	est := 250
	for i := 0; i < 20; i++ {
		if err := r.CheckRateLimit(context.Background(), est, "req"); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if r.WindowTokens()+est > budget+est {
			t.Fatalf("iteration %d: window %d + estimate %d exceeds budget by more than one request", i, r.WindowTokens(), est)
		}
		r.RecordUsage(est, "req")
		clock.Advance(3 * time.Second)
	}
}

func TestRateLimiterPrunesOldRecords(t *testing.T) {
	clock := newTestClock()
	r, _ := newTestLimiter(RateLimiterConfig{TokensPerMinute: 1000, RequestsPerMinute: 10, MaxWaitAttempts: 3}, clock)

	r.RecordUsage(500, "old")
	clock.Advance(rateLimitWindow + time.Second)

	if got := r.WindowTokens(); got != 0 {
		t.Errorf("expected aged-out records to be pruned, window has %d tokens", got)
	}
	if got := r.WindowRequests(); got != 0 {
		t.Errorf("expected 0 requests after prune, got %d", got)
	}
}

func TestRateLimiterContextCancellationDuringWait(t *testing.T) {
	clock := newTestClock()
	r, _ := newTestLimiter(RateLimiterConfig{TokensPerMinute: 100, RequestsPerMinute: 100, MaxWaitAttempts: 5}, clock)
	r.RecordUsage(100, "full")

	ctx, cancel := context.WithCancel(context.Background())
	r.sleep = func(ctx context.Context, d time.Duration) error {
		cancel()
		return ctx.Err()
	}

	if err := r.CheckRateLimit(ctx, 100, "req"); err == nil {
		t.Error("expected context cancellation error")
	}
}
