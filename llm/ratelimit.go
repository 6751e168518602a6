package llm

import (
	"context"
	"sync"
	"time"
)

const rateLimitWindow = 60 * time.Second

// RateLimiterConfig configures the sliding-window rate limiter.
type RateLimiterConfig struct {
	TokensPerMinute   int `yaml:"tokens_per_minute" env:"HELMSMAN_TOKENS_PER_MINUTE"`
	RequestsPerMinute int `yaml:"requests_per_minute" env:"HELMSMAN_REQUESTS_PER_MINUTE"`
	// MaxWaitAttempts bounds how many times one CheckRateLimit call will
	// sleep before failing open. Fail-open is deliberate: a starved
	// limiter must never deadlock the loop.
	MaxWaitAttempts int `yaml:"max_wait_attempts" env:"HELMSMAN_RATE_MAX_WAIT_ATTEMPTS"`
}

// DefaultRateLimiterConfig returns the default limiter configuration.
func DefaultRateLimiterConfig() RateLimiterConfig {
	return RateLimiterConfig{
		TokensPerMinute:   90000,
		RequestsPerMinute: 50,
		MaxWaitAttempts:   5,
	}
}

type usageRecord struct {
	tokens    int
	at        time.Time
	requestID string
}

// RateLimiter enforces a rolling 60-second token and request budget.
// Callers that would exceed the budget wait until enough window entries
// age out; waits below the floor are skipped to avoid churn.
type RateLimiter struct {
	mu     sync.Mutex
	window []usageRecord
	cfg    RateLimiterConfig

	// waitFloor below which a computed wait is ignored and the request
	// allowed immediately.
	waitFloor time.Duration

	// Injectable for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	// OnWait is invoked before each wait with the computed duration.
	OnWait func(d time.Duration, attempt int)
}

// NewRateLimiter creates a RateLimiter with the given configuration.
func NewRateLimiter(cfg RateLimiterConfig) *RateLimiter {
	if cfg.TokensPerMinute <= 0 {
		cfg.TokensPerMinute = DefaultRateLimiterConfig().TokensPerMinute
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = DefaultRateLimiterConfig().RequestsPerMinute
	}
	if cfg.MaxWaitAttempts <= 0 {
		cfg.MaxWaitAttempts = DefaultRateLimiterConfig().MaxWaitAttempts
	}
	return &RateLimiter{
		cfg:       cfg,
		waitFloor: time.Second,
		now:       time.Now,
		sleep: func(ctx context.Context, d time.Duration) error {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(d):
				return nil
			}
		},
	}
}

// CheckRateLimit gates a request carrying estimatedTokens. It waits, up to
// the configured attempt bound, for enough budget to free up, then allows.
// The only error it returns is context cancellation; budget exhaustion
// fails open by design.
func (r *RateLimiter) CheckRateLimit(ctx context.Context, estimatedTokens int, requestID string) error {
	_ = requestID
	for attempt := 0; attempt < r.cfg.MaxWaitAttempts; attempt++ {
		wait := r.projectedWait(estimatedTokens)
		if wait <= 0 || wait < r.waitFloor {
			return nil
		}
		if r.OnWait != nil {
			r.OnWait(wait, attempt+1)
		}
		if err := r.sleep(ctx, wait); err != nil {
			return err
		}
	}
	// Attempts exhausted: allow rather than deadlock.
	return nil
}

// RecordUsage appends the actual token consumption of a completed request
// to the window.
func (r *RateLimiter) RecordUsage(actualTokens int, requestID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.now())
	r.window = append(r.window, usageRecord{tokens: actualTokens, at: r.now(), requestID: requestID})
}

// WindowTokens returns the token sum currently inside the rolling window.
func (r *RateLimiter) WindowTokens() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.now())
	total := 0
	for _, rec := range r.window {
		total += rec.tokens
	}
	return total
}

// WindowRequests returns the request count currently inside the window.
func (r *RateLimiter) WindowRequests() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.prune(r.now())
	return len(r.window)
}

// projectedWait returns how long the caller must wait before a request of
// estimatedTokens fits the budget, or 0 if it fits now. The wait is the
// time until the earliest window entries whose expiry frees enough budget
// age past the 60-second horizon, not a flat backoff.
func (r *RateLimiter) projectedWait(estimatedTokens int) time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	r.prune(now)

	total := 0
	for _, rec := range r.window {
		total += rec.tokens
	}

	overTokens := total+estimatedTokens > r.cfg.TokensPerMinute
	overRequests := len(r.window)+1 > r.cfg.RequestsPerMinute
	if !overTokens && !overRequests {
		return 0
	}

	// Walk the window oldest-first, releasing entries until both budgets
	// clear; the wait is until that entry leaves the horizon.
	freedTokens := 0
	for i, rec := range r.window {
		freedTokens += rec.tokens
		remainingTokens := total - freedTokens
		remainingRequests := len(r.window) - (i + 1)
		if remainingTokens+estimatedTokens <= r.cfg.TokensPerMinute &&
			remainingRequests+1 <= r.cfg.RequestsPerMinute {
			return rec.at.Add(rateLimitWindow).Sub(now)
		}
	}

	// Even an empty window would not fit the estimate; wait for the whole
	// window to clear and let fail-open take over if that is not enough.
	if len(r.window) > 0 {
		return r.window[len(r.window)-1].at.Add(rateLimitWindow).Sub(now)
	}
	return 0
}

// prune drops records older than the window horizon. Caller holds mu.
func (r *RateLimiter) prune(now time.Time) {
	cutoff := now.Add(-rateLimitWindow)
	i := 0
	for i < len(r.window) && !r.window[i].at.After(cutoff) {
		i++
	}
	if i > 0 {
		r.window = append(r.window[:0:0], r.window[i:]...)
	}
}
