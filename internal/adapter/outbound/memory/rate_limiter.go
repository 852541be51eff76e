package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/hyperpolymath/indieweb2-bastion/internal/domain/ratelimit"
)

// RateLimiter implements ratelimit.Limiter with a per-identity sliding
// window of admission timestamps. Thread-safe for concurrent access.
// Includes background cleanup to prevent unbounded memory growth.
type RateLimiter struct {
	windows         map[string][]time.Time
	mu              sync.Mutex
	stopChan        chan struct{}
	wg              sync.WaitGroup
	once            sync.Once
	cleanupInterval time.Duration
	now             func() time.Time
	logger          *slog.Logger
}

// NewRateLimiter creates an in-memory sliding-window limiter with default
// cleanup settings (5-minute interval).
func NewRateLimiter(logger *slog.Logger) *RateLimiter {
	return NewRateLimiterWithConfig(5*time.Minute, logger)
}

// NewRateLimiterWithConfig creates a limiter with a custom cleanup interval.
func NewRateLimiterWithConfig(cleanupInterval time.Duration, logger *slog.Logger) *RateLimiter {
	return &RateLimiter{
		windows:         make(map[string][]time.Time),
		stopChan:        make(chan struct{}),
		cleanupInterval: cleanupInterval,
		now:             time.Now,
		logger:          logger,
	}
}

// SetClock replaces the limiter's clock. For tests.
func (r *RateLimiter) SetClock(now func() time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.now = now
}

// Allow records an admission for key if fewer than limit admissions
// happened in the last 60 seconds. The check and the append are atomic:
// a denied request consumes no slot.
func (r *RateLimiter) Allow(_ context.Context, key string, limit int) (ratelimit.Result, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 {
		limit = 1
	}

	now := r.now()
	cutoff := now.Add(-ratelimit.Window)

	window := r.windows[key]
	// Evict timestamps outside the window. The slice is in insertion
	// order, so find the first still-live entry.
	live := 0
	for live < len(window) && !window[live].After(cutoff) {
		live++
	}
	window = window[live:]

	if len(window) >= limit {
		retry := window[0].Add(ratelimit.Window).Sub(now)
		r.windows[key] = window
		return ratelimit.Result{Allowed: false, Remaining: 0, RetryAfter: retry}, nil
	}

	window = append(window, now)
	r.windows[key] = window
	return ratelimit.Result{Allowed: true, Remaining: limit - len(window)}, nil
}

// StartCleanup starts the background cleanup goroutine. It stops when ctx
// is cancelled or Stop is called.
func (r *RateLimiter) StartCleanup(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.cleanupInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-r.stopChan:
				return
			case <-ticker.C:
				r.cleanup()
			}
		}
	}()
}

// cleanup removes identities whose entire window has expired.
func (r *RateLimiter) cleanup() {
	r.mu.Lock()
	defer r.mu.Unlock()

	cutoff := r.now().Add(-ratelimit.Window)
	cleaned := 0

	for key, window := range r.windows {
		if len(window) == 0 || !window[len(window)-1].After(cutoff) {
			delete(r.windows, key)
			cleaned++
		}
	}

	if cleaned > 0 && r.logger != nil {
		r.logger.Debug("rate limiter cleanup completed",
			"cleaned_keys", cleaned,
			"remaining_keys", len(r.windows))
	}
}

// Stop gracefully stops the cleanup goroutine and waits for it to exit.
// Safe to call multiple times.
func (r *RateLimiter) Stop() {
	r.once.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}

// Size returns the current number of tracked identities.
func (r *RateLimiter) Size() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.windows)
}

// Compile-time interface verification.
var _ ratelimit.Limiter = (*RateLimiter)(nil)
