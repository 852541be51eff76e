package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestRateLimiter_WindowSemantics(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter(nil)

	now := time.Unix(1_700_000_000, 0)
	limiter.SetClock(func() time.Time { return now })

	// max_rate_rpm=2: first two admitted, third denied.
	for i := 0; i < 2; i++ {
		res, err := limiter.Allow(ctx, "identity:alice", 2)
		if err != nil {
			t.Fatalf("Allow() error: %v", err)
		}
		if !res.Allowed {
			t.Fatalf("admission %d should be allowed", i)
		}
	}

	res, err := limiter.Allow(ctx, "identity:alice", 2)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if res.Allowed {
		t.Fatal("third admission within the window must be denied")
	}
	if res.RetryAfter <= 0 {
		t.Error("denied result should carry a retry hint")
	}

	// 61 seconds later the window has drained.
	now = now.Add(61 * time.Second)
	res, err = limiter.Allow(ctx, "identity:alice", 2)
	if err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if !res.Allowed {
		t.Error("admission after the window drains must be allowed")
	}
}

func TestRateLimiter_DenialsConsumeNoSlot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter(nil)

	now := time.Unix(1_700_000_000, 0)
	limiter.SetClock(func() time.Time { return now })

	if res, _ := limiter.Allow(ctx, "identity:alice", 1); !res.Allowed {
		t.Fatal("first admission should be allowed")
	}

	// Hammer the limiter with denied requests; none may extend the window.
	for i := 0; i < 50; i++ {
		now = now.Add(time.Second)
		if res, _ := limiter.Allow(ctx, "identity:alice", 1); res.Allowed {
			t.Fatalf("admission %d should be denied inside the window", i)
		}
	}

	// 60s after the single successful admission, the slot frees up even
	// though denials kept arriving.
	now = now.Add(11 * time.Second)
	if res, _ := limiter.Allow(ctx, "identity:alice", 1); !res.Allowed {
		t.Error("denials must not consume slots")
	}
}

func TestRateLimiter_IdentitiesAreIndependent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter(nil)

	if res, _ := limiter.Allow(ctx, "identity:alice", 1); !res.Allowed {
		t.Fatal("alice should be admitted")
	}
	if res, _ := limiter.Allow(ctx, "identity:alice", 1); res.Allowed {
		t.Fatal("alice should now be limited")
	}
	if res, _ := limiter.Allow(ctx, "identity:bob", 1); !res.Allowed {
		t.Error("bob's window is independent of alice's")
	}
}

func TestRateLimiter_ConcurrentAdmissions(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	limiter := NewRateLimiter(nil)

	const limit = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	allowed := 0

	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := limiter.Allow(ctx, "identity:alice", limit)
			if err != nil {
				t.Errorf("Allow() error: %v", err)
				return
			}
			if res.Allowed {
				mu.Lock()
				allowed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if allowed != limit {
		t.Errorf("allowed = %d, want exactly %d", allowed, limit)
	}
}

func TestRateLimiter_CleanupRemovesIdleIdentities(t *testing.T) {
	defer goleak.VerifyNone(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	limiter := NewRateLimiterWithConfig(10*time.Millisecond, nil)

	now := time.Unix(1_700_000_000, 0)
	limiter.SetClock(func() time.Time { return now })

	if _, err := limiter.Allow(ctx, "identity:alice", 5); err != nil {
		t.Fatalf("Allow() error: %v", err)
	}
	if limiter.Size() != 1 {
		t.Fatalf("Size() = %d, want 1", limiter.Size())
	}

	now = now.Add(2 * time.Minute)
	limiter.StartCleanup(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for limiter.Size() > 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if limiter.Size() != 0 {
		t.Error("cleanup should remove idle identities")
	}

	limiter.Stop()
}
