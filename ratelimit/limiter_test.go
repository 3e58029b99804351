package ratelimit

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestLimiter(t *testing.T, buckets []Bucket) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewLimiter(client, buckets, nil), mr
}

func TestBudgetExhaustionBlocks(t *testing.T) {
	l, _ := newTestLimiter(t, []Bucket{{Name: "mutations", Max: 100, Window: time.Minute}})
	base := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	l.now = func() time.Time { return base }

	ctx := context.Background()
	for i := 0; i < 100; i++ {
		res := l.Check(ctx, "u1", "mutations")
		if !res.Allowed {
			t.Fatalf("request %d unexpectedly blocked", i+1)
		}
		if want := int64(100 - i - 1); res.Remaining != want {
			t.Fatalf("request %d: expected remaining %d, got %d", i+1, want, res.Remaining)
		}
	}

	res := l.Check(ctx, "u1", "mutations")
	if res.Allowed {
		t.Fatal("101st request in the window must be blocked")
	}
	if res.Remaining != 0 {
		t.Fatalf("blocked result should report remaining 0, got %d", res.Remaining)
	}
	if res.RetryAfter <= 0 || res.RetryAfter > time.Minute {
		t.Fatalf("unexpected retry-after hint: %v", res.RetryAfter)
	}

	// Another identity keeps its own budget.
	if r2 := l.Check(ctx, "u2", "mutations"); !r2.Allowed || r2.Remaining != 99 {
		t.Fatalf("identities must not share counters: %+v", r2)
	}
}

func TestNewWindowResetsBudget(t *testing.T) {
	l, _ := newTestLimiter(t, []Bucket{{Name: "mutations", Max: 2, Window: time.Minute}})
	base := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	l.now = func() time.Time { return base }

	ctx := context.Background()
	l.Check(ctx, "u1", "mutations")
	l.Check(ctx, "u1", "mutations")
	if res := l.Check(ctx, "u1", "mutations"); res.Allowed {
		t.Fatal("third request should be blocked")
	}

	l.now = func() time.Time { return base.Add(time.Minute) }
	if res := l.Check(ctx, "u1", "mutations"); !res.Allowed || res.Remaining != 1 {
		t.Fatalf("new window should reset the budget: %+v", res)
	}
}

func TestExpirySetOnlyOnFirstIncrement(t *testing.T) {
	l, mr := newTestLimiter(t, []Bucket{{Name: "mutations", Max: 10, Window: time.Minute}})
	base := time.Date(2026, 3, 1, 12, 0, 10, 0, time.UTC)
	l.now = func() time.Time { return base }

	ctx := context.Background()
	l.Check(ctx, "u1", "mutations")
	key := counterKey("mutations", "u1", base.Truncate(time.Minute).Unix())
	first := mr.TTL(key)
	if first <= 0 {
		t.Fatal("expiry missing after first increment")
	}

	mr.FastForward(10 * time.Second)
	l.Check(ctx, "u1", "mutations")
	if got := mr.TTL(key); got > first-10*time.Second {
		t.Fatalf("expiry extended by later increment: first=%v now=%v", first, got)
	}
}

func TestCounterStoreFailureFailsOpen(t *testing.T) {
	l, mr := newTestLimiter(t, []Bucket{{Name: "mutations", Max: 1, Window: time.Minute}})
	mr.Close()

	if res := l.Check(context.Background(), "u1", "mutations"); !res.Allowed {
		t.Fatalf("limiter must fail open when the counter store is down: %+v", res)
	}
}
