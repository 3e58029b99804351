package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"
)

// Bucket configures one fixed-window budget.
type Bucket struct {
	Name   string
	Max    int64
	Window time.Duration
}

// Result is the outcome of a budget check. RetryAfter is only set
// when the request was blocked.
type Result struct {
	Allowed    bool          `json:"allowed"`
	Remaining  int64         `json:"remaining"`
	ResetIn    time.Duration `json:"resetIn"`
	RetryAfter time.Duration `json:"retryAfter,omitempty"`
}

// Limiter enforces per-identity request budgets with fixed-window
// counters in Redis, shared across every process. A counter-store
// failure fails open: blocking all traffic on an infra hiccup is
// worse than briefly not limiting it.
type Limiter struct {
	rc      *redis.Client
	buckets map[string]Bucket
	logger  *log.Logger
	now     func() time.Time
}

// NewLimiter creates a Limiter with the given bucket configs.
func NewLimiter(rc *redis.Client, buckets []Bucket, logger *log.Logger) *Limiter {
	if logger == nil {
		logger = log.StandardLogger()
	}
	byName := make(map[string]Bucket, len(buckets))
	for _, b := range buckets {
		byName[b.Name] = b
	}
	return &Limiter{rc: rc, buckets: byName, logger: logger, now: time.Now}
}

func counterKey(bucket, identityID string, windowStart int64) string {
	return fmt.Sprintf("rl:%s:%s:%d", bucket, identityID, windowStart)
}

// Check increments the identity's counter for the bucket's current
// window and compares the post-increment count against the bucket
// maximum. The key expiry is set only on the first increment of a
// window; later increments never extend it.
func (l *Limiter) Check(ctx context.Context, identityID, bucket string) Result {
	cfg, ok := l.buckets[bucket]
	if !ok {
		l.logger.Warnf("ratelimit: unknown bucket %q, allowing", bucket)
		return Result{Allowed: true, Remaining: 0}
	}

	now := l.now()
	windowStart := now.Truncate(cfg.Window)
	resetIn := windowStart.Add(cfg.Window).Sub(now)
	key := counterKey(bucket, identityID, windowStart.Unix())

	count, err := l.rc.Incr(ctx, key).Result()
	if err != nil {
		l.logger.WithFields(log.Fields{
			"bucket": bucket,
			"error":  err.Error(),
		}).Warn("ratelimit counter store unreachable, failing open")
		return Result{Allowed: true, Remaining: cfg.Max, ResetIn: resetIn}
	}
	if count == 1 {
		// The window start is part of the key, so the TTL is only
		// hygiene; a small grace keeps clock skew from dropping a
		// live counter.
		if err := l.rc.Expire(ctx, key, cfg.Window+time.Second).Err(); err != nil {
			l.logger.Warnf("ratelimit expire: %v", err)
		}
	}

	remaining := cfg.Max - count
	if remaining < 0 {
		remaining = 0
	}
	if count > cfg.Max {
		return Result{Allowed: false, Remaining: 0, ResetIn: resetIn, RetryAfter: resetIn}
	}
	return Result{Allowed: true, Remaining: remaining, ResetIn: resetIn}
}
