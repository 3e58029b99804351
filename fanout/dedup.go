package fanout

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dedup records recently seen event ids in Redis so every process
// applies an at-least-once delivery exactly once. Entries expire
// after the TTL; the broker never redelivers older than that.
type Dedup struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDedup creates a Dedup using the provided Redis client and TTL.
func NewDedup(client *redis.Client, ttl time.Duration) *Dedup {
	return &Dedup{client: client, ttl: ttl}
}

func (d *Dedup) key(eventID string) string {
	return "seen:" + eventID
}

// FirstDelivery records the event id if it has not been seen and
// reports whether this delivery is the first one.
func (d *Dedup) FirstDelivery(ctx context.Context, eventID string) (bool, error) {
	return d.client.SetNX(ctx, d.key(eventID), 1, d.ttl).Result()
}
