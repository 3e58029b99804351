package fanout

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

// Handler is invoked once per delivered envelope per process.
// Implementations must stay idempotent: the broker delivers
// at-least-once and the dedup set fails open on Redis errors.
type Handler func(ctx context.Context, channel string, env domain.Envelope)

// Archive receives a copy of every published envelope for the read
// model. Archiving is best effort and never blocks publication.
type Archive interface {
	ArchiveEnvelope(ctx context.Context, channel string, env domain.Envelope) error
}

// Bridge distributes mutation events across processes over Redis
// pub/sub. Every process publishes its local mutations and
// subscribes to the same channels, re-emitting deliveries to its own
// connected clients.
type Bridge struct {
	rc      *redis.Client
	seen    *Dedup
	archive Archive
	logger  *log.Logger
}

// NewBridge creates a Bridge. seen and archive may be nil; without a
// dedup set every delivery is treated as first.
func NewBridge(rc *redis.Client, seen *Dedup, archive Archive, logger *log.Logger) *Bridge {
	if rc == nil {
		panic("fanout.NewBridge: redis client is required")
	}
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &Bridge{rc: rc, seen: seen, archive: archive, logger: logger}
}

// Publish stamps the envelope with an id and send timestamp and hands
// it to the broker. It returns the number of subscribed processes
// that received it, which may be zero.
func (b *Bridge) Publish(ctx context.Context, channel string, env domain.Envelope) (int64, error) {
	if env.ID == "" {
		env.ID = uuid.NewString()
	}
	env.Timestamp = nextTimestamp()

	payload, err := json.Marshal(env)
	if err != nil {
		return 0, err
	}
	receivers, err := b.rc.Publish(ctx, channel, payload).Result()
	if err != nil {
		b.logger.WithFields(log.Fields{
			"channel": channel,
			"type":    env.Type,
			"error":   err.Error(),
		}).Error("fanout publish failed")
		return 0, err
	}

	if b.archive != nil {
		if err := b.archive.ArchiveEnvelope(ctx, channel, env); err != nil {
			b.logger.Warnf("event archive: %v", err)
		}
	}
	return receivers, nil
}

// Subscribe listens on the given channels until ctx is cancelled,
// invoking handler once per first-seen envelope. A closed pubsub
// stream is resubscribed after a short pause rather than left
// silently degraded.
func (b *Bridge) Subscribe(ctx context.Context, channels []string, handler Handler) {
	for {
		sub := b.rc.Subscribe(ctx, channels...)
		ch := sub.Channel()
	recv:
		for {
			select {
			case <-ctx.Done():
				_ = sub.Close()
				return
			case msg, ok := <-ch:
				if !ok {
					break recv
				}
				b.dispatch(ctx, msg, handler)
			}
		}
		_ = sub.Close()
		if ctx.Err() != nil {
			return
		}
		b.logger.Error("fanout subscription closed, resubscribing")
		time.Sleep(time.Second)
	}
}

func (b *Bridge) dispatch(ctx context.Context, msg *redis.Message, handler Handler) {
	var env domain.Envelope
	if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
		b.logger.Errorf("unable to parse envelope on %s: %v", msg.Channel, err)
		return
	}
	if b.seen != nil && env.ID != "" {
		first, err := b.seen.FirstDelivery(ctx, env.ID)
		if err != nil {
			// Fail open: handlers are idempotent, a duplicate apply
			// is safe, a dropped event is not.
			b.logger.Warnf("dedup check: %v", err)
		} else if !first {
			b.logger.WithFields(log.Fields{
				"channel": msg.Channel,
				"event":   env.ID,
			}).Debug("duplicate delivery discarded")
			return
		}
	}
	handler(ctx, msg.Channel, env)
}

var lastTimestamp int64

// nextTimestamp returns a strictly increasing wall-clock timestamp in
// nanoseconds, so envelopes published back to back never share one.
func nextTimestamp() int64 {
	for {
		now := time.Now().UnixNano()
		last := atomic.LoadInt64(&lastTimestamp)
		if now <= last {
			now = last + 1
		}
		if atomic.CompareAndSwapInt64(&lastTimestamp, last, now) {
			return now
		}
	}
}
