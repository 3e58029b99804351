package fanout

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"board-sync/domain"
)

func newTestRedis(t *testing.T) *redis.Client {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestPublishWithoutSubscribersReturnsZero(t *testing.T) {
	client := newTestRedis(t)
	b := NewBridge(client, nil, nil, nil)

	receivers, err := b.Publish(context.Background(), domain.ChannelTicketEvents, domain.Envelope{
		Type:      domain.TicketCreated,
		ProjectID: "p1",
	})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if receivers != 0 {
		t.Fatalf("expected 0 receivers, got %d", receivers)
	}
}

func TestSubscribeDeliversPublishedEnvelope(t *testing.T) {
	client := newTestRedis(t)
	b := NewBridge(client, nil, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan domain.Envelope, 1)
	go b.Subscribe(ctx, []string{domain.ChannelTicketEvents}, func(ctx context.Context, channel string, env domain.Envelope) {
		got <- env
	})

	// Wait for the subscription to register so the publish lands.
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := b.Publish(context.Background(), domain.ChannelTicketEvents, domain.Envelope{
			ID:        "e1",
			Type:      domain.TicketMoved,
			ProjectID: "p1",
		})
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}

	select {
	case env := <-got:
		if env.ID != "e1" || env.Type != domain.TicketMoved || env.ProjectID != "p1" {
			t.Fatalf("unexpected envelope: %+v", env)
		}
		if env.Timestamp == 0 {
			t.Fatal("envelope not stamped")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("envelope never delivered")
	}
}

func TestDuplicateDeliveryAppliedOnce(t *testing.T) {
	client := newTestRedis(t)
	seen := NewDedup(client, time.Minute)
	b := NewBridge(client, seen, nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan domain.Envelope, 4)
	go b.Subscribe(ctx, []string{domain.ChannelTicketEvents}, func(ctx context.Context, channel string, env domain.Envelope) {
		got <- env
	})

	env := domain.Envelope{ID: "dup-1", Type: domain.TicketTransitioned, ProjectID: "p1"}
	deadline := time.Now().Add(2 * time.Second)
	for {
		n, err := b.Publish(context.Background(), domain.ChannelTicketEvents, env)
		if err != nil {
			t.Fatalf("publish: %v", err)
		}
		if n > 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("subscriber never registered")
		}
		time.Sleep(10 * time.Millisecond)
	}
	// Redeliver the same event id.
	if _, err := b.Publish(context.Background(), domain.ChannelTicketEvents, env); err != nil {
		t.Fatalf("republish: %v", err)
	}

	select {
	case first := <-got:
		if first.ID != "dup-1" {
			t.Fatalf("unexpected envelope: %+v", first)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("first delivery missing")
	}
	select {
	case second := <-got:
		t.Fatalf("duplicate delivery applied: %+v", second)
	case <-time.After(200 * time.Millisecond):
	}
}

func TestNextTimestampStrictlyIncreases(t *testing.T) {
	prev := nextTimestamp()
	for i := 0; i < 1000; i++ {
		ts := nextTimestamp()
		if ts <= prev {
			t.Fatalf("timestamp regressed: %d then %d", prev, ts)
		}
		prev = ts
	}
}
