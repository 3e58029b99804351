package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"board-sync/domain"
)

type backend interface {
	ListTickets(ctx context.Context, projectID string) ([]domain.Ticket, error)
	CreateTicket(ctx context.Context, t domain.Ticket) error
	ApplyTransition(ctx context.Context, t domain.Ticket, rec domain.HistoryRecord) error
	UpdatePosition(ctx context.Context, projectID, ticketID string, state domain.State, pos int, version int64) error
}

// Cache wraps a Storage instance with Redis-backed caching of project
// board snapshots. Mutations evict the snapshot so the next read is
// authoritative.
type Cache struct {
	*Storage
	base  backend
	redis *redis.Client
	ttl   time.Duration
}

// NewCache creates a caching Storage wrapper using the provided Redis
// client and TTL.
func NewCache(base backend, client *redis.Client, ttl time.Duration) *Cache {
	if base == nil {
		panic("storage.NewCache: base storage is nil")
	}
	if ttl < 0 {
		ttl = 0
	}

	c := &Cache{
		base:  base,
		redis: client,
		ttl:   ttl,
	}
	if s, ok := base.(*Storage); ok {
		c.Storage = s
	}
	return c
}

func (c *Cache) ListTickets(ctx context.Context, projectID string) ([]domain.Ticket, error) {
	if tickets, ok := c.loadBoardFromCache(ctx, projectID); ok {
		return tickets, nil
	}

	tickets, err := c.base.ListTickets(ctx, projectID)
	if err != nil {
		return nil, err
	}

	c.storeBoard(ctx, projectID, tickets)
	return tickets, nil
}

func (c *Cache) CreateTicket(ctx context.Context, t domain.Ticket) error {
	if err := c.base.CreateTicket(ctx, t); err != nil {
		return err
	}
	c.Evict(ctx, t.ProjectID)
	return nil
}

func (c *Cache) ApplyTransition(ctx context.Context, t domain.Ticket, rec domain.HistoryRecord) error {
	if err := c.base.ApplyTransition(ctx, t, rec); err != nil {
		return err
	}
	c.Evict(ctx, t.ProjectID)
	return nil
}

func (c *Cache) UpdatePosition(ctx context.Context, projectID, ticketID string, state domain.State, pos int, version int64) error {
	if err := c.base.UpdatePosition(ctx, projectID, ticketID, state, pos, version); err != nil {
		return err
	}
	c.Evict(ctx, projectID)
	return nil
}

func (c *Cache) loadBoardFromCache(ctx context.Context, projectID string) ([]domain.Ticket, bool) {
	if c.redis == nil {
		return nil, false
	}
	data, err := c.redis.Get(ctx, boardCacheKey(projectID)).Bytes()
	if err != nil {
		if err != redis.Nil {
			// On redis errors fall back to the backing storage
			// without failing.
			_ = c.redis.Del(ctx, boardCacheKey(projectID)).Err()
		}
		return nil, false
	}
	var tickets []domain.Ticket
	if err := json.Unmarshal(data, &tickets); err != nil {
		_ = c.redis.Del(ctx, boardCacheKey(projectID)).Err()
		return nil, false
	}
	return tickets, true
}

func (c *Cache) storeBoard(ctx context.Context, projectID string, tickets []domain.Ticket) {
	if c.redis == nil || c.ttl == 0 {
		return
	}
	data, err := json.Marshal(tickets)
	if err != nil {
		return
	}
	_ = c.redis.Set(ctx, boardCacheKey(projectID), data, c.ttl).Err()
}

// Evict drops the cached board snapshot for the project.
func (c *Cache) Evict(ctx context.Context, projectID string) {
	if c.redis == nil {
		return
	}
	_, _ = c.redis.Del(ctx, boardCacheKey(projectID)).Result()
}

func boardCacheKey(projectID string) string {
	return "board:" + projectID
}
