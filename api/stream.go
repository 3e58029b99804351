package api

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/labstack/echo/v4"
)

// streamBroker tracks SSE subscribers per project and wakes them when
// the fanout delivers an event for that project.
type streamBroker struct {
	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func newStreamBroker() *streamBroker {
	return &streamBroker{subs: make(map[string]map[chan struct{}]struct{})}
}

func (b *streamBroker) subscribe(projectID string) chan struct{} {
	ch := make(chan struct{}, 1)
	b.mu.Lock()
	if b.subs[projectID] == nil {
		b.subs[projectID] = make(map[chan struct{}]struct{})
	}
	b.subs[projectID][ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *streamBroker) unsubscribe(projectID string, ch chan struct{}) {
	b.mu.Lock()
	delete(b.subs[projectID], ch)
	if len(b.subs[projectID]) == 0 {
		delete(b.subs, projectID)
	}
	b.mu.Unlock()
}

func (b *streamBroker) notify(projectID string) {
	b.mu.Lock()
	for ch := range b.subs[projectID] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	b.mu.Unlock()
}

// handleStream serves a read-only SSE feed of board snapshots: the
// current board immediately, then a fresh snapshot after every event
// delivered for the project.
func (gw *Gateway) handleStream(c echo.Context) error {
	projectID := c.QueryParam("project")
	if projectID == "" {
		return c.String(http.StatusBadRequest, "project is required")
	}

	c.Response().Header().Set(echo.HeaderContentType, "text/event-stream")
	c.Response().Header().Set(echo.HeaderCacheControl, "no-cache")
	c.Response().Header().Set(echo.HeaderConnection, "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return c.String(http.StatusInternalServerError, "stream unsupported")
	}

	ctx := c.Request().Context()
	ch := gw.stream.subscribe(projectID)
	defer gw.stream.unsubscribe(projectID, ch)
	for {
		tickets, err := gw.store.ListTickets(ctx, projectID)
		if err != nil {
			gw.logger.Errorf("stream snapshot: %v", err)
			return err
		}
		data, err := json.Marshal(tickets)
		if err != nil {
			gw.logger.Errorf("stream encode: %v", err)
			return err
		}
		if _, err := c.Response().Write([]byte("data: ")); err != nil {
			return err
		}
		if _, err := c.Response().Write(data); err != nil {
			return err
		}
		if _, err := c.Response().Write([]byte("\n\n")); err != nil {
			return err
		}
		flusher.Flush()
		select {
		case <-ctx.Done():
			return nil
		case <-ch:
			continue
		}
	}
}
