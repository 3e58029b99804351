package api

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/bytedance/sonic"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
	"board-sync/fanout"
	"board-sync/lifecycle"
	"board-sync/position"
	"board-sync/ratelimit"
	"board-sync/room"
)

// MutationBucket is the rate-limit bucket every mutating socket
// operation draws from.
const MutationBucket = "mutations"

const outboundBufferSize = 64

// Store provides the board reads and writes the gateway needs beyond
// the lifecycle state machine.
type Store interface {
	ListTickets(ctx context.Context, projectID string) ([]domain.Ticket, error)
	CreateTicket(ctx context.Context, t domain.Ticket) error
	UpdatePosition(ctx context.Context, projectID, ticketID string, state domain.State, pos int, version int64) error
}

// Limiter enforces per-identity budgets on mutating operations.
type Limiter interface {
	Check(ctx context.Context, identityID, bucket string) ratelimit.Result
}

// Bridge is the cross-process event fanout.
type Bridge interface {
	Publish(ctx context.Context, channel string, env domain.Envelope) (int64, error)
	Subscribe(ctx context.Context, channels []string, handler fanout.Handler)
}

// TransitionPublisher adapts the fanout bridge to the state machine's
// publisher hook.
type TransitionPublisher struct {
	Bridge Bridge
	Logger *log.Logger
}

func (p *TransitionPublisher) TicketTransitioned(ctx context.Context, projectID string, data domain.TicketTransitionedData) {
	env, err := envelope(domain.TicketTransitioned, projectID, data)
	if err != nil {
		p.Logger.Errorf("encode transition event: %v", err)
		return
	}
	if _, err := p.Bridge.Publish(ctx, domain.ChannelTicketEvents, env); err != nil {
		p.Logger.Errorf("publish transition event: %v", err)
	}
}

// connection is one live websocket with a bounded outbound mailbox.
// A single writer goroutine drains the mailbox; handlers and the
// fanout subscriber only ever enqueue, so a slow client drops frames
// instead of blocking the process.
type connection struct {
	id       string
	identity domain.Identity
	sock     *websocket.Conn
	out      chan []byte
	done     chan struct{}
	once     sync.Once
	logger   *log.Logger
}

func newConnection(id string, identity domain.Identity, sock *websocket.Conn, logger *log.Logger) *connection {
	return &connection{
		id:       id,
		identity: identity,
		sock:     sock,
		out:      make(chan []byte, outboundBufferSize),
		done:     make(chan struct{}),
		logger:   logger,
	}
}

func (c *connection) send(data []byte) {
	select {
	case c.out <- data:
	case <-c.done:
	default:
		c.logger.WithFields(log.Fields{
			"connection": c.id,
			"identity":   c.identity.ID,
		}).Warn("outbound buffer full, dropping frame")
	}
}

func (c *connection) close() {
	c.once.Do(func() {
		close(c.done)
		_ = c.sock.Close()
	})
}

func (c *connection) writeLoop() {
	for {
		select {
		case <-c.done:
			return
		case data := <-c.out:
			if err := c.sock.WriteMessage(websocket.TextMessage, data); err != nil {
				c.close()
				return
			}
		}
	}
}

// Gateway owns the process's websocket connections and routes socket
// operations into the sync engine. All of its collaborators are
// injected; nothing here is ambient state.
type Gateway struct {
	registry   *room.Registry
	machine    *lifecycle.StateMachine
	resolver   *position.Resolver
	store      Store
	bridge     Bridge
	limiter    Limiter
	identities *IdentityResolver
	stream     *streamBroker
	logger     *log.Logger
	upgrader   websocket.Upgrader

	mu    sync.RWMutex
	conns map[string]*connection
}

// GatewayConfig collects the Gateway's dependencies.
type GatewayConfig struct {
	Registry   *room.Registry
	Machine    *lifecycle.StateMachine
	Resolver   *position.Resolver
	Store      Store
	Bridge     Bridge
	Limiter    Limiter
	Identities *IdentityResolver
	Logger     *log.Logger
}

// NewGateway creates a Gateway.
func NewGateway(cfg GatewayConfig) *Gateway {
	if cfg.Registry == nil || cfg.Machine == nil || cfg.Resolver == nil || cfg.Store == nil || cfg.Bridge == nil {
		panic("api.NewGateway: missing required dependency")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	identities := cfg.Identities
	if identities == nil {
		identities = NewIdentityResolver(nil)
	}
	return &Gateway{
		registry:   cfg.Registry,
		machine:    cfg.Machine,
		resolver:   cfg.Resolver,
		store:      cfg.Store,
		bridge:     cfg.Bridge,
		limiter:    cfg.Limiter,
		identities: identities,
		stream:     newStreamBroker(),
		logger:     logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		conns: make(map[string]*connection),
	}
}

// Register wires up the gateway routes on the given Echo instance.
func Register(e *echo.Echo, gw *Gateway) {
	e.GET("/ws", gw.handleSocket)
	e.GET("/api/board", gw.handleBoard)
	e.GET("/api/stream", gw.handleStream)
	e.GET("/healthz", func(c echo.Context) error {
		return c.NoContent(http.StatusOK)
	})
}

// RunFanout subscribes to every broker channel and re-emits
// deliveries to locally connected room members until ctx is
// cancelled. Each process runs exactly one of these.
func (gw *Gateway) RunFanout(ctx context.Context) {
	channels := []string{
		domain.ChannelTicketEvents,
		domain.ChannelProjectEvents,
		domain.ChannelSystemEvents,
		domain.ChannelPatternEvents,
		domain.ChannelMemoryEvents,
		domain.ChannelAgentEvents,
	}
	gw.bridge.Subscribe(ctx, channels, gw.handleEnvelope)
}

// handleEnvelope applies a delivered envelope to this process's own
// sync state and re-emits it to the local members of the relevant
// room. Connections held by other processes are reached by their own
// subscribers, never from here.
func (gw *Gateway) handleEnvelope(ctx context.Context, channel string, env domain.Envelope) {
	// Accepted moves on other processes must advance this process's
	// resolver too, or a stale concurrent move arriving here would
	// win locally. A duplicate delivery loses the version check and
	// is a no-op.
	if env.Type == domain.TicketMoved {
		var data domain.TicketMovedData
		if err := sonic.Unmarshal(env.Data, &data); err != nil {
			gw.logger.Errorf("decode move event: %v", err)
		} else {
			gw.resolver.Resolve(data.TicketID, data.Version, data.Position)
		}
	}

	data, err := sonic.Marshal(serverEvent{Kind: "event", Channel: channel, Event: env})
	if err != nil {
		gw.logger.Errorf("encode server event: %v", err)
		return
	}
	for _, connID := range gw.registry.ConnectionsIn(env.ProjectID) {
		gw.mu.RLock()
		conn := gw.conns[connID]
		gw.mu.RUnlock()
		if conn != nil {
			conn.send(data)
		}
	}
	gw.stream.notify(env.ProjectID)
}

func (gw *Gateway) handleSocket(c echo.Context) error {
	identity := gw.identities.Resolve(
		c.Request().Header.Get(echo.HeaderAuthorization),
		c.QueryParam("token"),
	)

	sock, err := gw.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		return err
	}
	sock.SetReadLimit(clientMessageMaxSize)

	connID := uuid.NewString()
	conn := newConnection(connID, identity, sock, gw.logger)

	gw.mu.Lock()
	gw.conns[connID] = conn
	gw.mu.Unlock()

	gw.logger.WithFields(log.Fields{
		"connection":    connID,
		"identity":      identity.ID,
		"authenticated": identity.Authenticated,
	}).Info("connection opened")

	go conn.writeLoop()
	defer gw.teardown(c.Request().Context(), conn)

	ctx := c.Request().Context()
	for {
		_, data, err := sock.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				gw.logger.Debugf("connection %s read: %v", connID, err)
			}
			return nil
		}
		var msg clientMessage
		if err := sonic.Unmarshal(data, &msg); err != nil {
			conn.send(marshalAck(errAck("", codeBadRequest, "invalid message")))
			continue
		}
		conn.send(marshalAck(gw.dispatch(ctx, conn, msg)))
	}
}

func (gw *Gateway) teardown(ctx context.Context, conn *connection) {
	vacated := gw.registry.LeaveAll(conn.id)
	for _, project := range vacated {
		gw.publishPresence(ctx, domain.MemberLeft, project, conn.identity)
	}
	gw.mu.Lock()
	delete(gw.conns, conn.id)
	gw.mu.Unlock()
	conn.close()
	gw.logger.WithFields(log.Fields{
		"connection": conn.id,
		"identity":   conn.identity.ID,
		"rooms":      len(vacated),
	}).Info("connection closed")
}

func (gw *Gateway) dispatch(ctx context.Context, conn *connection, msg clientMessage) ack {
	m := newOpMetrics(gw.logger, msg.Op, msg.ProjectID)
	var a ack
	switch msg.Op {
	case opJoinProject:
		a = gw.joinProject(ctx, conn, msg)
	case opLeaveProject:
		a = gw.leaveProject(ctx, conn, msg)
	case opCreateTicket:
		a = gw.mutating(ctx, conn, msg, gw.createTicket)
	case opTransitionTicket:
		a = gw.mutating(ctx, conn, msg, gw.transitionTicket)
	case opMoveTicket:
		a = gw.mutating(ctx, conn, msg, gw.moveTicket)
	case opReorderColumn:
		a = gw.mutating(ctx, conn, msg, gw.reorderColumn)
	default:
		a = errAck(msg.RequestID, codeBadRequest, "unknown op")
	}
	m.Log(a)
	return a
}

// mutating wraps an operation with the membership precondition and
// the per-identity rate limit.
func (gw *Gateway) mutating(ctx context.Context, conn *connection, msg clientMessage, op func(context.Context, *connection, clientMessage) ack) ack {
	if msg.ProjectID == "" {
		return errAck(msg.RequestID, codeBadRequest, "projectId is required")
	}
	if !gw.registry.Contains(msg.ProjectID, conn.id) {
		return errAck(msg.RequestID, codeNotInProject, "join the project before mutating it")
	}
	if gw.limiter != nil {
		res := gw.limiter.Check(ctx, conn.identity.ID, MutationBucket)
		if !res.Allowed {
			a := errAck(msg.RequestID, codeRateLimited, "mutation budget exhausted")
			a.RateLimit = &rateLimitInfo{
				Remaining:    res.Remaining,
				ResetInMs:    res.ResetIn.Milliseconds(),
				RetryAfterMs: res.RetryAfter.Milliseconds(),
			}
			return a
		}
	}
	return op(ctx, conn, msg)
}

func (gw *Gateway) joinProject(ctx context.Context, conn *connection, msg clientMessage) ack {
	if msg.ProjectID == "" {
		return errAck(msg.RequestID, codeBadRequest, "projectId is required")
	}
	// A connection is in at most one project room; switching projects
	// leaves the previous one first.
	for _, prev := range gw.registry.RoomsOf(conn.id) {
		if prev == msg.ProjectID {
			continue
		}
		gw.registry.Leave(prev, conn.id)
		gw.publishPresence(ctx, domain.MemberLeft, prev, conn.identity)
	}
	if gw.registry.Join(msg.ProjectID, conn.id, conn.identity) {
		gw.publishPresence(ctx, domain.MemberJoined, msg.ProjectID, conn.identity)
	}
	a := okAck(msg.RequestID)
	a.Members = gw.registry.MembersOf(msg.ProjectID)
	return a
}

func (gw *Gateway) leaveProject(ctx context.Context, conn *connection, msg clientMessage) ack {
	if msg.ProjectID == "" {
		return errAck(msg.RequestID, codeBadRequest, "projectId is required")
	}
	if !gw.registry.Leave(msg.ProjectID, conn.id) {
		return errAck(msg.RequestID, codeNotInProject, "not a member of this project")
	}
	gw.publishPresence(ctx, domain.MemberLeft, msg.ProjectID, conn.identity)
	return okAck(msg.RequestID)
}

func (gw *Gateway) createTicket(ctx context.Context, conn *connection, msg clientMessage) ack {
	if msg.Title == "" {
		return errAck(msg.RequestID, codeBadRequest, "title is required")
	}
	t := domain.Ticket{
		ID:        uuid.NewString(),
		ProjectID: msg.ProjectID,
		Title:     msg.Title,
		Notes:     msg.Notes,
		State:     domain.StateBacklog,
		Position:  msg.Position,
	}
	if err := gw.store.CreateTicket(ctx, t); err != nil {
		gw.logger.Errorf("create ticket: %v", err)
		return errAck(msg.RequestID, codeInternal, "failed to create ticket")
	}
	gw.publishTicket(ctx, domain.TicketCreated, msg.ProjectID, t)
	a := okAck(msg.RequestID)
	a.Ticket = &t
	return a
}

func (gw *Gateway) transitionTicket(ctx context.Context, conn *connection, msg clientMessage) ack {
	if msg.TicketID == "" || msg.To == "" {
		return errAck(msg.RequestID, codeBadRequest, "ticketId and to are required")
	}
	if !domain.ValidState(msg.To) {
		return errAck(msg.RequestID, codeBadRequest, "unknown state")
	}
	t, err := gw.machine.Transition(ctx, msg.ProjectID, msg.TicketID, msg.To, conn.identity.ID, msg.Reason)
	if err != nil {
		var invalid lifecycle.InvalidTransitionError
		var blocked lifecycle.BlockedError
		switch {
		case errors.Is(err, lifecycle.ErrNotFound):
			return errAck(msg.RequestID, codeNotFound, "ticket not found")
		case errors.As(err, &invalid):
			return errAck(msg.RequestID, codeInvalidTransition, invalid.Error())
		case errors.As(err, &blocked):
			return errAck(msg.RequestID, codeDepsIncomplete, blocked.Error())
		default:
			gw.logger.Errorf("transition ticket: %v", err)
			return errAck(msg.RequestID, codeInternal, "failed to apply transition")
		}
	}
	a := okAck(msg.RequestID)
	a.Ticket = t
	return a
}

func (gw *Gateway) moveTicket(ctx context.Context, conn *connection, msg clientMessage) ack {
	if msg.TicketID == "" {
		return errAck(msg.RequestID, codeBadRequest, "ticketId is required")
	}
	if !domain.ValidState(msg.State) {
		return errAck(msg.RequestID, codeBadRequest, "unknown state")
	}
	prevPos, prevVer, hadPrev := gw.resolver.Current(msg.TicketID)
	res := gw.resolver.Resolve(msg.TicketID, msg.Version, msg.Position)
	a := okAck(msg.RequestID)
	accepted := res.Accepted
	a.Accepted = &accepted
	a.Position = &res.FinalPosition
	a.Version = &res.Version
	if !accepted {
		// Superseded by a higher version: expected outcome, the
		// caller reconciles to the returned position.
		return a
	}
	if err := gw.store.UpdatePosition(ctx, msg.ProjectID, msg.TicketID, msg.State, res.FinalPosition, res.Version); err != nil {
		gw.logger.Errorf("update position: %v", err)
		// Give the version back so the client's retry of this move
		// is not rejected as stale.
		gw.resolver.Revert(msg.TicketID, res.Version, prevPos, prevVer, hadPrev)
		return errAck(msg.RequestID, codeInternal, "failed to persist position")
	}
	gw.publishMove(ctx, msg.ProjectID, domain.TicketMovedData{
		TicketID: msg.TicketID,
		State:    msg.State,
		Position: res.FinalPosition,
		Version:  res.Version,
		Actor:    conn.identity.ID,
	})
	return a
}

func (gw *Gateway) reorderColumn(ctx context.Context, conn *connection, msg clientMessage) ack {
	if len(msg.OrderedIDs) == 0 {
		return errAck(msg.RequestID, codeBadRequest, "orderedIds is required")
	}
	if !domain.ValidState(msg.State) {
		return errAck(msg.RequestID, codeBadRequest, "unknown state")
	}
	placements := gw.resolver.Reorder(msg.OrderedIDs, msg.Version)
	for _, p := range placements {
		if err := gw.store.UpdatePosition(ctx, msg.ProjectID, p.EntityID, msg.State, p.Position, p.Version); err != nil {
			gw.logger.Errorf("persist reorder of %s: %v", p.EntityID, err)
			return errAck(msg.RequestID, codeInternal, "failed to persist reorder")
		}
		gw.publishMove(ctx, msg.ProjectID, domain.TicketMovedData{
			TicketID: p.EntityID,
			State:    msg.State,
			Position: p.Position,
			Version:  p.Version,
			Actor:    conn.identity.ID,
		})
	}
	return okAck(msg.RequestID)
}

func (gw *Gateway) handleBoard(c echo.Context) error {
	projectID := c.QueryParam("project")
	if projectID == "" {
		return c.String(http.StatusBadRequest, "project is required")
	}
	tickets, err := gw.store.ListTickets(c.Request().Context(), projectID)
	if err != nil {
		gw.logger.Errorf("list tickets: %v", err)
		return c.String(http.StatusInternalServerError, err.Error())
	}
	return c.JSON(http.StatusOK, tickets)
}

func envelope(eventType, projectID string, data any) (domain.Envelope, error) {
	payload, err := sonic.Marshal(data)
	if err != nil {
		return domain.Envelope{}, err
	}
	return domain.Envelope{
		Type:      eventType,
		ProjectID: projectID,
		Data:      payload,
	}, nil
}

func (gw *Gateway) publishPresence(ctx context.Context, eventType, projectID string, identity domain.Identity) {
	env, err := envelope(eventType, projectID, domain.MemberData{
		IdentityID:  identity.ID,
		DisplayName: identity.DisplayName,
	})
	if err != nil {
		gw.logger.Errorf("encode presence event: %v", err)
		return
	}
	gw.publish(ctx, domain.ChannelProjectEvents, env)
}

func (gw *Gateway) publishTicket(ctx context.Context, eventType, projectID string, t domain.Ticket) {
	env, err := envelope(eventType, projectID, t)
	if err != nil {
		gw.logger.Errorf("encode ticket event: %v", err)
		return
	}
	gw.publish(ctx, domain.ChannelTicketEvents, env)
}

func (gw *Gateway) publishMove(ctx context.Context, projectID string, data domain.TicketMovedData) {
	env, err := envelope(domain.TicketMoved, projectID, data)
	if err != nil {
		gw.logger.Errorf("encode move event: %v", err)
		return
	}
	gw.publish(ctx, domain.ChannelTicketEvents, env)
}

func (gw *Gateway) publish(ctx context.Context, channel string, env domain.Envelope) {
	// Broker trouble must not take the connection down; the mutation
	// is already persisted and the subscriber side retries its own
	// subscription.
	pubCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if _, err := gw.bridge.Publish(pubCtx, channel, env); err != nil {
		gw.logger.WithFields(log.Fields{
			"channel": channel,
			"type":    env.Type,
		}).Errorf("fanout publish: %v", err)
	}
}
