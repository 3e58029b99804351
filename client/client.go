package client

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"board-sync/domain"
)

// Message is one client request on the socket. Field names mirror the
// gateway protocol.
type Message struct {
	Op         string       `json:"op"`
	RequestID  string       `json:"requestId,omitempty"`
	ProjectID  string       `json:"projectId,omitempty"`
	TicketID   string       `json:"ticketId,omitempty"`
	Title      string       `json:"title,omitempty"`
	Notes      string       `json:"notes,omitempty"`
	To         domain.State `json:"to,omitempty"`
	Reason     string       `json:"reason,omitempty"`
	State      domain.State `json:"state,omitempty"`
	Position   int          `json:"position,omitempty"`
	Version    int64        `json:"version,omitempty"`
	OrderedIDs []string     `json:"orderedIds,omitempty"`
}

// ServerFrame is one frame received from the gateway: either an ack
// for a request or a fanned-out event.
type ServerFrame struct {
	Kind      string          `json:"kind"`
	RequestID string          `json:"requestId,omitempty"`
	Ok        bool            `json:"ok,omitempty"`
	Code      string          `json:"code,omitempty"`
	Message   string          `json:"message,omitempty"`
	Channel   string          `json:"channel,omitempty"`
	Event     domain.Envelope `json:"event"`
}

func wsCloseDeadline() time.Time {
	return time.Now().Add(time.Second)
}

// Config configures a Client.
type Config struct {
	URL       string
	Token     string
	Reconnect ReconnectConfig
	Logger    *log.Logger
}

// Client is the synchronizing board client: a websocket to the
// gateway, the optimistic pending log, the local board arena and the
// reconnection controller, reconciled together in one read loop.
type Client struct {
	cfg     Config
	logger  *log.Logger
	pending *PendingLog
	board   *Board
	recon   *Reconnector

	mu     sync.Mutex
	conn   *websocket.Conn
	closed bool

	frames chan ServerFrame
}

var errClientClosed = errors.New("client is closed")

// New creates a Client. Call Connect to establish the link.
func New(cfg Config) *Client {
	logger := cfg.Logger
	if logger == nil {
		logger = log.StandardLogger()
	}
	c := &Client{
		cfg:     cfg,
		logger:  logger,
		pending: NewPendingLog(),
		board:   NewBoard(),
		frames:  make(chan ServerFrame, 256),
	}
	c.recon = NewReconnector(cfg.Reconnect, c.dial, c.rejoinProject, logger)
	return c
}

// Board exposes the local arena for rendering.
func (c *Client) Board() *Board { return c.board }

// Pending exposes the optimistic operation ledger.
func (c *Client) Pending() *PendingLog { return c.pending }

// ConnectionState reports the reconnection controller's state.
func (c *Client) ConnectionState() ConnState { return c.recon.State() }

// Frames delivers acks and events as they arrive. Reconciliation has
// already run by the time a frame is readable here.
func (c *Client) Frames() <-chan ServerFrame { return c.frames }

// Connect dials the gateway and starts the read loop.
func (c *Client) Connect(ctx context.Context) error {
	return c.recon.Connect(ctx)
}

// Close shuts the link down deliberately; no reconnect is attempted.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	c.recon.Stop()
	if conn != nil {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), wsCloseDeadline())
		return conn.Close()
	}
	return nil
}

func (c *Client) dial(ctx context.Context) error {
	header := http.Header{}
	if c.cfg.Token != "" {
		header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.URL, header)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = conn.Close()
		return errClientClosed
	}
	c.conn = conn
	c.mu.Unlock()

	go c.readLoop(ctx, conn)
	return nil
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.handleDisconnect(ctx, err)
			return
		}
		var frame ServerFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.logger.Warnf("unparseable frame: %v", err)
			continue
		}
		if frame.Kind == "event" {
			c.reconcile(frame.Event)
		}
		select {
		case c.frames <- frame:
		default:
			c.logger.Warn("frame buffer full, dropping")
		}
	}
}

func (c *Client) handleDisconnect(ctx context.Context, err error) {
	c.mu.Lock()
	closed := c.closed
	c.conn = nil
	c.mu.Unlock()

	reason := CloseLinkLost
	if closed {
		reason = CloseLocal
	} else if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		reason = CloseRemote
	}
	c.recon.ConnectionLost(ctx, reason)
}

// reconcile folds an authoritative event into the local state. A
// pending operation whose guess matches the event is discarded; a
// contradicted guess is rolled back before the authoritative state is
// applied.
func (c *Client) reconcile(env domain.Envelope) {
	entityID := envelopeEntityID(env)
	if entityID != "" {
		for _, op := range c.pending.PendingFor(entityID) {
			if operationConfirmed(op, env) {
				c.pending.Resolve(op.ID)
				continue
			}
			if restore := c.pending.Rollback(op.ID); restore != nil && restore.State != nil {
				c.board.Put(*restore.State)
			}
		}
	}
	c.board.Apply(env)
}

func envelopeEntityID(env domain.Envelope) string {
	var ids struct {
		TicketID string `json:"ticketId"`
		ID       string `json:"id"`
	}
	if err := json.Unmarshal(env.Data, &ids); err != nil {
		return ""
	}
	if ids.TicketID != "" {
		return ids.TicketID
	}
	return ids.ID
}

// operationConfirmed reports whether the authoritative event agrees
// with the pending operation's proposed state.
func operationConfirmed(op Operation, env domain.Envelope) bool {
	switch env.Type {
	case domain.TicketMoved:
		if op.Proposed == nil {
			return false
		}
		var data domain.TicketMovedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return false
		}
		return data.State == op.Proposed.State && data.Position == op.Proposed.Position
	case domain.TicketTransitioned:
		if op.Proposed == nil {
			return false
		}
		var data domain.TicketTransitionedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return false
		}
		return data.To == op.Proposed.State
	case domain.TicketCreated:
		return op.Kind == OpCreate
	case domain.TicketDeleted:
		return op.Kind == OpDelete
	}
	return false
}

func (c *Client) send(msg Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return errClientClosed
	}
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// JoinProject joins the project room; it becomes the room the
// reconnection controller rejoins after link loss.
func (c *Client) JoinProject(projectID string) error {
	if err := c.send(Message{Op: "join_project", RequestID: uuid.NewString(), ProjectID: projectID}); err != nil {
		return err
	}
	c.recon.SetActiveProject(projectID)
	return nil
}

// LeaveProject leaves the project room.
func (c *Client) LeaveProject(projectID string) error {
	if err := c.send(Message{Op: "leave_project", RequestID: uuid.NewString(), ProjectID: projectID}); err != nil {
		return err
	}
	c.recon.SetActiveProject("")
	return nil
}

func (c *Client) rejoinProject(ctx context.Context, projectID string) error {
	return c.send(Message{Op: "join_project", RequestID: uuid.NewString(), ProjectID: projectID})
}

// MoveTicket optimistically applies the move locally, records it in
// the pending log and submits it. The returned operation id can be
// rolled back if the send fails.
func (c *Client) MoveTicket(projectID, ticketID string, state domain.State, pos int, version int64) (string, error) {
	var prev *domain.Ticket
	if t, ok := c.board.Get(ticketID); ok {
		prev = &t
	}
	proposed := domain.Ticket{ID: ticketID, ProjectID: projectID, State: state, Position: pos, Version: version}
	if prev != nil {
		proposed = *prev
		proposed.State = state
		proposed.Position = pos
		proposed.Version = version
	}
	opID := c.pending.Record(OpMove, ticketID, prev, &proposed)
	c.board.Put(proposed)

	err := c.send(Message{
		Op:        "move_ticket",
		RequestID: opID,
		ProjectID: projectID,
		TicketID:  ticketID,
		State:     state,
		Position:  pos,
		Version:   version,
	})
	if err != nil {
		if restore := c.pending.Rollback(opID); restore != nil && restore.State != nil {
			c.board.Put(*restore.State)
		}
		return "", err
	}
	return opID, nil
}

// TransitionTicket optimistically applies the lifecycle transition
// locally and submits it.
func (c *Client) TransitionTicket(projectID, ticketID string, to domain.State, reason string) (string, error) {
	var prev *domain.Ticket
	if t, ok := c.board.Get(ticketID); ok {
		prev = &t
	}
	var proposed domain.Ticket
	if prev != nil {
		proposed = *prev
	} else {
		proposed = domain.Ticket{ID: ticketID, ProjectID: projectID}
	}
	proposed.State = to
	opID := c.pending.Record(OpUpdate, ticketID, prev, &proposed)
	c.board.Put(proposed)

	err := c.send(Message{
		Op:        "transition_ticket",
		RequestID: opID,
		ProjectID: projectID,
		TicketID:  ticketID,
		To:        to,
		Reason:    reason,
	})
	if err != nil {
		if restore := c.pending.Rollback(opID); restore != nil && restore.State != nil {
			c.board.Put(*restore.State)
		}
		return "", err
	}
	return opID, nil
}
