package api

import (
	"encoding/json"

	"board-sync/domain"
)

const clientMessageMaxSize = 64 * 1024 // 64 KiB

// Socket operations a client may request.
const (
	opJoinProject      = "join_project"
	opLeaveProject     = "leave_project"
	opCreateTicket     = "create_ticket"
	opTransitionTicket = "transition_ticket"
	opMoveTicket       = "move_ticket"
	opReorderColumn    = "reorder_column"
)

// Ack error codes.
const (
	codeNotInProject      = "NOT_IN_PROJECT"
	codeNotFound          = "NOT_FOUND"
	codeInvalidTransition = "INVALID_TRANSITION"
	codeDepsIncomplete    = "DEPENDENCIES_INCOMPLETE"
	codeRateLimited       = "RATE_LIMITED"
	codeBadRequest        = "BAD_REQUEST"
	codeInternal          = "INTERNAL"
)

// clientMessage is the wire form of a client request.
type clientMessage struct {
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

// rateLimitInfo mirrors the limiter result on blocked acks.
type rateLimitInfo struct {
	Remaining    int64 `json:"remaining"`
	ResetInMs    int64 `json:"resetInMs"`
	RetryAfterMs int64 `json:"retryAfterMs,omitempty"`
}

// ack is the per-operation response. Code and Message are only set
// on failure. Conflict outcomes (a superseded move) are not failures:
// Ok stays true and the authoritative position rides along.
type ack struct {
	Kind      string            `json:"kind"`
	RequestID string            `json:"requestId,omitempty"`
	Ok        bool              `json:"ok"`
	Code      string            `json:"code,omitempty"`
	Message   string            `json:"message,omitempty"`
	Members   []domain.Identity `json:"members,omitempty"`
	Accepted  *bool             `json:"accepted,omitempty"`
	Position  *int              `json:"position,omitempty"`
	Version   *int64            `json:"version,omitempty"`
	Ticket    *domain.Ticket    `json:"ticket,omitempty"`
	RateLimit *rateLimitInfo    `json:"rateLimit,omitempty"`
}

// serverEvent wraps a fanout envelope re-emitted to a client.
type serverEvent struct {
	Kind    string          `json:"kind"`
	Channel string          `json:"channel"`
	Event   domain.Envelope `json:"event"`
}

func okAck(requestID string) ack {
	return ack{Kind: "ack", RequestID: requestID, Ok: true}
}

func errAck(requestID, code, message string) ack {
	return ack{Kind: "ack", RequestID: requestID, Ok: false, Code: code, Message: message}
}

func marshalAck(a ack) []byte {
	data, err := json.Marshal(a)
	if err != nil {
		// The ack shape is fully under our control.
		panic(err)
	}
	return data
}
