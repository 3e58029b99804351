package domain

import "encoding/json"

// Broker channels. Logical names are stable across every process in
// the system; all cross-process traffic flows over these.
const (
	ChannelTicketEvents  = "ticket-events"
	ChannelProjectEvents = "project-events"
	ChannelSystemEvents  = "system-events"
	ChannelPatternEvents = "pattern-events"
	ChannelMemoryEvents  = "memory-events"
	ChannelAgentEvents   = "agent-events"
)

// Event type names carried inside envelopes.
const (
	TicketCreated      = "ticket-created"
	TicketUpdated      = "ticket-updated"
	TicketMoved        = "ticket-moved"
	TicketDeleted      = "ticket-deleted"
	TicketTransitioned = "ticket-transitioned"
	MemberJoined       = "member-joined"
	MemberLeft         = "member-left"
)

// Envelope is the wire form of a fanout event. Delivery is
// at-least-once; ID feeds the recently-seen dedup set so duplicate
// deliveries are applied once.
type Envelope struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	ProjectID string          `json:"projectId"`
	Data      json.RawMessage `json:"data,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// TicketMovedData describes a position change within or across
// columns. Version drives last-writer-wins conflict resolution.
type TicketMovedData struct {
	TicketID string `json:"ticketId"`
	State    State  `json:"state"`
	Position int    `json:"position"`
	Version  int64  `json:"version"`
	Actor    string `json:"actor"`
}

// TicketTransitionedData describes a lifecycle transition.
type TicketTransitionedData struct {
	TicketID string `json:"ticketId"`
	From     State  `json:"from"`
	To       State  `json:"to"`
	Actor    string `json:"actor"`
	Reason   string `json:"reason,omitempty"`
}

// MemberData describes a presence change in a project room.
type MemberData struct {
	IdentityID  string `json:"identityId"`
	DisplayName string `json:"displayName"`
}
