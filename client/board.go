package client

import (
	"encoding/json"
	"sort"
	"sync"

	"board-sync/domain"
)

// Board is the client-side state container: an arena of tickets keyed
// by id, mutated only through Load, Put, Remove and Apply, with
// derived sorted column views. It carries no framework reactivity;
// callers re-render from the views after each change.
type Board struct {
	mu      sync.RWMutex
	tickets map[string]domain.Ticket
	// lastTransition holds the send timestamp of the newest applied
	// transition event per ticket. Envelope timestamps are strictly
	// increasing at the publisher, so an older event arriving late
	// must not regress the ticket's state.
	lastTransition map[string]int64
}

// NewBoard creates an empty Board.
func NewBoard() *Board {
	return &Board{
		tickets:        make(map[string]domain.Ticket),
		lastTransition: make(map[string]int64),
	}
}

// Load replaces the arena with an authoritative snapshot.
func (b *Board) Load(tickets []domain.Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tickets = make(map[string]domain.Ticket, len(tickets))
	b.lastTransition = make(map[string]int64)
	for _, t := range tickets {
		b.tickets[t.ID] = t
	}
}

// Put inserts or replaces a ticket.
func (b *Board) Put(t domain.Ticket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tickets[t.ID] = t
}

// Remove deletes a ticket from the arena.
func (b *Board) Remove(ticketID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.tickets, ticketID)
	delete(b.lastTransition, ticketID)
}

// Get returns the ticket and whether it exists.
func (b *Board) Get(ticketID string) (domain.Ticket, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	t, ok := b.tickets[ticketID]
	return t, ok
}

// Column returns the tickets in the given state ordered by position.
func (b *Board) Column(state domain.State) []domain.Ticket {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var out []domain.Ticket
	for _, t := range b.tickets {
		if t.State == state {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out
}

// Len returns the number of tickets in the arena.
func (b *Board) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.tickets)
}

// Apply folds an authoritative envelope into the arena. Unknown event
// types are ignored. Applying the same envelope twice converges to
// the same arena state.
func (b *Board) Apply(env domain.Envelope) {
	switch env.Type {
	case domain.TicketCreated, domain.TicketUpdated:
		var t domain.Ticket
		if err := json.Unmarshal(env.Data, &t); err != nil {
			return
		}
		b.Put(t)
	case domain.TicketMoved:
		var data domain.TicketMovedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		b.mu.Lock()
		if t, ok := b.tickets[data.TicketID]; ok {
			// Stale move events lose against the version already
			// held, so replays cannot roll a ticket backwards.
			if data.Version > t.Version {
				t.State = data.State
				t.Position = data.Position
				t.Version = data.Version
				b.tickets[data.TicketID] = t
			}
		}
		b.mu.Unlock()
	case domain.TicketTransitioned:
		var data domain.TicketTransitionedData
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		b.mu.Lock()
		if t, ok := b.tickets[data.TicketID]; ok {
			// Out-of-order delivery: a transition older than one
			// already applied would regress the state.
			if env.Timestamp != 0 {
				if env.Timestamp <= b.lastTransition[data.TicketID] {
					b.mu.Unlock()
					return
				}
				b.lastTransition[data.TicketID] = env.Timestamp
			}
			t.State = data.To
			b.tickets[data.TicketID] = t
		}
		b.mu.Unlock()
	case domain.TicketDeleted:
		var data struct {
			TicketID string `json:"ticketId"`
		}
		if err := json.Unmarshal(env.Data, &data); err != nil {
			return
		}
		b.Remove(data.TicketID)
	}
}
