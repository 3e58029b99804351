package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"board-sync/domain"
)

// Store provides ticket persistence. GetTicket returns nil when the
// ticket does not exist. ApplyTransition must persist the state
// change and append the history record as a single atomic unit.
type Store interface {
	GetTicket(ctx context.Context, projectID, ticketID string) (*domain.Ticket, error)
	ApplyTransition(ctx context.Context, ticket domain.Ticket, rec domain.HistoryRecord) error
	TicketHistory(ctx context.Context, projectID, ticketID string) ([]domain.HistoryRecord, error)
}

// DependencyGate reports which of a ticket's dependencies are not yet
// complete. Entry into a progress state is blocked while any remain.
type DependencyGate interface {
	IncompleteDependencies(ctx context.Context, ticketID string) ([]string, error)
}

// Publisher observes successful transitions. The state machine calls
// it after the persistence write commits.
type Publisher interface {
	TicketTransitioned(ctx context.Context, projectID string, data domain.TicketTransitionedData)
}

var ErrNotFound = errors.New("ticket not found")

// InvalidTransitionError reports a transition the lifecycle graph
// rejects.
type InvalidTransitionError struct {
	From domain.State
	To   domain.State
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid transition %s -> %s", e.From, e.To)
}

// BlockedError reports a transition refused by the dependency gate.
type BlockedError struct {
	TicketID   string
	Incomplete []string
}

func (e BlockedError) Error() string {
	return fmt.Sprintf("ticket %s blocked by %d incomplete dependencies", e.TicketID, len(e.Incomplete))
}

// StateMachine validates and applies ticket lifecycle transitions.
// The graph itself lives in the domain package; this adds loading,
// the dependency gate and the persistence + publish side effects.
type StateMachine struct {
	store Store
	gate  DependencyGate
	pub   Publisher
	now   func() time.Time
}

// New creates a StateMachine. gate and pub may be nil; a nil gate
// admits every transition and a nil pub drops notifications.
func New(store Store, gate DependencyGate, pub Publisher) *StateMachine {
	if store == nil {
		panic("lifecycle.New: store is required")
	}
	return &StateMachine{store: store, gate: gate, pub: pub, now: time.Now}
}

// CanTransition reports whether the lifecycle graph permits the move.
func (m *StateMachine) CanTransition(from, to domain.State) bool {
	return domain.CanTransition(from, to)
}

// AvailableTransitions returns the destination states permitted for
// the ticket's current state.
func (m *StateMachine) AvailableTransitions(ctx context.Context, projectID, ticketID string) ([]domain.State, error) {
	t, err := m.store.GetTicket(ctx, projectID, ticketID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}
	return domain.TransitionsFrom(t.State), nil
}

// Transition moves the ticket to the target state, appending a
// history record in the same persistence transaction. The updated
// ticket is returned. Requesting the state the ticket is already in
// fails the graph check like any other invalid edge; duplicate event
// deliveries are filtered at the fanout layer, not here.
func (m *StateMachine) Transition(ctx context.Context, projectID, ticketID string, to domain.State, actor, reason string) (*domain.Ticket, error) {
	t, err := m.store.GetTicket(ctx, projectID, ticketID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, ErrNotFound
	}
	if !domain.CanTransition(t.State, to) {
		return nil, InvalidTransitionError{From: t.State, To: to}
	}
	if m.gate != nil && domain.RequiresCompleteDependencies(to) {
		incomplete, err := m.gate.IncompleteDependencies(ctx, ticketID)
		if err != nil {
			return nil, fmt.Errorf("dependency gate: %w", err)
		}
		if len(incomplete) > 0 {
			return nil, BlockedError{TicketID: ticketID, Incomplete: incomplete}
		}
	}

	history, err := m.store.TicketHistory(ctx, projectID, ticketID)
	if err != nil {
		return nil, err
	}
	from := t.State
	updated := *t
	updated.State = to
	rec := domain.HistoryRecord{
		TicketID: ticketID,
		Seq:      len(history),
		From:     from,
		To:       to,
		Actor:    actor,
		Reason:   reason,
		Time:     m.now().UTC(),
	}
	if err := m.store.ApplyTransition(ctx, updated, rec); err != nil {
		return nil, err
	}
	if m.pub != nil {
		m.pub.TicketTransitioned(ctx, projectID, domain.TicketTransitionedData{
			TicketID: ticketID,
			From:     from,
			To:       to,
			Actor:    actor,
			Reason:   reason,
		})
	}
	return &updated, nil
}
