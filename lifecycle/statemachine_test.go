package lifecycle

import (
	"context"
	"errors"
	"testing"

	"board-sync/domain"
)

type stubStore struct {
	tickets map[string]domain.Ticket
	history map[string][]domain.HistoryRecord
	applied []domain.HistoryRecord
	failOn  string
}

func newStubStore(tickets ...domain.Ticket) *stubStore {
	s := &stubStore{
		tickets: map[string]domain.Ticket{},
		history: map[string][]domain.HistoryRecord{},
	}
	for _, t := range tickets {
		s.tickets[t.ID] = t
	}
	return s
}

func (s *stubStore) GetTicket(ctx context.Context, projectID, ticketID string) (*domain.Ticket, error) {
	t, ok := s.tickets[ticketID]
	if !ok {
		return nil, nil
	}
	return &t, nil
}

func (s *stubStore) ApplyTransition(ctx context.Context, ticket domain.Ticket, rec domain.HistoryRecord) error {
	if s.failOn == ticket.ID {
		return errors.New("storage unavailable")
	}
	s.tickets[ticket.ID] = ticket
	s.history[ticket.ID] = append(s.history[ticket.ID], rec)
	s.applied = append(s.applied, rec)
	return nil
}

func (s *stubStore) TicketHistory(ctx context.Context, projectID, ticketID string) ([]domain.HistoryRecord, error) {
	return s.history[ticketID], nil
}

type stubGate struct {
	incomplete map[string][]string
	err        error
}

func (g *stubGate) IncompleteDependencies(ctx context.Context, ticketID string) ([]string, error) {
	if g.err != nil {
		return nil, g.err
	}
	return g.incomplete[ticketID], nil
}

type recordingPublisher struct {
	events []domain.TicketTransitionedData
}

func (p *recordingPublisher) TicketTransitioned(ctx context.Context, projectID string, data domain.TicketTransitionedData) {
	p.events = append(p.events, data)
}

func TestSelfTransitionsNeverAllowed(t *testing.T) {
	m := New(newStubStore(), nil, nil)
	for _, s := range []domain.State{
		domain.StateBacklog, domain.StateTodo, domain.StateInProgress,
		domain.StateNeedsFeedback, domain.StateReadyToResume,
		domain.StateReview, domain.StateDone, domain.StateCancelled,
	} {
		if m.CanTransition(s, s) {
			t.Fatalf("self transition allowed for %s", s)
		}
	}
}

func TestTerminalEdges(t *testing.T) {
	if got := domain.TransitionsFrom(domain.StateDone); len(got) != 0 {
		t.Fatalf("DONE should have no outgoing transitions, got %v", got)
	}
	got := domain.TransitionsFrom(domain.StateCancelled)
	if len(got) != 1 || got[0] != domain.StateBacklog {
		t.Fatalf("CANCELLED should transition only to BACKLOG, got %v", got)
	}
}

func TestTransitionAppendsHistoryAndPublishes(t *testing.T) {
	store := newStubStore(domain.Ticket{ID: "t1", ProjectID: "p1", State: domain.StateBacklog})
	pub := &recordingPublisher{}
	m := New(store, nil, pub)

	got, err := m.Transition(context.Background(), "p1", "t1", domain.StateTodo, "alice", "")
	if err != nil {
		t.Fatalf("transition: %v", err)
	}
	if got.State != domain.StateTodo {
		t.Fatalf("unexpected state: %s", got.State)
	}
	if len(store.applied) != 1 {
		t.Fatalf("expected 1 history record, got %d", len(store.applied))
	}
	rec := store.applied[0]
	if rec.From != domain.StateBacklog || rec.To != domain.StateTodo || rec.Actor != "alice" || rec.Seq != 0 {
		t.Fatalf("unexpected history record: %+v", rec)
	}
	if len(pub.events) != 1 || pub.events[0].To != domain.StateTodo {
		t.Fatalf("expected transition event, got %+v", pub.events)
	}
}

func TestTransitionInvalidEdge(t *testing.T) {
	store := newStubStore(domain.Ticket{ID: "t1", ProjectID: "p1", State: domain.StateBacklog})
	m := New(store, nil, nil)

	_, err := m.Transition(context.Background(), "p1", "t1", domain.StateDone, "alice", "")
	var invalid InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError, got %v", err)
	}
	if len(store.applied) != 0 {
		t.Fatalf("history written for rejected transition")
	}
}

func TestTransitionNotFound(t *testing.T) {
	m := New(newStubStore(), nil, nil)
	if _, err := m.Transition(context.Background(), "p1", "missing", domain.StateTodo, "alice", ""); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDependencyGateBlocksProgressStates(t *testing.T) {
	store := newStubStore(domain.Ticket{ID: "t1", ProjectID: "p1", State: domain.StateBacklog})
	gate := &stubGate{incomplete: map[string][]string{"t1": {"t9"}}}
	m := New(store, gate, nil)

	_, err := m.Transition(context.Background(), "p1", "t1", domain.StateTodo, "alice", "")
	var blocked BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if len(blocked.Incomplete) != 1 || blocked.Incomplete[0] != "t9" {
		t.Fatalf("unexpected incomplete list: %v", blocked.Incomplete)
	}

	// CANCELLED bypasses the gate.
	if _, err := m.Transition(context.Background(), "p1", "t1", domain.StateCancelled, "alice", "stale"); err != nil {
		t.Fatalf("cancel should bypass dependency gate: %v", err)
	}
}

func TestSameStateTransitionRejected(t *testing.T) {
	store := newStubStore(domain.Ticket{ID: "t1", ProjectID: "p1", State: domain.StateTodo})
	pub := &recordingPublisher{}
	m := New(store, nil, pub)

	_, err := m.Transition(context.Background(), "p1", "t1", domain.StateTodo, "alice", "")
	var invalid InvalidTransitionError
	if !errors.As(err, &invalid) {
		t.Fatalf("expected InvalidTransitionError for same-state request, got %v", err)
	}
	if invalid.From != domain.StateTodo || invalid.To != domain.StateTodo {
		t.Fatalf("unexpected edge in error: %+v", invalid)
	}
	if len(store.applied) != 0 || len(pub.events) != 0 {
		t.Fatalf("rejected transition produced side effects")
	}
}

func TestAvailableTransitionsTracksNewState(t *testing.T) {
	store := newStubStore(domain.Ticket{ID: "t1", ProjectID: "p1", State: domain.StateReview})
	m := New(store, nil, nil)

	if _, err := m.Transition(context.Background(), "p1", "t1", domain.StateDone, "alice", ""); err != nil {
		t.Fatalf("transition: %v", err)
	}
	got, err := m.AvailableTransitions(context.Background(), "p1", "t1")
	if err != nil {
		t.Fatalf("available transitions: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("DONE ticket should have no available transitions, got %v", got)
	}
}

func TestFailedPersistLeavesStateUnchanged(t *testing.T) {
	store := newStubStore(domain.Ticket{ID: "t1", ProjectID: "p1", State: domain.StateBacklog})
	store.failOn = "t1"
	m := New(store, nil, nil)

	if _, err := m.Transition(context.Background(), "p1", "t1", domain.StateTodo, "alice", ""); err == nil {
		t.Fatal("expected persistence error")
	}
	if store.tickets["t1"].State != domain.StateBacklog {
		t.Fatalf("state mutated despite failed persist")
	}
	if len(store.history["t1"]) != 0 {
		t.Fatalf("history written despite failed persist")
	}
}
