package domain

import "time"

// State is a ticket lifecycle state.
type State string

const (
	StateBacklog       State = "BACKLOG"
	StateTodo          State = "TODO"
	StateInProgress    State = "IN_PROGRESS"
	StateNeedsFeedback State = "NEEDS_FEEDBACK"
	StateReadyToResume State = "READY_TO_RESUME"
	StateReview        State = "REVIEW"
	StateDone          State = "DONE"
	StateCancelled     State = "CANCELLED"
)

// transitions is the process-wide lifecycle graph. DONE is terminal;
// CANCELLED tickets can only be pulled back into the backlog.
var transitions = map[State][]State{
	StateBacklog:       {StateTodo, StateCancelled},
	StateTodo:          {StateInProgress, StateBacklog, StateCancelled},
	StateInProgress:    {StateReview, StateNeedsFeedback, StateTodo, StateCancelled},
	StateNeedsFeedback: {StateReadyToResume, StateCancelled},
	StateReadyToResume: {StateInProgress, StateCancelled},
	StateReview:        {StateDone, StateInProgress, StateNeedsFeedback, StateCancelled},
	StateDone:          {},
	StateCancelled:     {StateBacklog},
}

// progressStates require the ticket's dependencies to be complete
// before entry. BACKLOG, CANCELLED and the feedback states bypass
// the dependency gate.
var progressStates = map[State]bool{
	StateTodo:       true,
	StateInProgress: true,
	StateReview:     true,
	StateDone:       true,
}

// ValidState reports whether s is one of the known lifecycle states.
func ValidState(s State) bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether the lifecycle graph permits moving
// from one state to another. Self-transitions are never permitted.
func CanTransition(from, to State) bool {
	if from == to {
		return false
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TransitionsFrom returns the permitted destination states for the
// given state. The returned slice is a copy.
func TransitionsFrom(from State) []State {
	allowed := transitions[from]
	out := make([]State, len(allowed))
	copy(out, allowed)
	return out
}

// RequiresCompleteDependencies reports whether entering the state is
// subject to the dependency gate.
func RequiresCompleteDependencies(to State) bool {
	return progressStates[to]
}

// Ticket represents a single board item.
type Ticket struct {
	ID        string `json:"id"`
	ProjectID string `json:"projectId"`
	Title     string `json:"title"`
	Notes     string `json:"notes,omitempty"`
	State     State  `json:"state"`
	Position  int    `json:"position"`
	Version   int64  `json:"version"`
}

// HistoryRecord is one immutable lifecycle transition entry.
type HistoryRecord struct {
	TicketID string    `json:"ticketId"`
	Seq      int       `json:"seq"`
	From     State     `json:"from"`
	To       State     `json:"to"`
	Actor    string    `json:"actor"`
	Reason   string    `json:"reason,omitempty"`
	Time     time.Time `json:"time"`
}

// ActualDuration sums every interval the ticket spent in IN_PROGRESS,
// derived from its transition history. A ticket cycling through
// IN_PROGRESS and REVIEW repeatedly accrues all of its working
// intervals, not just the first-to-last span. An interval still open
// at the time of the last record contributes up to now.
func ActualDuration(history []HistoryRecord, now time.Time) time.Duration {
	var total time.Duration
	var enteredAt *time.Time
	for i := range history {
		rec := history[i]
		if rec.To == StateInProgress {
			t := rec.Time
			enteredAt = &t
			continue
		}
		if enteredAt != nil && rec.From == StateInProgress {
			total += rec.Time.Sub(*enteredAt)
			enteredAt = nil
		}
	}
	if enteredAt != nil && now.After(*enteredAt) {
		total += now.Sub(*enteredAt)
	}
	return total
}
