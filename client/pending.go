package client

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"board-sync/domain"
)

// OpKind classifies an optimistic operation.
type OpKind string

const (
	OpCreate OpKind = "create"
	OpUpdate OpKind = "update"
	OpMove   OpKind = "move"
	OpDelete OpKind = "delete"
)

// Operation is one pending optimistic guess. Previous is nil for
// creates, Proposed is nil for deletes.
type Operation struct {
	ID       string
	Kind     OpKind
	EntityID string
	Previous *domain.Ticket
	Proposed *domain.Ticket
	Time     time.Time
}

// Restore carries the state to re-apply after a rollback.
type Restore struct {
	EntityID string
	State    *domain.Ticket
}

// PendingLog is the client-side ledger of optimistic operations.
// Entries are removed when the authoritative event confirming or
// contradicting them arrives, or when explicitly rolled back.
type PendingLog struct {
	mu  sync.Mutex
	ops []Operation
}

// NewPendingLog creates an empty PendingLog.
func NewPendingLog() *PendingLog {
	return &PendingLog{}
}

// Record appends a pending operation and returns its id. The caller
// applies the proposed state to local UI state at its own discretion
// for zero-latency feedback.
func (l *PendingLog) Record(kind OpKind, entityID string, previous, proposed *domain.Ticket) string {
	l.mu.Lock()
	defer l.mu.Unlock()

	op := Operation{
		ID:       uuid.NewString(),
		Kind:     kind,
		EntityID: entityID,
		Previous: cloneTicket(previous),
		Proposed: cloneTicket(proposed),
		Time:     time.Now(),
	}
	l.ops = append(l.ops, op)
	return op.ID
}

// Rollback removes the operation and returns the state to restore.
// It returns nil when the operation was already resolved.
func (l *PendingLog) Rollback(operationID string) *Restore {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, op := range l.ops {
		if op.ID == operationID {
			l.ops = append(l.ops[:i], l.ops[i+1:]...)
			return &Restore{EntityID: op.EntityID, State: op.Previous}
		}
	}
	return nil
}

// Resolve discards the operation after an authoritative event
// confirmed it. It reports whether the operation was still pending.
func (l *PendingLog) Resolve(operationID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	for i, op := range l.ops {
		if op.ID == operationID {
			l.ops = append(l.ops[:i], l.ops[i+1:]...)
			return true
		}
	}
	return false
}

// PendingFor returns the pending operations for the entity in
// submission order.
func (l *PendingLog) PendingFor(entityID string) []Operation {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Operation
	for _, op := range l.ops {
		if op.EntityID == entityID {
			out = append(out, op)
		}
	}
	return out
}

// Len returns the number of pending operations.
func (l *PendingLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.ops)
}

func cloneTicket(t *domain.Ticket) *domain.Ticket {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
