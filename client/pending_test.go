package client

import (
	"testing"

	"board-sync/domain"
)

func TestRecordAndPendingFor(t *testing.T) {
	l := NewPendingLog()
	prev := &domain.Ticket{ID: "t1", State: domain.StateBacklog}
	next := &domain.Ticket{ID: "t1", State: domain.StateTodo}

	id1 := l.Record(OpMove, "t1", prev, next)
	id2 := l.Record(OpUpdate, "t2", nil, &domain.Ticket{ID: "t2"})
	if id1 == "" || id1 == id2 {
		t.Fatalf("operation ids must be unique, got %q and %q", id1, id2)
	}

	ops := l.PendingFor("t1")
	if len(ops) != 1 || ops[0].ID != id1 || ops[0].Kind != OpMove {
		t.Fatalf("unexpected pending ops: %+v", ops)
	}
}

func TestRollbackReturnsPreviousState(t *testing.T) {
	l := NewPendingLog()
	prev := &domain.Ticket{ID: "t1", State: domain.StateBacklog, Position: 2}

	id := l.Record(OpMove, "t1", prev, &domain.Ticket{ID: "t1", State: domain.StateTodo})
	restore := l.Rollback(id)
	if restore == nil || restore.EntityID != "t1" {
		t.Fatalf("unexpected restore: %+v", restore)
	}
	if restore.State == nil || restore.State.State != domain.StateBacklog || restore.State.Position != 2 {
		t.Fatalf("restore must carry the previous state: %+v", restore.State)
	}
	if l.Rollback(id) != nil {
		t.Fatal("second rollback of a resolved operation must return nil")
	}
}

func TestCreateHasNilPreviousDeleteHasNilProposed(t *testing.T) {
	l := NewPendingLog()
	createID := l.Record(OpCreate, "t1", nil, &domain.Ticket{ID: "t1"})
	deleteID := l.Record(OpDelete, "t1", &domain.Ticket{ID: "t1"}, nil)

	ops := l.PendingFor("t1")
	if len(ops) != 2 {
		t.Fatalf("expected 2 pending ops, got %d", len(ops))
	}
	if ops[0].ID != createID || ops[0].Previous != nil {
		t.Fatalf("create op must have nil previous: %+v", ops[0])
	}
	if ops[1].ID != deleteID || ops[1].Proposed != nil {
		t.Fatalf("delete op must have nil proposed: %+v", ops[1])
	}

	if restore := l.Rollback(createID); restore == nil || restore.State != nil {
		t.Fatalf("rolling back a create restores no state: %+v", restore)
	}
}

func TestResolveDiscardsWithoutRollback(t *testing.T) {
	l := NewPendingLog()
	id := l.Record(OpMove, "t2", &domain.Ticket{ID: "t2"}, &domain.Ticket{ID: "t2", State: domain.StateTodo})

	if !l.Resolve(id) {
		t.Fatal("resolve should find the pending op")
	}
	if got := l.PendingFor("t2"); len(got) != 0 {
		t.Fatalf("pending list should be empty, got %+v", got)
	}
	if l.Resolve(id) {
		t.Fatal("resolve of an already resolved op must report false")
	}
}

func TestRecordSnapshotsAreIsolated(t *testing.T) {
	l := NewPendingLog()
	prev := &domain.Ticket{ID: "t1", State: domain.StateBacklog}
	id := l.Record(OpMove, "t1", prev, &domain.Ticket{ID: "t1", State: domain.StateTodo})

	// Mutating the caller's copy must not leak into the ledger.
	prev.State = domain.StateDone

	restore := l.Rollback(id)
	if restore.State.State != domain.StateBacklog {
		t.Fatalf("ledger snapshot aliased caller state: %+v", restore.State)
	}
}
