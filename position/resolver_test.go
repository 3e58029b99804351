package position

import "testing"

func TestStaleUpdateRejected(t *testing.T) {
	r := NewResolver()

	first := r.Resolve("t1", 5, 3)
	if !first.Accepted || first.FinalPosition != 3 {
		t.Fatalf("first update should win: %+v", first)
	}

	same := r.Resolve("t1", 5, 9)
	if same.Accepted {
		t.Fatal("equal version must be rejected")
	}
	if same.FinalPosition != 3 {
		t.Fatalf("rejected update must return held position, got %d", same.FinalPosition)
	}

	lower := r.Resolve("t1", 4, 0)
	if lower.Accepted || lower.FinalPosition != 3 {
		t.Fatalf("lower version must be rejected: %+v", lower)
	}
}

func TestConcurrentReorderConverges(t *testing.T) {
	// Two clients race: position 3 at version 5, position 1 at
	// version 7. The higher version must win regardless of arrival
	// order.
	for name, order := range map[string][][2]int64{
		"low-then-high": {{5, 3}, {7, 1}},
		"high-then-low": {{7, 1}, {5, 3}},
	} {
		r := NewResolver()
		for _, upd := range order {
			r.Resolve("t1", upd[0], int(upd[1]))
		}
		pos, ver, ok := r.Current("t1")
		if !ok || pos != 1 || ver != 7 {
			t.Fatalf("%s: expected position 1 version 7, got pos=%d ver=%d", name, pos, ver)
		}
	}
}

func TestReorderAssignsSequentialPositions(t *testing.T) {
	r := NewResolver()
	placements := r.Reorder([]string{"a", "b", "c"}, 10)
	if len(placements) != 3 {
		t.Fatalf("expected 3 placements, got %d", len(placements))
	}
	var prev int64 = 10
	for i, p := range placements {
		if p.Position != i {
			t.Fatalf("entity %s: expected position %d, got %d", p.EntityID, i, p.Position)
		}
		if p.Version <= prev {
			t.Fatalf("versions must strictly increase above base: %+v", placements)
		}
		prev = p.Version
	}
}

func TestRevertRestoresPreviousPlacement(t *testing.T) {
	r := NewResolver()
	r.Resolve("t1", 5, 3)
	res := r.Resolve("t1", 7, 1)
	if !res.Accepted {
		t.Fatalf("update should win: %+v", res)
	}

	// Downstream write failed: put the previous placement back so the
	// same version can be retried.
	r.Revert("t1", 7, 3, 5, true)
	pos, ver, ok := r.Current("t1")
	if !ok || pos != 3 || ver != 5 {
		t.Fatalf("expected restored placement 3/5, got %d/%d ok=%v", pos, ver, ok)
	}
	if retry := r.Resolve("t1", 7, 1); !retry.Accepted {
		t.Fatalf("retry of the reverted version must win: %+v", retry)
	}
}

func TestRevertSkippedWhenSuperseded(t *testing.T) {
	r := NewResolver()
	r.Resolve("t1", 7, 1)
	r.Resolve("t1", 9, 2)

	// The failed v7 write must not clobber the accepted v9.
	r.Revert("t1", 7, 0, 5, true)
	pos, ver, ok := r.Current("t1")
	if !ok || pos != 2 || ver != 9 {
		t.Fatalf("newer placement clobbered: %d/%d ok=%v", pos, ver, ok)
	}
}

func TestRevertDeletesFirstEverEntry(t *testing.T) {
	r := NewResolver()
	r.Resolve("t1", 3, 0)

	r.Revert("t1", 3, 0, 0, false)
	if _, _, ok := r.Current("t1"); ok {
		t.Fatal("entry should be gone after reverting the first update")
	}
	if res := r.Resolve("t1", 3, 0); !res.Accepted {
		t.Fatalf("retry must be accepted after revert: %+v", res)
	}
}

func TestReorderSupersedesPriorVersions(t *testing.T) {
	r := NewResolver()
	r.Resolve("b", 50, 4)

	placements := r.Reorder([]string{"a", "b"}, 10)
	if placements[1].Version <= 50 {
		t.Fatalf("reorder must stamp b above its held version, got %d", placements[1].Version)
	}

	// The pre-reorder update for b is now stale.
	res := r.Resolve("b", 50, 4)
	if res.Accepted {
		t.Fatal("pre-reorder version should lose against the batch")
	}
	if res.FinalPosition != 1 {
		t.Fatalf("expected batch position 1, got %d", res.FinalPosition)
	}
}
