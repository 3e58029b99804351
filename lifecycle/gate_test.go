package lifecycle

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"board-sync/domain"
)

func TestHTTPGateReturnsIncompleteIDs(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/incomplete" {
			t.Fatalf("unexpected path %s", r.URL.Path)
		}
		if got := r.URL.Query().Get("ticket"); got != "t1" {
			t.Fatalf("unexpected ticket id %q", got)
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`["t7","t9"]`))
	}))
	defer srv.Close()

	gate := NewHTTPGate(srv.URL)
	got, err := gate.IncompleteDependencies(context.Background(), "t1")
	if err != nil {
		t.Fatalf("gate query: %v", err)
	}
	if len(got) != 2 || got[0] != "t7" || got[1] != "t9" {
		t.Fatalf("unexpected incomplete list: %v", got)
	}
}

func TestHTTPGateErrorOnBadStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	gate := NewHTTPGate(srv.URL)
	if _, err := gate.IncompleteDependencies(context.Background(), "t1"); err == nil {
		t.Fatal("expected error on non-200 response")
	}
}

func TestHTTPGateBlocksTransition(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`["t9"]`))
	}))
	defer srv.Close()

	store := newStubStore(domain.Ticket{ID: "t1", ProjectID: "p1", State: domain.StateBacklog})
	m := New(store, NewHTTPGate(srv.URL), nil)

	_, err := m.Transition(context.Background(), "p1", "t1", domain.StateTodo, "alice", "")
	var blocked BlockedError
	if !errors.As(err, &blocked) {
		t.Fatalf("expected BlockedError, got %v", err)
	}
	if len(blocked.Incomplete) != 1 || blocked.Incomplete[0] != "t9" {
		t.Fatalf("unexpected incomplete list: %v", blocked.Incomplete)
	}
}
