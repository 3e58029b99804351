package room

import (
	"sync"

	"board-sync/domain"
)

// Registry tracks which connections are joined to which project
// rooms within this process. It is a bidirectional index: room ->
// members and connection -> rooms, mutated together under one lock.
// Cross-process room visibility travels over the fanout bridge only;
// a Registry is never shared between processes.
type Registry struct {
	mu sync.RWMutex
	// room -> connectionID -> identity
	members map[string]map[string]domain.Identity
	// connectionID -> set of rooms
	rooms map[string]map[string]struct{}
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{
		members: make(map[string]map[string]domain.Identity),
		rooms:   make(map[string]map[string]struct{}),
	}
}

// Join adds the connection to the room. Joining a room the
// connection is already in is a no-op. It reports whether membership
// actually changed.
func (r *Registry) Join(room, connectionID string, identity domain.Identity) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.rooms[connectionID][room]; ok {
		return false
	}
	if r.members[room] == nil {
		r.members[room] = make(map[string]domain.Identity)
	}
	r.members[room][connectionID] = identity
	if r.rooms[connectionID] == nil {
		r.rooms[connectionID] = make(map[string]struct{})
	}
	r.rooms[connectionID][room] = struct{}{}
	return true
}

// Leave removes the connection from the room. Empty rooms are
// deleted; rooms have no existence independent of membership.
func (r *Registry) Leave(room, connectionID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.leaveLocked(room, connectionID)
}

func (r *Registry) leaveLocked(room, connectionID string) bool {
	if _, ok := r.members[room][connectionID]; !ok {
		return false
	}
	delete(r.members[room], connectionID)
	if len(r.members[room]) == 0 {
		delete(r.members, room)
	}
	delete(r.rooms[connectionID], room)
	if len(r.rooms[connectionID]) == 0 {
		delete(r.rooms, connectionID)
	}
	return true
}

// LeaveAll removes the connection from every room it is in and
// returns the rooms vacated, so the caller can broadcast a departure
// notice for each.
func (r *Registry) LeaveAll(connectionID string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	var vacated []string
	for room := range r.rooms[connectionID] {
		vacated = append(vacated, room)
	}
	for _, room := range vacated {
		r.leaveLocked(room, connectionID)
	}
	return vacated
}

// MembersOf returns the identities currently joined to the room.
func (r *Registry) MembersOf(room string) []domain.Identity {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]domain.Identity, 0, len(r.members[room]))
	for _, id := range r.members[room] {
		out = append(out, id)
	}
	return out
}

// ConnectionsIn returns the connection ids currently joined to the
// room. The fanout subscriber uses this to re-emit events to local
// members only.
func (r *Registry) ConnectionsIn(room string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.members[room]))
	for connID := range r.members[room] {
		out = append(out, connID)
	}
	return out
}

// RoomsOf returns the rooms the connection is joined to.
func (r *Registry) RoomsOf(connectionID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]string, 0, len(r.rooms[connectionID]))
	for room := range r.rooms[connectionID] {
		out = append(out, room)
	}
	return out
}

// Contains reports whether the connection is a member of the room.
func (r *Registry) Contains(room, connectionID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.members[room][connectionID]
	return ok
}
