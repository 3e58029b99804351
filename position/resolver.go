package position

import "sync"

// Result reports the outcome of a version-checked position update.
type Result struct {
	Accepted      bool
	FinalPosition int
	Version       int64
}

type entry struct {
	version  int64
	position int
}

// Resolver applies last-writer-wins-with-version resolution to
// concurrent reorder updates. Versions are monotonic per entity; an
// update carrying a version at or below the stored one loses and the
// previously accepted position stands. A superseded update is an
// expected outcome, not an error.
type Resolver struct {
	mu      sync.Mutex
	entries map[string]entry
}

// NewResolver creates an empty Resolver.
func NewResolver() *Resolver {
	return &Resolver{entries: make(map[string]entry)}
}

// Resolve accepts the update iff the stored version for the entity is
// strictly below the incoming one (or absent). On accept the incoming
// version and position are stored and returned; on reject the stored
// position and version are returned unchanged.
func (r *Resolver) Resolve(entityID string, incomingVersion int64, incomingPosition int) Result {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.entries[entityID]
	if ok && incomingVersion <= cur.version {
		return Result{Accepted: false, FinalPosition: cur.position, Version: cur.version}
	}
	r.entries[entityID] = entry{version: incomingVersion, position: incomingPosition}
	return Result{Accepted: true, FinalPosition: incomingPosition, Version: incomingVersion}
}

// Placement assigns an entity its position and version within a
// reorder batch.
type Placement struct {
	EntityID string
	Position int
	Version  int64
}

// Reorder assigns positions 0..n-1 in list order, stamping each entity
// with an incrementing version starting above baseVersion so no two
// entities in the batch share a version. The placements are applied
// to the resolver's own state as well, so a stale concurrent update
// for any entity in the batch loses.
func (r *Resolver) Reorder(orderedIDs []string, baseVersion int64) []Placement {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Placement, 0, len(orderedIDs))
	v := baseVersion
	for i, id := range orderedIDs {
		v++
		if cur, ok := r.entries[id]; ok && cur.version >= v {
			v = cur.version + 1
		}
		r.entries[id] = entry{version: v, position: i}
		out = append(out, Placement{EntityID: id, Position: i, Version: v})
	}
	return out
}

// Revert undoes an accepted update after its downstream write failed,
// restoring the previous placement so the caller's retry of the same
// version is accepted again. It is a no-op when a newer update has
// been accepted since.
func (r *Resolver) Revert(entityID string, failedVersion int64, prevPosition int, prevVersion int64, hadPrev bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, ok := r.entries[entityID]
	if !ok || cur.version != failedVersion {
		return
	}
	if hadPrev {
		r.entries[entityID] = entry{version: prevVersion, position: prevPosition}
		return
	}
	delete(r.entries, entityID)
}

// Current returns the stored position and version for the entity.
func (r *Resolver) Current(entityID string) (position int, version int64, ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, found := r.entries[entityID]
	if !found {
		return 0, 0, false
	}
	return cur.position, cur.version, true
}
