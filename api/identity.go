package api

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"

	"board-sync/domain"
)

// IdentityResolver turns an optional bearer credential into a stable
// connection identity. A missing or malformed credential never blocks
// the connection: it degrades silently to a freshly generated guest
// identity with a process-unique label.
type IdentityResolver struct {
	auth     *Auth
	guestSeq atomic.Int64
}

// NewIdentityResolver creates an IdentityResolver backed by the given
// Auth. auth may be nil, in which case every connection is a guest.
func NewIdentityResolver(auth *Auth) *IdentityResolver {
	return &IdentityResolver{auth: auth}
}

// Resolve returns the identity for a connection. The Authorization
// header is preferred; the query-string token is a fallback for
// browser websocket clients that cannot set headers.
func (r *IdentityResolver) Resolve(authHeader, queryToken string) domain.Identity {
	if r.auth != nil {
		if authHeader != "" {
			if sub, name, err := r.auth.SubjectFromAuthHeader(authHeader); err == nil {
				return domain.Identity{ID: sub, DisplayName: name, Authenticated: true}
			}
		}
		if queryToken != "" {
			if sub, name, err := r.auth.SubjectFromBearer(queryToken); err == nil {
				return domain.Identity{ID: sub, DisplayName: name, Authenticated: true}
			}
		}
	}
	n := r.guestSeq.Add(1)
	return domain.Identity{
		ID:          "guest-" + uuid.NewString(),
		DisplayName: fmt.Sprintf("Guest %d", n),
	}
}
