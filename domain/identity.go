package domain

// Identity is the resolved identity behind a connection. Anonymous
// connections get a generated guest identity; Authenticated is false
// for those.
type Identity struct {
	ID            string `json:"identityId"`
	DisplayName   string `json:"displayName"`
	Authenticated bool   `json:"authenticated"`
}
