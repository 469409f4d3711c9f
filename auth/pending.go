package auth

import "time"

// PendingAuthorization binds a CSRF state token to its PKCE verifier until
// the callback consumes it.
type PendingAuthorization struct {
	Verifier    string
	RedirectURI string
	CreatedAt   time.Time
}

// PendingRepo stores pending authorizations keyed by state. Pop is single-use:
// a second Pop of the same state misses.
type PendingRepo interface {
	Put(state string, pending PendingAuthorization) error
	Pop(state string) (PendingAuthorization, bool)
}
