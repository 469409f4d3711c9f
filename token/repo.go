package token

import "time"

// Record is one user's tokens obtained through the authorization-code grant.
type Record struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// Repo stores user token records keyed by opaque session id.
type Repo interface {
	Upsert(sessionID string, record Record) error
	Get(sessionID string) (Record, bool)
	// Replace overwrites the record only while it still holds expectRefresh.
	Replace(sessionID, expectRefresh string, record Record) bool
	Delete(sessionID string)
	Count() int
}
