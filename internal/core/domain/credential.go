package domain

import "time"

// Credential is a short-lived access token for the calling platform. It is
// never refreshed in place; an expired credential is replaced by a refetch.
type Credential struct {
	Token     string
	FetchedAt time.Time
	ExpiresAt time.Time
}

// Valid reports whether the credential can be used at now. A zero
// ExpiresAt means the expiry is unknown and the token is trusted.
func (c Credential) Valid(now time.Time) bool {
	if c.Token == "" {
		return false
	}
	return c.ExpiresAt.IsZero() || now.Before(c.ExpiresAt)
}
