package session

import (
	"time"

	"github.com/groovybytes/dashauth/idp"
)

// Session is the payload sealed into the session cookie.
//
// IDTokenClaims of Account are dropped before sealing; the raw IDToken
// carries them and the cookie has to stay under browser size limits.
type Session struct {
	ID        string      `json:"sid"`
	Account   idp.Account `json:"account"`
	IDToken   string      `json:"idToken"`
	IssuedAt  int64       `json:"iat"`
	ExpiresAt int64       `json:"exp"`
}

// Expired reports whether s has passed its expiry at now.
func (s *Session) Expired(now time.Time) bool {
	return now.Unix() >= s.ExpiresAt
}

// TTL returns the time left until expiry, or zero.
func (s *Session) TTL(now time.Time) time.Duration {
	d := time.Unix(s.ExpiresAt, 0).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}
