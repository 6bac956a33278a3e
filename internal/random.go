package internal

import (
	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// NewPKCE returns a fresh code verifier and its S256 challenge.
func NewPKCE() (verifier, challenge string) {
	verifier = oauth2.GenerateVerifier()
	return verifier, oauth2.S256ChallengeFromVerifier(verifier)
}

// NewRequestID returns a random identifier used to correlate audit events.
func NewRequestID() string {
	return uuid.NewString()
}
