package credential

import (
	"context"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// AccessToken is a bearer token and its expiry.
type AccessToken struct {
	Token     string
	ExpiresOn time.Time
}

// Source yields access tokens.
type Source interface {
	Token(ctx context.Context) (AccessToken, error)
}

// SourceFunc adapts a function to Source.
type SourceFunc func(ctx context.Context) (AccessToken, error)

// Token calls f.
func (f SourceFunc) Token(ctx context.Context) (AccessToken, error) {
	return f(ctx)
}

// Credential is the username/password pair presented to Redis.
type Credential struct {
	Username  string
	Password  string
	ExpiresOn time.Time
}

// FromToken derives a Redis credential from an Entra access token. The
// username is the object id (oid) claim. The token is not verified here;
// Redis verifies it on AUTH.
func FromToken(tok AccessToken) (Credential, error) {
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(tok.Token, claims); err != nil {
		return Credential{}, fmt.Errorf("%w: malformed access token: %v", ErrCredentialUnavailable, err)
	}

	oid, _ := claims["oid"].(string)
	if oid == "" {
		return Credential{}, fmt.Errorf("%w: access token has no oid claim", ErrCredentialUnavailable)
	}

	expires := tok.ExpiresOn
	if expires.IsZero() {
		if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
			expires = exp.Time
		}
	}

	return Credential{
		Username:  oid,
		Password:  tok.Token,
		ExpiresOn: expires,
	}, nil
}

// Acquire fetches a token from src and converts it with [FromToken].
func Acquire(ctx context.Context, src Source) (Credential, error) {
	tok, err := src.Token(ctx)
	if err != nil {
		return Credential{}, fmt.Errorf("%w: %v", ErrCredentialUnavailable, err)
	}
	return FromToken(tok)
}
