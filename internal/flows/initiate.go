package flows

import (
	"context"
	"time"

	"github.com/groovybytes/dashauth/idp"
	"github.com/groovybytes/dashauth/statetoken"
)

// InitiateFailureKind classifies initiate flow failures for root-level mapping.
type InitiateFailureKind int

const (
	InitiateFailureNone InitiateFailureKind = iota
	InitiateFailureSelector
	InitiateFailureRateLimited
	InitiateFailureNonce
	InitiateFailureMint
	InitiateFailureStorePKCE
	InitiateFailureAuthURL
)

// InitiateResult carries the redirect target or failure metadata.
type InitiateResult struct {
	Failure     InitiateFailureKind
	Err         error
	Authority   idp.Authority
	Referer     string
	Token       string
	RedirectURL string
}

type InitiateRateLimiter interface {
	CheckInitiate(ctx context.Context, clientIP string) error
}

type StateMinter interface {
	Mint(ctx context.Context, p statetoken.Payload) (string, error)
}

type PKCESaver interface {
	Save(ctx context.Context, token string, m PKCEMaterial, ttl time.Duration) error
}

type AuthURLBuilder interface {
	AuthCodeURL(a idp.Authority, state, challenge string) (string, error)
}

// InitiateDeps captures initiate flow dependencies.
type InitiateDeps struct {
	ClientIPFromContext func(context.Context) string
	NewNonce            func() (string, error)
	NewPKCE             func() (verifier, challenge string)
	SanitizeReferer     func(string) string
	TTL                 time.Duration
	RateLimiter         InitiateRateLimiter
	StateTokens         StateMinter
	PKCE                PKCESaver
	Provider            AuthURLBuilder
}

// RunInitiate resolves the selector, mints a state token, stores PKCE
// material under it and builds the authorization redirect.
func RunInitiate(ctx context.Context, selector, referer string, deps InitiateDeps) InitiateResult {
	authority, err := idp.ParseSelector(selector)
	if err != nil {
		return InitiateResult{Failure: InitiateFailureSelector, Err: err}
	}

	if deps.RateLimiter != nil {
		if err := deps.RateLimiter.CheckInitiate(ctx, deps.ClientIPFromContext(ctx)); err != nil {
			return InitiateResult{Failure: InitiateFailureRateLimited, Err: err, Authority: authority}
		}
	}

	if deps.SanitizeReferer != nil {
		referer = deps.SanitizeReferer(referer)
	}

	nonce, err := deps.NewNonce()
	if err != nil {
		return InitiateResult{Failure: InitiateFailureNonce, Err: err, Authority: authority}
	}
	verifier, challenge := deps.NewPKCE()

	token, err := deps.StateTokens.Mint(ctx, statetoken.Payload{
		State:     nonce,
		Authority: authority,
		Referer:   referer,
	})
	if err != nil {
		return InitiateResult{Failure: InitiateFailureMint, Err: err, Authority: authority}
	}

	if err := deps.PKCE.Save(ctx, token, PKCEMaterial{
		Verifier:        verifier,
		Challenge:       challenge,
		ChallengeMethod: "S256",
	}, deps.TTL); err != nil {
		return InitiateResult{Failure: InitiateFailureStorePKCE, Err: err, Authority: authority}
	}

	redirect, err := deps.Provider.AuthCodeURL(authority, token, challenge)
	if err != nil {
		return InitiateResult{Failure: InitiateFailureAuthURL, Err: err, Authority: authority}
	}

	return InitiateResult{
		Authority:   authority,
		Referer:     referer,
		Token:       token,
		RedirectURL: redirect,
	}
}
