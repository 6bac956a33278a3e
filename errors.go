package dashauth

import "errors"

var (
	// ErrUnknownAuthoritySelector is returned when an authorization path names no known authority.
	ErrUnknownAuthoritySelector = errors.New("unknown authority selector")
	// ErrMissingParameter is returned when a callback lacks state, or lacks code without a provider error.
	ErrMissingParameter = errors.New("missing callback parameter")
	// ErrStateInvalid is returned for any state token that fails verification or was already used.
	ErrStateInvalid = errors.New("state token invalid")
	// ErrVerifierMissing is returned when no PKCE material is stored for the state token.
	ErrVerifierMissing = errors.New("pkce verifier missing")
	// ErrTokenExchangeFailed is returned when the provider rejects the authorization code.
	ErrTokenExchangeFailed = errors.New("token exchange failed")
	// ErrUnrecognizedAuthority is returned when a verified state token carries an unknown authority.
	ErrUnrecognizedAuthority = errors.New("unrecognized authority")
	// ErrAuthorizationDenied is returned when the provider reports an error other than a cancellation.
	ErrAuthorizationDenied = errors.New("authorization denied")
	// ErrRateLimited is returned when a client exceeds its request budget.
	ErrRateLimited = errors.New("rate limited")
	// ErrSessionInvalid is returned when a session cookie is absent, tampered, expired or revoked.
	ErrSessionInvalid = errors.New("session invalid")
	// ErrSessionCreationFailed is returned when a completed sign-in cannot be sealed or registered.
	ErrSessionCreationFailed = errors.New("session creation failed")
	// ErrStoreUnavailable is returned when the key-value store cannot serve a flow.
	ErrStoreUnavailable = errors.New("store unavailable")
	// ErrEngineNotReady is returned by methods called on a nil or unbuilt Engine.
	ErrEngineNotReady = errors.New("engine not ready")
)
