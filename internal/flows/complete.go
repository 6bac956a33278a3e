package flows

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/groovybytes/dashauth/idp"
	"github.com/groovybytes/dashauth/session"
	"github.com/groovybytes/dashauth/statetoken"
)

// CompleteFailureKind classifies callback flow failures for root-level mapping.
type CompleteFailureKind int

const (
	CompleteFailureNone CompleteFailureKind = iota
	CompleteFailureMissingParameter
	CompleteFailureState
	CompleteFailureDenied
	CompleteFailureVerifierMissing
	CompleteFailurePKCEStore
	CompleteFailureExchange
	CompleteFailureUnrecognizedAuthority
	CompleteFailureSeal
	CompleteFailureRegister
)

// CallbackParams are the query parameters of the redirect URI.
type CallbackParams struct {
	Code             string
	State            string
	ClientInfo       string
	Error            string
	ErrorDescription string
}

// CompleteResult carries the signed-in session or failure metadata.
// Cancelled results are not failures: RedirectURL points back to the
// referer with an informational message.
type CompleteResult struct {
	Failure     CompleteFailureKind
	Err         error
	Authority   idp.Authority
	Referer     string
	RedirectURL string
	Cancelled   bool
	Session     *session.Session
	Cookie      *http.Cookie
}

type StateConsumer interface {
	Consume(ctx context.Context, token string) (statetoken.Payload, error)
}

type PKCEConsumer interface {
	Consume(ctx context.Context, token string) (PKCEMaterial, error)
	Discard(ctx context.Context, token string) error
}

type TokenExchanger interface {
	Exchange(ctx context.Context, a idp.Authority, code, verifier, clientInfo string) (*idp.Tokens, error)
}

type SessionSealer interface {
	New(account idp.Account, idToken string) *session.Session
	Seal(sess *session.Session) (string, error)
	Cookie(value string) *http.Cookie
}

type SessionRegistry interface {
	Save(ctx context.Context, sess *session.Session) error
}

// CompleteDeps captures callback flow dependencies.
type CompleteDeps struct {
	ExchangeTimeout time.Duration
	// CancellationCode marks a user cancelling password reset when it
	// appears in error_description.
	CancellationCode    string
	CancellationMessage string
	Warn                func(string, ...any)
	StateTokens         StateConsumer
	PKCE                PKCEConsumer
	Provider            TokenExchanger
	Sealer              SessionSealer
	Registry            SessionRegistry
}

// RunComplete validates the callback, redeems the code and seals the
// resulting session.
func RunComplete(ctx context.Context, p CallbackParams, deps CompleteDeps) CompleteResult {
	if p.State == "" || (p.Code == "" && p.Error == "") {
		return CompleteResult{Failure: CompleteFailureMissingParameter}
	}

	payload, err := deps.StateTokens.Consume(ctx, p.State)
	if err != nil {
		if errors.Is(err, statetoken.ErrUnrecognizedAuthority) {
			return CompleteResult{Failure: CompleteFailureUnrecognizedAuthority, Err: err}
		}
		return CompleteResult{Failure: CompleteFailureState, Err: err}
	}

	referer := payload.Referer
	if referer == "" {
		referer = "/"
	}
	res := CompleteResult{Authority: payload.Authority, Referer: referer}

	if p.Error != "" {
		if err := deps.PKCE.Discard(ctx, p.State); err != nil && deps.Warn != nil {
			deps.Warn("dashauth: discarding pkce material failed", "error", err)
		}
		if payload.Authority == idp.PasswordReset && deps.CancellationCode != "" &&
			strings.Contains(p.ErrorDescription, deps.CancellationCode) {
			res.Cancelled = true
			res.RedirectURL = withMessage(referer, deps.CancellationMessage)
			return res
		}
		res.Failure = CompleteFailureDenied
		res.Err = errors.New(p.Error)
		return res
	}

	switch payload.Authority {
	case idp.SignIn, idp.PasswordReset, idp.ProfileEdit:
	default:
		res.Failure = CompleteFailureUnrecognizedAuthority
		return res
	}

	material, err := deps.PKCE.Consume(ctx, p.State)
	if err != nil {
		if errors.Is(err, ErrPKCENotFound) {
			res.Failure = CompleteFailureVerifierMissing
		} else {
			res.Failure = CompleteFailurePKCEStore
		}
		res.Err = err
		return res
	}

	exchangeCtx := ctx
	if deps.ExchangeTimeout > 0 {
		var cancel context.CancelFunc
		exchangeCtx, cancel = context.WithTimeout(ctx, deps.ExchangeTimeout)
		defer cancel()
	}
	tokens, err := deps.Provider.Exchange(exchangeCtx, payload.Authority, p.Code, material.Verifier, p.ClientInfo)
	if err != nil {
		res.Failure = CompleteFailureExchange
		res.Err = err
		return res
	}

	sess := deps.Sealer.New(tokens.Account, tokens.IDToken)
	sealed, err := deps.Sealer.Seal(sess)
	if err != nil {
		res.Failure = CompleteFailureSeal
		res.Err = err
		return res
	}
	if deps.Registry != nil {
		if err := deps.Registry.Save(ctx, sess); err != nil {
			res.Failure = CompleteFailureRegister
			res.Err = err
			return res
		}
	}

	res.Session = sess
	res.Cookie = deps.Sealer.Cookie(sealed)
	res.RedirectURL = referer
	return res
}

func withMessage(referer, message string) string {
	u, err := url.Parse(referer)
	if err != nil {
		u = &url.URL{Path: "/"}
	}
	q := u.Query()
	q.Set("message", message)
	u.RawQuery = q.Encode()
	return u.String()
}
