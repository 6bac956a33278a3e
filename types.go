package dashauth

import (
	"net/http"

	"github.com/groovybytes/dashauth/idp"
	"github.com/groovybytes/dashauth/internal/flows"
	internalmetrics "github.com/groovybytes/dashauth/internal/metrics"
	"github.com/groovybytes/dashauth/session"
)

// Authority is an identity provider user flow.
type Authority = idp.Authority

const (
	// AuthoritySignIn is the sign-up / sign-in journey.
	AuthoritySignIn = idp.SignIn
	// AuthorityPasswordReset is the self-service password reset journey.
	AuthorityPasswordReset = idp.PasswordReset
	// AuthorityProfileEdit is the profile editing journey.
	AuthorityProfileEdit = idp.ProfileEdit
)

// Account is the signed-in user as reported by the provider.
type Account = idp.Account

// Session is the payload sealed into the session cookie.
type Session = session.Session

// CallbackParams are the redirect URI query parameters.
type CallbackParams = flows.CallbackParams

// CallbackParamsFromRequest reads the callback query parameters of r.
func CallbackParamsFromRequest(r *http.Request) CallbackParams {
	q := r.URL.Query()
	return CallbackParams{
		Code:             q.Get("code"),
		State:            q.Get("state"),
		ClientInfo:       q.Get("client_info"),
		Error:            q.Get("error"),
		ErrorDescription: q.Get("error_description"),
	}
}

// InitiateResult is returned by [Engine.Initiate].
type InitiateResult struct {
	Authority Authority
	// RedirectURL is the provider authorization URL.
	RedirectURL string
	// State is the minted state token, also the PKCE material key.
	State   string
	Referer string
}

// CompleteResult is returned by [Engine.Complete]. Cookie is nil for a
// cancelled journey.
type CompleteResult struct {
	Authority   Authority
	RedirectURL string
	Cancelled   bool
	Cookie      *http.Cookie
	Session     *Session
}

// LogoutResult is returned by [Engine.Logout].
type LogoutResult struct {
	// Cookie expires the session cookie.
	Cookie *http.Cookie
	// RedirectURL is the provider sign-out URL.
	RedirectURL string
}

// MetricID indexes an engine counter.
type MetricID = internalmetrics.MetricID

const (
	MetricInitiateSuccess            = internalmetrics.MetricInitiateSuccess
	MetricInitiateFailure            = internalmetrics.MetricInitiateFailure
	MetricInitiateRateLimited        = internalmetrics.MetricInitiateRateLimited
	MetricCompleteSuccess            = internalmetrics.MetricCompleteSuccess
	MetricCompleteFailure            = internalmetrics.MetricCompleteFailure
	MetricCompleteCancelled          = internalmetrics.MetricCompleteCancelled
	MetricStateSecretMissing         = internalmetrics.MetricStateSecretMissing
	MetricStateSignatureInvalid      = internalmetrics.MetricStateSignatureInvalid
	MetricStateExpired               = internalmetrics.MetricStateExpired
	MetricStateUnrecognizedAuthority = internalmetrics.MetricStateUnrecognizedAuthority
	MetricVerifierMissing            = internalmetrics.MetricVerifierMissing
	MetricAuthorizationDenied        = internalmetrics.MetricAuthorizationDenied
	MetricTokenExchangeFailure       = internalmetrics.MetricTokenExchangeFailure
	MetricCallbackRateLimited        = internalmetrics.MetricCallbackRateLimited
	MetricRateLimitHit               = internalmetrics.MetricRateLimitHit
	MetricSessionCreated             = internalmetrics.MetricSessionCreated
	MetricSessionInvalid             = internalmetrics.MetricSessionInvalid
	MetricSessionRevoked             = internalmetrics.MetricSessionRevoked
	MetricLogout                     = internalmetrics.MetricLogout
	MetricLogoutAll                  = internalmetrics.MetricLogoutAll
	MetricExchangeLatency            = internalmetrics.MetricExchangeLatency
	MetricCompleteLatency            = internalmetrics.MetricCompleteLatency
)

// Metrics holds atomic counters and optional latency histograms.
type Metrics = internalmetrics.Metrics

// MetricsSnapshot is a point-in-time deep copy of all metrics.
type MetricsSnapshot = internalmetrics.Snapshot

// NewMetrics creates a new [Metrics] instance configured by the given
// [MetricsConfig]. When Enabled is false, all operations are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return internalmetrics.New(internalmetrics.Config{
		Enabled:       cfg.Enabled,
		EnableLatency: cfg.EnableLatencyHistograms,
	})
}
