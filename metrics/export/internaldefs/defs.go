package internaldefs

import (
	"github.com/groovybytes/dashauth"
)

// CounterDef names one engine counter for exporters.
type CounterDef struct {
	ID   dashauth.MetricID
	Name string
	Help string
}

// HistogramDef names one engine latency histogram for exporters.
type HistogramDef struct {
	ID   dashauth.MetricID
	Name string
	Help string
}

// AuditDroppedName is the counter name for audit events lost to backpressure.
const AuditDroppedName = "dashauth_audit_dropped_total"

// AuditDroppedHelp describes [AuditDroppedName].
const AuditDroppedHelp = "Dropped audit events due to dispatcher backpressure."

var CounterDefs = []CounterDef{
	{ID: dashauth.MetricInitiateSuccess, Name: "dashauth_initiate_success_total", Help: "Authorization journeys started."},
	{ID: dashauth.MetricInitiateFailure, Name: "dashauth_initiate_failure_total", Help: "Authorization journeys that failed to start."},
	{ID: dashauth.MetricInitiateRateLimited, Name: "dashauth_initiate_rate_limited_total", Help: "Initiate requests rejected by the per-IP limit."},
	{ID: dashauth.MetricCompleteSuccess, Name: "dashauth_complete_success_total", Help: "Callbacks that produced a session."},
	{ID: dashauth.MetricCompleteFailure, Name: "dashauth_complete_failure_total", Help: "Callbacks that failed."},
	{ID: dashauth.MetricCompleteCancelled, Name: "dashauth_complete_cancelled_total", Help: "Password reset journeys cancelled by the user."},
	{ID: dashauth.MetricStateSecretMissing, Name: "dashauth_state_secret_missing_total", Help: "State tokens whose secret was absent or already used."},
	{ID: dashauth.MetricStateSignatureInvalid, Name: "dashauth_state_signature_invalid_total", Help: "State tokens that failed signature verification."},
	{ID: dashauth.MetricStateExpired, Name: "dashauth_state_expired_total", Help: "State tokens presented after expiry."},
	{ID: dashauth.MetricStateUnrecognizedAuthority, Name: "dashauth_state_unrecognized_authority_total", Help: "Verified state tokens naming an unknown authority."},
	{ID: dashauth.MetricVerifierMissing, Name: "dashauth_verifier_missing_total", Help: "Callbacks without stored PKCE material."},
	{ID: dashauth.MetricAuthorizationDenied, Name: "dashauth_authorization_denied_total", Help: "Callbacks carrying a provider error."},
	{ID: dashauth.MetricTokenExchangeFailure, Name: "dashauth_token_exchange_failure_total", Help: "Authorization code redemptions rejected by the provider."},
	{ID: dashauth.MetricCallbackRateLimited, Name: "dashauth_callback_rate_limited_total", Help: "Callbacks rejected by the per-IP failure limit."},
	{ID: dashauth.MetricRateLimitHit, Name: "dashauth_rate_limit_hit_total", Help: "Rate-limit checks that denied requests."},
	{ID: dashauth.MetricSessionCreated, Name: "dashauth_session_created_total", Help: "Sealed sessions issued."},
	{ID: dashauth.MetricSessionInvalid, Name: "dashauth_session_invalid_total", Help: "Session cookies that were missing, tampered or expired."},
	{ID: dashauth.MetricSessionRevoked, Name: "dashauth_session_revoked_total", Help: "Session cookies presented after revocation."},
	{ID: dashauth.MetricLogout, Name: "dashauth_logout_total", Help: "Single-session logout operations."},
	{ID: dashauth.MetricLogoutAll, Name: "dashauth_logout_all_total", Help: "Logout-all operations."},
}

var HistogramDefs = []HistogramDef{
	{ID: dashauth.MetricExchangeLatency, Name: "dashauth_exchange_latency_seconds", Help: "Provider token exchange latency."},
	{ID: dashauth.MetricCompleteLatency, Name: "dashauth_complete_latency_seconds", Help: "Callback handling latency."},
}

// HistogramUpperBounds are the finite bucket bounds in seconds. The engine
// records one more overflow bucket.
var HistogramUpperBounds = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5}

// HistogramBoundSuffix names every bucket, overflow included, for exporters
// that flatten histograms into gauges.
var HistogramBoundSuffix = []string{
	"0_005",
	"0_01",
	"0_025",
	"0_05",
	"0_1",
	"0_25",
	"0_5",
	"inf",
}

// NormalizeBuckets copies raw into a fixed-size array, padding with zeros.
func NormalizeBuckets(raw []uint64) [8]uint64 {
	var out [8]uint64
	for i := 0; i < len(out) && i < len(raw); i++ {
		out[i] = raw[i]
	}
	return out
}

// CumulativeBuckets converts per-bucket counts into running totals.
func CumulativeBuckets(raw [8]uint64) [8]uint64 {
	var out [8]uint64
	var running uint64
	for i := 0; i < len(raw); i++ {
		running += raw[i]
		out[i] = running
	}
	return out
}
