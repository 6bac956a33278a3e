package dashauth

import (
	"errors"
	"net"
	"net/url"
	"strings"
	"time"
)

// LintSeverity ranks configuration warnings.
type LintSeverity int

const (
	// LintInfo notes a choice worth knowing about.
	LintInfo LintSeverity = iota
	// LintWarn flags a weaker-than-recommended setting.
	LintWarn
	// LintHigh flags a setting that undermines the flow's guarantees.
	LintHigh
)

func (s LintSeverity) String() string {
	switch s {
	case LintInfo:
		return "INFO"
	case LintWarn:
		return "WARN"
	case LintHigh:
		return "HIGH"
	default:
		return "UNKNOWN"
	}
}

// LintWarning is one finding of [Config.Lint].
type LintWarning struct {
	Code     string
	Severity LintSeverity
	Message  string
}

// LintResult is the ordered list of findings.
type LintResult []LintWarning

// Codes returns the warning codes in order.
func (r LintResult) Codes() []string {
	out := make([]string, 0, len(r))
	for _, w := range r {
		out = append(out, w.Code)
	}
	return out
}

// BySeverity returns the warnings at or above min.
func (r LintResult) BySeverity(min LintSeverity) LintResult {
	var out LintResult
	for _, w := range r {
		if w.Severity >= min {
			out = append(out, w)
		}
	}
	return out
}

// AsError joins every warning at or above min into one error, or returns nil.
func (r LintResult) AsError(min LintSeverity) error {
	var errs []error
	for _, w := range r.BySeverity(min) {
		errs = append(errs, errors.New(w.Severity.String()+" "+w.Code+": "+w.Message))
	}
	return errors.Join(errs...)
}

// Lint reports settings that are valid but weaken the deployment. Unlike
// [Config.Validate] it never fails; callers decide which severities to
// enforce with [LintResult.AsError].
func (c *Config) Lint() LintResult {
	var ws LintResult
	add := func(code string, sev LintSeverity, msg string) {
		ws = append(ws, LintWarning{Code: code, Severity: sev, Message: msg})
	}

	if !c.Security.ProductionMode {
		add("production_mode_disabled", LintInfo, "ProductionMode is off")
	}
	if !c.Security.EnableIPThrottle {
		add("ip_throttle_disabled", LintWarn, "authorization redirects are not rate limited per client")
	}
	if !c.Audit.Enabled {
		add("audit_disabled", LintWarn, "authorization outcomes are not audited")
	} else if c.Audit.DropIfFull {
		add("audit_drop_if_full", LintInfo, "audit events are dropped under backpressure")
	}
	if !c.Session.Registry {
		add("session_registry_disabled", LintWarn, "logout clears the cookie but cannot revoke copies of it")
	}
	if c.Session.Insecure {
		add("insecure_cookie", LintHigh, "session cookie is sent over plain HTTP")
	}
	if c.Session.MaxAge > 7*24*time.Hour {
		add("session_max_age_long", LintWarn, "session cookie outlives a week")
	}
	if c.Provider.IDTokenIssuer == "" {
		add("id_token_unverified", LintWarn, "ID token claims are read without signature verification")
	}
	if c.StateToken.TTL > 2*time.Hour {
		add("state_ttl_long", LintWarn, "state tokens stay redeemable for more than two hours")
	}
	if c.Provider.BaseURL == "" {
		add("base_url_unset", LintInfo, "absolute referers are always replaced with /")
	}
	if c.Store.Host == "" {
		add("store_memory", LintWarn, "in-memory store is not shared between replicas")
	}
	if c.Provider.ExchangeTimeout > 30*time.Second {
		add("exchange_timeout_long", LintInfo, "token exchange may hold a request for over 30s")
	}
	if u, err := url.Parse(c.Provider.RedirectURI); err == nil && u.Scheme != "https" && !isLoopback(u.Hostname()) {
		add("redirect_not_https", LintHigh, "authorization codes are delivered over plain HTTP")
	}

	return ws
}

func isLoopback(host string) bool {
	if strings.EqualFold(host, "localhost") {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}
