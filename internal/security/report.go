package security

import "time"

type Report struct {
	ProductionMode       bool
	StateTokenTTL        time.Duration
	SessionMaxAge        time.Duration
	SecureCookies        bool
	SessionRegistry      bool
	IDTokenVerified      bool
	PKCEMethod           string
	RateLimitingActive   bool
	InitiateLimit        int
	CallbackFailureLimit int
	AuditEnabled         bool
	AuditQueued          bool
	MetricsEnabled       bool
	StoreTLS             bool
	ManagedIdentity      bool
}

type ReportInput struct {
	ProductionMode        bool
	StateTokenTTL         time.Duration
	SessionMaxAge         time.Duration
	SessionInsecure       bool
	SessionRegistry       bool
	IDTokenIssuer         string
	EnableIPThrottle      bool
	MaxInitiateAttempts   int
	InitiateWindow        time.Duration
	MaxCallbackFailures   int
	CallbackFailureWindow time.Duration
	AuditEnabled          bool
	AuditQueue            bool
	MetricsEnabled        bool
	StoreHost             string
	StoreTLS              bool
	ManagedIdentity       bool
}

// BuildReport summarizes the effective security posture. Limits are zero
// when throttling is off or their window is unset.
func BuildReport(input ReportInput) Report {
	r := Report{
		ProductionMode:  input.ProductionMode,
		StateTokenTTL:   input.StateTokenTTL,
		SessionMaxAge:   input.SessionMaxAge,
		SecureCookies:   !input.SessionInsecure,
		SessionRegistry: input.SessionRegistry,
		IDTokenVerified: input.IDTokenIssuer != "",
		PKCEMethod:      "S256",
		AuditEnabled:    input.AuditEnabled,
		AuditQueued:     input.AuditEnabled && input.AuditQueue,
		MetricsEnabled:  input.MetricsEnabled,
		ManagedIdentity: input.StoreHost != "" && input.ManagedIdentity,
	}
	r.StoreTLS = input.StoreHost != "" && (input.StoreTLS || r.ManagedIdentity)

	if input.EnableIPThrottle {
		if input.MaxInitiateAttempts > 0 && input.InitiateWindow > 0 {
			r.InitiateLimit = input.MaxInitiateAttempts
		}
		if input.MaxCallbackFailures > 0 && input.CallbackFailureWindow > 0 {
			r.CallbackFailureLimit = input.MaxCallbackFailures
		}
		r.RateLimitingActive = r.InitiateLimit > 0 || r.CallbackFailureLimit > 0
	}
	return r
}
