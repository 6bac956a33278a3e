package dashauth

import "github.com/groovybytes/dashauth/internal/security"

// SecurityReport is a read-only summary of the engine's effective security
// settings, suitable for startup logs and health endpoints.
type SecurityReport = security.Report

// SecurityReport summarizes the configuration the engine was built with.
func (e *Engine) SecurityReport() SecurityReport {
	if e == nil {
		return SecurityReport{}
	}
	return securityReport(e.config)
}

func securityReport(cfg Config) SecurityReport {
	return security.BuildReport(security.ReportInput{
		ProductionMode:        cfg.Security.ProductionMode,
		StateTokenTTL:         cfg.StateToken.TTL,
		SessionMaxAge:         cfg.Session.MaxAge,
		SessionInsecure:       cfg.Session.Insecure,
		SessionRegistry:       cfg.Session.Registry,
		IDTokenIssuer:         cfg.Provider.IDTokenIssuer,
		EnableIPThrottle:      cfg.Security.EnableIPThrottle,
		MaxInitiateAttempts:   cfg.Security.MaxInitiateAttempts,
		InitiateWindow:        cfg.Security.InitiateWindow,
		MaxCallbackFailures:   cfg.Security.MaxCallbackFailures,
		CallbackFailureWindow: cfg.Security.CallbackFailureWindow,
		AuditEnabled:          cfg.Audit.Enabled,
		AuditQueue:            cfg.Audit.Queue,
		MetricsEnabled:        cfg.Metrics.Enabled,
		StoreHost:             cfg.Store.Host,
		StoreTLS:              cfg.Store.TLS,
		ManagedIdentity:       cfg.Store.ManagedIdentity,
	})
}
