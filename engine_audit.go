package dashauth

import (
	"context"
	"errors"
)

const (
	auditEventInitiate           = "auth_initiate"
	auditEventComplete           = "auth_complete"
	auditEventStateRejected      = "auth_state_rejected"
	auditEventCancelled          = "auth_cancelled"
	auditEventDenied             = "auth_denied"
	auditEventLogout             = "logout"
	auditEventLogoutAll          = "logout_all"
	auditEventRateLimitTriggered = "rate_limit_triggered"
)

// AuditErrorCode is the stable error label carried by audit events.
type AuditErrorCode string

const (
	auditErrMissingParameter      AuditErrorCode = "missing_parameter"
	auditErrStateInvalid          AuditErrorCode = "state_invalid"
	auditErrUnrecognizedAuthority AuditErrorCode = "unrecognized_authority"
	auditErrAuthorizationDenied   AuditErrorCode = "authorization_denied"
	auditErrVerifierMissing       AuditErrorCode = "verifier_missing"
	auditErrTokenExchange         AuditErrorCode = "token_exchange_failed"
	auditErrRateLimited           AuditErrorCode = "rate_limited"
	auditErrSessionInvalid        AuditErrorCode = "session_invalid"
	auditErrSessionCreationFailed AuditErrorCode = "session_creation_failed"
	auditErrUnavailable           AuditErrorCode = "backend_unavailable"
	auditErrInternal              AuditErrorCode = "internal_error"
)

func (e *Engine) emitAudit(
	ctx context.Context,
	eventType string,
	success bool,
	userID string,
	tenantID string,
	sessionID string,
	err error,
	metadataBuilder func() map[string]string,
) {
	if e == nil || e.audit == nil {
		return
	}

	var metadata map[string]string
	if metadataBuilder != nil {
		metadata = metadataBuilder()
	}
	if id := requestIDFromContext(ctx); id != "" {
		if metadata == nil {
			metadata = make(map[string]string, 1)
		}
		metadata["request_id"] = id
	}

	event := AuditEvent{
		Timestamp: e.now().UTC(),
		EventType: eventType,
		UserID:    userID,
		TenantID:  tenantID,
		SessionID: sessionID,
		IP:        clientIPFromContext(ctx),
		Success:   success,
		Metadata:  metadata,
	}
	if code := auditErrorCode(err); code != "" {
		event.Error = string(code)
	}

	e.audit.Emit(ctx, event)
}

func (e *Engine) emitRateLimit(ctx context.Context, scope string) {
	e.metricInc(MetricRateLimitHit)
	e.emitAudit(ctx, auditEventRateLimitTriggered, false, "", "", "", ErrRateLimited, func() map[string]string {
		return map[string]string{"scope": scope}
	})
}

func auditErrorCode(err error) AuditErrorCode {
	if err == nil {
		return ""
	}

	switch {
	case errors.Is(err, ErrMissingParameter):
		return auditErrMissingParameter
	case errors.Is(err, ErrStateInvalid):
		return auditErrStateInvalid
	case errors.Is(err, ErrUnrecognizedAuthority):
		return auditErrUnrecognizedAuthority
	case errors.Is(err, ErrAuthorizationDenied):
		return auditErrAuthorizationDenied
	case errors.Is(err, ErrVerifierMissing):
		return auditErrVerifierMissing
	case errors.Is(err, ErrTokenExchangeFailed):
		return auditErrTokenExchange
	case errors.Is(err, ErrRateLimited):
		return auditErrRateLimited
	case errors.Is(err, ErrSessionInvalid):
		return auditErrSessionInvalid
	case errors.Is(err, ErrSessionCreationFailed):
		return auditErrSessionCreationFailed
	case errors.Is(err, ErrStoreUnavailable):
		return auditErrUnavailable
	default:
		return auditErrInternal
	}
}
