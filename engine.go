package dashauth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/groovybytes/dashauth/idp"
	internalaudit "github.com/groovybytes/dashauth/internal/audit"
	"github.com/groovybytes/dashauth/internal/flows"
	"github.com/groovybytes/dashauth/internal/rate"
	"github.com/groovybytes/dashauth/kv"
	"github.com/groovybytes/dashauth/session"
	"github.com/groovybytes/dashauth/statetoken"
)

// Engine runs the authorization code flow. Build it with [Builder]; its
// methods are safe for concurrent use.
type Engine struct {
	config    Config
	log       *zap.Logger
	now       func() time.Time
	store     kv.Store
	ownsStore bool

	provider    idp.Provider
	codec       *statetoken.Codec
	pkce        *flows.PKCEStore
	sealer      *session.Sealer
	registry    *session.Store
	rateLimiter *rate.Limiter
	baseURL     *url.URL

	audit   *internalaudit.Dispatcher
	metrics *Metrics
	flow    flows.Service
}

// Close stops the audit dispatcher after draining buffered events and
// closes the store when the engine created it.
func (e *Engine) Close() {
	if e == nil {
		return
	}
	if e.audit != nil {
		e.audit.Close()
	}
	if e.ownsStore && e.store != nil {
		_ = e.store.Close()
	}
}

// AuditDropped returns the number of audit events discarded under backpressure.
func (e *Engine) AuditDropped() uint64 {
	if e == nil || e.audit == nil {
		return 0
	}
	return e.audit.Dropped()
}

// MetricsSnapshot returns a copy of the engine counters and histograms. It is
// safe for concurrent use.
func (e *Engine) MetricsSnapshot() MetricsSnapshot {
	if e == nil || e.metrics == nil {
		return MetricsSnapshot{
			Counters:   map[MetricID]uint64{},
			Histograms: map[MetricID][]uint64{},
		}
	}
	return e.metrics.Snapshot()
}

func (e *Engine) metricInc(id MetricID) {
	if e == nil || e.metrics == nil {
		return
	}
	e.metrics.Inc(id)
}

func (e *Engine) ready() bool {
	return e != nil && e.flow.Initialized()
}

// Initiate resolves selector ("login", "password" or "profile"), mints a
// single-use state token bound to the sanitized referer, stores the PKCE
// verifier under it and returns the provider authorization URL. Unknown
// selectors fail with [ErrUnknownAuthoritySelector] before any store write.
func (e *Engine) Initiate(ctx context.Context, selector, referer string) (InitiateResult, error) {
	if !e.ready() {
		return InitiateResult{}, ErrEngineNotReady
	}

	res := e.flow.Initiate(ctx, selector, referer)
	switch res.Failure {
	case flows.InitiateFailureNone:
		e.metricInc(MetricInitiateSuccess)
		e.emitAudit(ctx, auditEventInitiate, true, "", "", "", nil, func() map[string]string {
			return map[string]string{"authority": res.Authority.String()}
		})
		return InitiateResult{
			Authority:   res.Authority,
			RedirectURL: res.RedirectURL,
			State:       res.Token,
			Referer:     res.Referer,
		}, nil
	case flows.InitiateFailureSelector:
		e.metricInc(MetricInitiateFailure)
		return InitiateResult{}, ErrUnknownAuthoritySelector
	case flows.InitiateFailureRateLimited:
		e.metricInc(MetricInitiateRateLimited)
		if !errors.Is(res.Err, rate.ErrRateLimited) {
			e.log.Warn("initiate rate limit check failed", zap.Error(res.Err))
			return InitiateResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, res.Err)
		}
		e.emitRateLimit(ctx, "initiate")
		return InitiateResult{}, ErrRateLimited
	case flows.InitiateFailureMint, flows.InitiateFailureStorePKCE:
		e.metricInc(MetricInitiateFailure)
		e.log.Error("initiate store write failed", zap.Stringer("authority", res.Authority), zap.Error(res.Err))
		e.emitAudit(ctx, auditEventInitiate, false, "", "", "", ErrStoreUnavailable, nil)
		return InitiateResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, res.Err)
	default:
		e.metricInc(MetricInitiateFailure)
		e.log.Error("initiate failed", zap.Stringer("authority", res.Authority), zap.Error(res.Err))
		return InitiateResult{}, fmt.Errorf("dashauth: initiate: %w", res.Err)
	}
}

// Complete consumes the state token and PKCE verifier named by p.State,
// redeems p.Code and seals the resulting session into a cookie. A password
// reset the user cancelled yields a Cancelled result with no cookie. Every
// state token failure is reported as [ErrStateInvalid]; the specific cause
// is logged, counted and audited only.
func (e *Engine) Complete(ctx context.Context, p CallbackParams) (CompleteResult, error) {
	if !e.ready() {
		return CompleteResult{}, ErrEngineNotReady
	}
	start := time.Now()
	defer func() {
		e.metrics.Observe(MetricCompleteLatency, time.Since(start))
	}()

	ip := clientIPFromContext(ctx)
	if e.rateLimiter != nil {
		lctx, cancel := bounded(ctx, e.config.Store.Timeout)
		err := e.rateLimiter.CheckCallback(lctx, ip)
		cancel()
		if errors.Is(err, rate.ErrRateLimited) {
			e.metricInc(MetricCallbackRateLimited)
			e.emitRateLimit(ctx, "callback")
			return CompleteResult{}, ErrRateLimited
		}
		if err != nil {
			e.log.Warn("callback rate limit check failed", zap.Error(err))
		}
	}

	res := e.flow.Complete(ctx, p)
	if res.Failure != flows.CompleteFailureNone {
		err := e.completeError(ctx, res)
		e.metricInc(MetricCompleteFailure)
		if errors.Is(err, ErrStateInvalid) || errors.Is(err, ErrVerifierMissing) {
			e.recordCallbackFailure(ctx, ip)
		}
		return CompleteResult{}, err
	}

	if res.Cancelled {
		e.metricInc(MetricCompleteCancelled)
		e.emitAudit(ctx, auditEventCancelled, true, "", "", "", nil, func() map[string]string {
			return map[string]string{"authority": res.Authority.String()}
		})
		return CompleteResult{
			Authority:   res.Authority,
			RedirectURL: res.RedirectURL,
			Cancelled:   true,
		}, nil
	}

	e.metricInc(MetricCompleteSuccess)
	e.metricInc(MetricSessionCreated)
	e.emitAudit(ctx, auditEventComplete, true, res.Session.Account.LocalAccountID, res.Session.Account.TenantID, res.Session.ID, nil, func() map[string]string {
		return map[string]string{"authority": res.Authority.String()}
	})
	return CompleteResult{
		Authority:   res.Authority,
		RedirectURL: res.RedirectURL,
		Cookie:      res.Cookie,
		Session:     res.Session,
	}, nil
}

func (e *Engine) completeError(ctx context.Context, res flows.CompleteResult) error {
	authority := func() map[string]string {
		if !res.Authority.Valid() {
			return nil
		}
		return map[string]string{"authority": res.Authority.String()}
	}

	switch res.Failure {
	case flows.CompleteFailureMissingParameter:
		e.log.Info("callback rejected", zap.String("kind", "missing_parameter"))
		e.emitAudit(ctx, auditEventComplete, false, "", "", "", ErrMissingParameter, nil)
		return ErrMissingParameter
	case flows.CompleteFailureState:
		cause := "store_unavailable"
		switch {
		case errors.Is(res.Err, statetoken.ErrSecretNotFound):
			e.metricInc(MetricStateSecretMissing)
			cause = "secret_not_found"
		case errors.Is(res.Err, statetoken.ErrSignatureInvalid):
			e.metricInc(MetricStateSignatureInvalid)
			cause = "signature_invalid"
		case errors.Is(res.Err, statetoken.ErrExpired):
			e.metricInc(MetricStateExpired)
			cause = "expired"
		default:
			e.log.Error("state token store failure", zap.Error(res.Err))
			e.emitAudit(ctx, auditEventStateRejected, false, "", "", "", ErrStoreUnavailable, nil)
			return fmt.Errorf("%w: %v", ErrStoreUnavailable, res.Err)
		}
		e.log.Info("state token rejected", zap.String("cause", cause))
		e.emitAudit(ctx, auditEventStateRejected, false, "", "", "", ErrStateInvalid, func() map[string]string {
			return map[string]string{"cause": cause}
		})
		return ErrStateInvalid
	case flows.CompleteFailureUnrecognizedAuthority:
		e.metricInc(MetricStateUnrecognizedAuthority)
		e.log.Error("callback rejected", zap.String("kind", "unrecognized_authority"))
		e.emitAudit(ctx, auditEventStateRejected, false, "", "", "", ErrUnrecognizedAuthority, nil)
		return ErrUnrecognizedAuthority
	case flows.CompleteFailureDenied:
		e.metricInc(MetricAuthorizationDenied)
		e.log.Info("provider denied authorization", zap.Stringer("authority", res.Authority), zap.Error(res.Err))
		e.emitAudit(ctx, auditEventDenied, false, "", "", "", ErrAuthorizationDenied, func() map[string]string {
			m := map[string]string{"provider_error": res.Err.Error()}
			if res.Authority.Valid() {
				m["authority"] = res.Authority.String()
			}
			return m
		})
		return ErrAuthorizationDenied
	case flows.CompleteFailureVerifierMissing:
		e.metricInc(MetricVerifierMissing)
		e.log.Info("callback rejected", zap.String("kind", "verifier_missing"), zap.Stringer("authority", res.Authority))
		e.emitAudit(ctx, auditEventComplete, false, "", "", "", ErrVerifierMissing, authority)
		return ErrVerifierMissing
	case flows.CompleteFailurePKCEStore:
		e.log.Error("pkce store failure", zap.Error(res.Err))
		e.emitAudit(ctx, auditEventComplete, false, "", "", "", ErrStoreUnavailable, authority)
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, res.Err)
	case flows.CompleteFailureExchange:
		e.metricInc(MetricTokenExchangeFailure)
		e.log.Warn("token exchange failed", zap.Stringer("authority", res.Authority), zap.Error(res.Err))
		e.emitAudit(ctx, auditEventComplete, false, "", "", "", ErrTokenExchangeFailed, authority)
		return ErrTokenExchangeFailed
	case flows.CompleteFailureSeal, flows.CompleteFailureRegister:
		e.log.Error("session creation failed", zap.Error(res.Err))
		e.emitAudit(ctx, auditEventComplete, false, "", "", "", ErrSessionCreationFailed, authority)
		return fmt.Errorf("%w: %v", ErrSessionCreationFailed, res.Err)
	default:
		return fmt.Errorf("dashauth: complete: %v", res.Err)
	}
}

func (e *Engine) recordCallbackFailure(ctx context.Context, ip string) {
	if e.rateLimiter == nil {
		return
	}
	lctx, cancel := bounded(ctx, e.config.Store.Timeout)
	defer cancel()
	if err := e.rateLimiter.IncrementCallbackFailure(lctx, ip); err != nil {
		e.log.Warn("recording callback failure", zap.Error(err))
	}
}

// Logout always returns an expiring session cookie and the provider
// sign-out URL. When the session registry is enabled the session sealed in
// cookieValue is revoked; a registry failure is logged, not returned.
func (e *Engine) Logout(ctx context.Context, cookieValue string) LogoutResult {
	if !e.ready() {
		return LogoutResult{}
	}

	res := e.flow.Logout(ctx, cookieValue)
	if res.Err != nil {
		e.log.Warn("session revoke failed", zap.Error(res.Err))
	}

	e.metricInc(MetricLogout)
	if res.Session != nil {
		e.emitAudit(ctx, auditEventLogout, res.Err == nil, res.Session.Account.LocalAccountID, res.Session.Account.TenantID, res.Session.ID, res.Err, nil)
	}
	return LogoutResult{Cookie: res.Cookie, RedirectURL: res.RedirectURL}
}

// LogoutAll revokes every registered session of the account and returns how
// many were removed. It requires Session.Registry.
func (e *Engine) LogoutAll(ctx context.Context, homeAccountID string) (int, error) {
	if !e.ready() {
		return 0, ErrEngineNotReady
	}
	if e.registry == nil {
		return 0, errors.New("dashauth: session registry disabled")
	}

	n, err := e.flow.LogoutAll(ctx, homeAccountID)
	if err != nil {
		e.log.Error("logout all failed", zap.Error(err))
		return n, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	e.metricInc(MetricLogoutAll)
	e.emitAudit(ctx, auditEventLogoutAll, true, "", "", "", nil, func() map[string]string {
		return map[string]string{"revoked": fmt.Sprint(n)}
	})
	return n, nil
}

// Session opens the session cookie of r. Missing, tampered, expired and
// revoked cookies all yield [ErrSessionInvalid].
func (e *Engine) Session(ctx context.Context, r *http.Request) (*Session, error) {
	c, err := r.Cookie(session.CookieName)
	if err != nil {
		e.metricInc(MetricSessionInvalid)
		return nil, ErrSessionInvalid
	}
	return e.SessionFromCookie(ctx, c.Value)
}

// SessionFromCookie opens a raw session cookie value.
func (e *Engine) SessionFromCookie(ctx context.Context, value string) (*Session, error) {
	if !e.ready() {
		return nil, ErrEngineNotReady
	}

	sess, err := e.flow.Session(ctx, value)
	switch {
	case err == nil:
		return sess, nil
	case errors.Is(err, session.ErrRevoked):
		e.metricInc(MetricSessionRevoked)
		return nil, ErrSessionInvalid
	case errors.Is(err, session.ErrStoreUnavailable):
		e.log.Error("session registry unavailable", zap.Error(err))
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	default:
		e.metricInc(MetricSessionInvalid)
		return nil, ErrSessionInvalid
	}
}

// SessionCookieName is the name of the sealed session cookie.
func (e *Engine) SessionCookieName() string {
	return session.CookieName
}

// Health reports whether the store answers a read within Store.Timeout.
func (e *Engine) Health(ctx context.Context) error {
	if !e.ready() {
		return ErrEngineNotReady
	}
	ctx, cancel := bounded(ctx, e.config.Store.Timeout)
	defer cancel()
	if _, err := e.store.Get(ctx, kv.Key{"health"}); err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}
