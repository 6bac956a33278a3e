package dashauth

import (
	"context"
	"time"

	"github.com/groovybytes/dashauth/idp"
	"github.com/groovybytes/dashauth/internal"
	"github.com/groovybytes/dashauth/internal/flows"
	"github.com/groovybytes/dashauth/session"
	"github.com/groovybytes/dashauth/statetoken"
)

// flowDeps wires engine collaborators into the flow dependency sets. Store
// backed collaborators are wrapped so each call gets Store.Timeout.
func (e *Engine) flowDeps(newPKCE func() (string, string)) flows.Deps {
	timeout := e.config.Store.Timeout
	states := timedStates{codec: e.codec, timeout: timeout}
	pkce := timedPKCE{store: e.pkce, timeout: timeout}
	provider := observedProvider{Provider: e.provider, metrics: e.metrics}

	var registry *timedRegistry
	if e.registry != nil {
		registry = &timedRegistry{store: e.registry, timeout: timeout}
	}

	deps := flows.Deps{
		Initiate: flows.InitiateDeps{
			ClientIPFromContext: clientIPFromContext,
			NewNonce:            statetoken.NewNonce,
			NewPKCE:             newPKCE,
			SanitizeReferer: func(ref string) string {
				return internal.SanitizeReferer(e.baseURL, ref)
			},
			TTL:         e.codec.TTL(),
			StateTokens: states,
			PKCE:        pkce,
			Provider:    e.provider,
		},
		Complete: flows.CompleteDeps{
			ExchangeTimeout:     e.config.Provider.ExchangeTimeout,
			CancellationCode:    e.config.Provider.CancellationCode,
			CancellationMessage: e.config.Provider.CancellationMessage,
			Warn: func(msg string, kvs ...any) {
				e.log.Sugar().Warnw(msg, kvs...)
			},
			StateTokens: states,
			PKCE:        pkce,
			Provider:    provider,
			Sealer:      e.sealer,
		},
		Logout: flows.LogoutDeps{
			Sealer:   e.sealer,
			Provider: e.provider,
		},
		Session: flows.SessionDeps{
			Sealer: e.sealer,
		},
	}
	if e.rateLimiter != nil {
		deps.Initiate.RateLimiter = timedLimiter{limiter: e.rateLimiter, timeout: timeout}
	}
	if registry != nil {
		deps.Complete.Registry = registry
		deps.Logout.SessionStore = registry
		deps.Session.Registry = registry
	}
	return deps
}

func bounded(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d)
}

type timedStates struct {
	codec   *statetoken.Codec
	timeout time.Duration
}

func (t timedStates) Mint(ctx context.Context, p statetoken.Payload) (string, error) {
	ctx, cancel := bounded(ctx, t.timeout)
	defer cancel()
	return t.codec.Mint(ctx, p)
}

func (t timedStates) Consume(ctx context.Context, token string) (statetoken.Payload, error) {
	ctx, cancel := bounded(ctx, t.timeout)
	defer cancel()
	return t.codec.Consume(ctx, token)
}

type timedPKCE struct {
	store   *flows.PKCEStore
	timeout time.Duration
}

func (t timedPKCE) Save(ctx context.Context, token string, m flows.PKCEMaterial, ttl time.Duration) error {
	ctx, cancel := bounded(ctx, t.timeout)
	defer cancel()
	return t.store.Save(ctx, token, m, ttl)
}

func (t timedPKCE) Consume(ctx context.Context, token string) (flows.PKCEMaterial, error) {
	ctx, cancel := bounded(ctx, t.timeout)
	defer cancel()
	return t.store.Consume(ctx, token)
}

func (t timedPKCE) Discard(ctx context.Context, token string) error {
	ctx, cancel := bounded(ctx, t.timeout)
	defer cancel()
	return t.store.Discard(ctx, token)
}

type timedRegistry struct {
	store   *session.Store
	timeout time.Duration
}

func (t *timedRegistry) Save(ctx context.Context, sess *session.Session) error {
	ctx, cancel := bounded(ctx, t.timeout)
	defer cancel()
	return t.store.Save(ctx, sess)
}

func (t *timedRegistry) Check(ctx context.Context, sess *session.Session) error {
	ctx, cancel := bounded(ctx, t.timeout)
	defer cancel()
	return t.store.Check(ctx, sess)
}

func (t *timedRegistry) Delete(ctx context.Context, id string) error {
	ctx, cancel := bounded(ctx, t.timeout)
	defer cancel()
	return t.store.Delete(ctx, id)
}

func (t *timedRegistry) DeleteAllForAccount(ctx context.Context, homeAccountID string) (int, error) {
	ctx, cancel := bounded(ctx, t.timeout)
	defer cancel()
	return t.store.DeleteAllForAccount(ctx, homeAccountID)
}

type rateLimiter interface {
	CheckInitiate(ctx context.Context, ip string) error
}

type timedLimiter struct {
	limiter rateLimiter
	timeout time.Duration
}

func (t timedLimiter) CheckInitiate(ctx context.Context, ip string) error {
	ctx, cancel := bounded(ctx, t.timeout)
	defer cancel()
	return t.limiter.CheckInitiate(ctx, ip)
}

// observedProvider records exchange latency.
type observedProvider struct {
	idp.Provider
	metrics *Metrics
}

func (p observedProvider) Exchange(ctx context.Context, a idp.Authority, code, verifier, clientInfo string) (*idp.Tokens, error) {
	start := time.Now()
	tokens, err := p.Provider.Exchange(ctx, a, code, verifier, clientInfo)
	p.metrics.Observe(MetricExchangeLatency, time.Since(start))
	return tokens, err
}
