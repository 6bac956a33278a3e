package dashauth

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"go.uber.org/zap"

	"github.com/groovybytes/dashauth/idp"
	"github.com/groovybytes/dashauth/internal"
	internalaudit "github.com/groovybytes/dashauth/internal/audit"
	"github.com/groovybytes/dashauth/internal/flows"
	"github.com/groovybytes/dashauth/internal/rate"
	"github.com/groovybytes/dashauth/kv"
	"github.com/groovybytes/dashauth/session"
	"github.com/groovybytes/dashauth/statetoken"
)

// Builder assembles an [Engine]. Configure it during initialization, call
// Build once, and discard it.
type Builder struct {
	config Config

	store      kv.Store
	provider   idp.Provider
	httpClient *http.Client
	auditSink  AuditSink
	logger     *zap.Logger
	now        func() time.Time

	built bool
}

// New returns a Builder seeded with [DefaultConfig].
func New() *Builder {
	return &Builder{
		config: defaultConfig(),
	}
}

// WithConfig replaces the builder configuration. The config is copied;
// later changes to cfg do not reach the builder.
func (b *Builder) WithConfig(cfg Config) *Builder {
	b.config = cloneConfig(cfg)
	return b
}

// WithStore sets the key-value store. The engine does not close a store
// supplied here. Without one, Build creates an in-memory store when
// Store.Host is empty and fails otherwise.
func (b *Builder) WithStore(store kv.Store) *Builder {
	b.store = store
	return b
}

// WithProvider replaces the Azure AD B2C client built from Config.Provider.
func (b *Builder) WithProvider(p idp.Provider) *Builder {
	b.provider = p
	return b
}

// WithHTTPClient sets the client used for provider token and key requests.
func (b *Builder) WithHTTPClient(c *http.Client) *Builder {
	b.httpClient = c
	return b
}

// WithAuditSink sets the audit event destination. Without a sink, audit
// events are written to the engine logger.
func (b *Builder) WithAuditSink(sink AuditSink) *Builder {
	b.auditSink = sink
	return b
}

// WithLogger sets the engine logger. The default discards output.
func (b *Builder) WithLogger(l *zap.Logger) *Builder {
	b.logger = l
	return b
}

// WithClock overrides time.Now for token, session and store expiry.
func (b *Builder) WithClock(now func() time.Time) *Builder {
	b.now = now
	return b
}

// WithMetricsEnabled toggles the in-process counters.
func (b *Builder) WithMetricsEnabled(enabled bool) *Builder {
	b.config.Metrics.Enabled = enabled
	return b
}

// WithLatencyHistograms toggles exchange and callback latency histograms.
func (b *Builder) WithLatencyHistograms(enabled bool) *Builder {
	b.config.Metrics.EnableLatencyHistograms = enabled
	return b
}

// Build validates the configuration and wires the engine.
//
// Build may return an error when validation fails or a collaborator cannot
// be constructed. It performs no network I/O.
func (b *Builder) Build() (*Engine, error) {
	if b.built {
		return nil, errors.New("builder already used")
	}

	cfg := cloneConfig(b.config)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log := b.logger
	if log == nil {
		log = zap.NewNop()
	}
	now := b.now
	if now == nil {
		now = time.Now
	}

	// -------- STORE --------
	store := b.store
	ownsStore := false
	if store == nil {
		if cfg.Store.Host != "" {
			return nil, errors.New("store required when Store.Host is set; open it with kv.Open")
		}
		store = kv.NewMemory(kv.WithClock(now), kv.WithLogger(log))
		ownsStore = true
	}

	var baseURL *url.URL
	if cfg.Provider.BaseURL != "" {
		u, err := url.Parse(cfg.Provider.BaseURL)
		if err != nil {
			return nil, fmt.Errorf("Provider BaseURL: %w", err)
		}
		baseURL = u
	}

	// -------- PROVIDER --------
	provider := b.provider
	if provider == nil {
		pc := cfg.providerConfig()
		pc.HTTPClient = b.httpClient
		pc.Now = now
		p, err := idp.NewB2C(pc, idp.WithLogger(log))
		if err != nil {
			return nil, err
		}
		provider = p
	}

	// -------- STATE TOKENS --------
	codec, err := statetoken.New(store, statetoken.Config{
		TTL:       cfg.StateToken.TTL,
		Namespace: cfg.StateToken.Namespace,
		Now:       now,
		Logger:    log,
	})
	if err != nil {
		return nil, err
	}

	// -------- SESSIONS --------
	sealer, err := session.NewSealer(cfg.Session.Secret, session.Config{
		MaxAge:   cfg.Session.MaxAge,
		Insecure: cfg.Session.Insecure,
		Now:      now,
	})
	if err != nil {
		return nil, err
	}
	var registry *session.Store
	if cfg.Session.Registry {
		registry = session.NewStore(store, now)
	}

	engine := &Engine{
		config:    cloneConfig(cfg),
		log:       log,
		now:       now,
		store:     store,
		ownsStore: ownsStore,
		provider:  provider,
		codec:     codec,
		pkce:      flows.NewPKCEStore(store),
		sealer:    sealer,
		registry:  registry,
		baseURL:   baseURL,
		metrics:   NewMetrics(cfg.Metrics),
	}

	if cfg.Security.EnableIPThrottle {
		engine.rateLimiter = rate.New(store, rate.Config{
			EnableIPThrottle:      true,
			MaxInitiateAttempts:   cfg.Security.MaxInitiateAttempts,
			InitiateWindow:        cfg.Security.InitiateWindow,
			MaxCallbackFailures:   cfg.Security.MaxCallbackFailures,
			CallbackFailureWindow: cfg.Security.CallbackFailureWindow,
		})
	}

	// -------- AUDIT --------
	sink := b.auditSink
	if sink == nil {
		sink = internalaudit.NewZapSink(log)
	}
	if cfg.Audit.Queue {
		sink = internalaudit.MultiSink{sink, internalaudit.NewQueueSink(store, log)}
	}
	engine.audit = internalaudit.NewDispatcher(internalaudit.Config{
		Enabled:    cfg.Audit.Enabled,
		BufferSize: cfg.Audit.BufferSize,
		DropIfFull: cfg.Audit.DropIfFull,
		Logger:     log,
	}, sink)

	engine.flow = flows.New(engine.flowDeps(internal.NewPKCE))

	b.built = true

	return engine, nil
}
