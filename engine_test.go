package dashauth

import (
	"bytes"
	"context"
	"errors"
	"net/url"
	"strings"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/groovybytes/dashauth/idp/idptest"
)

type engineFixture struct {
	engine *Engine
	idp    *idptest.Server
	audit  *ChannelSink
}

func newEngineFixture(t *testing.T, mutate func(*Config)) *engineFixture {
	t.Helper()
	return newLoggedEngineFixture(t, mutate, zap.NewNop())
}

func newLoggedEngineFixture(t *testing.T, mutate func(*Config), log *zap.Logger) *engineFixture {
	t.Helper()
	srv := idptest.NewServer(t)

	cfg := defaultConfig()
	cfg.Provider.ClientID = idptest.ClientID
	cfg.Provider.ClientSecret = idptest.ClientSecret
	cfg.Provider.TenantName = idptest.Tenant
	cfg.Provider.AuthorityDomain = srv.URL
	cfg.Provider.RedirectURI = "https://dash.example/api/auth/redirect"
	cfg.Provider.BaseURL = "https://dash.example"
	cfg.Session.Secret = bytes.Repeat([]byte{3}, 32)
	if mutate != nil {
		mutate(&cfg)
	}

	sink := NewChannelSink(64)
	engine, err := New().
		WithConfig(cfg).
		WithHTTPClient(srv.Client()).
		WithAuditSink(sink).
		WithLogger(log).
		Build()
	if err != nil {
		t.Fatalf("build engine: %v", err)
	}
	t.Cleanup(engine.Close)
	return &engineFixture{engine: engine, idp: srv, audit: sink}
}

func (f *engineFixture) signIn(t *testing.T, ctx context.Context) CompleteResult {
	t.Helper()
	init, err := f.engine.Initiate(ctx, "login", "/dashboard")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	res, err := f.engine.Complete(ctx, CallbackParams{Code: "abc", State: init.State})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	return res
}

func (f *engineFixture) nextEvent(t *testing.T) AuditEvent {
	t.Helper()
	select {
	case ev := <-f.audit.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for audit event")
	}
	return AuditEvent{}
}

func TestEngineInitiateBuildsAuthorizationURL(t *testing.T) {
	f := newEngineFixture(t, nil)

	res, err := f.engine.Initiate(context.Background(), "profile", "https://elsewhere.example/x")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if res.Authority != AuthorityProfileEdit {
		t.Fatalf("expected profile edit authority, got %v", res.Authority)
	}
	if res.Referer != "/" {
		t.Fatalf("expected offsite referer replaced with /, got %q", res.Referer)
	}

	u, err := url.Parse(res.RedirectURL)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	q := u.Query()
	if q.Get("state") != res.State {
		t.Fatal("authorization url carries a different state")
	}
	if q.Get("code_challenge_method") != "S256" || q.Get("code_challenge") == "" {
		t.Fatalf("missing PKCE challenge in %q", res.RedirectURL)
	}
	if q.Get("client_id") != idptest.ClientID {
		t.Fatalf("unexpected client id %q", q.Get("client_id"))
	}
}

func TestEngineLongRefererSurvivesSignIn(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()
	referer := "/reports?filter=" + strings.Repeat("a", 1500)

	init, err := f.engine.Initiate(ctx, "login", referer)
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	res, err := f.engine.Complete(ctx, CallbackParams{Code: "abc", State: init.State})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if res.RedirectURL != referer {
		t.Fatalf("expected redirect back to the long referer, got %d bytes", len(res.RedirectURL))
	}
}

func TestEngineLogsCallbackFailureKind(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	f := newLoggedEngineFixture(t, nil, zap.New(core))

	_, err := f.engine.Complete(context.Background(), CallbackParams{State: "s"})
	if !errors.Is(err, ErrMissingParameter) {
		t.Fatalf("expected ErrMissingParameter, got %v", err)
	}

	entries := logs.FilterField(zap.String("kind", "missing_parameter")).All()
	if len(entries) != 1 {
		t.Fatalf("expected one log line carrying the failure kind, got %d", len(entries))
	}
}

func TestEngineInitiateUnknownSelector(t *testing.T) {
	f := newEngineFixture(t, nil)

	_, err := f.engine.Initiate(context.Background(), "admin", "/")
	if !errors.Is(err, ErrUnknownAuthoritySelector) {
		t.Fatalf("expected ErrUnknownAuthoritySelector, got %v", err)
	}
	if got := f.engine.MetricsSnapshot().Counters[MetricInitiateFailure]; got != 1 {
		t.Fatalf("expected one initiate failure, got %d", got)
	}
}

func TestEngineCompleteAuditsAndCounts(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := WithRequestID(WithClientIP(context.Background(), "198.51.100.4"), "req-1")

	res := f.signIn(t, ctx)
	if res.Cookie == nil || res.Session == nil {
		t.Fatal("expected a cookie and session")
	}
	if res.RedirectURL != "/dashboard" {
		t.Fatalf("unexpected redirect %q", res.RedirectURL)
	}

	ev := f.nextEvent(t)
	if ev.EventType != auditEventInitiate || !ev.Success {
		t.Fatalf("unexpected first event %+v", ev)
	}
	ev = f.nextEvent(t)
	if ev.EventType != auditEventComplete || !ev.Success {
		t.Fatalf("unexpected second event %+v", ev)
	}
	if ev.UserID != idptest.UserOID || ev.SessionID != res.Session.ID {
		t.Fatalf("event not attributed to the session: %+v", ev)
	}
	if ev.IP != "198.51.100.4" || ev.Metadata["request_id"] != "req-1" {
		t.Fatalf("event missing request context: %+v", ev)
	}

	snap := f.engine.MetricsSnapshot()
	for _, id := range []MetricID{MetricInitiateSuccess, MetricCompleteSuccess, MetricSessionCreated} {
		if snap.Counters[id] != 1 {
			t.Fatalf("expected counter %v to be 1, got %d", id, snap.Counters[id])
		}
	}
}

func TestEngineCompleteReplayRejected(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	init, err := f.engine.Initiate(ctx, "login", "/")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := f.engine.Complete(ctx, CallbackParams{Code: "abc", State: init.State}); err != nil {
		t.Fatalf("first complete: %v", err)
	}
	if _, err := f.engine.Complete(ctx, CallbackParams{Code: "abc", State: init.State}); !errors.Is(err, ErrStateInvalid) {
		t.Fatalf("expected ErrStateInvalid on replay, got %v", err)
	}
	if got := f.engine.MetricsSnapshot().Counters[MetricStateSecretMissing]; got != 1 {
		t.Fatalf("expected replay counted as missing secret, got %d", got)
	}
}

func TestEngineCompleteErrors(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	if _, err := f.engine.Complete(ctx, CallbackParams{Code: "abc"}); !errors.Is(err, ErrMissingParameter) {
		t.Fatalf("expected ErrMissingParameter, got %v", err)
	}

	init, err := f.engine.Initiate(ctx, "login", "/")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	_, err = f.engine.Complete(ctx, CallbackParams{State: init.State, Error: "server_error", ErrorDescription: "AADB2C90000"})
	if !errors.Is(err, ErrAuthorizationDenied) {
		t.Fatalf("expected ErrAuthorizationDenied, got %v", err)
	}

	f.idp.FailWith("invalid_grant")
	init, err = f.engine.Initiate(ctx, "login", "/")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if _, err := f.engine.Complete(ctx, CallbackParams{Code: "abc", State: init.State}); !errors.Is(err, ErrTokenExchangeFailed) {
		t.Fatalf("expected ErrTokenExchangeFailed, got %v", err)
	}

	snap := f.engine.MetricsSnapshot()
	if snap.Counters[MetricAuthorizationDenied] != 1 || snap.Counters[MetricTokenExchangeFailure] != 1 {
		t.Fatalf("unexpected failure counters %v", snap.Counters)
	}
	if snap.Counters[MetricCompleteFailure] != 3 {
		t.Fatalf("expected three complete failures, got %d", snap.Counters[MetricCompleteFailure])
	}
}

func TestEnginePasswordResetCancellation(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	init, err := f.engine.Initiate(ctx, "password", "/settings")
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	res, err := f.engine.Complete(ctx, CallbackParams{
		State:            init.State,
		Error:            "access_denied",
		ErrorDescription: "AADB2C90091: The user has cancelled entering self-asserted information.",
	})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if !res.Cancelled || res.Cookie != nil {
		t.Fatalf("expected cancelled result, got %+v", res)
	}
	if !strings.HasPrefix(res.RedirectURL, "/settings?") || !strings.Contains(res.RedirectURL, "message=") {
		t.Fatalf("unexpected cancellation redirect %q", res.RedirectURL)
	}
	if got := f.engine.MetricsSnapshot().Counters[MetricCompleteCancelled]; got != 1 {
		t.Fatalf("expected one cancellation, got %d", got)
	}
}

func TestEngineCallbackFailuresRateLimited(t *testing.T) {
	f := newEngineFixture(t, func(cfg *Config) {
		cfg.Security.EnableIPThrottle = true
		cfg.Security.MaxCallbackFailures = 2
	})
	ctx := WithClientIP(context.Background(), "203.0.113.9")

	for i := 0; i < 2; i++ {
		if _, err := f.engine.Complete(ctx, CallbackParams{Code: "abc", State: "garbage"}); !errors.Is(err, ErrStateInvalid) {
			t.Fatalf("attempt %d: expected ErrStateInvalid, got %v", i+1, err)
		}
	}
	if _, err := f.engine.Complete(ctx, CallbackParams{Code: "abc", State: "garbage"}); !errors.Is(err, ErrRateLimited) {
		t.Fatalf("expected ErrRateLimited, got %v", err)
	}

	// Another client is unaffected.
	other := WithClientIP(context.Background(), "203.0.113.10")
	if _, err := f.engine.Complete(other, CallbackParams{Code: "abc", State: "garbage"}); !errors.Is(err, ErrStateInvalid) {
		t.Fatalf("expected ErrStateInvalid for another client, got %v", err)
	}

	snap := f.engine.MetricsSnapshot()
	if snap.Counters[MetricCallbackRateLimited] != 1 || snap.Counters[MetricRateLimitHit] != 1 {
		t.Fatalf("unexpected rate limit counters %v", snap.Counters)
	}
}

func TestEngineLogoutRevokesSession(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	res := f.signIn(t, ctx)
	if _, err := f.engine.SessionFromCookie(ctx, res.Cookie.Value); err != nil {
		t.Fatalf("open session: %v", err)
	}

	out := f.engine.Logout(ctx, res.Cookie.Value)
	if out.Cookie == nil || out.Cookie.MaxAge >= 0 {
		t.Fatalf("expected an expiring cookie, got %+v", out.Cookie)
	}
	if !strings.Contains(out.RedirectURL, "/oauth2/v2.0/logout") {
		t.Fatalf("unexpected sign-out url %q", out.RedirectURL)
	}

	if _, err := f.engine.SessionFromCookie(ctx, res.Cookie.Value); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected revoked session to be invalid, got %v", err)
	}
	if got := f.engine.MetricsSnapshot().Counters[MetricSessionRevoked]; got != 1 {
		t.Fatalf("expected one revoked lookup, got %d", got)
	}
}

func TestEngineLogoutAll(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	first := f.signIn(t, ctx)
	second := f.signIn(t, ctx)

	n, err := f.engine.LogoutAll(ctx, first.Session.Account.HomeAccountID)
	if err != nil {
		t.Fatalf("logout all: %v", err)
	}
	if n != 2 {
		t.Fatalf("expected two revoked sessions, got %d", n)
	}
	for _, c := range []string{first.Cookie.Value, second.Cookie.Value} {
		if _, err := f.engine.SessionFromCookie(ctx, c); !errors.Is(err, ErrSessionInvalid) {
			t.Fatalf("expected session revoked, got %v", err)
		}
	}
}

func TestEngineLogoutAllRequiresRegistry(t *testing.T) {
	f := newEngineFixture(t, func(cfg *Config) {
		cfg.Session.Registry = false
	})
	if _, err := f.engine.LogoutAll(context.Background(), "home"); err == nil {
		t.Fatal("expected an error without a session registry")
	}
}

func TestEngineSessionRejectsTamperedCookie(t *testing.T) {
	f := newEngineFixture(t, nil)
	ctx := context.Background()

	res := f.signIn(t, ctx)
	tampered := res.Cookie.Value[:len(res.Cookie.Value)-4] + "AAAA"
	if _, err := f.engine.SessionFromCookie(ctx, tampered); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid, got %v", err)
	}
	if _, err := f.engine.SessionFromCookie(ctx, ""); !errors.Is(err, ErrSessionInvalid) {
		t.Fatalf("expected ErrSessionInvalid for empty cookie, got %v", err)
	}
}

func TestEngineHealth(t *testing.T) {
	f := newEngineFixture(t, nil)
	if err := f.engine.Health(context.Background()); err != nil {
		t.Fatalf("expected healthy engine, got %v", err)
	}
}

func TestEngineSecurityReport(t *testing.T) {
	f := newEngineFixture(t, func(cfg *Config) {
		cfg.Security.EnableIPThrottle = true
	})

	r := f.engine.SecurityReport()
	if r.PKCEMethod != "S256" {
		t.Fatalf("unexpected PKCE method %q", r.PKCEMethod)
	}
	if !r.SecureCookies || !r.SessionRegistry || !r.RateLimitingActive {
		t.Fatalf("unexpected report %+v", r)
	}
	if r.StoreTLS || r.ManagedIdentity {
		t.Fatal("memory store must not report TLS or managed identity")
	}
}

func TestNilEngineNotReady(t *testing.T) {
	var e *Engine
	if _, err := e.Initiate(context.Background(), "login", "/"); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if _, err := e.Complete(context.Background(), CallbackParams{}); !errors.Is(err, ErrEngineNotReady) {
		t.Fatalf("expected ErrEngineNotReady, got %v", err)
	}
	if e.AuditDropped() != 0 {
		t.Fatal("nil engine should report no drops")
	}
}

func TestBuilderSingleUse(t *testing.T) {
	b := New().WithConfig(validTestConfig())
	e, err := b.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	defer e.Close()

	if _, err := b.Build(); err == nil {
		t.Fatal("expected second Build to fail")
	}
}

func TestBuilderRequiresStoreForRemoteHost(t *testing.T) {
	cfg := validTestConfig()
	cfg.Store.Host = "cache.example"
	if _, err := New().WithConfig(cfg).Build(); err == nil {
		t.Fatal("expected Build to require a store when Host is set")
	}
}
