package flows

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/groovybytes/dashauth/idp"
	"github.com/groovybytes/dashauth/kv"
	"github.com/groovybytes/dashauth/session"
	"github.com/groovybytes/dashauth/statetoken"
)

type fakeStates struct {
	minted   map[string]statetoken.Payload
	mintErr  error
	consumed int
}

func newFakeStates() *fakeStates {
	return &fakeStates{minted: map[string]statetoken.Payload{}}
}

func (f *fakeStates) Mint(_ context.Context, p statetoken.Payload) (string, error) {
	if f.mintErr != nil {
		return "", f.mintErr
	}
	token := "tok-" + p.State
	f.minted[token] = p
	return token, nil
}

func (f *fakeStates) Consume(_ context.Context, token string) (statetoken.Payload, error) {
	p, ok := f.minted[token]
	if !ok {
		return statetoken.Payload{}, statetoken.ErrSecretNotFound
	}
	delete(f.minted, token)
	f.consumed++
	return p, nil
}

type fakeProvider struct {
	exchangeErr error
	code        string
	verifier    string
}

func (f *fakeProvider) AuthCodeURL(a idp.Authority, state, challenge string) (string, error) {
	return "https://login.example/" + a.String() + "?state=" + state + "&code_challenge=" + challenge, nil
}

func (f *fakeProvider) Exchange(_ context.Context, _ idp.Authority, code, verifier, _ string) (*idp.Tokens, error) {
	if f.exchangeErr != nil {
		return nil, f.exchangeErr
	}
	f.code, f.verifier = code, verifier
	return &idp.Tokens{
		IDToken: "id-token",
		Account: idp.Account{HomeAccountID: "oid.tid", LocalAccountID: "oid", TenantID: "tid"},
	}, nil
}

func (f *fakeProvider) LogoutURL() string {
	return "https://login.example/logout"
}

type denyLimiter struct{ err error }

func (d denyLimiter) CheckInitiate(context.Context, string) error { return d.err }

type flowFixture struct {
	states   *fakeStates
	provider *fakeProvider
	pkce     *PKCEStore
	sealer   *session.Sealer
}

func newFlowFixture(t *testing.T) *flowFixture {
	t.Helper()
	db := kv.NewMemory()
	t.Cleanup(func() { _ = db.Close() })
	sealer, err := session.NewSealer(bytes.Repeat([]byte{4}, session.KeySize), session.Config{})
	if err != nil {
		t.Fatalf("new sealer: %v", err)
	}
	return &flowFixture{
		states:   newFakeStates(),
		provider: &fakeProvider{},
		pkce:     NewPKCEStore(db),
		sealer:   sealer,
	}
}

func (f *flowFixture) initiateDeps() InitiateDeps {
	return InitiateDeps{
		ClientIPFromContext: func(context.Context) string { return "192.0.2.1" },
		NewNonce:            func() (string, error) { return "nonce", nil },
		NewPKCE:             func() (string, string) { return "verifier", "challenge" },
		SanitizeReferer: func(ref string) string {
			if strings.HasPrefix(ref, "/") {
				return ref
			}
			return "/"
		},
		TTL:         time.Minute,
		StateTokens: f.states,
		PKCE:        f.pkce,
		Provider:    f.provider,
	}
}

func (f *flowFixture) completeDeps() CompleteDeps {
	return CompleteDeps{
		CancellationCode:    "AADB2C90091",
		CancellationMessage: "User has cancelled the operation",
		StateTokens:         f.states,
		PKCE:                f.pkce,
		Provider:            f.provider,
		Sealer:              f.sealer,
	}
}

func TestRunInitiateStoresPKCEUnderToken(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	res := RunInitiate(ctx, "password", "https://evil.example", f.initiateDeps())
	if res.Failure != InitiateFailureNone {
		t.Fatalf("unexpected failure %v: %v", res.Failure, res.Err)
	}
	if res.Authority != idp.PasswordReset || res.Referer != "/" {
		t.Fatalf("unexpected result %+v", res)
	}
	if p := f.states.minted[res.Token]; p.Referer != "/" || p.Authority != idp.PasswordReset {
		t.Fatalf("minted payload %+v does not carry the sanitized referer", p)
	}
	if !strings.Contains(res.RedirectURL, "state="+res.Token) {
		t.Fatalf("redirect %q does not carry the token", res.RedirectURL)
	}

	m, err := f.pkce.Consume(ctx, res.Token)
	if err != nil {
		t.Fatalf("consume pkce: %v", err)
	}
	if m.Verifier != "verifier" || m.ChallengeMethod != "S256" {
		t.Fatalf("unexpected material %+v", m)
	}
}

func TestPKCEStoreAcceptsOversizedTokens(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()
	token := strings.Repeat("t", 3*kv.MaxKeySize)

	if err := f.pkce.Save(ctx, token, PKCEMaterial{Verifier: "v", Challenge: "c", ChallengeMethod: "S256"}, time.Minute); err != nil {
		t.Fatalf("save: %v", err)
	}
	m, err := f.pkce.Consume(ctx, token)
	if err != nil {
		t.Fatalf("consume: %v", err)
	}
	if m.Verifier != "v" {
		t.Fatalf("unexpected material %+v", m)
	}
}

func TestRunInitiateFailures(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	if res := RunInitiate(ctx, "admin", "/", f.initiateDeps()); res.Failure != InitiateFailureSelector {
		t.Fatalf("expected selector failure, got %v", res.Failure)
	}

	deps := f.initiateDeps()
	deps.RateLimiter = denyLimiter{err: errors.New("limited")}
	if res := RunInitiate(ctx, "login", "/", deps); res.Failure != InitiateFailureRateLimited {
		t.Fatalf("expected rate limited failure, got %v", res.Failure)
	}

	deps = f.initiateDeps()
	deps.NewNonce = func() (string, error) { return "", errors.New("entropy") }
	if res := RunInitiate(ctx, "login", "/", deps); res.Failure != InitiateFailureNonce {
		t.Fatalf("expected nonce failure, got %v", res.Failure)
	}

	f.states.mintErr = errors.New("store down")
	if res := RunInitiate(ctx, "login", "/", f.initiateDeps()); res.Failure != InitiateFailureMint {
		t.Fatalf("expected mint failure, got %v", res.Failure)
	}
}

func TestRunCompleteSignsIn(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	init := RunInitiate(ctx, "login", "/reports", f.initiateDeps())
	res := RunComplete(ctx, CallbackParams{Code: "code-1", State: init.Token}, f.completeDeps())
	if res.Failure != CompleteFailureNone {
		t.Fatalf("unexpected failure %v: %v", res.Failure, res.Err)
	}
	if res.RedirectURL != "/reports" || res.Cookie == nil || res.Session == nil {
		t.Fatalf("unexpected result %+v", res)
	}
	if f.provider.code != "code-1" || f.provider.verifier != "verifier" {
		t.Fatalf("exchange got code %q verifier %q", f.provider.code, f.provider.verifier)
	}

	opened, err := f.sealer.Open(res.Cookie.Value)
	if err != nil {
		t.Fatalf("open sealed cookie: %v", err)
	}
	if opened.Account.HomeAccountID != "oid.tid" {
		t.Fatalf("unexpected account %+v", opened.Account)
	}

	// The PKCE material is gone after a successful exchange.
	if _, err := f.pkce.Consume(ctx, init.Token); !errors.Is(err, ErrPKCENotFound) {
		t.Fatalf("expected material consumed, got %v", err)
	}
}

func TestRunCompleteMissingParameters(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	for _, p := range []CallbackParams{
		{Code: "c"},
		{State: "s"},
		{},
	} {
		if res := RunComplete(ctx, p, f.completeDeps()); res.Failure != CompleteFailureMissingParameter {
			t.Fatalf("params %+v: expected missing parameter, got %v", p, res.Failure)
		}
	}
	if f.states.consumed != 0 {
		t.Fatal("state must not be consumed when parameters are missing")
	}
}

func TestRunCompleteUnknownState(t *testing.T) {
	f := newFlowFixture(t)

	res := RunComplete(context.Background(), CallbackParams{Code: "c", State: "nope"}, f.completeDeps())
	if res.Failure != CompleteFailureState || !errors.Is(res.Err, statetoken.ErrSecretNotFound) {
		t.Fatalf("expected state failure, got %v: %v", res.Failure, res.Err)
	}
}

func TestRunCompleteCancellationOnlyForPasswordReset(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()
	cancel := CallbackParams{Error: "access_denied", ErrorDescription: "AADB2C90091: cancelled"}

	init := RunInitiate(ctx, "password", "/settings?tab=1", f.initiateDeps())
	cancel.State = init.Token
	res := RunComplete(ctx, cancel, f.completeDeps())
	if res.Failure != CompleteFailureNone || !res.Cancelled {
		t.Fatalf("expected cancellation, got %+v", res)
	}
	if res.RedirectURL != "/settings?message=User+has+cancelled+the+operation&tab=1" {
		t.Fatalf("unexpected redirect %q", res.RedirectURL)
	}
	if _, err := f.pkce.Consume(ctx, init.Token); !errors.Is(err, ErrPKCENotFound) {
		t.Fatalf("expected material discarded, got %v", err)
	}

	deps := f.initiateDeps()
	deps.NewNonce = func() (string, error) { return "nonce-2", nil }
	init = RunInitiate(ctx, "login", "/", deps)
	cancel.State = init.Token
	res = RunComplete(ctx, cancel, f.completeDeps())
	if res.Failure != CompleteFailureDenied || res.Cancelled {
		t.Fatalf("expected denial for sign-in, got %+v", res)
	}
}

func TestRunCompleteVerifierMissing(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()

	init := RunInitiate(ctx, "login", "/", f.initiateDeps())
	if err := f.pkce.Discard(ctx, init.Token); err != nil {
		t.Fatalf("discard: %v", err)
	}
	res := RunComplete(ctx, CallbackParams{Code: "c", State: init.Token}, f.completeDeps())
	if res.Failure != CompleteFailureVerifierMissing {
		t.Fatalf("expected verifier missing, got %v: %v", res.Failure, res.Err)
	}
}

func TestRunCompleteExchangeFailure(t *testing.T) {
	f := newFlowFixture(t)
	ctx := context.Background()
	f.provider.exchangeErr = errors.New("invalid_grant")

	init := RunInitiate(ctx, "profile", "/", f.initiateDeps())
	res := RunComplete(ctx, CallbackParams{Code: "c", State: init.Token}, f.completeDeps())
	if res.Failure != CompleteFailureExchange || res.Cookie != nil {
		t.Fatalf("expected exchange failure without cookie, got %+v", res)
	}
}

type recordingStore struct {
	deleted []string
	err     error
}

func (r *recordingStore) Delete(_ context.Context, id string) error {
	r.deleted = append(r.deleted, id)
	return r.err
}

func (r *recordingStore) DeleteAllForAccount(context.Context, string) (int, error) {
	return len(r.deleted), r.err
}

func TestRunLogout(t *testing.T) {
	f := newFlowFixture(t)
	store := &recordingStore{}
	deps := LogoutDeps{Sealer: f.sealer, SessionStore: store, Provider: f.provider}

	res := RunLogout(context.Background(), "", deps)
	if res.Cookie == nil || res.Cookie.MaxAge != -1 || res.RedirectURL != "https://login.example/logout" {
		t.Fatalf("unexpected logout without cookie %+v", res)
	}
	if len(store.deleted) != 0 {
		t.Fatal("nothing should be revoked without a cookie")
	}

	sess := f.sealer.New(idp.Account{HomeAccountID: "h"}, "")
	sealed, err := f.sealer.Seal(sess)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	store.err = errors.New("store down")
	res = RunLogout(context.Background(), sealed, deps)
	if res.Session == nil || res.Session.ID != sess.ID {
		t.Fatalf("expected session in result, got %+v", res.Session)
	}
	if len(store.deleted) != 1 || store.deleted[0] != sess.ID {
		t.Fatalf("expected session %s revoked, got %v", sess.ID, store.deleted)
	}
	if res.Err == nil || res.Cookie == nil {
		t.Fatal("a registry failure is reported but the cookie is still cleared")
	}
}

func TestRunSessionChecksRegistry(t *testing.T) {
	f := newFlowFixture(t)
	db := kv.NewMemory()
	t.Cleanup(func() { _ = db.Close() })
	registry := session.NewStore(db, nil)
	ctx := context.Background()

	sess := f.sealer.New(idp.Account{HomeAccountID: "h"}, "")
	sealed, err := f.sealer.Seal(sess)
	if err != nil {
		t.Fatalf("seal: %v", err)
	}
	deps := SessionDeps{Sealer: f.sealer, Registry: registry}

	if _, err := RunSession(ctx, sealed, deps); !errors.Is(err, session.ErrRevoked) {
		t.Fatalf("expected unregistered session rejected, got %v", err)
	}
	if err := registry.Save(ctx, sess); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := RunSession(ctx, sealed, deps)
	if err != nil {
		t.Fatalf("run session: %v", err)
	}
	if got.ID != sess.ID {
		t.Fatalf("unexpected session %s", got.ID)
	}

}
