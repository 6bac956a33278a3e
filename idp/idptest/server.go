// Package idptest runs an in-process B2C token endpoint for tests.
package idptest

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/go-jose/go-jose/v4"

	"github.com/groovybytes/dashauth/idp"
)

const (
	Tenant       = "contoso"
	TenantID     = "7b1c6f4e-0000-4000-8000-000000000001"
	ClientID     = "client-id"
	ClientSecret = "client-secret"
	UserOID      = "user-oid"
	UserEmail    = "ada@example.com"
)

// Server answers token requests with an RS256 signed ID token.
type Server struct {
	*httptest.Server

	key *rsa.PrivateKey

	mu       sync.Mutex
	requests []url.Values
	failCode string
}

// NewServer starts a server that is closed when t finishes.
func NewServer(t testing.TB) *Server {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	s := &Server{key: key}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveToken))
	t.Cleanup(s.Close)
	return s
}

// Config returns a provider config pointing at the server.
func (s *Server) Config(redirectURI string) idp.Config {
	return idp.Config{
		ClientID:        ClientID,
		ClientSecret:    ClientSecret,
		TenantName:      Tenant,
		AuthorityDomain: s.URL,
		RedirectURI:     redirectURI,
		HTTPClient:      s.Client(),
	}
}

// Issuer is the iss claim of issued ID tokens.
func (s *Server) Issuer() string {
	return s.URL + "/" + TenantID + "/v2.0/"
}

// KeySet verifies ID tokens issued by the server.
func (s *Server) KeySet() oidc.KeySet {
	return &oidc.StaticKeySet{PublicKeys: []crypto.PublicKey{&s.key.PublicKey}}
}

// FailWith makes subsequent token requests fail with the OAuth error
// code. An empty code restores success.
func (s *Server) FailWith(code string) {
	s.mu.Lock()
	s.failCode = code
	s.mu.Unlock()
}

// Requests returns the form of every token request received.
func (s *Server) Requests() []url.Values {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]url.Values(nil), s.requests...)
}

// LastRequest returns the most recent token request form, or nil.
func (s *Server) LastRequest() url.Values {
	reqs := s.Requests()
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

func (s *Server) serveToken(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost || !strings.HasSuffix(r.URL.Path, "/oauth2/v2.0/token") {
		http.NotFound(w, r)
		return
	}
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	s.requests = append(s.requests, r.PostForm)
	failCode := s.failCode
	s.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	if failCode != "" {
		w.WriteHeader(http.StatusBadRequest)
		_ = json.NewEncoder(w).Encode(map[string]string{
			"error":             failCode,
			"error_description": "AADB2C90080: The provided grant has expired.",
		})
		return
	}

	// /<tenant>.onmicrosoft.com/<policy>/oauth2/v2.0/token
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	policy := ""
	if len(parts) >= 2 {
		policy = parts[1]
	}

	idToken, err := s.sign(map[string]any{
		"iss":    s.Issuer(),
		"aud":    ClientID,
		"sub":    UserOID,
		"oid":    UserOID,
		"tid":    TenantID,
		"name":   "Ada Lovelace",
		"emails": []string{UserEmail},
		"tfp":    policy,
		"iat":    time.Now().Unix(),
		"exp":    time.Now().Add(time.Hour).Unix(),
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	_ = json.NewEncoder(w).Encode(map[string]any{
		"access_token":  "access-" + r.PostForm.Get("code"),
		"token_type":    "Bearer",
		"expires_in":    3600,
		"refresh_token": "refresh-" + r.PostForm.Get("code"),
		"id_token":      idToken,
	})
}

func (s *Server) sign(claims map[string]any) (string, error) {
	signer, err := jose.NewSigner(
		jose.SigningKey{Algorithm: jose.RS256, Key: s.key},
		(&jose.SignerOptions{}).WithType("JWT"),
	)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		return "", err
	}
	obj, err := signer.Sign(payload)
	if err != nil {
		return "", err
	}
	return obj.CompactSerialize()
}
