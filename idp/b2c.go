package idp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	gojwt "github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/groovybytes/dashauth/jwt"
)

var (
	// ErrExchangeFailed wraps every failure of the authorization code
	// exchange, including a missing or unreadable ID token.
	ErrExchangeFailed = errors.New("idp: token exchange failed")
	// ErrIDTokenInvalid is returned when ID token verification is enabled
	// and the token fails it.
	ErrIDTokenInvalid = errors.New("idp: id token invalid")
)

// Default user flow names, matching a freshly provisioned B2C tenant.
const (
	DefaultSignInPolicy        = "B2C_1_Signup_Login"
	DefaultPasswordResetPolicy = "B2C_1_Password_Reset"
	DefaultProfileEditPolicy   = "B2C_1_Profile_Editing"
)

// baseScopes are always requested; they yield an ID token and a refresh
// token without naming any API resource.
var baseScopes = []string{oidc.ScopeOpenID, oidc.ScopeOfflineAccess}

// Provider is the identity provider surface the flow controller needs.
type Provider interface {
	AuthCodeURL(a Authority, state, challenge string) (string, error)
	Exchange(ctx context.Context, a Authority, code, verifier, clientInfo string) (*Tokens, error)
	LogoutURL() string
}

// Config describes an Azure AD B2C tenant registration.
type Config struct {
	ClientID     string
	ClientSecret string
	// TenantName is the short tenant name, e.g. "contoso" for
	// contoso.onmicrosoft.com.
	TenantName string
	// AuthorityDomain defaults to https://<TenantName>.b2clogin.com.
	AuthorityDomain string
	// Policies maps each authority to its user flow name. Missing entries
	// use the Default*Policy constants.
	Policies    map[Authority]string
	RedirectURI string
	// Scopes are API scopes requested on sign-in and password reset.
	// Profile editing only requests the base OpenID scopes.
	Scopes []string

	// IDTokenIssuer enables ID token signature verification when set.
	IDTokenIssuer string
	// IDTokenKeySet overrides the remote JWKS of the sign-in authority.
	IDTokenKeySet oidc.KeySet
	// SkipIDTokenExpiry disables the exp check on returned ID tokens.
	SkipIDTokenExpiry bool

	HTTPClient *http.Client
	Now        func() time.Time
}

// Validate checks required fields.
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return errors.New("idp: client id is required")
	}
	if c.TenantName == "" {
		return errors.New("idp: tenant name is required")
	}
	if c.RedirectURI == "" {
		return errors.New("idp: redirect uri is required")
	}
	if _, err := url.Parse(c.RedirectURI); err != nil {
		return fmt.Errorf("idp: invalid redirect uri: %w", err)
	}
	return nil
}

// Option configures a B2C provider.
type Option func(*B2C)

// WithLogger sets the provider's logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *B2C) {
		if l != nil {
			b.log = l
		}
	}
}

// B2C talks to the authorize, token and logout endpoints of each user
// flow through golang.org/x/oauth2.
type B2C struct {
	cfg      Config
	oauth    map[Authority]*oauth2.Config
	verifier *oidc.IDTokenVerifier
	log      *zap.Logger
}

var _ Provider = (*B2C)(nil)

// NewB2C validates cfg and builds one oauth2 configuration per authority.
func NewB2C(cfg Config, opts ...Option) (*B2C, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if cfg.AuthorityDomain == "" {
		cfg.AuthorityDomain = "https://" + cfg.TenantName + ".b2clogin.com"
	}
	cfg.AuthorityDomain = strings.TrimRight(cfg.AuthorityDomain, "/")
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	b := &B2C{
		cfg:   cfg,
		oauth: make(map[Authority]*oauth2.Config, len(Authorities)),
		log:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(b)
	}

	for _, a := range Authorities {
		authority := b.AuthorityURL(a)
		b.oauth[a] = &oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURI,
			Scopes:       b.scopes(a),
			Endpoint: oauth2.Endpoint{
				AuthURL:   authority + "/oauth2/v2.0/authorize",
				TokenURL:  authority + "/oauth2/v2.0/token",
				AuthStyle: oauth2.AuthStyleInParams,
			},
		}
	}

	if cfg.IDTokenIssuer != "" {
		keySet := cfg.IDTokenKeySet
		if keySet == nil {
			ctx := context.Background()
			if cfg.HTTPClient != nil {
				ctx = oidc.ClientContext(ctx, cfg.HTTPClient)
			}
			keySet = oidc.NewRemoteKeySet(ctx, b.AuthorityURL(SignIn)+"/discovery/v2.0/keys")
		}
		b.verifier = oidc.NewVerifier(cfg.IDTokenIssuer, keySet, &oidc.Config{
			ClientID:        cfg.ClientID,
			SkipExpiryCheck: cfg.SkipIDTokenExpiry,
			Now:             cfg.Now,
		})
	}

	return b, nil
}

// AuthorityURL returns <domain>/<tenant>.onmicrosoft.com/<policy>.
func (b *B2C) AuthorityURL(a Authority) string {
	return b.cfg.AuthorityDomain + "/" + b.cfg.TenantName + ".onmicrosoft.com/" + b.policy(a)
}

func (b *B2C) policy(a Authority) string {
	if p := b.cfg.Policies[a]; p != "" {
		return p
	}
	switch a {
	case PasswordReset:
		return DefaultPasswordResetPolicy
	case ProfileEdit:
		return DefaultProfileEditPolicy
	default:
		return DefaultSignInPolicy
	}
}

func (b *B2C) scopes(a Authority) []string {
	out := append([]string(nil), baseScopes...)
	if a == ProfileEdit {
		return out
	}
	return append(out, b.cfg.Scopes...)
}

// AuthCodeURL builds the authorization redirect for a. challenge is the
// S256 PKCE challenge of the verifier stored for state.
func (b *B2C) AuthCodeURL(a Authority, state, challenge string) (string, error) {
	conf, ok := b.oauth[a]
	if !ok {
		return "", ErrUnknownAuthority
	}
	if state == "" {
		return "", errors.New("idp: state is required")
	}
	if challenge == "" {
		return "", errors.New("idp: code challenge is required")
	}

	return conf.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("code_challenge", challenge),
		oauth2.SetAuthURLParam("code_challenge_method", "S256"),
		oauth2.SetAuthURLParam("include_granted_scopes", "true"),
	), nil
}

// Exchange redeems code with the PKCE verifier at the token endpoint of
// a and resolves the signed-in account from the returned ID token.
func (b *B2C) Exchange(ctx context.Context, a Authority, code, verifier, clientInfo string) (*Tokens, error) {
	conf, ok := b.oauth[a]
	if !ok {
		return nil, ErrUnknownAuthority
	}
	if code == "" {
		return nil, fmt.Errorf("%w: authorization code is required", ErrExchangeFailed)
	}
	if b.cfg.HTTPClient != nil {
		ctx = context.WithValue(ctx, oauth2.HTTPClient, b.cfg.HTTPClient)
	}

	tok, err := conf.Exchange(ctx, code,
		oauth2.VerifierOption(verifier),
		oauth2.SetAuthURLParam("scope", strings.Join(conf.Scopes, " ")),
	)
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) {
			b.log.Warn("token endpoint rejected code",
				zap.Stringer("authority", a),
				zap.String("error_code", re.ErrorCode),
				zap.String("error_description", re.ErrorDescription),
			)
			return nil, fmt.Errorf("%w: %s", ErrExchangeFailed, re.ErrorCode)
		}
		return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
	}

	rawID, _ := tok.Extra("id_token").(string)
	if rawID == "" {
		return nil, fmt.Errorf("%w: response carries no id_token", ErrExchangeFailed)
	}

	claims, err := b.idTokenClaims(ctx, rawID)
	if err != nil {
		return nil, err
	}

	account := accountFromClaims(claims, clientInfo, b.environment())
	b.log.Debug("authorization code exchanged",
		zap.Stringer("authority", a),
		zap.Bool("has_refresh_token", tok.RefreshToken != ""),
		zap.Time("expiry", tok.Expiry),
	)

	return &Tokens{
		AccessToken:  tok.AccessToken,
		RefreshToken: tok.RefreshToken,
		IDToken:      rawID,
		Expiry:       tok.Expiry,
		Account:      account,
	}, nil
}

// The ID token comes straight from the token endpoint over TLS, so its
// signature is only checked when an issuer is configured.
func (b *B2C) idTokenClaims(ctx context.Context, raw string) (map[string]any, error) {
	if b.verifier == nil {
		mc := gojwt.MapClaims{}
		if err := jwt.ParseUnverified(raw, mc); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrExchangeFailed, err)
		}
		return mc, nil
	}

	claims := map[string]any{}
	idToken, err := b.verifier.Verify(ctx, raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIDTokenInvalid, err)
	}
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrIDTokenInvalid, err)
	}
	return claims, nil
}

// LogoutURL is the end-session endpoint of the sign-in flow, redirecting
// back to the configured redirect URI.
func (b *B2C) LogoutURL() string {
	return b.AuthorityURL(SignIn) + "/oauth2/v2.0/logout?post_logout_redirect_uri=" +
		url.QueryEscape(b.cfg.RedirectURI)
}

func (b *B2C) environment() string {
	u, err := url.Parse(b.cfg.AuthorityDomain)
	if err != nil {
		return ""
	}
	return u.Host
}

// decodeClientInfo reads the uid and utid fields of the base64url JSON
// client_info callback parameter.
func decodeClientInfo(s string) (uid, utid string, ok bool) {
	if s == "" {
		return "", "", false
	}
	raw, err := base64.RawURLEncoding.DecodeString(strings.TrimRight(s, "="))
	if err != nil {
		return "", "", false
	}
	var ci struct {
		UID  string `json:"uid"`
		UTID string `json:"utid"`
	}
	if err := json.Unmarshal(raw, &ci); err != nil || ci.UID == "" {
		return "", "", false
	}
	return ci.UID, ci.UTID, true
}
