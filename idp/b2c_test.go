package idp_test

import (
	"context"
	"encoding/base64"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"github.com/groovybytes/dashauth/idp"
	"github.com/groovybytes/dashauth/idp/idptest"
)

const redirectURI = "http://localhost:3000/api/auth/redirect"

func TestParseSelector(t *testing.T) {
	for slug, want := range map[string]idp.Authority{
		"login":    idp.SignIn,
		"password": idp.PasswordReset,
		"profile":  idp.ProfileEdit,
	} {
		got, err := idp.ParseSelector(slug)
		require.NoError(t, err)
		assert.Equal(t, want, got)

		back, err := idp.ParseAuthority(got.String())
		require.NoError(t, err)
		assert.Equal(t, got, back)
	}

	_, err := idp.ParseSelector("admin")
	assert.ErrorIs(t, err, idp.ErrUnknownSelector)
	_, err = idp.ParseAuthority("unknown")
	assert.ErrorIs(t, err, idp.ErrUnknownAuthority)
	assert.False(t, idp.Authority(0).Valid())
}

func TestAuthorityURLsUseTenantDefaults(t *testing.T) {
	b, err := idp.NewB2C(idp.Config{
		ClientID:    "cid",
		TenantName:  "contoso",
		RedirectURI: redirectURI,
		Policies:    map[idp.Authority]string{idp.ProfileEdit: "B2C_1_edit"},
	})
	require.NoError(t, err)

	assert.Equal(t, "https://contoso.b2clogin.com/contoso.onmicrosoft.com/B2C_1_Signup_Login", b.AuthorityURL(idp.SignIn))
	assert.Equal(t, "https://contoso.b2clogin.com/contoso.onmicrosoft.com/B2C_1_Password_Reset", b.AuthorityURL(idp.PasswordReset))
	assert.Equal(t, "https://contoso.b2clogin.com/contoso.onmicrosoft.com/B2C_1_edit", b.AuthorityURL(idp.ProfileEdit))
	assert.Equal(t,
		"https://contoso.b2clogin.com/contoso.onmicrosoft.com/B2C_1_Signup_Login/oauth2/v2.0/logout?post_logout_redirect_uri="+url.QueryEscape(redirectURI),
		b.LogoutURL())
}

func TestConfigValidate(t *testing.T) {
	_, err := idp.NewB2C(idp.Config{TenantName: "t", RedirectURI: redirectURI})
	assert.Error(t, err)
	_, err = idp.NewB2C(idp.Config{ClientID: "c", RedirectURI: redirectURI})
	assert.Error(t, err)
	_, err = idp.NewB2C(idp.Config{ClientID: "c", TenantName: "t"})
	assert.Error(t, err)
}

func TestAuthCodeURL(t *testing.T) {
	b, err := idp.NewB2C(idp.Config{
		ClientID:    "cid",
		TenantName:  "contoso",
		RedirectURI: redirectURI,
		Scopes:      []string{"https://contoso.onmicrosoft.com/api/read"},
	})
	require.NoError(t, err)

	verifier := oauth2.GenerateVerifier()
	challenge := oauth2.S256ChallengeFromVerifier(verifier)

	raw, err := b.AuthCodeURL(idp.SignIn, "state-token", challenge)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)

	assert.Equal(t, "/contoso.onmicrosoft.com/B2C_1_Signup_Login/oauth2/v2.0/authorize", u.Path)
	q := u.Query()
	assert.Equal(t, "code", q.Get("response_type"))
	assert.Equal(t, "cid", q.Get("client_id"))
	assert.Equal(t, redirectURI, q.Get("redirect_uri"))
	assert.Equal(t, "state-token", q.Get("state"))
	assert.Equal(t, challenge, q.Get("code_challenge"))
	assert.Equal(t, "S256", q.Get("code_challenge_method"))
	assert.Equal(t, "offline", q.Get("access_type"))
	assert.Equal(t, "true", q.Get("include_granted_scopes"))
	assert.Equal(t, "openid offline_access https://contoso.onmicrosoft.com/api/read", q.Get("scope"))

	raw, err = b.AuthCodeURL(idp.ProfileEdit, "s", challenge)
	require.NoError(t, err)
	u, err = url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "openid offline_access", u.Query().Get("scope"))

	_, err = b.AuthCodeURL(idp.Authority(9), "s", challenge)
	assert.ErrorIs(t, err, idp.ErrUnknownAuthority)
	_, err = b.AuthCodeURL(idp.SignIn, "", challenge)
	assert.Error(t, err)
}

func TestExchangeSendsVerifierAndResolvesAccount(t *testing.T) {
	srv := idptest.NewServer(t)
	b, err := idp.NewB2C(srv.Config(redirectURI))
	require.NoError(t, err)

	clientInfo := base64.RawURLEncoding.EncodeToString([]byte(`{"uid":"user-oid-b2c_1_signup_login","utid":"tenant"}`))
	tokens, err := b.Exchange(context.Background(), idp.SignIn, "abc", "the-verifier", clientInfo)
	require.NoError(t, err)

	form := srv.LastRequest()
	require.NotNil(t, form)
	assert.Equal(t, "authorization_code", form.Get("grant_type"))
	assert.Equal(t, "abc", form.Get("code"))
	assert.Equal(t, "the-verifier", form.Get("code_verifier"))
	assert.Equal(t, idptest.ClientSecret, form.Get("client_secret"))
	assert.Equal(t, redirectURI, form.Get("redirect_uri"))

	assert.Equal(t, "access-abc", tokens.AccessToken)
	assert.Equal(t, "refresh-abc", tokens.RefreshToken)
	assert.NotEmpty(t, tokens.IDToken)
	assert.Equal(t, idptest.UserOID, tokens.Account.LocalAccountID)
	assert.Equal(t, idptest.UserEmail, tokens.Account.Username)
	assert.Equal(t, idptest.TenantID, tokens.Account.TenantID)
	assert.Equal(t, "Ada Lovelace", tokens.Account.Name)
	assert.Equal(t, "user-oid-b2c_1_signup_login.tenant", tokens.Account.HomeAccountID)
	assert.Equal(t, strings.TrimPrefix(srv.URL, "http://"), tokens.Account.Environment)
}

func TestExchangeProfileEditRequestsOnlyBaseScopes(t *testing.T) {
	srv := idptest.NewServer(t)
	cfg := srv.Config(redirectURI)
	cfg.Scopes = []string{"api://read"}
	b, err := idp.NewB2C(cfg)
	require.NoError(t, err)

	tokens, err := b.Exchange(context.Background(), idp.ProfileEdit, "code", "v", "")
	require.NoError(t, err)
	assert.Equal(t, "openid offline_access", srv.LastRequest().Get("scope"))
	assert.Equal(t, idptest.UserOID+"."+idptest.TenantID, tokens.Account.HomeAccountID)
	assert.Equal(t, "B2C_1_Profile_Editing", tokens.Account.IDTokenClaims["tfp"])

	_, err = b.Exchange(context.Background(), idp.SignIn, "code", "v", "")
	require.NoError(t, err)
	assert.Equal(t, "openid offline_access api://read", srv.LastRequest().Get("scope"))
}

func TestExchangeFailure(t *testing.T) {
	srv := idptest.NewServer(t)
	b, err := idp.NewB2C(srv.Config(redirectURI))
	require.NoError(t, err)

	srv.FailWith("invalid_grant")
	_, err = b.Exchange(context.Background(), idp.SignIn, "abc", "v", "")
	assert.ErrorIs(t, err, idp.ErrExchangeFailed)

	_, err = b.Exchange(context.Background(), idp.SignIn, "", "v", "")
	assert.ErrorIs(t, err, idp.ErrExchangeFailed)
}

func TestExchangeVerifiesIDTokenWhenIssuerConfigured(t *testing.T) {
	srv := idptest.NewServer(t)
	cfg := srv.Config(redirectURI)
	cfg.IDTokenIssuer = srv.Issuer()
	cfg.IDTokenKeySet = srv.KeySet()
	b, err := idp.NewB2C(cfg)
	require.NoError(t, err)

	tokens, err := b.Exchange(context.Background(), idp.SignIn, "abc", "v", "")
	require.NoError(t, err)
	assert.Equal(t, idptest.UserOID, tokens.Account.LocalAccountID)

	other := idptest.NewServer(t)
	cfg.IDTokenKeySet = other.KeySet()
	b, err = idp.NewB2C(cfg)
	require.NoError(t, err)
	_, err = b.Exchange(context.Background(), idp.SignIn, "abc", "v", "")
	assert.ErrorIs(t, err, idp.ErrIDTokenInvalid)

	cfg.IDTokenKeySet = srv.KeySet()
	cfg.IDTokenIssuer = "https://someone-else/v2.0/"
	b, err = idp.NewB2C(cfg)
	require.NoError(t, err)
	_, err = b.Exchange(context.Background(), idp.SignIn, "abc", "v", "")
	assert.ErrorIs(t, err, idp.ErrIDTokenInvalid)
}
