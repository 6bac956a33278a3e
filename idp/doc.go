// Package idp is the client side of the Azure AD B2C authorization server.
//
// Each Authority (sign-in, password reset, profile edit) is a separate B2C
// user flow with its own authorize and token endpoints. B2C builds the
// PKCE authorization redirect for a flow, redeems the returned code and
// resolves the signed-in Account from the ID token. ID token signatures
// are verified with go-oidc when an issuer is configured.
package idp
