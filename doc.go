// Package dashauth runs the OAuth 2.0 authorization code flow with PKCE
// against Azure AD B2C for a browser dashboard.
//
// An [Engine] starts a journey with [Engine.Initiate], which mints a
// single-use state token and stores the PKCE verifier under it, and finishes
// it with [Engine.Complete], which consumes both, redeems the code and seals
// the signed-in account into an encrypted session cookie. Sign-in, password
// reset and profile editing are distinct authorities sharing one callback.
//
// Engine methods are safe to call from multiple goroutines after
// [Builder.Build].
//
// # Architecture boundaries
//
// dashauth is the public surface. Flow orchestration, rate limiting, audit
// dispatch and metrics live under internal/. The provider client is in idp,
// state tokens in statetoken, cookies in session, and the transactional
// key-value store in kv.
//
// # What this package must NOT do
//
//   - Expose provider tokens other than the ID token sealed in the session.
//   - Report which state token check failed to the caller.
//   - Perform I/O in Build.
package dashauth
