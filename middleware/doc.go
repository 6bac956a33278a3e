// Package middleware exposes HTTP guards that admit requests carrying a
// valid session cookie.
//
// # Guards
//
//   - [RequireSession] rejects with a JSON 401 for API routes.
//   - [RequireSessionOrLogin] redirects to the login route for pages.
//
// Both read the cookie through Engine.Session and store the opened session
// in the request context, retrievable with [SessionFromContext].
//
// # What this package must NOT do
//
//   - Decrypt cookies itself (delegates to Engine).
//   - Access the store directly.
package middleware
