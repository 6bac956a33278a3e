// Package session seals signed-in sessions into the session cookie and
// keeps a server-side registry of live sessions.
//
// # Cookie format
//
// The cookie value is a compact JWE (alg=dir, enc=A256GCM, DEFLATE) of the
// JSON encoded [Session], sealed with a 32-byte server key. Cookies are
// HttpOnly, Secure, SameSite=Lax and scoped to "/".
//
// # Registry
//
// [Store] records every issued session in the key-value store with the
// session's remaining lifetime as TTL, indexed by account. Sign-out
// deletes the record so a copied cookie stops working before it expires.
//
// # What this package must NOT do
//
//   - Import the root package or internal/flows (no upward imports).
//   - Talk to the identity provider.
//   - Log cookie values or ID tokens.
package session
