// Package flows contains pure-function orchestrators for every Engine operation.
//
// Each flow function (RunInitiate, RunComplete, RunLogout, RunSession)
// accepts a typed dependency struct and returns a result carrying either
// the outcome or a failure kind plus the underlying cause. The root
// Engine maps failure kinds to public errors, metrics and audit events.
//
// # Authorization code flow
//
//	Initiate: selector -> authority -> PKCE -> state token -> ["pkce", KeyID(token)] -> redirect
//	Complete: state token consumed -> provider error? -> PKCE consumed -> exchange -> session
//
// State tokens and PKCE material are both consumed with a versionstamp
// checked delete, so a callback URL succeeds at most once.
//
// # Architecture boundaries
//
// Flow functions coordinate calls to the state token codec, PKCE store,
// identity provider, session sealer and rate limiter. They do NOT own any
// of these resources; ownership stays with the Engine.
//
// # What this package must NOT do
//
//   - Hold mutable state between calls.
//   - Import the root package (to avoid import cycles).
//   - Perform I/O directly beyond the kv-backed PKCEStore; all other I/O is
//     mediated through dependency interfaces.
package flows
