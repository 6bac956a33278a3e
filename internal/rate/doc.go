// Package rate provides internal fixed-window rate limit primitives on the
// kv store for the authorization endpoints.
//
// # Window semantics
//
// Fixed-window counters: atomic Sum with an expiry that only the first hit
// sets. Keys hold a hash of the client address, never the address itself:
//   - ["rate", "initiate", h]: authorization redirects per IP
//   - ["rate", "callback", h]: rejected callbacks per IP
//
// # What this package must NOT do
//
//   - Decide which requests are throttled (the Engine does).
//   - Be imported outside the dashauth module.
package rate
