// Package internal contains helper utilities that are intentionally private to dashauth,
// including PKCE generation, client address hashing and referer sanitization.
//
// # Sub-packages
//
//   - audit: async event dispatch (Dispatcher and Sink implementations)
//   - flows: flow orchestrators behind every Engine operation
//   - metrics: lock-free counters and latency histograms
//   - rate: fixed-window rate limit primitives on the kv store
//   - security: the effective security settings report
//
// # What this package must NOT do
//
//   - Export types that appear in the public dashauth API.
//   - Be imported by any package outside the dashauth module.
package internal
