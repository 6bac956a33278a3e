// Package statetoken mints and verifies the OAuth state parameter.
//
// A token is an HS256 JWT carrying the nonce, the authority and the
// referer, encrypted as a compact JWE. Both layers use a random per-token
// secret kept in the key-value store until the token expires. Consuming a
// token deletes its secret in an atomic commit, so every token verifies at
// most once across all replicas sharing the store.
package statetoken
