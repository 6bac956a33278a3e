// Package jwt signs and verifies the HS256 claims carried inside
// authorization state tokens, with strict algorithm pinning, required
// iat/exp and bounded clock skew.
package jwt
