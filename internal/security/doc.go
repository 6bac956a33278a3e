// Package security derives the security posture report exposed by
// Engine.SecurityReport from a flattened configuration.
//
// # What this package must NOT do
//
//   - Read configuration from the environment or the store.
//   - Import the root package.
package security
