// Package credential acquires and rotates the short-lived Entra ID
// credential used to authenticate to Azure Cache for Redis.
//
// # Flow
//
// A [Source] yields access tokens. [ManagedIdentity] wraps the azidentity
// managed identity credential, which asks the Azure instance metadata
// service, or the App Service identity endpoint when IDENTITY_ENDPOINT is
// set. [Refresher] holds the current [Credential]
// (username is the token's oid claim, password is the token) and pushes
// replacements to go-redis through auth.StreamingCredentialsProvider, so
// pooled connections re-authenticate in place.
//
// # Failure semantics
//
// Initial acquisition failures wrap [ErrCredentialUnavailable]; callers
// fall back to another store. Refresh failures are logged and the stale
// credential stays in use until the next attempt.
package credential
