package credential

import "errors"

var (
	// ErrCredentialUnavailable is returned when no credential can be acquired
	// from the configured source.
	ErrCredentialUnavailable = errors.New("credential: unavailable")
	// ErrRefresherClosed is returned by Subscribe and Refresh after Close.
	ErrRefresherClosed = errors.New("credential: refresher closed")
)
