package kv

import "errors"

var (
	// ErrStoreClosed is returned by every operation on a store after Close.
	ErrStoreClosed = errors.New("kv: store closed")
	// ErrInvalidKey is returned when a key is empty, too long, or holds an unsupported part type.
	ErrInvalidKey = errors.New("kv: invalid key")
	// ErrInvalidCursor is returned when a list cursor cannot be decoded or lies outside the selector.
	ErrInvalidCursor = errors.New("kv: invalid cursor")
	// ErrInvalidSelector is returned when a list selector has inverted or foreign bounds.
	ErrInvalidSelector = errors.New("kv: invalid selector")
	// ErrValueTooLarge is returned when a value exceeds MaxValueSize.
	ErrValueTooLarge = errors.New("kv: value too large")
	// ErrStoreUnavailable wraps backend transport failures.
	ErrStoreUnavailable = errors.New("kv: store unavailable")
	// ErrCommitContention is returned when an atomic commit keeps losing
	// optimistic races and exhausts its retries.
	ErrCommitContention = errors.New("kv: commit contention")
	// ErrEmptyOperation is returned when an atomic operation has nothing to commit.
	ErrEmptyOperation = errors.New("kv: empty atomic operation")
	// ErrCorruptRecord is returned when a stored record cannot be decoded.
	ErrCorruptRecord = errors.New("kv: corrupt record")

	errHandlerPanic = errors.New("kv: queue handler panicked")
)
