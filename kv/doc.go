// Package kv is a transactional, versioned key-value store with an
// in-memory backend and a Redis backend behind one [Store] contract.
//
// # Keys and versions
//
// A [Key] is an ordered tuple of parts encoded so that byte order equals
// key order. Every commit gets a versionstamp from a strictly increasing
// per-store counter; all mutations of that commit share it.
//
// # Atomic operations
//
// [AtomicOperation] gathers checks (expected versionstamps), mutations
// (set, delete, sum, min, max) and queue messages. Checks are evaluated
// against one consistent view before any mutation is applied. A failed
// check is reported as CommitResult.OK == false, never as an error.
//
// # Backends
//
//   - [NewMemory]: B-tree index under one mutex; process local.
//   - [NewRedis]: optimistic commits applied by one Lua script on keys that
//     share one hash tag, a lex-ordered index for List, and pub/sub change
//     notifications so Watch sees commits from other processes.
//   - [Open]: picks a backend from [OpenConfig] and wires managed identity
//     through package credential, falling back to memory when the
//     credential cannot be acquired.
//
// Expiry is lazy: reads never return an expired entry. [DB.PurgeExpired]
// reclaims entries no reader touched.
package kv
