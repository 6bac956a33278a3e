package kv

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type mutationKind uint8

const (
	mutSet mutationKind = iota + 1
	mutDelete
	mutSum
	mutMin
	mutMax
)

type check struct {
	key          []byte
	versionstamp string
}

type mutation struct {
	kind     mutationKind
	key      []byte
	value    []byte
	operand  uint64
	expireIn time.Duration
}

// batch is one commit worth of checks, mutations and queued messages.
type batch struct {
	checks    []check
	mutations []mutation
	messages  []*message
}

func (b *batch) touchedKeys() [][]byte {
	keys := make([][]byte, 0, len(b.mutations))
	seen := make(map[string]struct{}, len(b.mutations))
	for _, m := range b.mutations {
		if _, ok := seen[string(m.key)]; ok {
			continue
		}
		seen[string(m.key)] = struct{}{}
		keys = append(keys, m.key)
	}
	return keys
}

// versionOf returns the versionstamp a check compares against.
func versionOf(r *record, now time.Time) string {
	if r == nil || r.expired(now) {
		return ""
	}
	return FormatVersionstamp(r.version)
}

// apply computes the record that results from m. A nil result deletes the key.
// Sum, Min and Max treat a missing or non-counter value as absent.
func apply(cur *record, m mutation, now time.Time, version uint64) *record {
	if cur != nil && cur.expired(now) {
		cur = nil
	}
	switch m.kind {
	case mutDelete:
		return nil
	case mutSet:
		return &record{
			kind:     KindBytes,
			version:  version,
			expireAt: expireAt(now, m.expireIn),
			value:    m.value,
		}
	}

	var (
		current uint64
		has     bool
		exp     = expireAt(now, m.expireIn)
	)
	if cur != nil && cur.kind == KindU64 && len(cur.value) == 8 {
		current = binary.BigEndian.Uint64(cur.value)
		has = true
		exp = cur.expireAt
	}

	next := m.operand
	if has {
		switch m.kind {
		case mutSum:
			next = current + m.operand
		case mutMin:
			next = min(current, m.operand)
		case mutMax:
			next = max(current, m.operand)
		}
	}

	return &record{
		kind:     KindU64,
		version:  version,
		expireAt: exp,
		value:    u64Bytes(next),
	}
}

func expireAt(now time.Time, d time.Duration) int64 {
	if d <= 0 {
		return 0
	}
	return now.Add(d).UnixMilli()
}

// AtomicOperation accumulates checks and mutations that commit together or
// not at all. Build one with Store.Atomic; builder errors surface at Commit.
type AtomicOperation struct {
	db  *DB
	b   batch
	err error
}

// Check requires key to be at versionstamp when the commit runs. An empty
// versionstamp requires the key to be absent.
func (a *AtomicOperation) Check(key Key, versionstamp string) *AtomicOperation {
	raw, ok := a.encode(key)
	if ok {
		a.b.checks = append(a.b.checks, check{key: raw, versionstamp: versionstamp})
	}
	return a
}

// Set writes value under key.
func (a *AtomicOperation) Set(key Key, value []byte, opts ...WriteOption) *AtomicOperation {
	if len(value) > MaxValueSize {
		a.fail(fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value)))
		return a
	}
	raw, ok := a.encode(key)
	if ok {
		o := writeOpts(opts)
		a.b.mutations = append(a.b.mutations, mutation{
			kind:     mutSet,
			key:      raw,
			value:    append([]byte(nil), value...),
			expireIn: o.expireIn,
		})
	}
	return a
}

// Delete removes key.
func (a *AtomicOperation) Delete(key Key) *AtomicOperation {
	raw, ok := a.encode(key)
	if ok {
		a.b.mutations = append(a.b.mutations, mutation{kind: mutDelete, key: raw})
	}
	return a
}

// Sum adds n to the U64 counter at key, wrapping on overflow.
func (a *AtomicOperation) Sum(key Key, n uint64, opts ...WriteOption) *AtomicOperation {
	return a.counter(mutSum, key, n, opts)
}

// Min stores the smaller of n and the current counter.
func (a *AtomicOperation) Min(key Key, n uint64, opts ...WriteOption) *AtomicOperation {
	return a.counter(mutMin, key, n, opts)
}

// Max stores the larger of n and the current counter.
func (a *AtomicOperation) Max(key Key, n uint64, opts ...WriteOption) *AtomicOperation {
	return a.counter(mutMax, key, n, opts)
}

// Enqueue adds a queue message to the commit.
func (a *AtomicOperation) Enqueue(value []byte, opts ...EnqueueOption) *AtomicOperation {
	if len(value) > MaxValueSize {
		a.fail(fmt.Errorf("%w: %d bytes", ErrValueTooLarge, len(value)))
		return a
	}
	var o enqueueOptions
	for _, opt := range opts {
		opt(&o)
	}

	m := &message{
		id:      uuid.NewString(),
		value:   append([]byte(nil), value...),
		readyAt: a.db.now().Add(o.delay).UnixMilli(),
	}
	for _, k := range o.keysIfUndelivered {
		raw, ok := a.encode(k)
		if !ok {
			return a
		}
		m.keysIfUndelivered = append(m.keysIfUndelivered, raw)
	}
	a.b.messages = append(a.b.messages, m)
	return a
}

// Commit applies the operation. A failed check yields OK=false and a nil
// error; errors are reserved for invalid input and backend failures.
func (a *AtomicOperation) Commit(ctx context.Context) (CommitResult, error) {
	if a.err != nil {
		return CommitResult{}, a.err
	}
	return a.db.commit(ctx, &a.b)
}

func (a *AtomicOperation) counter(kind mutationKind, key Key, n uint64, opts []WriteOption) *AtomicOperation {
	raw, ok := a.encode(key)
	if ok {
		o := writeOpts(opts)
		a.b.mutations = append(a.b.mutations, mutation{
			kind:     kind,
			key:      raw,
			operand:  n,
			expireIn: o.expireIn,
		})
	}
	return a
}

func (a *AtomicOperation) encode(key Key) ([]byte, bool) {
	raw, err := encodeKey(key)
	if err != nil {
		a.fail(err)
		return nil, false
	}
	return raw, true
}

func (a *AtomicOperation) fail(err error) {
	if a.err == nil {
		a.err = err
	}
}

func writeOpts(opts []WriteOption) writeOptions {
	var o writeOptions
	for _, opt := range opts {
		opt(&o)
	}
	return o
}
