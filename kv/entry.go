package kv

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"
)

// MaxValueSize bounds a single stored value.
const MaxValueSize = 64 * 1024

// Kind distinguishes opaque values from U64 counters.
type Kind uint8

const (
	// KindBytes is an opaque value written by Set.
	KindBytes Kind = 1
	// KindU64 is a counter written by Sum, Min or Max.
	KindU64 Kind = 2
)

// Entry is the result of a read. A zero Entry with a nil Value and an empty
// Versionstamp means the key was absent or expired.
type Entry struct {
	Key          Key
	Kind         Kind
	Value        []byte
	Versionstamp string
	ExpireAt     time.Time
}

// Found reports whether the entry exists.
func (e Entry) Found() bool {
	return e.Versionstamp != ""
}

// Uint64 returns the counter value of a KindU64 entry.
func (e Entry) Uint64() (uint64, bool) {
	if !e.Found() || e.Kind != KindU64 || len(e.Value) != 8 {
		return 0, false
	}
	return binary.BigEndian.Uint64(e.Value), true
}

// DecodeJSON unmarshals a KindBytes value.
func (e Entry) DecodeJSON(v any) error {
	if !e.Found() {
		return errors.New("kv: decode of absent entry")
	}
	return json.Unmarshal(e.Value, v)
}

// CommitResult reports the outcome of a write. OK is false only when an
// atomic check did not match; nothing was applied in that case.
type CommitResult struct {
	OK           bool
	Versionstamp string
}

// FormatVersionstamp renders a commit version as a fixed-width decimal so
// that lexical and numeric order agree.
func FormatVersionstamp(v uint64) string {
	return fmt.Sprintf("%020d", v)
}

// ParseVersionstamp is the inverse of FormatVersionstamp.
func ParseVersionstamp(s string) (uint64, error) {
	if len(s) != 20 {
		return 0, fmt.Errorf("kv: malformed versionstamp %q", s)
	}
	return strconv.ParseUint(s, 10, 64)
}

type writeOptions struct {
	expireIn time.Duration
}

// WriteOption tunes Set, Sum, Min and Max.
type WriteOption func(*writeOptions)

// WithExpireIn makes the written entry unreadable after d. For Sum, Min and
// Max the expiry only applies when the counter is created, so the window of
// an existing counter is kept.
func WithExpireIn(d time.Duration) WriteOption {
	return func(o *writeOptions) {
		o.expireIn = d
	}
}

type enqueueOptions struct {
	delay             time.Duration
	keysIfUndelivered []Key
}

// EnqueueOption tunes Enqueue.
type EnqueueOption func(*enqueueOptions)

// WithDelay postpones delivery by d.
func WithDelay(d time.Duration) EnqueueOption {
	return func(o *enqueueOptions) {
		o.delay = d
	}
}

// WithKeysIfUndelivered names keys that receive the message value when
// every delivery attempt fails.
func WithKeysIfUndelivered(keys ...Key) EnqueueOption {
	return func(o *enqueueOptions) {
		o.keysIfUndelivered = append(o.keysIfUndelivered, keys...)
	}
}

func u64Bytes(v uint64) []byte {
	return binary.BigEndian.AppendUint64(make([]byte, 0, 8), v)
}
