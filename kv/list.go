package kv

import (
	"bytes"
	"context"
	"fmt"
)

const defaultBatchSize = 100

// Selector picks the key range of a List call.
type Selector struct {
	prefix Key
	start  Key
	end    Key
	mode   selectorMode
}

type selectorMode uint8

const (
	selPrefix selectorMode = iota
	selPrefixStart
	selPrefixEnd
	selRange
)

// Prefix selects every key strictly longer than p that begins with p.
func Prefix(p Key) Selector {
	return Selector{prefix: p, mode: selPrefix}
}

// PrefixStart selects keys under p from start (inclusive).
func PrefixStart(p, start Key) Selector {
	return Selector{prefix: p, start: start, mode: selPrefixStart}
}

// PrefixEnd selects keys under p up to end (exclusive).
func PrefixEnd(p, end Key) Selector {
	return Selector{prefix: p, end: end, mode: selPrefixEnd}
}

// Range selects keys in [start, end).
func Range(start, end Key) Selector {
	return Selector{start: start, end: end, mode: selRange}
}

func (s Selector) bounds() ([]byte, []byte, error) {
	var lo, hi []byte

	if s.mode != selRange {
		p, err := encodePrefix(s.prefix)
		if err != nil {
			return nil, nil, err
		}
		lo = append(append([]byte(nil), p...), 0x00)
		hi = append(append([]byte(nil), p...), 0xFF)
	}

	switch s.mode {
	case selPrefixStart, selRange:
		start, err := encodeKey(s.start)
		if err != nil {
			return nil, nil, err
		}
		if s.mode == selPrefixStart && !s.start.HasPrefix(s.prefix) {
			return nil, nil, fmt.Errorf("%w: start outside prefix", ErrInvalidSelector)
		}
		lo = start
	}
	switch s.mode {
	case selPrefixEnd, selRange:
		end, err := encodeKey(s.end)
		if err != nil {
			return nil, nil, err
		}
		if s.mode == selPrefixEnd && !s.end.HasPrefix(s.prefix) {
			return nil, nil, fmt.Errorf("%w: end outside prefix", ErrInvalidSelector)
		}
		hi = end
	}

	if bytes.Compare(lo, hi) > 0 {
		return nil, nil, fmt.Errorf("%w: start after end", ErrInvalidSelector)
	}
	return lo, hi, nil
}

// ListOptions tunes a List call.
type ListOptions struct {
	// Limit caps the number of entries yielded. Zero means no cap.
	Limit int
	// Reverse yields entries in descending key order.
	Reverse bool
	// Cursor resumes after the last entry of a previous iteration.
	Cursor string
	// BatchSize is the number of keys fetched per backend round trip.
	BatchSize int
}

// Iterator walks the entries of a List call lazily. It is not safe for
// concurrent use.
//
//	it := store.List(ctx, kv.Prefix(kv.Key{"users"}), kv.ListOptions{Limit: 10})
//	for it.Next() {
//		e := it.Entry()
//	}
//	if err := it.Err(); err != nil { ... }
type Iterator struct {
	db   *DB
	ctx  context.Context
	opts ListOptions

	lo, hi []byte
	buf    []Entry
	raws   [][]byte
	pos    int
	seen   int
	done   bool
	err    error
	cur    Entry
	last   []byte
}

// List returns an iterator over sel. Errors surface through Iterator.Err.
func (db *DB) List(ctx context.Context, sel Selector, opts ListOptions) *Iterator {
	it := &Iterator{db: db, ctx: ctx, opts: opts}
	if opts.BatchSize <= 0 {
		it.opts.BatchSize = defaultBatchSize
	}
	if db.closed.Load() {
		it.fail(ErrStoreClosed)
		return it
	}

	lo, hi, err := sel.bounds()
	if err != nil {
		it.fail(err)
		return it
	}

	if opts.Cursor != "" {
		raw, err := decodeCursor(opts.Cursor)
		if err != nil {
			it.fail(err)
			return it
		}
		if bytes.Compare(raw, lo) < 0 || bytes.Compare(raw, hi) >= 0 {
			it.fail(ErrInvalidCursor)
			return it
		}
		if opts.Reverse {
			hi = raw
		} else {
			lo = append(append([]byte(nil), raw...), 0x00)
		}
	}

	it.lo, it.hi = lo, hi
	return it
}

// Next advances to the next entry.
func (it *Iterator) Next() bool {
	if it.err != nil {
		return false
	}
	if it.opts.Limit > 0 && it.seen >= it.opts.Limit {
		return false
	}
	for it.pos >= len(it.buf) {
		if it.done {
			return false
		}
		if err := it.fetch(); err != nil {
			it.fail(err)
			return false
		}
	}

	it.cur = it.buf[it.pos]
	it.last = it.raws[it.pos]
	it.pos++
	it.seen++
	return true
}

// Entry returns the entry at the current position.
func (it *Iterator) Entry() Entry {
	return it.cur
}

// Err returns the first error met during iteration.
func (it *Iterator) Err() error {
	return it.err
}

// Cursor encodes the position after the last yielded entry. It is empty
// before the first call to Next returns true.
func (it *Iterator) Cursor() string {
	if it.last == nil {
		return ""
	}
	return encodeCursor(it.last)
}

// Collect drains the iterator.
func (it *Iterator) Collect() ([]Entry, error) {
	var out []Entry
	for it.Next() {
		out = append(out, it.Entry())
	}
	return out, it.Err()
}

func (it *Iterator) fetch() error {
	if it.db.closed.Load() {
		return ErrStoreClosed
	}
	if bytes.Compare(it.lo, it.hi) >= 0 {
		it.done = true
		it.buf, it.raws, it.pos = nil, nil, 0
		return nil
	}

	limit := it.opts.BatchSize
	if it.opts.Limit > 0 {
		limit = min(limit, it.opts.Limit-it.seen)
	}

	res, err := it.db.b.scan(it.ctx, scanQuery{
		start:   it.lo,
		end:     it.hi,
		limit:   limit,
		reverse: it.opts.Reverse,
	}, it.db.now())
	if err != nil {
		return err
	}

	it.buf = it.buf[:0]
	it.raws = it.raws[:0]
	it.pos = 0
	for i, r := range res.records {
		e, err := r.entry(res.keys[i])
		if err != nil {
			return err
		}
		it.buf = append(it.buf, e)
		it.raws = append(it.raws, res.keys[i])
	}

	if res.exhausted || res.last == nil {
		it.done = true
		return nil
	}
	if it.opts.Reverse {
		it.hi = res.last
	} else {
		it.lo = append(append([]byte(nil), res.last...), 0x00)
	}
	return nil
}

func (it *Iterator) fail(err error) {
	if it.err == nil {
		it.err = err
	}
}
