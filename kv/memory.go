package kv

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/google/btree"
)

type memItem struct {
	key []byte
	rec *record
}

func lessItem(a, b memItem) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// memoryBackend keeps entries in an ordered B-tree under one mutex.
type memoryBackend struct {
	mu      sync.Mutex
	tree    *btree.BTreeG[memItem]
	version uint64
	queue   map[string]*message
	signal  chan struct{}
}

// NewMemory returns a process-local store. It is the fallback when Redis is
// not configured or its credential cannot be acquired.
func NewMemory(opts ...Option) *DB {
	o := defaultOptions()
	o.queuePollInterval = 50 * time.Millisecond
	for _, opt := range opts {
		opt(&o)
	}
	return newDB(&memoryBackend{
		tree:   btree.NewG[memItem](32, lessItem),
		queue:  make(map[string]*message),
		signal: make(chan struct{}, 1),
	}, o)
}

func (m *memoryBackend) lookup(key []byte, now time.Time) *record {
	it, ok := m.tree.Get(memItem{key: key})
	if !ok {
		return nil
	}
	if it.rec.expired(now) {
		m.tree.Delete(it)
		return nil
	}
	return it.rec
}

func (m *memoryBackend) read(_ context.Context, keys [][]byte, now time.Time) ([]*record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]*record, len(keys))
	for i, k := range keys {
		out[i] = m.lookup(k, now)
	}
	return out, nil
}

func (m *memoryBackend) scan(_ context.Context, q scanQuery, now time.Time) (scanResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var (
		res     scanResult
		expired []memItem
		raw     int
	)
	visit := func(it memItem) bool {
		if q.limit > 0 && raw >= q.limit {
			return false
		}
		raw++
		res.last = it.key
		if it.rec.expired(now) {
			expired = append(expired, it)
			return true
		}
		res.keys = append(res.keys, it.key)
		res.records = append(res.records, it.rec)
		return true
	}

	if q.reverse {
		m.tree.DescendLessOrEqual(memItem{key: q.end}, func(it memItem) bool {
			if bytes.Equal(it.key, q.end) {
				return true
			}
			if bytes.Compare(it.key, q.start) < 0 {
				return false
			}
			return visit(it)
		})
	} else {
		m.tree.AscendRange(memItem{key: q.start}, memItem{key: q.end}, visit)
	}

	for _, it := range expired {
		m.tree.Delete(it)
	}
	res.exhausted = q.limit <= 0 || raw < q.limit
	return res, nil
}

func (m *memoryBackend) commit(_ context.Context, b *batch, now time.Time) (CommitResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, c := range b.checks {
		if versionOf(m.lookup(c.key, now), now) != c.versionstamp {
			return CommitResult{OK: false}, nil
		}
	}

	m.version++
	version := m.version

	for _, mut := range b.mutations {
		next := apply(m.lookup(mut.key, now), mut, now, version)
		if next == nil {
			m.tree.Delete(memItem{key: mut.key})
			continue
		}
		m.tree.ReplaceOrInsert(memItem{key: mut.key, rec: next})
	}

	for _, msg := range b.messages {
		m.queue[msg.id] = msg
	}
	if len(b.messages) > 0 {
		m.wake()
	}

	return CommitResult{OK: true, Versionstamp: FormatVersionstamp(version)}, nil
}

func (m *memoryBackend) claim(_ context.Context, now time.Time, lease time.Duration) (*message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var next *message
	nowMs := now.UnixMilli()
	for _, msg := range m.queue {
		if msg.readyAt > nowMs {
			continue
		}
		if next == nil || msg.readyAt < next.readyAt {
			next = msg
		}
	}
	if next == nil {
		return nil, nil
	}

	next.attempts++
	next.readyAt = now.Add(lease).UnixMilli()
	claimed := *next
	return &claimed, nil
}

func (m *memoryBackend) ack(_ context.Context, id string) error {
	m.mu.Lock()
	delete(m.queue, id)
	m.mu.Unlock()
	return nil
}

func (m *memoryBackend) retry(_ context.Context, msg *message, readyAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cur, ok := m.queue[msg.id]; ok {
		cur.readyAt = readyAt.UnixMilli()
	}
	m.wake()
	return nil
}

func (m *memoryBackend) purge(_ context.Context, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var expired []memItem
	m.tree.Ascend(func(it memItem) bool {
		if it.rec.expired(now) {
			expired = append(expired, it)
		}
		return true
	})
	for _, it := range expired {
		m.tree.Delete(it)
	}
	return len(expired), nil
}

func (m *memoryBackend) wake() {
	select {
	case m.signal <- struct{}{}:
	default:
	}
}

func (m *memoryBackend) queueSignal() <-chan struct{} {
	return m.signal
}

// subscribe is a no-op: every writer shares the process-local hub.
func (m *memoryBackend) subscribe(func(keys [][]byte)) error {
	return nil
}

func (m *memoryBackend) close() error {
	m.mu.Lock()
	m.tree.Clear(false)
	m.queue = map[string]*message{}
	m.mu.Unlock()
	return nil
}
