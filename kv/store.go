package kv

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// Store is the transactional key-value contract shared by every backend.
type Store interface {
	Get(ctx context.Context, key Key) (Entry, error)
	GetMany(ctx context.Context, keys []Key) ([]Entry, error)
	Set(ctx context.Context, key Key, value []byte, opts ...WriteOption) (CommitResult, error)
	Delete(ctx context.Context, key Key) error
	List(ctx context.Context, sel Selector, opts ListOptions) *Iterator
	Atomic() *AtomicOperation
	Enqueue(ctx context.Context, value []byte, opts ...EnqueueOption) (CommitResult, error)
	ListenQueue(ctx context.Context, handler QueueHandler) error
	Watch(ctx context.Context, keys []Key) (<-chan []Entry, error)
	Close() error
}

// backend is the storage primitive under DB. Implementations own
// atomicity of commit and claim; everything else lives in DB.
type backend interface {
	read(ctx context.Context, keys [][]byte, now time.Time) ([]*record, error)
	scan(ctx context.Context, q scanQuery, now time.Time) (scanResult, error)
	commit(ctx context.Context, b *batch, now time.Time) (CommitResult, error)
	purge(ctx context.Context, now time.Time) (int, error)

	claim(ctx context.Context, now time.Time, lease time.Duration) (*message, error)
	ack(ctx context.Context, id string) error
	retry(ctx context.Context, m *message, readyAt time.Time) error
	queueSignal() <-chan struct{}

	subscribe(notify func(keys [][]byte)) error
	close() error
}

type scanQuery struct {
	start   []byte // inclusive
	end     []byte // exclusive
	limit   int
	reverse bool
}

type scanResult struct {
	keys    [][]byte
	records []*record
	// last is the furthest raw key examined, including expired ones that
	// were filtered out. Zero when nothing was examined.
	last []byte
	// exhausted is set when the backend had fewer than limit raw keys left.
	exhausted bool
}

type options struct {
	logger              *zap.Logger
	clock               func() time.Time
	queuePollInterval   time.Duration
	queueLease          time.Duration
	maxDeliveryAttempts int
	redeliveryBase      time.Duration
	redisBase           string
}

// Option configures a DB.
type Option func(*options)

// WithLogger sets the logger used for background failures.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithClock overrides time.Now. Expiry and queue readiness use it.
func WithClock(clock func() time.Time) Option {
	return func(o *options) {
		if clock != nil {
			o.clock = clock
		}
	}
}

// WithQueuePollInterval sets how often ListenQueue looks for ready messages
// when it has not been woken by an enqueue.
func WithQueuePollInterval(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.queuePollInterval = d
		}
	}
}

// WithQueueLease sets how long a claimed message stays invisible to other
// listeners before it is redelivered.
func WithQueueLease(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.queueLease = d
		}
	}
}

// WithMaxDeliveryAttempts bounds handler runs per message.
func WithMaxDeliveryAttempts(n int) Option {
	return func(o *options) {
		if n > 0 {
			o.maxDeliveryAttempts = n
		}
	}
}

// WithRedeliveryBackoff sets the first redelivery delay of a failed
// message. Later attempts back off exponentially.
func WithRedeliveryBackoff(d time.Duration) Option {
	return func(o *options) {
		if d > 0 {
			o.redeliveryBase = d
		}
	}
}

// WithRedisBase sets the namespace of every Redis key. It doubles as the
// cluster hash tag.
func WithRedisBase(base string) Option {
	return func(o *options) {
		if base != "" {
			o.redisBase = base
		}
	}
}

func defaultOptions() options {
	return options{
		logger:              zap.NewNop(),
		clock:               time.Now,
		queuePollInterval:   time.Second,
		queueLease:          30 * time.Second,
		maxDeliveryAttempts: 5,
		redeliveryBase:      time.Second,
		redisBase:           "dash",
	}
}

// DB implements Store on top of a memory or Redis backend.
type DB struct {
	b    backend
	opts options
	log  *zap.Logger

	closed  atomic.Bool
	done    chan struct{}
	hub     *watchHub
	subOnce sync.Once
	subErr  error
	wg      sync.WaitGroup
}

var _ Store = (*DB)(nil)

func newDB(b backend, o options) *DB {
	db := &DB{
		b:    b,
		opts: o,
		log:  o.logger,
		done: make(chan struct{}),
	}
	db.hub = newWatchHub()
	return db
}

func (db *DB) now() time.Time {
	return db.opts.clock()
}

// Get reads one key. An absent or expired key yields an Entry whose Found
// reports false.
func (db *DB) Get(ctx context.Context, key Key) (Entry, error) {
	entries, err := db.GetMany(ctx, []Key{key})
	if err != nil {
		return Entry{}, err
	}
	return entries[0], nil
}

// GetMany reads several keys from one consistent view.
func (db *DB) GetMany(ctx context.Context, keys []Key) ([]Entry, error) {
	if db.closed.Load() {
		return nil, ErrStoreClosed
	}
	raws := make([][]byte, len(keys))
	for i, k := range keys {
		raw, err := encodeKey(k)
		if err != nil {
			return nil, err
		}
		raws[i] = raw
	}
	return db.readRaw(ctx, raws)
}

func (db *DB) readRaw(ctx context.Context, raws [][]byte) ([]Entry, error) {
	records, err := db.b.read(ctx, raws, db.now())
	if err != nil {
		return nil, err
	}

	out := make([]Entry, len(raws))
	for i, r := range records {
		k, err := decodeKey(raws[i])
		if err != nil {
			return nil, err
		}
		if r == nil {
			out[i] = Entry{Key: k}
			continue
		}
		e, err := r.entry(raws[i])
		if err != nil {
			return nil, err
		}
		out[i] = e
	}
	return out, nil
}

// Set writes value under key unconditionally.
func (db *DB) Set(ctx context.Context, key Key, value []byte, opts ...WriteOption) (CommitResult, error) {
	return db.Atomic().Set(key, value, opts...).Commit(ctx)
}

// Delete removes key. Deleting an absent key is not an error.
func (db *DB) Delete(ctx context.Context, key Key) error {
	_, err := db.Atomic().Delete(key).Commit(ctx)
	return err
}

// Enqueue schedules value for delivery to ListenQueue handlers.
func (db *DB) Enqueue(ctx context.Context, value []byte, opts ...EnqueueOption) (CommitResult, error) {
	return db.Atomic().Enqueue(value, opts...).Commit(ctx)
}

// Atomic starts an atomic operation.
func (db *DB) Atomic() *AtomicOperation {
	return &AtomicOperation{db: db}
}

func (db *DB) commit(ctx context.Context, b *batch) (CommitResult, error) {
	if db.closed.Load() {
		return CommitResult{}, ErrStoreClosed
	}
	if len(b.checks) == 0 && len(b.mutations) == 0 && len(b.messages) == 0 {
		return CommitResult{}, ErrEmptyOperation
	}

	res, err := db.b.commit(ctx, b, db.now())
	if err != nil || !res.OK {
		return res, err
	}
	if keys := b.touchedKeys(); len(keys) > 0 {
		db.hub.notify(keys)
	}
	return res, nil
}

// PurgeExpired drops expired entries that no reader has touched yet. Memory
// stores free the entries; Redis stores trim index members whose records
// Redis has already expired.
func (db *DB) PurgeExpired(ctx context.Context) (int, error) {
	if db.closed.Load() {
		return 0, ErrStoreClosed
	}
	return db.b.purge(ctx, db.now())
}

// Close releases the backend. Blocked ListenQueue and Watch calls return.
func (db *DB) Close() error {
	if !db.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(db.done)
	db.hub.closeAll()
	err := db.b.close()
	db.wg.Wait()
	return err
}

func (db *DB) ensureSubscribed() error {
	db.subOnce.Do(func() {
		db.subErr = db.b.subscribe(db.hub.notify)
	})
	return db.subErr
}
