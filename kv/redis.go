package kv

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const maxCommitRetries = 16

// redisBackend stores entries as binary records under one hash tag so that
// multi-key transactions stay on a single cluster slot.
//
// Layout, with base "dash":
//
//	{dash}:v          global version counter
//	{dash}:i          sorted set of encoded keys, lex ordered
//	{dash}:d:<key>    record of one entry
//	{dash}:q          queue, message id scored by ready time (unix ms)
//	{dash}:qm         hash of message id to encoded message
//	{dash}:changes    pub/sub channel of committed keys
type redisBackend struct {
	client     redis.UniversalClient
	ownsClient bool
	base       string
	log        *zap.Logger

	closers []func() error

	mu     sync.Mutex
	pubsub *redis.PubSub
}

// NewRedis returns a store backed by client. The caller keeps ownership of
// client unless the store was built by Open.
func NewRedis(client redis.UniversalClient, opts ...Option) *DB {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	return newDB(newRedisBackend(client, o), o)
}

func newRedisBackend(client redis.UniversalClient, o options) *redisBackend {
	return &redisBackend{
		client: client,
		base:   "{" + o.redisBase + "}",
		log:    o.logger,
	}
}

func (r *redisBackend) versionKey() string { return r.base + ":v" }

func (r *redisBackend) indexKey() string { return r.base + ":i" }

func (r *redisBackend) queueKey() string { return r.base + ":q" }

func (r *redisBackend) messagesKey() string { return r.base + ":qm" }

func (r *redisBackend) changesChannel() string { return r.base + ":changes" }

func (r *redisBackend) dataKey(raw []byte) string { return r.base + ":d:" + string(raw) }

func (r *redisBackend) read(ctx context.Context, keys [][]byte, now time.Time) ([]*record, error) {
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = r.dataKey(k)
	}
	vals, err := r.client.MGet(ctx, names...).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return decodeValues(vals, now)
}

func decodeValues(vals []any, now time.Time) ([]*record, error) {
	out := make([]*record, len(vals))
	for i, v := range vals {
		s, ok := v.(string)
		if !ok {
			continue
		}
		rec, err := decodeRecord([]byte(s))
		if err != nil {
			return nil, err
		}
		if rec.expired(now) {
			continue
		}
		out[i] = rec
	}
	return out, nil
}

func (r *redisBackend) scan(ctx context.Context, q scanQuery, now time.Time) (scanResult, error) {
	by := &redis.ZRangeBy{
		Min:   "[" + string(q.start),
		Max:   "(" + string(q.end),
		Count: int64(q.limit),
	}

	var (
		members []string
		err     error
	)
	if q.reverse {
		members, err = r.client.ZRevRangeByLex(ctx, r.indexKey(), by).Result()
	} else {
		members, err = r.client.ZRangeByLex(ctx, r.indexKey(), by).Result()
	}
	if err != nil {
		return scanResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	res := scanResult{exhausted: q.limit <= 0 || len(members) < q.limit}
	if len(members) == 0 {
		return res, nil
	}
	res.last = []byte(members[len(members)-1])

	names := make([]string, len(members))
	for i, m := range members {
		names[i] = r.dataKey([]byte(m))
	}
	vals, err := r.client.MGet(ctx, names...).Result()
	if err != nil {
		return scanResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	records, err := decodeValues(vals, now)
	if err != nil {
		return scanResult{}, err
	}

	for i, rec := range records {
		if rec == nil {
			if vals[i] == nil {
				r.dropStale(ctx, members[i])
			}
			continue
		}
		res.keys = append(res.keys, []byte(members[i]))
		res.records = append(res.records, rec)
	}
	return res, nil
}

// dropStale removes an index member whose record Redis has already expired.
// The record key is watched so a concurrent Set keeps its index entry.
func (r *redisBackend) dropStale(ctx context.Context, member string) {
	key := r.dataKey([]byte(member))
	err := r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil || n > 0 {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.ZRem(ctx, r.indexKey(), member)
			return nil
		})
		return err
	}, key)
	if err != nil && !errors.Is(err, redis.TxFailedErr) {
		r.log.Debug("kv stale index cleanup failed", zap.Error(err))
	}
}

// commitScript applies one batch. Each read key's stored bytes must still
// equal what the client observed; a mismatch returns 0 and nothing is
// written. Otherwise the version counter is incremented, its value is
// stamped into every written record at byte offset 2, and the version is
// returned.
//
// KEYS: version, index, queue, messages, then one data key per read key.
// ARGV: n, then per read key {observed, op, record, ttl ms, member}, then
// per message {id, ready ms, encoded}.
var commitScript = redis.NewScript(`
local function be64(n)
  local b = {}
  for i = 8, 1, -1 do
    b[i] = n % 256
    n = math.floor(n / 256)
  end
  return string.char(unpack(b))
end

local n = tonumber(ARGV[1])
for i = 1, n do
  local got = redis.call('GET', KEYS[4 + i])
  if not got then got = '' end
  if got ~= ARGV[2 + (i - 1) * 5] then
    return 0
  end
end

local v = redis.call('INCR', KEYS[1])
local stamp = be64(v)
for i = 1, n do
  local a = 2 + (i - 1) * 5
  local op = ARGV[a + 1]
  if op == 'del' then
    redis.call('DEL', KEYS[4 + i])
    redis.call('ZREM', KEYS[2], ARGV[a + 4])
  elseif op == 'set' then
    local rec = string.sub(ARGV[a + 2], 1, 2) .. stamp .. string.sub(ARGV[a + 2], 11)
    local ttl = tonumber(ARGV[a + 3])
    if ttl > 0 then
      redis.call('SET', KEYS[4 + i], rec, 'PX', ttl)
    else
      redis.call('SET', KEYS[4 + i], rec)
    end
    redis.call('ZADD', KEYS[2], 0, ARGV[a + 4])
  end
end

local m = 2 + n * 5
while m + 2 <= #ARGV do
  redis.call('ZADD', KEYS[3], ARGV[m + 1], ARGV[m])
  redis.call('HSET', KEYS[4], ARGV[m], ARGV[m + 2])
  m = m + 3
end
return v
`)

const (
	opKeep   = ""
	opDelete = "del"
	opSet    = "set"
)

// errCommitConflict marks a batch whose read set changed before it landed.
var errCommitConflict = errors.New("kv: commit conflict")

// commit reads the batch's keys, evaluates checks and mutations against
// that snapshot, and hands the result to commitScript, which applies it
// only if none of those keys changed in between. Batches on disjoint keys
// never conflict; a conflict on a shared key is retried from a fresh read.
func (r *redisBackend) commit(ctx context.Context, b *batch, now time.Time) (CommitResult, error) {
	touched := b.touchedKeys()

	readKeys := make([][]byte, 0, len(b.checks)+len(touched))
	seen := make(map[string]struct{})
	for _, c := range b.checks {
		if _, ok := seen[string(c.key)]; !ok {
			seen[string(c.key)] = struct{}{}
			readKeys = append(readKeys, c.key)
		}
	}
	for _, k := range touched {
		if _, ok := seen[string(k)]; !ok {
			seen[string(k)] = struct{}{}
			readKeys = append(readKeys, k)
		}
	}

	keys := make([]string, 0, 4+len(readKeys))
	keys = append(keys, r.versionKey(), r.indexKey(), r.queueKey(), r.messagesKey())
	for _, k := range readKeys {
		keys = append(keys, r.dataKey(k))
	}

	writes := make(map[string]struct{}, len(touched))
	for _, k := range touched {
		writes[string(k)] = struct{}{}
	}

	attempt := func() (CommitResult, error) {
		var raw []any
		if len(readKeys) > 0 {
			vals, err := r.client.MGet(ctx, keys[4:]...).Result()
			if err != nil {
				return CommitResult{}, err
			}
			raw = vals
		}

		current := make(map[string]*record, len(readKeys))
		if len(raw) > 0 {
			records, err := decodeValues(raw, now)
			if err != nil {
				return CommitResult{}, backoff.Permanent(err)
			}
			for i, k := range readKeys {
				current[string(k)] = records[i]
			}
		}

		for _, c := range b.checks {
			if versionOf(current[string(c.key)], now) != c.versionstamp {
				return CommitResult{OK: false}, nil
			}
		}

		for _, mut := range b.mutations {
			current[string(mut.key)] = apply(current[string(mut.key)], mut, now, 0)
		}

		args := make([]any, 0, 1+5*len(readKeys)+3*len(b.messages))
		args = append(args, len(readKeys))
		for i, k := range readKeys {
			observed, _ := raw[i].(string)
			op, rec, ttl := opKeep, "", int64(0)
			if _, ok := writes[string(k)]; ok {
				op, rec, ttl = r.recordWrite(current[string(k)], now)
			}
			args = append(args, observed, op, rec, ttl, string(k))
		}
		for _, m := range b.messages {
			args = append(args, m.id, m.readyAt, encodeMessage(m))
		}

		version, err := commitScript.Run(ctx, r.client, keys, args...).Int64()
		if err != nil {
			return CommitResult{}, err
		}
		if version == 0 {
			return CommitResult{}, errCommitConflict
		}
		return CommitResult{OK: true, Versionstamp: FormatVersionstamp(uint64(version))}, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Millisecond
	bo.MaxInterval = 50 * time.Millisecond

	res, err := backoff.Retry(ctx, func() (CommitResult, error) {
		res, err := attempt()
		if err != nil && !errors.Is(err, errCommitConflict) && !errors.Is(err, ErrCorruptRecord) {
			return res, backoff.Permanent(fmt.Errorf("%w: %v", ErrStoreUnavailable, err))
		}
		return res, err
	},
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(maxCommitRetries),
	)
	switch {
	case errors.Is(err, errCommitConflict):
		return CommitResult{}, ErrCommitContention
	case err != nil:
		if errors.Is(err, ErrCorruptRecord) || errors.Is(err, ErrStoreUnavailable) {
			return CommitResult{}, err
		}
		return CommitResult{}, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	if res.OK && len(touched) > 0 {
		r.publish(ctx, touched)
	}
	return res, nil
}

// recordWrite returns the script operation for rec. Records are encoded
// with version 0; the script stamps the allocated version.
func (r *redisBackend) recordWrite(rec *record, now time.Time) (op, encoded string, ttlMillis int64) {
	if rec == nil {
		return opDelete, "", 0
	}
	if rec.expireAt != 0 {
		ttl := time.UnixMilli(rec.expireAt).Sub(now)
		if ttl <= 0 {
			return opDelete, "", 0
		}
		ttlMillis = ttl.Milliseconds()
		if ttlMillis == 0 {
			ttlMillis = 1
		}
	}
	return opSet, string(encodeRecord(rec)), ttlMillis
}

func (r *redisBackend) publish(ctx context.Context, keys [][]byte) {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = base64.RawURLEncoding.EncodeToString(k)
	}
	if err := r.client.Publish(ctx, r.changesChannel(), strings.Join(parts, "\n")).Err(); err != nil {
		r.log.Debug("kv change publish failed", zap.Error(err))
	}
}

func (r *redisBackend) claim(ctx context.Context, now time.Time, lease time.Duration) (*message, error) {
	for attempt := 0; attempt < maxCommitRetries; attempt++ {
		var claimed *message

		err := r.client.Watch(ctx, func(tx *redis.Tx) error {
			ids, err := tx.ZRangeByScore(ctx, r.queueKey(), &redis.ZRangeBy{
				Min:   "-inf",
				Max:   strconv.FormatInt(now.UnixMilli(), 10),
				Count: 1,
			}).Result()
			if err != nil || len(ids) == 0 {
				return err
			}
			id := ids[0]

			data, err := tx.HGet(ctx, r.messagesKey(), id).Bytes()
			if errors.Is(err, redis.Nil) {
				_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
					pipe.ZRem(ctx, r.queueKey(), id)
					return nil
				})
				return err
			}
			if err != nil {
				return err
			}

			m, err := decodeMessage(id, data)
			if err != nil {
				return err
			}
			m.attempts++
			m.readyAt = now.Add(lease).UnixMilli()

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.ZAdd(ctx, r.queueKey(), redis.Z{Score: float64(m.readyAt), Member: id})
				pipe.HSet(ctx, r.messagesKey(), id, encodeMessage(m))
				return nil
			})
			if err != nil {
				return err
			}
			claimed = m
			return nil
		}, r.queueKey(), r.messagesKey())

		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		return claimed, nil
	}
	return nil, nil
}

func (r *redisBackend) ack(ctx context.Context, id string) error {
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, r.queueKey(), id)
		pipe.HDel(ctx, r.messagesKey(), id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (r *redisBackend) retry(ctx context.Context, m *message, readyAt time.Time) error {
	err := r.client.ZAddArgs(ctx, r.queueKey(), redis.ZAddArgs{
		XX:      true,
		Members: []redis.Z{{Score: float64(readyAt.UnixMilli()), Member: m.id}},
	}).Err()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}
	return nil
}

func (r *redisBackend) purge(ctx context.Context, now time.Time) (int, error) {
	const batchSize = 500
	lo := "-"
	purged := 0
	for {
		members, err := r.client.ZRangeByLex(ctx, r.indexKey(), &redis.ZRangeBy{
			Min:   lo,
			Max:   "+",
			Count: batchSize,
		}).Result()
		if err != nil {
			return purged, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		if len(members) == 0 {
			return purged, nil
		}

		names := make([]string, len(members))
		for i, m := range members {
			names[i] = r.dataKey([]byte(m))
		}
		vals, err := r.client.MGet(ctx, names...).Result()
		if err != nil {
			return purged, fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
		}
		for i, v := range vals {
			if v == nil {
				r.dropStale(ctx, members[i])
				purged++
			}
		}

		if len(members) < batchSize {
			return purged, nil
		}
		lo = "(" + members[len(members)-1]
	}
}

// queueSignal returns nil; Redis listeners poll.
func (r *redisBackend) queueSignal() <-chan struct{} {
	return nil
}

func (r *redisBackend) subscribe(notify func(keys [][]byte)) error {
	ps := r.client.Subscribe(context.Background(), r.changesChannel())
	if _, err := ps.Receive(context.Background()); err != nil {
		_ = ps.Close()
		return fmt.Errorf("%w: %v", ErrStoreUnavailable, err)
	}

	r.mu.Lock()
	r.pubsub = ps
	r.mu.Unlock()

	ch := ps.Channel()
	go func() {
		for msg := range ch {
			var keys [][]byte
			for _, part := range strings.Split(msg.Payload, "\n") {
				k, err := base64.RawURLEncoding.DecodeString(part)
				if err == nil && len(k) > 0 {
					keys = append(keys, k)
				}
			}
			if len(keys) > 0 {
				notify(keys)
			}
		}
	}()
	return nil
}

func (r *redisBackend) close() error {
	r.mu.Lock()
	ps := r.pubsub
	r.pubsub = nil
	r.mu.Unlock()

	var errs []error
	if ps != nil {
		errs = append(errs, ps.Close())
	}
	if r.ownsClient {
		errs = append(errs, r.client.Close())
	}
	for _, c := range r.closers {
		errs = append(errs, c())
	}
	return errors.Join(errs...)
}
