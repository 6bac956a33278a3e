package kv

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"
)

// QueueHandler processes one queued value. Returning an error schedules a
// redelivery.
type QueueHandler func(ctx context.Context, value []byte) error

// ListenQueue delivers queued values to handler until ctx is done or the
// store closes. Delivery is at least once: a value whose handler fails is
// retried with exponential backoff, and after the final failed attempt it
// is written to its keysIfUndelivered and dropped.
func (db *DB) ListenQueue(ctx context.Context, handler QueueHandler) error {
	if db.closed.Load() {
		return ErrStoreClosed
	}

	db.wg.Add(1)
	defer db.wg.Done()

	poll := time.NewTimer(0)
	defer poll.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-db.done:
			return ErrStoreClosed
		case <-db.b.queueSignal():
		case <-poll.C:
		}

		for {
			if ctx.Err() != nil || db.closed.Load() {
				break
			}
			m, err := db.b.claim(ctx, db.now(), db.opts.queueLease)
			if err != nil {
				if ctx.Err() == nil && !db.closed.Load() {
					db.log.Warn("kv queue claim failed", zap.Error(err))
				}
				break
			}
			if m == nil {
				break
			}
			db.deliver(ctx, m, handler)
		}

		if !poll.Stop() {
			select {
			case <-poll.C:
			default:
			}
		}
		poll.Reset(db.opts.queuePollInterval)
	}
}

func (db *DB) deliver(ctx context.Context, m *message, handler QueueHandler) {
	err := runHandler(ctx, handler, m.value)
	if err == nil {
		if err := db.b.ack(ctx, m.id); err != nil {
			db.log.Warn("kv queue ack failed", zap.String("message_id", m.id), zap.Error(err))
		}
		return
	}

	// claim has already counted this attempt.
	if int(m.attempts) < db.opts.maxDeliveryAttempts {
		delay := redeliveryDelay(db.opts.redeliveryBase, int(m.attempts))
		db.log.Debug("kv queue redelivery scheduled",
			zap.String("message_id", m.id),
			zap.Int("attempt", int(m.attempts)),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		if rerr := db.b.retry(ctx, m, db.now().Add(delay)); rerr != nil {
			db.log.Warn("kv queue retry failed", zap.String("message_id", m.id), zap.Error(rerr))
		}
		return
	}

	db.log.Warn("kv queue message undelivered",
		zap.String("message_id", m.id),
		zap.Int("attempts", int(m.attempts)),
		zap.Error(err),
	)
	if len(m.keysIfUndelivered) > 0 {
		b := &batch{}
		for _, k := range m.keysIfUndelivered {
			b.mutations = append(b.mutations, mutation{kind: mutSet, key: k, value: m.value})
		}
		if _, cerr := db.commit(ctx, b); cerr != nil {
			db.log.Warn("kv queue fallback write failed", zap.String("message_id", m.id), zap.Error(cerr))
			return
		}
	}
	if aerr := db.b.ack(ctx, m.id); aerr != nil {
		db.log.Warn("kv queue ack failed", zap.String("message_id", m.id), zap.Error(aerr))
	}
}

func runHandler(ctx context.Context, handler QueueHandler, value []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errHandlerPanic
		}
	}()
	return handler(ctx, value)
}

func redeliveryDelay(base time.Duration, attempt int) time.Duration {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = base
	b.MaxInterval = time.Minute
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = b.NextBackOff()
	}
	return d
}
