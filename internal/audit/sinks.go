package audit

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"

	"github.com/groovybytes/dashauth/kv"
)

// Enqueuer is the slice of kv.Store used by QueueSink.
type Enqueuer interface {
	Enqueue(ctx context.Context, value []byte, opts ...kv.EnqueueOption) (kv.CommitResult, error)
}

// QueueSink publishes events onto the kv queue so any process sharing the
// store can drain them. Undeliverable events land under
// ["audit", "undelivered", <timestamp>].
type QueueSink struct {
	queue Enqueuer
	log   *zap.Logger
}

func NewQueueSink(q Enqueuer, log *zap.Logger) *QueueSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &QueueSink{queue: q, log: log}
}

func (s *QueueSink) Emit(ctx context.Context, event Event) {
	if s == nil || s.queue == nil {
		return
	}
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	dead := kv.Key{"audit", "undelivered", event.Timestamp.UnixNano()}
	if _, err := s.queue.Enqueue(ctx, data, kv.WithKeysIfUndelivered(dead)); err != nil {
		s.log.Warn("audit enqueue failed", zap.String("event_type", event.EventType), zap.Error(err))
	}
}

// DecodeQueued parses a queue message written by QueueSink.
func DecodeQueued(value []byte) (Event, error) {
	var e Event
	err := json.Unmarshal(value, &e)
	return e, err
}

// ZapSink writes events as structured log lines.
type ZapSink struct {
	log *zap.Logger
}

func NewZapSink(log *zap.Logger) *ZapSink {
	if log == nil {
		log = zap.NewNop()
	}
	return &ZapSink{log: log.Named("audit")}
}

func (s *ZapSink) Emit(_ context.Context, event Event) {
	if s == nil {
		return
	}
	fields := make([]zap.Field, 0, 8+len(event.Metadata))
	fields = append(fields,
		zap.Time("timestamp", event.Timestamp.UTC().Truncate(time.Millisecond)),
		zap.String("event_type", event.EventType),
		zap.Bool("success", event.Success),
	)
	if event.UserID != "" {
		fields = append(fields, zap.String("user_id", event.UserID))
	}
	if event.TenantID != "" {
		fields = append(fields, zap.String("tenant_id", event.TenantID))
	}
	if event.SessionID != "" {
		fields = append(fields, zap.String("session_id", event.SessionID))
	}
	if event.IP != "" {
		fields = append(fields, zap.String("ip", event.IP))
	}
	if event.Error != "" {
		fields = append(fields, zap.String("error", event.Error))
	}
	for k, v := range event.Metadata {
		fields = append(fields, zap.String("meta."+k, v))
	}
	s.log.Info("audit", fields...)
}

// MultiSink fans an event out to every sink in order.
type MultiSink []Sink

func (m MultiSink) Emit(ctx context.Context, event Event) {
	for _, s := range m {
		if s != nil {
			s.Emit(ctx, event)
		}
	}
}
