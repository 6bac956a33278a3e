package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/groovybytes/dashauth/kv"
)

func sampleEvent() Event {
	return Event{
		Timestamp: time.Unix(1_700_000_000, 0).UTC(),
		EventType: "auth_complete",
		UserID:    "user-oid",
		SessionID: "sid-1",
		IP:        "10.0.0.1",
		Success:   true,
		Metadata:  map[string]string{"authority": "sign_in"},
	}
}

func TestDispatcherDeliversInOrder(t *testing.T) {
	sink := NewChannelSink(8)
	d := NewDispatcher(Config{Enabled: true, BufferSize: 8}, sink)

	for i := 0; i < 3; i++ {
		e := sampleEvent()
		e.SessionID = string(rune('a' + i))
		d.Emit(context.Background(), e)
	}
	d.Close()

	for i := 0; i < 3; i++ {
		select {
		case e := <-sink.Events():
			if e.SessionID != string(rune('a'+i)) {
				t.Fatalf("event %d out of order: %q", i, e.SessionID)
			}
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}
}

func TestDisabledDispatcherIsNil(t *testing.T) {
	d := NewDispatcher(Config{Enabled: false}, NoOpSink{})
	if d != nil {
		t.Fatal("disabled dispatcher should be nil")
	}
	d.Emit(context.Background(), sampleEvent())
	d.Close()
	if d.Dropped() != 0 {
		t.Fatal("nil dispatcher dropped events")
	}
}

type blockingSink struct {
	release chan struct{}
	once    sync.Once
	started chan struct{}
}

func (s *blockingSink) Emit(context.Context, Event) {
	s.once.Do(func() { close(s.started) })
	<-s.release
}

func TestDropIfFullCountsDrops(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{}), started: make(chan struct{})}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 1, DropIfFull: true}, sink)

	d.Emit(context.Background(), sampleEvent())
	<-sink.started
	d.Emit(context.Background(), sampleEvent())
	d.Emit(context.Background(), sampleEvent())

	if d.Dropped() != 1 {
		t.Fatalf("dropped = %d, want 1", d.Dropped())
	}
	close(sink.release)
	d.Close()
}

func TestJSONWriterSink(t *testing.T) {
	var buf bytes.Buffer
	NewJSONWriterSink(&buf).Emit(context.Background(), sampleEvent())

	var got Event
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.EventType != "auth_complete" || got.Metadata["authority"] != "sign_in" {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestQueueSinkRoundTrip(t *testing.T) {
	store := kv.NewMemory()
	defer store.Close()

	NewQueueSink(store, nil).Emit(context.Background(), sampleEvent())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	got := make(chan Event, 1)
	go func() {
		_ = store.ListenQueue(ctx, func(_ context.Context, value []byte) error {
			e, err := DecodeQueued(value)
			if err != nil {
				return err
			}
			got <- e
			cancel()
			return nil
		})
	}()

	select {
	case e := <-got:
		if e.UserID != "user-oid" || !e.Success {
			t.Fatalf("unexpected event %+v", e)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("queued event not delivered")
	}
}

func TestZapSinkFields(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	NewZapSink(zap.New(core)).Emit(context.Background(), sampleEvent())

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("entries = %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["event_type"] != "auth_complete" || fields["meta.authority"] != "sign_in" {
		t.Fatalf("unexpected fields %v", fields)
	}
	if entries[0].LoggerName != "audit" {
		t.Fatalf("logger name = %q", entries[0].LoggerName)
	}
}

func TestMultiSink(t *testing.T) {
	a, b := NewChannelSink(1), NewChannelSink(1)
	MultiSink{a, nil, b}.Emit(context.Background(), sampleEvent())
	if len(a.Events()) != 1 || len(b.Events()) != 1 {
		t.Fatal("multi sink did not fan out")
	}
}

type panicSink struct{ calls int }

func (s *panicSink) Emit(context.Context, Event) {
	s.calls++
	if s.calls == 1 {
		panic("sink broke")
	}
}

func TestDispatcherSurvivesSinkPanic(t *testing.T) {
	core, logs := observer.New(zap.ErrorLevel)
	sink := &panicSink{}
	d := NewDispatcher(Config{Enabled: true, BufferSize: 4, Logger: zap.New(core)}, sink)

	d.Emit(context.Background(), sampleEvent())
	d.Emit(context.Background(), sampleEvent())
	d.Close()

	if sink.calls != 2 {
		t.Fatalf("expected both events delivered, got %d", sink.calls)
	}
	if d.SinkFailures() != 1 {
		t.Fatalf("sink failures = %d, want 1", d.SinkFailures())
	}
	if logs.FilterMessage("audit sink panicked").Len() != 1 {
		t.Fatal("expected the panic to be logged")
	}
}
