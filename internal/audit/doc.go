// Package audit buffers authentication audit events and hands them to a
// sink on a background goroutine.
//
// Sinks include a channel, a JSON lines writer, a zap logger and
// [QueueSink], which publishes onto the kv queue so any replica can drain
// events with [DecodeQueued]. [MultiSink] fans one event out to several.
//
// The [Dispatcher] never decides which events exist; the engine does. With
// DropIfFull a slow sink costs events (counted by Dropped) rather than
// callback latency.
package audit
