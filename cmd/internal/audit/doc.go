// Package audit carries security events out of the session core.
//
// Producers call Recorder.Record and never wait on delivery. Events are
// queued by Async and written by one or more Sinks (slog, Postgres, Kafka).
// Delivery is best effort: a full queue drops the event and counts it.
package audit
