package audit

import (
	"context"
	"errors"
	"log/slog"
)

// Sink writes events somewhere durable or observable.
type Sink interface {
	Emit(ctx context.Context, ev Event) error
}

// Recorder accepts events without blocking the caller.
type Recorder interface {
	Record(ev Event)
}

// NopRecorder discards every event.
type NopRecorder struct{}

// Record is a no-op.
func (NopRecorder) Record(Event) {}

// Multi fans an event out to every sink and joins their errors.
type Multi []Sink

// Emit writes ev to every sink, continuing past failures.
func (m Multi) Emit(ctx context.Context, ev Event) error {
	var errs []error
	for _, s := range m {
		if s == nil {
			continue
		}
		if err := s.Emit(ctx, ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// LogSink writes events as structured log lines.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink returns a LogSink. A nil logger falls back to slog.Default().
func NewLogSink(log *slog.Logger) *LogSink {
	if log == nil {
		log = slog.Default()
	}
	return &LogSink{log: log}
}

// Emit logs ev at a level derived from its risk.
func (s *LogSink) Emit(ctx context.Context, ev Event) error {
	level := slog.LevelInfo
	switch ev.Risk {
	case RiskMedium:
		level = slog.LevelWarn
	case RiskHigh, RiskCritical:
		level = slog.LevelError
	}

	s.log.LogAttrs(ctx, level, "audit.event",
		slog.String("id", ev.ID),
		slog.String("category", string(ev.Category)),
		slog.String("action", ev.Action),
		slog.String("outcome", string(ev.Outcome)),
		slog.String("risk", string(ev.Risk)),
		slog.String("user_id", ev.UserID),
		slog.String("actor_id", ev.ActorID),
		slog.String("session_id", ev.SessionID),
		slog.String("ip", ev.IP),
		slog.String("user_agent", ev.UserAgent),
		slog.String("description", ev.Description),
		slog.Any("metadata", ev.Metadata),
		slog.Time("occurred_at", ev.OccurredAt),
	)
	return nil
}
