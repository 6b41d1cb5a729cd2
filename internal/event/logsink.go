package event

import (
	"context"
	"log/slog"
)

// LogSink writes events to the structured log. It is the default sink when no
// broker is configured, so transitions stay observable in development.
type LogSink struct {
	logger *slog.Logger
}

func NewLogSink(logger *slog.Logger) *LogSink {
	return &LogSink{logger: logger}
}

func (s *LogSink) Append(ctx context.Context, ev Event) error {
	s.logger.InfoContext(ctx, "domain event",
		"subsystem", ev.Subsystem,
		"action", ev.Action,
		"identity_id", ev.IdentityID.String(),
		"actor", ev.Actor.String(),
		"logical_time", uint64(ev.LogicalTime),
	)
	return nil
}
