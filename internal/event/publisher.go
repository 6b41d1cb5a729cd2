package event

import (
	"context"
	"log/slog"
)

//go:generate mockgen -source=publisher.go -destination=mocks/event_mocks.go -package=mocks Emitter Sink

// Emitter is what services hold. Emit never blocks the calling operation and
// never surfaces a delivery failure into it.
type Emitter interface {
	Emit(ctx context.Context, ev Event)
}

// Sink receives events for delivery. Implementations: in-memory recorder for
// tests, Kafka producer for production.
type Sink interface {
	Append(ctx context.Context, ev Event) error
}

// Publisher decouples emission from delivery with a buffered inbox drained by
// a Worker. When the inbox is full the event is dropped and counted; the
// engine guarantees state transitions, not notification delivery.
type Publisher struct {
	inbox  chan Event
	logger *slog.Logger
}

// NewPublisher sizes the inbox buffer; 256 is plenty for the per-identity
// serialized call pattern.
func NewPublisher(buffer int, logger *slog.Logger) *Publisher {
	if buffer <= 0 {
		buffer = 256
	}
	return &Publisher{
		inbox:  make(chan Event, buffer),
		logger: logger,
	}
}

// Emit enqueues the event, dropping it when the buffer is full.
func (p *Publisher) Emit(ctx context.Context, ev Event) {
	select {
	case p.inbox <- ev:
	default:
		p.logger.WarnContext(ctx, "event inbox full, dropping event",
			"subsystem", ev.Subsystem,
			"action", ev.Action,
			"identity_id", ev.IdentityID.String(),
		)
	}
}

// Inbox exposes the drain side for the Worker.
func (p *Publisher) Inbox() <-chan Event { return p.inbox }

// Worker consumes events from a publisher inbox and appends them to a sink.
// It keeps delivery testable without wiring a broker.
type Worker struct {
	sink   Sink
	inbox  <-chan Event
	logger *slog.Logger
}

func NewWorker(sink Sink, inbox <-chan Event, logger *slog.Logger) *Worker {
	return &Worker{sink: sink, inbox: inbox, logger: logger}
}

// Run drains the inbox until the context ends. Append failures are logged
// and the event is dropped; delivery is best-effort by contract.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev := <-w.inbox:
			if err := w.sink.Append(ctx, ev); err != nil {
				w.logger.ErrorContext(ctx, "event delivery failed",
					"subsystem", ev.Subsystem,
					"action", ev.Action,
					"error", err.Error(),
				)
			}
		}
	}
}
