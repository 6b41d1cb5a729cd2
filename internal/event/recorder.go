package event

import (
	"context"
	"sync"

	id "idvault/pkg/domain"
)

// Recorder is a synchronous in-memory Emitter and Sink. Tests use it to
// assert on the exact event sequence an operation produced.
type Recorder struct {
	mu     sync.RWMutex
	events []Event
}

func NewRecorder() *Recorder {
	return &Recorder{}
}

func (r *Recorder) Emit(_ context.Context, ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *Recorder) Append(ctx context.Context, ev Event) error {
	r.Emit(ctx, ev)
	return nil
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]Event{}, r.events...)
}

// ByIdentity filters recorded events for one identity.
func (r *Recorder) ByIdentity(identityID id.IdentityID) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Event
	for _, ev := range r.events {
		if ev.IdentityID == identityID {
			out = append(out, ev)
		}
	}
	return out
}

// Last returns the most recent event, or a zero Event when none exist.
func (r *Recorder) Last() Event {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if len(r.events) == 0 {
		return Event{}
	}
	return r.events[len(r.events)-1]
}

// Actions projects the recorded actions in order.
func (r *Recorder) Actions() []Action {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Action, 0, len(r.events))
	for _, ev := range r.events {
		out = append(out, ev.Action)
	}
	return out
}
