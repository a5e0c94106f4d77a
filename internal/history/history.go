package history

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/loykin/storagelink/internal/store"
)

// EventType defines the kind of backend lifecycle event.
type EventType string

const (
	EventSpawn     EventType = "spawn"
	EventReady     EventType = "ready"
	EventExit      EventType = "exit"
	EventFailure   EventType = "failure"
	EventRecovered EventType = "recovered"
)

// Event represents a lifecycle event to be exported to external systems.
type Event struct {
	Type       EventType    `json:"type"`
	OccurredAt time.Time    `json:"occurred_at"`
	Record     store.Record `json:"record"`
	ExitCode   int          `json:"exit_code,omitempty"`
	Error      string       `json:"error,omitempty"`
}

// Sink is a destination for history events (analytics/statistics systems).
// Implementations must be safe for concurrent use.
type Sink interface {
	Send(ctx context.Context, e Event) error
}

// Fanout sends every event to all of its sinks.
type Fanout []Sink

// Send delivers e to every sink and joins their errors.
func (f Fanout) Send(ctx context.Context, e Event) error {
	var errs []error
	for _, s := range f {
		if err := s.Send(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Emit is a best-effort Send: failures are logged, never returned.
func Emit(ctx context.Context, s Sink, log *slog.Logger, e Event) {
	if s == nil {
		return
	}
	if e.OccurredAt.IsZero() {
		e.OccurredAt = time.Now().UTC()
	}
	if err := s.Send(ctx, e); err != nil && log != nil {
		log.Warn("history sink", "event", e.Type, "backend", e.Record.BackendID, "error", err)
	}
}
