package notify

import (
	"context"
	"log/slog"
)

// Sink receives events after a state change has committed. Delivery is
// best-effort: a sink failure never rolls back the committed change, so
// implementations must not be load-bearing.
type Sink interface {
	Notify(ctx context.Context, event string, payload interface{})
}

// LogSink writes events to the structured log. Default sink when no
// real-time channel is wired in.
type LogSink struct{}

// Notify logs the event
func (LogSink) Notify(ctx context.Context, event string, payload interface{}) {
	slog.Info("event", "name", event, "payload", payload)
}

// NopSink discards events. Useful in tests.
type NopSink struct{}

// Notify does nothing
func (NopSink) Notify(ctx context.Context, event string, payload interface{}) {}
