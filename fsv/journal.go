package fsv

import (
	"context"
	"log/slog"
)

// Journaler describes an event logger.
type Journaler interface {
	Write(Event) error
}

type logJournaler struct{ l *slog.Logger }

// NewLogJournaler creates a journaler that logs every event through the given
// logger. Events that need attention are logged as warnings.
func NewLogJournaler(l *slog.Logger) Journaler {
	return logJournaler{l}
}

func (j logJournaler) Write(ev Event) error {
	level := slog.LevelInfo

	switch ev.(type) {
	case *EventWarning, *EventUnknownChild, *EventProcessSpawnError, *EventBudgetExhausted:
		level = slog.LevelWarn
	case *EventProcessStopped, *EventProcessContinued:
		level = slog.LevelDebug
	}

	j.l.LogAttrs(context.Background(), level, ev.Type(), slog.Any("event", ev))
	return nil
}

// discardJournaler drops every event.
type discardJournaler struct{}

func (discardJournaler) Write(Event) error { return nil }
