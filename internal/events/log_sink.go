package events

import (
	"context"
	"log/slog"

	"agentdesk/internal/domain"
)

// LogSink writes lifecycle events to a logger. Streamed content and thoughts
// are logged at debug; errors at warn.
type LogSink struct {
	Logger *slog.Logger
}

// Publish implements domain.EventSink.
func (s LogSink) Publish(ev domain.Event) {
	l := s.Logger
	if l == nil {
		l = slog.Default()
	}
	level := slog.LevelInfo
	switch ev.Type {
	case domain.EventContent, domain.EventThought, domain.EventToolGroup, domain.EventKeyStatus:
		level = slog.LevelDebug
	case domain.EventError:
		level = slog.LevelWarn
	}
	l.Log(context.Background(), level, "event",
		"type", string(ev.Type),
		"provider", ev.Provider,
		"correlation_id", ev.CorrelationID,
		"data", ev.Data,
	)
}
