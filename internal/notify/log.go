package notify

import (
	"log/slog"

	"autotrader/internal/logger"
)

// LogSink writes every event as a structured log line.
type LogSink struct{}

func (LogSink) Publish(e Event) {
	level := slog.LevelInfo
	switch e.Severity {
	case SeverityWarn:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}
	attrs := []any{"kind", string(e.Kind), "id", e.ID}
	if e.Asset != "" {
		attrs = append(attrs, "asset", e.Asset)
	}
	if e.Reason != "" {
		attrs = append(attrs, "reason", e.Reason)
	}
	for k, v := range e.Data {
		attrs = append(attrs, k, v)
	}
	logger.Event(level, "[event] "+e.Message, attrs...)
}
