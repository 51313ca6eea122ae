package alert

import (
	"context"
	"log/slog"
)

// SlogSink logs alerts through a structured logger. It is the default sink
// when no external notification channel is configured.
type SlogSink struct {
	logger *slog.Logger
}

// NewSlogSink creates a logging sink. A nil logger uses slog.Default.
func NewSlogSink(l *slog.Logger) *SlogSink {
	if l == nil {
		l = slog.Default()
	}
	return &SlogSink{logger: l.With("component", "alert.slog")}
}

// Send implements Sink.
func (s *SlogSink) Send(ctx context.Context, a Alert) error {
	level := slog.LevelInfo
	switch a.Severity {
	case SeverityWarning:
		level = slog.LevelWarn
	case SeverityCritical:
		level = slog.LevelError
	}

	attrs := []any{
		"type", string(a.Type),
		"severity", string(a.Severity),
	}
	for k, v := range a.Metrics {
		attrs = append(attrs, k, v)
	}

	s.logger.Log(ctx, level, a.Message, attrs...)
	return nil
}

// Compile-time check
var _ Sink = (*SlogSink)(nil)
