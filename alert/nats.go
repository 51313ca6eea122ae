package alert

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/nats-io/nats.go"
)

// ErrConnRequired is returned when no NATS connection is provided.
var ErrConnRequired = errors.New("nats connection is required")

// DefaultSubjectPrefix prefixes alert subjects.
const DefaultSubjectPrefix = "relay.alerts"

// NATSSink publishes alerts to NATS as JSON, one subject per alert type
// (e.g. "relay.alerts.queue_depth"), so pagers and dashboards can subscribe
// selectively.
//
// Publishing is at-most-once: the pipeline guarantees cooldown-limited
// delivery to the sink, not acknowledgement beyond it.
//
// Example:
//
//	conn, _ := nats.Connect(nats.DefaultURL)
//	sink, _ := alert.NewNATSSink(conn)
//	mon := monitor.New(stats, monitor.WithSink(sink))
type NATSSink struct {
	conn   *nats.Conn
	prefix string
	logger *slog.Logger
}

// NATSSinkOption configures a NATSSink.
type NATSSinkOption func(*NATSSink)

// WithSubjectPrefix sets the subject prefix for published alerts.
func WithSubjectPrefix(prefix string) NATSSinkOption {
	return func(s *NATSSink) {
		if prefix != "" {
			s.prefix = prefix
		}
	}
}

// NewNATSSink creates a NATS-backed alert sink.
func NewNATSSink(conn *nats.Conn, opts ...NATSSinkOption) (*NATSSink, error) {
	if conn == nil {
		return nil, ErrConnRequired
	}

	s := &NATSSink{
		conn:   conn,
		prefix: DefaultSubjectPrefix,
		logger: slog.Default().With("component", "alert.nats"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// WithLogger sets a custom logger.
func (s *NATSSink) WithLogger(l *slog.Logger) *NATSSink {
	s.logger = l
	return s
}

// Send implements Sink.
func (s *NATSSink) Send(ctx context.Context, a Alert) error {
	data, err := json.Marshal(a)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	subject := s.prefix + "." + string(a.Type)
	if err := s.conn.Publish(subject, data); err != nil {
		return fmt.Errorf("publish alert: %w", err)
	}

	s.logger.Debug("published alert",
		"subject", subject,
		"type", a.Type,
		"severity", a.Severity)
	return nil
}

// Compile-time check
var _ Sink = (*NATSSink)(nil)
