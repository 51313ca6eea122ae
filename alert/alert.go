// Package alert defines the pipeline's notification-sink contract and
// standard sink implementations.
//
// The pipeline guarantees cooldown-limited delivery of alerts to a sink;
// external paging and messaging are the sink's responsibility.
package alert

import (
	"context"
	"time"
)

// Type classifies an alert.
type Type string

const (
	// TypeQueueDepth fires when queue depth exceeds its threshold.
	TypeQueueDepth Type = "queue_depth"
	// TypeProcessingRate fires when throughput drops below its threshold.
	TypeProcessingRate Type = "processing_rate"
	// TypeErrorRate fires when the delivery error rate exceeds its threshold.
	TypeErrorRate Type = "error_rate"
	// TypeOldMessage fires when the oldest pending message exceeds its age
	// threshold.
	TypeOldMessage Type = "old_message"
	// TypeDLQSize fires when the dead-letter store exceeds its threshold.
	TypeDLQSize Type = "dlq_size"
	// TypeConnectionLost fires when the queue backend is unreachable.
	TypeConnectionLost Type = "connection_lost"
)

// Severity grades an alert.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one raised condition with the metrics that triggered it.
type Alert struct {
	Type     Type               `json:"type"`
	Severity Severity           `json:"severity"`
	Message  string             `json:"message"`
	Metrics  map[string]float64 `json:"metrics,omitempty"`
	At       time.Time          `json:"at"`
}

// Sink receives alerts. Implementations must be safe for concurrent use
// and should not block; delivery is fire-and-forget from the pipeline's
// point of view.
type Sink interface {
	Send(ctx context.Context, a Alert) error
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(ctx context.Context, a Alert) error

// Send implements Sink.
func (f SinkFunc) Send(ctx context.Context, a Alert) error {
	return f(ctx, a)
}

// Multi fans one alert out to several sinks, continuing past individual
// failures and returning the first error encountered.
func Multi(sinks ...Sink) Sink {
	return SinkFunc(func(ctx context.Context, a Alert) error {
		var first error
		for _, s := range sinks {
			if err := s.Send(ctx, a); err != nil && first == nil {
				first = err
			}
		}
		return first
	})
}
