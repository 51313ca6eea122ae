package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
)

// Metrics receives pipeline counters and gauges. Implementations must be
// safe for concurrent use. Use NewMetrics for a Prometheus-backed
// implementation or NopMetrics to disable collection.
type Metrics interface {
	Register(r prometheus.Registerer) error

	Enqueued()
	Dequeued()
	Completed()
	Failed()
	Retried()
	DeadLettered()
	QueueDepth(n float64)
	DLQSize(n float64)
	BreakerState(state CircuitState)
	FailureRate(rate float64)
}

var _ Metrics = &metrics{}

type metrics struct {
	enqueued     prometheus.Counter
	dequeued     prometheus.Counter
	completed    prometheus.Counter
	failed       prometheus.Counter
	retried      prometheus.Counter
	deadLettered prometheus.Counter
	queueDepth   prometheus.Gauge
	dlqSize      prometheus.Gauge
	breakerState prometheus.Gauge
	failureRate  prometheus.Gauge
}

// NewMetrics creates Prometheus metrics for the pipeline. The namespace
// defaults to "relay" when empty.
func NewMetrics(namespace, subsystem string) Metrics {
	if namespace == "" {
		namespace = "relay"
	}
	return &metrics{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "enqueued_total",
			Help:      "Total messages accepted into the queue",
		}),
		dequeued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dequeued_total",
			Help:      "Total messages claimed for processing",
		}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "completed_total",
			Help:      "Total messages acknowledged after delivery",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failed_total",
			Help:      "Total delivery failures",
		}),
		retried: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retries_scheduled_total",
			Help:      "Total retries scheduled with backoff",
		}),
		deadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dead_lettered_total",
			Help:      "Total messages moved to the dead-letter store",
		}),
		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Messages in the main log",
		}),
		dlqSize: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "dlq_size",
			Help:      "Messages in the dead-letter store",
		}),
		breakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		}),
		failureRate: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "failure_rate",
			Help:      "Delivery failure rate over the sliding window",
		}),
	}
}

// Register registers all collectors with r, or the default registerer when
// r is nil.
func (m *metrics) Register(r prometheus.Registerer) error {
	if r == nil {
		r = prometheus.DefaultRegisterer
	}
	var mErr error
	for _, c := range []prometheus.Collector{
		m.enqueued, m.dequeued, m.completed, m.failed, m.retried,
		m.deadLettered, m.queueDepth, m.dlqSize, m.breakerState, m.failureRate,
	} {
		if err := r.Register(c); err != nil {
			mErr = multierr.Append(mErr, err)
		}
	}
	return mErr
}

func (m *metrics) Enqueued()     { m.enqueued.Inc() }
func (m *metrics) Dequeued()     { m.dequeued.Inc() }
func (m *metrics) Completed()    { m.completed.Inc() }
func (m *metrics) Failed()       { m.failed.Inc() }
func (m *metrics) Retried()      { m.retried.Inc() }
func (m *metrics) DeadLettered() { m.deadLettered.Inc() }

func (m *metrics) QueueDepth(n float64) { m.queueDepth.Set(n) }
func (m *metrics) DLQSize(n float64)    { m.dlqSize.Set(n) }

func (m *metrics) BreakerState(state CircuitState) { m.breakerState.Set(float64(state)) }
func (m *metrics) FailureRate(rate float64)        { m.failureRate.Set(rate) }

type nopMetrics struct{}

// NopMetrics returns a Metrics implementation that discards everything.
func NopMetrics() Metrics { return nopMetrics{} }

func (nopMetrics) Register(r prometheus.Registerer) error { return nil }
func (nopMetrics) Enqueued()                              {}
func (nopMetrics) Dequeued()                              {}
func (nopMetrics) Completed()                             {}
func (nopMetrics) Failed()                                {}
func (nopMetrics) Retried()                               {}
func (nopMetrics) DeadLettered()                          {}
func (nopMetrics) QueueDepth(float64)                     {}
func (nopMetrics) DLQSize(float64)                        {}
func (nopMetrics) BreakerState(CircuitState)              {}
func (nopMetrics) FailureRate(float64)                    {}
