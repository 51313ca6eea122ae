// Package monitor provides the periodic health sampler for the delivery
// pipeline.
//
// The Monitor samples queue and dead-letter statistics on an interval,
// derives processing and error rates from a trailing window of delivery
// outcomes, and evaluates every dimension against configured thresholds.
// Breaches raise typed alerts through a pluggable sink, each alert type
// independently subject to a cooldown so a sustained breach produces one
// alert per cooldown window rather than one per check.
//
// Severity rules: error-rate and connection-loss breaches are always
// critical; the remaining types are warnings.
//
// Example:
//
//	mon := monitor.New(q, dlqManager,
//	    monitor.WithThresholds(monitor.Thresholds{
//	        MaxDepth:   10000,
//	        MaxDLQSize: 500,
//	    }),
//	    monitor.WithSink(natsSink),
//	)
//	go mon.Start(ctx)
//	defer mon.Stop(context.Background())
//
// Wire the monitor into the processor with relay.WithProcessorObserver so
// rates reflect actual delivery outcomes.
package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/rbaliyan/relay"
	"github.com/rbaliyan/relay/alert"
	"github.com/rbaliyan/relay/dlq"
	"github.com/rbaliyan/relay/queue"
)

// StatsSource supplies queue statistics. Implemented by the queue
// backends.
type StatsSource interface {
	Stats(ctx context.Context) (*queue.Stats, error)
}

// DLQSource supplies dead-letter statistics. Implemented by dlq.Manager.
type DLQSource interface {
	Stats(ctx context.Context) (*dlq.Stats, error)
}

// Thresholds are the breach limits for each health dimension. A zero
// value disables that dimension's check.
type Thresholds struct {
	// MaxDepth is the maximum healthy queue depth.
	MaxDepth int64

	// MinProcessingRate is the minimum healthy throughput in messages
	// per second. Only evaluated when the queue has depth, so an idle
	// pipeline is not unhealthy.
	MinProcessingRate float64

	// MaxErrorRate is the maximum healthy failure fraction, 0..1.
	MaxErrorRate float64

	// MaxOldestAge is the maximum healthy age of the oldest unresolved
	// message.
	MaxOldestAge time.Duration

	// MaxDLQSize is the maximum healthy dead-letter store size.
	MaxDLQSize int64
}

// DefaultThresholds returns the default breach limits.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxDepth:     10000,
		MaxErrorRate: 0.5,
		MaxOldestAge: time.Hour,
		MaxDLQSize:   1000,
	}
}

// HealthReport is one sample of pipeline health.
type HealthReport struct {
	Depth      int64 `json:"depth"`
	Pending    int64 `json:"pending"`
	Processing int64 `json:"processing"`
	Retrying   int64 `json:"retrying"`
	Completed  int64 `json:"completed"`
	Failed     int64 `json:"failed"`
	DLQSize    int64 `json:"dlq_size"`

	// ProcessingRate is delivered messages per second over the trailing
	// window.
	ProcessingRate float64 `json:"processing_rate"`

	// ErrorRate is the failure fraction over the trailing window, 0..1.
	ErrorRate float64 `json:"error_rate"`

	OldestAge time.Duration `json:"oldest_age"`

	// Healthy is false when any threshold is breached or a stats source
	// is unreachable.
	Healthy bool `json:"healthy"`

	// Issues describes each breach in the sample.
	Issues []string `json:"issues,omitempty"`

	CheckedAt time.Time `json:"checked_at"`
}

// Options configures a Monitor.
type Options struct {
	// Interval between health checks. Default: 30s.
	Interval time.Duration

	// Cooldown is the minimum time between alerts of the same type.
	// Default: 5m.
	Cooldown time.Duration

	// Window is the trailing window rates are derived from.
	// Default: 60s.
	Window time.Duration

	Thresholds Thresholds
}

// DefaultOptions returns the default monitor configuration.
func DefaultOptions() *Options {
	return &Options{
		Interval:   30 * time.Second,
		Cooldown:   5 * time.Minute,
		Window:     relay.DefaultWindowSize,
		Thresholds: DefaultThresholds(),
	}
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithInterval sets the time between health checks.
func WithInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.opts.Interval = d
		}
	}
}

// WithCooldown sets the minimum time between alerts of the same type.
func WithCooldown(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.opts.Cooldown = d
		}
	}
}

// WithThresholds sets the breach limits.
func WithThresholds(t Thresholds) Option {
	return func(m *Monitor) {
		m.opts.Thresholds = t
	}
}

// WithSink sets the notification sink breaches are raised through.
func WithSink(s alert.Sink) Option {
	return func(m *Monitor) {
		if s != nil {
			m.sink = s
		}
	}
}

// WithMonitorMetrics sets the metrics implementation.
func WithMonitorMetrics(metrics relay.Metrics) Option {
	return func(m *Monitor) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// Monitor periodically samples pipeline health and raises threshold
// alerts.
type Monitor struct {
	queue   StatsSource
	dlq     DLQSource
	opts    *Options
	sink    alert.Sink
	metrics relay.Metrics
	logger  *slog.Logger
	window  *relay.SlidingWindow

	mu        sync.Mutex
	lastAlert map[alert.Type]time.Time

	stopOnce  sync.Once
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

var _ relay.ProcessObserver = (*Monitor)(nil)

// New creates a monitor over the given queue and dead-letter sources.
// The dead-letter source may be nil.
func New(qs StatsSource, ds DLQSource, opts ...Option) *Monitor {
	m := &Monitor{
		queue:     qs,
		dlq:       ds,
		opts:      DefaultOptions(),
		sink:      alert.NewSlogSink(nil),
		metrics:   relay.NopMetrics(),
		logger:    slog.Default().With("component", "monitor"),
		lastAlert: make(map[alert.Type]time.Time),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	m.window = relay.NewSlidingWindow(relay.DefaultBucketSize, m.opts.Window)
	return m
}

// WithLogger sets a custom logger.
func (m *Monitor) WithLogger(l *slog.Logger) *Monitor {
	m.logger = l
	return m
}

// ObserveProcessed records one delivery outcome into the rate window.
func (m *Monitor) ObserveProcessed(elapsed time.Duration, err error) {
	if err != nil {
		m.window.RecordFailure()
		return
	}
	m.window.RecordSuccess()
}

// Start runs the check loop until Stop is called or ctx is cancelled.
func (m *Monitor) Start(ctx context.Context) {
	defer close(m.stoppedCh)

	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	m.logger.Info("monitor started", "interval", m.opts.Interval)
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		case <-ticker.C:
			if _, err := m.Check(ctx); err != nil {
				m.logger.Error("health check failed", "error", err)
			}
		}
	}
}

// Stop terminates the check loop and waits for it to exit or ctx to
// expire.
func (m *Monitor) Stop(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	select {
	case <-m.stoppedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Check runs one health sample, raising alerts for any breach, and
// returns the report. A report is returned even when a stats source is
// unreachable; the error describes the source failure.
func (m *Monitor) Check(ctx context.Context) (*HealthReport, error) {
	report := &HealthReport{
		Healthy:   true,
		CheckedAt: time.Now(),
	}

	wm := m.window.Metrics()
	report.ErrorRate = wm.FailureRate
	if secs := m.opts.Window.Seconds(); secs > 0 {
		report.ProcessingRate = float64(wm.Total) / secs
	}
	m.metrics.FailureRate(wm.FailureRate)

	stats, err := m.queue.Stats(ctx)
	if err != nil {
		report.Healthy = false
		report.Issues = append(report.Issues, fmt.Sprintf("queue unreachable: %v", err))
		m.raise(ctx, alert.Alert{
			Type:     alert.TypeConnectionLost,
			Severity: alert.SeverityCritical,
			Message:  fmt.Sprintf("queue statistics unavailable: %v", err),
			At:       report.CheckedAt,
		})
		return report, fmt.Errorf("queue stats: %w", err)
	}

	report.Depth = stats.Depth
	report.Pending = stats.Pending
	report.Processing = stats.Processing
	report.Retrying = stats.Retrying
	report.Completed = stats.Completed
	report.Failed = stats.Failed
	report.OldestAge = stats.OldestAge

	if m.dlq != nil {
		dlqStats, err := m.dlq.Stats(ctx)
		if err != nil {
			report.Healthy = false
			report.Issues = append(report.Issues, fmt.Sprintf("dead-letter store unreachable: %v", err))
			m.raise(ctx, alert.Alert{
				Type:     alert.TypeConnectionLost,
				Severity: alert.SeverityCritical,
				Message:  fmt.Sprintf("dead-letter statistics unavailable: %v", err),
				At:       report.CheckedAt,
			})
			return report, fmt.Errorf("dead-letter stats: %w", err)
		}
		report.DLQSize = dlqStats.TotalMessages
	}

	m.evaluate(ctx, report)

	m.logger.Debug("health check",
		"healthy", report.Healthy,
		"depth", report.Depth,
		"dlq_size", report.DLQSize,
		"processing_rate", report.ProcessingRate,
		"error_rate", report.ErrorRate,
		"oldest_age", report.OldestAge)
	return report, nil
}

// evaluate compares the report against the thresholds and raises one
// alert per breached dimension.
func (m *Monitor) evaluate(ctx context.Context, report *HealthReport) {
	t := m.opts.Thresholds

	if t.MaxDepth > 0 && report.Depth > t.MaxDepth {
		m.breach(ctx, report, alert.Alert{
			Type:     alert.TypeQueueDepth,
			Severity: alert.SeverityWarning,
			Message:  fmt.Sprintf("queue depth %d exceeds %d", report.Depth, t.MaxDepth),
			Metrics: map[string]float64{
				"depth":     float64(report.Depth),
				"threshold": float64(t.MaxDepth),
			},
		})
	}

	if t.MinProcessingRate > 0 && report.Depth > 0 && report.ProcessingRate < t.MinProcessingRate {
		m.breach(ctx, report, alert.Alert{
			Type:     alert.TypeProcessingRate,
			Severity: alert.SeverityWarning,
			Message:  fmt.Sprintf("processing rate %.2f/s below %.2f/s with %d queued", report.ProcessingRate, t.MinProcessingRate, report.Depth),
			Metrics: map[string]float64{
				"rate":      report.ProcessingRate,
				"threshold": t.MinProcessingRate,
			},
		})
	}

	if t.MaxErrorRate > 0 && report.ErrorRate > t.MaxErrorRate {
		m.breach(ctx, report, alert.Alert{
			Type:     alert.TypeErrorRate,
			Severity: alert.SeverityCritical,
			Message:  fmt.Sprintf("error rate %.0f%% exceeds %.0f%%", report.ErrorRate*100, t.MaxErrorRate*100),
			Metrics: map[string]float64{
				"error_rate": report.ErrorRate,
				"threshold":  t.MaxErrorRate,
			},
		})
	}

	if t.MaxOldestAge > 0 && report.OldestAge > t.MaxOldestAge {
		m.breach(ctx, report, alert.Alert{
			Type:     alert.TypeOldMessage,
			Severity: alert.SeverityWarning,
			Message:  fmt.Sprintf("oldest message is %s old, limit %s", report.OldestAge.Round(time.Second), t.MaxOldestAge),
			Metrics: map[string]float64{
				"age_seconds":       report.OldestAge.Seconds(),
				"threshold_seconds": t.MaxOldestAge.Seconds(),
			},
		})
	}

	if t.MaxDLQSize > 0 && report.DLQSize > t.MaxDLQSize {
		m.breach(ctx, report, alert.Alert{
			Type:     alert.TypeDLQSize,
			Severity: alert.SeverityWarning,
			Message:  fmt.Sprintf("dead-letter store holds %d messages, limit %d", report.DLQSize, t.MaxDLQSize),
			Metrics: map[string]float64{
				"dlq_size":  float64(report.DLQSize),
				"threshold": float64(t.MaxDLQSize),
			},
		})
	}
}

func (m *Monitor) breach(ctx context.Context, report *HealthReport, a alert.Alert) {
	report.Healthy = false
	report.Issues = append(report.Issues, a.Message)
	a.At = report.CheckedAt
	m.raise(ctx, a)
}

// raise sends an alert unless one of the same type fired within the
// cooldown.
func (m *Monitor) raise(ctx context.Context, a alert.Alert) {
	m.mu.Lock()
	if last, ok := m.lastAlert[a.Type]; ok && time.Since(last) < m.opts.Cooldown {
		m.mu.Unlock()
		return
	}
	m.lastAlert[a.Type] = time.Now()
	m.mu.Unlock()

	m.logger.Warn("alert raised",
		"type", a.Type,
		"severity", a.Severity,
		"message", a.Message)
	if err := m.sink.Send(ctx, a); err != nil {
		m.logger.Error("failed to send alert", "type", a.Type, "error", err)
	}
}
