// Package pipeline assembles the full delivery pipeline from its parts:
// queue, circuit breaker, retry sweeper, dead-letter manager, replay
// service, health monitor and the operator HTTP handler.
//
// All tunables live in one explicit Config; nothing is read from the
// environment. The facade exists for the common wiring; components
// remain individually constructable for deployments that need a
// different shape.
//
// Example:
//
//	cfg := pipeline.DefaultConfig()
//	cfg.Workers = 4
//
//	p := pipeline.NewRedis(cfg, redisClient, deliver)
//	go p.Start(ctx)
//	defer p.Stop(context.Background())
//
//	msg, err := p.Publish(ctx, body)
package pipeline

import (
	"context"
	"net/http"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/multierr"

	"github.com/rbaliyan/relay"
	"github.com/rbaliyan/relay/alert"
	"github.com/rbaliyan/relay/dlq"
	"github.com/rbaliyan/relay/monitor"
	"github.com/rbaliyan/relay/queue"
	"github.com/rbaliyan/relay/replay"

	adminhttp "github.com/rbaliyan/relay/admin"
	"github.com/rbaliyan/relay/scheduler"
)

// Config holds every pipeline tunable. The zero value is not usable;
// start from DefaultConfig.
type Config struct {
	// Queue
	MaxQueueSize int64
	Stream       string
	Group        string
	Consumer     string
	MaxRetries   int
	Backoff      relay.Backoff

	// Circuit breaker
	FailureThreshold    int64
	MinimumRequests     int64
	ResetTimeout        time.Duration
	RequiredSuccesses   int
	HalfOpenMaxAttempts int

	// Processing loop
	Workers      int
	PollInterval time.Duration
	CallTimeout  time.Duration

	// Retry sweep
	SweepInterval        time.Duration
	RetryBatchSize       int
	MaxConcurrentRetries int
	RetryRatePerSecond   float64

	// Dead-letter store
	DLQAlertThreshold int64

	// Health monitor
	CheckInterval time.Duration
	AlertCooldown time.Duration
	Thresholds    monitor.Thresholds

	// MetricsNamespace enables Prometheus metrics when non-empty.
	MetricsNamespace string
}

// DefaultConfig returns the standard pipeline configuration.
func DefaultConfig() Config {
	return Config{
		Stream:     queue.DefaultStream,
		Group:      queue.DefaultGroup,
		MaxRetries: relay.DefaultMaxRetries,
		Backoff:    relay.DefaultBackoff(),

		FailureThreshold:    5,
		MinimumRequests:     10,
		ResetTimeout:        30 * time.Second,
		RequiredSuccesses:   3,
		HalfOpenMaxAttempts: 1,

		Workers:      1,
		PollInterval: time.Second,
		CallTimeout:  30 * time.Second,

		SweepInterval:        5 * time.Second,
		RetryBatchSize:       100,
		MaxConcurrentRetries: 4,

		DLQAlertThreshold: 1000,

		CheckInterval: 30 * time.Second,
		AlertCooldown: 5 * time.Minute,
		Thresholds:    monitor.DefaultThresholds(),
	}
}

// Option configures a Pipeline.
type Option func(*builder)

type builder struct {
	sink    alert.Sink
	audits  replay.AuditStore
	metrics relay.Metrics
}

// WithSink sets the notification sink shared by the dead-letter manager
// and the monitor.
func WithSink(s alert.Sink) Option {
	return func(b *builder) {
		if s != nil {
			b.sink = s
		}
	}
}

// WithAuditStore sets the replay audit store. Defaults to in-memory.
func WithAuditStore(s replay.AuditStore) Option {
	return func(b *builder) {
		if s != nil {
			b.audits = s
		}
	}
}

// WithMetrics overrides the metrics implementation chosen by the config.
func WithMetrics(m relay.Metrics) Option {
	return func(b *builder) {
		if m != nil {
			b.metrics = m
		}
	}
}

// Pipeline is the assembled delivery pipeline. Fields are exported so
// callers can reach individual components for registration, testing and
// introspection.
type Pipeline struct {
	Queue     queue.Queue
	Breaker   *relay.CircuitBreaker
	Index     scheduler.Index
	Sweeper   *scheduler.Sweeper
	DLQ       *dlq.Manager
	Replay    *replay.Service
	Monitor   *monitor.Monitor
	Processor *relay.Processor
	Metrics   relay.Metrics

	cfg     Config
	handler http.Handler
}

// NewMemory assembles a pipeline on in-memory backends, for tests and
// embedded deployments.
func NewMemory(cfg Config, deliver relay.Deliverer, opts ...Option) *Pipeline {
	b := applyOptions(cfg, opts)
	index := scheduler.NewMemoryIndex()
	store := dlq.NewMemoryStore()

	q := queue.NewMemoryQueue(
		queue.WithMaxSize(cfg.MaxQueueSize),
		queue.WithBackoff(cfg.Backoff),
		queue.WithRetryIndex(index),
		queue.WithQueueMetrics(b.metrics),
	)
	return assemble(cfg, b, q, index, store, deliver)
}

// NewRedis assembles a pipeline on Redis backends: a stream queue, a
// sorted-set retry index and a hash dead-letter store sharing one client.
func NewRedis(cfg Config, client redis.Cmdable, deliver relay.Deliverer, opts ...Option) *Pipeline {
	b := applyOptions(cfg, opts)
	index := scheduler.NewRedisIndex(client)
	store := dlq.NewRedisStore(client)

	q := queue.NewRedisQueue(client,
		queue.WithMaxSize(cfg.MaxQueueSize),
		queue.WithBackoff(cfg.Backoff),
		queue.WithRetryIndex(index),
		queue.WithStream(cfg.Stream),
		queue.WithGroup(cfg.Group),
		queue.WithConsumer(cfg.Consumer),
		queue.WithQueueMetrics(b.metrics),
	)
	return assemble(cfg, b, q, index, store, deliver)
}

func applyOptions(cfg Config, opts []Option) *builder {
	b := &builder{
		sink:    alert.NewSlogSink(nil),
		audits:  replay.NewMemoryAuditStore(),
		metrics: relay.NopMetrics(),
	}
	if cfg.MetricsNamespace != "" {
		b.metrics = relay.NewMetrics(cfg.MetricsNamespace, "pipeline")
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// attachDeadLetter closes the queue/manager reference pair.
func attachDeadLetter(q queue.Queue, d queue.DeadLetterer) {
	type attacher interface {
		AttachDeadLetter(queue.DeadLetterer)
	}
	if a, ok := q.(attacher); ok {
		a.AttachDeadLetter(d)
	}
}

// assemble wires the remaining components around a constructed queue.
func assemble(cfg Config, b *builder, q queue.Queue, index scheduler.Index, store dlq.Store, deliver relay.Deliverer) *Pipeline {
	manager := dlq.NewManager(store, q,
		dlq.WithAlertThreshold(cfg.DLQAlertThreshold),
		dlq.WithAlertCooldown(cfg.AlertCooldown),
		dlq.WithSink(b.sink),
		dlq.WithManagerMetrics(b.metrics),
	)
	attachDeadLetter(q, manager)

	sweeper := scheduler.NewSweeper(index, q,
		scheduler.WithSweepInterval(cfg.SweepInterval),
		scheduler.WithBatchSize(cfg.RetryBatchSize),
		scheduler.WithMaxConcurrent(cfg.MaxConcurrentRetries),
		scheduler.WithRateLimit(cfg.RetryRatePerSecond),
	)

	breaker := relay.NewCircuitBreaker(
		relay.WithBreakerName("downstream"),
		relay.WithFailureThreshold(cfg.FailureThreshold),
		relay.WithMinimumRequests(cfg.MinimumRequests),
		relay.WithResetTimeout(cfg.ResetTimeout),
		relay.WithRequiredSuccesses(cfg.RequiredSuccesses),
		relay.WithHalfOpenMaxAttempts(cfg.HalfOpenMaxAttempts),
	)

	mon := monitor.New(q, manager,
		monitor.WithInterval(cfg.CheckInterval),
		monitor.WithCooldown(cfg.AlertCooldown),
		monitor.WithThresholds(cfg.Thresholds),
		monitor.WithSink(b.sink),
		monitor.WithMonitorMetrics(b.metrics),
	)

	processor := relay.NewProcessor(q, deliver, breaker,
		relay.WithWorkers(cfg.Workers),
		relay.WithPollInterval(cfg.PollInterval),
		relay.WithCallTimeout(cfg.CallTimeout),
		relay.WithRecoveryHook(sweeper.SweepNow),
		relay.WithProcessorObserver(mon),
		relay.WithProcessorMetrics(b.metrics),
	)

	svc := replay.NewService(manager, b.audits)

	return &Pipeline{
		Queue:     q,
		Breaker:   breaker,
		Index:     index,
		Sweeper:   sweeper,
		DLQ:       manager,
		Replay:    svc,
		Monitor:   mon,
		Processor: processor,
		Metrics:   b.metrics,
		cfg:       cfg,
		handler:   adminhttp.New(q, manager, svc, mon),
	}
}

// Publish enqueues a new message carrying the given payload with the
// configured retry budget.
func (p *Pipeline) Publish(ctx context.Context, payload []byte) (*relay.Message, error) {
	msg := relay.NewMessage(payload)
	if p.cfg.MaxRetries > 0 {
		msg.MaxRetries = p.cfg.MaxRetries
	}
	if _, err := p.Queue.Enqueue(ctx, msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Handler returns the operator HTTP handler.
func (p *Pipeline) Handler() http.Handler {
	return p.handler
}

// Start runs the sweeper and monitor in the background, then blocks
// running the processing loop until ctx is cancelled or Stop is called.
func (p *Pipeline) Start(ctx context.Context) error {
	go p.Sweeper.Start(ctx)
	go p.Monitor.Start(ctx)
	return p.Processor.Start(ctx)
}

// Stop shuts the pipeline down: the processing loop first so no new
// claims are taken, then the sweeper and monitor.
func (p *Pipeline) Stop(ctx context.Context) error {
	return multierr.Combine(
		p.Processor.Stop(ctx),
		p.Sweeper.Stop(ctx),
		p.Monitor.Stop(ctx),
	)
}
