package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MessageSource is the narrow queue surface the processor consumes.
// Claim, acknowledge and fail are the only mutating operations; callers
// never read-modify-write a message directly.
//
// Implemented by queue.MemoryQueue and queue.RedisQueue.
type MessageSource interface {
	// Dequeue claims one message for processing. Returns (nil, nil) when
	// the queue is empty.
	Dequeue(ctx context.Context) (*Message, error)

	// MarkCompleted acknowledges a claimed message.
	MarkCompleted(ctx context.Context, id string) error

	// MarkFailed records a delivery failure for a claimed message,
	// scheduling a retry or dead-lettering it.
	MarkFailed(ctx context.Context, id string, reason error) error
}

// Deliverer performs the downstream call for one message. It must return
// an error for any non-success outcome, including timeouts and non-2xx
// HTTP statuses.
type Deliverer func(ctx context.Context, msg *Message) error

// ProcessObserver receives the outcome of every processing attempt.
// Implemented by monitor.Monitor to derive processing and error rates.
type ProcessObserver interface {
	ObserveProcessed(elapsed time.Duration, err error)
}

// ProcessorOptions configures a Processor.
type ProcessorOptions struct {
	// Workers is the number of concurrent processing loops. Default: 1.
	Workers int

	// PollInterval is how long an idle worker waits before polling the
	// queue again. Default: 1s.
	PollInterval time.Duration

	// CallTimeout bounds each downstream call. The breaker does not
	// impose a timeout itself; this is the caller-supplied one.
	// Default: 30s.
	CallTimeout time.Duration
}

// DefaultProcessorOptions returns the default processor configuration.
func DefaultProcessorOptions() *ProcessorOptions {
	return &ProcessorOptions{
		Workers:      1,
		PollInterval: time.Second,
		CallTimeout:  30 * time.Second,
	}
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithWorkers sets the number of concurrent processing loops.
func WithWorkers(n int) ProcessorOption {
	return func(p *Processor) {
		if n > 0 {
			p.opts.Workers = n
		}
	}
}

// WithPollInterval sets the idle poll interval.
func WithPollInterval(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.opts.PollInterval = d
		}
	}
}

// WithCallTimeout sets the per-call downstream timeout.
func WithCallTimeout(d time.Duration) ProcessorOption {
	return func(p *Processor) {
		if d > 0 {
			p.opts.CallTimeout = d
		}
	}
}

// WithProcessorMetrics sets the metrics implementation.
func WithProcessorMetrics(m Metrics) ProcessorOption {
	return func(p *Processor) {
		if m != nil {
			p.metrics = m
		}
	}
}

// WithProcessorObserver registers a processing observer.
func WithProcessorObserver(o ProcessObserver) ProcessorOption {
	return func(p *Processor) {
		if o != nil {
			p.observers = append(p.observers, o)
		}
	}
}

// WithRecoveryHook registers a function invoked (off the breaker's lock)
// when the breaker closes after an outage. Typical use is triggering an
// immediate retry-scheduler sweep to drain the backlog.
func WithRecoveryHook(fn func()) ProcessorOption {
	return func(p *Processor) {
		if fn != nil {
			p.recoveryHooks = append(p.recoveryHooks, fn)
		}
	}
}

// Processor drains the durable queue with a bounded number of workers,
// delivering each claimed message downstream through the circuit breaker.
//
// On success the message is acknowledged; on failure it is handed back to
// the queue, which schedules a backoff retry or dead-letters it. Breaker
// rejections (open, half-open limit) are failures like any other: the
// message falls back into the retry path instead of hammering the
// downstream service.
type Processor struct {
	source  MessageSource
	deliver Deliverer
	breaker *CircuitBreaker
	opts    *ProcessorOptions
	metrics Metrics
	logger  *slog.Logger
	tracer  trace.Tracer

	observers     []ProcessObserver
	recoveryHooks []func()

	started int32
	stopCh  chan struct{}
	wakeCh  chan struct{}
	wg      sync.WaitGroup
}

// NewProcessor creates a processor. The breaker's recovery transition is
// wired to wake idle workers and run registered recovery hooks.
func NewProcessor(source MessageSource, deliver Deliverer, breaker *CircuitBreaker, opts ...ProcessorOption) *Processor {
	p := &Processor{
		source:  source,
		deliver: deliver,
		breaker: breaker,
		opts:    DefaultProcessorOptions(),
		metrics: NopMetrics(),
		logger:  slog.Default().With("component", "relay.processor"),
		tracer:  otel.Tracer("relay"),
		stopCh:  make(chan struct{}),
		wakeCh:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(p)
	}

	breaker.OnStateChange(func(from, to CircuitState) {
		if to == CircuitClosed && from != CircuitClosed {
			p.onRecovery()
		}
	})

	return p
}

// WithLogger sets a custom logger.
func (p *Processor) WithLogger(l *slog.Logger) *Processor {
	p.logger = l
	return p
}

// Start runs the worker loops. It blocks until the context is cancelled or
// Stop is called. Returns ErrProcessorClosed if already started.
func (p *Processor) Start(ctx context.Context) error {
	if !atomic.CompareAndSwapInt32(&p.started, 0, 1) {
		return ErrProcessorClosed
	}

	p.logger.Info("processor started",
		"workers", p.opts.Workers,
		"poll_interval", p.opts.PollInterval,
		"call_timeout", p.opts.CallTimeout)

	for i := 0; i < p.opts.Workers; i++ {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			p.run(ctx)
		}()
	}

	p.wg.Wait()
	return ctx.Err()
}

// Stop signals the worker loops to finish. In-flight deliveries complete or
// time out; the claimed message is then acknowledged or failed as usual.
func (p *Processor) Stop(ctx context.Context) error {
	select {
	case <-p.stopCh:
	default:
		close(p.stopCh)
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is one worker loop: claim, deliver, settle.
func (p *Processor) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.stopCh:
			return
		default:
		}

		msg, err := p.source.Dequeue(ctx)
		if err != nil {
			p.logger.Error("dequeue failed", "error", err)
			if !p.idle(ctx) {
				return
			}
			continue
		}
		if msg == nil {
			if !p.idle(ctx) {
				return
			}
			continue
		}

		p.process(ctx, msg)
	}
}

// idle waits for the poll interval, a recovery wake-up, or shutdown.
// Returns false when the worker should exit.
func (p *Processor) idle(ctx context.Context) bool {
	timer := time.NewTimer(Jitter(p.opts.PollInterval, 0.1))
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-p.stopCh:
		return false
	case <-p.wakeCh:
		return true
	case <-timer.C:
		return true
	}
}

// process delivers one claimed message and settles its state.
func (p *Processor) process(ctx context.Context, msg *Message) {
	p.metrics.Dequeued()

	spanCtx, span := p.tracer.Start(ctx, "relay.deliver",
		trace.WithAttributes(
			attribute.String("message.id", msg.ID),
			attribute.String("message.type", msg.Type),
			attribute.Int("message.retry_count", msg.RetryCount)),
		trace.WithSpanKind(trace.SpanKindClient))
	defer span.End()

	start := time.Now()
	err := p.breaker.Execute(spanCtx, func(breakerCtx context.Context) error {
		callCtx, cancel := context.WithTimeout(breakerCtx, p.opts.CallTimeout)
		defer cancel()
		return p.deliver(callCtx, msg)
	})
	elapsed := time.Since(start)

	p.metrics.BreakerState(p.breaker.State())
	p.metrics.FailureRate(p.breaker.Metrics().FailureRate)
	for _, o := range p.observers {
		o.ObserveProcessed(elapsed, err)
	}

	if err == nil {
		p.metrics.Completed()
		if ackErr := p.source.MarkCompleted(ctx, msg.ID); ackErr != nil {
			p.logger.Error("failed to acknowledge message",
				"message_id", msg.ID,
				"error", ackErr)
		}
		span.SetAttributes(attribute.Bool("message.delivered", true))
		return
	}

	p.metrics.Failed()
	p.logger.Warn("delivery failed",
		"message_id", msg.ID,
		"retry_count", msg.RetryCount,
		"max_retries", msg.MaxRetries,
		"elapsed", elapsed,
		"error", err)

	if failErr := p.source.MarkFailed(ctx, msg.ID, err); failErr != nil {
		p.logger.Error("failed to record delivery failure",
			"message_id", msg.ID,
			"error", failErr)
	}
}

// onRecovery wakes idle workers and runs recovery hooks off the breaker's
// observer path.
func (p *Processor) onRecovery() {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}

	hooks := p.recoveryHooks
	if len(hooks) == 0 {
		return
	}
	go func() {
		p.logger.Info("downstream recovered, draining retry backlog")
		for _, fn := range hooks {
			fn()
		}
	}()
}
