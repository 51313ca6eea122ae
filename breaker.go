package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// CircuitState represents the state of the circuit breaker.
type CircuitState int

const (
	// CircuitClosed means calls pass through normally.
	CircuitClosed CircuitState = iota
	// CircuitOpen means calls fail fast until the reset timeout elapses.
	CircuitOpen
	// CircuitHalfOpen means a limited number of trial calls probe the
	// downstream service for recovery.
	CircuitHalfOpen
)

// String returns the string representation of the circuit state.
func (s CircuitState) String() string {
	switch s {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Transition records one breaker state change, retained in a bounded ring
// for observability only.
type Transition struct {
	From   CircuitState
	To     CircuitState
	At     time.Time
	Reason string
}

// StateChangeFunc observes breaker state changes. Observers are invoked
// synchronously on every transition, in registration order.
type StateChangeFunc func(from, to CircuitState)

// BreakerOptions configures a CircuitBreaker.
type BreakerOptions struct {
	// Name identifies the guarded downstream dependency in errors and logs.
	Name string

	// FailureThreshold is the failure count within the window that opens
	// the breaker. Default: 5.
	FailureThreshold int64

	// FailureRateThreshold is the failure rate within the window that
	// opens the breaker. Default: 0.5.
	FailureRateThreshold float64

	// MinimumRequests is the minimum number of requests in the window
	// before the breaker may open. Default: 10.
	MinimumRequests int64

	// ResetTimeout is how long the breaker stays open before the next
	// call transitions it to half-open. Default: 30s.
	ResetTimeout time.Duration

	// RequiredSuccesses is the number of consecutive half-open successes
	// needed to close. More than one prevents flapping on a single lucky
	// probe. Default: 3.
	RequiredSuccesses int

	// HalfOpenMaxAttempts bounds concurrent half-open probes. Extra
	// callers fail fast with HalfOpenLimitError. Default: 1.
	HalfOpenMaxAttempts int

	// WindowSize and BucketSize dimension the sliding window used for
	// trip decisions. Defaults: 60s window, 10s buckets.
	WindowSize time.Duration
	BucketSize time.Duration

	// HistorySize bounds the retained transition ring. Default: 16.
	HistorySize int
}

// DefaultBreakerOptions returns the default breaker configuration.
func DefaultBreakerOptions() *BreakerOptions {
	return &BreakerOptions{
		Name:                 "downstream",
		FailureThreshold:     5,
		FailureRateThreshold: 0.5,
		MinimumRequests:      10,
		ResetTimeout:         30 * time.Second,
		RequiredSuccesses:    3,
		HalfOpenMaxAttempts:  1,
		WindowSize:           DefaultWindowSize,
		BucketSize:           DefaultBucketSize,
		HistorySize:          16,
	}
}

// BreakerOption configures a CircuitBreaker.
type BreakerOption func(*BreakerOptions)

// WithBreakerName sets the name of the guarded dependency.
func WithBreakerName(name string) BreakerOption {
	return func(o *BreakerOptions) {
		if name != "" {
			o.Name = name
		}
	}
}

// WithFailureThreshold sets the window failure count that opens the breaker.
func WithFailureThreshold(n int64) BreakerOption {
	return func(o *BreakerOptions) {
		if n > 0 {
			o.FailureThreshold = n
		}
	}
}

// WithMinimumRequests sets the minimum window request count before the
// breaker may open.
func WithMinimumRequests(n int64) BreakerOption {
	return func(o *BreakerOptions) {
		if n > 0 {
			o.MinimumRequests = n
		}
	}
}

// WithResetTimeout sets how long the breaker stays open.
func WithResetTimeout(d time.Duration) BreakerOption {
	return func(o *BreakerOptions) {
		if d > 0 {
			o.ResetTimeout = d
		}
	}
}

// WithRequiredSuccesses sets the consecutive half-open successes needed
// to close.
func WithRequiredSuccesses(n int) BreakerOption {
	return func(o *BreakerOptions) {
		if n > 0 {
			o.RequiredSuccesses = n
		}
	}
}

// WithHalfOpenMaxAttempts bounds concurrent half-open probes.
func WithHalfOpenMaxAttempts(n int) BreakerOption {
	return func(o *BreakerOptions) {
		if n > 0 {
			o.HalfOpenMaxAttempts = n
		}
	}
}

// WithBreakerWindow dimensions the sliding window used for trip decisions.
func WithBreakerWindow(bucketSize, windowSize time.Duration) BreakerOption {
	return func(o *BreakerOptions) {
		if bucketSize > 0 {
			o.BucketSize = bucketSize
		}
		if windowSize > 0 {
			o.WindowSize = windowSize
		}
	}
}

// Operation is a downstream call guarded by the breaker. The result is
// mapped to success/failure solely by the returned error; callers must
// translate non-success outcomes (including non-2xx HTTP statuses and
// timeouts) into errors before entering the breaker.
type Operation func(ctx context.Context) error

// CircuitBreaker guards calls to a single logical downstream dependency.
// One breaker instance per dependency, never shared.
//
// Execute is the sole entry point: callers never inspect state before
// calling, the breaker decides admission internally, eliminating
// check-then-act races. State lives in process memory for the lifetime
// of the relay.
type CircuitBreaker struct {
	opts   *BreakerOptions
	window *SlidingWindow
	logger *slog.Logger

	mu             sync.Mutex
	state          CircuitState
	openUntil      time.Time
	halfOpenProbes int
	consecutive    int
	history        []Transition
	observers      []StateChangeFunc
}

// NewCircuitBreaker creates a closed circuit breaker.
func NewCircuitBreaker(opts ...BreakerOption) *CircuitBreaker {
	o := DefaultBreakerOptions()
	for _, opt := range opts {
		opt(o)
	}
	return &CircuitBreaker{
		opts:   o,
		window: NewSlidingWindow(o.BucketSize, o.WindowSize),
		logger: slog.Default().With("component", "relay.breaker", "breaker", o.Name),
		state:  CircuitClosed,
	}
}

// WithLogger sets a custom logger.
func (cb *CircuitBreaker) WithLogger(l *slog.Logger) *CircuitBreaker {
	cb.logger = l
	return cb
}

// OnStateChange registers an observer invoked synchronously on every
// transition. Used to drive queue-drain-on-recovery and external
// notifications. Observers run under the breaker's lock and must not call
// back into it.
func (cb *CircuitBreaker) OnStateChange(fn StateChangeFunc) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.observers = append(cb.observers, fn)
}

// State returns the current breaker state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// History returns a copy of the retained transition ring, oldest first.
func (cb *CircuitBreaker) History() []Transition {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	history := make([]Transition, len(cb.history))
	copy(history, cb.history)
	return history
}

// Metrics returns the sliding-window counters feeding trip decisions.
func (cb *CircuitBreaker) Metrics() WindowMetrics {
	return cb.window.Metrics()
}

// Execute runs op if the breaker admits the call and records the outcome.
//
// In the open state calls fail immediately with CircuitOpenError, counted
// as failures in the window so the breaker stays aware of continued demand.
// The first call after the reset timeout transitions the breaker to
// half-open; there is no background timer.
func (cb *CircuitBreaker) Execute(ctx context.Context, op Operation) error {
	if err := cb.admit(); err != nil {
		return err
	}

	err := op(ctx)
	cb.settle(err)
	return err
}

// admit decides whether a call may proceed, applying lazy open->half-open
// transition and the half-open probe limit.
func (cb *CircuitBreaker) admit() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed:
		return nil

	case CircuitOpen:
		if time.Now().Before(cb.openUntil) {
			cb.window.RecordFailure()
			return &CircuitOpenError{Name: cb.opts.Name, OpenUntil: cb.openUntil}
		}
		cb.transition(CircuitHalfOpen, "reset timeout elapsed")
		cb.halfOpenProbes = 1
		return nil

	case CircuitHalfOpen:
		if cb.halfOpenProbes >= cb.opts.HalfOpenMaxAttempts {
			return &HalfOpenLimitError{Name: cb.opts.Name, MaxAttempts: cb.opts.HalfOpenMaxAttempts}
		}
		cb.halfOpenProbes++
		return nil
	}
	return nil
}

// settle records the outcome of an admitted call and applies transitions.
func (cb *CircuitBreaker) settle(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	if err == nil {
		cb.window.RecordSuccess()
		if cb.state == CircuitHalfOpen {
			cb.halfOpenProbes--
			cb.consecutive++
			if cb.consecutive >= cb.opts.RequiredSuccesses {
				cb.transition(CircuitClosed, "required consecutive successes reached")
			}
		}
		return
	}

	cb.window.RecordFailure()

	switch cb.state {
	case CircuitHalfOpen:
		// Any failure while half-open reopens the breaker.
		cb.open("half-open probe failed")

	case CircuitClosed:
		m := cb.window.Metrics()
		if m.Total >= cb.opts.MinimumRequests &&
			(m.Failures >= cb.opts.FailureThreshold || m.FailureRate > cb.opts.FailureRateThreshold) {
			cb.open("failure threshold crossed")
		}
	}
}

// open transitions to the open state. Callers must hold cb.mu.
func (cb *CircuitBreaker) open(reason string) {
	cb.openUntil = time.Now().Add(cb.opts.ResetTimeout)
	cb.transition(CircuitOpen, reason)
}

// transition applies a state change, records it, and notifies observers.
// Callers must hold cb.mu.
func (cb *CircuitBreaker) transition(to CircuitState, reason string) {
	from := cb.state
	if from == to {
		return
	}
	cb.state = to
	cb.consecutive = 0
	if to != CircuitHalfOpen {
		cb.halfOpenProbes = 0
	}

	cb.history = append(cb.history, Transition{From: from, To: to, At: time.Now(), Reason: reason})
	if len(cb.history) > cb.opts.HistorySize {
		cb.history = cb.history[len(cb.history)-cb.opts.HistorySize:]
	}

	cb.logger.Info("circuit breaker state change",
		"from", from.String(),
		"to", to.String(),
		"reason", reason)

	for _, fn := range cb.observers {
		fn(from, to)
	}
}
