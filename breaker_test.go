package relay

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errDownstream = errors.New("downstream unavailable")

// trippedBreaker returns a breaker driven into the open state.
func trippedBreaker(t *testing.T, opts ...BreakerOption) *CircuitBreaker {
	t.Helper()

	cb := NewCircuitBreaker(append([]BreakerOption{
		WithFailureThreshold(4),
		WithMinimumRequests(4),
	}, opts...)...)

	ctx := context.Background()
	for i := 0; i < 4; i++ {
		cb.Execute(ctx, func(ctx context.Context) error { return errDownstream })
	}
	if got := cb.State(); got != CircuitOpen {
		t.Fatalf("expected open breaker, got %s", got)
	}
	return cb
}

func TestCircuitBreaker(t *testing.T) {
	ctx := context.Background()

	t.Run("starts closed and passes calls through", func(t *testing.T) {
		cb := NewCircuitBreaker()

		called := false
		err := cb.Execute(ctx, func(ctx context.Context) error {
			called = true
			return nil
		})
		if err != nil {
			t.Errorf("unexpected error: %v", err)
		}
		if !called {
			t.Error("expected operation to run")
		}
		if got := cb.State(); got != CircuitClosed {
			t.Errorf("expected closed, got %s", got)
		}
	})

	t.Run("stays closed below minimum requests", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(2),
			WithMinimumRequests(10),
		)

		for i := 0; i < 5; i++ {
			cb.Execute(ctx, func(ctx context.Context) error { return errDownstream })
		}
		if got := cb.State(); got != CircuitClosed {
			t.Errorf("expected closed below minimum requests, got %s", got)
		}
	})

	t.Run("opens at failure threshold", func(t *testing.T) {
		cb := trippedBreaker(t)

		history := cb.History()
		if len(history) != 1 {
			t.Fatalf("expected 1 transition, got %d", len(history))
		}
		if history[0].From != CircuitClosed || history[0].To != CircuitOpen {
			t.Errorf("expected closed->open, got %s->%s", history[0].From, history[0].To)
		}
	})

	t.Run("open breaker fails fast", func(t *testing.T) {
		cb := trippedBreaker(t)

		err := cb.Execute(ctx, func(ctx context.Context) error {
			t.Error("operation must not run while open")
			return nil
		})
		if !IsCircuitOpen(err) {
			t.Errorf("expected CircuitOpenError, got %v", err)
		}
	})

	t.Run("open rejections count as window failures", func(t *testing.T) {
		cb := trippedBreaker(t)

		before := cb.Metrics().Failures
		cb.Execute(ctx, func(ctx context.Context) error { return nil })
		if got := cb.Metrics().Failures; got != before+1 {
			t.Errorf("expected %d failures, got %d", before+1, got)
		}
	})

	t.Run("transitions to half-open after reset timeout", func(t *testing.T) {
		cb := trippedBreaker(t, WithResetTimeout(20*time.Millisecond))

		time.Sleep(30 * time.Millisecond)

		err := cb.Execute(ctx, func(ctx context.Context) error { return nil })
		if err != nil {
			t.Errorf("expected probe to run, got %v", err)
		}
		if got := cb.State(); got != CircuitHalfOpen {
			t.Errorf("expected half-open after one probe success, got %s", got)
		}
	})

	t.Run("closes after required consecutive successes", func(t *testing.T) {
		cb := trippedBreaker(t,
			WithResetTimeout(20*time.Millisecond),
			WithRequiredSuccesses(2),
			WithHalfOpenMaxAttempts(2),
		)

		time.Sleep(30 * time.Millisecond)

		for i := 0; i < 2; i++ {
			if err := cb.Execute(ctx, func(ctx context.Context) error { return nil }); err != nil {
				t.Fatalf("probe %d failed: %v", i, err)
			}
		}
		if got := cb.State(); got != CircuitClosed {
			t.Errorf("expected closed after 2 successes, got %s", got)
		}
	})

	t.Run("half-open failure reopens", func(t *testing.T) {
		cb := trippedBreaker(t, WithResetTimeout(20*time.Millisecond))

		time.Sleep(30 * time.Millisecond)

		cb.Execute(ctx, func(ctx context.Context) error { return errDownstream })
		if got := cb.State(); got != CircuitOpen {
			t.Errorf("expected reopened breaker, got %s", got)
		}
	})

	t.Run("half-open bounds concurrent probes", func(t *testing.T) {
		cb := trippedBreaker(t,
			WithResetTimeout(20*time.Millisecond),
			WithHalfOpenMaxAttempts(1),
		)

		time.Sleep(30 * time.Millisecond)

		started := make(chan struct{})
		release := make(chan struct{})
		done := make(chan struct{})
		go func() {
			defer close(done)
			cb.Execute(ctx, func(ctx context.Context) error {
				close(started)
				<-release
				return nil
			})
		}()
		<-started

		err := cb.Execute(ctx, func(ctx context.Context) error {
			t.Error("extra probe must not run")
			return nil
		})
		if !IsHalfOpenLimit(err) {
			t.Errorf("expected HalfOpenLimitError, got %v", err)
		}

		close(release)
		<-done
	})

	t.Run("notifies observers on transition", func(t *testing.T) {
		cb := NewCircuitBreaker(
			WithFailureThreshold(2),
			WithMinimumRequests(2),
		)

		var transitions []CircuitState
		cb.OnStateChange(func(from, to CircuitState) {
			transitions = append(transitions, to)
		})

		cb.Execute(ctx, func(ctx context.Context) error { return errDownstream })
		cb.Execute(ctx, func(ctx context.Context) error { return errDownstream })

		if len(transitions) != 1 || transitions[0] != CircuitOpen {
			t.Errorf("expected one transition to open, got %v", transitions)
		}
	})

	t.Run("opens on failure rate", func(t *testing.T) {
		// 6 failures of 10 is above the 0.5 rate but below the count
		// threshold.
		cb := NewCircuitBreaker(
			WithFailureThreshold(100),
			WithMinimumRequests(10),
		)

		for i := 0; i < 4; i++ {
			cb.Execute(ctx, func(ctx context.Context) error { return nil })
		}
		for i := 0; i < 6; i++ {
			cb.Execute(ctx, func(ctx context.Context) error { return errDownstream })
		}
		if got := cb.State(); got != CircuitOpen {
			t.Errorf("expected open on failure rate, got %s", got)
		}
	})
}
