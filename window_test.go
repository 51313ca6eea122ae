package relay

import (
	"testing"
	"time"
)

func TestSlidingWindow(t *testing.T) {
	t.Run("empty window has zero rate", func(t *testing.T) {
		w := NewSlidingWindow(10*time.Second, 60*time.Second)

		if got := w.FailureRate(); got != 0 {
			t.Errorf("expected rate 0, got %f", got)
		}
		m := w.Metrics()
		if m.Total != 0 || m.Successes != 0 || m.Failures != 0 {
			t.Errorf("expected empty metrics, got %+v", m)
		}
	})

	t.Run("counts successes and failures", func(t *testing.T) {
		w := NewSlidingWindow(10*time.Second, 60*time.Second)

		for i := 0; i < 3; i++ {
			w.RecordSuccess()
		}
		w.RecordFailure()

		m := w.Metrics()
		if m.Successes != 3 {
			t.Errorf("expected 3 successes, got %d", m.Successes)
		}
		if m.Failures != 1 {
			t.Errorf("expected 1 failure, got %d", m.Failures)
		}
		if m.Total != 4 {
			t.Errorf("expected total 4, got %d", m.Total)
		}
		if m.FailureRate != 0.25 {
			t.Errorf("expected rate 0.25, got %f", m.FailureRate)
		}
	})

	t.Run("failure count", func(t *testing.T) {
		w := NewSlidingWindow(10*time.Second, 60*time.Second)

		w.RecordFailure()
		w.RecordFailure()

		if got := w.FailureCount(); got != 2 {
			t.Errorf("expected 2 failures, got %d", got)
		}
	})

	t.Run("evicts buckets outside the window", func(t *testing.T) {
		w := NewSlidingWindow(100*time.Millisecond, 200*time.Millisecond)

		w.RecordFailure()
		w.RecordFailure()
		if got := w.FailureCount(); got != 2 {
			t.Fatalf("expected 2 failures before eviction, got %d", got)
		}

		time.Sleep(300 * time.Millisecond)

		if got := w.FailureCount(); got != 0 {
			t.Errorf("expected 0 failures after window elapsed, got %d", got)
		}
		if got := w.FailureRate(); got != 0 {
			t.Errorf("expected rate 0 after window elapsed, got %f", got)
		}
	})

	t.Run("reset clears all buckets", func(t *testing.T) {
		w := NewSlidingWindow(10*time.Second, 60*time.Second)

		w.RecordSuccess()
		w.RecordFailure()
		w.Reset()

		if m := w.Metrics(); m.Total != 0 {
			t.Errorf("expected empty window after reset, got %+v", m)
		}
	})

	t.Run("memory is bounded by window", func(t *testing.T) {
		w := NewSlidingWindow(50*time.Millisecond, 100*time.Millisecond)

		for i := 0; i < 5; i++ {
			w.RecordSuccess()
			time.Sleep(60 * time.Millisecond)
		}

		// Only buckets covering the trailing window may survive.
		if got := w.Len(); got > 3 {
			t.Errorf("expected at most 3 buckets, got %d", got)
		}
	})
}
