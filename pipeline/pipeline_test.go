package pipeline

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rbaliyan/relay"
	"github.com/rbaliyan/relay/dlq"
)

var errDownstream = errors.New("503 service unavailable")

// testConfig is a pipeline configuration with near-zero delays so retry
// and dead-letter flows complete within a test run.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxRetries = 2
	cfg.Backoff = relay.Backoff{Base: time.Millisecond, Factor: 1, Max: time.Millisecond}
	cfg.PollInterval = time.Millisecond
	cfg.SweepInterval = time.Millisecond
	cfg.FailureThreshold = 100
	cfg.MinimumRequests = 100
	return cfg
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not met before timeout")
}

func TestPipeline(t *testing.T) {
	t.Run("exhausted message lands in the dead-letter store", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		p := NewMemory(testConfig(), func(ctx context.Context, msg *relay.Message) error {
			return errDownstream
		})
		go p.Start(ctx)
		defer p.Stop(context.Background())

		msg, err := p.Publish(ctx, []byte(`{"event":"order.created"}`))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		waitFor(t, 5*time.Second, func() bool {
			n, err := p.DLQ.Count(ctx, dlq.Filter{})
			return err == nil && n == 1
		})

		dead, err := p.DLQ.Get(ctx, msg.ID)
		if err != nil {
			t.Fatalf("expected message in dead-letter store: %v", err)
		}
		if dead.Status != relay.StatusDeadLetter {
			t.Errorf("expected dead_letter status, got %s", dead.Status)
		}
		if dead.RetryCount != 2 {
			t.Errorf("expected retry budget of 2 spent, got %d", dead.RetryCount)
		}
		if dead.Error == "" {
			t.Error("expected the final failure recorded")
		}
	})

	t.Run("replay produces a deliverable fresh message", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var healthy atomic.Bool
		delivered := make(chan string, 8)
		p := NewMemory(testConfig(), func(ctx context.Context, msg *relay.Message) error {
			if !healthy.Load() {
				return errDownstream
			}
			delivered <- msg.ID
			return nil
		})
		go p.Start(ctx)
		defer p.Stop(context.Background())

		original, err := p.Publish(ctx, []byte("payload"))
		if err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		waitFor(t, 5*time.Second, func() bool {
			n, err := p.DLQ.Count(ctx, dlq.Filter{})
			return err == nil && n == 1
		})

		healthy.Store(true)
		fresh, err := p.DLQ.ReplayOne(ctx, original.ID)
		if err != nil {
			t.Fatalf("replay failed: %v", err)
		}
		if fresh.ID == original.ID {
			t.Error("expected a fresh identity")
		}
		if fresh.RetryCount != 0 {
			t.Errorf("expected reset retry budget, got %d", fresh.RetryCount)
		}
		if got := fresh.Metadata[dlq.MetaReplayedFrom]; got != original.ID {
			t.Errorf("expected provenance %s, got %q", original.ID, got)
		}

		select {
		case id := <-delivered:
			if id != fresh.ID {
				t.Errorf("expected fresh message delivered, got %s", id)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("replayed message was never delivered")
		}

		if n, _ := p.DLQ.Count(ctx, dlq.Filter{}); n != 0 {
			t.Errorf("expected original removed from dead-letter store, got %d", n)
		}
	})

	t.Run("bulk replay records an audit trail", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		var healthy atomic.Bool
		p := NewMemory(testConfig(), func(ctx context.Context, msg *relay.Message) error {
			if !healthy.Load() {
				return errDownstream
			}
			return nil
		})
		go p.Start(ctx)
		defer p.Stop(context.Background())

		for i := 0; i < 2; i++ {
			if _, err := p.Publish(ctx, []byte("payload")); err != nil {
				t.Fatalf("publish failed: %v", err)
			}
		}

		waitFor(t, 5*time.Second, func() bool {
			n, err := p.DLQ.Count(ctx, dlq.Filter{})
			return err == nil && n == 2
		})

		healthy.Store(true)
		audit, err := p.Replay.ReplayDLQ(ctx)
		if err != nil {
			t.Fatalf("bulk replay failed: %v", err)
		}
		if audit.Replayed != 2 || audit.Failed != 0 {
			t.Errorf("expected 2 replayed 0 failed, got %d/%d", audit.Replayed, audit.Failed)
		}

		trail, err := p.Replay.Operation(ctx, audit.OperationID)
		if err != nil {
			t.Fatalf("operation lookup failed: %v", err)
		}
		if len(trail) != 2 {
			t.Errorf("expected running and completion records, got %d", len(trail))
		}
	})

	t.Run("operator handler serves queue stats", func(t *testing.T) {
		p := NewMemory(testConfig(), func(ctx context.Context, msg *relay.Message) error {
			return nil
		})

		if _, err := p.Publish(context.Background(), []byte("payload")); err != nil {
			t.Fatalf("publish failed: %v", err)
		}

		req := httptest.NewRequest(http.MethodGet, "/v1/queue/stats", nil)
		rec := httptest.NewRecorder()
		p.Handler().ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Errorf("expected 200, got %d", rec.Code)
		}
	})
}
