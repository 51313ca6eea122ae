package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rbaliyan/relay"
)

// fakeEnqueuer records re-injected messages, optionally rejecting them.
type fakeEnqueuer struct {
	mu       sync.Mutex
	enqueued []*relay.Message
	reject   error
}

func (f *fakeEnqueuer) Enqueue(ctx context.Context, msg *relay.Message) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reject != nil {
		return "", f.reject
	}
	f.enqueued = append(f.enqueued, msg)
	return msg.ID, nil
}

func (f *fakeEnqueuer) messages() []*relay.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*relay.Message(nil), f.enqueued...)
}

func scheduledMessage(retryIn time.Duration) *relay.Message {
	msg := relay.NewMessage([]byte("body"))
	msg.Status = relay.StatusFailed
	msg.RetryCount = 1
	next := time.Now().Add(retryIn)
	msg.NextRetryAt = &next
	return msg
}

func TestMemoryIndex(t *testing.T) {
	ctx := context.Background()

	t.Run("due returns soonest first without removing", func(t *testing.T) {
		idx := NewMemoryIndex()

		late := scheduledMessage(-time.Minute)
		early := scheduledMessage(-2 * time.Minute)
		future := scheduledMessage(time.Hour)
		for _, msg := range []*relay.Message{late, early, future} {
			if err := idx.Add(ctx, msg); err != nil {
				t.Fatalf("add failed: %v", err)
			}
		}

		due, err := idx.Due(ctx, time.Now(), 10)
		if err != nil {
			t.Fatalf("due failed: %v", err)
		}
		if len(due) != 2 {
			t.Fatalf("expected 2 due messages, got %d", len(due))
		}
		if due[0].ID != early.ID || due[1].ID != late.ID {
			t.Error("expected due messages ordered soonest first")
		}

		if n, _ := idx.Len(ctx); n != 3 {
			t.Errorf("expected 3 indexed after Due, got %d", n)
		}
	})

	t.Run("due honors limit", func(t *testing.T) {
		idx := NewMemoryIndex()
		for i := 0; i < 5; i++ {
			idx.Add(ctx, scheduledMessage(-time.Minute))
		}

		due, err := idx.Due(ctx, time.Now(), 2)
		if err != nil {
			t.Fatalf("due failed: %v", err)
		}
		if len(due) != 2 {
			t.Errorf("expected 2 messages, got %d", len(due))
		}
	})

	t.Run("remove", func(t *testing.T) {
		idx := NewMemoryIndex()
		msg := scheduledMessage(-time.Minute)
		idx.Add(ctx, msg)

		if err := idx.Remove(ctx, msg.ID); err != nil {
			t.Fatalf("remove failed: %v", err)
		}
		if n, _ := idx.Len(ctx); n != 0 {
			t.Errorf("expected empty index, got %d", n)
		}
		if err := idx.Remove(ctx, msg.ID); !errors.Is(err, relay.ErrMessageNotFound) {
			t.Errorf("expected ErrMessageNotFound, got %v", err)
		}
	})
}

func TestSweeper(t *testing.T) {
	ctx := context.Background()

	startSweeper := func(t *testing.T, s *Sweeper) {
		t.Helper()
		go s.Start(ctx)
		t.Cleanup(func() {
			stopCtx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			s.Stop(stopCtx)
		})
	}

	waitFor := func(t *testing.T, cond func() bool) {
		t.Helper()
		deadline := time.Now().Add(time.Second)
		for time.Now().Before(deadline) {
			if cond() {
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
		t.Fatal("condition not reached in time")
	}

	t.Run("re-injects due messages and deindexes them", func(t *testing.T) {
		idx := NewMemoryIndex()
		q := &fakeEnqueuer{}

		msg := scheduledMessage(-time.Second)
		idx.Add(ctx, msg)
		idx.Add(ctx, scheduledMessage(time.Hour))

		s := NewSweeper(idx, q, WithSweepInterval(10*time.Millisecond))
		startSweeper(t, s)

		waitFor(t, func() bool { return len(q.messages()) == 1 })

		got := q.messages()[0]
		if got.ID != msg.ID {
			t.Errorf("expected %s re-enqueued, got %s", msg.ID, got.ID)
		}
		if got.Status != relay.StatusPending {
			t.Errorf("expected pending status, got %s", got.Status)
		}
		if got.NextRetryAt != nil {
			t.Error("expected cleared retry time")
		}
		if got.RetryCount != 1 {
			t.Errorf("expected preserved retry count 1, got %d", got.RetryCount)
		}

		waitFor(t, func() bool {
			n, _ := idx.Len(ctx)
			return n == 1
		})
	})

	t.Run("full queue leaves message indexed", func(t *testing.T) {
		idx := NewMemoryIndex()
		q := &fakeEnqueuer{reject: relay.ErrQueueFull}

		msg := scheduledMessage(-time.Second)
		idx.Add(ctx, msg)

		s := NewSweeper(idx, q, WithSweepInterval(10*time.Millisecond))
		startSweeper(t, s)

		time.Sleep(50 * time.Millisecond)
		if n, _ := idx.Len(ctx); n != 1 {
			t.Errorf("expected message still indexed, got %d", n)
		}
	})

	t.Run("sweep now triggers without waiting for the tick", func(t *testing.T) {
		idx := NewMemoryIndex()
		q := &fakeEnqueuer{}
		idx.Add(ctx, scheduledMessage(-time.Second))

		s := NewSweeper(idx, q, WithSweepInterval(time.Hour))
		startSweeper(t, s)

		s.SweepNow()
		waitFor(t, func() bool { return len(q.messages()) == 1 })
	})

	t.Run("pending reports index size", func(t *testing.T) {
		idx := NewMemoryIndex()
		idx.Add(ctx, scheduledMessage(time.Hour))

		s := NewSweeper(idx, &fakeEnqueuer{})
		if n, err := s.Pending(ctx); err != nil || n != 1 {
			t.Errorf("expected 1 pending, got %d (%v)", n, err)
		}
	})
}
