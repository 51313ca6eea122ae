package queue

import (
	"container/list"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/rbaliyan/relay"
)

// MemoryQueue is an in-memory Queue for testing and embedded deployments.
//
// The log is a FIFO list of pending messages plus a claim table. Claims are
// process-local; messages claimed by a crashed process are lost, which is
// acceptable only for the deployments this backend targets.
type MemoryQueue struct {
	baseQueue
	logger *slog.Logger

	mu        sync.Mutex
	pending   *list.List               // *relay.Message, FIFO
	claimed   map[string]*claimedEntry // message ID -> claim
	position  int64
	completed int64
	failed    int64
}

type claimedEntry struct {
	msg       *relay.Message
	claimedAt time.Time
}

var _ Queue = (*MemoryQueue)(nil)

// NewMemoryQueue creates an in-memory queue.
func NewMemoryQueue(opts ...Option) *MemoryQueue {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	return &MemoryQueue{
		baseQueue: cfg.base(),
		logger:    slog.Default().With("component", "queue.memory"),
		pending:   list.New(),
		claimed:   make(map[string]*claimedEntry),
	}
}

// WithLogger sets a custom logger.
func (q *MemoryQueue) WithLogger(l *slog.Logger) *MemoryQueue {
	q.logger = l
	return q
}

// Enqueue appends a message to the log.
func (q *MemoryQueue) Enqueue(ctx context.Context, msg *relay.Message) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.opts.MaxSize > 0 && int64(q.pending.Len()+len(q.claimed)) >= q.opts.MaxSize {
		return "", relay.ErrQueueFull
	}

	q.position++
	stored := msg.Clone()
	stored.Status = relay.StatusPending
	stored.Position = strconv.FormatInt(q.position, 10)
	stored.UpdatedAt = time.Now()
	q.pending.PushBack(stored)

	msg.Position = stored.Position
	q.metrics.Enqueued()
	return stored.Position, nil
}

// Dequeue first re-injects any due retries, then claims the oldest pending
// message. Returns (nil, nil) when the queue is empty.
func (q *MemoryQueue) Dequeue(ctx context.Context) (*relay.Message, error) {
	if err := q.reinjectDue(ctx, q.Enqueue); err != nil {
		q.logger.Warn("failed to re-inject due retries", "error", err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.pending.Front()
	if front == nil {
		return nil, nil
	}
	q.pending.Remove(front)

	msg := front.Value.(*relay.Message)
	msg.Status = relay.StatusProcessing
	msg.NextRetryAt = nil
	msg.UpdatedAt = time.Now()
	q.claimed[msg.ID] = &claimedEntry{msg: msg, claimedAt: time.Now()}

	q.metrics.Dequeued()
	return msg.Clone(), nil
}

// MarkCompleted acknowledges a claimed message and removes it from the log.
func (q *MemoryQueue) MarkCompleted(ctx context.Context, id string) error {
	q.mu.Lock()
	entry, ok := q.claimed[id]
	if !ok {
		q.mu.Unlock()
		return relay.ErrMessageNotFound
	}
	delete(q.claimed, id)
	q.completed++
	q.mu.Unlock()

	entry.msg.Status = relay.StatusCompleted
	entry.msg.UpdatedAt = time.Now()
	q.metrics.Completed()
	return nil
}

// MarkFailed resolves a claimed message after a delivery failure, either
// scheduling a retry or dead-lettering it.
func (q *MemoryQueue) MarkFailed(ctx context.Context, id string, reason error) error {
	q.mu.Lock()
	entry, ok := q.claimed[id]
	if !ok {
		q.mu.Unlock()
		return relay.ErrMessageNotFound
	}
	delete(q.claimed, id)
	q.failed++
	q.mu.Unlock()

	msg := entry.msg
	q.metrics.Failed()

	if q.resolveFailure(msg, reason) && q.retryIndex != nil {
		if err := q.scheduleRetry(ctx, msg); err != nil {
			return fmt.Errorf("schedule retry: %w", err)
		}
		q.metrics.Retried()
		q.logger.Debug("retry scheduled",
			"message_id", msg.ID,
			"retry_count", msg.RetryCount,
			"next_retry_at", msg.NextRetryAt)
		return nil
	}

	msg.Status = relay.StatusDeadLetter
	msg.NextRetryAt = nil
	return q.park(ctx, msg, reason)
}

// Len returns the number of messages in the live log, claimed or not.
func (q *MemoryQueue) Len(ctx context.Context) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return int64(q.pending.Len() + len(q.claimed)), nil
}

// Stats returns a point-in-time snapshot of queue state.
func (q *MemoryQueue) Stats(ctx context.Context) (*Stats, error) {
	q.mu.Lock()
	stats := &Stats{
		Depth:      int64(q.pending.Len() + len(q.claimed)),
		Pending:    int64(q.pending.Len()),
		Processing: int64(len(q.claimed)),
		Completed:  q.completed,
		Failed:     q.failed,
	}

	var oldest time.Time
	if front := q.pending.Front(); front != nil {
		oldest = front.Value.(*relay.Message).CreatedAt
	}
	for _, entry := range q.claimed {
		if oldest.IsZero() || entry.msg.CreatedAt.Before(oldest) {
			oldest = entry.msg.CreatedAt
		}
	}
	q.mu.Unlock()

	if !oldest.IsZero() {
		stats.OldestAge = time.Since(oldest)
	}
	stats.Retrying = q.retrying(ctx)
	q.metrics.QueueDepth(float64(stats.Depth))
	return stats, nil
}
