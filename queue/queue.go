// Package queue provides the durable message log at the center of the
// delivery pipeline.
//
// A Queue is an append-only log with consumer-group claim semantics:
// Enqueue appends, Dequeue claims exactly one message for one consumer,
// and every claim must be resolved with MarkCompleted or MarkFailed.
// Unresolved claims survive consumer crashes and remain visible through
// Stats until resolved or reclaimed by an operator.
//
// Two backends are provided:
//   - MemoryQueue for testing and embedded deployments
//   - RedisQueue backed by Redis Streams with a consumer group
//
// Failure handling is shared by both backends: a failed message whose
// retry budget is not yet spent is scheduled into the retry index with a
// backoff delay; an exhausted message is parked in the dead-letter store.
// Either way the claim is released and the message leaves the live log.
//
// # Basic Usage
//
//	q := queue.NewRedisQueue(redisClient,
//	    queue.WithRetryIndex(index),
//	    queue.WithDeadLetter(dlqManager),
//	    queue.WithMaxSize(100000),
//	)
//
//	id, err := q.Enqueue(ctx, relay.NewMessage(body))
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rbaliyan/relay"
)

// Queue is the full queue surface. It extends relay.MessageSource with
// producer and introspection operations.
type Queue interface {
	relay.MessageSource

	// Enqueue appends a message to the log and returns its position.
	// Returns relay.ErrQueueFull when the configured capacity is reached.
	Enqueue(ctx context.Context, msg *relay.Message) (string, error)

	// Len returns the number of messages in the live log, claimed or not.
	Len(ctx context.Context) (int64, error)

	// Stats returns a point-in-time snapshot of queue state.
	Stats(ctx context.Context) (*Stats, error)
}

// DeadLetterer parks messages whose retry budget is spent.
// Implemented by dlq.Manager.
type DeadLetterer interface {
	Add(ctx context.Context, msg *relay.Message, reason string) error
}

// RetryIndex schedules failed messages for later re-injection.
// Implemented by scheduler.MemoryIndex and scheduler.RedisIndex.
type RetryIndex interface {
	Add(ctx context.Context, msg *relay.Message) error
	Due(ctx context.Context, now time.Time, limit int) ([]*relay.Message, error)
	Remove(ctx context.Context, id string) error
	Len(ctx context.Context) (int64, error)
}

// Stats is a point-in-time snapshot of queue state.
type Stats struct {
	// Depth is the number of messages in the live log, claimed or not.
	Depth int64 `json:"depth"`

	// Pending is the number of unclaimed messages.
	Pending int64 `json:"pending"`

	// Processing is the number of claimed, unresolved messages.
	Processing int64 `json:"processing"`

	// Retrying is the number of messages awaiting a scheduled retry.
	Retrying int64 `json:"retrying"`

	// Completed and Failed count resolutions since the queue was created.
	Completed int64 `json:"completed"`
	Failed    int64 `json:"failed"`

	// OldestAge is the age of the oldest unresolved message, zero when
	// the log is empty.
	OldestAge time.Duration `json:"oldest_age"`
}

// Options holds configuration shared by the queue backends.
type Options struct {
	// MaxSize caps the live log. 0 means unbounded.
	MaxSize int64

	// Backoff is the retry delay policy applied on failure.
	Backoff relay.Backoff
}

// DefaultOptions returns the default queue configuration.
func DefaultOptions() *Options {
	return &Options{
		Backoff: relay.DefaultBackoff(),
	}
}

// baseQueue holds the collaborators and counters common to both backends.
type baseQueue struct {
	opts       *Options
	retryIndex RetryIndex
	deadLetter DeadLetterer
	metrics    relay.Metrics
}

// resolveFailure mutates a claimed message after a delivery failure and
// reports whether it should be retried. When retryable, Status, RetryCount,
// NextRetryAt and Error are updated for the retry index. When the budget is
// spent, the message is marked dead-letter and the caller parks it.
func (b *baseQueue) resolveFailure(msg *relay.Message, reason error) (retry bool) {
	now := time.Now()
	msg.RetryCount++
	msg.UpdatedAt = now
	if reason != nil {
		msg.Error = reason.Error()
	}

	if msg.RetryCount >= msg.MaxRetries {
		msg.Status = relay.StatusDeadLetter
		msg.NextRetryAt = nil
		return false
	}

	msg.Status = relay.StatusFailed
	next := b.opts.Backoff.NextRetryTime(now, msg.RetryCount)
	msg.NextRetryAt = &next
	return true
}

// scheduleRetry stores a retryable message in the retry index.
func (b *baseQueue) scheduleRetry(ctx context.Context, msg *relay.Message) error {
	if b.retryIndex == nil {
		return nil
	}
	return b.retryIndex.Add(ctx, msg)
}

// park moves an exhausted message into the dead-letter store, wrapping the
// original failure so callers can detect exhaustion with IsRetryExhausted.
func (b *baseQueue) park(ctx context.Context, msg *relay.Message, reason error) error {
	exhausted := &relay.RetryExhaustedError{
		MessageID: msg.ID,
		Attempts:  msg.RetryCount,
		LastErr:   reason,
	}
	if b.deadLetter == nil {
		return exhausted
	}
	if err := b.deadLetter.Add(ctx, msg, exhausted.Error()); err != nil {
		return err
	}
	return nil
}

// AttachDeadLetter sets the dead-letter destination after construction.
// The dead-letter manager replays through the queue while the queue parks
// into the manager, so one side of the pair has to be attached late.
// Must be called before the queue is used concurrently.
func (b *baseQueue) AttachDeadLetter(d DeadLetterer) {
	b.deadLetter = d
}

// dueRetryBatch bounds how many due retries a single Dequeue re-injects
// before claiming.
const dueRetryBatch = 4

// reinjectDue moves messages whose retry time has arrived back into the
// live log. Each message is enqueued before it is removed from the index,
// so an interruption in between yields a duplicate rather than a loss.
func (b *baseQueue) reinjectDue(ctx context.Context, enqueue func(context.Context, *relay.Message) (string, error)) error {
	if b.retryIndex == nil {
		return nil
	}

	due, err := b.retryIndex.Due(ctx, time.Now(), dueRetryBatch)
	if err != nil {
		return fmt.Errorf("due retries: %w", err)
	}

	for _, msg := range due {
		fresh := msg.Clone()
		fresh.Status = relay.StatusPending
		fresh.NextRetryAt = nil
		fresh.UpdatedAt = time.Now()

		if _, err := enqueue(ctx, fresh); err != nil {
			// Leave the message indexed; a later sweep picks it up.
			return fmt.Errorf("re-enqueue %s: %w", msg.ID, err)
		}
		if err := b.retryIndex.Remove(ctx, msg.ID); err != nil && !errors.Is(err, relay.ErrMessageNotFound) {
			return fmt.Errorf("deindex %s: %w", msg.ID, err)
		}
	}
	return nil
}

func (b *baseQueue) retrying(ctx context.Context) int64 {
	if b.retryIndex == nil {
		return 0
	}
	n, err := b.retryIndex.Len(ctx)
	if err != nil {
		return 0
	}
	return n
}
