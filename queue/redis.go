package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/relay"
)

// Defaults for the Redis backend.
const (
	DefaultStream    = "relay:stream"
	DefaultGroup     = "relay"
	DefaultBlockTime = time.Second
)

// RedisQueue is a durable Queue backed by a Redis Stream with a consumer
// group.
//
// Enqueue is XADD with the message's flat record as the entry fields.
// Dequeue is XREADGROUP, which moves the entry into this consumer's
// pending entries list until MarkCompleted or MarkFailed acknowledges it.
// An entry claimed by a consumer that dies stays in that consumer's
// pending list and is visible through Stats; it is never silently lost.
type RedisQueue struct {
	baseQueue
	client    redis.Cmdable
	stream    string
	group     string
	consumer  string
	blockTime time.Duration
	logger    *slog.Logger

	groupOnce sync.Once
	groupErr  error

	mu        sync.Mutex
	claimed   map[string]*redisClaim // message ID -> claim
	completed int64
	failed    int64
}

type redisClaim struct {
	streamID string
	msg      *relay.Message
}

var _ Queue = (*RedisQueue)(nil)

// NewRedisQueue creates a Redis Streams queue.
func NewRedisQueue(client redis.Cmdable, opts ...Option) *RedisQueue {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.consumer == "" {
		cfg.consumer = uuid.New().String()
	}
	return &RedisQueue{
		baseQueue: cfg.base(),
		client:    client,
		stream:    cfg.stream,
		group:     cfg.group,
		consumer:  cfg.consumer,
		blockTime: cfg.blockTime,
		logger:    slog.Default().With("component", "queue.redis"),
		claimed:   make(map[string]*redisClaim),
	}
}

// WithLogger sets a custom logger.
func (q *RedisQueue) WithLogger(l *slog.Logger) *RedisQueue {
	q.logger = l
	return q
}

// ensureGroup creates the consumer group (and the stream) on first use.
func (q *RedisQueue) ensureGroup(ctx context.Context) error {
	q.groupOnce.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "0").Err()
		if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
			q.groupErr = fmt.Errorf("create consumer group: %w", err)
		}
	})
	return q.groupErr
}

// Enqueue appends a message to the stream and returns its stream ID.
func (q *RedisQueue) Enqueue(ctx context.Context, msg *relay.Message) (string, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return "", err
	}

	if q.opts.MaxSize > 0 {
		depth, err := q.client.XLen(ctx, q.stream).Result()
		if err != nil {
			return "", fmt.Errorf("check queue depth: %w", err)
		}
		if depth >= q.opts.MaxSize {
			return "", relay.ErrQueueFull
		}
	}

	msg.Status = relay.StatusPending
	msg.UpdatedAt = time.Now()

	id, err := q.client.XAdd(ctx, &redis.XAddArgs{
		Stream: q.stream,
		Values: msg.Record(),
	}).Result()
	if err != nil {
		return "", fmt.Errorf("append message: %w", err)
	}

	msg.Position = id
	q.metrics.Enqueued()
	q.logger.Debug("enqueued message", "message_id", msg.ID, "position", id)
	return id, nil
}

// Dequeue first re-injects any due retries, then claims one message for
// this consumer. Returns (nil, nil) when no message arrives within the
// block time.
func (q *RedisQueue) Dequeue(ctx context.Context) (*relay.Message, error) {
	if err := q.ensureGroup(ctx); err != nil {
		return nil, err
	}

	if err := q.reinjectDue(ctx, q.Enqueue); err != nil {
		q.logger.Warn("failed to re-inject due retries", "error", err)
	}

	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: q.consumer,
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    q.blockTime,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("read stream: %w", err)
	}

	for _, stream := range streams {
		for _, entry := range stream.Messages {
			msg, err := relay.MessageFromRecord(recordValues(entry.Values))
			if err != nil {
				// An undecodable entry can never be delivered. Ack it so
				// the group makes progress; the raw entry stays in the
				// stream for operator inspection.
				q.logger.Error("malformed stream entry",
					"position", entry.ID,
					"error", err)
				q.client.XAck(ctx, q.stream, q.group, entry.ID)
				continue
			}

			msg.Status = relay.StatusProcessing
			msg.NextRetryAt = nil
			msg.UpdatedAt = time.Now()
			msg.Position = entry.ID

			q.mu.Lock()
			q.claimed[msg.ID] = &redisClaim{streamID: entry.ID, msg: msg}
			q.mu.Unlock()

			q.metrics.Dequeued()
			return msg.Clone(), nil
		}
	}
	return nil, nil
}

// MarkCompleted acknowledges a claimed message and removes it from the
// stream.
func (q *RedisQueue) MarkCompleted(ctx context.Context, id string) error {
	q.mu.Lock()
	claim, ok := q.claimed[id]
	if !ok {
		q.mu.Unlock()
		return relay.ErrMessageNotFound
	}
	delete(q.claimed, id)
	q.completed++
	q.mu.Unlock()

	if err := q.ack(ctx, claim.streamID); err != nil {
		return err
	}
	q.metrics.Completed()
	q.logger.Debug("completed message", "message_id", id)
	return nil
}

// MarkFailed resolves a claimed message after a delivery failure, either
// scheduling a retry or dead-lettering it, then acknowledges the stream
// entry.
//
// The retry index or dead-letter write happens before the acknowledgement:
// a crash in between leaves the entry pending and the message indexed,
// trading a possible duplicate for never losing the message.
func (q *RedisQueue) MarkFailed(ctx context.Context, id string, reason error) error {
	q.mu.Lock()
	claim, ok := q.claimed[id]
	if !ok {
		q.mu.Unlock()
		return relay.ErrMessageNotFound
	}
	delete(q.claimed, id)
	q.failed++
	q.mu.Unlock()

	msg := claim.msg
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
		return q.ack(ctx, claim.streamID)
	}

	msg.Status = relay.StatusDeadLetter
	msg.NextRetryAt = nil
	if err := q.park(ctx, msg, reason); err != nil {
		return err
	}
	return q.ack(ctx, claim.streamID)
}

func (q *RedisQueue) ack(ctx context.Context, streamID string) error {
	if err := q.client.XAck(ctx, q.stream, q.group, streamID).Err(); err != nil {
		return fmt.Errorf("ack entry: %w", err)
	}
	if err := q.client.XDel(ctx, q.stream, streamID).Err(); err != nil {
		return fmt.Errorf("delete entry: %w", err)
	}
	return nil
}

// Len returns the number of entries in the stream.
func (q *RedisQueue) Len(ctx context.Context) (int64, error) {
	return q.client.XLen(ctx, q.stream).Result()
}

// Stats returns a point-in-time snapshot of queue state.
//
// Processing counts entries in any consumer's pending list, including
// consumers that have died holding a claim, so stuck claims show up here
// rather than disappearing.
func (q *RedisQueue) Stats(ctx context.Context) (*Stats, error) {
	depth, err := q.client.XLen(ctx, q.stream).Result()
	if err != nil {
		return nil, fmt.Errorf("stream length: %w", err)
	}

	stats := &Stats{Depth: depth}

	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil && !errors.Is(err, redis.Nil) && !isNoGroupErr(err) {
		return nil, fmt.Errorf("pending info: %w", err)
	}
	if pending != nil {
		stats.Processing = pending.Count
	}
	stats.Pending = depth - stats.Processing
	if stats.Pending < 0 {
		stats.Pending = 0
	}

	entries, err := q.client.XRangeN(ctx, q.stream, "-", "+", 1).Result()
	if err == nil && len(entries) > 0 {
		var ms int64
		if _, err := fmt.Sscanf(entries[0].ID, "%d-", &ms); err == nil {
			stats.OldestAge = time.Since(time.UnixMilli(ms))
		}
	}

	q.mu.Lock()
	stats.Completed = q.completed
	stats.Failed = q.failed
	q.mu.Unlock()

	stats.Retrying = q.retrying(ctx)
	q.metrics.QueueDepth(float64(stats.Depth))
	return stats, nil
}

// recordValues narrows XADD's interface{} entry values back to the string
// record fields the message codec expects.
func recordValues(values map[string]interface{}) map[string]string {
	rec := make(map[string]string, len(values))
	for k, v := range values {
		if s, ok := v.(string); ok {
			rec[k] = s
			continue
		}
		rec[k] = fmt.Sprint(v)
	}
	return rec
}

func isNoGroupErr(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}
