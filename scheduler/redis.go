package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/relay"
	"github.com/rbaliyan/relay/codec"
)

// DefaultRedisKey is the sorted set holding the retry index.
const DefaultRedisKey = "relay:retry"

// RedisIndex stores the retry index in a Redis sorted set, scored by the
// message's due time in milliseconds. Due lookups are a single
// ZRANGEBYSCORE, O(log n) in the index size.
//
// Members are codec-encoded message records (JSON by default).
//
// Example:
//
//	rdb := redis.NewClient(&redis.Options{Addr: "localhost:6379"})
//	index := scheduler.NewRedisIndex(rdb,
//	    scheduler.WithRedisIndexKey("myapp:retry"),
//	    scheduler.WithRedisIndexCodec(codec.MsgPack{}),
//	)
type RedisIndex struct {
	client redis.Cmdable
	key    string
	codec  codec.Codec
	logger *slog.Logger
}

// RedisIndexOption configures a RedisIndex.
type RedisIndexOption func(*RedisIndex)

// WithRedisIndexKey sets the sorted set key.
func WithRedisIndexKey(key string) RedisIndexOption {
	return func(i *RedisIndex) {
		if key != "" {
			i.key = key
		}
	}
}

// WithRedisIndexCodec sets the record codec.
func WithRedisIndexCodec(c codec.Codec) RedisIndexOption {
	return func(i *RedisIndex) {
		if c != nil {
			i.codec = c
		}
	}
}

// NewRedisIndex creates a Redis-backed retry index.
func NewRedisIndex(client redis.Cmdable, opts ...RedisIndexOption) *RedisIndex {
	i := &RedisIndex{
		client: client,
		key:    DefaultRedisKey,
		codec:  codec.Default(),
		logger: slog.Default().With("component", "scheduler.redis"),
	}
	for _, opt := range opts {
		opt(i)
	}
	return i
}

// WithLogger sets a custom logger.
func (i *RedisIndex) WithLogger(l *slog.Logger) *RedisIndex {
	i.logger = l
	return i
}

// Add stores a message awaiting retry, scored by its due time.
func (i *RedisIndex) Add(ctx context.Context, msg *relay.Message) error {
	if msg.NextRetryAt == nil {
		return fmt.Errorf("message %s has no retry time", msg.ID)
	}

	data, err := i.codec.Encode(msg)
	if err != nil {
		return fmt.Errorf("encode record: %w", err)
	}

	err = i.client.ZAdd(ctx, i.key, redis.Z{
		Score:  float64(msg.NextRetryAt.UnixMilli()),
		Member: data,
	}).Err()
	if err != nil {
		return fmt.Errorf("zadd: %w", err)
	}

	i.logger.Debug("indexed retry",
		"id", msg.ID,
		"retry_count", msg.RetryCount,
		"next_retry_at", msg.NextRetryAt)
	return nil
}

// Due returns up to limit messages whose due time has passed, soonest first.
//
// Corrupt members are skipped and logged; they stay in the index for
// operator inspection rather than being silently dropped.
func (i *RedisIndex) Due(ctx context.Context, now time.Time, limit int) ([]*relay.Message, error) {
	rangeBy := &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(now.UnixMilli(), 10),
	}
	if limit > 0 {
		rangeBy.Count = int64(limit)
	}

	results, err := i.client.ZRangeByScore(ctx, i.key, rangeBy).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore: %w", err)
	}

	var due []*relay.Message
	for _, member := range results {
		msg, err := i.codec.Decode([]byte(member))
		if err != nil {
			i.logger.Error("corrupt retry record",
				"error", &relay.MalformedRecordError{Err: err})
			continue
		}
		due = append(due, msg)
	}
	return due, nil
}

// Remove deletes a message from the index.
//
// The sorted set is keyed by encoded record, so removal scans members and
// matches on the decoded ID.
func (i *RedisIndex) Remove(ctx context.Context, id string) error {
	results, err := i.client.ZRange(ctx, i.key, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("zrange: %w", err)
	}

	for _, member := range results {
		msg, err := i.codec.Decode([]byte(member))
		if err != nil {
			continue
		}
		if msg.ID == id {
			if err := i.client.ZRem(ctx, i.key, member).Err(); err != nil {
				return fmt.Errorf("zrem: %w", err)
			}
			return nil
		}
	}
	return relay.ErrMessageNotFound
}

// Len returns the number of messages awaiting retry.
func (i *RedisIndex) Len(ctx context.Context) (int64, error) {
	return i.client.ZCard(ctx, i.key).Result()
}

// Compile-time check
var _ Index = (*RedisIndex)(nil)
