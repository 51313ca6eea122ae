package dlq

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/rbaliyan/relay"
)

/*
Redis Schema:

- Hash: {prefix}msg:{id}  - flat message record (relay.Message.Record form)
- ZSet: {prefix}index     - message IDs scored by dead-letter time (ms)
*/

// DefaultRedisPrefix prefixes all dead-letter keys.
const DefaultRedisPrefix = "relay:dlq:"

// RedisStore is a Redis-based dead-letter store. Each message is a hash of
// flat record fields; a sorted set scored by dead-letter time provides
// time-ordered listing and range filters.
type RedisStore struct {
	client    redis.Cmdable
	msgPrefix string
	indexKey  string
}

// NewRedisStore creates a new Redis dead-letter store.
func NewRedisStore(client redis.Cmdable) *RedisStore {
	s := &RedisStore{client: client}
	return s.WithKeyPrefix(DefaultRedisPrefix)
}

// WithKeyPrefix sets a custom key prefix.
func (s *RedisStore) WithKeyPrefix(prefix string) *RedisStore {
	s.msgPrefix = prefix + "msg:"
	s.indexKey = prefix + "index"
	return s
}

// Add parks a message with the given failure reason.
func (s *RedisStore) Add(ctx context.Context, msg *relay.Message, reason string) error {
	stored := msg.Clone()
	stored.Status = relay.StatusDeadLetter
	stored.Error = reason
	stored.UpdatedAt = time.Now()

	if err := s.client.HSet(ctx, s.msgPrefix+stored.ID, stored.Record()).Err(); err != nil {
		return fmt.Errorf("hset: %w", err)
	}

	err := s.client.ZAdd(ctx, s.indexKey, redis.Z{
		Score:  float64(stored.UpdatedAt.UnixMilli()),
		Member: stored.ID,
	}).Err()
	if err != nil {
		return fmt.Errorf("zadd: %w", err)
	}
	return nil
}

// Get retrieves a single message by ID.
func (s *RedisStore) Get(ctx context.Context, id string) (*relay.Message, error) {
	fields, err := s.client.HGetAll(ctx, s.msgPrefix+id).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	if len(fields) == 0 {
		return nil, relay.ErrMessageNotFound
	}
	return relay.MessageFromRecord(fields)
}

// List returns messages matching the filter, oldest first.
func (s *RedisStore) List(ctx context.Context, filter Filter) ([]*relay.Message, error) {
	ids, err := s.idsInRange(ctx, filter)
	if err != nil {
		return nil, err
	}

	var messages []*relay.Message
	skipped := 0
	for _, id := range ids {
		if !filter.matchesIDs(id) {
			continue
		}

		msg, err := s.Get(ctx, id)
		if err != nil {
			// Index and hash can race on Remove; skip missing entries.
			if err == relay.ErrMessageNotFound {
				continue
			}
			return nil, err
		}
		if filter.Type != "" && msg.Type != filter.Type {
			continue
		}
		if filter.Reason != "" && !strings.Contains(msg.Error, filter.Reason) {
			continue
		}

		if skipped < filter.Offset {
			skipped++
			continue
		}
		messages = append(messages, msg)
		if filter.Limit > 0 && len(messages) >= filter.Limit {
			break
		}
	}
	return messages, nil
}

// Count returns the number of messages matching the filter.
func (s *RedisStore) Count(ctx context.Context, filter Filter) (int64, error) {
	// Fast path: no content filters means the index cardinality is exact.
	if filter.Type == "" && filter.Reason == "" && len(filter.IDs) == 0 &&
		filter.StartTime.IsZero() && filter.EndTime.IsZero() {
		return s.client.ZCard(ctx, s.indexKey).Result()
	}

	unpaged := filter
	unpaged.Limit = 0
	unpaged.Offset = 0
	messages, err := s.List(ctx, unpaged)
	if err != nil {
		return 0, err
	}
	return int64(len(messages)), nil
}

// Remove deletes a message from the store.
func (s *RedisStore) Remove(ctx context.Context, id string) error {
	removed, err := s.client.ZRem(ctx, s.indexKey, id).Result()
	if err != nil {
		return fmt.Errorf("zrem: %w", err)
	}
	if removed == 0 {
		return relay.ErrMessageNotFound
	}
	if err := s.client.Del(ctx, s.msgPrefix+id).Err(); err != nil {
		return fmt.Errorf("del: %w", err)
	}
	return nil
}

// Stats returns aggregate statistics.
func (s *RedisStore) Stats(ctx context.Context) (*Stats, error) {
	ids, err := s.client.ZRangeWithScores(ctx, s.indexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("zrange: %w", err)
	}

	stats := &Stats{
		ByReason: make(map[string]int64),
	}
	var retrySum int64

	for _, z := range ids {
		id, _ := z.Member.(string)
		msg, err := s.Get(ctx, id)
		if err != nil {
			if err == relay.ErrMessageNotFound {
				continue
			}
			return nil, err
		}

		stats.TotalMessages++
		retrySum += int64(msg.RetryCount)
		stats.ByReason[reasonKey(msg.Error)]++

		t := msg.UpdatedAt
		if stats.OldestMessage == nil {
			stats.OldestMessage = &t
		}
		stats.NewestMessage = &t
	}

	if stats.TotalMessages > 0 {
		stats.AverageRetryCount = float64(retrySum) / float64(stats.TotalMessages)
	}
	return stats, nil
}

// idsInRange returns IDs from the time index, restricted by the filter's
// time range, oldest first.
func (s *RedisStore) idsInRange(ctx context.Context, filter Filter) ([]string, error) {
	min := "-inf"
	max := "+inf"
	if !filter.StartTime.IsZero() {
		min = strconv.FormatInt(filter.StartTime.UnixMilli(), 10)
	}
	if !filter.EndTime.IsZero() {
		max = strconv.FormatInt(filter.EndTime.UnixMilli(), 10)
	}

	ids, err := s.client.ZRangeByScore(ctx, s.indexKey, &redis.ZRangeBy{
		Min: min,
		Max: max,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("zrangebyscore: %w", err)
	}
	return ids, nil
}

// Compile-time check
var _ Store = (*RedisStore)(nil)
