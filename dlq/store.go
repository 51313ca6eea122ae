// Package dlq provides dead-letter storage and replay for messages that
// exhausted all retry attempts.
//
// Dead-lettered messages are terminal until an operator acts: the pipeline
// never auto-deletes them. This package provides:
//   - Storage of exhausted messages with the failure reason
//   - Filtering and listing for operator dashboards
//   - Replay of one or all messages back into the queue
//   - Aggregate statistics feeding the health monitor
//   - A size-threshold alert with cooldown
//
// # Replay identity
//
// Replaying a dead-lettered message produces a new message with a fresh ID
// and a reset retry count, and removes the original from the store. Replays
// never resurrect stale retry counters.
//
// # Basic Usage
//
//	store := dlq.NewRedisStore(redisClient)
//	manager := dlq.NewManager(store, queue)
//
//	// Replay everything that failed with a given reason
//	replayed, err := manager.ReplayAll(ctx, dlq.Filter{Reason: "connection refused"})
//
//	// Inspect
//	stats, err := manager.Stats(ctx)
package dlq

import (
	"context"
	"time"

	"github.com/rbaliyan/relay"
)

// Filter specifies criteria for listing dead-lettered messages.
//
// All fields are optional. Empty filter returns all messages.
type Filter struct {
	Type      string    // Filter by message type (empty = all types)
	StartTime time.Time // Messages dead-lettered after this time (zero = no minimum)
	EndTime   time.Time // Messages dead-lettered before this time (zero = no maximum)
	Reason    string    // Filter by failure reason (contains match)
	IDs       []string  // Restrict to explicit message IDs (empty = all)
	Limit     int       // Maximum results (0 = no limit)
	Offset    int       // Offset for pagination
}

// matchesIDs reports whether id is allowed by the filter's ID restriction.
func (f Filter) matchesIDs(id string) bool {
	if len(f.IDs) == 0 {
		return true
	}
	for _, want := range f.IDs {
		if want == id {
			return true
		}
	}
	return false
}

// Stats provides dead-letter aggregate statistics, used by the health
// monitor and operator dashboards.
type Stats struct {
	TotalMessages     int64            // Total messages in the store
	OldestMessage     *time.Time       // Dead-letter time of the oldest message
	NewestMessage     *time.Time       // Dead-letter time of the newest message
	ByReason          map[string]int64 // Count per failure reason
	AverageRetryCount float64          // Mean retry count at dead-letter time
}

// Store persists dead-lettered messages. Messages carry
// Status == relay.StatusDeadLetter, the failure reason in Error, and the
// dead-letter time in UpdatedAt.
//
// Implementations must be safe for concurrent use.
//
// Implementations:
//   - MemoryStore: for testing (see memory.go)
//   - RedisStore: production backend (see redis.go)
type Store interface {
	// Add parks a message with the given failure reason.
	Add(ctx context.Context, msg *relay.Message, reason string) error

	// Get retrieves a single message by ID.
	// Returns relay.ErrMessageNotFound if absent.
	Get(ctx context.Context, id string) (*relay.Message, error)

	// List returns messages matching the filter, oldest first.
	List(ctx context.Context, filter Filter) ([]*relay.Message, error)

	// Count returns the number of messages matching the filter.
	Count(ctx context.Context, filter Filter) (int64, error)

	// Remove deletes a message from the store.
	// Returns relay.ErrMessageNotFound if absent.
	Remove(ctx context.Context, id string) error

	// Stats returns aggregate statistics.
	Stats(ctx context.Context) (*Stats, error)
}
