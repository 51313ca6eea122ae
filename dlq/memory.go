package dlq

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rbaliyan/relay"
)

// MemoryStore is an in-memory dead-letter store for testing and embedded
// deployments.
type MemoryStore struct {
	mu       sync.RWMutex
	messages map[string]*relay.Message
}

// NewMemoryStore creates a new in-memory dead-letter store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		messages: make(map[string]*relay.Message),
	}
}

// Add parks a message with the given failure reason.
func (s *MemoryStore) Add(ctx context.Context, msg *relay.Message, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := msg.Clone()
	stored.Status = relay.StatusDeadLetter
	stored.Error = reason
	stored.UpdatedAt = time.Now()

	s.messages[stored.ID] = stored
	return nil
}

// Get retrieves a single message by ID.
func (s *MemoryStore) Get(ctx context.Context, id string) (*relay.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msg, ok := s.messages[id]
	if !ok {
		return nil, relay.ErrMessageNotFound
	}
	return msg.Clone(), nil
}

// List returns messages matching the filter, oldest first.
func (s *MemoryStore) List(ctx context.Context, filter Filter) ([]*relay.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var messages []*relay.Message
	for _, msg := range s.messages {
		if matchesFilter(msg, filter) {
			messages = append(messages, msg.Clone())
		}
	}

	sort.Slice(messages, func(a, b int) bool {
		return messages[a].UpdatedAt.Before(messages[b].UpdatedAt)
	})

	// Apply pagination
	start := filter.Offset
	if start >= len(messages) {
		return nil, nil
	}
	end := len(messages)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	return messages[start:end], nil
}

// Count returns the number of messages matching the filter.
func (s *MemoryStore) Count(ctx context.Context, filter Filter) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, msg := range s.messages {
		if matchesFilter(msg, filter) {
			count++
		}
	}
	return count, nil
}

// matchesFilter checks if a message matches the filter criteria.
func matchesFilter(msg *relay.Message, filter Filter) bool {
	if filter.Type != "" && msg.Type != filter.Type {
		return false
	}
	if !filter.StartTime.IsZero() && msg.UpdatedAt.Before(filter.StartTime) {
		return false
	}
	if !filter.EndTime.IsZero() && msg.UpdatedAt.After(filter.EndTime) {
		return false
	}
	if filter.Reason != "" && !strings.Contains(msg.Error, filter.Reason) {
		return false
	}
	return filter.matchesIDs(msg.ID)
}

// Remove deletes a message from the store.
func (s *MemoryStore) Remove(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.messages[id]; !ok {
		return relay.ErrMessageNotFound
	}
	delete(s.messages, id)
	return nil
}

// Stats returns aggregate statistics.
func (s *MemoryStore) Stats(ctx context.Context) (*Stats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stats := &Stats{
		ByReason: make(map[string]int64),
	}

	var oldest, newest *time.Time
	var retrySum int64

	for _, msg := range s.messages {
		stats.TotalMessages++
		retrySum += int64(msg.RetryCount)
		stats.ByReason[reasonKey(msg.Error)]++

		if oldest == nil || msg.UpdatedAt.Before(*oldest) {
			t := msg.UpdatedAt
			oldest = &t
		}
		if newest == nil || msg.UpdatedAt.After(*newest) {
			t := msg.UpdatedAt
			newest = &t
		}
	}

	stats.OldestMessage = oldest
	stats.NewestMessage = newest
	if stats.TotalMessages > 0 {
		stats.AverageRetryCount = float64(retrySum) / float64(stats.TotalMessages)
	}
	return stats, nil
}

// reasonKey normalizes a failure reason for the per-reason breakdown by
// keeping only the part before the first colon.
func reasonKey(reason string) string {
	if idx := strings.Index(reason, ":"); idx > 0 {
		return reason[:idx]
	}
	return reason
}

// Compile-time check
var _ Store = (*MemoryStore)(nil)
