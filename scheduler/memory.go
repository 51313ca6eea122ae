package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rbaliyan/relay"
)

// MemoryIndex is an in-memory retry index for testing and embedded
// deployments.
type MemoryIndex struct {
	mu       sync.RWMutex
	messages map[string]*relay.Message
}

// NewMemoryIndex creates a new in-memory retry index.
func NewMemoryIndex() *MemoryIndex {
	return &MemoryIndex{
		messages: make(map[string]*relay.Message),
	}
}

// Add stores a message awaiting retry.
func (i *MemoryIndex) Add(ctx context.Context, msg *relay.Message) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.messages[msg.ID] = msg.Clone()
	return nil
}

// Due returns up to limit messages whose NextRetryAt <= now, soonest first.
func (i *MemoryIndex) Due(ctx context.Context, now time.Time, limit int) ([]*relay.Message, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	var due []*relay.Message
	for _, msg := range i.messages {
		if msg.NextRetryAt != nil && !msg.NextRetryAt.After(now) {
			due = append(due, msg.Clone())
		}
	}

	sort.Slice(due, func(a, b int) bool {
		return due[a].NextRetryAt.Before(*due[b].NextRetryAt)
	})

	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

// Remove deletes a message from the index.
func (i *MemoryIndex) Remove(ctx context.Context, id string) error {
	i.mu.Lock()
	defer i.mu.Unlock()

	if _, ok := i.messages[id]; !ok {
		return relay.ErrMessageNotFound
	}
	delete(i.messages, id)
	return nil
}

// Len returns the number of messages awaiting retry.
func (i *MemoryIndex) Len(ctx context.Context) (int64, error) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return int64(len(i.messages)), nil
}

// Compile-time check
var _ Index = (*MemoryIndex)(nil)
