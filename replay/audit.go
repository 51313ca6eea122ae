// Package replay provides operator-facing bulk replay of dead-lettered
// messages with an audit trail.
//
// Every replay operation writes two append-only audit records: one when
// the operation starts (status running) and one when it finishes, carrying
// per-message success and failure counts. Individual message failures
// never abort a batch; they are collected into the completion record.
//
// Three trigger shapes are supported:
//   - time_range: messages dead-lettered within a time window
//   - by_ids: an explicit list of message IDs
//   - dlq_replay: the entire dead-letter store
//
// Audit records are kept in an AuditStore; MemoryAuditStore suits tests
// and embedded deployments, MongoAuditStore keeps a durable trail.
package replay

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Trigger identifies the shape of a replay request.
type Trigger string

const (
	TriggerTimeRange Trigger = "time_range"
	TriggerByIDs     Trigger = "by_ids"
	TriggerDLQ       Trigger = "dlq_replay"
)

// Status is the lifecycle state recorded in an audit record.
type Status string

const (
	StatusRunning             Status = "running"
	StatusCompleted           Status = "completed"
	StatusCompletedWithErrors Status = "completed_with_errors"
)

// Audit is one immutable audit record. An operation produces two: a
// running record before the first message is touched and a completion
// record once the batch finishes.
type Audit struct {
	// ID identifies this record.
	ID string `json:"id"`

	// OperationID links the running and completion records of one
	// operation.
	OperationID string `json:"operation_id"`

	Trigger Trigger `json:"trigger"`
	Status  Status  `json:"status"`

	// StartTime and EndTime are the criteria of a time_range trigger.
	StartTime *time.Time `json:"start_time,omitempty"`
	EndTime   *time.Time `json:"end_time,omitempty"`

	// IDs are the criteria of a by_ids trigger.
	IDs []string `json:"ids,omitempty"`

	// Requested, Replayed and Failed summarize the batch. Zero on the
	// running record except Requested, which is set once matching
	// messages are known.
	Requested int `json:"requested"`
	Replayed  int `json:"replayed"`
	Failed    int `json:"failed"`

	// Errors maps message ID to failure reason for messages that could
	// not be replayed.
	Errors map[string]string `json:"errors,omitempty"`

	RecordedAt time.Time `json:"recorded_at"`
}

// AuditStore persists audit records. Records are append-only; stores never
// update or delete them.
type AuditStore interface {
	// Append stores one record.
	Append(ctx context.Context, audit *Audit) error

	// List returns up to limit records, newest first. limit <= 0 means
	// no limit.
	List(ctx context.Context, limit int) ([]*Audit, error)

	// ByOperation returns the records of one operation, oldest first.
	ByOperation(ctx context.Context, operationID string) ([]*Audit, error)
}

// MemoryAuditStore is an in-memory AuditStore for testing and embedded
// deployments.
type MemoryAuditStore struct {
	mu      sync.RWMutex
	records []*Audit
}

var _ AuditStore = (*MemoryAuditStore)(nil)

// NewMemoryAuditStore creates an empty in-memory audit store.
func NewMemoryAuditStore() *MemoryAuditStore {
	return &MemoryAuditStore{}
}

// Append stores one record.
func (s *MemoryAuditStore) Append(ctx context.Context, audit *Audit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, cloneAudit(audit))
	return nil
}

// List returns up to limit records, newest first.
func (s *MemoryAuditStore) List(ctx context.Context, limit int) ([]*Audit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Audit, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, cloneAudit(rec))
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RecordedAt.After(out[j].RecordedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// ByOperation returns the records of one operation, oldest first.
func (s *MemoryAuditStore) ByOperation(ctx context.Context, operationID string) ([]*Audit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Audit
	for _, rec := range s.records {
		if rec.OperationID == operationID {
			out = append(out, cloneAudit(rec))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RecordedAt.Before(out[j].RecordedAt)
	})
	return out, nil
}

func cloneAudit(a *Audit) *Audit {
	clone := *a
	if a.IDs != nil {
		clone.IDs = append([]string(nil), a.IDs...)
	}
	if a.Errors != nil {
		clone.Errors = make(map[string]string, len(a.Errors))
		for k, v := range a.Errors {
			clone.Errors[k] = v
		}
	}
	return &clone
}

// newAuditID returns a fresh record identifier.
func newAuditID() string {
	return uuid.New().String()
}
