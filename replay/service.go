package replay

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/rbaliyan/relay"
	"github.com/rbaliyan/relay/dlq"
)

// Replayer is the dead-letter surface the service drives.
// Implemented by dlq.Manager.
type Replayer interface {
	List(ctx context.Context, filter dlq.Filter) ([]*relay.Message, error)
	ReplayOne(ctx context.Context, id string) (*relay.Message, error)
}

// Service orchestrates bulk replay of dead-lettered messages.
//
// Each operation writes a running audit record before touching the first
// message and a completion record when the batch finishes. Per-message
// failures are collected into the completion record, never aborting the
// batch.
type Service struct {
	replayer Replayer
	audits   AuditStore
	logger   *slog.Logger
}

// NewService creates a replay service over the given dead-letter manager
// and audit store.
func NewService(replayer Replayer, audits AuditStore) *Service {
	return &Service{
		replayer: replayer,
		audits:   audits,
		logger:   slog.Default().With("component", "replay"),
	}
}

// WithLogger sets a custom logger.
func (s *Service) WithLogger(l *slog.Logger) *Service {
	s.logger = l
	return s
}

// Audits returns up to limit audit records, newest first.
func (s *Service) Audits(ctx context.Context, limit int) ([]*Audit, error) {
	return s.audits.List(ctx, limit)
}

// Operation returns the audit records of one operation, oldest first.
func (s *Service) Operation(ctx context.Context, operationID string) ([]*Audit, error) {
	return s.audits.ByOperation(ctx, operationID)
}

// ReplayTimeRange replays messages dead-lettered within [start, end].
// Returns the completion audit record.
func (s *Service) ReplayTimeRange(ctx context.Context, start, end time.Time) (*Audit, error) {
	template := &Audit{
		Trigger:   TriggerTimeRange,
		StartTime: &start,
		EndTime:   &end,
	}
	return s.run(ctx, template, dlq.Filter{StartTime: start, EndTime: end})
}

// ReplayIDs replays an explicit list of dead-lettered message IDs.
// Returns the completion audit record.
func (s *Service) ReplayIDs(ctx context.Context, ids []string) (*Audit, error) {
	template := &Audit{
		Trigger: TriggerByIDs,
		IDs:     append([]string(nil), ids...),
	}
	return s.run(ctx, template, dlq.Filter{IDs: ids})
}

// ReplayDLQ replays the entire dead-letter store.
// Returns the completion audit record.
func (s *Service) ReplayDLQ(ctx context.Context) (*Audit, error) {
	return s.run(ctx, &Audit{Trigger: TriggerDLQ}, dlq.Filter{})
}

// run executes one replay operation: running record, batch, completion
// record.
func (s *Service) run(ctx context.Context, template *Audit, filter dlq.Filter) (*Audit, error) {
	messages, err := s.replayer.List(ctx, filter)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	operationID := uuid.New().String()

	running := cloneAudit(template)
	running.ID = newAuditID()
	running.OperationID = operationID
	running.Status = StatusRunning
	running.Requested = len(messages)
	running.RecordedAt = time.Now()
	if err := s.audits.Append(ctx, running); err != nil {
		return nil, fmt.Errorf("record audit: %w", err)
	}

	s.logger.Info("replay started",
		"operation_id", operationID,
		"trigger", template.Trigger,
		"requested", len(messages))

	replayed := 0
	failures := make(map[string]string)
	for _, msg := range messages {
		if _, err := s.replayer.ReplayOne(ctx, msg.ID); err != nil {
			s.logger.Error("failed to replay message",
				"operation_id", operationID,
				"message_id", msg.ID,
				"error", err)
			failures[msg.ID] = err.Error()
			continue
		}
		replayed++
	}

	done := cloneAudit(template)
	done.ID = newAuditID()
	done.OperationID = operationID
	done.Status = StatusCompleted
	done.Requested = len(messages)
	done.Replayed = replayed
	done.Failed = len(failures)
	done.RecordedAt = time.Now()
	if len(failures) > 0 {
		done.Status = StatusCompletedWithErrors
		done.Errors = failures
	}
	if err := s.audits.Append(ctx, done); err != nil {
		return nil, fmt.Errorf("record audit: %w", err)
	}

	s.logger.Info("replay finished",
		"operation_id", operationID,
		"status", done.Status,
		"replayed", replayed,
		"failed", len(failures))
	return done, nil
}
