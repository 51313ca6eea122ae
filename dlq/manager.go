package dlq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"

	"github.com/rbaliyan/relay"
	"github.com/rbaliyan/relay/alert"
)

// Metadata keys recording replay provenance on the fresh message.
const (
	MetaReplayedFrom = "dlq_replayed_from"
	MetaReplayReason = "dlq_original_error"
)

// Enqueuer re-injects replayed messages into the main log.
// Implemented by the queue backends.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *relay.Message) (string, error)
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	// AlertThreshold is the store size at which a dlq_size alert fires
	// (0 = disabled).
	AlertThreshold int64

	// AlertCooldown is the minimum time between dlq_size alerts.
	// Default: 5m.
	AlertCooldown time.Duration
}

// DefaultManagerOptions returns default manager options.
func DefaultManagerOptions() *ManagerOptions {
	return &ManagerOptions{
		AlertCooldown: 5 * time.Minute,
	}
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithAlertThreshold sets the store size at which a dlq_size alert fires.
func WithAlertThreshold(n int64) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.opts.AlertThreshold = n
		}
	}
}

// WithAlertCooldown sets the minimum time between dlq_size alerts.
func WithAlertCooldown(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.opts.AlertCooldown = d
		}
	}
}

// WithSink sets the notification sink for threshold alerts.
func WithSink(s alert.Sink) ManagerOption {
	return func(m *Manager) {
		if s != nil {
			m.sink = s
		}
	}
}

// WithManagerMetrics sets the metrics implementation.
func WithManagerMetrics(metrics relay.Metrics) ManagerOption {
	return func(m *Manager) {
		if metrics != nil {
			m.metrics = metrics
		}
	}
}

// Manager handles dead-letter operations including replay.
//
// The Manager provides a high-level API for:
//   - Parking exhausted messages (called by the queue backends)
//   - Listing and filtering dead-lettered messages
//   - Replaying messages back into the queue
//   - Purging messages after operator review
//   - Aggregate statistics
//
// Crossing the configured size threshold raises a single dlq_size alert
// through the sink, then stays quiet for the cooldown, not one alert per
// message.
//
// Example:
//
//	store := dlq.NewRedisStore(redisClient)
//	manager := dlq.NewManager(store, queue,
//	    dlq.WithAlertThreshold(1000),
//	    dlq.WithSink(natsSink),
//	)
//
//	// Replay one message after fixing the downstream issue
//	fresh, err := manager.ReplayOne(ctx, id)
type Manager struct {
	store   Store
	enqueue Enqueuer
	opts    *ManagerOptions
	sink    alert.Sink
	metrics relay.Metrics
	logger  *slog.Logger

	mu           sync.Mutex
	lastAlertAt  time.Time
	aboveAtAlert bool
}

// NewManager creates a dead-letter manager over the given store and queue.
func NewManager(store Store, enqueue Enqueuer, opts ...ManagerOption) *Manager {
	m := &Manager{
		store:   store,
		enqueue: enqueue,
		opts:    DefaultManagerOptions(),
		sink:    alert.NewSlogSink(nil),
		metrics: relay.NopMetrics(),
		logger:  slog.Default().With("component", "dlq.manager"),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// WithLogger sets a custom logger.
func (m *Manager) WithLogger(l *slog.Logger) *Manager {
	m.logger = l
	return m
}

// Add parks an exhausted message with the given failure reason.
//
// Called by the queue backends once a message's retry budget is spent.
func (m *Manager) Add(ctx context.Context, msg *relay.Message, reason string) error {
	if err := m.store.Add(ctx, msg, reason); err != nil {
		m.logger.Error("failed to dead-letter message",
			"message_id", msg.ID,
			"error", err)
		return fmt.Errorf("dead-letter message: %w", err)
	}

	m.metrics.DeadLettered()
	m.logger.Warn("message dead-lettered",
		"message_id", msg.ID,
		"retry_count", msg.RetryCount,
		"reason", reason)

	m.checkThreshold(ctx)
	return nil
}

// Get retrieves a single dead-lettered message.
func (m *Manager) Get(ctx context.Context, id string) (*relay.Message, error) {
	return m.store.Get(ctx, id)
}

// List returns dead-lettered messages matching the filter.
func (m *Manager) List(ctx context.Context, filter Filter) ([]*relay.Message, error) {
	return m.store.List(ctx, filter)
}

// Count returns the number of messages matching the filter.
func (m *Manager) Count(ctx context.Context, filter Filter) (int64, error) {
	return m.store.Count(ctx, filter)
}

// ReplayOne replays a single dead-lettered message.
//
// A fresh message is enqueued (new ID, retry count reset to zero, replay
// provenance recorded in metadata) and the original is removed from the
// store. Returns the fresh message.
func (m *Manager) ReplayOne(ctx context.Context, id string) (*relay.Message, error) {
	original, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("get message: %w", err)
	}

	fresh := freshCopy(original)
	if _, err := m.enqueue.Enqueue(ctx, fresh); err != nil {
		return nil, fmt.Errorf("enqueue replay: %w", err)
	}

	if err := m.store.Remove(ctx, id); err != nil && !errors.Is(err, relay.ErrMessageNotFound) {
		return nil, fmt.Errorf("remove original: %w", err)
	}

	m.logger.Info("replayed dead-lettered message",
		"original_id", id,
		"message_id", fresh.ID)
	return fresh, nil
}

// ReplayAll replays all messages matching the filter.
//
// Replay is best-effort: individual failures are collected, never swallowed
// and never aborting the batch. Returns the number of messages replayed and
// the combined per-message errors, if any.
func (m *Manager) ReplayAll(ctx context.Context, filter Filter) (int, error) {
	messages, err := m.store.List(ctx, filter)
	if err != nil {
		return 0, fmt.Errorf("list messages: %w", err)
	}

	replayed := 0
	var mErr error
	for _, msg := range messages {
		if _, err := m.ReplayOne(ctx, msg.ID); err != nil {
			m.logger.Error("failed to replay message",
				"message_id", msg.ID,
				"error", err)
			mErr = multierr.Append(mErr, fmt.Errorf("replay %s: %w", msg.ID, err))
			continue
		}
		replayed++
	}

	m.logger.Info("replayed dead-lettered messages",
		"total", len(messages),
		"replayed", replayed)
	return replayed, mErr
}

// Purge removes a message without replaying it.
func (m *Manager) Purge(ctx context.Context, id string) error {
	if err := m.store.Remove(ctx, id); err != nil {
		return err
	}
	m.logger.Info("purged dead-lettered message", "message_id", id)
	return nil
}

// Stats returns aggregate statistics.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	stats, err := m.store.Stats(ctx)
	if err != nil {
		return nil, err
	}
	m.metrics.DLQSize(float64(stats.TotalMessages))
	return stats, nil
}

// freshCopy builds the replay message: new identity, zeroed retry state,
// provenance metadata.
func freshCopy(original *relay.Message) *relay.Message {
	now := time.Now()
	fresh := original.Clone()
	fresh.ID = uuid.New().String()
	fresh.Status = relay.StatusPending
	fresh.RetryCount = 0
	fresh.NextRetryAt = nil
	fresh.CreatedAt = now
	fresh.UpdatedAt = now
	fresh.Position = ""
	fresh.Error = ""
	fresh.SetMetadata(MetaReplayedFrom, original.ID)
	fresh.SetMetadata(MetaReplayReason, original.Error)
	return fresh
}

// checkThreshold fires a dlq_size alert when the store crosses the
// configured threshold, at most once per cooldown.
func (m *Manager) checkThreshold(ctx context.Context) {
	if m.opts.AlertThreshold <= 0 {
		return
	}

	count, err := m.store.Count(ctx, Filter{})
	if err != nil {
		m.logger.Error("failed to count dead-letter store", "error", err)
		return
	}

	m.mu.Lock()
	if count < m.opts.AlertThreshold {
		m.aboveAtAlert = false
		m.mu.Unlock()
		return
	}
	if m.aboveAtAlert && time.Since(m.lastAlertAt) < m.opts.AlertCooldown {
		m.mu.Unlock()
		return
	}
	m.lastAlertAt = time.Now()
	m.aboveAtAlert = true
	m.mu.Unlock()

	a := alert.Alert{
		Type:     alert.TypeDLQSize,
		Severity: alert.SeverityWarning,
		Message:  fmt.Sprintf("dead-letter store holds %d messages (threshold %d)", count, m.opts.AlertThreshold),
		Metrics: map[string]float64{
			"dlq_size":  float64(count),
			"threshold": float64(m.opts.AlertThreshold),
		},
		At: time.Now(),
	}
	if err := m.sink.Send(ctx, a); err != nil {
		m.logger.Error("failed to send dlq_size alert", "error", err)
	}
}
