package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/rbaliyan/relay"
)

// Sweeper periodically re-injects due messages from the index into the
// queue. Each re-injection resets the message status to pending and clears
// the retry time while preserving the retry count; the message is removed
// from the index only after the enqueue succeeded.
//
// Example:
//
//	sweeper := scheduler.NewSweeper(index, queue,
//	    scheduler.WithSweepInterval(5*time.Second),
//	    scheduler.WithMaxConcurrent(4),
//	    scheduler.WithRateLimit(50),
//	)
//	go sweeper.Start(ctx)
//	defer sweeper.Stop(ctx)
type Sweeper struct {
	index   Index
	enqueue Enqueuer
	opts    *Options
	limiter *rate.Limiter
	logger  *slog.Logger

	sweepCh   chan struct{}
	stopCh    chan struct{}
	stoppedCh chan struct{}
}

// NewSweeper creates a sweeper over the given index and queue.
func NewSweeper(index Index, enqueue Enqueuer, opts ...Option) *Sweeper {
	o := DefaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	s := &Sweeper{
		index:     index,
		enqueue:   enqueue,
		opts:      o,
		logger:    slog.Default().With("component", "scheduler.sweeper"),
		sweepCh:   make(chan struct{}, 1),
		stopCh:    make(chan struct{}),
		stoppedCh: make(chan struct{}),
	}
	if o.RatePerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(o.RatePerSecond), o.MaxConcurrent)
	}
	return s
}

// WithLogger sets a custom logger.
func (s *Sweeper) WithLogger(l *slog.Logger) *Sweeper {
	s.logger = l
	return s
}

// Start runs the sweep loop. It blocks until the context is cancelled or
// Stop is called.
func (s *Sweeper) Start(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.Interval)
	defer ticker.Stop()

	s.logger.Info("retry sweeper started",
		"interval", s.opts.Interval,
		"batch_size", s.opts.BatchSize,
		"max_concurrent", s.opts.MaxConcurrent)

	for {
		select {
		case <-ctx.Done():
			close(s.stoppedCh)
			return ctx.Err()
		case <-s.stopCh:
			close(s.stoppedCh)
			return nil
		case <-s.sweepCh:
			s.sweep(ctx)
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

// Stop gracefully stops the sweeper. An in-flight sweep batch finishes;
// messages mid-retry remain in the index, safe to resume on restart.
func (s *Sweeper) Stop(ctx context.Context) error {
	select {
	case <-s.stopCh:
	default:
		close(s.stopCh)
	}

	select {
	case <-s.stoppedCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SweepNow requests an immediate sweep without waiting for the next tick.
// Used as the breaker's recovery hook to drain the backlog as soon as the
// downstream service is healthy again.
func (s *Sweeper) SweepNow() {
	select {
	case s.sweepCh <- struct{}{}:
	default:
	}
}

// sweep fetches one batch of due messages and re-enqueues them with bounded
// concurrency.
func (s *Sweeper) sweep(ctx context.Context) {
	due, err := s.index.Due(ctx, time.Now(), s.opts.BatchSize)
	if err != nil {
		s.logger.Error("failed to fetch due retries", "error", err)
		return
	}
	if len(due) == 0 {
		return
	}

	s.logger.Debug("sweeping due retries", "count", len(due))

	sem := make(chan struct{}, s.opts.MaxConcurrent)
	var wg sync.WaitGroup

	for _, msg := range due {
		select {
		case <-ctx.Done():
			wg.Wait()
			return
		case <-s.stopCh:
			wg.Wait()
			return
		case sem <- struct{}{}:
		}

		wg.Add(1)
		go func(msg *relay.Message) {
			defer wg.Done()
			defer func() { <-sem }()
			s.reinject(ctx, msg)
		}(msg)
	}

	wg.Wait()
}

// reinject re-enqueues one due message and removes it from the index.
func (s *Sweeper) reinject(ctx context.Context, msg *relay.Message) {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
	}

	retry := msg.Clone()
	retry.Status = relay.StatusPending
	retry.NextRetryAt = nil
	retry.UpdatedAt = time.Now()

	if _, err := s.enqueue.Enqueue(ctx, retry); err != nil {
		if errors.Is(err, relay.ErrQueueFull) {
			// Leave it indexed; the next sweep retries once capacity frees up.
			s.logger.Warn("queue full, retry deferred", "id", msg.ID)
			return
		}
		s.logger.Error("failed to re-enqueue retry",
			"id", msg.ID,
			"retry_count", msg.RetryCount,
			"error", err)
		return
	}

	if err := s.index.Remove(ctx, msg.ID); err != nil && !errors.Is(err, relay.ErrMessageNotFound) {
		s.logger.Error("failed to remove re-enqueued retry from index",
			"id", msg.ID,
			"error", err)
	}

	s.logger.Debug("re-enqueued retry",
		"id", msg.ID,
		"retry_count", msg.RetryCount)
}

// Pending returns the number of messages awaiting retry.
func (s *Sweeper) Pending(ctx context.Context) (int64, error) {
	return s.index.Len(ctx)
}
