// Package scheduler provides retry scheduling for failed deliveries.
//
// Failed messages are parked in a due-time-ordered index, decoupled from the
// main log so that due-for-retry lookups never require a full log scan. A
// periodic sweep re-injects due messages into the queue.
//
// # Overview
//
// The package provides:
//   - Index interface for the time-ordered retry store
//   - MemoryIndex for testing and embedded deployments
//   - RedisIndex backed by a sorted set, scored by due time
//   - Sweeper, the cancellable periodic re-injection loop
//
// # Basic Usage
//
//	index := scheduler.NewRedisIndex(redisClient)
//	sweeper := scheduler.NewSweeper(index, queue,
//	    scheduler.WithSweepInterval(5*time.Second),
//	    scheduler.WithMaxConcurrent(4),
//	)
//	go sweeper.Start(ctx)
//
// # Thundering herd
//
// Sweep concurrency is bounded and optionally rate limited so that a
// recovering downstream service is not saturated the moment it comes back.
// Combined with the circuit breaker this is the pipeline's primary defense
// against a retry storm after an outage.
//
// # Crash safety
//
// A message is removed from the index only after it has been re-enqueued.
// An interrupted sweep leaves the message in the index, safe to resume on
// restart; the worst case is a duplicate re-injection, consistent with the
// pipeline's at-least-once contract.
package scheduler

import (
	"context"
	"time"

	"github.com/rbaliyan/relay"
)

// Index is the time-ordered retry store, keyed by NextRetryAt.
//
// Implementations must be safe for concurrent use.
type Index interface {
	// Add stores a message awaiting retry. The message's NextRetryAt
	// must be set.
	Add(ctx context.Context, msg *relay.Message) error

	// Due returns up to limit messages whose NextRetryAt <= now, soonest
	// first, without removing them.
	Due(ctx context.Context, now time.Time, limit int) ([]*relay.Message, error)

	// Remove deletes a message from the index.
	// Returns relay.ErrMessageNotFound if absent.
	Remove(ctx context.Context, id string) error

	// Len returns the number of messages awaiting retry.
	Len(ctx context.Context) (int64, error)
}

// Enqueuer re-injects due messages into the main log.
// Implemented by the queue backends.
type Enqueuer interface {
	Enqueue(ctx context.Context, msg *relay.Message) (string, error)
}

// Options configures the sweeper.
type Options struct {
	// Interval is how often to sweep for due messages. Default: 5s.
	Interval time.Duration

	// BatchSize is the maximum number of messages fetched per sweep.
	// Default: 100.
	BatchSize int

	// MaxConcurrent bounds concurrent re-injections within one sweep.
	// Default: 4.
	MaxConcurrent int

	// RatePerSecond optionally rate limits re-injections across sweeps
	// (0 = unlimited).
	RatePerSecond float64
}

// DefaultOptions returns default sweeper options.
func DefaultOptions() *Options {
	return &Options{
		Interval:      5 * time.Second,
		BatchSize:     100,
		MaxConcurrent: 4,
	}
}

// Option is a function that modifies Options.
type Option func(*Options)

// WithSweepInterval sets how often to check for due messages.
func WithSweepInterval(d time.Duration) Option {
	return func(o *Options) {
		if d > 0 {
			o.Interval = d
		}
	}
}

// WithBatchSize sets the maximum number of messages fetched per sweep.
func WithBatchSize(size int) Option {
	return func(o *Options) {
		if size > 0 {
			o.BatchSize = size
		}
	}
}

// WithMaxConcurrent bounds concurrent re-injections within one sweep.
func WithMaxConcurrent(n int) Option {
	return func(o *Options) {
		if n > 0 {
			o.MaxConcurrent = n
		}
	}
}

// WithRateLimit rate limits re-injections to n per second (0 = unlimited).
func WithRateLimit(n float64) Option {
	return func(o *Options) {
		if n > 0 {
			o.RatePerSecond = n
		}
	}
}
