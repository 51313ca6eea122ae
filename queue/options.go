package queue

import (
	"time"

	"github.com/rbaliyan/relay"
)

// config gathers settings for both backends. Stream settings are ignored
// by MemoryQueue.
type config struct {
	opts       *Options
	retryIndex RetryIndex
	deadLetter DeadLetterer
	metrics    relay.Metrics

	stream    string
	group     string
	consumer  string
	blockTime time.Duration
}

func defaultConfig() *config {
	return &config{
		opts:      DefaultOptions(),
		metrics:   relay.NopMetrics(),
		stream:    DefaultStream,
		group:     DefaultGroup,
		blockTime: DefaultBlockTime,
	}
}

func (c *config) base() baseQueue {
	return baseQueue{
		opts:       c.opts,
		retryIndex: c.retryIndex,
		deadLetter: c.deadLetter,
		metrics:    c.metrics,
	}
}

// Option configures a queue backend.
type Option func(*config)

// WithMaxSize caps the live log. Enqueue returns relay.ErrQueueFull once
// the cap is reached. 0 means unbounded.
func WithMaxSize(n int64) Option {
	return func(c *config) {
		if n >= 0 {
			c.opts.MaxSize = n
		}
	}
}

// WithBackoff sets the retry delay policy applied on failure.
func WithBackoff(b relay.Backoff) Option {
	return func(c *config) {
		c.opts.Backoff = b
	}
}

// WithRetryIndex sets the retry index failed messages are scheduled into.
// Without one, retryable failures are dead-lettered immediately.
func WithRetryIndex(idx RetryIndex) Option {
	return func(c *config) {
		c.retryIndex = idx
	}
}

// WithDeadLetter sets the dead-letter destination for exhausted messages.
func WithDeadLetter(d DeadLetterer) Option {
	return func(c *config) {
		c.deadLetter = d
	}
}

// WithQueueMetrics sets the metrics implementation.
func WithQueueMetrics(m relay.Metrics) Option {
	return func(c *config) {
		if m != nil {
			c.metrics = m
		}
	}
}

// WithStream sets the Redis stream key. Ignored by MemoryQueue.
func WithStream(stream string) Option {
	return func(c *config) {
		if stream != "" {
			c.stream = stream
		}
	}
}

// WithGroup sets the Redis consumer group name. Ignored by MemoryQueue.
func WithGroup(group string) Option {
	return func(c *config) {
		if group != "" {
			c.group = group
		}
	}
}

// WithConsumer sets this consumer's name within the group. Defaults to a
// random ID. Ignored by MemoryQueue.
func WithConsumer(consumer string) Option {
	return func(c *config) {
		if consumer != "" {
			c.consumer = consumer
		}
	}
}

// WithBlockTime sets how long a Dequeue blocks waiting for a new stream
// entry. Ignored by MemoryQueue.
func WithBlockTime(d time.Duration) Option {
	return func(c *config) {
		if d > 0 {
			c.blockTime = d
		}
	}
}
