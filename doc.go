// Package relay implements a resilient delivery pipeline for relaying
// accepted webhook events to a downstream service.
//
// The pipeline guarantees that every accepted event is eventually delivered
// at least once, across downstream outages, without unbounded memory growth
// or silent message loss. Idempotency is left to the downstream consumer.
//
// Components:
//   - SlidingWindow: bucketed success/failure counters over a trailing time
//     window, the sole input for circuit breaker trip decisions
//   - CircuitBreaker: three-state breaker (closed/open/half-open) guarding
//     calls to the downstream service
//   - Processor: bounded-parallelism workers draining the durable queue
//     through the breaker
//   - queue.Queue: append-only log with consumer-group claim semantics
//     (see package queue)
//   - scheduler: due-time index and sweep loop for retry scheduling
//     (see package scheduler)
//   - dlq: dead-letter storage and replay (see package dlq)
//   - replay: operator-triggered bulk replay with an audit trail
//     (see package replay)
//   - monitor: periodic queue health checks and threshold alerts
//     (see package monitor)
//
// Basic example:
//
//	q := queue.NewMemoryQueue(queue.WithMaxSize(10000))
//	cb := relay.NewCircuitBreaker()
//	proc := relay.NewProcessor(q, deliver, cb, relay.WithWorkers(4))
//	go proc.Start(ctx)
//
//	// Inbound handler, after signature verification:
//	id, err := q.Enqueue(ctx, relay.NewMessage(body))
//	if errors.Is(err, relay.ErrQueueFull) {
//	    // non-fatal: count it and ack upstream anyway
//	}
//
// Data flow: an inbound handler enqueues a message, the queue persists it,
// Processor workers claim messages and invoke the downstream call wrapped by
// the CircuitBreaker. On success the message is acknowledged; on failure it
// is either scheduled for a backoff retry or moved to the dead-letter store
// once retries are exhausted. Breaker recovery triggers an immediate drain
// of the retry backlog.
//
// Error taxonomy:
//   - ErrQueueFull: capacity, producer-visible, recoverable by caller backoff
//   - CircuitOpenError / HalfOpenLimitError: downstream presumed unhealthy,
//     callers fall back to queueing rather than hard-failing
//   - transient failures: retried with exponential backoff and jitter
//   - dead-letter: terminal, operator action required
//   - MalformedRecordError: corrupt persisted record, surfaced distinctly
//     from processing failures
package relay
