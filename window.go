package relay

import (
	"sync"
	"time"
)

// WindowMetrics is a point-in-time snapshot of a sliding window.
type WindowMetrics struct {
	Successes   int64
	Failures    int64
	Total       int64
	FailureRate float64 // failures / total, 0 if no requests
}

// SlidingWindow tracks success/failure counts in fixed-width time buckets
// covering a trailing window. Buckets older than the window are evicted on
// every read and write, bounding memory to windowSize/bucketSize buckets.
//
// Safe for concurrent use.
type SlidingWindow struct {
	mu         sync.Mutex
	bucketSize time.Duration
	windowSize time.Duration
	buckets    map[int64]*windowBucket // keyed by bucket start, unix nanos
}

type windowBucket struct {
	successes int64
	failures  int64
}

// Default sliding window dimensions.
const (
	DefaultWindowSize = 60 * time.Second
	DefaultBucketSize = 10 * time.Second
)

// NewSlidingWindow creates a sliding window with the given bucket and window
// sizes. Non-positive values fall back to the defaults.
func NewSlidingWindow(bucketSize, windowSize time.Duration) *SlidingWindow {
	if bucketSize <= 0 {
		bucketSize = DefaultBucketSize
	}
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	if bucketSize > windowSize {
		bucketSize = windowSize
	}
	return &SlidingWindow{
		bucketSize: bucketSize,
		windowSize: windowSize,
		buckets:    make(map[int64]*windowBucket),
	}
}

// RecordSuccess increments the success count in the current bucket.
func (w *SlidingWindow) RecordSuccess() {
	w.record(true)
}

// RecordFailure increments the failure count in the current bucket.
func (w *SlidingWindow) RecordFailure() {
	w.record(false)
}

func (w *SlidingWindow) record(success bool) {
	now := time.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(now)

	key := now.Truncate(w.bucketSize).UnixNano()
	b, ok := w.buckets[key]
	if !ok {
		b = &windowBucket{}
		w.buckets[key] = b
	}
	if success {
		b.successes++
	} else {
		b.failures++
	}
}

// Metrics returns counts over the surviving buckets.
func (w *SlidingWindow) Metrics() WindowMetrics {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.evict(time.Now())

	var m WindowMetrics
	for _, b := range w.buckets {
		m.Successes += b.successes
		m.Failures += b.failures
	}
	m.Total = m.Successes + m.Failures
	if m.Total > 0 {
		m.FailureRate = float64(m.Failures) / float64(m.Total)
	}
	return m
}

// FailureRate returns failures/total over the window, 0 if no requests.
func (w *SlidingWindow) FailureRate() float64 {
	return w.Metrics().FailureRate
}

// FailureCount returns the failure count over the window.
func (w *SlidingWindow) FailureCount() int64 {
	return w.Metrics().Failures
}

// Len returns the number of surviving buckets.
func (w *SlidingWindow) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.evict(time.Now())
	return len(w.buckets)
}

// Reset discards all recorded events.
func (w *SlidingWindow) Reset() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.buckets = make(map[int64]*windowBucket)
}

// evict removes buckets whose start is older than now-windowSize.
// Callers must hold w.mu.
func (w *SlidingWindow) evict(now time.Time) {
	cutoff := now.Add(-w.windowSize).UnixNano()
	for key := range w.buckets {
		if key < cutoff {
			delete(w.buckets, key)
		}
	}
}
