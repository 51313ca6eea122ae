package relay

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes retry delays using capped exponential backoff with
// jitter. The zero value is not usable; use DefaultBackoff or construct
// explicitly.
type Backoff struct {
	// Base is the delay before the first retry.
	Base time.Duration

	// Factor multiplies the delay for each subsequent attempt.
	Factor float64

	// Max caps the computed delay before jitter is applied.
	Max time.Duration

	// JitterFactor is randomized variance applied to the delay,
	// between 0 and 1 (0.2 means +/-20%).
	JitterFactor float64
}

// DefaultBackoff returns the pipeline's standard retry policy:
// 1s base, doubling per attempt, capped at 5 minutes, +/-20% jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:         time.Second,
		Factor:       2,
		Max:          5 * time.Minute,
		JitterFactor: 0.2,
	}
}

// Delay returns the jittered delay before the given attempt, where attempt 1
// is the first retry. The expected delay is non-decreasing across attempts
// up to the cap.
func (b Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(b.Base) * math.Pow(b.Factor, float64(attempt-1))
	if d > float64(b.Max) {
		d = float64(b.Max)
	}
	return Jitter(time.Duration(d), b.JitterFactor)
}

// NextRetryTime returns the absolute retry time for the given attempt,
// relative to now.
func (b Backoff) NextRetryTime(now time.Time, attempt int) time.Time {
	return now.Add(b.Delay(attempt))
}

// Jitter adds randomness to a duration to prevent thundering herd.
// Returns a duration between d*(1-factor) and d*(1+factor).
// Factor should be between 0 and 1 (e.g., 0.3 for +/-30% jitter).
func Jitter(d time.Duration, factor float64) time.Duration {
	if factor <= 0 || factor > 1 {
		return d
	}
	// Random value between -factor and +factor
	jitter := (rand.Float64()*2 - 1) * factor
	return time.Duration(float64(d) * (1 + jitter))
}
