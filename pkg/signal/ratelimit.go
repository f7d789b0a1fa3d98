package signal

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

const (
	bucketCapacity = 60
	refillPerSec   = 1
	backoffPause   = 4 * time.Second
)

// Limiter throttles outbound sends against the upstream Signal service: a
// token bucket (capacity 60, 1 token/s) plus a session-wide backoff flag set
// by 413-class errors. The flag forces one 4-second pause and then clears.
type Limiter struct {
	bucket  *rate.Limiter
	backoff atomic.Bool

	// pause is swapped out by tests
	pause time.Duration
}

func NewLimiter() *Limiter {
	return &Limiter{
		bucket: rate.NewLimiter(rate.Limit(refillPerSec), bucketCapacity),
		pause:  backoffPause,
	}
}

// Acquire blocks until a send may be written.
func (l *Limiter) Acquire(ctx context.Context) error {
	if l.backoff.CompareAndSwap(true, false) {
		select {
		case <-time.After(l.pause):
		case <-ctx.Done():
			// Still rate limited; the next writer must pause.
			l.backoff.Store(true)
			return ctx.Err()
		}
	}
	return l.bucket.Wait(ctx)
}

// SetBackoff flags the session as rate limited.
func (l *Limiter) SetBackoff() {
	l.backoff.Store(true)
}

// InBackoff reports whether the flag is currently set.
func (l *Limiter) InBackoff() bool {
	return l.backoff.Load()
}
