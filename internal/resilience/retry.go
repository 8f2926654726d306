// Package resilience retries store operations that fail transiently, such as
// connection setup while the server is starting or restarting.
package resilience

import (
	"context"
	"math"
	"math/rand/v2"
	"time"

	"go.uber.org/zap"
)

// jitter spreads each delay by up to ±25%.
const jitter = 0.25

// Backoff controls how many times Retry calls fn and how long it waits
// between calls. Delays double from Initial and never exceed Max.
type Backoff struct {
	Attempts int // total calls, including the first
	Initial  time.Duration
	Max      time.Duration
}

// DefaultBackoff returns the backoff used when connecting to the store.
func DefaultBackoff() Backoff {
	return Backoff{
		Attempts: 3,
		Initial:  500 * time.Millisecond,
		Max:      10 * time.Second,
	}
}

// Retry calls fn until it succeeds, fails with an error IsTransient rejects,
// ctx is done, or the attempts run out. The last error is returned unchanged.
// Each retry is logged at Warn under op.
func Retry[T any](ctx context.Context, op string, b Backoff, fn func(ctx context.Context) (T, error)) (T, error) {
	b = b.withDefaults()
	log := zap.L().With(zap.String("component", "resilience"), zap.String("operation", op))

	var zero T
	for attempt := 1; ; attempt++ {
		val, err := fn(ctx)
		if err == nil {
			return val, nil
		}
		if ctx.Err() != nil || !IsTransient(err) || attempt >= b.Attempts {
			return zero, err
		}

		delay := b.delay(attempt)
		log.Warn("retrying store operation",
			zap.Int("attempt", attempt),
			zap.Duration("backoff", delay),
			zap.Error(err),
		)

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return zero, err
		case <-timer.C:
		}
	}
}

func (b Backoff) withDefaults() Backoff {
	def := DefaultBackoff()
	if b.Attempts <= 0 {
		b.Attempts = def.Attempts
	}
	if b.Initial <= 0 {
		b.Initial = def.Initial
	}
	if b.Max <= 0 {
		b.Max = def.Max
	}
	return b
}

// delay returns the wait after the given 1-based failed attempt.
func (b Backoff) delay(attempt int) time.Duration {
	d := math.Min(float64(b.Initial)*math.Pow(2, float64(attempt-1)), float64(b.Max))
	d += (rand.Float64()*2 - 1) * d * jitter
	return time.Duration(math.Max(d, 0))
}
