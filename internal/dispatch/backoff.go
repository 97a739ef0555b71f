package dispatch

import (
	"math"
	"time"

	"github.com/khanyo/imbizo/internal/model"
)

// Backoff computes the retry delay after a failed send attempt.
type Backoff struct {
	base   time.Duration
	factor float64
	max    time.Duration
}

func NewBackoff(cfg model.DeliveryConfig) Backoff {
	return Backoff{
		base:   time.Duration(cfg.BackoffBaseSec) * time.Second,
		factor: cfg.BackoffFactor,
		max:    time.Duration(cfg.BackoffMaxSec) * time.Second,
	}
}

// Delay returns the wait before the next attempt given how many attempts have
// already failed. delay = base * factor^attempts, capped at max. The first
// retry after one failure therefore waits base.
func (b Backoff) Delay(attempts int) time.Duration {
	if attempts < 1 {
		attempts = 1
	}
	d := time.Duration(float64(b.base) * math.Pow(b.factor, float64(attempts-1)))
	if d > b.max || d <= 0 {
		return b.max
	}
	return d
}

// NextAttemptAt returns the absolute time of the next attempt.
func (b Backoff) NextAttemptAt(now time.Time, attempts int) time.Time {
	return now.Add(b.Delay(attempts))
}
