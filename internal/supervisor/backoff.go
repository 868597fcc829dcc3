package supervisor

import (
	"math"
	"time"
)

// Backoff yields the wait schedule between connection attempts:
// base, base*factor, base*factor^2, ... capped at max.
type Backoff struct {
	attempt int
	base    time.Duration
	factor  float64
	max     time.Duration
}

// NewBackoff creates a schedule starting at base and growing by factor per
// step, never exceeding max.
func NewBackoff(base time.Duration, factor float64, max time.Duration) *Backoff {
	return &Backoff{base: base, factor: factor, max: max}
}

// newAcquireBackoff is the schedule used between acquire attempts:
// 3s, 4.5s, 6.75s, ... capped at 30s.
func newAcquireBackoff() *Backoff {
	return NewBackoff(3*time.Second, 1.5, 30*time.Second)
}

// Next returns the wait before the upcoming attempt and advances the
// schedule.
func (b *Backoff) Next() time.Duration {
	d := time.Duration(float64(b.base) * math.Pow(b.factor, float64(b.attempt)))
	b.attempt++
	if d > b.max {
		d = b.max
	}
	return d
}

// Attempt reports how many waits have been handed out.
func (b *Backoff) Attempt() int {
	return b.attempt
}

// Reset restarts the schedule after a successful connection.
func (b *Backoff) Reset() {
	b.attempt = 0
}
