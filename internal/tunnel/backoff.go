// ABOUTME: Capped exponential backoff with optional jitter for reconnects and retries
// ABOUTME: Delays never shrink between resets and never exceed Max; Reset returns to Initial

package tunnel

import (
	"math/rand/v2"
	"time"
)

// Backoff computes successive retry delays. It is not safe for concurrent use.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration
	// Jitter in [0,MaxJitter] shortens each delay by up to that fraction.
	Jitter float64

	attempt int
	last    time.Duration
	rand    func() float64
}

// MaxJitter keeps a jittered delay at or above the previous un-jittered one.
const MaxJitter = 0.5

// NewBackoff creates a Backoff. Max below Initial is raised to Initial and
// jitter is clamped to [0, MaxJitter].
func NewBackoff(initial, max time.Duration, jitter float64) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	if jitter < 0 {
		jitter = 0
	}
	if jitter > MaxJitter {
		jitter = MaxJitter
	}
	return &Backoff{
		Initial: initial,
		Max:     max,
		Jitter:  jitter,
		rand:    rand.Float64,
	}
}

// Next returns the delay for the current attempt and advances the counter.
// Successive delays since the last Reset are non-decreasing.
func (b *Backoff) Next() time.Duration {
	d := b.Initial
	for i := 0; i < b.attempt && d < b.Max; i++ {
		d *= 2
	}
	if d > b.Max {
		d = b.Max
	}
	b.attempt++

	if b.Jitter > 0 {
		d -= time.Duration(float64(d) * b.Jitter * b.rand())
	}
	d = max(d, b.last)
	b.last = d
	return d
}

// Reset starts the sequence over from Initial.
func (b *Backoff) Reset() {
	b.attempt = 0
	b.last = 0
}

// Attempt returns how many delays have been handed out since the last Reset.
func (b *Backoff) Attempt() int {
	return b.attempt
}
