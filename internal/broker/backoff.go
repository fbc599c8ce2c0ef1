package broker

import "time"

// Backoff doubles the wait between attempts from Initial up to Max.
// Max equal to Initial yields a fixed delay.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	current time.Duration
}

// NewBackoff builds a backoff. Non-positive values fall back to one second.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = time.Second
	}
	if max < initial {
		max = initial
	}
	return &Backoff{Initial: initial, Max: max}
}

// Next returns the wait before the next attempt.
func (b *Backoff) Next() time.Duration {
	if b.current == 0 {
		b.current = b.Initial
		return b.current
	}
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return b.current
}

// Reset restarts the sequence after a successful attempt.
func (b *Backoff) Reset() {
	b.current = 0
}
