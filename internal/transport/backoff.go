package transport

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes retransmit delays with exponential growth and jitter.
// The protocol itself has no retransmit timer; receivers use this when
// re-requesting chunks their selective-ACK reports as missing.
type Backoff struct {
	MaxRetries int
	Base       time.Duration
	Max        time.Duration
	Multiplier float64
	Jitter     float64
}

// NewBackoff creates a Backoff with sane defaults.
func NewBackoff() *Backoff {
	return &Backoff{
		MaxRetries: 5,
		Base:       100 * time.Millisecond,
		Max:        5 * time.Second,
		Multiplier: 2.0,
		Jitter:     0.1,
	}
}

// ShouldRetry reports whether another attempt should be made.
func (b *Backoff) ShouldRetry(attempt int) bool {
	return attempt < b.MaxRetries
}

// Next calculates the delay before the given attempt (1-based).
func (b *Backoff) Next(attempt int) time.Duration {
	if attempt <= 0 {
		attempt = 1
	}
	backoff := float64(b.Base) * math.Pow(b.Multiplier, float64(attempt-1))
	if backoff > float64(b.Max) {
		backoff = float64(b.Max)
	}
	backoff += backoff * b.Jitter * (rand.Float64()*2 - 1)
	if backoff < float64(b.Base) {
		backoff = float64(b.Base)
	}
	return time.Duration(backoff)
}
