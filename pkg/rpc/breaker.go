package rpc

import (
	"sync"
	"time"
)

type BreakerState int

const (
	BreakerClosed BreakerState = iota
	BreakerOpen
	BreakerHalfOpen
)

func (s BreakerState) String() string {
	switch s {
	case BreakerOpen:
		return "open"
	case BreakerHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Breaker guards the primary endpoint. It opens after threshold failures
// inside window and reads as half-open once window has passed since the last
// failure, which lets the next call probe primary again.
type Breaker struct {
	mu          sync.Mutex
	threshold   int
	window      time.Duration
	failures    int
	lastFailure time.Time
	open        bool
	now         func() time.Time
}

func NewBreaker(threshold int, window time.Duration) *Breaker {
	if threshold <= 0 {
		threshold = 5
	}
	if window <= 0 {
		window = 30 * time.Second
	}
	return &Breaker{threshold: threshold, window: window, now: time.Now}
}

func (b *Breaker) State() BreakerState {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stateLocked(b.now())
}

func (b *Breaker) stateLocked(now time.Time) BreakerState {
	if !b.open {
		return BreakerClosed
	}
	if now.Sub(b.lastFailure) < b.window {
		return BreakerOpen
	}
	return BreakerHalfOpen
}

// IsOpen reports whether traffic must skip primary.
func (b *Breaker) IsOpen() bool {
	return b.State() == BreakerOpen
}

// Failures is the count in the current window.
func (b *Breaker) Failures() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.failures
}

// RecordFailure returns true when this failure moved the breaker to Open.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	now := b.now()

	if b.stateLocked(now) == BreakerHalfOpen {
		b.lastFailure = now
		b.failures = b.threshold
		return true
	}
	if !b.lastFailure.IsZero() && now.Sub(b.lastFailure) >= b.window {
		b.failures = 0
	}
	b.failures++
	b.lastFailure = now
	if !b.open && b.failures >= b.threshold {
		b.open = true
		return true
	}
	return false
}

// RecordSuccess closes the breaker. It returns true if it was not closed.
func (b *Breaker) RecordSuccess() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	wasOpen := b.open
	b.open = false
	b.failures = 0
	return wasOpen
}
