package rpc

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func newTestBreaker(threshold int, window time.Duration) (*Breaker, *fakeClock) {
	b := NewBreaker(threshold, window)
	clock := newFakeClock()
	b.now = clock.Now
	return b, clock
}

func TestBreakerOpensAtThreshold(t *testing.T) {
	b, _ := newTestBreaker(5, 30*time.Second)

	for i := 0; i < 4; i++ {
		assert.False(t, b.RecordFailure())
		assert.False(t, b.IsOpen(), "failure %d", i+1)
	}
	assert.True(t, b.RecordFailure())
	assert.True(t, b.IsOpen())
	assert.Equal(t, BreakerOpen, b.State())
}

func TestBreakerCountResetsOutsideWindow(t *testing.T) {
	b, clock := newTestBreaker(3, 10*time.Second)

	b.RecordFailure()
	b.RecordFailure()
	clock.Advance(11 * time.Second)
	b.RecordFailure()
	assert.Equal(t, 1, b.Failures())
	assert.False(t, b.IsOpen())
}

func TestBreakerHalfOpensAfterWindow(t *testing.T) {
	b, clock := newTestBreaker(2, 10*time.Second)
	b.RecordFailure()
	b.RecordFailure()
	assert.True(t, b.IsOpen())

	clock.Advance(9 * time.Second)
	assert.True(t, b.IsOpen())

	clock.Advance(time.Second)
	assert.False(t, b.IsOpen())
	assert.Equal(t, BreakerHalfOpen, b.State())

	// A failed probe re-opens immediately.
	assert.True(t, b.RecordFailure())
	assert.Equal(t, BreakerOpen, b.State())

	clock.Advance(10 * time.Second)
	assert.True(t, b.RecordSuccess())
	assert.Equal(t, BreakerClosed, b.State())
	assert.Equal(t, 0, b.Failures())
}

func TestBreakerSuccessResetsCount(t *testing.T) {
	b, _ := newTestBreaker(3, time.Minute)
	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.RecordSuccess())
	b.RecordFailure()
	b.RecordFailure()
	assert.False(t, b.IsOpen())
}
