package controller

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestCalculateNextBackoff(t *testing.T) {
	for i := 0; i < 10; i++ {
		got := CalculateNextBackoff(time.Second, 30*time.Second, 2.0, 0.1)
		assert.GreaterOrEqual(t, got, 1800*time.Millisecond)
		assert.LessOrEqual(t, got, 2200*time.Millisecond)
	}
	assert.Equal(t, 30*time.Second, CalculateNextBackoff(20*time.Second, 30*time.Second, 2.0, 0))
	assert.Equal(t, 10*time.Second, CalculateNextBackoff(5*time.Second, 30*time.Second, 2.0, 0))
}

func TestExtractEventType(t *testing.T) {
	tests := map[string]string{
		"relayx:relayer.near:tx.submitted": "tx.submitted",
		"relayx:relayer.near:keys.added":   "keys.added",
		"canopy:chain:block.indexed":       "",
		"relayx:relayer.near":              "",
	}
	for channel, want := range tests {
		assert.Equal(t, want, ExtractEventType(channel), channel)
	}
}

func TestSubscriptionsMatchFamilies(t *testing.T) {
	subs := newClientSubscriptions()
	assert.False(t, subs.Matches("tx.final"))

	subs.Subscribe("tx")
	assert.True(t, subs.Matches("tx.final"))
	assert.True(t, subs.Matches("tx.submitted"))
	assert.False(t, subs.Matches("keys.added"))

	subs.Subscribe("keys.removed")
	assert.True(t, subs.Matches("keys.removed"))
	assert.False(t, subs.Matches("keys.added"))

	subs.Unsubscribe("tx")
	subs.Subscribe("*")
	assert.True(t, subs.Matches("keys.added"))
}

func TestWebSocketUnavailableWithoutRedis(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/ws", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
