package kms

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestLabelValue(t *testing.T) {
	assert.Equal(t, "relayer_near", LabelValue("Relayer.NEAR"))
	assert.Equal(t, "a-b_c", LabelValue("a-b_c"))
	assert.Len(t, LabelValue(strings.Repeat("x", 100)), 63)
}

func TestKeyRingName(t *testing.T) {
	cfg := GoogleConfig{Project: "p", Location: "global", Ring: "r"}
	assert.Equal(t, "projects/p/locations/global/keyRings/r", cfg.keyRingName())
}
