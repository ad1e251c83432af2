// Package kms is the remote key-creation and signing collaborator. Private
// key material never leaves the provider; keys are addressed by reference.
package kms

import (
	"context"
	"errors"
	"strings"

	"github.com/canopy-network/relayx/pkg/near"
)

var ErrKeyNotReady = errors.New("kms key not ready")

// KeySpec locates a new key inside the provider and tags it with the account
// that will own it on chain.
type KeySpec struct {
	Project       string
	Location      string
	Ring          string
	ID            string
	OwningAccount string
}

// Provider creates ed25519 keys and signs with them by reference.
type Provider interface {
	CreateKey(ctx context.Context, spec KeySpec) (near.PublicKey, string, error)
	Sign(ctx context.Context, reference string, message []byte) ([]byte, error)
	HealthCheck(ctx context.Context) error
}

// LabelValue maps an account id onto the provider's label alphabet
// (lowercase letters, digits, '-' and '_', at most 63 chars).
func LabelValue(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
		if b.Len() == 63 {
			break
		}
	}
	return b.String()
}
