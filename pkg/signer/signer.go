// Package signer holds the narrow signing capability handed to key slots.
// Both variants expose only a public key and a signature operation.
package signer

import (
	"context"
	"errors"

	"github.com/canopy-network/relayx/pkg/near"
)

var ErrSigningFailed = errors.New("signing failed")

type Signer interface {
	PublicKey() near.PublicKey
	Sign(ctx context.Context, msg []byte) (near.Signature, error)
}

// SecretSink receives a copy of local secret material for encrypted storage.
// The slice is zeroed as soon as StoreSecret returns.
type SecretSink interface {
	StoreSecret(pk near.PublicKey, seed []byte) error
}

// Factory creates a fresh signing key.
type Factory interface {
	Create(ctx context.Context) (Signer, error)
}

// SignTransaction hashes tx and signs the hash with s.
func SignTransaction(ctx context.Context, s Signer, tx near.Transaction) (*near.SignedTransaction, near.Hash, error) {
	hash, err := tx.Hash()
	if err != nil {
		return nil, near.Hash{}, err
	}
	sig, err := s.Sign(ctx, hash[:])
	if err != nil {
		return nil, near.Hash{}, err
	}
	return &near.SignedTransaction{Transaction: tx, Signature: sig}, hash, nil
}
