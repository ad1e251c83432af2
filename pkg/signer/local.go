package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"fmt"

	"github.com/canopy-network/relayx/pkg/near"
)

// Local signs with an in-memory ed25519 key.
type Local struct {
	priv ed25519.PrivateKey
	pub  near.PublicKey
}

func GenerateLocal() (*Local, error) {
	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate ed25519 key: %w", err)
	}
	return newLocal(priv), nil
}

// ParseLocal accepts "ed25519:<base58>" holding a seed or an expanded key.
func ParseLocal(secret string) (*Local, error) {
	seed, err := near.DecodeSecretKey(secret)
	if err != nil {
		return nil, err
	}
	defer zero(seed)
	return LocalFromSeed(seed)
}

func LocalFromSeed(seed []byte) (*Local, error) {
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("%w: seed must be %d bytes", near.ErrInvalidKey, ed25519.SeedSize)
	}
	return newLocal(ed25519.NewKeyFromSeed(seed)), nil
}

func newLocal(priv ed25519.PrivateKey) *Local {
	var pub near.PublicKey
	copy(pub[:], priv[ed25519.SeedSize:])
	return &Local{priv: priv, pub: pub}
}

func (l *Local) PublicKey() near.PublicKey { return l.pub }

func (l *Local) Sign(_ context.Context, msg []byte) (near.Signature, error) {
	if len(l.priv) != ed25519.PrivateKeySize {
		return near.Signature{}, fmt.Errorf("%w: key destroyed", ErrSigningFailed)
	}
	sig, err := near.SignatureFromBytes(ed25519.Sign(l.priv, msg))
	if err != nil {
		return near.Signature{}, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	return sig, nil
}

// SealTo hands the seed to sink and wipes the temporary copy.
func (l *Local) SealTo(sink SecretSink) error {
	seed := make([]byte, ed25519.SeedSize)
	copy(seed, l.priv.Seed())
	defer zero(seed)
	return sink.StoreSecret(l.pub, seed)
}

// Destroy zeroes the key; later Sign calls fail.
func (l *Local) Destroy() {
	zero(l.priv)
	l.priv = nil
}

// LocalFactory generates keys in process.
type LocalFactory struct{}

func (LocalFactory) Create(context.Context) (Signer, error) {
	return GenerateLocal()
}

func zero(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

var (
	_ Signer  = (*Local)(nil)
	_ Factory = LocalFactory{}
)
