package signer

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/canopy-network/relayx/pkg/kms"
	"github.com/canopy-network/relayx/pkg/near"
)

// Remote signs through a KMS provider. Only the key reference and the cached
// public key live in process.
type Remote struct {
	provider  kms.Provider
	reference string
	pub       near.PublicKey
}

func NewRemote(provider kms.Provider, reference string, pub near.PublicKey) *Remote {
	return &Remote{provider: provider, reference: reference, pub: pub}
}

func (r *Remote) PublicKey() near.PublicKey { return r.pub }

func (r *Remote) Reference() string { return r.reference }

func (r *Remote) Sign(ctx context.Context, msg []byte) (near.Signature, error) {
	raw, err := r.provider.Sign(ctx, r.reference, msg)
	if err != nil {
		return near.Signature{}, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	sig, err := near.SignatureFromBytes(raw)
	if err != nil {
		return near.Signature{}, fmt.Errorf("%w: %v", ErrSigningFailed, err)
	}
	if !ed25519.Verify(r.pub.Ed25519(), msg, sig[:]) {
		return near.Signature{}, fmt.Errorf("%w: signature does not verify against %s", ErrSigningFailed, r.pub)
	}
	return sig, nil
}

// RemoteFactory creates one provider key per call. Spec supplies the key
// ring coordinates; ID and OwningAccount are filled in per key.
type RemoteFactory struct {
	Provider      kms.Provider
	Spec          kms.KeySpec
	OwningAccount string
	now           func() time.Time
}

func (f RemoteFactory) Create(ctx context.Context) (Signer, error) {
	spec := f.Spec
	spec.OwningAccount = f.OwningAccount
	id, err := f.keyID()
	if err != nil {
		return nil, err
	}
	spec.ID = id

	pub, ref, err := f.Provider.CreateKey(ctx, spec)
	if err != nil {
		return nil, fmt.Errorf("create remote key %s: %w", id, err)
	}
	return NewRemote(f.Provider, ref, pub), nil
}

// keyID is "<account>-<unix>-<hex>", trimmed to the provider's 63 char limit.
func (f RemoteFactory) keyID() (string, error) {
	now := time.Now
	if f.now != nil {
		now = f.now
	}
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		return "", fmt.Errorf("key id entropy: %w", err)
	}
	tail := fmt.Sprintf("-%d-%s", now().Unix(), hex.EncodeToString(suffix[:]))
	prefix := kms.LabelValue(f.OwningAccount)
	if max := 63 - len(tail); len(prefix) > max {
		prefix = prefix[:max]
	}
	return prefix + tail, nil
}

var (
	_ Signer  = (*Remote)(nil)
	_ Factory = RemoteFactory{}
)
