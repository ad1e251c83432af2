package signer

import (
	"context"
	"crypto/ed25519"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil/base58"
	"github.com/canopy-network/relayx/pkg/kms"
	"github.com/canopy-network/relayx/pkg/near"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type captureSink struct {
	pk   near.PublicKey
	seed []byte
	copy []byte
}

func (c *captureSink) StoreSecret(pk near.PublicKey, seed []byte) error {
	c.pk = pk
	c.seed = seed
	c.copy = append([]byte(nil), seed...)
	return nil
}

func TestLocalSignVerifies(t *testing.T) {
	l, err := GenerateLocal()
	require.NoError(t, err)

	msg := []byte("hello")
	sig, err := l.Sign(context.Background(), msg)
	require.NoError(t, err)
	pk := l.PublicKey()
	assert.True(t, ed25519.Verify(pk.Ed25519(), msg, sig[:]))
}

func TestParseLocalMatchesSeed(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(nil)
	require.NoError(t, err)

	l, err := ParseLocal("ed25519:" + base58.Encode(priv))
	require.NoError(t, err)
	pk := l.PublicKey()
	assert.Equal(t, []byte(pub), pk[:])

	_, err = ParseLocal("ed25519:xyz")
	assert.ErrorIs(t, err, near.ErrInvalidKey)
}

func TestSealToWipesCopy(t *testing.T) {
	l, err := GenerateLocal()
	require.NoError(t, err)

	sink := &captureSink{}
	require.NoError(t, l.SealTo(sink))
	assert.Equal(t, l.PublicKey(), sink.pk)
	assert.Equal(t, make([]byte, ed25519.SeedSize), sink.seed, "handed-out slice must be zeroed")

	restored, err := LocalFromSeed(sink.copy)
	require.NoError(t, err)
	assert.Equal(t, l.PublicKey(), restored.PublicKey())
}

func TestDestroyedLocalFails(t *testing.T) {
	l, err := GenerateLocal()
	require.NoError(t, err)
	l.Destroy()
	_, err = l.Sign(context.Background(), []byte("x"))
	assert.ErrorIs(t, err, ErrSigningFailed)
}

// fakeProvider keeps local keys keyed by reference.
type fakeProvider struct {
	mu      sync.Mutex
	keys    map[string]*Local
	specs   []kms.KeySpec
	signErr error
}

func newFakeProvider() *fakeProvider {
	return &fakeProvider{keys: map[string]*Local{}}
}

func (f *fakeProvider) CreateKey(_ context.Context, spec kms.KeySpec) (near.PublicKey, string, error) {
	l, err := GenerateLocal()
	if err != nil {
		return near.PublicKey{}, "", err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	ref := "ref/" + spec.ID
	f.keys[ref] = l
	f.specs = append(f.specs, spec)
	return l.PublicKey(), ref, nil
}

func (f *fakeProvider) Sign(ctx context.Context, ref string, msg []byte) ([]byte, error) {
	f.mu.Lock()
	l, ok := f.keys[ref]
	f.mu.Unlock()
	if f.signErr != nil {
		return nil, f.signErr
	}
	if !ok {
		return nil, errors.New("unknown key")
	}
	sig, err := l.Sign(ctx, msg)
	return sig[:], err
}

func (f *fakeProvider) HealthCheck(context.Context) error { return nil }

func TestRemoteFactoryAndSign(t *testing.T) {
	p := newFakeProvider()
	f := RemoteFactory{
		Provider:      p,
		Spec:          kms.KeySpec{Project: "p", Location: "global", Ring: "relayer"},
		OwningAccount: "relayer.near",
		now:           func() time.Time { return time.Unix(1700000000, 0) },
	}

	s, err := f.Create(context.Background())
	require.NoError(t, err)
	require.Len(t, p.specs, 1)
	assert.Equal(t, "relayer.near", p.specs[0].OwningAccount)
	assert.Equal(t, "relayer", p.specs[0].Ring)
	assert.True(t, strings.HasPrefix(p.specs[0].ID, "relayer_near-1700000000-"), p.specs[0].ID)

	remote, ok := s.(*Remote)
	require.True(t, ok)
	assert.Equal(t, "ref/"+p.specs[0].ID, remote.Reference())

	msg := []byte("payload")
	sig, err := s.Sign(context.Background(), msg)
	require.NoError(t, err)
	pk := s.PublicKey()
	assert.True(t, ed25519.Verify(pk.Ed25519(), msg, sig[:]))
}

func TestRemoteSignFailures(t *testing.T) {
	p := newFakeProvider()
	pk, ref, err := p.CreateKey(context.Background(), kms.KeySpec{ID: "a"})
	require.NoError(t, err)

	t.Run("provider error", func(t *testing.T) {
		p.signErr = errors.New("hsm offline")
		defer func() { p.signErr = nil }()
		_, err := NewRemote(p, ref, pk).Sign(context.Background(), []byte("m"))
		assert.ErrorIs(t, err, ErrSigningFailed)
	})

	t.Run("wrong public key", func(t *testing.T) {
		other, err := GenerateLocal()
		require.NoError(t, err)
		_, err = NewRemote(p, ref, other.PublicKey()).Sign(context.Background(), []byte("m"))
		assert.ErrorIs(t, err, ErrSigningFailed)
	})
}

func TestSignTransaction(t *testing.T) {
	l, err := GenerateLocal()
	require.NoError(t, err)
	tx := near.Transaction{
		SignerID:   "relayer.near",
		PublicKey:  l.PublicKey(),
		Nonce:      1,
		ReceiverID: "app.near",
		Actions:    []near.Action{near.FunctionCall{Method: "execute", Args: []byte("{}"), Gas: 1}},
	}
	signed, hash, err := SignTransaction(context.Background(), l, tx)
	require.NoError(t, err)

	want, err := tx.Hash()
	require.NoError(t, err)
	assert.Equal(t, want, hash)
	pk := l.PublicKey()
	assert.True(t, ed25519.Verify(pk.Ed25519(), hash[:], signed.Signature[:]))
}
