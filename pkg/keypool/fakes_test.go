package keypool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/canopy-network/relayx/pkg/near"
	"github.com/canopy-network/relayx/pkg/retry"
	"github.com/canopy-network/relayx/pkg/rpc"
	"github.com/canopy-network/relayx/pkg/signer"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

const addedKeyNonce = 5_000_000

// fakeChain applies AddKey/DeleteKey batches to an in-memory key set.
type fakeChain struct {
	mu             sync.Mutex
	admin          near.PublicKey
	keys           map[near.PublicKey]uint64
	sendErr        error
	lostReply      error
	failKeyQueries bool
	queries        map[near.PublicKey]int
	sent           []near.Transaction
}

func newFakeChain(admin near.PublicKey) *fakeChain {
	return &fakeChain{
		admin:   admin,
		keys:    map[near.PublicKey]uint64{admin: 100},
		queries: map[near.PublicKey]int{},
	}
}

func (c *fakeChain) LatestBlockHash(context.Context) (near.Hash, error) {
	return near.Hash{1}, nil
}

func (c *fakeChain) QueryAccessKey(_ context.Context, _ string, pk near.PublicKey) (*rpc.AccessKeyView, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queries[pk]++
	if c.failKeyQueries && pk != c.admin {
		return nil, errors.New("unknown block: indexing lag")
	}
	nonce, ok := c.keys[pk]
	if !ok {
		return nil, rpc.ErrAccessKeyNotFound
	}
	return &rpc.AccessKeyView{Nonce: nonce}, nil
}

func (c *fakeChain) SendSignedTx(_ context.Context, st *near.SignedTransaction) (*rpc.FinalExecutionOutcome, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sendErr != nil {
		return nil, c.sendErr
	}
	tx := st.Transaction
	c.sent = append(c.sent, tx)
	c.keys[tx.PublicKey] = tx.Nonce
	for _, a := range tx.Actions {
		switch act := a.(type) {
		case near.AddKey:
			c.keys[act.PublicKey] = addedKeyNonce
		case near.DeleteKey:
			delete(c.keys, act.PublicKey)
		}
	}
	if c.lostReply != nil {
		return nil, c.lostReply
	}
	return &rpc.FinalExecutionOutcome{}, nil
}

func (c *fakeChain) setNonce(pk near.PublicKey, nonce uint64) {
	c.mu.Lock()
	c.keys[pk] = nonce
	c.mu.Unlock()
}

func (c *fakeChain) has(pk near.PublicKey) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.keys[pk]
	return ok
}

type memStore struct {
	mu      sync.Mutex
	signers map[near.PublicKey]signer.Signer
}

func newMemStore() *memStore { return &memStore{signers: map[near.PublicKey]signer.Signer{}} }

func (m *memStore) Persist(s signer.Signer) error {
	m.mu.Lock()
	m.signers[s.PublicKey()] = s
	m.mu.Unlock()
	return nil
}

func (m *memStore) Remove(pk near.PublicKey) error {
	m.mu.Lock()
	delete(m.signers, pk)
	m.mu.Unlock()
	return nil
}

func (m *memStore) Load() ([]signer.Signer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]signer.Signer, 0, len(m.signers))
	for _, s := range m.signers {
		out = append(out, s)
	}
	return out, nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.signers)
}

type countingLocker struct {
	locks   atomic.Int32
	unlocks atomic.Int32
}

func (l *countingLocker) Lock(context.Context) (func(context.Context) error, error) {
	l.locks.Add(1)
	return func(context.Context) error {
		l.unlocks.Add(1)
		return nil
	}, nil
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type testPool struct {
	*Pool
	chain *fakeChain
	store *memStore
	clock *fakeClock
}

func newTestPool(t *testing.T, scaling ScalingConfig, mutate ...func(*Options)) *testPool {
	t.Helper()
	admin, err := signer.GenerateLocal()
	require.NoError(t, err)
	chain := newFakeChain(admin.PublicKey())
	store := newMemStore()

	opts := Options{
		AccountID:   "relayer.near",
		ContractID:  "app.near",
		AdminSigner: admin,
		Factory:     signer.LocalFactory{},
		Chain:       chain,
		Store:       store,
		Scaling:     scaling,
		ReadBack:    retry.Config{MaxRetries: 2, InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Multiplier: 1},
		Logger:      zaptest.NewLogger(t),
	}
	for _, m := range mutate {
		m(&opts)
	}
	p, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(p.Close)

	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	p.now = clock.Now
	return &testPool{Pool: p, chain: chain, store: store, clock: clock}
}
