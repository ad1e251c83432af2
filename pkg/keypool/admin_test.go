package keypool

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/canopy-network/relayx/pkg/rpc"
	"github.com/canopy-network/relayx/pkg/signer"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errLostReply = fmt.Errorf("%w: send_tx: primary: context deadline exceeded", rpc.ErrUnavailable)

func TestScaleUpKeepsKeysWhenBatchLandedWithoutReply(t *testing.T) {
	p := newTestPool(t, ScalingConfig{MinKeys: 0, MaxKeys: 5})
	p.chain.lostReply = errLostReply

	added, err := p.ScaleUp(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, added, 2)
	for _, pk := range added {
		assert.True(t, p.chain.has(pk))
	}
	assert.Equal(t, 2, p.Stats().Active)
	assert.Equal(t, 2, p.store.len())
}

func TestScaleDownConfirmsDeleteWithoutReply(t *testing.T) {
	p := newTestPool(t, ScalingConfig{MinKeys: 0, MaxKeys: 5})
	ctx := context.Background()
	_, err := p.ScaleUp(ctx, 3)
	require.NoError(t, err)

	p.chain.lostReply = errLostReply
	drained, err := p.ScaleDown(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, drained, 2)
	assert.Len(t, p.Reap(), 2)
	assert.Equal(t, 1, p.Stats().Active)
}

func TestScaleUpUnconfirmedBatchIsRolledBack(t *testing.T) {
	p := newTestPool(t, ScalingConfig{MinKeys: 0, MaxKeys: 5})
	p.chain.sendErr = rpc.ErrUnavailable
	p.chain.failKeyQueries = true

	added, err := p.ScaleUp(context.Background(), 2)
	assert.ErrorIs(t, err, ErrAdminBatchFailed)
	assert.ErrorIs(t, err, ErrBatchOutcomeUnknown)
	assert.Empty(t, added)
	assert.Equal(t, Stats{}, p.Stats())
}

func TestScaleDownUnconfirmedDeleteStaysDraining(t *testing.T) {
	p := newTestPool(t, ScalingConfig{MinKeys: 0, MaxKeys: 5})
	ctx := context.Background()
	_, err := p.ScaleUp(ctx, 3)
	require.NoError(t, err)

	p.chain.sendErr = rpc.ErrUnavailable
	p.chain.failKeyQueries = true
	drained, err := p.ScaleDown(ctx, 2)
	assert.ErrorIs(t, err, ErrBatchOutcomeUnknown)
	assert.Empty(t, drained)

	st := p.Stats()
	assert.Equal(t, 1, st.Active)
	assert.Equal(t, 2, st.Draining)
	assert.Empty(t, p.Reap())
}

func TestRejectedBatchSkipsChainCheck(t *testing.T) {
	p := newTestPool(t, ScalingConfig{MinKeys: 0, MaxKeys: 5})
	p.chain.sendErr = &rpc.Error{Name: "HANDLER_ERROR", Message: "Expired"}

	_, err := p.ScaleUp(context.Background(), 1)
	assert.ErrorIs(t, err, ErrAdminBatchFailed)
	assert.NotErrorIs(t, err, ErrBatchOutcomeUnknown)
	p.chain.mu.Lock()
	defer p.chain.mu.Unlock()
	for pk, n := range p.chain.queries {
		if pk != p.chain.admin {
			assert.Zero(t, n)
		}
	}
}

// failingFactory hands out local keys and fails once it made limit of them.
type failingFactory struct {
	mu      sync.Mutex
	limit   int
	created []*signer.Local
}

func (f *failingFactory) Create(context.Context) (signer.Signer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.created) == f.limit {
		return nil, errors.New("entropy unavailable")
	}
	l, err := signer.GenerateLocal()
	if err != nil {
		return nil, err
	}
	f.created = append(f.created, l)
	return l, nil
}

func TestScaleUpDestroysKeysWhenCreationFails(t *testing.T) {
	factory := &failingFactory{limit: 2}
	p := newTestPool(t, ScalingConfig{MinKeys: 0, MaxKeys: 5}, func(o *Options) {
		o.Factory = factory
	})

	_, err := p.ScaleUp(context.Background(), 3)
	require.Error(t, err)
	assert.Equal(t, Stats{}, p.Stats())

	require.Len(t, factory.created, 2)
	for _, l := range factory.created {
		_, err := l.Sign(context.Background(), []byte("msg"))
		assert.Error(t, err)
	}
}
