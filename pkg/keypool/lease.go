package keypool

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/canopy-network/relayx/pkg/near"
	"github.com/canopy-network/relayx/pkg/signer"
)

// Lease is an acquired slot. Release is idempotent and must always be called.
type Lease struct {
	pool     *Pool
	slot     *Slot
	released atomic.Bool
}

func (l *Lease) PublicKey() near.PublicKey { return l.slot.pk }

func (l *Lease) Signer() signer.Signer { return l.slot.signer }

func (l *Lease) Release() {
	if !l.released.CompareAndSwap(false, true) {
		return
	}
	l.slot.touch(l.pool.now())
	l.slot.inFlight.Add(-1)
}

// LockSubmit takes the slot's submit lock. A slot flagged for resync reads
// its nonce from chain before the guard is handed out.
func (l *Lease) LockSubmit(ctx context.Context) (*SubmitGuard, error) {
	if err := l.slot.lockSubmit(ctx); err != nil {
		return nil, err
	}
	if l.slot.needsResync.Load() {
		if err := l.pool.resyncLocked(ctx, l.slot); err != nil {
			l.slot.unlockSubmit()
			return nil, err
		}
	}
	return &SubmitGuard{slot: l.slot}, nil
}

// SubmitGuard holds a slot's submit lock. Read the next nonce, sign, submit,
// and Commit only after the submission was accepted.
type SubmitGuard struct {
	slot *Slot
	once sync.Once
}

func (g *SubmitGuard) Nonce() uint64 { return g.slot.nonce.Load() }

func (g *SubmitGuard) NextNonce() uint64 { return g.slot.nonce.Load() + 1 }

func (g *SubmitGuard) Commit(nonce uint64) {
	if nonce > g.slot.nonce.Load() {
		g.slot.nonce.Store(nonce)
	}
}

func (g *SubmitGuard) Unlock() {
	g.once.Do(g.slot.unlockSubmit)
}
