package keypool

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/relayx/pkg/near"
	"github.com/canopy-network/relayx/pkg/retry"
	"github.com/canopy-network/relayx/pkg/signer"
	"go.uber.org/zap"
)

// ScaleUp adds up to n keys, bounded by MaxKeys. New keys are registered on
// chain in one batch; if the batch fails none are kept. Keys whose nonce
// cannot be read back are still activated at nonce 0 and flagged for resync.
func (p *Pool) ScaleUp(ctx context.Context, n int) ([]near.PublicKey, error) {
	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()

	room := p.scaling.MaxKeys - p.Stats().Total()
	if room <= 0 {
		return nil, ErrPoolAtCapacity
	}
	if n > room {
		n = room
	}
	if n <= 0 {
		return nil, nil
	}

	signers, err := p.createSigners(ctx, n)
	if err != nil {
		return nil, err
	}

	now := p.now()
	slots := make([]*Slot, len(signers))
	pks := make([]near.PublicKey, len(signers))
	for i, s := range signers {
		slots[i] = newSlot(s, Warmup, now)
		pks[i] = slots[i].pk
	}
	p.addSlots(slots)

	if err := p.RegisterKeysOnChain(ctx, pks); err != nil {
		p.dropSlots(slots)
		if errors.Is(err, ErrBatchOutcomeUnknown) {
			p.logger.Error("dropping keys that may exist on chain",
				zap.Strings("publicKeys", publicKeyStrings(pks)))
		}
		p.discardSigners(signers)
		return nil, err
	}

	p.readBackNonces(ctx, slots)

	for _, s := range slots {
		s.transition(Warmup, Active)
		if p.store != nil {
			if err := p.store.Persist(s.signer); err != nil {
				p.logger.Error("persist key failed", zap.String("publicKey", s.pk.String()), zap.Error(err))
			}
		}
		p.emit(KeyAdded, s.pk, s.Nonce())
	}
	p.logger.Info("scaled up", zap.Int("added", len(slots)), zap.Int("active", p.Stats().Active))
	return pks, nil
}

func (p *Pool) createSigners(ctx context.Context, n int) ([]signer.Signer, error) {
	out := make([]signer.Signer, n)
	errs := make([]error, n)
	group := p.workers.NewGroupContext(ctx)
	groupCtx := group.Context()
	for i := 0; i < n; i++ {
		group.Submit(func() {
			if err := groupCtx.Err(); err != nil {
				errs[i] = err
				return
			}
			out[i], errs[i] = p.factory.Create(groupCtx)
		})
	}
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, pond.ErrGroupStopped) {
		p.discardSigners(out)
		return nil, fmt.Errorf("create keys: %w", err)
	}
	if err := errors.Join(errs...); err != nil {
		p.discardSigners(out)
		return nil, fmt.Errorf("create keys: %w", err)
	}
	return out, nil
}

// discardSigners wipes local keys. Remote keys cannot be deleted from here,
// so their references are logged for cleanup.
func (p *Pool) discardSigners(signers []signer.Signer) {
	for _, s := range signers {
		switch v := s.(type) {
		case nil:
		case interface{ Destroy() }:
			v.Destroy()
		case interface{ Reference() string }:
			p.logger.Error("remote key left unused",
				zap.String("publicKey", s.PublicKey().String()),
				zap.String("reference", v.Reference()))
		}
	}
}

func publicKeyStrings(pks []near.PublicKey) []string {
	out := make([]string, len(pks))
	for i, pk := range pks {
		out[i] = pk.String()
	}
	return out
}

// readBackNonces queries each new key with bounded retry. Failures degrade to
// nonce 0 with needsResync set; they never abort the batch.
func (p *Pool) readBackNonces(ctx context.Context, slots []*Slot) {
	group := p.workers.NewGroup()
	for _, s := range slots {
		group.Submit(func() {
			var nonce uint64
			err := retry.WithBackoff(ctx, p.readBack, p.logger, "nonce_read_back", func() error {
				view, err := p.chain.QueryAccessKey(ctx, p.accountID, s.pk)
				if err != nil {
					return err
				}
				nonce = view.Nonce
				return nil
			})
			if err != nil {
				p.logger.Warn("nonce read-back failed, key will resync on first use",
					zap.String("publicKey", s.pk.String()), zap.Error(err))
				s.nonce.Store(0)
				s.needsResync.Store(true)
				return
			}
			s.nonce.Store(nonce)
		})
	}
	_ = group.Wait()
}

// ScaleDown drains up to n idle Active keys with nothing in flight and
// deletes them on chain in one batch. On batch failure every selected slot
// returns to Active. Drained slots leave the pool through Reap.
func (p *Pool) ScaleDown(ctx context.Context, n int) ([]near.PublicKey, error) {
	p.scaleMu.Lock()
	defer p.scaleMu.Unlock()

	if limit := p.Stats().Active - p.scaling.MinKeys; n > limit {
		n = limit
	}
	if n <= 0 {
		return nil, nil
	}

	selected := make([]*Slot, 0, n)
	for _, s := range p.idleCandidates() {
		if len(selected) == n {
			break
		}
		if !s.transition(Active, Draining) {
			continue
		}
		// An Acquire may have raced the transition.
		if s.InFlight() != 0 {
			s.transition(Draining, Active)
			continue
		}
		selected = append(selected, s)
	}
	if len(selected) == 0 {
		return nil, nil
	}

	pks := make([]near.PublicKey, len(selected))
	for i, s := range selected {
		pks[i] = s.pk
	}
	if err := p.SubmitDeleteKeys(ctx, pks); err != nil {
		if errors.Is(err, ErrBatchOutcomeUnknown) {
			// The keys may be gone; they stay Draining and are never reused.
			p.logger.Error("keys left draining after unconfirmed delete",
				zap.Strings("publicKeys", publicKeyStrings(pks)))
			return nil, err
		}
		for _, s := range selected {
			s.transition(Draining, Active)
		}
		return nil, err
	}

	for _, s := range selected {
		s.deleted.Store(true)
		if p.store != nil {
			if err := p.store.Remove(s.pk); err != nil {
				p.logger.Error("forget key failed", zap.String("publicKey", s.pk.String()), zap.Error(err))
			}
		}
		p.emit(KeyDraining, s.pk, s.Nonce())
	}
	p.logger.Info("scaled down", zap.Int("draining", len(selected)))
	return pks, nil
}

// idleCandidates lists Active slots idle for at least IdleThreshold with
// nothing in flight, most idle first.
func (p *Pool) idleCandidates() []*Slot {
	now := p.now()
	p.mu.RLock()
	out := make([]*Slot, 0, len(p.slots))
	for _, s := range p.slots {
		if s.State() != Active || s.InFlight() != 0 {
			continue
		}
		if now.Sub(s.LastUsed()) < p.scaling.IdleThreshold {
			continue
		}
		out = append(out, s)
	}
	p.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].lastUsed.Load() < out[j].lastUsed.Load() })
	return out
}
