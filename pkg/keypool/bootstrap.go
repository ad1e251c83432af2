package keypool

import (
	"context"
	"errors"

	"github.com/canopy-network/relayx/pkg/rpc"
	"go.uber.org/zap"
)

// Bootstrap restores persisted keys that still exist on chain and tops the
// pool up to MinKeys. Keys the chain no longer knows are forgotten. Keys
// whose nonce cannot be read are kept and flagged for resync.
func (p *Pool) Bootstrap(ctx context.Context) error {
	if p.store != nil {
		signers, err := p.store.Load()
		if err != nil {
			return err
		}
		now := p.now()
		var restored []*Slot
		for _, s := range signers {
			if s.PublicKey() == p.adminSigner.PublicKey() {
				continue
			}
			if _, exists := p.index.Load(s.PublicKey()); exists {
				continue
			}
			slot := newSlot(s, Active, now)
			view, err := p.chain.QueryAccessKey(ctx, p.accountID, slot.pk)
			switch {
			case errors.Is(err, rpc.ErrAccessKeyNotFound):
				p.logger.Warn("persisted key not on chain, forgetting", zap.String("publicKey", slot.pk.String()))
				if rerr := p.store.Remove(slot.pk); rerr != nil {
					p.logger.Error("forget key failed", zap.String("publicKey", slot.pk.String()), zap.Error(rerr))
				}
				continue
			case err != nil:
				p.logger.Warn("persisted key nonce unknown, will resync on first use",
					zap.String("publicKey", slot.pk.String()), zap.Error(err))
				slot.needsResync.Store(true)
			default:
				slot.nonce.Store(view.Nonce)
			}
			restored = append(restored, slot)
		}
		p.addSlots(restored)
		p.logger.Info("keys restored", zap.Int("count", len(restored)))
	}

	if missing := p.scaling.MinKeys - p.Stats().Active; missing > 0 {
		if _, err := p.ScaleUp(ctx, missing); err != nil {
			return err
		}
	}
	return nil
}
