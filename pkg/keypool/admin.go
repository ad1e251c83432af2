package keypool

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/canopy-network/relayx/pkg/near"
	"github.com/canopy-network/relayx/pkg/rpc"
	"github.com/canopy-network/relayx/pkg/signer"
	"go.uber.org/zap"
)

// RegisterKeysOnChain adds pks as function-call keys on the funding account
// in one transaction signed by the admin key.
func (p *Pool) RegisterKeysOnChain(ctx context.Context, pks []near.PublicKey) error {
	actions := make([]near.Action, 0, len(pks))
	for _, pk := range pks {
		actions = append(actions, near.AddKey{
			PublicKey: pk,
			AccessKey: near.AccessKey{Permission: near.FunctionCallPermission{
				Allowance:   p.permission.Allowance,
				ReceiverID:  p.contractID,
				MethodNames: p.permission.MethodNames,
			}},
		})
	}
	return p.submitAdmin(ctx, "add_keys", actions, func(ctx context.Context) (bool, error) {
		return p.keyOnChain(ctx, pks[0])
	})
}

// SubmitDeleteKeys deletes pks from the funding account in one transaction.
func (p *Pool) SubmitDeleteKeys(ctx context.Context, pks []near.PublicKey) error {
	actions := make([]near.Action, 0, len(pks))
	for _, pk := range pks {
		actions = append(actions, near.DeleteKey{PublicKey: pk})
	}
	return p.submitAdmin(ctx, "delete_keys", actions, func(ctx context.Context) (bool, error) {
		present, err := p.keyOnChain(ctx, pks[0])
		return !present, err
	})
}

// keyOnChain reports whether pk is an access key of the funding account.
func (p *Pool) keyOnChain(ctx context.Context, pk near.PublicKey) (bool, error) {
	_, err := p.chain.QueryAccessKey(ctx, p.accountID, pk)
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, rpc.ErrAccessKeyNotFound):
		return false, nil
	default:
		return false, err
	}
}

// outcomeUnknown is true for failures where the node may have accepted the
// transaction before the answer was lost.
func outcomeUnknown(err error) bool {
	return errors.Is(err, rpc.ErrUnavailable) || errors.Is(err, context.DeadlineExceeded)
}

// submitAdmin holds the admin lock for the whole read-nonce, sign, commit
// sequence so scale-up and scale-down never race for the admin nonce. When
// the broadcast outcome is unknown, landed checks the chain once before the
// batch is reported as failed.
func (p *Pool) submitAdmin(ctx context.Context, op string, actions []near.Action, landed func(context.Context) (bool, error)) error {
	if len(actions) == 0 {
		return nil
	}
	unlock, err := p.lockAdmin(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: lock: %w", ErrAdminBatchFailed, op, err)
	}
	defer unlock()

	adminPK := p.adminSigner.PublicKey()
	view, err := p.chain.QueryAccessKey(ctx, p.accountID, adminPK)
	if err != nil {
		return fmt.Errorf("%w: %s: admin nonce: %w", ErrAdminBatchFailed, op, err)
	}
	nonce := max(view.Nonce, p.adminNonce) + 1

	block, err := p.chain.LatestBlockHash(ctx)
	if err != nil {
		return fmt.Errorf("%w: %s: block hash: %w", ErrAdminBatchFailed, op, err)
	}

	tx := near.Transaction{
		SignerID:   p.accountID,
		PublicKey:  adminPK,
		Nonce:      nonce,
		ReceiverID: p.accountID,
		BlockHash:  block,
		Actions:    actions,
	}
	signed, hash, err := signer.SignTransaction(ctx, p.adminSigner, tx)
	if err != nil {
		return fmt.Errorf("%w: %s: %w", ErrAdminBatchFailed, op, err)
	}

	_, err = p.chain.SendSignedTx(ctx, signed)
	if err != nil && outcomeUnknown(err) && landed != nil {
		checkCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		ok, cerr := landed(checkCtx)
		cancel()
		switch {
		case cerr != nil:
			p.logger.Error("admin batch outcome unknown",
				zap.String("op", op),
				zap.String("txHash", hash.String()),
				zap.Uint64("nonce", nonce),
				zap.NamedError("checkError", cerr),
				zap.Error(err))
			return fmt.Errorf("%w: %w: %s: %w", ErrAdminBatchFailed, ErrBatchOutcomeUnknown, op, err)
		case ok:
			p.logger.Warn("admin batch landed despite broadcast error",
				zap.String("op", op), zap.String("txHash", hash.String()), zap.Error(err))
			err = nil
		}
	}
	if err != nil {
		if errors.Is(err, rpc.ErrTxFailed) {
			// Executed and failed: the nonce is spent.
			p.adminNonce = nonce
		}
		p.logger.Error("admin batch failed",
			zap.String("op", op),
			zap.String("txHash", hash.String()),
			zap.Uint64("nonce", nonce),
			zap.Int("actions", len(actions)),
			zap.Error(err))
		return fmt.Errorf("%w: %s: %w", ErrAdminBatchFailed, op, err)
	}
	p.adminNonce = nonce

	p.logger.Info("admin batch landed",
		zap.String("op", op),
		zap.String("txHash", hash.String()),
		zap.Uint64("nonce", nonce),
		zap.Int("actions", len(actions)))
	return nil
}

// lockAdmin takes the in-process admin mutex and, when configured, the
// distributed lock. The returned func releases both.
func (p *Pool) lockAdmin(ctx context.Context) (func(), error) {
	p.adminMu.Lock()
	if p.locker == nil {
		return p.adminMu.Unlock, nil
	}
	release, err := p.locker.Lock(ctx)
	if err != nil {
		p.adminMu.Unlock()
		return nil, err
	}
	return func() {
		if rerr := release(context.WithoutCancel(ctx)); rerr != nil {
			p.logger.Warn("admin lock release failed", zap.Error(rerr))
		}
		p.adminMu.Unlock()
	}, nil
}
