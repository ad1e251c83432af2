package rpc

import (
	"context"
	"errors"
	"fmt"

	"github.com/canopy-network/relayx/pkg/near"
)

type blockResult struct {
	Header struct {
		Hash   string `json:"hash"`
		Height uint64 `json:"height"`
	} `json:"header"`
}

// LatestBlockHash returns the cached final block hash while it is younger than
// the TTL and not marked stale, otherwise fetches a fresh one. Concurrent
// refreshes share a single request.
func (c *Client) LatestBlockHash(ctx context.Context) (near.Hash, error) {
	c.blockMu.Lock()
	if !c.blockStale && !c.blockAt.IsZero() && c.now().Sub(c.blockAt) < c.blockTTL {
		h := c.blockHash
		c.blockMu.Unlock()
		return h, nil
	}
	c.blockMu.Unlock()

	v, err, _ := c.blockGroup.Do("block", func() (any, error) {
		var res blockResult
		if err := c.call(ctx, "block", map[string]string{"finality": "final"}, &res); err != nil {
			return near.Hash{}, err
		}
		h, err := near.ParseHash(res.Header.Hash)
		if err != nil {
			return near.Hash{}, fmt.Errorf("rpc: block header: %w", err)
		}
		c.blockMu.Lock()
		c.blockHash = h
		c.blockAt = c.now()
		c.blockStale = false
		c.blockMu.Unlock()
		return h, nil
	})
	if err != nil {
		return near.Hash{}, err
	}
	return v.(near.Hash), nil
}

// QueryAccessKey reads the on-chain nonce of pk on account.
func (c *Client) QueryAccessKey(ctx context.Context, account string, pk near.PublicKey) (*AccessKeyView, error) {
	params := map[string]string{
		"request_type": "view_access_key",
		"finality":     "final",
		"account_id":   account,
		"public_key":   pk.String(),
	}
	var view AccessKeyView
	if err := c.call(ctx, "query", params, &view); err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) && rpcErr.CauseName() == causeUnknownAccessKey {
			return nil, fmt.Errorf("%w: %s: %w", ErrAccessKeyNotFound, pk, err)
		}
		return nil, err
	}
	if view.Error != "" {
		return nil, fmt.Errorf("%w: %s: %s", ErrAccessKeyNotFound, pk, view.Error)
	}
	return &view, nil
}

// SendSignedTx broadcasts and waits for the execution outcome. An outcome
// with a Failure status is returned together with ErrTxFailed.
func (c *Client) SendSignedTx(ctx context.Context, st *near.SignedTransaction) (*FinalExecutionOutcome, error) {
	encoded, err := st.Base64()
	if err != nil {
		return nil, err
	}
	var out FinalExecutionOutcome
	if err := c.call(ctx, "broadcast_tx_commit", []string{encoded}, &out); err != nil {
		return nil, err
	}
	if out.Status != nil && out.Status.Failed() {
		return &out, fmt.Errorf("%w: %s", ErrTxFailed, out.Status.Failure)
	}
	return &out, nil
}

// SendTxAsync broadcasts without waiting and returns the transaction hash.
func (c *Client) SendTxAsync(ctx context.Context, st *near.SignedTransaction) (near.Hash, error) {
	encoded, err := st.Base64()
	if err != nil {
		return near.Hash{}, err
	}
	var hash string
	if err := c.call(ctx, "broadcast_tx_async", []string{encoded}, &hash); err != nil {
		return near.Hash{}, err
	}
	h, err := near.ParseHash(hash)
	if err != nil {
		return near.Hash{}, fmt.Errorf("rpc: broadcast_tx_async result: %w", err)
	}
	return h, nil
}

// TxStatus queries a transaction without waiting. A transaction the node has
// not seen yet reads as pending.
func (c *Client) TxStatus(ctx context.Context, hash near.Hash, sender string) (*TxResult, error) {
	params := map[string]string{
		"tx_hash":           hash.String(),
		"sender_account_id": sender,
		"wait_until":        "NONE",
	}
	var out FinalExecutionOutcome
	if err := c.call(ctx, "tx", params, &out); err != nil {
		var rpcErr *Error
		if errors.As(err, &rpcErr) && rpcErr.CauseName() == causeUnknownTransaction {
			return &TxResult{State: TxPending}, nil
		}
		return nil, err
	}
	return resultFromOutcome(&out), nil
}

// HealthCheck probes both endpoints directly, ignoring breaker routing.
func (c *Client) HealthCheck(ctx context.Context) (Health, error) {
	primaryErr := c.callOn(ctx, []endpoint{c.primary}, "status", []any{}, nil)
	if primaryErr == nil {
		return HealthOK, nil
	}
	if c.fallback == nil {
		return "", primaryErr
	}
	fallbackErr := c.callOn(ctx, []endpoint{*c.fallback}, "status", []any{}, nil)
	if fallbackErr == nil {
		return HealthDegraded, nil
	}
	return "", errors.Join(primaryErr, fallbackErr)
}
