// Package relay signs and submits one function call per inbound request,
// retrying exactly once on a nonce conflict.
package relay

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/relayx/pkg/keypool"
	"github.com/canopy-network/relayx/pkg/near"
	"github.com/canopy-network/relayx/pkg/rpc"
	"github.com/canopy-network/relayx/pkg/signer"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

var (
	ErrInvalidRequest = errors.New("invalid request")
	ErrNonceConflict  = errors.New("nonce conflict persisted after retry")
)

// maxAttempts is the whole failure budget for one request: the first try and
// one retry after a nonce conflict.
const maxAttempts = 2

type KeyPool interface {
	Acquire() (*keypool.Lease, error)
	HandleNonceError(ctx context.Context, pk near.PublicKey) error
}

type Chain interface {
	LatestBlockHash(ctx context.Context) (near.Hash, error)
	SendTxAsync(ctx context.Context, st *near.SignedTransaction) (near.Hash, error)
	TxStatus(ctx context.Context, hash near.Hash, sender string) (*rpc.TxResult, error)
}

// Submission describes one accepted broadcast.
type Submission struct {
	TxHash      near.Hash      `json:"txHash"`
	PublicKey   near.PublicKey `json:"publicKey"`
	Nonce       uint64         `json:"nonce"`
	Action      string         `json:"action"`
	Attempts    int            `json:"attempts"`
	SubmittedAt time.Time      `json:"submittedAt"`
}

// Hooks observe relay outcomes. Nil functions are skipped.
type Hooks struct {
	OnRequest    func()
	OnSubmitted  func(ctx context.Context, s Submission)
	OnNonceRetry func()
	OnFailed     func(err error)
}

type Options struct {
	AccountID  string
	ContractID string
	Method     string
	Gas        uint64
	Pool       KeyPool
	Chain      Chain
	Hooks      Hooks
	Logger     *zap.Logger
	Workers    int
	QueueSize  int
	// Retention bounds how long a submission stays in memory when nothing
	// settles it first.
	Retention time.Duration
}

type Result struct {
	Status string `json:"status"`
	TxHash string `json:"tx_hash"`
}

type Service struct {
	accountID  string
	contractID string
	method     string
	gas        uint64
	pool       KeyPool
	chain      Chain
	hooks      Hooks
	logger     *zap.Logger
	workers    pond.Pool
	submitted  *xsync.Map[near.Hash, Submission]
	retention  time.Duration
	now        func() time.Time
}

func New(o Options) (*Service, error) {
	if o.Pool == nil || o.Chain == nil {
		return nil, errors.New("relay: pool and chain are required")
	}
	if o.Method == "" {
		o.Method = "execute"
	}
	if o.Gas == 0 {
		o.Gas = 30_000_000_000_000
	}
	if o.Workers <= 0 {
		o.Workers = 16
	}
	if o.QueueSize <= 0 {
		o.QueueSize = 1024
	}
	if o.Retention <= 0 {
		o.Retention = time.Hour
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
	return &Service{
		accountID:  o.AccountID,
		contractID: o.ContractID,
		method:     o.Method,
		gas:        o.Gas,
		pool:       o.Pool,
		chain:      o.Chain,
		hooks:      o.Hooks,
		logger:     o.Logger.With(zap.String("component", "relay")),
		workers:    pond.NewPool(o.Workers, pond.WithQueueSize(o.QueueSize)),
		submitted:  xsync.NewMap[near.Hash, Submission](),
		retention:  o.Retention,
		now:        time.Now,
	}, nil
}

// Close waits for queued requests to finish.
func (s *Service) Close() {
	s.workers.StopAndWait()
}

func parseRequest(body []byte) (string, []byte, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return "", nil, fmt.Errorf("%w: body must be a JSON object", ErrInvalidRequest)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return "", nil, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	raw, ok := fields["action"]
	if !ok {
		return "", nil, fmt.Errorf("%w: missing action", ErrInvalidRequest)
	}
	var action string
	if err := json.Unmarshal(raw, &action); err != nil || action == "" {
		return "", nil, fmt.Errorf("%w: action must be a non-empty string", ErrInvalidRequest)
	}
	return action, trimmed, nil
}

// Execute validates body and relays it on the worker pool.
func (s *Service) Execute(ctx context.Context, body []byte) (*Result, error) {
	if s.hooks.OnRequest != nil {
		s.hooks.OnRequest()
	}
	action, args, err := parseRequest(body)
	if err != nil {
		s.failed(err)
		return nil, err
	}

	var sub Submission
	task := s.workers.SubmitErr(func() error {
		var runErr error
		sub, runErr = s.relay(ctx, action, args)
		return runErr
	})
	if err := task.Wait(); err != nil {
		s.failed(err)
		return nil, err
	}
	return &Result{Status: "pending", TxHash: sub.TxHash.String()}, nil
}

// relay is the two-attempt state machine: attempt, classify, optionally
// resync and retry once, report.
func (s *Service) relay(ctx context.Context, action string, args []byte) (Submission, error) {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		sub, err := s.attempt(ctx, action, args)
		if err == nil {
			sub.Attempts = attempt
			s.submitted.Store(sub.TxHash, sub)
			if s.hooks.OnSubmitted != nil {
				s.hooks.OnSubmitted(ctx, sub)
			}
			return sub, nil
		}
		lastErr = err
		if !rpc.IsInvalidNonce(err) {
			return Submission{}, err
		}
		if attempt < maxAttempts {
			s.logger.Info("nonce conflict, retrying on a fresh slot", zap.Error(err))
			if s.hooks.OnNonceRetry != nil {
				s.hooks.OnNonceRetry()
			}
		}
	}
	return Submission{}, fmt.Errorf("%w: %w", ErrNonceConflict, lastErr)
}

// attempt runs one acquire, sign, submit cycle. On a nonce conflict the
// slot's nonce is resynced before the lease is released.
func (s *Service) attempt(ctx context.Context, action string, args []byte) (Submission, error) {
	lease, err := s.pool.Acquire()
	if err != nil {
		return Submission{}, err
	}
	defer lease.Release()

	block, err := s.chain.LatestBlockHash(ctx)
	if err != nil {
		return Submission{}, err
	}

	guard, err := lease.LockSubmit(ctx)
	if err != nil {
		return Submission{}, err
	}
	defer guard.Unlock()

	nonce := guard.NextNonce()
	tx := near.Transaction{
		SignerID:   s.accountID,
		PublicKey:  lease.PublicKey(),
		Nonce:      nonce,
		ReceiverID: s.contractID,
		BlockHash:  block,
		Actions:    []near.Action{near.FunctionCall{Method: s.method, Args: args, Gas: s.gas}},
	}
	signed, _, err := signer.SignTransaction(ctx, lease.Signer(), tx)
	if err != nil {
		return Submission{}, err
	}

	hash, err := s.chain.SendTxAsync(ctx, signed)
	if err != nil {
		if rpc.IsInvalidNonce(err) {
			guard.Unlock()
			if rerr := s.pool.HandleNonceError(ctx, lease.PublicKey()); rerr != nil {
				s.logger.Warn("nonce resync failed", zap.String("publicKey", lease.PublicKey().String()), zap.Error(rerr))
			}
		}
		return Submission{}, err
	}
	guard.Commit(nonce)

	s.logger.Debug("transaction submitted",
		zap.String("txHash", hash.String()),
		zap.String("publicKey", lease.PublicKey().String()),
		zap.Uint64("nonce", nonce),
		zap.String("action", action))
	return Submission{
		TxHash:      hash,
		PublicKey:   lease.PublicKey(),
		Nonce:       nonce,
		Action:      action,
		SubmittedAt: s.now().UTC(),
	}, nil
}

func (s *Service) failed(err error) {
	if s.hooks.OnFailed != nil {
		s.hooks.OnFailed(err)
	}
}

// Lookup returns what this process knows about a submitted hash.
func (s *Service) Lookup(hash near.Hash) (Submission, bool) {
	return s.submitted.Load(hash)
}

// Forget drops a hash once its outcome is settled.
func (s *Service) Forget(hash near.Hash) {
	s.submitted.Delete(hash)
}

// Prune drops submissions older than the retention window and returns how
// many were removed.
func (s *Service) Prune() int {
	cutoff := s.now().Add(-s.retention)
	removed := 0
	s.submitted.Range(func(hash near.Hash, sub Submission) bool {
		if sub.SubmittedAt.Before(cutoff) {
			s.submitted.Delete(hash)
			removed++
		}
		return true
	})
	return removed
}

// Status queries the chain for a transaction sent by the funding account.
func (s *Service) Status(ctx context.Context, hash near.Hash) (*rpc.TxResult, error) {
	return s.chain.TxStatus(ctx, hash, s.accountID)
}
