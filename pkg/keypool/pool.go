// Package keypool manages the access keys a single funding account relays
// with: slot selection, per-slot nonce sequencing, and on-chain key add and
// delete batches under one admin lock.
package keypool

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/relayx/pkg/near"
	"github.com/canopy-network/relayx/pkg/retry"
	"github.com/canopy-network/relayx/pkg/rpc"
	"github.com/canopy-network/relayx/pkg/signer"
	"github.com/puzpuzpuz/xsync/v4"
	"go.uber.org/zap"
)

var (
	ErrPoolExhausted    = errors.New("no active key available")
	ErrAdminBatchFailed = errors.New("admin key batch failed")
	// ErrBatchOutcomeUnknown accompanies ErrAdminBatchFailed when the batch
	// may still have landed on chain.
	ErrBatchOutcomeUnknown = errors.New("admin batch outcome unknown")
	ErrSlotNotFound        = errors.New("key not in pool")
	ErrPoolAtCapacity      = errors.New("pool at max keys")
)

// Chain is the subset of the RPC client the pool needs.
type Chain interface {
	LatestBlockHash(ctx context.Context) (near.Hash, error)
	QueryAccessKey(ctx context.Context, account string, pk near.PublicKey) (*rpc.AccessKeyView, error)
	SendSignedTx(ctx context.Context, st *near.SignedTransaction) (*rpc.FinalExecutionOutcome, error)
}

// KeyStore persists pool keys across restarts.
type KeyStore interface {
	Persist(s signer.Signer) error
	Remove(pk near.PublicKey) error
	Load() ([]signer.Signer, error)
}

// Locker serializes admin batches across replicas sharing the funding account.
type Locker interface {
	Lock(ctx context.Context) (unlock func(context.Context) error, err error)
}

type KeyEvent string

const (
	KeyAdded    KeyEvent = "keys.added"
	KeyDraining KeyEvent = "keys.draining"
	KeyRemoved  KeyEvent = "keys.removed"
	KeyResynced KeyEvent = "keys.resynced"
)

// Hooks observe key lifecycle changes. Called outside pool locks.
type Hooks struct {
	OnKeyEvent func(ev KeyEvent, pk near.PublicKey, nonce uint64)
}

type ScalingConfig struct {
	MinKeys       int
	MaxKeys       int
	BatchSize     int
	Cooldown      time.Duration
	IdleThreshold time.Duration
	ScaleUpLoad   float64
}

// Permission is what added keys may call.
type Permission struct {
	MethodNames []string
	Allowance   *big.Int
}

type Options struct {
	AccountID   string
	ContractID  string
	AdminSigner signer.Signer
	Factory     signer.Factory
	Chain       Chain
	Store       KeyStore
	Locker      Locker
	Scaling     ScalingConfig
	Permission  Permission
	ReadBack    retry.Config
	Hooks       Hooks
	Logger      *zap.Logger
	// Workers bounds parallel key creation and nonce read-back.
	Workers int
}

type Pool struct {
	accountID   string
	contractID  string
	adminSigner signer.Signer
	factory     signer.Factory
	chain       Chain
	store       KeyStore
	locker      Locker
	scaling     ScalingConfig
	permission  Permission
	readBack    retry.Config
	hooks       Hooks
	logger      *zap.Logger
	workers     pond.Pool

	mu    sync.RWMutex
	slots []*Slot
	index *xsync.Map[near.PublicKey, *Slot]

	// scaleMu serializes scale operations so capacity checks hold.
	scaleMu sync.Mutex
	// adminMu guards adminNonce and serializes admin batches in process.
	adminMu    sync.Mutex
	adminNonce uint64

	now func() time.Time
}

func New(o Options) (*Pool, error) {
	if err := near.ValidateAccountID(o.AccountID); err != nil {
		return nil, fmt.Errorf("keypool: account: %w", err)
	}
	if err := near.ValidateAccountID(o.ContractID); err != nil {
		return nil, fmt.Errorf("keypool: contract: %w", err)
	}
	if o.AdminSigner == nil || o.Factory == nil || o.Chain == nil {
		return nil, errors.New("keypool: admin signer, factory and chain are required")
	}
	if o.Scaling.MinKeys < 0 || o.Scaling.MaxKeys < 1 || o.Scaling.MinKeys > o.Scaling.MaxKeys {
		return nil, fmt.Errorf("keypool: invalid bounds min=%d max=%d", o.Scaling.MinKeys, o.Scaling.MaxKeys)
	}
	if o.Scaling.BatchSize <= 0 {
		o.Scaling.BatchSize = 1
	}
	if len(o.Permission.MethodNames) == 0 {
		o.Permission.MethodNames = []string{"execute"}
	}
	if o.ReadBack.MaxRetries == 0 {
		o.ReadBack = retry.NonceReadBackConfig()
	}
	if o.Workers <= 0 {
		o.Workers = 8
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}

	return &Pool{
		accountID:   o.AccountID,
		contractID:  o.ContractID,
		adminSigner: o.AdminSigner,
		factory:     o.Factory,
		chain:       o.Chain,
		store:       o.Store,
		locker:      o.Locker,
		scaling:     o.Scaling,
		permission:  o.Permission,
		readBack:    o.ReadBack,
		hooks:       o.Hooks,
		logger:      o.Logger.With(zap.String("component", "keypool"), zap.String("account", o.AccountID)),
		workers:     pond.NewPool(o.Workers),
		index:       xsync.NewMap[near.PublicKey, *Slot](),
		now:         time.Now,
	}, nil
}

func (p *Pool) AccountID() string  { return p.accountID }
func (p *Pool) ContractID() string { return p.contractID }

func (p *Pool) Scaling() ScalingConfig { return p.scaling }

// Close stops background workers.
func (p *Pool) Close() {
	p.workers.StopAndWait()
}

// acquireAttempts bounds the CAS retries before falling back to a plain
// increment on the best candidate.
const acquireAttempts = 64

// Acquire leases the Active slot with the fewest in-flight submissions,
// breaking ties by least recent use.
func (p *Pool) Acquire() (*Lease, error) {
	for attempt := 0; attempt < acquireAttempts; attempt++ {
		best, seen := p.leastLoaded()
		if best == nil {
			return nil, ErrPoolExhausted
		}
		if !best.inFlight.CompareAndSwap(seen, seen+1) {
			continue
		}
		if best.State() != Active {
			best.inFlight.Add(-1)
			continue
		}
		best.touch(p.now())
		return &Lease{pool: p, slot: best}, nil
	}

	best, _ := p.leastLoaded()
	if best == nil {
		return nil, ErrPoolExhausted
	}
	best.inFlight.Add(1)
	if best.State() != Active {
		best.inFlight.Add(-1)
		return nil, ErrPoolExhausted
	}
	best.touch(p.now())
	return &Lease{pool: p, slot: best}, nil
}

func (p *Pool) leastLoaded() (*Slot, int64) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var (
		best     *Slot
		bestLoad int64
		bestUsed int64
	)
	for _, s := range p.slots {
		if s.State() != Active {
			continue
		}
		load, used := s.inFlight.Load(), s.lastUsed.Load()
		if best == nil || load < bestLoad || (load == bestLoad && used < bestUsed) {
			best, bestLoad, bestUsed = s, load, used
		}
	}
	return best, bestLoad
}

// HandleNonceError overwrites the slot's cached nonce with the chain's value.
func (p *Pool) HandleNonceError(ctx context.Context, pk near.PublicKey) error {
	slot, ok := p.index.Load(pk)
	if !ok {
		return fmt.Errorf("%w: %s", ErrSlotNotFound, pk)
	}
	if err := slot.lockSubmit(ctx); err != nil {
		return err
	}
	defer slot.unlockSubmit()
	return p.resyncLocked(ctx, slot)
}

// resyncLocked requires the slot's submit lock. On failure the slot stays
// flagged so the next LockSubmit tries again.
func (p *Pool) resyncLocked(ctx context.Context, slot *Slot) error {
	view, err := p.chain.QueryAccessKey(ctx, p.accountID, slot.pk)
	if err != nil {
		slot.needsResync.Store(true)
		return fmt.Errorf("resync %s: %w", slot.pk, err)
	}
	prev := slot.nonce.Swap(view.Nonce)
	slot.needsResync.Store(false)
	p.logger.Info("nonce resynced",
		zap.String("publicKey", slot.pk.String()),
		zap.Uint64("previous", prev),
		zap.Uint64("nonce", view.Nonce))
	p.emit(KeyResynced, slot.pk, view.Nonce)
	return nil
}

type Stats struct {
	Active   int   `json:"active"`
	Warmup   int   `json:"warmup"`
	Draining int   `json:"draining"`
	InFlight int64 `json:"inFlight"`
}

func (s Stats) Total() int { return s.Active + s.Warmup + s.Draining }

func (p *Pool) Stats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var st Stats
	for _, s := range p.slots {
		switch s.State() {
		case Active:
			st.Active++
		case Warmup:
			st.Warmup++
		case Draining:
			st.Draining++
		}
		st.InFlight += s.InFlight()
	}
	return st
}

func (p *Pool) Snapshot() []SlotInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]SlotInfo, 0, len(p.slots))
	for _, s := range p.slots {
		out = append(out, s.info())
	}
	return out
}

// Slot looks a key up by public key.
func (p *Pool) Slot(pk near.PublicKey) (*Slot, bool) {
	return p.index.Load(pk)
}

// Reap removes Draining slots whose on-chain delete has landed and that have
// nothing in flight.
func (p *Pool) Reap() []near.PublicKey {
	p.mu.Lock()
	kept := p.slots[:0]
	var removed []*Slot
	for _, s := range p.slots {
		if s.State() == Draining && s.deleted.Load() && s.InFlight() == 0 {
			removed = append(removed, s)
			p.index.Delete(s.pk)
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(p.slots); i++ {
		p.slots[i] = nil
	}
	p.slots = kept
	p.mu.Unlock()

	out := make([]near.PublicKey, 0, len(removed))
	for _, s := range removed {
		if d, ok := s.signer.(interface{ Destroy() }); ok {
			d.Destroy()
		}
		out = append(out, s.pk)
		p.logger.Info("key removed", zap.String("publicKey", s.pk.String()))
		p.emit(KeyRemoved, s.pk, s.Nonce())
	}
	return out
}

func (p *Pool) addSlots(slots []*Slot) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range slots {
		p.slots = append(p.slots, s)
		p.index.Store(s.pk, s)
	}
}

func (p *Pool) dropSlots(slots []*Slot) {
	drop := make(map[near.PublicKey]struct{}, len(slots))
	for _, s := range slots {
		drop[s.pk] = struct{}{}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	kept := p.slots[:0]
	for _, s := range p.slots {
		if _, ok := drop[s.pk]; ok {
			p.index.Delete(s.pk)
			continue
		}
		kept = append(kept, s)
	}
	for i := len(kept); i < len(p.slots); i++ {
		p.slots[i] = nil
	}
	p.slots = kept
}

func (p *Pool) emit(ev KeyEvent, pk near.PublicKey, nonce uint64) {
	if p.hooks.OnKeyEvent != nil {
		p.hooks.OnKeyEvent(ev, pk, nonce)
	}
}
