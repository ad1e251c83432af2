package keypool

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/canopy-network/relayx/pkg/near"
	"github.com/canopy-network/relayx/pkg/signer"
)

type State int32

const (
	Warmup State = iota
	Active
	Draining
)

func (s State) String() string {
	switch s {
	case Warmup:
		return "warmup"
	case Active:
		return "active"
	case Draining:
		return "draining"
	default:
		return "unknown"
	}
}

// Slot is one managed access key. nonce is written only while submit is held;
// the atomic lets snapshots read it without the lock.
type Slot struct {
	signer    signer.Signer
	pk        near.PublicKey
	createdAt time.Time

	state       atomic.Int32
	inFlight    atomic.Int64
	lastUsed    atomic.Int64
	nonce       atomic.Uint64
	needsResync atomic.Bool
	deleted     atomic.Bool

	submit chan struct{}
}

func newSlot(s signer.Signer, state State, now time.Time) *Slot {
	slot := &Slot{
		signer:    s,
		pk:        s.PublicKey(),
		createdAt: now,
		submit:    make(chan struct{}, 1),
	}
	slot.state.Store(int32(state))
	slot.lastUsed.Store(now.UnixNano())
	return slot
}

func (s *Slot) PublicKey() near.PublicKey { return s.pk }

func (s *Slot) State() State { return State(s.state.Load()) }

func (s *Slot) InFlight() int64 { return s.inFlight.Load() }

func (s *Slot) Nonce() uint64 { return s.nonce.Load() }

func (s *Slot) LastUsed() time.Time { return time.Unix(0, s.lastUsed.Load()) }

func (s *Slot) transition(from, to State) bool {
	return s.state.CompareAndSwap(int32(from), int32(to))
}

func (s *Slot) touch(now time.Time) {
	s.lastUsed.Store(now.UnixNano())
}

func (s *Slot) lockSubmit(ctx context.Context) error {
	select {
	case s.submit <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Slot) unlockSubmit() {
	<-s.submit
}

// SlotInfo is a point-in-time view of a slot for the admin API.
type SlotInfo struct {
	PublicKey   string    `json:"publicKey"`
	State       string    `json:"state"`
	Nonce       uint64    `json:"nonce"`
	InFlight    int64     `json:"inFlight"`
	NeedsResync bool      `json:"needsResync"`
	LastUsed    time.Time `json:"lastUsed"`
	CreatedAt   time.Time `json:"createdAt"`
}

func (s *Slot) info() SlotInfo {
	return SlotInfo{
		PublicKey:   s.pk.String(),
		State:       s.State().String(),
		Nonce:       s.Nonce(),
		InFlight:    s.InFlight(),
		NeedsResync: s.needsResync.Load(),
		LastUsed:    s.LastUsed().UTC(),
		CreatedAt:   s.createdAt.UTC(),
	}
}
