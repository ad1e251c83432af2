package relayer

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/canopy-network/relayx/pkg/near"
	"github.com/canopy-network/relayx/pkg/redis"
	"github.com/canopy-network/relayx/pkg/rpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeStatus struct {
	result    *rpc.TxResult
	err       error
	forgotten []near.Hash
}

func (f *fakeStatus) Status(context.Context, near.Hash) (*rpc.TxResult, error) {
	return f.result, f.err
}
func (f *fakeStatus) Forget(h near.Hash) { f.forgotten = append(f.forgotten, h) }

type outcome struct{ hash, status, detail string }

type fakeOutcomes struct{ recorded []outcome }

func (f *fakeOutcomes) RecordOutcome(_ context.Context, hash, status, detail string) error {
	f.recorded = append(f.recorded, outcome{hash, status, detail})
	return nil
}

type fakePublisher struct{ events []redis.Event }

func (f *fakePublisher) PublishEvent(_ context.Context, ev redis.Event) {
	f.events = append(f.events, ev)
}

func newTestTracker(t *testing.T, status *fakeStatus) (*FinalityTracker, *fakeOutcomes, *fakePublisher, time.Time) {
	t.Helper()
	outcomes, pub := &fakeOutcomes{}, &fakePublisher{}
	ft := NewFinalityTracker("relayer.near", status, outcomes, pub, 10*time.Minute, zaptest.NewLogger(t))
	now := time.UnixMilli(1_700_000_000_000)
	ft.now = func() time.Time { return now }
	return ft, outcomes, pub, now
}

func streamMsg(hash near.Hash, at time.Time) redis.Message {
	return redis.Message{
		ID:     fmt.Sprintf("%d-0", at.UnixMilli()),
		Values: map[string]interface{}{"txHash": hash.String(), "publicKey": "ed25519:pk"},
	}
}

func TestFinalitySettlesFinalTx(t *testing.T) {
	status := &fakeStatus{result: &rpc.TxResult{State: rpc.TxFinal, Value: "42"}}
	ft, outcomes, pub, now := newTestTracker(t, status)
	var hash near.Hash
	hash[0] = 1

	require.NoError(t, ft.Handle(context.Background(), streamMsg(hash, now)))
	require.Len(t, outcomes.recorded, 1)
	assert.Equal(t, outcome{hash.String(), "final", "42"}, outcomes.recorded[0])
	require.Len(t, pub.events, 1)
	assert.Equal(t, redis.EventTxFinal, pub.events[0].Type)
	assert.Equal(t, "ed25519:pk", pub.events[0].PublicKey)
	assert.Equal(t, []near.Hash{hash}, status.forgotten)
}

func TestFinalityRecordsFailureDetail(t *testing.T) {
	status := &fakeStatus{result: &rpc.TxResult{State: rpc.TxFailed, Failure: []byte(`{"ActionError":{}}`)}}
	ft, outcomes, _, now := newTestTracker(t, status)
	var hash near.Hash
	hash[0] = 2

	require.NoError(t, ft.Handle(context.Background(), streamMsg(hash, now)))
	assert.Equal(t, outcome{hash.String(), "failed", `{"ActionError":{}}`}, outcomes.recorded[0])
}

func TestFinalityLeavesPendingUntilMaxAge(t *testing.T) {
	status := &fakeStatus{result: &rpc.TxResult{State: rpc.TxPending}}
	ft, outcomes, pub, now := newTestTracker(t, status)
	var hash near.Hash
	hash[0] = 3

	err := ft.Handle(context.Background(), streamMsg(hash, now.Add(-time.Minute)))
	require.ErrorIs(t, err, errStillPending)
	assert.Empty(t, outcomes.recorded)
	assert.Empty(t, pub.events)

	require.NoError(t, ft.Handle(context.Background(), streamMsg(hash, now.Add(-time.Hour))))
	assert.Equal(t, StatusExpired, outcomes.recorded[0].status)
}

func TestFinalityKeepsEntryOnRPCError(t *testing.T) {
	status := &fakeStatus{err: rpc.ErrUnavailable}
	ft, outcomes, _, now := newTestTracker(t, status)
	var hash near.Hash
	hash[0] = 4

	require.ErrorIs(t, ft.Handle(context.Background(), streamMsg(hash, now)), rpc.ErrUnavailable)
	assert.Empty(t, outcomes.recorded)
	assert.Empty(t, status.forgotten)
}

func TestFinalityDropsMalformedEntries(t *testing.T) {
	ft, outcomes, _, _ := newTestTracker(t, &fakeStatus{})
	msg := redis.Message{ID: "1-0", Values: map[string]interface{}{"txHash": "???"}}
	require.NoError(t, ft.Handle(context.Background(), msg))
	assert.Empty(t, outcomes.recorded)
}
