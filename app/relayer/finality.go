package relayer

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/canopy-network/relayx/pkg/near"
	"github.com/canopy-network/relayx/pkg/redis"
	"github.com/canopy-network/relayx/pkg/rpc"
	"go.uber.org/zap"
)

// StatusExpired marks a transaction that stayed unknown to the chain past
// the tracker's max age.
const StatusExpired = "expired"

var errStillPending = errors.New("transaction still pending")

type StatusChecker interface {
	Status(ctx context.Context, hash near.Hash) (*rpc.TxResult, error)
	Forget(hash near.Hash)
}

type OutcomeRecorder interface {
	RecordOutcome(ctx context.Context, txHash, status, detail string) error
}

type EventPublisher interface {
	PublishEvent(ctx context.Context, ev redis.Event)
}

// FinalityTracker follows submitted transactions from the account's stream
// until the chain reports them final or failed.
type FinalityTracker struct {
	account string
	relay   StatusChecker
	journal OutcomeRecorder
	events  EventPublisher
	maxAge  time.Duration
	logger  *zap.Logger
	now     func() time.Time
}

func NewFinalityTracker(account string, relay StatusChecker, journal OutcomeRecorder, events EventPublisher, maxAge time.Duration, logger *zap.Logger) *FinalityTracker {
	if maxAge <= 0 {
		maxAge = 30 * time.Minute
	}
	return &FinalityTracker{
		account: account,
		relay:   relay,
		journal: journal,
		events:  events,
		maxAge:  maxAge,
		logger:  logger.With(zap.String("component", "finality")),
		now:     time.Now,
	}
}

// Run consumes the stream until ctx is done.
func (f *FinalityTracker) Run(ctx context.Context, rc *redis.Client, consumerName string) {
	consumer, err := redis.NewStreamConsumer(rc, redis.StreamConsumerConfig{
		Stream:   redis.TxStream(f.account),
		Group:    "finality",
		Consumer: consumerName,
		Logger:   f.logger,
	})
	if err != nil {
		f.logger.Error("finality tracker disabled", zap.Error(err))
		return
	}
	if err := consumer.Run(ctx, f.Handle); err != nil && !errors.Is(err, context.Canceled) {
		f.logger.Error("finality tracker stopped", zap.Error(err))
	}
}

// Handle settles one stream entry. Returning an error leaves the entry
// pending so it is polled again.
func (f *FinalityTracker) Handle(ctx context.Context, msg redis.Message) error {
	raw := msg.GetString("txHash")
	hash, err := near.ParseHash(raw)
	if err != nil {
		f.logger.Warn("dropping malformed stream entry", zap.String("id", msg.ID), zap.String("txHash", raw))
		return nil
	}

	res, err := f.relay.Status(ctx, hash)
	if err != nil {
		return fmt.Errorf("status %s: %w", hash, err)
	}

	status, detail := string(res.State), res.Value
	if res.State == rpc.TxFailed {
		detail = string(res.Failure)
	}
	if res.State == rpc.TxPending {
		if f.age(msg.ID) < f.maxAge {
			return errStillPending
		}
		status = StatusExpired
	}

	if f.journal != nil {
		if err := f.journal.RecordOutcome(ctx, raw, status, detail); err != nil {
			return err
		}
	}
	if f.events != nil {
		f.events.PublishEvent(ctx, redis.Event{
			Type:      redis.EventTxFinal,
			Account:   f.account,
			TxHash:    raw,
			PublicKey: msg.GetString("publicKey"),
			Status:    status,
			Detail:    detail,
		})
	}
	f.relay.Forget(hash)
	f.logger.Debug("transaction settled", zap.String("txHash", raw), zap.String("status", status))
	return nil
}

// age reads the entry's creation time from its stream id ("<ms>-<seq>").
func (f *FinalityTracker) age(id string) time.Duration {
	ms, _, _ := strings.Cut(id, "-")
	v, err := strconv.ParseInt(ms, 10, 64)
	if err != nil {
		return 0
	}
	return f.now().Sub(time.UnixMilli(v))
}
