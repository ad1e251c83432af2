package relayer

import (
	"context"
	"errors"
	"time"

	"github.com/alitto/pond/v2"
	"github.com/canopy-network/relayx/pkg/db/clickhouse"
	"github.com/canopy-network/relayx/pkg/keypool"
	"github.com/canopy-network/relayx/pkg/metrics"
	"github.com/canopy-network/relayx/pkg/near"
	"github.com/canopy-network/relayx/pkg/redis"
	"github.com/canopy-network/relayx/pkg/relay"
	"github.com/canopy-network/relayx/pkg/rpc"
	"github.com/canopy-network/relayx/pkg/signer"
	"go.uber.org/zap"
)

const sideEffectTimeout = 5 * time.Second

// eventSink fans relay and key lifecycle events out to metrics, the journal
// and Redis. Journal and Redis writes run off the request path.
type eventSink struct {
	account string
	metrics *metrics.Metrics
	journal *clickhouse.Journal
	redis   *redis.Client
	logger  *zap.Logger
	workers pond.Pool
}

func newEventSink(account string, m *metrics.Metrics, j *clickhouse.Journal, rc *redis.Client, logger *zap.Logger) *eventSink {
	return &eventSink{
		account: account,
		metrics: m,
		journal: j,
		redis:   rc,
		logger:  logger.With(zap.String("component", "events")),
		workers: pond.NewPool(4),
	}
}

func (e *eventSink) Close() error {
	e.workers.StopAndWait()
	return nil
}

func (e *eventSink) async(fn func(ctx context.Context)) {
	if e.journal == nil && e.redis == nil {
		return
	}
	e.workers.Submit(func() {
		ctx, cancel := context.WithTimeout(context.Background(), sideEffectTimeout)
		defer cancel()
		fn(ctx)
	})
}

func (e *eventSink) request() {
	e.metrics.TxTotal.Inc()
}

func (e *eventSink) nonceRetry() {
	e.metrics.NonceRetries.Inc()
}

func (e *eventSink) submitted(_ context.Context, s relay.Submission) {
	e.metrics.TxSuccess.Inc()
	e.async(func(ctx context.Context) {
		hash, pk := s.TxHash.String(), s.PublicKey.String()
		if e.journal != nil {
			rec := clickhouse.TxRecord{
				TxHash:    hash,
				PublicKey: pk,
				Nonce:     s.Nonce,
				Action:    s.Action,
				Attempts:  uint8(s.Attempts),
				CreatedAt: s.SubmittedAt,
			}
			if err := e.journal.RecordTx(ctx, rec); err != nil {
				e.logger.Warn("journal write failed", zap.String("txHash", hash), zap.Error(err))
			}
		}
		if e.redis != nil {
			e.redis.PublishEvent(ctx, redis.Event{
				Type:      redis.EventTxSubmitted,
				Account:   e.account,
				TxHash:    hash,
				PublicKey: pk,
				Nonce:     s.Nonce,
				Status:    string(rpc.TxPending),
				At:        s.SubmittedAt,
			})
			e.redis.EnqueueTx(ctx, e.account, hash, pk)
		}
	})
}

func (e *eventSink) failed(err error) {
	e.metrics.TxErrors.WithLabelValues(errorKind(err)).Inc()
}

func (e *eventSink) keyEvent(ev keypool.KeyEvent, pk near.PublicKey, nonce uint64) {
	e.metrics.KeyEvents.WithLabelValues(string(ev)).Inc()
	e.async(func(ctx context.Context) {
		if e.journal != nil {
			if err := e.journal.RecordKeyEvent(ctx, pk.String(), string(ev), nonce); err != nil {
				e.logger.Warn("journal write failed", zap.String("publicKey", pk.String()), zap.Error(err))
			}
		}
		if e.redis != nil {
			e.redis.PublishEvent(ctx, redis.Event{
				Type:      string(ev),
				Account:   e.account,
				PublicKey: pk.String(),
				Nonce:     nonce,
			})
		}
	})
}

// errorKind labels a relay failure for relayx_tx_error_total.
func errorKind(err error) string {
	switch {
	case errors.Is(err, relay.ErrInvalidRequest):
		return "invalid"
	case errors.Is(err, keypool.ErrPoolExhausted):
		return "busy"
	case errors.Is(err, relay.ErrNonceConflict):
		return "nonce"
	case errors.Is(err, signer.ErrSigningFailed):
		return "signing"
	case errors.Is(err, rpc.ErrUnavailable):
		return "rpc_unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "rpc"
	}
}
