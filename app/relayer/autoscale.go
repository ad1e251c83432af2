package relayer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/canopy-network/relayx/pkg/keypool"
	"github.com/canopy-network/relayx/pkg/metrics"
	"github.com/canopy-network/relayx/pkg/near"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Scaler is the part of the key pool the autoscaler drives.
type Scaler interface {
	Stats() keypool.Stats
	ScaleUp(ctx context.Context, n int) ([]near.PublicKey, error)
	ScaleDown(ctx context.Context, n int) ([]near.PublicKey, error)
	Reap() []near.PublicKey
}

type direction string

const (
	holdSteady direction = "hold"
	scaleUp    direction = "up"
	scaleDown  direction = "down"
)

// Autoscaler resizes the pool on every cron tick from the in-flight load.
type Autoscaler struct {
	pool    Scaler
	cfg     keypool.ScalingConfig
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu         sync.Mutex
	lastChange time.Time
	now        func() time.Time
}

func NewAutoscaler(pool Scaler, cfg keypool.ScalingConfig, m *metrics.Metrics, logger *zap.Logger) *Autoscaler {
	return &Autoscaler{
		pool:    pool,
		cfg:     cfg,
		metrics: m,
		logger:  logger.With(zap.String("component", "autoscaler")),
		now:     time.Now,
	}
}

// decide returns the direction and key count for the current stats.
// Scale-down only starts below half the scale-up load so the pool does not
// flap around the threshold.
func (a *Autoscaler) decide(st keypool.Stats) (direction, int) {
	if missing := a.cfg.MinKeys - (st.Active + st.Warmup); missing > 0 {
		return scaleUp, missing
	}
	if st.Active == 0 {
		return holdSteady, 0
	}
	load := float64(st.InFlight) / float64(st.Active)
	switch {
	case load >= a.cfg.ScaleUpLoad && st.Total() < a.cfg.MaxKeys:
		return scaleUp, min(a.cfg.BatchSize, a.cfg.MaxKeys-st.Total())
	case load < a.cfg.ScaleUpLoad/2 && st.Active > a.cfg.MinKeys:
		return scaleDown, min(a.cfg.BatchSize, st.Active-a.cfg.MinKeys)
	}
	return holdSteady, 0
}

// Tick reaps drained keys and applies at most one scale decision.
func (a *Autoscaler) Tick(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if reaped := a.pool.Reap(); len(reaped) > 0 {
		a.logger.Info("reaped drained keys", zap.Int("count", len(reaped)))
	}

	st := a.pool.Stats()
	dir, n := a.decide(st)
	if dir == holdSteady || n <= 0 {
		return nil
	}

	belowMin := st.Active+st.Warmup < a.cfg.MinKeys
	if !belowMin && a.now().Sub(a.lastChange) < a.cfg.Cooldown {
		a.logger.Debug("scale decision deferred by cooldown",
			zap.String("direction", string(dir)), zap.Int("count", n))
		return nil
	}

	var (
		changed []near.PublicKey
		err     error
	)
	if dir == scaleUp {
		changed, err = a.pool.ScaleUp(ctx, n)
	} else {
		changed, err = a.pool.ScaleDown(ctx, n)
	}

	outcome := "ok"
	switch {
	case errors.Is(err, keypool.ErrPoolAtCapacity):
		outcome, err = "capacity", nil
	case err != nil:
		outcome = "error"
	case len(changed) == 0:
		outcome = "noop"
	default:
		a.lastChange = a.now()
	}
	if a.metrics != nil {
		a.metrics.ScaleDecisions.WithLabelValues(string(dir), outcome).Inc()
	}
	if err != nil {
		return err
	}
	if len(changed) > 0 {
		a.logger.Info("pool resized",
			zap.String("direction", string(dir)),
			zap.Int("keys", len(changed)),
			zap.Float64("inFlight", float64(st.InFlight)),
			zap.Int("active", st.Active))
	}
	return nil
}

// Schedule registers Tick on c with spec (seconds field optional).
func (a *Autoscaler) Schedule(ctx context.Context, c *cron.Cron, spec string) error {
	_, err := c.AddFunc(spec, func() {
		// keep each run bounded
		rctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		defer cancel()
		if err := a.Tick(rctx); err != nil {
			a.logger.Warn("autoscale tick failed", zap.Error(err))
		}
	})
	return err
}
