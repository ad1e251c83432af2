package types

import (
	"context"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/canopy-network/relayx/pkg/db/clickhouse"
	"github.com/canopy-network/relayx/pkg/keypool"
	"github.com/canopy-network/relayx/pkg/metrics"
	"github.com/canopy-network/relayx/pkg/near"
	"github.com/canopy-network/relayx/pkg/redis"
	"github.com/canopy-network/relayx/pkg/relay"
	"github.com/canopy-network/relayx/pkg/rpc"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Relayer is the request path used by the HTTP handlers.
type Relayer interface {
	Execute(ctx context.Context, body []byte) (*relay.Result, error)
	Status(ctx context.Context, hash near.Hash) (*rpc.TxResult, error)
	Lookup(hash near.Hash) (relay.Submission, bool)
}

// KeyPool is the admin view of the key pool.
type KeyPool interface {
	Stats() keypool.Stats
	Snapshot() []keypool.SlotInfo
	ScaleUp(ctx context.Context, n int) ([]near.PublicKey, error)
	ScaleDown(ctx context.Context, n int) ([]near.PublicKey, error)
	HandleNonceError(ctx context.Context, pk near.PublicKey) error
}

// Chain is the RPC health probe.
type Chain interface {
	HealthCheck(ctx context.Context) (rpc.Health, error)
}

// Journal reads relayed transactions back.
type Journal interface {
	GetTx(ctx context.Context, txHash string) (*clickhouse.TxRecord, error)
}

type App struct {
	Config Config

	Relay   Relayer
	Pool    KeyPool
	Chain   Chain
	Metrics *metrics.Metrics
	// Journal is nil when JOURNAL_ENABLED is false.
	Journal Journal
	// RedisClient is nil when REDIS_ENABLED is false.
	RedisClient *redis.Client

	Cron *cron.Cron

	// Closers run in order on shutdown, after the server stops.
	Closers []func() error
	// Background loops started with the app and stopped on shutdown.
	Workers []func(ctx context.Context)

	Logger *zap.Logger
	Server *http.Server

	ready atomic.Bool
}

// Ready reports whether Initialize finished.
func (a *App) Ready() bool { return a.ready.Load() }

func (a *App) SetReady(v bool) { a.ready.Store(v) }

// Start serves HTTP, runs the cron and background loops until ctx is done,
// then shuts everything down.
func (a *App) Start(ctx context.Context) {
	loopCtx, stopLoops := context.WithCancel(context.Background())
	done := make(chan struct{}, len(a.Workers))
	for _, w := range a.Workers {
		go func(w func(context.Context)) {
			defer func() { done <- struct{}{} }()
			w(loopCtx)
		}(w)
	}
	if a.Cron != nil {
		a.Cron.Start()
	}

	go func() {
		if err := a.Server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			a.Logger.Error("HTTP server stopped", zap.Error(err))
		}
	}()
	<-ctx.Done()
	a.SetReady(false)

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = a.Server.Shutdown(shutdownCtx)
	if a.Cron != nil {
		<-a.Cron.Stop().Done()
	}
	stopLoops()
	for range a.Workers {
		<-done
	}

	for _, closeFn := range a.Closers {
		if err := closeFn(); err != nil {
			a.Logger.Error("Failed to close resource", zap.Error(err))
		}
	}
	a.Logger.Info("さようなら!")
}
