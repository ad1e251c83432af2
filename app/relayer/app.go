package relayer

import (
	"context"
	"fmt"
	"os"
	"sync/atomic"
	"time"

	"github.com/canopy-network/relayx/app/relayer/types"
	"github.com/canopy-network/relayx/pkg/db/clickhouse"
	"github.com/canopy-network/relayx/pkg/keypool"
	"github.com/canopy-network/relayx/pkg/keystore"
	"github.com/canopy-network/relayx/pkg/kms"
	"github.com/canopy-network/relayx/pkg/logging"
	"github.com/canopy-network/relayx/pkg/metrics"
	"github.com/canopy-network/relayx/pkg/redis"
	"github.com/canopy-network/relayx/pkg/relay"
	"github.com/canopy-network/relayx/pkg/rpc"
	"github.com/canopy-network/relayx/pkg/signer"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Initialize wires the relayer from the environment.
func Initialize(ctx context.Context) (*types.App, error) {
	logger, err := logging.New("relayer")
	if err != nil {
		// nothing else to do here, we'll just log to stderr'
		panic(err)
	}

	cfg, err := LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	app := &types.App{Config: cfg, Logger: logger}

	var poolRef atomic.Pointer[keypool.Pool]
	app.Metrics = metrics.New(func() metrics.PoolStats {
		p := poolRef.Load()
		if p == nil {
			return metrics.PoolStats{}
		}
		st := p.Stats()
		return metrics.PoolStats{Active: st.Active, Warmup: st.Warmup, Draining: st.Draining, InFlight: st.InFlight}
	})

	rpcClient, err := rpc.New(rpc.Opts{
		PrimaryURL:       cfg.RPCPrimary,
		FallbackURL:      cfg.RPCFallback,
		Timeout:          cfg.RPCTimeout,
		RPS:              cfg.RPCRPS,
		Burst:            cfg.RPCBurst,
		BreakerThreshold: cfg.RPCBreakerThreshold,
		BreakerWindow:    cfg.RPCBreakerWindow,
		BlockTTL:         cfg.RPCBlockTTL,
		Logger:           logger,
		Hooks: rpc.Hooks{
			OnFailover:      app.Metrics.RPCFailovers.Inc,
			OnEndpointError: func(ep string, _ error) { app.Metrics.RPCErrors.WithLabelValues(ep).Inc() },
		},
	})
	if err != nil {
		return nil, err
	}
	app.Chain = rpcClient

	adminSigner, err := signer.ParseLocal(cfg.AdminKey)
	if err != nil {
		return nil, fmt.Errorf("NEAR_ADMIN_KEY: %w", err)
	}

	// Redis is optional: events, the cross-replica admin lock and the
	// finality tracker are skipped without it.
	if cfg.RedisEnabled {
		app.RedisClient, err = redis.NewClient(ctx, logger)
		if err != nil {
			logger.Warn("Failed to initialize Redis client - events, admin lock and finality tracking disabled", zap.Error(err))
			app.RedisClient = nil
		} else {
			app.Closers = append(app.Closers, app.RedisClient.Close)
		}
	} else {
		logger.Info("Redis disabled - events, admin lock and finality tracking will not be available")
	}

	var journal *clickhouse.Journal
	if cfg.JournalEnabled {
		ch, err := clickhouse.New(ctx, logger, cfg.JournalDB, clickhouse.DefaultPoolConfig())
		if err != nil {
			return nil, fmt.Errorf("journal: %w", err)
		}
		journal = clickhouse.NewJournal(ch, logger)
		if err := journal.InitSchema(ctx); err != nil {
			_ = ch.Close()
			return nil, err
		}
		app.Journal = journal
		app.Closers = append(app.Closers, ch.Close)
	}

	var (
		provider kms.Provider
		factory  signer.Factory
	)
	switch cfg.KeyBackend {
	case types.KeyBackendKMS:
		g, err := kms.NewGoogle(ctx, logger, kms.GoogleConfig{Project: cfg.KMSProject, Location: cfg.KMSLocation, Ring: cfg.KMSKeyRing})
		if err != nil {
			return nil, err
		}
		if err := g.HealthCheck(ctx); err != nil {
			return nil, fmt.Errorf("kms: %w", err)
		}
		provider = g
		factory = signer.RemoteFactory{
			Provider:      g,
			Spec:          kms.KeySpec{Project: cfg.KMSProject, Location: cfg.KMSLocation, Ring: cfg.KMSKeyRing},
			OwningAccount: cfg.AccountID,
		}
	default:
		factory = signer.LocalFactory{}
	}

	store, err := keystore.Open(keystore.Options{
		Dir:        cfg.KeystoreDir,
		Account:    cfg.AccountID,
		Passphrase: cfg.KeystorePassphrase,
		Provider:   provider,
		Logger:     logger,
	})
	if err != nil {
		return nil, err
	}

	sink := newEventSink(cfg.AccountID, app.Metrics, journal, app.RedisClient, logger)

	poolOpts := keypool.Options{
		AccountID:   cfg.AccountID,
		ContractID:  cfg.ContractID,
		AdminSigner: adminSigner,
		Factory:     factory,
		Chain:       rpcClient,
		Store:       store,
		Scaling:     cfg.Scaling,
		Permission:  keypool.Permission{MethodNames: cfg.MethodNames, Allowance: cfg.Allowance},
		Hooks:       keypool.Hooks{OnKeyEvent: sink.keyEvent},
		Logger:      logger,
	}
	if app.RedisClient != nil {
		poolOpts.Locker = app.RedisClient.NewLock(cfg.AccountID, 2*time.Minute)
	}
	pool, err := keypool.New(poolOpts)
	if err != nil {
		return nil, err
	}
	poolRef.Store(pool)
	app.Pool = pool

	relaySvc, err := relay.New(relay.Options{
		AccountID:  cfg.AccountID,
		ContractID: cfg.ContractID,
		Method:     cfg.MethodNames[0],
		Gas:        cfg.CallGas,
		Pool:       pool,
		Chain:      rpcClient,
		Hooks: relay.Hooks{
			OnRequest:    sink.request,
			OnSubmitted:  sink.submitted,
			OnNonceRetry: sink.nonceRetry,
			OnFailed:     sink.failed,
		},
		Logger:    logger,
		Workers:   cfg.Workers,
		QueueSize: cfg.WorkerQueue,
	})
	if err != nil {
		return nil, err
	}
	app.Relay = relaySvc
	// Closers run in order: drain requests before the pool and the sinks go away.
	app.Closers = append([]func() error{
		func() error { relaySvc.Close(); return nil },
		sink.Close,
		func() error { pool.Close(); return nil },
	}, app.Closers...)

	// A failed bootstrap leaves the pool short; the autoscaler keeps topping
	// it up to MinKeys and /ready reports 503 until a key is Active.
	if err := pool.Bootstrap(ctx); err != nil {
		logger.Error("Key pool bootstrap incomplete", zap.Error(err))
	}

	autoscaler := NewAutoscaler(pool, cfg.Scaling, app.Metrics, logger)
	app.Cron = cron.New(cron.WithParser(cronParser), cron.WithChain(cron.Recover(cron.DefaultLogger)))
	if err := autoscaler.Schedule(ctx, app.Cron, cfg.AutoscaleCron); err != nil {
		return nil, err
	}
	// Without the finality tracker nothing else forgets submissions.
	if _, err := app.Cron.AddFunc("@every 1m", func() {
		if n := relaySvc.Prune(); n > 0 {
			logger.Debug("pruned tracked submissions", zap.Int("count", n))
		}
	}); err != nil {
		return nil, err
	}

	if app.RedisClient != nil {
		var recorder OutcomeRecorder
		if journal != nil {
			recorder = journal
		}
		tracker := NewFinalityTracker(cfg.AccountID, relaySvc, recorder, app.RedisClient, 0, logger)
		consumerName, _ := os.Hostname()
		if consumerName == "" {
			consumerName = "relayer"
		}
		rc := app.RedisClient
		app.Workers = append(app.Workers, func(ctx context.Context) { tracker.Run(ctx, rc, consumerName) })
	}

	if err := NewServer(app); err != nil {
		return nil, err
	}
	app.SetReady(true)
	return app, nil
}
