package relayer

import (
	"errors"
	"fmt"
	"runtime"
	"time"

	"github.com/canopy-network/relayx/app/relayer/types"
	"github.com/canopy-network/relayx/pkg/keypool"
	"github.com/canopy-network/relayx/pkg/near"
	"github.com/canopy-network/relayx/pkg/utils"
	"github.com/robfig/cron/v3"
)

// cronParser accepts an optional leading seconds field.
var cronParser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// LoadConfig reads the relayer configuration from the environment and
// validates it.
func LoadConfig() (types.Config, error) {
	cfg := types.Config{
		Addr: utils.Env("ADDR", ":3000"),

		AccountID:   utils.Env("NEAR_ACCOUNT_ID", ""),
		ContractID:  utils.Env("NEAR_CONTRACT_ID", ""),
		AdminKey:    utils.Env("NEAR_ADMIN_KEY", ""),
		MethodNames: utils.Dedup(utils.EnvList("NEAR_METHOD_NAMES", []string{"execute"})),
		CallGas:     utils.EnvUint64("NEAR_CALL_GAS", 30_000_000_000_000),

		RPCPrimary:          utils.Env("RPC_PRIMARY_URL", ""),
		RPCFallback:         utils.Env("RPC_FALLBACK_URL", ""),
		RPCTimeout:          utils.EnvDuration("RPC_TIMEOUT", 10*time.Second),
		RPCBreakerThreshold: utils.EnvInt("RPC_BREAKER_THRESHOLD", 5),
		RPCBreakerWindow:    utils.EnvDuration("RPC_BREAKER_WINDOW", 30*time.Second),
		RPCBlockTTL:         utils.EnvDuration("RPC_BLOCK_TTL", 5*time.Second),
		RPCRPS:              utils.EnvInt("RPC_RPS", 200),
		RPCBurst:            utils.EnvInt("RPC_BURST", 400),

		Scaling: keypool.ScalingConfig{
			MinKeys:       utils.EnvInt("POOL_MIN_KEYS", 1),
			MaxKeys:       utils.EnvInt("POOL_MAX_KEYS", 10),
			BatchSize:     utils.EnvInt("POOL_SCALE_BATCH", 5),
			Cooldown:      utils.EnvDuration("POOL_SCALE_COOLDOWN", 60*time.Second),
			IdleThreshold: utils.EnvDuration("POOL_SCALE_DOWN_IDLE", 10*time.Minute),
			ScaleUpLoad:   utils.EnvFloat("POOL_SCALE_UP_LOAD", 0.75),
		},
		AutoscaleCron: utils.Env("POOL_AUTOSCALE_CRON", "*/15 * * * * *"),

		KeyBackend:         utils.Env("KEY_BACKEND", types.KeyBackendLocal),
		KeystoreDir:        utils.Env("KEYSTORE_DIR", "./keys"),
		KeystorePassphrase: utils.Env("KEYSTORE_PASSPHRASE", ""),
		KMSProject:         utils.Env("KMS_PROJECT", ""),
		KMSLocation:        utils.Env("KMS_LOCATION", "global"),
		KMSKeyRing:         utils.Env("KMS_KEY_RING", ""),

		Workers:     utils.EnvInt("WORKERS", 4*runtime.NumCPU()),
		WorkerQueue: utils.EnvInt("WORKER_QUEUE", 1024),

		AdminToken:    utils.Env("ADMIN_TOKEN", "devtoken"),
		AdminUser:     utils.Env("ADMIN_USER", "admin"),
		AdminPassword: utils.Env("ADMIN_PASSWORD", "admin"),
		SessionSecret: utils.Env("SESSION_SECRET", "change-me-please"),

		RedisEnabled:   utils.EnvBool("REDIS_ENABLED", false),
		JournalEnabled: utils.EnvBool("JOURNAL_ENABLED", false),
		JournalDB:      utils.Env("CLICKHOUSE_DATABASE", "relayx"),
	}

	if raw := utils.Env("NEAR_KEY_ALLOWANCE", ""); raw != "" {
		allowance, err := near.ParseBalance(raw)
		if err != nil {
			return cfg, fmt.Errorf("NEAR_KEY_ALLOWANCE: %w", err)
		}
		cfg.Allowance = allowance
	}

	return cfg, validateConfig(cfg)
}

func validateConfig(cfg types.Config) error {
	var errs []error
	if err := near.ValidateAccountID(cfg.AccountID); err != nil {
		errs = append(errs, fmt.Errorf("NEAR_ACCOUNT_ID: %w", err))
	}
	if err := near.ValidateAccountID(cfg.ContractID); err != nil {
		errs = append(errs, fmt.Errorf("NEAR_CONTRACT_ID: %w", err))
	}
	if cfg.AdminKey == "" {
		errs = append(errs, errors.New("NEAR_ADMIN_KEY is required"))
	}
	if cfg.RPCPrimary == "" {
		errs = append(errs, errors.New("RPC_PRIMARY_URL is required"))
	}
	if cfg.Scaling.MinKeys < 0 || cfg.Scaling.MaxKeys < 1 || cfg.Scaling.MinKeys > cfg.Scaling.MaxKeys {
		errs = append(errs, fmt.Errorf("POOL_MIN_KEYS/POOL_MAX_KEYS: invalid bounds %d..%d", cfg.Scaling.MinKeys, cfg.Scaling.MaxKeys))
	}
	if cfg.Scaling.ScaleUpLoad <= 0 {
		errs = append(errs, errors.New("POOL_SCALE_UP_LOAD must be positive"))
	}
	if _, err := cronParser.Parse(cfg.AutoscaleCron); err != nil {
		errs = append(errs, fmt.Errorf("POOL_AUTOSCALE_CRON: %w", err))
	}
	switch cfg.KeyBackend {
	case types.KeyBackendLocal:
		if cfg.KeystorePassphrase == "" {
			errs = append(errs, errors.New("KEYSTORE_PASSPHRASE is required for the local key backend"))
		}
	case types.KeyBackendKMS:
		if cfg.KMSProject == "" || cfg.KMSKeyRing == "" {
			errs = append(errs, errors.New("KMS_PROJECT and KMS_KEY_RING are required for the kms key backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("KEY_BACKEND: unknown backend %q", cfg.KeyBackend))
	}
	return errors.Join(errs...)
}
