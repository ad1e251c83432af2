package types

import (
	"math/big"
	"time"

	"github.com/canopy-network/relayx/pkg/keypool"
)

// Key backends.
const (
	KeyBackendLocal = "local"
	KeyBackendKMS   = "kms"
)

type Config struct {
	Addr string

	AccountID   string
	ContractID  string
	AdminKey    string
	MethodNames []string
	Allowance   *big.Int
	CallGas     uint64

	RPCPrimary          string
	RPCFallback         string
	RPCTimeout          time.Duration
	RPCBreakerThreshold int
	RPCBreakerWindow    time.Duration
	RPCBlockTTL         time.Duration
	RPCRPS              int
	RPCBurst            int

	Scaling       keypool.ScalingConfig
	AutoscaleCron string

	KeyBackend         string
	KeystoreDir        string
	KeystorePassphrase string
	KMSProject         string
	KMSLocation        string
	KMSKeyRing         string

	Workers     int
	WorkerQueue int

	AdminToken    string
	AdminUser     string
	AdminPassword string
	SessionSecret string

	RedisEnabled   bool
	JournalEnabled bool
	JournalDB      string
}
