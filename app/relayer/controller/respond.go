package controller

import (
	"context"
	"errors"
	"net/http"

	"github.com/canopy-network/relayx/pkg/keypool"
	"github.com/canopy-network/relayx/pkg/relay"
	"github.com/canopy-network/relayx/pkg/rpc"
	"github.com/canopy-network/relayx/pkg/signer"
	"github.com/go-jose/go-jose/v4/json"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes the relay error envelope.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "message": message})
}

// statusFor maps relay failures to HTTP statuses. Anything not recognized
// came from the chain side and is reported as a bad gateway. Upstream error
// text carries endpoint URLs, so only fixed messages leave the process.
func statusFor(err error) (int, string) {
	switch {
	case errors.Is(err, relay.ErrInvalidRequest):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, keypool.ErrPoolExhausted):
		return http.StatusServiceUnavailable, "service busy"
	case errors.Is(err, signer.ErrSigningFailed):
		return http.StatusInternalServerError, "signing failed"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "rpc timeout"
	default:
		return http.StatusBadGateway, upstreamMessage(err)
	}
}

// upstreamMessage names the class of a chain-side failure.
func upstreamMessage(err error) string {
	var rpcErr *rpc.Error
	switch {
	case errors.Is(err, relay.ErrNonceConflict), rpc.IsInvalidNonce(err):
		return "nonce conflict"
	case errors.Is(err, rpc.ErrTxFailed):
		return "transaction failed"
	case errors.Is(err, rpc.ErrUnavailable):
		return "rpc unavailable"
	case errors.As(err, &rpcErr):
		return "broadcast rejected"
	default:
		return "upstream error"
	}
}
