package controller

import (
	"context"
	"net/http"
	"time"

	"github.com/canopy-network/relayx/pkg/keypool"
	"go.uber.org/zap"
)

type healthResponse struct {
	Status  string        `json:"status"`
	Message string        `json:"message,omitempty"`
	Pool    keypool.Stats `json:"pool"`
}

// HandleHealth probes the RPC endpoints and reports pool stats.
func (c *Controller) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	out := healthResponse{Pool: c.App.Pool.Stats()}
	health, err := c.App.Chain.HealthCheck(ctx)
	if err != nil {
		c.App.Logger.Warn("health check failed", zap.Error(err))
		out.Status, out.Message = "error", upstreamMessage(err)
		writeJSON(w, http.StatusServiceUnavailable, out)
		return
	}
	out.Status = string(health)
	writeJSON(w, http.StatusOK, out)
}

// HandleReady is 200 once the app is initialized and at least one key can sign.
func (c *Controller) HandleReady(w http.ResponseWriter, _ *http.Request) {
	if c.App.Ready() && c.App.Pool.Stats().Active > 0 {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusServiceUnavailable)
}
