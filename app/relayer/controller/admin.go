package controller

import (
	"errors"
	"net/http"

	"github.com/canopy-network/relayx/pkg/keypool"
	"github.com/canopy-network/relayx/pkg/near"
	"github.com/go-jose/go-jose/v4/json"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type scaleRequest struct {
	Count int `json:"count"`
}

type keysResponse struct {
	Stats keypool.Stats      `json:"stats"`
	Keys  []keypool.SlotInfo `json:"keys"`
}

// HandleKeysList returns every slot with its state and nonce.
func (c *Controller) HandleKeysList(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, keysResponse{Stats: c.App.Pool.Stats(), Keys: c.App.Pool.Snapshot()})
}

func readCount(w http.ResponseWriter, r *http.Request) (int, bool) {
	var in scaleRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 4<<10)).Decode(&in); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "bad json"})
		return 0, false
	}
	if in.Count <= 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "count must be positive"})
		return 0, false
	}
	return in.Count, true
}

// scaleStatus maps key pool admin failures.
func scaleStatus(err error) int {
	switch {
	case errors.Is(err, keypool.ErrPoolAtCapacity):
		return http.StatusConflict
	case errors.Is(err, keypool.ErrSlotNotFound):
		return http.StatusNotFound
	default:
		return http.StatusBadGateway
	}
}

func keyStrings(pks []near.PublicKey) []string {
	out := make([]string, len(pks))
	for i, pk := range pks {
		out[i] = pk.String()
	}
	return out
}

// HandleScaleUp adds keys on chain.
func (c *Controller) HandleScaleUp(w http.ResponseWriter, r *http.Request) {
	n, ok := readCount(w, r)
	if !ok {
		return
	}
	added, err := c.App.Pool.ScaleUp(r.Context(), n)
	if err != nil {
		c.App.Logger.Warn("admin scale-up failed", zap.Int("count", n), zap.Error(err))
		writeJSON(w, scaleStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"added": keyStrings(added), "stats": c.App.Pool.Stats()})
}

// HandleScaleDown drains idle keys.
func (c *Controller) HandleScaleDown(w http.ResponseWriter, r *http.Request) {
	n, ok := readCount(w, r)
	if !ok {
		return
	}
	draining, err := c.App.Pool.ScaleDown(r.Context(), n)
	if err != nil {
		c.App.Logger.Warn("admin scale-down failed", zap.Int("count", n), zap.Error(err))
		writeJSON(w, scaleStatus(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"draining": keyStrings(draining), "stats": c.App.Pool.Stats()})
}

// HandleResync reloads one key's nonce from chain.
func (c *Controller) HandleResync(w http.ResponseWriter, r *http.Request) {
	pk, err := near.ParsePublicKey(mux.Vars(r)["publicKey"])
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid public key"})
		return
	}
	if err := c.App.Pool.HandleNonceError(r.Context(), pk); err != nil {
		writeJSON(w, scaleStatus(err), map[string]string{"error": err.Error()})
		return
	}
	for _, info := range c.App.Pool.Snapshot() {
		if info.PublicKey == pk.String() {
			writeJSON(w, http.StatusOK, info)
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"publicKey": pk.String()})
}
