package controller

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/canopy-network/relayx/pkg/db/clickhouse"
	"github.com/canopy-network/relayx/pkg/near"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

const maxBodyBytes = 1 << 20

// HandleExecute relays one request body as a function call.
func (c *Controller) HandleExecute(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	start := time.Now()
	res, err := c.App.Relay.Execute(r.Context(), body)
	if err != nil {
		status, msg := statusFor(err)
		if status >= http.StatusInternalServerError {
			c.App.Logger.Warn("relay failed", zap.Int("status", status), zap.Error(err))
		}
		writeError(w, status, msg)
		return
	}
	c.App.Metrics.RelayDuration.Observe(time.Since(start).Seconds())
	writeJSON(w, http.StatusAccepted, res)
}

type submissionView struct {
	PublicKey   string    `json:"publicKey"`
	Nonce       uint64    `json:"nonce"`
	Action      string    `json:"action"`
	Attempts    int       `json:"attempts"`
	SubmittedAt time.Time `json:"submittedAt"`
}

type txStatusResponse struct {
	Status     string               `json:"status"`
	TxHash     string               `json:"tx_hash"`
	Value      string               `json:"value,omitempty"`
	Failure    json.RawMessage      `json:"failure,omitempty"`
	Submission *submissionView      `json:"submission,omitempty"`
	Journal    *clickhouse.TxRecord `json:"journal,omitempty"`
}

// HandleTxStatus reports final, failed or pending for a transaction hash.
func (c *Controller) HandleTxStatus(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["hash"]
	hash, err := near.ParseHash(raw)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid transaction hash")
		return
	}

	res, err := c.App.Relay.Status(r.Context(), hash)
	if err != nil {
		status, msg := statusFor(err)
		c.App.Logger.Warn("tx status failed", zap.String("txHash", hash.String()), zap.Error(err))
		writeError(w, status, msg)
		return
	}

	out := txStatusResponse{Status: string(res.State), TxHash: hash.String(), Value: res.Value, Failure: res.Failure}
	if sub, ok := c.App.Relay.Lookup(hash); ok {
		out.Submission = &submissionView{
			PublicKey:   sub.PublicKey.String(),
			Nonce:       sub.Nonce,
			Action:      sub.Action,
			Attempts:    sub.Attempts,
			SubmittedAt: sub.SubmittedAt,
		}
	}
	if c.App.Journal != nil {
		rec, err := c.App.Journal.GetTx(r.Context(), hash.String())
		if err != nil {
			c.App.Logger.Warn("journal lookup failed", zap.String("txHash", hash.String()), zap.Error(err))
		}
		out.Journal = rec
	}
	writeJSON(w, http.StatusOK, out)
}
