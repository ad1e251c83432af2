package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/canopy-network/relayx/app/relayer/types"
	"github.com/canopy-network/relayx/pkg/db/clickhouse"
	"github.com/canopy-network/relayx/pkg/keypool"
	"github.com/canopy-network/relayx/pkg/metrics"
	"github.com/canopy-network/relayx/pkg/near"
	"github.com/canopy-network/relayx/pkg/relay"
	"github.com/canopy-network/relayx/pkg/rpc"
	"github.com/canopy-network/relayx/pkg/signer"
	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/mux"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type fakeRelay struct {
	result    *relay.Result
	err       error
	status    *rpc.TxResult
	statusErr error
	subs      map[near.Hash]relay.Submission
	bodies    [][]byte
}

func (f *fakeRelay) Execute(_ context.Context, body []byte) (*relay.Result, error) {
	f.bodies = append(f.bodies, body)
	return f.result, f.err
}

func (f *fakeRelay) Status(context.Context, near.Hash) (*rpc.TxResult, error) {
	return f.status, f.statusErr
}

func (f *fakeRelay) Lookup(h near.Hash) (relay.Submission, bool) {
	s, ok := f.subs[h]
	return s, ok
}

type fakePool struct {
	stats     keypool.Stats
	snapshot  []keypool.SlotInfo
	scaled    []int
	scaleErr  error
	resyncErr error
	resynced  []near.PublicKey
}

func (f *fakePool) Stats() keypool.Stats         { return f.stats }
func (f *fakePool) Snapshot() []keypool.SlotInfo { return f.snapshot }

func (f *fakePool) ScaleUp(_ context.Context, n int) ([]near.PublicKey, error) {
	f.scaled = append(f.scaled, n)
	if f.scaleErr != nil {
		return nil, f.scaleErr
	}
	return make([]near.PublicKey, n), nil
}

func (f *fakePool) ScaleDown(_ context.Context, n int) ([]near.PublicKey, error) {
	f.scaled = append(f.scaled, -n)
	if f.scaleErr != nil {
		return nil, f.scaleErr
	}
	return make([]near.PublicKey, n), nil
}

func (f *fakePool) HandleNonceError(_ context.Context, pk near.PublicKey) error {
	f.resynced = append(f.resynced, pk)
	return f.resyncErr
}

type fakeChain struct {
	health rpc.Health
	err    error
}

func (f fakeChain) HealthCheck(context.Context) (rpc.Health, error) { return f.health, f.err }

type fakeJournal struct{ rec *clickhouse.TxRecord }

func (f fakeJournal) GetTx(context.Context, string) (*clickhouse.TxRecord, error) { return f.rec, nil }

type harness struct {
	app    *types.App
	relay  *fakeRelay
	pool   *fakePool
	router *mux.Router
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		relay: &fakeRelay{subs: map[near.Hash]relay.Submission{}},
		pool:  &fakePool{stats: keypool.Stats{Active: 2}},
	}
	h.app = &types.App{
		Config: types.Config{
			AccountID:     "relayer.near",
			AdminToken:    "secret-token",
			AdminUser:     "admin",
			AdminPassword: "hunter2",
			SessionSecret: "session-secret",
		},
		Relay:   h.relay,
		Pool:    h.pool,
		Chain:   fakeChain{health: rpc.HealthOK},
		Metrics: metrics.New(nil),
		Logger:  zaptest.NewLogger(t),
	}
	h.app.SetReady(true)
	router, err := NewController(h.app).NewRouter()
	require.NoError(t, err)
	h.router = router
	return h
}

func (h *harness) do(method, path, body string, header ...string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	WithCORS(h.router).ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestExecuteAccepted(t *testing.T) {
	h := newHarness(t)
	h.relay.result = &relay.Result{Status: "pending", TxHash: "abc"}

	rec := h.do(http.MethodPost, "/execute", `{"action":"mint"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	out := decode(t, rec)
	assert.Equal(t, "pending", out["status"])
	assert.Equal(t, "abc", out["tx_hash"])
	assert.Equal(t, `{"action":"mint"}`, string(h.relay.bodies[0]))
}

func TestExecuteErrorMapping(t *testing.T) {
	tests := []struct {
		name    string
		err     error
		status  int
		message string
	}{
		{"invalid", fmt.Errorf("%w: missing action", relay.ErrInvalidRequest), http.StatusBadRequest, "invalid request: missing action"},
		{"busy", keypool.ErrPoolExhausted, http.StatusServiceUnavailable, "service busy"},
		{"signing", fmt.Errorf("%w: hsm offline", signer.ErrSigningFailed), http.StatusInternalServerError, "signing failed"},
		{"rpc down", rpc.ErrUnavailable, http.StatusBadGateway, "rpc unavailable"},
		{"nonce", fmt.Errorf("%w: %w", relay.ErrNonceConflict, rpc.ErrInvalidNonce), http.StatusBadGateway, "nonce conflict"},
		{"rejected", &rpc.Error{Name: "HANDLER_ERROR", Message: "Expired"}, http.StatusBadGateway, "broadcast rejected"},
		{"timeout", fmt.Errorf("send: %w", context.DeadlineExceeded), http.StatusGatewayTimeout, "rpc timeout"},
		{"other", errors.New("connection reset"), http.StatusBadGateway, "upstream error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			h.relay.err = tt.err
			rec := h.do(http.MethodPost, "/execute", `{"action":"x"}`)
			assert.Equal(t, tt.status, rec.Code)
			out := decode(t, rec)
			assert.Equal(t, "error", out["status"])
			assert.Equal(t, tt.message, out["message"])
		})
	}
}

func TestUpstreamErrorsHideEndpointURLs(t *testing.T) {
	const endpoint = "http://127.0.0.1:1/?apikey=SECRET123"
	dialErr := &url.Error{Op: "Post", URL: endpoint, Err: errors.New("dial tcp 127.0.0.1:1: connect: connection refused")}
	upstream := fmt.Errorf("%w: block: primary: %w", rpc.ErrUnavailable, dialErr)

	h := newHarness(t)
	h.relay.err = upstream
	h.relay.statusErr = upstream
	h.app.Chain = fakeChain{err: upstream}

	var hash near.Hash
	hash[0] = 1
	for _, rec := range []*httptest.ResponseRecorder{
		h.do(http.MethodPost, "/execute", `{"action":"x"}`),
		h.do(http.MethodGet, "/tx/"+hash.String(), ""),
		h.do(http.MethodGet, "/health", ""),
	} {
		assert.NotContains(t, rec.Body.String(), "SECRET123")
		assert.NotContains(t, rec.Body.String(), "127.0.0.1")
		assert.Equal(t, "rpc unavailable", decode(t, rec)["message"])
	}
}

func TestExecuteRejectsOversizedBody(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodPost, "/execute", `{"action":"`+strings.Repeat("a", maxBodyBytes)+`"}`)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Empty(t, h.relay.bodies)
}

func TestTxStatus(t *testing.T) {
	h := newHarness(t)
	var hash near.Hash
	hash[0] = 7
	var pk near.PublicKey
	pk[0] = 9
	h.relay.status = &rpc.TxResult{State: rpc.TxFinal, Value: "ok"}
	h.relay.subs[hash] = relay.Submission{TxHash: hash, PublicKey: pk, Nonce: 12, Action: "mint", Attempts: 1, SubmittedAt: time.Unix(100, 0).UTC()}
	h.app.Journal = fakeJournal{rec: &clickhouse.TxRecord{TxHash: hash.String(), Status: "final"}}

	rec := h.do(http.MethodGet, "/tx/"+hash.String(), "")
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	out := decode(t, rec)
	assert.Equal(t, "final", out["status"])
	assert.Equal(t, "ok", out["value"])
	sub := out["submission"].(map[string]any)
	assert.Equal(t, pk.String(), sub["publicKey"])
	assert.Equal(t, float64(12), sub["nonce"])
	assert.Equal(t, "final", out["journal"].(map[string]any)["status"])

	rec = h.do(http.MethodGet, "/tx/not-a-hash!", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	h.relay.statusErr = rpc.ErrUnavailable
	rec = h.do(http.MethodGet, "/tx/"+hash.String(), "")
	assert.Equal(t, http.StatusBadGateway, rec.Code)
}

func TestHealthAndReady(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", decode(t, rec)["status"])

	h.app.Chain = fakeChain{health: rpc.HealthDegraded}
	assert.Equal(t, "degraded", decode(t, h.do(http.MethodGet, "/health", ""))["status"])

	h.app.Chain = fakeChain{err: rpc.ErrUnavailable}
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/health", "").Code)

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/ready", "").Code)
	h.pool.stats = keypool.Stats{Warmup: 1}
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/ready", "").Code)
	h.pool.stats = keypool.Stats{Active: 1}
	h.app.SetReady(false)
	assert.Equal(t, http.StatusServiceUnavailable, h.do(http.MethodGet, "/ready", "").Code)
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.app.Metrics.TxTotal.Inc()
	rec := h.do(http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "relayx_tx_total 1")
}

func TestAdminRequiresAuth(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/admin/keys", "").Code)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/admin/keys", "", "Authorization", "Bearer wrong").Code)
	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/admin/keys", "", "Authorization", "Bearer secret-token").Code)
}

func TestAdminLoginIssuesUsableToken(t *testing.T) {
	h := newHarness(t)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodPost, "/admin/login", `{"username":"admin","password":"nope"}`).Code)

	rec := h.do(http.MethodPost, "/admin/login", `{"username":"admin","password":"hunter2"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	token := decode(t, rec)["token"].(string)
	require.NotEmpty(t, token)
	require.NotEmpty(t, rec.Result().Cookies())

	assert.Equal(t, http.StatusOK, h.do(http.MethodGet, "/admin/keys", "", "Authorization", "Bearer "+token).Code)

	req := httptest.NewRequest(http.MethodGet, "/admin/keys", nil)
	req.AddCookie(rec.Result().Cookies()[0])
	cookieRec := httptest.NewRecorder()
	h.router.ServeHTTP(cookieRec, req)
	assert.Equal(t, http.StatusOK, cookieRec.Code)
}

func TestAdminRejectsNonAdminRole(t *testing.T) {
	h := newHarness(t)
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "viewer", "role": "viewer", "exp": time.Now().Add(time.Hour).Unix(),
	})
	ss, err := tok.SignedString([]byte("session-secret"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, h.do(http.MethodGet, "/admin/keys", "", "Authorization", "Bearer "+ss).Code)

	other := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"role": "admin", "exp": time.Now().Add(time.Hour).Unix()})
	forged, err := other.SignedString([]byte("another-secret"))
	require.NoError(t, err)
	assert.Equal(t, http.StatusUnauthorized, h.do(http.MethodGet, "/admin/keys", "", "Authorization", "Bearer "+forged).Code)
}

func TestAdminScaling(t *testing.T) {
	h := newHarness(t)
	auth := []string{"Authorization", "Bearer secret-token"}

	rec := h.do(http.MethodPost, "/admin/keys/scale-up", `{"count":3}`, auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["added"], 3)

	rec = h.do(http.MethodPost, "/admin/keys/scale-down", `{"count":2}`, auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, decode(t, rec)["draining"], 2)
	assert.Equal(t, []int{3, -2}, h.pool.scaled)

	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/admin/keys/scale-up", `{"count":0}`, auth...).Code)

	h.pool.scaleErr = keypool.ErrPoolAtCapacity
	assert.Equal(t, http.StatusConflict, h.do(http.MethodPost, "/admin/keys/scale-up", `{"count":1}`, auth...).Code)
	h.pool.scaleErr = fmt.Errorf("%w: rpc down", keypool.ErrAdminBatchFailed)
	assert.Equal(t, http.StatusBadGateway, h.do(http.MethodPost, "/admin/keys/scale-down", `{"count":1}`, auth...).Code)
}

func TestAdminResync(t *testing.T) {
	h := newHarness(t)
	auth := []string{"Authorization", "Bearer secret-token"}
	var pk near.PublicKey
	pk[3] = 1
	h.pool.snapshot = []keypool.SlotInfo{{PublicKey: pk.String(), State: "active", Nonce: 44}}

	rec := h.do(http.MethodPost, "/admin/keys/"+pk.String()+"/resync", "", auth...)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, float64(44), decode(t, rec)["nonce"])
	assert.Equal(t, []near.PublicKey{pk}, h.pool.resynced)

	h.pool.resyncErr = keypool.ErrSlotNotFound
	assert.Equal(t, http.StatusNotFound, h.do(http.MethodPost, "/admin/keys/"+pk.String()+"/resync", "", auth...).Code)
	assert.Equal(t, http.StatusBadRequest, h.do(http.MethodPost, "/admin/keys/garbage/resync", "", auth...).Code)
}

func TestCORSPreflight(t *testing.T) {
	h := newHarness(t)
	rec := h.do(http.MethodOptions, "/execute", "", "Origin", "https://app.example")
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
}
