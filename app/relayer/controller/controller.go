package controller

import (
	"net/http"

	"github.com/canopy-network/relayx/app/relayer/types"
	"github.com/canopy-network/relayx/pkg/utils"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

type Controller struct {
	App        *types.App
	AdminToken string
	Users      map[string]User
	JWTSecret  []byte
}

// User is an admin login.
type User struct {
	Username string
	Hash     []byte
	Role     string
}

// NewController returns a new controller.
func NewController(app *types.App) *Controller {
	users := map[string]User{}
	if hash, err := utils.HashOrRead(app.Config.AdminPassword); err != nil {
		app.Logger.Error("Admin password unusable, login disabled", zap.Error(err))
	} else {
		users[app.Config.AdminUser] = User{Username: app.Config.AdminUser, Hash: hash, Role: roleAdmin}
	}

	return &Controller{
		App:        app,
		AdminToken: app.Config.AdminToken,
		Users:      users,
		JWTSecret:  []byte(app.Config.SessionSecret),
	}
}

// WithCORS is a middleware that adds CORS headers to the response.
func WithCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Credentials", "true")
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "*")
		}
		w.Header().Set("Vary", "Origin")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		w.Header().Set("Access-Control-Allow-Methods", http.MethodGet+", "+http.MethodPost+", "+http.MethodOptions)

		// Fast-path the preflight
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// NewRouter returns a new router with all the routes defined in this file.
func (c *Controller) NewRouter() (*mux.Router, error) {
	r := mux.NewRouter()

	r.HandleFunc("/execute", c.HandleExecute).Methods(http.MethodPost)
	r.HandleFunc("/tx/{hash}", c.HandleTxStatus).Methods(http.MethodGet)

	r.HandleFunc("/health", c.HandleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", c.HandleReady).Methods(http.MethodGet)
	r.Handle("/metrics", c.App.Metrics.Handler()).Methods(http.MethodGet)

	r.HandleFunc("/admin/login", c.HandleAdminLogin).Methods(http.MethodPost)
	r.HandleFunc("/admin/logout", c.HandleAdminLogout).Methods(http.MethodPost)
	r.Handle("/admin/keys", c.RequireAdmin(http.HandlerFunc(c.HandleKeysList))).Methods(http.MethodGet)
	r.Handle("/admin/keys/scale-up", c.RequireAdmin(http.HandlerFunc(c.HandleScaleUp))).Methods(http.MethodPost)
	r.Handle("/admin/keys/scale-down", c.RequireAdmin(http.HandlerFunc(c.HandleScaleDown))).Methods(http.MethodPost)
	r.Handle("/admin/keys/{publicKey}/resync", c.RequireAdmin(http.HandlerFunc(c.HandleResync))).Methods(http.MethodPost)

	// WebSocket endpoint for live relay events
	r.HandleFunc("/ws", c.HandleWebSocket).Methods(http.MethodGet)

	return r, nil
}
