package relayer

import (
	"net/http"
	"time"

	"github.com/canopy-network/relayx/app/relayer/controller"
	"github.com/canopy-network/relayx/app/relayer/types"
	"go.uber.org/zap"
)

// NewServer builds the HTTP server for app.
func NewServer(app *types.App) error {
	ctler := controller.NewController(app)
	router, err := ctler.NewRouter()
	if err != nil {
		return err
	}

	app.Server = &http.Server{
		Addr:              app.Config.Addr,
		Handler:           controller.WithCORS(router),
		ReadHeaderTimeout: 10 * time.Second,
	}
	app.Logger.Info("Starting server", zap.String("addr", app.Config.Addr))
	return nil
}
