package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"

	"github.com/canopy-network/relayx/app/relayer"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	defer cancel()

	app, err := relayer.Initialize(ctx)
	if err != nil {
		log.Fatalf("unable to initialize relayer: %v", err)
	}

	app.Start(ctx)
}
