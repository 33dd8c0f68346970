package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/mosacloud/messages-sub001/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app.App{}
	if err := a.Init(ctx); err != nil {
		log.Fatalf("init failed: %v", err)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.Run(ctx) }()

	select {
	case <-ctx.Done():
		a.Log.Info("shutting down")
	case err := <-errCh:
		if err != nil {
			a.Log.Error("server failed", "error", err)
		}
	}

	if err := a.Close(context.Background()); err != nil {
		a.Log.Error("shutdown incomplete", "error", err)
	}
}
