package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/wilsonzlin/aero/proxy/room-signaling/internal/ui"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	root := newRootCmd()
	if err := root.ExecuteContext(ctx); err != nil {
		ui.PrintError(os.Stderr, err.Error())
		os.Exit(1)
	}
}
