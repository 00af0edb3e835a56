package main

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/guildworks/guildflow/pkg/guildflow"
)

func main() {

	//you may do your own logger setup here or use this default one with slog
	guildflow.SetupLogger()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := guildflow.Start(ctx, guildflow.Options{}); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("Engine exited with error", "error", err)
	}
}
