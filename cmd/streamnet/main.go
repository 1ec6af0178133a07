package main

import (
	"context"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/luciancaetano/streamnet/cmd/streamnet/app"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	err := app.Run(ctx, os.Args)
	if err != nil {
		slog.Error("Application failed", "err", err)
		log.Fatal("abort")
	}
}
