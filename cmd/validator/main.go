package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/outpace-network/validatorx/app/validator"
	"go.uber.org/zap"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	app, err := validator.Initialize(ctx)
	if err != nil {
		panic(err)
	}

	// Immediate pass before cron
	if err := app.TickOnce(ctx); err != nil {
		app.Logger.Warn("Initial tick failed", zap.Error(err))
	}

	if err := app.SetupScheduler(ctx); err != nil {
		app.Logger.Fatal("Unable to schedule ticks", zap.Error(err))
	}
	app.StartCron()

	// Follow channel updates from other sentry instances
	app.Watch(ctx)

	app.SetupServer()
	app.Start(ctx)
}
