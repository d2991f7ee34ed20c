package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"crowdfund/internal/app"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, "crowdfund-scheduler")
	if err != nil {
		zap.NewExample().Fatal("Failed to start scheduler", zap.Error(err))
	}
	defer a.Close()

	stopHTTP := a.Serve(nil)
	defer stopHTTP()

	s := a.Scheduler()
	a.Logger.Info("Scheduler starting", zap.Strings("jobs", s.Names()))
	s.Start(ctx)

	<-ctx.Done()
	a.Logger.Info("Shutting down scheduler, waiting for running jobs...")
	s.Wait()
	a.Logger.Info("Scheduler shutdown complete")
}
