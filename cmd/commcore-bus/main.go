package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/commcore/bus/internal/config"
)

func run() error {
	ctx := context.Background()
	cfg := config.Load()

	app, err := buildApp(cfg)
	if err != nil {
		return err
	}

	if err := app.Start(ctx); err != nil {
		return err
	}

	app.obs.Logger.Info("commcore-bus listening",
		slog.String("grpc_addr", cfg.GRPCAddr),
		slog.String("ws_addr", cfg.WSAddr),
		slog.String("health_endpoint", cfg.GetHealthURL()),
		slog.String("metrics_endpoint", cfg.GetMetricsURL()),
	)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	app.obs.Logger.Info("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return app.Shutdown(shutdownCtx)
}

func main() {
	if err := run(); err != nil {
		panic(err)
	}
}
