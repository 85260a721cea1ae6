// Command accidentd ingests vehicle accident reports over HTTP and a
// subscribe feed, attaches the nearest hospital and stores them.
//
// @title       Accident Enrichment API
// @version     1.0
// @description Accepts vehicle accident reports, attaches the nearest hospital and stores them.
// @BasePath    /
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/couchcryptid/accident-enrichment-service/internal/config"
	"github.com/couchcryptid/accident-enrichment-service/internal/observability"
	"github.com/couchcryptid/accident-enrichment-service/internal/service"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(cfg)
	metrics := observability.NewMetrics()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	svc, err := service.Build(ctx, cfg, logger, metrics)
	if err != nil {
		logger.Error("failed to start", "error", err)
		os.Exit(1)
	}

	logger.Info("accident enrichment service started",
		"http_addr", cfg.HTTPAddr,
		"feed", cfg.FeedDriver,
		"store", cfg.StoreDriver,
	)
	if err := svc.Run(ctx); err != nil {
		logger.Error("service stopped with error", "error", err)
		os.Exit(1)
	}
}
