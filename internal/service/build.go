package service

import (
	"context"
	"fmt"
	"log/slog"

	kafkaadapter "github.com/couchcryptid/accident-enrichment-service/internal/adapter/kafka"
	mqttadapter "github.com/couchcryptid/accident-enrichment-service/internal/adapter/mqtt"
	natsadapter "github.com/couchcryptid/accident-enrichment-service/internal/adapter/nats"
	"github.com/couchcryptid/accident-enrichment-service/internal/adapter/serpapi"
	"github.com/couchcryptid/accident-enrichment-service/internal/adapter/store"
	"github.com/couchcryptid/accident-enrichment-service/internal/config"
	"github.com/couchcryptid/accident-enrichment-service/internal/domain"
	"github.com/couchcryptid/accident-enrichment-service/internal/observability"
	"github.com/couchcryptid/accident-enrichment-service/internal/pipeline"
)

// Build opens the configured store and creates the hospital finder and feed
// listener described by cfg.
func Build(ctx context.Context, cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) (*Service, error) {
	st, err := store.Open(ctx, store.Options{
		Driver:      cfg.StoreDriver,
		DSN:         cfg.StoreDSN,
		PingTimeout: cfg.StoreTimeout,
		Logger:      logger,
	})
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	logger.Info("store opened", "driver", cfg.StoreDriver)

	return New(Deps{
		Config:  cfg,
		Store:   st,
		Finder:  NewFinder(cfg, logger, metrics),
		NewFeed: NewFeedFactory(cfg, logger, metrics),
		Logger:  logger,
		Metrics: metrics,
	}), nil
}

// NewFinder returns the SerpAPI hospital finder, wrapped in a cache when
// SERPAPI_CACHE_SIZE is positive, or nil when lookups are disabled.
func NewFinder(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) domain.HospitalFinder {
	if !cfg.SerpAPIEnabled {
		metrics.EnrichmentEnabled.Set(0)
		logger.Info("hospital lookup disabled")
		return nil
	}
	metrics.EnrichmentEnabled.Set(1)

	client := serpapi.NewClient(cfg.SerpAPIKey, cfg.SerpAPIURL, cfg.SerpAPIQuery, cfg.SerpAPIZoom, cfg.SerpAPITimeout, logger)
	logger.Info("hospital lookup enabled", "timeout", cfg.SerpAPITimeout, "cache_size", cfg.SerpAPICacheSize)
	if cfg.SerpAPICacheSize > 0 {
		return serpapi.NewCachedFinder(client, cfg.SerpAPICacheSize, metrics)
	}
	return client
}

// NewFeedFactory returns the listener constructor for FEED_DRIVER, or nil
// when the feed is disabled.
func NewFeedFactory(cfg *config.Config, logger *slog.Logger, metrics *observability.Metrics) FeedFactory {
	switch cfg.FeedDriver {
	case config.FeedMQTT:
		return func(p *pipeline.Pipeline) Feed { return mqttadapter.NewSubscriber(cfg, p, logger, metrics) }
	case config.FeedKafka:
		return func(p *pipeline.Pipeline) Feed { return kafkaadapter.NewSubscriber(cfg, p, logger, metrics) }
	case config.FeedNATS:
		return func(p *pipeline.Pipeline) Feed { return natsadapter.NewSubscriber(cfg, p, logger, metrics) }
	default:
		return nil
	}
}
