// Package service wires the store, hospital finder, pipeline, HTTP server
// and feed subscriber into one process and owns their lifecycle.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"golang.org/x/sync/errgroup"

	httpadapter "github.com/couchcryptid/accident-enrichment-service/internal/adapter/http"
	"github.com/couchcryptid/accident-enrichment-service/internal/config"
	"github.com/couchcryptid/accident-enrichment-service/internal/domain"
	"github.com/couchcryptid/accident-enrichment-service/internal/observability"
	"github.com/couchcryptid/accident-enrichment-service/internal/pipeline"
)

// Store is everything the service needs from persistence.
type Store interface {
	pipeline.Store
	httpadapter.RecordLister
	Close() error
}

// Feed is a subscribe-feed listener.
type Feed interface {
	Run(ctx context.Context) error
	Close() error
}

// FeedFactory builds the feed listener around the pipeline that will handle
// its messages.
type FeedFactory func(p *pipeline.Pipeline) Feed

// Deps are the collaborators New assembles. Finder and NewFeed may be nil.
type Deps struct {
	Config  *config.Config
	Store   Store
	Finder  domain.HospitalFinder
	NewFeed FeedFactory
	Logger  *slog.Logger
	Metrics *observability.Metrics
}

// Service is one running accident-enrichment process: one duplicate filter,
// one store, both intake channels.
type Service struct {
	cfg      *config.Config
	store    Store
	pipeline *pipeline.Pipeline
	server   *httpadapter.Server
	feed     Feed
	logger   *slog.Logger
}

// New assembles a Service from already-built collaborators.
func New(deps Deps) *Service {
	p := pipeline.New(deps.Finder, deps.Store, deps.Logger, deps.Metrics, pipeline.Options{
		EnrichTimeout: deps.Config.SerpAPITimeout,
		StoreTimeout:  deps.Config.StoreTimeout,
	})

	s := &Service{
		cfg:      deps.Config,
		store:    deps.Store,
		pipeline: p,
		server:   httpadapter.NewServer(deps.Config.HTTPAddr, p, deps.Store, p, deps.Logger),
		logger:   deps.Logger,
	}
	if deps.NewFeed != nil {
		s.feed = deps.NewFeed(p)
	}
	return s
}

// Handler exposes the HTTP routes, useful for testing.
func (s *Service) Handler() http.Handler {
	return s.server
}

// Run starts the HTTP server and the feed listener and blocks until ctx is
// cancelled or one of them fails. It then shuts down in order: HTTP, feed,
// pipeline drain, store.
func (s *Service) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		if err := s.server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	if s.feed != nil {
		g.Go(func() error {
			if err := s.feed.Run(gctx); err != nil {
				return fmt.Errorf("%s feed: %w", s.cfg.FeedDriver, err)
			}
			return nil
		})
	} else {
		s.logger.Info("subscribe feed disabled")
	}

	g.Go(func() error {
		<-gctx.Done()
		return s.shutdown()
	})

	return g.Wait()
}

func (s *Service) shutdown() error {
	s.logger.Info("shutting down")
	var errs []error

	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := s.server.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}

	if s.feed != nil {
		if err := s.feed.Close(); err != nil {
			errs = append(errs, fmt.Errorf("feed close: %w", err))
		}
	}

	drainCtx, cancelDrain := context.WithTimeout(context.Background(), s.cfg.DrainTimeout)
	defer cancelDrain()
	if err := s.pipeline.Drain(drainCtx); err != nil {
		// Events still in flight were stored without a hospital.
		s.logger.Warn("pipeline drain incomplete", "error", err)
	}

	if err := s.store.Close(); err != nil {
		errs = append(errs, fmt.Errorf("store close: %w", err))
	}

	s.logger.Info("shutdown complete")
	return errors.Join(errs...)
}
