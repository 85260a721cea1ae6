package http

import (
	"context"
	"html/template"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	httpSwagger "github.com/swaggo/http-swagger"

	"github.com/couchcryptid/accident-enrichment-service/internal/domain"

	_ "github.com/couchcryptid/accident-enrichment-service/internal/adapter/http/docs"
)

// Submitter accepts a report from the HTTP intake channel.
type Submitter interface {
	Submit(ctx context.Context, source string, raw domain.RawReport) (domain.StoredRecord, error)
}

// RecordLister reads back stored accident records, newest first.
type RecordLister interface {
	ListAll(ctx context.Context) ([]domain.StoredRecord, error)
}

// Server exposes the accident intake API, the record listing, and the
// health, readiness, and metrics endpoints.
type Server struct {
	httpServer *http.Server
	intake     Submitter
	lister     RecordLister
	page       *template.Template
	logger     *slog.Logger
}

// NewServer creates an HTTP server with the intake, listing, health and
// metrics routes.
func NewServer(addr string, intake Submitter, lister RecordLister, ready sharedobs.ReadinessChecker, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 15 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		intake: intake,
		lister: lister,
		page:   listingTemplate,
		logger: logger,
	}

	mux.HandleFunc("POST /api/accident", s.handleSubmit)
	mux.HandleFunc("GET /api/accidents", s.handleListJSON)
	mux.HandleFunc("GET /{$}", s.handleListHTML)

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(ready))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.Handle("GET /swagger/", httpSwagger.Handler(
		httpSwagger.URL("/swagger/doc.json"),
	))

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}
