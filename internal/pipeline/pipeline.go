package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/couchcryptid/accident-enrichment-service/internal/domain"
	"github.com/couchcryptid/accident-enrichment-service/internal/observability"
)

var (
	// ErrDuplicate is returned by Submit when the report repeats the last
	// accepted one. Nothing is stored.
	ErrDuplicate = errors.New("duplicate report")

	// ErrClosed is returned by Submit once Drain has started.
	ErrClosed = errors.New("pipeline is draining")
)

// Store durably appends enriched accident events.
type Store interface {
	Append(ctx context.Context, event domain.AccidentEvent) (domain.StoredRecord, error)
}

// ReadinessChecker is implemented by stores that can report connectivity.
type ReadinessChecker interface {
	CheckReadiness(ctx context.Context) error
}

// Options bounds the blocking stages of the pipeline.
type Options struct {
	EnrichTimeout time.Duration
	StoreTimeout  time.Duration
}

// Pipeline runs every report, whatever channel it came from, through
// normalize -> duplicate filter -> hospital lookup -> store.
type Pipeline struct {
	finder  domain.HospitalFinder
	store   Store
	filter  *DuplicateFilter
	logger  *slog.Logger
	metrics *observability.Metrics

	enrichTimeout time.Duration
	storeTimeout  time.Duration

	mu       sync.RWMutex
	closed   bool
	inflight sync.WaitGroup

	// abandonCtx is cancelled when Drain runs out of time; in-flight lookups
	// then give up and their events are stored with the sentinel.
	abandonCtx context.Context
	abandon    context.CancelFunc
}

// New creates a Pipeline. A nil finder disables hospital lookups; every
// event is then stored with domain.HospitalUnavailable.
func New(finder domain.HospitalFinder, store Store, logger *slog.Logger, metrics *observability.Metrics, opts Options) *Pipeline {
	if opts.EnrichTimeout <= 0 {
		opts.EnrichTimeout = 5 * time.Second
	}
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	abandonCtx, abandon := context.WithCancel(context.Background())
	metrics.PipelineRunning.Set(1)

	return &Pipeline{
		finder:        finder,
		store:         store,
		filter:        NewDuplicateFilter(),
		logger:        logger,
		metrics:       metrics,
		enrichTimeout: opts.EnrichTimeout,
		storeTimeout:  opts.StoreTimeout,
		abandonCtx:    abandonCtx,
		abandon:       abandon,
	}
}

// Submit processes one report and returns the stored record. Errors are
// *domain.ValidationError, ErrDuplicate, ErrClosed, or an error wrapping
// domain.ErrPersistence. Enrichment failures are never returned.
func (p *Pipeline) Submit(ctx context.Context, source string, raw domain.RawReport) (domain.StoredRecord, error) {
	if !p.enter() {
		return domain.StoredRecord{}, ErrClosed
	}
	defer p.leave()

	p.metrics.ReportsReceived.WithLabelValues(source).Inc()

	event, err := domain.Normalize(raw)
	if err != nil {
		p.metrics.ReportsRejected.WithLabelValues(source).Inc()
		return domain.StoredRecord{}, err
	}

	canonical, err := domain.Canonical(event)
	if err != nil {
		p.metrics.ReportsRejected.WithLabelValues(source).Inc()
		return domain.StoredRecord{}, err
	}
	if !p.filter.Accept(canonical) {
		p.metrics.DuplicatesDropped.WithLabelValues(source).Inc()
		return domain.StoredRecord{}, ErrDuplicate
	}

	hospital := p.enrich(ctx, event)
	event.Hospital = &hospital

	record, err := p.persist(ctx, event)
	if err != nil {
		p.filter.Forget(canonical)
		p.metrics.PersistFailures.WithLabelValues(source).Inc()
		return domain.StoredRecord{}, err
	}

	p.metrics.RecordsStored.WithLabelValues(source).Inc()
	return record, nil
}

// HandleFeedMessage runs a subscribe-feed payload through the pipeline.
// Malformed, invalid and duplicate messages and persistence failures are
// logged and dropped. The only error returned is ErrClosed: the report was
// not processed and the feed must leave it unacknowledged for redelivery.
func (p *Pipeline) HandleFeedMessage(ctx context.Context, source string, payload []byte) error {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while handling feed message", "source", source, "panic", r)
		}
	}()

	raw, err := domain.ParseRawReport(payload)
	if err != nil {
		p.metrics.ReportsReceived.WithLabelValues(source).Inc()
		p.metrics.ReportsRejected.WithLabelValues(source).Inc()
		p.logger.Warn("dropping malformed feed message", "source", source, "error", err)
		return nil
	}

	record, err := p.Submit(ctx, source, raw)
	var verr *domain.ValidationError
	switch {
	case err == nil:
		p.logger.Info("accident stored",
			"source", source,
			"id", record.ID,
			"car_id", record.CarID,
			"hospital_found", record.Hospital != nil && record.Hospital.Available(),
		)
	case errors.Is(err, ErrDuplicate):
		p.logger.Info("duplicate message ignored", "source", source)
	case errors.As(err, &verr):
		p.logger.Warn("dropping invalid feed message", "source", source, "error", err)
	case errors.Is(err, ErrClosed):
		p.logger.Warn("pipeline draining, feed message left for redelivery", "source", source)
		return ErrClosed
	default:
		p.logger.Error("failed to store accident from feed", "source", source, "error", err)
	}
	return nil
}

// Drain stops accepting reports and waits for in-flight ones. If ctx ends
// first, pending hospital lookups are abandoned and Drain keeps waiting until
// those events are stored with the sentinel; it then returns ctx's error.
func (p *Pipeline) Drain(ctx context.Context) error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	p.metrics.PipelineRunning.Set(0)

	done := make(chan struct{})
	go func() {
		p.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
	}

	p.logger.Warn("drain deadline reached, abandoning in-flight hospital lookups")
	p.abandon()
	<-done
	return fmt.Errorf("drain: %w", ctx.Err())
}

// CheckReadiness reports whether the pipeline accepts reports and its store
// is reachable.
func (p *Pipeline) CheckReadiness(ctx context.Context) error {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return ErrClosed
	}
	if rc, ok := p.store.(ReadinessChecker); ok {
		return rc.CheckReadiness(ctx)
	}
	return nil
}

func (p *Pipeline) enter() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return false
	}
	p.inflight.Add(1)
	p.metrics.InFlight.Inc()
	return true
}

func (p *Pipeline) leave() {
	p.metrics.InFlight.Dec()
	p.inflight.Done()
}

// persist appends the event under the store timeout. Caller cancellation is
// ignored so an accepted event is not lost when an HTTP client disconnects.
func (p *Pipeline) persist(ctx context.Context, event domain.AccidentEvent) (domain.StoredRecord, error) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.storeTimeout)
	defer cancel()

	record, err := p.store.Append(ctx, event)
	if err != nil {
		if !errors.Is(err, domain.ErrPersistence) {
			err = fmt.Errorf("%w: %w", domain.ErrPersistence, err)
		}
		return domain.StoredRecord{}, err
	}
	return record, nil
}
