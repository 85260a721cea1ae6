package pipeline

import (
	"context"
	"time"

	"github.com/couchcryptid/accident-enrichment-service/internal/domain"
)

// enrich looks up the nearest hospital under the enrichment timeout. The
// lookup ignores caller cancellation but stops early if Drain abandons it.
func (p *Pipeline) enrich(ctx context.Context, event domain.AccidentEvent) domain.Hospital {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.enrichTimeout)
	defer cancel()
	stop := context.AfterFunc(p.abandonCtx, cancel)
	defer stop()

	start := time.Now()
	hospital, outcome := domain.LookupNearestHospital(ctx, p.finder, event, p.logger)
	p.metrics.EnrichmentRequests.WithLabelValues(outcome).Inc()
	if outcome != domain.EnrichmentDisabled {
		p.metrics.EnrichmentDuration.Observe(time.Since(start).Seconds())
	}
	return hospital
}
