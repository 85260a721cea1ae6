package domain

import (
	"context"
	"log/slog"
)

// HospitalFinder looks up the hospital nearest to a coordinate.
type HospitalFinder interface {
	// NearestHospital returns the best match for the coordinate. A zero
	// Hospital with a nil error means the provider had no result.
	NearestHospital(ctx context.Context, lat, lon float64) (Hospital, error)
}

// Enrichment outcomes, also used as metric label values.
const (
	EnrichmentFound    = "found"
	EnrichmentEmpty    = "empty"
	EnrichmentError    = "error"
	EnrichmentDisabled = "disabled"
)

// LookupNearestHospital resolves the hospital for an event. Every failure,
// including a nil finder, degrades to HospitalUnavailable; the returned
// outcome says which case applied.
func LookupNearestHospital(ctx context.Context, finder HospitalFinder, event AccidentEvent, logger *slog.Logger) (Hospital, string) {
	if finder == nil {
		return HospitalUnavailable, EnrichmentDisabled
	}

	h, err := finder.NearestHospital(ctx, event.Latitude, event.Longitude)
	if err != nil {
		logger.Warn("hospital lookup failed",
			"car_id", event.CarID,
			"lat", event.Latitude,
			"lon", event.Longitude,
			"error", err,
		)
		return HospitalUnavailable, EnrichmentError
	}
	if h == (Hospital{}) {
		logger.Info("no hospital found near accident",
			"car_id", event.CarID,
			"lat", event.Latitude,
			"lon", event.Longitude,
		)
		return HospitalUnavailable, EnrichmentEmpty
	}
	return h, EnrichmentFound
}
