package observability

import (
	"log/slog"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"

	"github.com/couchcryptid/accident-enrichment-service/internal/config"
)

// ServiceName is attached to every log line.
const ServiceName = "accident-enrichment"

// NewLogger builds the process logger from LOG_LEVEL and LOG_FORMAT and
// installs it, tagged with ServiceName, as the slog default.
func NewLogger(cfg *config.Config) *slog.Logger {
	logger := sharedobs.NewLogger(cfg.LogLevel, cfg.LogFormat).With("service", ServiceName)
	slog.SetDefault(logger)
	return logger
}
