// Package store persists enriched accident events with gorm, on SQLite by
// default or PostgreSQL.
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jonboulle/clockwork"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/couchcryptid/accident-enrichment-service/internal/domain"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Options configures Open.
type Options struct {
	Driver      string
	DSN         string
	PingTimeout time.Duration
	Clock       clockwork.Clock
	Logger      *slog.Logger
}

// Store is an append-only table of accident records.
type Store struct {
	db     *gorm.DB
	clock  clockwork.Clock
	logger *slog.Logger
}

// Open connects to the database, verifies it is reachable and creates the
// accidents table if it does not exist.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.DSN == "" {
		return nil, errors.New("store dsn is required")
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.PingTimeout <= 0 {
		opts.PingTimeout = 5 * time.Second
	}

	var dialector gorm.Dialector
	switch opts.Driver {
	case DriverSQLite, "":
		dialector = sqlite.Open(opts.DSN)
	case DriverPostgres:
		dialector = postgres.Open(opts.DSN)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", opts.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", opts.Driver, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("resolve sql db handle: %w", err)
	}
	if opts.Driver != DriverPostgres {
		// SQLite allows one writer at a time.
		sqlDB.SetMaxOpenConns(1)
	}

	pingCtx, cancel := context.WithTimeout(ctx, opts.PingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping %s: %w", opts.Driver, err)
	}

	if err := db.WithContext(ctx).AutoMigrate(&accidentModel{}); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("migrate accidents table: %w", err)
	}

	return &Store{db: db, clock: opts.Clock, logger: opts.Logger}, nil
}

// Append stores event as a new row and returns the stored record. Failures
// wrap domain.ErrPersistence.
func (s *Store) Append(ctx context.Context, event domain.AccidentEvent) (domain.StoredRecord, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return domain.StoredRecord{}, fmt.Errorf("%w: generate id: %w", domain.ErrPersistence, err)
	}

	row := accidentModelFromEvent(id.String(), event, s.clock.Now().UTC())
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return domain.StoredRecord{}, fmt.Errorf("%w: %w", domain.ErrPersistence, s.logError("accident_store_append_failed", err,
			"car_id", event.CarID,
		))
	}
	return row.toEntity(), nil
}

// ListAll returns every stored record, newest observation first.
func (s *Store) ListAll(ctx context.Context) ([]domain.StoredRecord, error) {
	var rows []accidentModel
	err := s.db.WithContext(ctx).
		Order("observed_at DESC").
		Order("stored_at DESC").
		Order("id DESC").
		Find(&rows).
		Error
	if err != nil {
		return nil, fmt.Errorf("%w: %w", domain.ErrPersistence, s.logError("accident_store_list_failed", err))
	}

	records := make([]domain.StoredRecord, 0, len(rows))
	for _, row := range rows {
		records = append(records, row.toEntity())
	}
	return records, nil
}

// CheckReadiness pings the database.
func (s *Store) CheckReadiness(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the database handle.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) logError(event string, err error, attrs ...any) error {
	fields := make([]any, 0, len(attrs)+6)
	fields = append(fields,
		"event", event,
		"error", err.Error(),
	)
	if code := sqlState(err); code != "" {
		fields = append(fields, "sqlstate", code)
	}
	fields = append(fields, attrs...)
	s.logger.Error("accident store operation failed", fields...)
	return err
}

// sqlState returns the PostgreSQL error code, if err carries one.
func sqlState(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
