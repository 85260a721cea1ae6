package pipeline_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/couchcryptid/accident-enrichment-service/internal/domain"
	"github.com/couchcryptid/accident-enrichment-service/internal/observability"
	"github.com/couchcryptid/accident-enrichment-service/internal/pipeline"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	sourceHTTP = "http"
	sourceMQTT = "mqtt"

	reportT1 = `{"car_id":"V1","latitude":37.77,"longitude":-122.41,"timestamp":"2024-04-26 15:10:00"}`
	reportT2 = `{"car_id":"V1","latitude":37.77,"longitude":-122.41,"timestamp":"2024-04-26 15:10:01"}`
)

// --- mocks ---

type memStore struct {
	mu      sync.Mutex
	records []domain.StoredRecord
	err     error
}

func (m *memStore) Append(_ context.Context, event domain.AccidentEvent) (domain.StoredRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return domain.StoredRecord{}, m.err
	}
	rec := domain.StoredRecord{ID: time.Now().String(), StoredAt: time.Now(), AccidentEvent: event}
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *memStore) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.err = err
}

func (m *memStore) all() []domain.StoredRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.StoredRecord(nil), m.records...)
}

type stubFinder struct {
	hospital domain.Hospital
	err      error
}

func (s *stubFinder) NearestHospital(_ context.Context, _, _ float64) (domain.Hospital, error) {
	return s.hospital, s.err
}

// blockingFinder blocks until released or until its context ends.
type blockingFinder struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func newBlockingFinder() *blockingFinder {
	return &blockingFinder{started: make(chan struct{}), release: make(chan struct{})}
}

func (b *blockingFinder) NearestHospital(ctx context.Context, _, _ float64) (domain.Hospital, error) {
	b.once.Do(func() { close(b.started) })
	select {
	case <-b.release:
		return testHospital, nil
	case <-ctx.Done():
		return domain.Hospital{}, ctx.Err()
	}
}

var testHospital = domain.Hospital{Name: "SF General", Address: "1001 Potrero Ave", Phone: "(628) 206-8000"}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestPipeline(finder domain.HospitalFinder, store pipeline.Store) (*pipeline.Pipeline, *observability.Metrics) {
	metrics := observability.NewMetricsForTesting()
	p := pipeline.New(finder, store, discardLogger(), metrics, pipeline.Options{
		EnrichTimeout: time.Second,
		StoreTimeout:  time.Second,
	})
	return p, metrics
}

func rawReport(t *testing.T, payload string) domain.RawReport {
	t.Helper()
	raw, err := domain.ParseRawReport([]byte(payload))
	require.NoError(t, err)
	return raw
}

// --- tests ---

func TestPipeline_Submit_HappyPath(t *testing.T) {
	store := &memStore{}
	p, metrics := newTestPipeline(&stubFinder{hospital: testHospital}, store)

	rec, err := p.Submit(context.Background(), sourceHTTP, rawReport(t, reportT1))
	require.NoError(t, err)

	assert.Equal(t, "V1", rec.CarID)
	require.NotNil(t, rec.Hospital)
	assert.Equal(t, testHospital, *rec.Hospital)
	assert.Len(t, store.all(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.RecordsStored.WithLabelValues(sourceHTTP)))
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EnrichmentRequests.WithLabelValues(domain.EnrichmentFound)))
}

func TestPipeline_Submit_DuplicateSuppressed(t *testing.T) {
	store := &memStore{}
	p, metrics := newTestPipeline(nil, store)

	_, err := p.Submit(context.Background(), sourceMQTT, rawReport(t, reportT1))
	require.NoError(t, err)

	_, err = p.Submit(context.Background(), sourceMQTT, rawReport(t, reportT1))
	require.ErrorIs(t, err, pipeline.ErrDuplicate)

	assert.Len(t, store.all(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.DuplicatesDropped.WithLabelValues(sourceMQTT)))
}

func TestPipeline_Submit_DistinctTimestamps(t *testing.T) {
	store := &memStore{}
	p, _ := newTestPipeline(nil, store)

	_, err := p.Submit(context.Background(), sourceMQTT, rawReport(t, reportT1))
	require.NoError(t, err)
	_, err = p.Submit(context.Background(), sourceMQTT, rawReport(t, reportT2))
	require.NoError(t, err)

	assert.Len(t, store.all(), 2)
}

func TestPipeline_Submit_OnlyBackToBackIsDuplicate(t *testing.T) {
	store := &memStore{}
	p, _ := newTestPipeline(nil, store)
	ctx := context.Background()

	for _, payload := range []string{reportT1, reportT2, reportT1} {
		_, err := p.Submit(ctx, sourceMQTT, rawReport(t, payload))
		require.NoError(t, err)
	}
	assert.Len(t, store.all(), 3)
}

func TestPipeline_Submit_DuplicateAcrossChannels(t *testing.T) {
	store := &memStore{}
	p, _ := newTestPipeline(nil, store)

	_, err := p.Submit(context.Background(), sourceHTTP, rawReport(t, reportT1))
	require.NoError(t, err)

	p.HandleFeedMessage(context.Background(), sourceMQTT, []byte(reportT1))

	assert.Len(t, store.all(), 1)
}

func TestPipeline_Submit_AssignedTimestampIsPartOfIdentity(t *testing.T) {
	fake := clockwork.NewFakeClockAt(time.Date(2024, time.April, 26, 15, 10, 0, 0, time.UTC))
	domain.SetClock(fake)
	t.Cleanup(func() { domain.SetClock(nil) })

	store := &memStore{}
	p, _ := newTestPipeline(nil, store)
	payload := `{"car_id":"V1","latitude":37.77,"longitude":-122.41}`

	_, err := p.Submit(context.Background(), sourceHTTP, rawReport(t, payload))
	require.NoError(t, err)

	// Same second: identical canonical form.
	p.HandleFeedMessage(context.Background(), sourceMQTT, []byte(payload))
	assert.Len(t, store.all(), 1)

	// A later second makes it a new accident.
	fake.Advance(2 * time.Second)
	p.HandleFeedMessage(context.Background(), sourceMQTT, []byte(payload))
	assert.Len(t, store.all(), 2)
}

func TestPipeline_Submit_ValidationError(t *testing.T) {
	store := &memStore{}
	p, metrics := newTestPipeline(nil, store)

	_, err := p.Submit(context.Background(), sourceHTTP, rawReport(t, `{"car_id":"V1","longitude":-122.41}`))

	var verr *domain.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "latitude", verr.Field)
	assert.Empty(t, store.all())
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.ReportsRejected.WithLabelValues(sourceHTTP)))
}

func TestPipeline_Submit_EnrichmentUnavailable(t *testing.T) {
	store := &memStore{}
	p, metrics := newTestPipeline(&stubFinder{err: errors.New("dial tcp: connection refused")}, store)

	rec, err := p.Submit(context.Background(), sourceHTTP, rawReport(t, reportT1))
	require.NoError(t, err)

	require.NotNil(t, rec.Hospital)
	assert.Equal(t, domain.HospitalUnavailable, *rec.Hospital)
	assert.Len(t, store.all(), 1)
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.EnrichmentRequests.WithLabelValues(domain.EnrichmentError)))
}

func TestPipeline_Submit_NilFinderStoresSentinel(t *testing.T) {
	store := &memStore{}
	p, _ := newTestPipeline(nil, store)

	rec, err := p.Submit(context.Background(), sourceHTTP, rawReport(t, reportT1))
	require.NoError(t, err)
	assert.Equal(t, domain.HospitalUnavailable, *rec.Hospital)
}

func TestPipeline_Submit_EnrichmentIgnoresCallerCancellation(t *testing.T) {
	store := &memStore{}
	p, _ := newTestPipeline(&stubFinder{hospital: testHospital}, store)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rec, err := p.Submit(ctx, sourceHTTP, rawReport(t, reportT1))
	require.NoError(t, err)
	assert.Equal(t, testHospital, *rec.Hospital)
}

func TestPipeline_Submit_PersistenceFailure(t *testing.T) {
	store := &memStore{err: errors.New("disk full")}
	p, metrics := newTestPipeline(nil, store)

	_, err := p.Submit(context.Background(), sourceMQTT, rawReport(t, reportT1))
	require.ErrorIs(t, err, domain.ErrPersistence)
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.PersistFailures.WithLabelValues(sourceMQTT)))

	// A redelivery after the failure is not treated as a duplicate.
	store.setErr(nil)
	_, err = p.Submit(context.Background(), sourceMQTT, rawReport(t, reportT1))
	require.NoError(t, err)
	assert.Len(t, store.all(), 1)
}

func TestPipeline_Submit_ConcurrentDuplicates(t *testing.T) {
	store := &memStore{}
	p, _ := newTestPipeline(nil, store)

	const workers = 32
	raw := rawReport(t, reportT1)
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(source string) {
			defer wg.Done()
			_, err := p.Submit(context.Background(), source, raw)
			errs <- err
		}([]string{sourceHTTP, sourceMQTT}[i%2])
	}
	wg.Wait()
	close(errs)

	var stored, dropped int
	for err := range errs {
		switch {
		case err == nil:
			stored++
		case errors.Is(err, pipeline.ErrDuplicate):
			dropped++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, stored)
	assert.Equal(t, workers-1, dropped)
	assert.Len(t, store.all(), 1)
}

func TestPipeline_HandleFeedMessage_Malformed(t *testing.T) {
	store := &memStore{}
	p, metrics := newTestPipeline(nil, store)

	for _, payload := range []string{"", "not-json{{{", `{"car_id":"V1","longitude":1}`, `{"car_id":"V1","latitude":"x","longitude":1}`} {
		assert.NotPanics(t, func() {
			assert.NoError(t, p.HandleFeedMessage(context.Background(), sourceMQTT, []byte(payload)))
		})
	}

	assert.Empty(t, store.all())
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.ReportsRejected.WithLabelValues(sourceMQTT)))
}

func TestPipeline_HandleFeedMessage_Redelivery(t *testing.T) {
	store := &memStore{}
	p, _ := newTestPipeline(nil, store)

	require.NoError(t, p.HandleFeedMessage(context.Background(), sourceMQTT, []byte(reportT1)))
	require.NoError(t, p.HandleFeedMessage(context.Background(), sourceMQTT, []byte(reportT1)), "duplicates are consumed")

	assert.Len(t, store.all(), 1)
}

func TestPipeline_HandleFeedMessage_PersistenceFailureDropped(t *testing.T) {
	store := &memStore{err: errors.New("database is locked")}
	p, _ := newTestPipeline(nil, store)

	assert.NotPanics(t, func() {
		assert.NoError(t, p.HandleFeedMessage(context.Background(), sourceMQTT, []byte(reportT1)))
	})
	assert.Empty(t, store.all())
}

func TestPipeline_HandleFeedMessage_WhileDrainingIsNotConsumed(t *testing.T) {
	store := &memStore{}
	p, _ := newTestPipeline(nil, store)
	require.NoError(t, p.Drain(context.Background()))

	err := p.HandleFeedMessage(context.Background(), sourceMQTT, []byte(reportT1))

	require.ErrorIs(t, err, pipeline.ErrClosed)
	assert.Empty(t, store.all())
}

func TestPipeline_Drain_WaitsForInFlight(t *testing.T) {
	store := &memStore{}
	finder := newBlockingFinder()
	p, _ := newTestPipeline(finder, store)

	submitted := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), sourceHTTP, rawReport(t, reportT1))
		submitted <- err
	}()
	<-finder.started

	drained := make(chan error, 1)
	go func() { drained <- p.Drain(context.Background()) }()

	select {
	case <-drained:
		t.Fatal("drain returned while a report was in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(finder.release)
	require.NoError(t, <-submitted)
	require.NoError(t, <-drained)

	records := store.all()
	require.Len(t, records, 1)
	assert.Equal(t, testHospital, *records[0].Hospital)
}

func TestPipeline_Drain_AbandonsEnrichmentAfterGrace(t *testing.T) {
	store := &memStore{}
	finder := newBlockingFinder()
	metrics := observability.NewMetricsForTesting()
	p := pipeline.New(finder, store, discardLogger(), metrics, pipeline.Options{
		EnrichTimeout: time.Minute,
		StoreTimeout:  time.Second,
	})

	submitted := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), sourceMQTT, rawReport(t, reportT1))
		submitted <- err
	}()
	<-finder.started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := p.Drain(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.NoError(t, <-submitted)

	// The event is still stored, with the sentinel.
	records := store.all()
	require.Len(t, records, 1)
	assert.Equal(t, domain.HospitalUnavailable, *records[0].Hospital)
}

func TestPipeline_SubmitAfterDrain(t *testing.T) {
	store := &memStore{}
	p, _ := newTestPipeline(nil, store)

	require.NoError(t, p.Drain(context.Background()))

	_, err := p.Submit(context.Background(), sourceHTTP, rawReport(t, reportT1))
	require.ErrorIs(t, err, pipeline.ErrClosed)
	assert.ErrorIs(t, p.CheckReadiness(context.Background()), pipeline.ErrClosed)
	assert.Empty(t, store.all())
}

type readyStore struct {
	memStore
	err error
}

func (r *readyStore) CheckReadiness(context.Context) error { return r.err }

func TestPipeline_CheckReadiness_DelegatesToStore(t *testing.T) {
	store := &readyStore{err: errors.New("connection refused")}
	p, _ := newTestPipeline(nil, store)

	assert.EqualError(t, p.CheckReadiness(context.Background()), "connection refused")

	store.err = nil
	assert.NoError(t, p.CheckReadiness(context.Background()))
}
