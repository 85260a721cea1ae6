package service_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/couchcryptid/accident-enrichment-service/internal/adapter/store"
	"github.com/couchcryptid/accident-enrichment-service/internal/config"
	"github.com/couchcryptid/accident-enrichment-service/internal/domain"
	"github.com/couchcryptid/accident-enrichment-service/internal/observability"
	"github.com/couchcryptid/accident-enrichment-service/internal/pipeline"
	"github.com/couchcryptid/accident-enrichment-service/internal/service"
)

// chanFeed delivers payloads pushed by the test, like a broker would.
type chanFeed struct {
	p        *pipeline.Pipeline
	payloads chan []byte
	handled  chan struct{}
	closed   chan struct{}
}

func newChanFeed() *chanFeed {
	return &chanFeed{
		payloads: make(chan []byte),
		handled:  make(chan struct{}),
		closed:   make(chan struct{}),
	}
}

func (f *chanFeed) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case payload := <-f.payloads:
			f.p.HandleFeedMessage(ctx, "mqtt", payload)
			f.handled <- struct{}{}
		}
	}
}

func (f *chanFeed) Close() error {
	close(f.closed)
	return nil
}

func (f *chanFeed) deliver(t *testing.T, payload string) {
	t.Helper()
	select {
	case f.payloads <- []byte(payload):
	case <-time.After(2 * time.Second):
		t.Fatal("feed not running")
	}
	<-f.handled
}

type fixedFinder struct{}

func (fixedFinder) NearestHospital(_ context.Context, _, _ float64) (domain.Hospital, error) {
	return domain.Hospital{Name: "SF General", Address: "1001 Potrero Ave", Phone: "(628) 206-8000"}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		HTTPAddr:        "127.0.0.1:0",
		ShutdownTimeout: 2 * time.Second,
		DrainTimeout:    time.Second,
		StoreTimeout:    time.Second,
		SerpAPITimeout:  time.Second,
		FeedDriver:      config.FeedMQTT,
	}
}

func newTestService(t *testing.T, finder domain.HospitalFinder) (*service.Service, *chanFeed, *store.Store) {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	st, err := store.Open(context.Background(), store.Options{
		Driver: store.DriverSQLite,
		DSN:    filepath.Join(t.TempDir(), "accidents.db"),
		Logger: logger,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	feed := newChanFeed()
	svc := service.New(service.Deps{
		Config: testConfig(),
		Store:  st,
		Finder: finder,
		NewFeed: func(p *pipeline.Pipeline) service.Feed {
			feed.p = p
			return feed
		},
		Logger:  logger,
		Metrics: observability.NewMetricsForTesting(),
	})
	return svc, feed, st
}

func post(t *testing.T, h http.Handler, body string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/accident", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	h.ServeHTTP(rec, req)
	return rec
}

func list(t *testing.T, h http.Handler) []domain.StoredRecord {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/accidents", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var records []domain.StoredRecord
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &records))
	return records
}

func TestService_HTTPThenFeedRedelivery(t *testing.T) {
	fake := clockwork.NewFakeClockAt(time.Date(2024, time.April, 26, 15, 10, 0, 0, time.UTC))
	domain.SetClock(fake)
	t.Cleanup(func() { domain.SetClock(nil) })

	svc, feed, _ := newTestService(t, fixedFinder{})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	report := `{"car_id":"V1","latitude":37.77,"longitude":-122.41}`

	rec := post(t, svc.Handler(), report)
	require.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `"Data received successfully"`, mustField(t, rec.Body.Bytes(), "message"))

	records := list(t, svc.Handler())
	require.Len(t, records, 1)
	assert.Equal(t, "V1", records[0].CarID)
	assert.Equal(t, "SF General", records[0].Hospital.Name)

	// Same report, same second: the shared filter drops it.
	feed.deliver(t, report)
	assert.Len(t, list(t, svc.Handler()), 1)

	// A later assigned timestamp makes it a new accident.
	fake.Advance(3 * time.Second)
	feed.deliver(t, report)
	records = list(t, svc.Handler())
	require.Len(t, records, 2)
	assert.True(t, records[0].ObservedAt.After(records[1].ObservedAt), "newest first")

	cancel()
	require.NoError(t, <-done)

	select {
	case <-feed.closed:
	default:
		t.Fatal("feed was not closed on shutdown")
	}
}

func TestService_HTTPValidationAndDuplicate(t *testing.T) {
	svc, _, _ := newTestService(t, nil)
	h := svc.Handler()

	rec := post(t, h, `{"car_id":"V1","latitude":37.77}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.JSONEq(t, `"Invalid data. Please provide car_id, latitude, and longitude."`, mustField(t, rec.Body.Bytes(), "error"))

	report := `{"car_id":"V1","latitude":37.77,"longitude":-122.41,"timestamp":"2024-04-26 15:10:00"}`
	assert.Equal(t, http.StatusCreated, post(t, h, report).Code)
	assert.Equal(t, http.StatusOK, post(t, h, report).Code)

	records := list(t, h)
	require.Len(t, records, 1)
	assert.Equal(t, domain.HospitalUnavailable, *records[0].Hospital, "lookups disabled store the sentinel")
}

func TestService_ShutdownClosesStore(t *testing.T) {
	svc, _, st := newTestService(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- svc.Run(ctx) }()

	require.Eventually(t, func() bool {
		rec := httptest.NewRecorder()
		svc.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/readyz", nil))
		return rec.Code == http.StatusOK
	}, time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)

	assert.Error(t, st.CheckReadiness(context.Background()), "store is closed after shutdown")

	rec := post(t, svc.Handler(), `{"car_id":"V9","latitude":1,"longitude":2}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestNewFeedFactory(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()

	for _, driver := range []string{config.FeedMQTT, config.FeedKafka, config.FeedNATS} {
		cfg := &config.Config{
			FeedDriver:   driver,
			FeedTopic:    "accident/data",
			MQTTBroker:   "localhost",
			MQTTPort:     1883,
			KafkaBrokers: []string{"localhost:9092"},
			NATSURL:      "nats://localhost:4222",
		}
		assert.NotNil(t, service.NewFeedFactory(cfg, logger, metrics), driver)
	}
	assert.Nil(t, service.NewFeedFactory(&config.Config{FeedDriver: config.FeedNone}, logger, metrics))
}

func TestNewFinder(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	metrics := observability.NewMetricsForTesting()

	assert.Nil(t, service.NewFinder(&config.Config{}, logger, metrics))

	cfg := &config.Config{SerpAPIEnabled: true, SerpAPIKey: "k", SerpAPIZoom: 15, SerpAPITimeout: time.Second}
	assert.NotNil(t, service.NewFinder(cfg, logger, metrics))

	cfg.SerpAPICacheSize = 10
	assert.NotNil(t, service.NewFinder(cfg, logger, metrics))
}

func mustField(t *testing.T, body []byte, field string) string {
	t.Helper()
	var m map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(body, &m))
	return string(m[field])
}
