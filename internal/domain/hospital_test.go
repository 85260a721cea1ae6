package domain

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

// --- mock finder ---

type mockFinder struct {
	result Hospital
	err    error
	calls  int
}

func (m *mockFinder) NearestHospital(_ context.Context, _, _ float64) (Hospital, error) {
	m.calls++
	return m.result, m.err
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var testEvent = AccidentEvent{CarID: testCarID, Latitude: 37.77, Longitude: -122.41}

// --- tests ---

func TestLookupNearestHospital_NilFinder(t *testing.T) {
	h, outcome := LookupNearestHospital(context.Background(), nil, testEvent, discardLogger())

	assert.Equal(t, HospitalUnavailable, h)
	assert.Equal(t, EnrichmentDisabled, outcome)
}

func TestLookupNearestHospital_Found(t *testing.T) {
	finder := &mockFinder{result: Hospital{
		Name:    "SF General",
		Address: "1001 Potrero Ave",
		Phone:   "(628) 206-8000",
	}}

	h, outcome := LookupNearestHospital(context.Background(), finder, testEvent, discardLogger())

	assert.Equal(t, "SF General", h.Name)
	assert.Equal(t, "1001 Potrero Ave", h.Address)
	assert.True(t, h.Available())
	assert.Equal(t, EnrichmentFound, outcome)
	assert.Equal(t, 1, finder.calls)
}

func TestLookupNearestHospital_Error(t *testing.T) {
	finder := &mockFinder{err: errors.New("connection refused")}

	h, outcome := LookupNearestHospital(context.Background(), finder, testEvent, discardLogger())

	assert.Equal(t, HospitalUnavailable, h)
	assert.False(t, h.Available())
	assert.Equal(t, EnrichmentError, outcome)
}

func TestLookupNearestHospital_Empty(t *testing.T) {
	finder := &mockFinder{}

	h, outcome := LookupNearestHospital(context.Background(), finder, testEvent, discardLogger())

	assert.Equal(t, HospitalUnavailable, h)
	assert.Equal(t, EnrichmentEmpty, outcome)
}

func TestHospitalUnavailable_Values(t *testing.T) {
	assert.Equal(t, "Not found", HospitalUnavailable.Name)
	assert.Equal(t, "Not found", HospitalUnavailable.Address)
	assert.Equal(t, "Not found", HospitalUnavailable.Phone)
}
