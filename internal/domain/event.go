package domain

import (
	"encoding/json"
	"time"
)

// RawReport is an accident report as received from an intake channel.
// Field values are kept undecoded so Normalize decides what is acceptable.
type RawReport struct {
	CarID     json.RawMessage `json:"car_id"`
	Latitude  json.RawMessage `json:"latitude"`
	Longitude json.RawMessage `json:"longitude"`
	Timestamp json.RawMessage `json:"timestamp,omitempty"`
}

// Hospital is the nearest-hospital enrichment attached to an accident.
type Hospital struct {
	Name    string `json:"name"`
	Address string `json:"address"`
	Phone   string `json:"phone"`
}

// HospitalUnavailable marks an accident whose hospital lookup did not
// produce a result.
var HospitalUnavailable = Hospital{
	Name:    notFound,
	Address: notFound,
	Phone:   notFound,
}

const notFound = "Not found"

// Available reports whether h is a real lookup result rather than the
// unavailable sentinel.
func (h Hospital) Available() bool {
	return h != HospitalUnavailable
}

// AccidentEvent is the canonical, validated accident report.
type AccidentEvent struct {
	CarID      string    `json:"car_id"`
	Latitude   float64   `json:"latitude"`
	Longitude  float64   `json:"longitude"`
	ObservedAt time.Time `json:"timestamp"`

	// Hospital is nil until enrichment has run.
	Hospital *Hospital `json:"hospital,omitempty"`
}

// StoredRecord is an AccidentEvent as persisted by the store.
type StoredRecord struct {
	ID       string    `json:"id"`
	StoredAt time.Time `json:"stored_at"`
	AccidentEvent
}
