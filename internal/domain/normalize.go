package domain

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// TimestampLayout is the fixed format of the timestamp in an event's
// canonical form. Sub-second precision is dropped.
const TimestampLayout = "2006-01-02 15:04:05"

// timestampLayouts lists the string formats accepted for a supplied timestamp.
var timestampLayouts = []string{
	TimestampLayout,
	time.RFC3339Nano,
	time.RFC3339,
}

// ParseRawReport decodes a JSON payload from any intake channel.
func ParseRawReport(payload []byte) (RawReport, error) {
	payload = bytes.TrimSpace(payload)
	if len(payload) == 0 {
		return RawReport{}, invalidField("", "empty payload")
	}

	var raw RawReport
	if err := json.Unmarshal(payload, &raw); err != nil {
		return RawReport{}, &ValidationError{Reason: fmt.Sprintf("malformed JSON: %v", err), Err: ErrInvalidField}
	}
	return raw, nil
}

// Normalize validates a raw report and converts it into an AccidentEvent.
// A report without a timestamp is stamped with the current UTC time.
// The returned event has no hospital attached.
func Normalize(raw RawReport) (AccidentEvent, error) {
	if isAbsent(raw.CarID) {
		return AccidentEvent{}, missingField("car_id")
	}
	if isAbsent(raw.Latitude) {
		return AccidentEvent{}, missingField("latitude")
	}
	if isAbsent(raw.Longitude) {
		return AccidentEvent{}, missingField("longitude")
	}

	carID, err := parseCarID(raw.CarID)
	if err != nil {
		return AccidentEvent{}, err
	}
	lat, err := parseCoordinate("latitude", raw.Latitude)
	if err != nil {
		return AccidentEvent{}, err
	}
	lon, err := parseCoordinate("longitude", raw.Longitude)
	if err != nil {
		return AccidentEvent{}, err
	}
	observedAt, err := parseTimestamp(raw.Timestamp)
	if err != nil {
		return AccidentEvent{}, err
	}

	return AccidentEvent{
		CarID:      carID,
		Latitude:   lat,
		Longitude:  lon,
		ObservedAt: observedAt,
	}, nil
}

// canonicalForm fixes the key order (alphabetical) and field formatting of
// an event's canonical serialization.
type canonicalForm struct {
	CarID     string  `json:"car_id"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Timestamp string  `json:"timestamp"`
}

// Canonical returns the deterministic serialization used to compare events
// for duplicate suppression. Enrichment fields are not part of it.
func Canonical(event AccidentEvent) ([]byte, error) {
	data, err := json.Marshal(canonicalForm{
		CarID:     event.CarID,
		Latitude:  event.Latitude,
		Longitude: event.Longitude,
		Timestamp: event.ObservedAt.UTC().Format(TimestampLayout),
	})
	if err != nil {
		return nil, fmt.Errorf("canonicalize event: %w", err)
	}
	return data, nil
}

func isAbsent(v json.RawMessage) bool {
	v = bytes.TrimSpace(v)
	return len(v) == 0 || bytes.Equal(v, []byte("null"))
}

func parseCarID(v json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", invalidField("car_id", "must be a string")
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", invalidField("car_id", "must not be empty")
	}
	return s, nil
}

// parseCoordinate accepts a JSON number or a numeric string.
func parseCoordinate(field string, v json.RawMessage) (float64, error) {
	v = bytes.TrimSpace(v)

	var f float64
	if v[0] == '"' {
		var s string
		if err := json.Unmarshal(v, &s); err != nil {
			return 0, invalidField(field, "must be a number")
		}
		parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err != nil {
			return 0, invalidField(field, "must be a number")
		}
		f = parsed
	} else if err := json.Unmarshal(v, &f); err != nil {
		return 0, invalidField(field, "must be a number")
	}

	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, invalidField(field, "must be finite")
	}
	return f, nil
}

// parseTimestamp accepts a string in one of timestampLayouts or a number of
// Unix seconds. An absent timestamp is assigned from the package clock.
func parseTimestamp(v json.RawMessage) (time.Time, error) {
	if isAbsent(v) {
		return clock.Now().UTC().Truncate(time.Second), nil
	}
	v = bytes.TrimSpace(v)

	if v[0] != '"' {
		var secs float64
		if err := json.Unmarshal(v, &secs); err != nil || math.IsNaN(secs) || math.IsInf(secs, 0) {
			return time.Time{}, invalidField("timestamp", "must be a string or Unix seconds")
		}
		return time.Unix(int64(math.Floor(secs)), 0).UTC(), nil
	}

	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return time.Time{}, invalidField("timestamp", "must be a string or Unix seconds")
	}
	s = strings.TrimSpace(s)
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC().Truncate(time.Second), nil
		}
	}
	return time.Time{}, invalidField("timestamp", fmt.Sprintf("unrecognized format %q", s))
}
