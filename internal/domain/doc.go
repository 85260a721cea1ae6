// Package domain models vehicle-accident reports and their hospital enrichment.
//
// # Report Shape
//
// Both intake channels (HTTP and the subscribe feed) carry the same JSON body:
//
//	{"car_id": "V1", "latitude": 37.77, "longitude": -122.41, "timestamp": "2024-04-26 15:10:00"}
//
// The timestamp is optional. Latitude and longitude may arrive as numbers or
// numeric strings; in-vehicle publishers commonly send either. No range check
// is applied beyond requiring a finite value.
//
// # Canonical Form
//
// A normalized report is serialized with keys in alphabetical order and the
// timestamp rendered as "2006-01-02 15:04:05" UTC. Two reports that carry the
// same values produce byte-identical canonical forms; see [Canonical]. A report
// without a timestamp is stamped on arrival, so two such reports received in
// different seconds are distinct.
//
// # Hospital Sentinel
//
// When the hospital lookup fails for any reason the event is still stored,
// with every hospital column set to "Not found" ([HospitalUnavailable]).
package domain
