package pipeline

import (
	"bytes"
	"sync"
)

// DuplicateFilter drops back-to-back redeliveries of the same report. It
// remembers only the most recently accepted canonical form; it is not a
// history of everything seen.
type DuplicateFilter struct {
	mu   sync.Mutex
	last []byte
}

// NewDuplicateFilter returns an empty filter. One filter is shared by every
// intake channel of a process.
func NewDuplicateFilter() *DuplicateFilter {
	return &DuplicateFilter{}
}

// Accept reports whether canonical differs from the last accepted value and,
// if so, remembers it. Compare and replace happen under one lock so two
// concurrent identical deliveries cannot both pass.
func (f *DuplicateFilter) Accept(canonical []byte) bool {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.last != nil && bytes.Equal(f.last, canonical) {
		return false
	}
	f.last = bytes.Clone(canonical)
	return true
}

// Forget clears the remembered value if it is still canonical. It is used
// when an accepted event could not be stored, so that a redelivery of it is
// processed instead of being dropped as a duplicate.
func (f *DuplicateFilter) Forget(canonical []byte) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if bytes.Equal(f.last, canonical) {
		f.last = nil
	}
}
