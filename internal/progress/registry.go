// Package progress derives a smooth extraction percentage from the coarse
// report status. It is presentation state only and never writes to the store.
package progress

import (
	"sync"
	"time"

	"labsync/pkg/domain"
)

// Entry is the progress state of one report.
type Entry struct {
	Value     int
	Status    domain.ExtractionStatus
	UpdatedAt time.Time
}

// Registry outlives trackers so a remounted tracker continues where the last
// one stopped. Share one per process, or one per test.
type Registry struct {
	mu      sync.Mutex
	entries map[string]Entry
	now     func() time.Time
}

// RegistryOption configures a Registry.
type RegistryOption func(*Registry)

// WithClock replaces time.Now for eviction.
func WithClock(now func() time.Time) RegistryOption {
	return func(r *Registry) {
		if now != nil {
			r.now = now
		}
	}
}

func NewRegistry(opts ...RegistryOption) *Registry {
	r := &Registry{entries: map[string]Entry{}, now: time.Now}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Get returns the entry for reportID.
func (r *Registry) Get(reportID string) (Entry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[reportID]
	return e, ok
}

func (r *Registry) set(reportID string, value int, status domain.ExtractionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[reportID] = Entry{Value: value, Status: status, UpdatedAt: r.now()}
}

// Len returns the number of tracked reports.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Evict drops terminal entries last updated more than olderThan ago and
// returns how many were removed. Entries of a run still in flight are kept so
// a later tracker resumes from their value.
func (r *Registry) Evict(olderThan time.Duration) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := r.now().Add(-olderThan)
	removed := 0
	for id, e := range r.entries {
		if e.Status.Terminal() && e.UpdatedAt.Before(cutoff) {
			delete(r.entries, id)
			removed++
		}
	}
	return removed
}
