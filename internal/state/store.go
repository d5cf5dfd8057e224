// Package state holds the canonical per-user view of reports and biomarkers.
// Only the reconciler writes to it; readers get immutable snapshots.
package state

import (
	"sort"
	"sync"

	"labsync/pkg/domain"
)

// Collection is one record family keyed by id. Writers swap the whole map so a
// reader never observes a half-applied change.
type Collection[T domain.Record[T]] struct {
	mu       sync.RWMutex
	items    map[string]T
	version  uint64
	less     func(a, b T) bool
	onChange func()
}

func newCollection[T domain.Record[T]](less func(a, b T) bool, onChange func()) *Collection[T] {
	return &Collection[T]{items: map[string]T{}, less: less, onChange: onChange}
}

// Get returns the record stored under id.
func (c *Collection[T]) Get(id string) (T, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	rec, ok := c.items[id]
	return rec, ok
}

// Len reports the number of stored records.
func (c *Collection[T]) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Version increases by one on every Replace.
func (c *Collection[T]) Version() uint64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.version
}

// Items returns a copy of the id map, safe to modify and hand back to Replace.
func (c *Collection[T]) Items() map[string]T {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]T, len(c.items))
	for id, rec := range c.items {
		out[id] = rec
	}
	return out
}

// Snapshot returns the records in display order.
func (c *Collection[T]) Snapshot() []T {
	c.mu.RLock()
	out := make([]T, 0, len(c.items))
	for _, rec := range c.items {
		out = append(out, rec)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return c.less(out[i], out[j]) })
	return out
}

// Replace installs items as the new contents. The caller must not retain items.
func (c *Collection[T]) Replace(items map[string]T) {
	if items == nil {
		items = map[string]T{}
	}
	c.mu.Lock()
	c.items = items
	c.version++
	c.mu.Unlock()
	if c.onChange != nil {
		c.onChange()
	}
}

// Store is the state of one signed-in user.
type Store struct {
	userID     string
	reports    *Collection[domain.LabReport]
	biomarkers *Collection[domain.Biomarker]

	watchMu  sync.Mutex
	watchers map[int]chan struct{}
	nextID   int
}

// New creates an empty store for userID.
func New(userID string) *Store {
	s := &Store{userID: userID, watchers: map[int]chan struct{}{}}
	s.reports = newCollection(reportLess, s.broadcast)
	s.biomarkers = newCollection(biomarkerLess, s.broadcast)
	return s
}

func (s *Store) UserID() string { return s.userID }

func (s *Store) ReportCollection() *Collection[domain.LabReport]    { return s.reports }
func (s *Store) BiomarkerCollection() *Collection[domain.Biomarker] { return s.biomarkers }

// Reports returns reports newest first.
func (s *Store) Reports() []domain.LabReport { return s.reports.Snapshot() }

// Biomarkers returns biomarkers ordered by report date, then marker name.
func (s *Store) Biomarkers() []domain.Biomarker { return s.biomarkers.Snapshot() }

// BiomarkersForReport filters Biomarkers to one report.
func (s *Store) BiomarkersForReport(reportID string) []domain.Biomarker {
	all := s.biomarkers.Snapshot()
	out := make([]domain.Biomarker, 0, len(all))
	for _, b := range all {
		if b.ReportID == reportID {
			out = append(out, b)
		}
	}
	return out
}

// Report looks up one report by id.
func (s *Store) Report(id string) (domain.LabReport, bool) { return s.reports.Get(id) }

// Watch returns a channel that receives a value after any collection change.
// Notifications coalesce: a slow reader sees one pending signal, then reads
// the latest snapshot. The returned func stops the watch and closes the channel.
func (s *Store) Watch() (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	s.watchMu.Lock()
	id := s.nextID
	s.nextID++
	s.watchers[id] = ch
	s.watchMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.watchMu.Lock()
			delete(s.watchers, id)
			close(ch)
			s.watchMu.Unlock()
		})
	}
}

func (s *Store) broadcast() {
	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	for _, ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func reportLess(a, b domain.LabReport) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.After(b.CreatedAt)
	}
	return a.ID < b.ID
}

func biomarkerLess(a, b domain.Biomarker) bool {
	if a.ReportDate != b.ReportDate {
		return a.ReportDate < b.ReportDate
	}
	if a.MarkerName != b.MarkerName {
		return a.MarkerName < b.MarkerName
	}
	return a.ID < b.ID
}
