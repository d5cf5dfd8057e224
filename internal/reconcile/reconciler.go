// Package reconcile merges events from the change feed and the poller into
// the state store. Every write to the store goes through here.
package reconcile

import (
	"log/slog"
	"sync"

	"labsync/internal/state"
	"labsync/internal/util"
	"labsync/pkg/domain"
)

// Reconciler applies normalized events idempotently. Duplicate inserts and
// deletes of absent ids are no-ops; updates replace the record in full unless
// they would move extraction_status backward within a run.
type Reconciler struct {
	mu     sync.Mutex
	store  *state.Store
	log    *slog.Logger
	onDone func(reportID string)
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.log = logger
		}
	}
}

// OnReportDone registers fn to run once per transition of a known report into done.
func OnReportDone(fn func(reportID string)) Option {
	return func(r *Reconciler) { r.onDone = fn }
}

func New(store *state.Store, opts ...Option) *Reconciler {
	r := &Reconciler{store: store, log: util.NopLogger()}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// ApplyReport merges one report event.
func (r *Reconciler) ApplyReport(ev domain.Event[domain.LabReport]) {
	if !r.owned(ev.Record.UserID, ev.Type) {
		r.log.Warn("dropping report for another user", "report_id", ev.Record.ID, "owner", ev.Record.UserID)
		return
	}
	if ev.Record.ID == "" {
		return
	}

	var doneID string
	r.mu.Lock()
	reports := r.store.ReportCollection()
	prev, exists := reports.Get(ev.Record.ID)
	switch ev.Type {
	case domain.ChangeInsert:
		if exists {
			r.mu.Unlock()
			return
		}
		items := reports.Items()
		items[ev.Record.ID] = ev.Record
		reports.Replace(items)
	case domain.ChangeUpdate:
		if exists && prev.SameAs(ev.Record) {
			r.mu.Unlock()
			return
		}
		if exists && !statusAllowed(prev.ExtractionStatus, ev.Record.ExtractionStatus) {
			r.mu.Unlock()
			r.log.Debug("dropping stale report update", "report_id", ev.Record.ID,
				"from", prev.ExtractionStatus, "to", ev.Record.ExtractionStatus)
			return
		}
		items := reports.Items()
		items[ev.Record.ID] = ev.Record
		reports.Replace(items)
		if exists && prev.ExtractionStatus != domain.StatusDone && ev.Record.ExtractionStatus == domain.StatusDone {
			doneID = ev.Record.ID
		}
	case domain.ChangeDelete:
		if !exists {
			r.mu.Unlock()
			return
		}
		items := reports.Items()
		delete(items, ev.Record.ID)
		reports.Replace(items)
		r.dropBiomarkersLocked(ev.Record.ID)
	}
	r.mu.Unlock()

	if doneID != "" && r.onDone != nil {
		r.log.Debug("report done", "report_id", doneID)
		r.onDone(doneID)
	}
}

// ApplyBiomarker merges one biomarker event.
func (r *Reconciler) ApplyBiomarker(ev domain.Event[domain.Biomarker]) {
	if !r.owned(ev.Record.UserID, ev.Type) {
		r.log.Warn("dropping biomarker for another user", "biomarker_id", ev.Record.ID, "owner", ev.Record.UserID)
		return
	}
	if ev.Record.ID == "" {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	biomarkers := r.store.BiomarkerCollection()
	prev, exists := biomarkers.Get(ev.Record.ID)
	switch ev.Type {
	case domain.ChangeInsert:
		if exists {
			return
		}
	case domain.ChangeUpdate:
		if exists && prev.SameAs(ev.Record) {
			return
		}
	case domain.ChangeDelete:
		if !exists {
			return
		}
		items := biomarkers.Items()
		delete(items, ev.Record.ID)
		biomarkers.Replace(items)
		return
	default:
		return
	}
	items := biomarkers.Items()
	items[ev.Record.ID] = ev.Record
	biomarkers.Replace(items)
}

// statusAllowed keeps a run monotonic. A terminal report may start a new run
// by going back to pending.
func statusAllowed(prev, next domain.ExtractionStatus) bool {
	if prev.CanAdvanceTo(next) {
		return true
	}
	return prev.Terminal() && next == domain.StatusPending
}

// owned reports whether a record belongs to the store's user. Deletes may
// carry only the primary key.
func (r *Reconciler) owned(owner string, typ domain.ChangeType) bool {
	if owner == r.store.UserID() {
		return true
	}
	return owner == "" && typ == domain.ChangeDelete
}

func (r *Reconciler) dropBiomarkersLocked(reportID string) {
	biomarkers := r.store.BiomarkerCollection()
	items := biomarkers.Items()
	removed := 0
	for id, b := range items {
		if b.ReportID == reportID {
			delete(items, id)
			removed++
		}
	}
	if removed > 0 {
		biomarkers.Replace(items)
	}
}
