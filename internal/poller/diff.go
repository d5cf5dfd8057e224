package poller

import (
	"sort"

	"labsync/pkg/domain"
)

// Diff classifies fresh against current by id: ids only in fresh become
// inserts, ids in both whose fields differ become updates, ids only in current
// become deletes. Identical sets produce no events. Events are ordered by id.
func Diff[T domain.Record[T]](current, fresh []T) []domain.Event[T] {
	have := make(map[string]T, len(current))
	for _, rec := range current {
		have[rec.RecordID()] = rec
	}
	seen := make(map[string]T, len(fresh))
	for _, rec := range fresh {
		seen[rec.RecordID()] = rec
	}

	var events []domain.Event[T]
	for id, rec := range seen {
		old, ok := have[id]
		switch {
		case !ok:
			events = append(events, domain.Insert(rec))
		case !old.SameAs(rec):
			events = append(events, domain.Update(rec))
		}
	}
	for id, rec := range have {
		if _, ok := seen[id]; !ok {
			events = append(events, domain.Delete(rec))
		}
	}
	sort.Slice(events, func(i, j int) bool {
		return events[i].Record.RecordID() < events[j].Record.RecordID()
	})
	return events
}

// DiffSince is Diff of fresh against current, leaving out every id whose
// record differs between before and current. Those records changed while the
// fetch was in flight, so fresh may predate them; the next poll settles them.
func DiffSince[T domain.Record[T]](before, current, fresh []T) []domain.Event[T] {
	events := Diff(current, fresh)
	touched := changedIDs(before, current)
	if len(touched) == 0 {
		return events
	}
	kept := events[:0]
	for _, ev := range events {
		if _, skip := touched[ev.Record.RecordID()]; !skip {
			kept = append(kept, ev)
		}
	}
	return kept
}

func changedIDs[T domain.Record[T]](before, current []T) map[string]struct{} {
	prev := make(map[string]T, len(before))
	for _, rec := range before {
		prev[rec.RecordID()] = rec
	}
	touched := make(map[string]struct{})
	for _, rec := range current {
		old, ok := prev[rec.RecordID()]
		if !ok || !old.SameAs(rec) {
			touched[rec.RecordID()] = struct{}{}
		}
		delete(prev, rec.RecordID())
	}
	for id := range prev {
		touched[id] = struct{}{}
	}
	return touched
}
