package reconcile

import (
	"testing"

	"labsync/internal/state"
	"labsync/pkg/domain"
)

func report(id string, status domain.ExtractionStatus) domain.LabReport {
	return domain.LabReport{ID: id, UserID: "u1", ExtractionStatus: status}
}

func TestInsertIsIdempotent(t *testing.T) {
	s := state.New("u1")
	r := New(s)
	rec := report("a", domain.StatusPending)
	r.ApplyReport(domain.Insert(rec))
	v := s.ReportCollection().Version()
	r.ApplyReport(domain.Insert(rec))
	if s.ReportCollection().Len() != 1 {
		t.Fatalf("want 1 report, got %d", s.ReportCollection().Len())
	}
	if s.ReportCollection().Version() != v {
		t.Fatalf("duplicate insert should not write the store")
	}

	changed := rec
	changed.Notes = "ignored"
	r.ApplyReport(domain.Insert(changed))
	got, _ := s.Report("a")
	if got.Notes != "" {
		t.Fatalf("insert over existing id must be a no-op, got %+v", got)
	}
}

func TestUpdateReplacesOrInserts(t *testing.T) {
	s := state.New("u1")
	r := New(s)
	r.ApplyReport(domain.Update(domain.LabReport{ID: "a", UserID: "u1", Notes: "first", PatientName: "Ann"}))
	if _, ok := s.Report("a"); !ok {
		t.Fatalf("update of absent id should insert")
	}
	r.ApplyReport(domain.Update(domain.LabReport{ID: "a", UserID: "u1", Notes: "second"}))
	got, _ := s.Report("a")
	if got.Notes != "second" || got.PatientName != "" {
		t.Fatalf("update must replace in full, got %+v", got)
	}
}

func TestDeleteAbsentIsNoop(t *testing.T) {
	s := state.New("u1")
	r := New(s)
	r.ApplyReport(domain.Delete(domain.LabReport{ID: "ghost"}))
	r.ApplyBiomarker(domain.Delete(domain.Biomarker{ID: "ghost"}))
	if s.ReportCollection().Version() != 0 || s.BiomarkerCollection().Version() != 0 {
		t.Fatalf("deleting absent ids should not write")
	}
}

func TestDeleteReportDropsItsBiomarkers(t *testing.T) {
	s := state.New("u1")
	r := New(s)
	r.ApplyReport(domain.Insert(report("a", domain.StatusDone)))
	r.ApplyReport(domain.Insert(report("b", domain.StatusDone)))
	r.ApplyBiomarker(domain.Insert(domain.Biomarker{ID: "1", ReportID: "a", UserID: "u1"}))
	r.ApplyBiomarker(domain.Insert(domain.Biomarker{ID: "2", ReportID: "a", UserID: "u1"}))
	r.ApplyBiomarker(domain.Insert(domain.Biomarker{ID: "3", ReportID: "b", UserID: "u1"}))

	r.ApplyReport(domain.Delete(domain.LabReport{ID: "a"}))
	if _, ok := s.Report("a"); ok {
		t.Fatalf("report a should be gone")
	}
	left := s.Biomarkers()
	if len(left) != 1 || left[0].ID != "3" {
		t.Fatalf("expected only biomarker 3, got %+v", left)
	}
}

func TestForeignRecordsDropped(t *testing.T) {
	s := state.New("u1")
	r := New(s)
	r.ApplyReport(domain.Insert(domain.LabReport{ID: "x", UserID: "u2"}))
	r.ApplyBiomarker(domain.Update(domain.Biomarker{ID: "y", UserID: "u2"}))
	if s.ReportCollection().Len() != 0 || s.BiomarkerCollection().Len() != 0 {
		t.Fatalf("records of another user must be dropped")
	}
	r.ApplyReport(domain.Insert(report("a", domain.StatusPending)))
	r.ApplyReport(domain.Delete(domain.LabReport{ID: "a", UserID: "u2"}))
	if _, ok := s.Report("a"); !ok {
		t.Fatalf("delete attributed to another user must be dropped")
	}
}

func TestReportDoneFiresOncePerTransition(t *testing.T) {
	s := state.New("u1")
	var fired []string
	r := New(s, OnReportDone(func(id string) { fired = append(fired, id) }))

	r.ApplyReport(domain.Insert(report("old", domain.StatusDone)))
	r.ApplyReport(domain.Insert(report("a", domain.StatusProcessing)))
	r.ApplyReport(domain.Update(report("a", domain.StatusSaving)))
	r.ApplyReport(domain.Update(report("a", domain.StatusDone)))
	r.ApplyReport(domain.Update(report("a", domain.StatusDone)))
	r.ApplyReport(domain.Update(report("old", domain.StatusDone)))

	if len(fired) != 1 || fired[0] != "a" {
		t.Fatalf("expected exactly one trigger for a, got %v", fired)
	}
}

func TestBiomarkerUpdateReplacesById(t *testing.T) {
	s := state.New("u1")
	r := New(s)
	r.ApplyBiomarker(domain.Insert(domain.Biomarker{ID: "1", UserID: "u1", Value: 1}))
	r.ApplyBiomarker(domain.Insert(domain.Biomarker{ID: "2", UserID: "u1", Value: 2}))
	r.ApplyBiomarker(domain.Update(domain.Biomarker{ID: "2", UserID: "u1", Value: 5}))
	if s.BiomarkerCollection().Len() != 2 {
		t.Fatalf("update must not collapse the collection, got %d", s.BiomarkerCollection().Len())
	}
	got, _ := s.BiomarkerCollection().Get("2")
	if got.Value != 5 {
		t.Fatalf("value: want=5 got=%v", got.Value)
	}
}

func TestBackwardStatusUpdateDropped(t *testing.T) {
	s := state.New("u1")
	var fired []string
	r := New(s, OnReportDone(func(id string) { fired = append(fired, id) }))

	r.ApplyReport(domain.Insert(report("a", domain.StatusProcessing)))
	r.ApplyReport(domain.Update(report("a", domain.StatusDone)))
	r.ApplyReport(domain.Update(report("a", domain.StatusProcessing)))
	r.ApplyReport(domain.Update(report("a", domain.StatusDone)))

	if got, _ := s.Report("a"); got.ExtractionStatus != domain.StatusDone {
		t.Fatalf("status: want=done got=%s", got.ExtractionStatus)
	}
	if len(fired) != 1 {
		t.Fatalf("done triggers: want=1 got=%v", fired)
	}

	r.ApplyReport(domain.Insert(report("b", domain.StatusSaving)))
	r.ApplyReport(domain.Update(report("b", domain.StatusError)))
	if got, _ := s.Report("b"); got.ExtractionStatus != domain.StatusSaving {
		t.Fatalf("error after saving: want=saving got=%s", got.ExtractionStatus)
	}
}

func TestTerminalReportMayRestartAsPending(t *testing.T) {
	s := state.New("u1")
	var fired []string
	r := New(s, OnReportDone(func(id string) { fired = append(fired, id) }))

	r.ApplyReport(domain.Insert(report("a", domain.StatusError)))
	r.ApplyReport(domain.Update(report("a", domain.StatusPending)))
	if got, _ := s.Report("a"); got.ExtractionStatus != domain.StatusPending {
		t.Fatalf("status: want=pending got=%s", got.ExtractionStatus)
	}
	r.ApplyReport(domain.Update(report("a", domain.StatusProcessing)))
	r.ApplyReport(domain.Update(report("a", domain.StatusDone)))
	if len(fired) != 1 || fired[0] != "a" {
		t.Fatalf("done triggers: want=[a] got=%v", fired)
	}
}
