package store

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"gorm.io/driver/sqlite"

	"labsync/pkg/domain"
	"labsync/pkg/feed"
)

func newSQLiteStore(t *testing.T, opts ...GormStoreOption) *GormStore {
	t.Helper()
	dsn := filepath.Join(t.TempDir(), "labsync.db")
	s, err := NewGormStoreWithDialector(sqlite.Open(dsn), opts...)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	return s
}

// backends runs fn against every Backend implementation.
func backends(t *testing.T, fn func(t *testing.T, b Backend, hub *feed.MemoryHub)) {
	t.Run("memory", func(t *testing.T) {
		hub := feed.NewMemoryHub()
		fn(t, NewMemoryStore(WithPublisher(hub)), hub)
	})
	t.Run("gorm_sqlite", func(t *testing.T) {
		hub := feed.NewMemoryHub()
		fn(t, newSQLiteStore(t, WithPublisher(hub)), hub)
	})
}

func nextChange(t *testing.T, st feed.Stream) feed.Change {
	t.Helper()
	select {
	case c := <-st.Changes():
		return c
	case <-time.After(time.Second):
		t.Fatalf("timed out waiting for change")
	}
	return feed.Change{}
}

func TestBackendReportLifecycle(t *testing.T) {
	backends(t, func(t *testing.T, b Backend, hub *feed.MemoryHub) {
		ctx := context.Background()
		stream, err := hub.Subscribe(ctx, domain.FamilyReports.Table(), feed.UserFilter("u1"))
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer stream.Close()

		older, err := b.InsertReport(ctx, domain.LabReport{ID: "r1", UserID: "u1", FileName: "a.pdf", CreatedAt: time.Now().Add(-time.Hour).UTC()})
		if err != nil {
			t.Fatalf("insert r1: %v", err)
		}
		if older.ExtractionStatus != domain.StatusPending {
			t.Fatalf("default status: want=pending got=%s", older.ExtractionStatus)
		}
		if _, err := b.InsertReport(ctx, domain.LabReport{ID: "r2", UserID: "u1"}); err != nil {
			t.Fatalf("insert r2: %v", err)
		}
		if _, err := b.InsertReport(ctx, domain.LabReport{ID: "r3", UserID: "u2"}); err != nil {
			t.Fatalf("insert r3: %v", err)
		}

		reports, err := b.ListReports(ctx, "u1")
		if err != nil {
			t.Fatalf("list reports: %v", err)
		}
		if len(reports) != 2 || reports[0].ID != "r2" || reports[1].ID != "r1" {
			t.Fatalf("expected newest-first [r2 r1], got %+v", reports)
		}

		if c := nextChange(t, stream); c.Event != feed.EventInsert {
			t.Fatalf("first change: want INSERT got %s", c.Event)
		}
		nextChange(t, stream)

		updated, err := b.UpdateReportStatus(ctx, "u1", "r1", domain.StatusProcessing)
		if err != nil {
			t.Fatalf("update status: %v", err)
		}
		if updated.ExtractionStatus != domain.StatusProcessing {
			t.Fatalf("status: want=processing got=%s", updated.ExtractionStatus)
		}
		c := nextChange(t, stream)
		var row domain.LabReport
		if err := json.Unmarshal(c.New, &row); err != nil || row.ExtractionStatus != domain.StatusProcessing {
			t.Fatalf("update change payload: %+v err=%v", row, err)
		}

		if _, err := b.UpdateReportStatus(ctx, "u2", "r1", domain.StatusDone); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for foreign user, got %v", err)
		}
	})
}

func TestBackendDeleteReportCascades(t *testing.T) {
	backends(t, func(t *testing.T, b Backend, hub *feed.MemoryHub) {
		ctx := context.Background()
		if _, err := b.InsertReport(ctx, domain.LabReport{ID: "r1", UserID: "u1"}); err != nil {
			t.Fatalf("insert report: %v", err)
		}
		if _, err := b.InsertReport(ctx, domain.LabReport{ID: "r2", UserID: "u1"}); err != nil {
			t.Fatalf("insert report: %v", err)
		}
		err := b.InsertBiomarkers(ctx, []domain.Biomarker{
			{ID: "b1", ReportID: "r1", UserID: "u1", MarkerName: "Ferritin", Value: 40, About: "iron store"},
			{ID: "b2", ReportID: "r1", UserID: "u1", MarkerName: "Hb", Value: 13.2},
			{ID: "b3", ReportID: "r2", UserID: "u1", MarkerName: "TSH", Value: 2.1},
		})
		if err != nil {
			t.Fatalf("insert biomarkers: %v", err)
		}

		bioStream, err := hub.Subscribe(ctx, domain.FamilyBiomarkers.Table(), feed.UserFilter("u1"))
		if err != nil {
			t.Fatalf("subscribe: %v", err)
		}
		defer bioStream.Close()

		if _, err := b.DeleteReport(ctx, "u1", "r1"); err != nil {
			t.Fatalf("delete report: %v", err)
		}
		biomarkers, err := b.ListBiomarkers(ctx, "u1")
		if err != nil {
			t.Fatalf("list biomarkers: %v", err)
		}
		if len(biomarkers) != 1 || biomarkers[0].ID != "b3" {
			t.Fatalf("expected only b3 to survive cascade, got %+v", biomarkers)
		}
		for i := 0; i < 2; i++ {
			if c := nextChange(t, bioStream); c.Event != feed.EventDelete || len(c.Old) == 0 {
				t.Fatalf("expected biomarker delete with old row, got %+v", c)
			}
		}
		if _, err := b.DeleteReport(ctx, "u1", "r1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound on second delete, got %v", err)
		}
	})
}

func TestBackendBiomarkerEdits(t *testing.T) {
	backends(t, func(t *testing.T, b Backend, _ *feed.MemoryHub) {
		ctx := context.Background()
		if _, err := b.InsertReport(ctx, domain.LabReport{ID: "r1", UserID: "u1"}); err != nil {
			t.Fatalf("insert report: %v", err)
		}
		if err := b.InsertBiomarkers(ctx, []domain.Biomarker{{ID: "b1", ReportID: "r1", UserID: "u2"}}); !errors.Is(err, ErrOwnerMismatch) {
			t.Fatalf("expected owner mismatch, got %v", err)
		}
		if err := b.InsertBiomarkers(ctx, []domain.Biomarker{{ID: "b1", ReportID: "r1", UserID: "u1", MarkerName: "LDL", Value: 3.9, Category: "lipids"}}); err != nil {
			t.Fatalf("insert biomarker: %v", err)
		}

		edited, err := b.UpdateBiomarkerValue(ctx, "u1", "b1", 2.4, domain.FlagNone)
		if err != nil {
			t.Fatalf("update value: %v", err)
		}
		if edited.Value != 2.4 || edited.Category != "lipids" {
			t.Fatalf("unexpected edited biomarker: %+v", edited)
		}
		fav, err := b.SetBiomarkerFavourite(ctx, "u1", "b1", true)
		if err != nil {
			t.Fatalf("set favourite: %v", err)
		}
		if !fav.IsFavourite || fav.Value != 2.4 {
			t.Fatalf("unexpected favourite biomarker: %+v", fav)
		}
		if _, err := b.SetBiomarkerFavourite(ctx, "u2", "b1", false); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound for foreign user, got %v", err)
		}
		if err := b.DeleteBiomarker(ctx, "u1", "b1"); err != nil {
			t.Fatalf("delete biomarker: %v", err)
		}
		if err := b.DeleteBiomarker(ctx, "u1", "b1"); !errors.Is(err, ErrNotFound) {
			t.Fatalf("expected ErrNotFound on second delete, got %v", err)
		}
	})
}

func TestMemoryStoreFailNextList(t *testing.T) {
	m := NewMemoryStore()
	m.FailNextList(errors.New("boom"))
	if _, err := m.ListReports(context.Background(), "u1"); err == nil {
		t.Fatalf("expected injected failure")
	}
	if _, err := m.ListReports(context.Background(), "u1"); err != nil {
		t.Fatalf("failure should apply once, got %v", err)
	}
}

func TestNewGormStoreRequiresDSN(t *testing.T) {
	if s, err := NewGormStore(""); err == nil || s != nil {
		t.Fatalf("expected error for empty dsn")
	}
}
