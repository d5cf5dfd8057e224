package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"labsync/pkg/domain"
	"labsync/pkg/feed"
)

// MemoryStore keeps backend rows in-process for local runs and tests.
type MemoryStore struct {
	mu         sync.RWMutex
	reports    map[string]domain.LabReport
	biomarkers map[string]domain.Biomarker
	notifier   changeNotifier
	failNext   error
}

// NewMemoryStore initializes an empty in-memory backend.
func NewMemoryStore(options ...GormStoreOption) *MemoryStore {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	return &MemoryStore{
		reports:    make(map[string]domain.LabReport),
		biomarkers: make(map[string]domain.Biomarker),
		notifier:   changeNotifier{pub: opts.Publisher, log: opts.Logger},
	}
}

// FailNextList makes the next List call return err.
func (m *MemoryStore) FailNextList(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failNext = err
}

func (m *MemoryStore) takeFailure() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	err := m.failNext
	m.failNext = nil
	return err
}

// ListReports returns the user's reports, newest first.
func (m *MemoryStore) ListReports(_ context.Context, userID string) ([]domain.LabReport, error) {
	if err := m.takeFailure(); err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.LabReport, 0, len(m.reports))
	for _, r := range m.reports {
		if r.UserID == userID {
			res = append(res, r)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// ListBiomarkers returns the user's biomarkers, newest first.
func (m *MemoryStore) ListBiomarkers(_ context.Context, userID string) ([]domain.Biomarker, error) {
	if err := m.takeFailure(); err != nil {
		return nil, fmt.Errorf("list biomarkers: %w", err)
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	res := make([]domain.Biomarker, 0, len(m.biomarkers))
	for _, b := range m.biomarkers {
		if b.UserID == userID {
			res = append(res, b)
		}
	}
	sort.Slice(res, func(i, j int) bool { return res[i].CreatedAt.After(res[j].CreatedAt) })
	return res, nil
}

// InsertReport stores a new report.
func (m *MemoryStore) InsertReport(ctx context.Context, report domain.LabReport) (domain.LabReport, error) {
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	if report.ExtractionStatus == "" {
		report.ExtractionStatus = domain.StatusPending
	}
	m.mu.Lock()
	if _, exists := m.reports[report.ID]; exists {
		m.mu.Unlock()
		return domain.LabReport{}, fmt.Errorf("insert report: duplicate id %s", report.ID)
	}
	m.reports[report.ID] = report
	m.mu.Unlock()
	m.notifier.notify(ctx, domain.FamilyReports, feed.EventInsert, report.UserID, report, nil)
	return report, nil
}

// UpdateReportStatus sets extraction_status.
func (m *MemoryStore) UpdateReportStatus(ctx context.Context, userID, reportID string, status domain.ExtractionStatus) (domain.LabReport, error) {
	m.mu.Lock()
	report, ok := m.reports[reportID]
	if !ok || report.UserID != userID {
		m.mu.Unlock()
		return domain.LabReport{}, fmt.Errorf("update report status: %w", ErrNotFound)
	}
	report.ExtractionStatus = status
	m.reports[reportID] = report
	m.mu.Unlock()
	m.notifier.notify(ctx, domain.FamilyReports, feed.EventUpdate, userID, report, nil)
	return report, nil
}

// DeleteReport removes the report and cascades to its biomarkers.
func (m *MemoryStore) DeleteReport(ctx context.Context, userID, reportID string) (domain.LabReport, error) {
	m.mu.Lock()
	report, ok := m.reports[reportID]
	if !ok || report.UserID != userID {
		m.mu.Unlock()
		return domain.LabReport{}, fmt.Errorf("delete report: %w", ErrNotFound)
	}
	delete(m.reports, reportID)
	var removed []string
	for id, b := range m.biomarkers {
		if b.ReportID == reportID {
			delete(m.biomarkers, id)
			removed = append(removed, id)
		}
	}
	m.mu.Unlock()
	for _, id := range removed {
		m.notifier.notify(ctx, domain.FamilyBiomarkers, feed.EventDelete, userID, nil, deletedRow{ID: id, UserID: userID})
	}
	m.notifier.notify(ctx, domain.FamilyReports, feed.EventDelete, userID, nil, deletedRow{ID: reportID, UserID: userID})
	return report, nil
}

// InsertBiomarkers stores biomarkers whose parent belongs to the same user.
func (m *MemoryStore) InsertBiomarkers(ctx context.Context, biomarkers []domain.Biomarker) error {
	m.mu.Lock()
	for _, b := range biomarkers {
		parent, ok := m.reports[b.ReportID]
		if !ok {
			m.mu.Unlock()
			return fmt.Errorf("insert biomarkers: %w", ErrNotFound)
		}
		if parent.UserID != b.UserID {
			m.mu.Unlock()
			return fmt.Errorf("insert biomarkers: %w", ErrOwnerMismatch)
		}
	}
	saved := make([]domain.Biomarker, 0, len(biomarkers))
	for _, b := range biomarkers {
		if b.CreatedAt.IsZero() {
			b.CreatedAt = time.Now().UTC()
		}
		m.biomarkers[b.ID] = b
		saved = append(saved, b)
	}
	m.mu.Unlock()
	for _, b := range saved {
		m.notifier.notify(ctx, domain.FamilyBiomarkers, feed.EventInsert, b.UserID, b, nil)
	}
	return nil
}

// UpdateBiomarkerValue edits the measured value and flag.
func (m *MemoryStore) UpdateBiomarkerValue(ctx context.Context, userID, biomarkerID string, value float64, flag domain.AbnormalFlag) (domain.Biomarker, error) {
	return m.updateBiomarker(ctx, userID, biomarkerID, func(b *domain.Biomarker) {
		b.Value = value
		b.AbnormalFlag = flag
	})
}

// SetBiomarkerFavourite toggles is_favourite.
func (m *MemoryStore) SetBiomarkerFavourite(ctx context.Context, userID, biomarkerID string, favourite bool) (domain.Biomarker, error) {
	return m.updateBiomarker(ctx, userID, biomarkerID, func(b *domain.Biomarker) {
		b.IsFavourite = favourite
	})
}

func (m *MemoryStore) updateBiomarker(ctx context.Context, userID, biomarkerID string, mutate func(*domain.Biomarker)) (domain.Biomarker, error) {
	m.mu.Lock()
	b, ok := m.biomarkers[biomarkerID]
	if !ok || b.UserID != userID {
		m.mu.Unlock()
		return domain.Biomarker{}, fmt.Errorf("update biomarker: %w", ErrNotFound)
	}
	mutate(&b)
	m.biomarkers[biomarkerID] = b
	m.mu.Unlock()
	m.notifier.notify(ctx, domain.FamilyBiomarkers, feed.EventUpdate, userID, b, nil)
	return b, nil
}

// DeleteBiomarker removes one biomarker.
func (m *MemoryStore) DeleteBiomarker(ctx context.Context, userID, biomarkerID string) error {
	m.mu.Lock()
	b, ok := m.biomarkers[biomarkerID]
	if !ok || b.UserID != userID {
		m.mu.Unlock()
		return fmt.Errorf("delete biomarker: %w", ErrNotFound)
	}
	delete(m.biomarkers, biomarkerID)
	m.mu.Unlock()
	m.notifier.notify(ctx, domain.FamilyBiomarkers, feed.EventDelete, userID, nil, deletedRow{ID: biomarkerID, UserID: userID})
	return nil
}

// PutReportSilently writes a row without publishing a change, the way a missed
// realtime notification looks to subscribers.
func (m *MemoryStore) PutReportSilently(report domain.LabReport) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reports[report.ID] = report
}

// PutBiomarkerSilently writes a biomarker without publishing a change.
func (m *MemoryStore) PutBiomarkerSilently(b domain.Biomarker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.biomarkers[b.ID] = b
}
