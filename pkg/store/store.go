package store

import (
	"context"
	"errors"

	"labsync/pkg/domain"
)

var (
	// ErrNotFound is returned when a row does not exist for the given user.
	ErrNotFound = errors.New("record not found")
	// ErrOwnerMismatch is returned when a biomarker references another user's report.
	ErrOwnerMismatch = errors.New("report owned by another user")
)

// Backend is the client contract against the backend: full snapshot queries
// plus the CRUD primitives the upload and edit flows use.
type Backend interface {
	// snapshots, newest first
	ListReports(ctx context.Context, userID string) ([]domain.LabReport, error)
	ListBiomarkers(ctx context.Context, userID string) ([]domain.Biomarker, error)

	// reports
	InsertReport(ctx context.Context, report domain.LabReport) (domain.LabReport, error)
	UpdateReportStatus(ctx context.Context, userID, reportID string, status domain.ExtractionStatus) (domain.LabReport, error)
	DeleteReport(ctx context.Context, userID, reportID string) (domain.LabReport, error)

	// biomarkers
	InsertBiomarkers(ctx context.Context, biomarkers []domain.Biomarker) error
	UpdateBiomarkerValue(ctx context.Context, userID, biomarkerID string, value float64, flag domain.AbnormalFlag) (domain.Biomarker, error)
	SetBiomarkerFavourite(ctx context.Context, userID, biomarkerID string, favourite bool) (domain.Biomarker, error)
	DeleteBiomarker(ctx context.Context, userID, biomarkerID string) error
}
