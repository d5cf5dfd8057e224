package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"labsync/internal/util"
	"labsync/pkg/domain"
	"labsync/pkg/storage"
	"labsync/pkg/store"
)

// UploadInput is a report file plus the metadata entered with it.
type UploadInput struct {
	FileName    string
	ContentType string
	Size        int64
	Body        io.Reader

	PatientName    string
	PatientDOB     string
	PatientGender  string
	LaboratoryName string
	ReportDate     string
	Description    string
	Notes          string
}

// UploadReport stores the file, inserts the report as pending, queues
// extraction and adds the report to local state without waiting for the feed.
func (s *Session) UploadReport(ctx context.Context, in UploadInput) (domain.LabReport, error) {
	if s.ctx.Err() != nil {
		return domain.LabReport{}, ErrSessionClosed
	}
	name := strings.TrimSpace(in.FileName)
	if name == "" || in.Body == nil {
		return domain.LabReport{}, fmt.Errorf("%w: file name and body are required", ErrInvalidUpload)
	}

	reportID := util.NewID()
	key := storage.ReportKey(s.userID, reportID, name)
	if s.deps.Objects != nil {
		if err := s.deps.Objects.Put(ctx, key, in.Body, in.Size, in.ContentType); err != nil {
			return domain.LabReport{}, fmt.Errorf("store report file: %w", err)
		}
	}

	report, err := s.deps.Backend.InsertReport(ctx, domain.LabReport{
		ID:               reportID,
		UserID:           s.userID,
		PatientName:      in.PatientName,
		PatientDOB:       in.PatientDOB,
		PatientGender:    in.PatientGender,
		LaboratoryName:   in.LaboratoryName,
		ReportDate:       in.ReportDate,
		Description:      in.Description,
		Notes:            in.Notes,
		FileName:         name,
		FilePath:         key,
		ExtractionStatus: domain.StatusPending,
	})
	if err != nil {
		if s.deps.Objects != nil {
			if derr := s.deps.Objects.Delete(ctx, key); derr != nil {
				s.log.Warn("remove orphaned report file", "key", key, "err", derr)
			}
		}
		return domain.LabReport{}, fmt.Errorf("insert report: %w", err)
	}

	s.rec.ApplyReport(domain.Insert(report))
	if s.deps.Queue != nil {
		if job, err := s.deps.Queue.Enqueue(ctx, s.userID, report.ID, key); err != nil {
			s.log.Warn("enqueue extraction failed", "report_id", report.ID, "err", err)
		} else {
			s.log.Info("extraction queued", "report_id", report.ID, "job_id", job.ID)
		}
	}
	s.tracker.Observe(report.ID, report.ExtractionStatus)
	s.reports.Resume()
	return report, nil
}

// DeleteReport removes a report, its biomarkers and its files. A report the
// backend no longer has is still removed locally.
func (s *Session) DeleteReport(ctx context.Context, reportID string) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	report, ok := s.store.Report(reportID)
	if !ok {
		return ErrReportNotFound
	}
	if _, err := s.deps.Backend.DeleteReport(ctx, s.userID, reportID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete report: %w", err)
	}
	if s.deps.Objects != nil {
		for _, key := range []string{report.FilePath, report.ThumbnailPath} {
			if err := s.deps.Objects.Delete(ctx, key); err != nil {
				s.log.Warn("remove report file", "key", key, "err", err)
			}
		}
	}
	s.rec.ApplyReport(domain.Delete(report))
	return nil
}

// DeleteBiomarker removes one biomarker.
func (s *Session) DeleteBiomarker(ctx context.Context, biomarkerID string) error {
	if s.ctx.Err() != nil {
		return ErrSessionClosed
	}
	b, ok := s.store.BiomarkerCollection().Get(biomarkerID)
	if !ok {
		return ErrBiomarkerNotFound
	}
	if err := s.deps.Backend.DeleteBiomarker(ctx, s.userID, biomarkerID); err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("delete biomarker: %w", err)
	}
	s.rec.ApplyBiomarker(domain.Delete(b))
	return nil
}

// UpdateBiomarkerValue edits a measured value and its flag.
func (s *Session) UpdateBiomarkerValue(ctx context.Context, biomarkerID string, value float64, flag domain.AbnormalFlag) (domain.Biomarker, error) {
	if !flag.Valid() {
		return domain.Biomarker{}, fmt.Errorf("%w: %q", ErrInvalidFlag, flag)
	}
	return s.editBiomarker(ctx, biomarkerID, func(ctx context.Context) (domain.Biomarker, error) {
		return s.deps.Backend.UpdateBiomarkerValue(ctx, s.userID, biomarkerID, value, flag)
	})
}

// SetFavourite marks or unmarks a biomarker as favourite.
func (s *Session) SetFavourite(ctx context.Context, biomarkerID string, favourite bool) (domain.Biomarker, error) {
	return s.editBiomarker(ctx, biomarkerID, func(ctx context.Context) (domain.Biomarker, error) {
		return s.deps.Backend.SetBiomarkerFavourite(ctx, s.userID, biomarkerID, favourite)
	})
}

func (s *Session) editBiomarker(ctx context.Context, biomarkerID string, write func(context.Context) (domain.Biomarker, error)) (domain.Biomarker, error) {
	if s.ctx.Err() != nil {
		return domain.Biomarker{}, ErrSessionClosed
	}
	b, err := write(ctx)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return domain.Biomarker{}, ErrBiomarkerNotFound
		}
		return domain.Biomarker{}, fmt.Errorf("update biomarker: %w", err)
	}
	s.rec.ApplyBiomarker(domain.Update(b))
	return b, nil
}
