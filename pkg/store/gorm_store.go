package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"labsync/pkg/domain"
	"labsync/pkg/feed"
)

const migrateLockID int64 = 52710334

type GormStoreOptions struct {
	Publisher feed.Publisher
	Logger    *slog.Logger
}

type GormStoreOption func(*GormStoreOptions)

// WithPublisher publishes every committed row change to pub.
func WithPublisher(pub feed.Publisher) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Publisher = pub
	}
}

// WithLogger sets the logger used for publish failures.
func WithLogger(logger *slog.Logger) GormStoreOption {
	return func(opts *GormStoreOptions) {
		opts.Logger = logger
	}
}

// GormStore implements Backend using GORM.
type GormStore struct {
	db       *gorm.DB
	notifier changeNotifier
}

// NewGormStore opens a Postgres DB and runs auto-migrations under an advisory lock.
func NewGormStore(dsn string, options ...GormStoreOption) (*GormStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("database URL required")
	}
	return NewGormStoreWithDialector(postgres.Open(dsn), options...)
}

// NewGormStoreWithDialector opens any GORM dialector. The advisory migration
// lock is taken only on Postgres.
func NewGormStoreWithDialector(dialector gorm.Dialector, options ...GormStoreOption) (*GormStore, error) {
	opts := GormStoreOptions{}
	for _, option := range options {
		if option != nil {
			option(&opts)
		}
	}
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(dialector, &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	migrate := func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(&LabReportModel{}, &BiomarkerModel{}); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		return nil
	}
	if db.Dialector.Name() == "postgres" {
		err = withMigrationLock(db, migrate)
	} else {
		err = migrate(db)
	}
	if err != nil {
		return nil, err
	}
	return &GormStore{db: db, notifier: changeNotifier{pub: opts.Publisher, log: opts.Logger}}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if err := execAdvisory(ctx, conn, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_ = execAdvisory(ctx, conn, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

func execAdvisory(ctx context.Context, conn *sql.Conn, query string, lockID int64) error {
	_, err := conn.ExecContext(ctx, query, lockID)
	return err
}

// ListReports returns the user's reports, newest first.
func (s *GormStore) ListReports(ctx context.Context, userID string) ([]domain.LabReport, error) {
	var models []LabReportModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	res := make([]domain.LabReport, 0, len(models))
	for _, m := range models {
		res = append(res, reportFromModel(m))
	}
	return res, nil
}

// ListBiomarkers returns the user's biomarkers, newest first.
func (s *GormStore) ListBiomarkers(ctx context.Context, userID string) ([]domain.Biomarker, error) {
	var models []BiomarkerModel
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("created_at DESC").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list biomarkers: %w", err)
	}
	res := make([]domain.Biomarker, 0, len(models))
	for _, m := range models {
		res = append(res, biomarkerFromModel(m))
	}
	return res, nil
}

// InsertReport creates the report row. created_at is assigned here when unset.
func (s *GormStore) InsertReport(ctx context.Context, report domain.LabReport) (domain.LabReport, error) {
	if report.CreatedAt.IsZero() {
		report.CreatedAt = time.Now().UTC()
	}
	if report.ExtractionStatus == "" {
		report.ExtractionStatus = domain.StatusPending
	}
	model := reportToModel(report)
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return domain.LabReport{}, fmt.Errorf("insert report: %w", err)
	}
	saved := reportFromModel(model)
	s.notifier.notify(ctx, domain.FamilyReports, feed.EventInsert, saved.UserID, saved, nil)
	return saved, nil
}

// UpdateReportStatus sets extraction_status on a report owned by userID.
func (s *GormStore) UpdateReportStatus(ctx context.Context, userID, reportID string, status domain.ExtractionStatus) (domain.LabReport, error) {
	var model LabReportModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model, "id = ? AND user_id = ?", reportID, userID).Error; err != nil {
			return err
		}
		model.ExtractionStatus = string(status)
		model.UpdatedAt = time.Now().UTC()
		return tx.Model(&LabReportModel{}).Where("id = ?", reportID).Updates(map[string]any{
			"extraction_status": model.ExtractionStatus,
			"updated_at":        model.UpdatedAt,
		}).Error
	})
	if err != nil {
		return domain.LabReport{}, wrapNotFound("update report status", err)
	}
	saved := reportFromModel(model)
	s.notifier.notify(ctx, domain.FamilyReports, feed.EventUpdate, userID, saved, nil)
	return saved, nil
}

// DeleteReport removes the report and its biomarkers in one transaction.
func (s *GormStore) DeleteReport(ctx context.Context, userID, reportID string) (domain.LabReport, error) {
	var model LabReportModel
	var removed []BiomarkerModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.First(&model, "id = ? AND user_id = ?", reportID, userID).Error; err != nil {
			return err
		}
		if err := tx.Where("report_id = ?", reportID).Find(&removed).Error; err != nil {
			return err
		}
		if err := tx.Where("report_id = ?", reportID).Delete(&BiomarkerModel{}).Error; err != nil {
			return err
		}
		return tx.Delete(&LabReportModel{}, "id = ?", reportID).Error
	})
	if err != nil {
		return domain.LabReport{}, wrapNotFound("delete report", err)
	}
	for _, b := range removed {
		s.notifier.notify(ctx, domain.FamilyBiomarkers, feed.EventDelete, userID, nil, deletedRow{ID: b.ID, UserID: userID})
	}
	s.notifier.notify(ctx, domain.FamilyReports, feed.EventDelete, userID, nil, deletedRow{ID: reportID, UserID: userID})
	return reportFromModel(model), nil
}

// InsertBiomarkers stores biomarkers after checking every parent report
// belongs to the same user.
func (s *GormStore) InsertBiomarkers(ctx context.Context, biomarkers []domain.Biomarker) error {
	if len(biomarkers) == 0 {
		return nil
	}
	models := make([]BiomarkerModel, 0, len(biomarkers))
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		owners := make(map[string]string)
		for _, b := range biomarkers {
			owner, ok := owners[b.ReportID]
			if !ok {
				var parent LabReportModel
				if err := tx.Select("id", "user_id").First(&parent, "id = ?", b.ReportID).Error; err != nil {
					return err
				}
				owner = parent.UserID
				owners[b.ReportID] = owner
			}
			if owner != b.UserID {
				return ErrOwnerMismatch
			}
			if b.CreatedAt.IsZero() {
				b.CreatedAt = time.Now().UTC()
			}
			m, err := biomarkerToModel(b)
			if err != nil {
				return err
			}
			models = append(models, m)
		}
		return tx.Create(&models).Error
	})
	if err != nil {
		return wrapNotFound("insert biomarkers", err)
	}
	for _, m := range models {
		saved := biomarkerFromModel(m)
		s.notifier.notify(ctx, domain.FamilyBiomarkers, feed.EventInsert, saved.UserID, saved, nil)
	}
	return nil
}

// UpdateBiomarkerValue edits the measured value and its flag.
func (s *GormStore) UpdateBiomarkerValue(ctx context.Context, userID, biomarkerID string, value float64, flag domain.AbnormalFlag) (domain.Biomarker, error) {
	return s.updateBiomarker(ctx, userID, biomarkerID, map[string]any{
		"value":         value,
		"abnormal_flag": string(flag),
	})
}

// SetBiomarkerFavourite toggles is_favourite.
func (s *GormStore) SetBiomarkerFavourite(ctx context.Context, userID, biomarkerID string, favourite bool) (domain.Biomarker, error) {
	return s.updateBiomarker(ctx, userID, biomarkerID, map[string]any{"is_favourite": favourite})
}

func (s *GormStore) updateBiomarker(ctx context.Context, userID, biomarkerID string, fields map[string]any) (domain.Biomarker, error) {
	var model BiomarkerModel
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		fields["updated_at"] = time.Now().UTC()
		res := tx.Model(&BiomarkerModel{}).Where("id = ? AND user_id = ?", biomarkerID, userID).Updates(fields)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return gorm.ErrRecordNotFound
		}
		return tx.First(&model, "id = ?", biomarkerID).Error
	})
	if err != nil {
		return domain.Biomarker{}, wrapNotFound("update biomarker", err)
	}
	saved := biomarkerFromModel(model)
	s.notifier.notify(ctx, domain.FamilyBiomarkers, feed.EventUpdate, userID, saved, nil)
	return saved, nil
}

// DeleteBiomarker removes one biomarker owned by userID.
func (s *GormStore) DeleteBiomarker(ctx context.Context, userID, biomarkerID string) error {
	res := s.db.WithContext(ctx).Delete(&BiomarkerModel{}, "id = ? AND user_id = ?", biomarkerID, userID)
	if res.Error != nil {
		return fmt.Errorf("delete biomarker: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("delete biomarker: %w", ErrNotFound)
	}
	s.notifier.notify(ctx, domain.FamilyBiomarkers, feed.EventDelete, userID, nil, deletedRow{ID: biomarkerID, UserID: userID})
	return nil
}

// deletedRow is the primary key payload a delete notification carries.
type deletedRow struct {
	ID     string `json:"id"`
	UserID string `json:"user_id,omitempty"`
}

func wrapNotFound(op string, err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, ErrNotFound)
	}
	return fmt.Errorf("%s: %w", op, err)
}
