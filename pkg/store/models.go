package store

import (
	"encoding/json"
	"time"

	"gorm.io/datatypes"

	"labsync/pkg/domain"
)

// GORM models used for persistence. Table names match the backend tables the
// change feed reports on.
type LabReportModel struct {
	ID               string `gorm:"primaryKey"`
	UserID           string `gorm:"not null;index"`
	PatientName      string
	PatientDOB       string
	PatientGender    string
	LaboratoryName   string
	ReportDate       string
	Description      string
	Notes            string
	FileName         string
	FilePath         string
	ThumbnailPath    string
	ExtractionStatus string    `gorm:"not null;index"`
	CreatedAt        time.Time `gorm:"not null;index"`
	UpdatedAt        time.Time
}

func (LabReportModel) TableName() string { return domain.FamilyReports.Table() }

type BiomarkerModel struct {
	ID             string `gorm:"primaryKey"`
	ReportID       string `gorm:"not null;index"`
	UserID         string `gorm:"not null;index"`
	MarkerName     string `gorm:"not null"`
	Value          float64
	Unit           string
	ReferenceRange string
	OptimalRange   string
	AbnormalFlag   string
	ReportDate     string `gorm:"index"`
	Content        datatypes.JSON
	IsFavourite    bool
	CreatedAt      time.Time `gorm:"not null;index"`
	UpdatedAt      time.Time
}

func (BiomarkerModel) TableName() string { return domain.FamilyBiomarkers.Table() }

// biomarkerContent holds the static reference text stored as one JSON column.
type biomarkerContent struct {
	About    string `json:"about,omitempty"`
	Category string `json:"category,omitempty"`
}

func reportToModel(r domain.LabReport) LabReportModel {
	return LabReportModel{
		ID:               r.ID,
		UserID:           r.UserID,
		PatientName:      r.PatientName,
		PatientDOB:       r.PatientDOB,
		PatientGender:    r.PatientGender,
		LaboratoryName:   r.LaboratoryName,
		ReportDate:       r.ReportDate,
		Description:      r.Description,
		Notes:            r.Notes,
		FileName:         r.FileName,
		FilePath:         r.FilePath,
		ThumbnailPath:    r.ThumbnailPath,
		ExtractionStatus: string(r.ExtractionStatus),
		CreatedAt:        r.CreatedAt,
		UpdatedAt:        time.Now().UTC(),
	}
}

func reportFromModel(m LabReportModel) domain.LabReport {
	return domain.LabReport{
		ID:               m.ID,
		UserID:           m.UserID,
		PatientName:      m.PatientName,
		PatientDOB:       m.PatientDOB,
		PatientGender:    m.PatientGender,
		LaboratoryName:   m.LaboratoryName,
		ReportDate:       m.ReportDate,
		Description:      m.Description,
		Notes:            m.Notes,
		FileName:         m.FileName,
		FilePath:         m.FilePath,
		ThumbnailPath:    m.ThumbnailPath,
		ExtractionStatus: domain.ExtractionStatus(m.ExtractionStatus),
		CreatedAt:        m.CreatedAt.UTC(),
	}
}

func biomarkerToModel(b domain.Biomarker) (BiomarkerModel, error) {
	content, err := json.Marshal(biomarkerContent{About: b.About, Category: b.Category})
	if err != nil {
		return BiomarkerModel{}, err
	}
	return BiomarkerModel{
		ID:             b.ID,
		ReportID:       b.ReportID,
		UserID:         b.UserID,
		MarkerName:     b.MarkerName,
		Value:          b.Value,
		Unit:           b.Unit,
		ReferenceRange: b.ReferenceRange,
		OptimalRange:   b.OptimalRange,
		AbnormalFlag:   string(b.AbnormalFlag),
		ReportDate:     b.ReportDate,
		Content:        datatypes.JSON(content),
		IsFavourite:    b.IsFavourite,
		CreatedAt:      b.CreatedAt,
		UpdatedAt:      time.Now().UTC(),
	}, nil
}

func biomarkerFromModel(m BiomarkerModel) domain.Biomarker {
	var content biomarkerContent
	if len(m.Content) > 0 {
		_ = json.Unmarshal(m.Content, &content)
	}
	return domain.Biomarker{
		ID:             m.ID,
		ReportID:       m.ReportID,
		UserID:         m.UserID,
		MarkerName:     m.MarkerName,
		Value:          m.Value,
		Unit:           m.Unit,
		ReferenceRange: m.ReferenceRange,
		OptimalRange:   m.OptimalRange,
		AbnormalFlag:   domain.AbnormalFlag(m.AbnormalFlag),
		ReportDate:     m.ReportDate,
		About:          content.About,
		Category:       content.Category,
		IsFavourite:    m.IsFavourite,
		CreatedAt:      m.CreatedAt.UTC(),
	}
}
