package domain

import "time"

// ExtractionStatus is the lifecycle of a report inside the extraction pipeline.
type ExtractionStatus string

const (
	StatusPending     ExtractionStatus = "pending"
	StatusProcessing  ExtractionStatus = "processing"
	StatusSaving      ExtractionStatus = "saving"
	StatusDone        ExtractionStatus = "done"
	StatusError       ExtractionStatus = "error"
	StatusUnsupported ExtractionStatus = "unsupported"
)

// Active reports whether the pipeline is still working on the report.
func (s ExtractionStatus) Active() bool {
	switch s {
	case StatusPending, StatusProcessing, StatusSaving:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further status change is expected in this run.
func (s ExtractionStatus) Terminal() bool {
	switch s {
	case StatusDone, StatusError, StatusUnsupported:
		return true
	default:
		return false
	}
}

// Failed reports error and unsupported outcomes.
func (s ExtractionStatus) Failed() bool {
	return s == StatusError || s == StatusUnsupported
}

func (s ExtractionStatus) rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusProcessing:
		return 2
	case StatusSaving:
		return 3
	case StatusDone, StatusError, StatusUnsupported:
		return 4
	default:
		return 0
	}
}

// CanAdvanceTo reports whether moving from s to next keeps a single run monotonic.
// error and unsupported short-circuit only from pending or processing.
func (s ExtractionStatus) CanAdvanceTo(next ExtractionStatus) bool {
	if s == next {
		return true
	}
	if next.Failed() {
		return s == StatusPending || s == StatusProcessing || s == ""
	}
	return next.rank() > s.rank() && !s.Terminal()
}

// AbnormalFlag marks a biomarker value outside its reference range.
type AbnormalFlag string

const (
	FlagNone     AbnormalFlag = ""
	FlagLow      AbnormalFlag = "low"
	FlagHigh     AbnormalFlag = "high"
	FlagVeryLow  AbnormalFlag = "very low"
	FlagVeryHigh AbnormalFlag = "very high"
)

// Valid reports whether the flag is one of the known values.
func (f AbnormalFlag) Valid() bool {
	switch f {
	case FlagNone, FlagLow, FlagHigh, FlagVeryLow, FlagVeryHigh:
		return true
	default:
		return false
	}
}

type LabReport struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	PatientName      string           `json:"patient_name"`
	PatientDOB       string           `json:"patient_dob"`
	PatientGender    string           `json:"patient_gender"`
	LaboratoryName   string           `json:"laboratory_name"`
	ReportDate       string           `json:"report_date"`
	Description      string           `json:"description"`
	Notes            string           `json:"notes"`
	FileName         string           `json:"file_name"`
	FilePath         string           `json:"file_path"`
	ThumbnailPath    string           `json:"thumbnail_path"`
	ExtractionStatus ExtractionStatus `json:"extraction_status"`
	CreatedAt        time.Time        `json:"created_at"`
}

func (r LabReport) RecordID() string    { return r.ID }
func (r LabReport) RecordOwner() string { return r.UserID }

// SameAs compares every tracked field.
func (r LabReport) SameAs(o LabReport) bool {
	return r.ID == o.ID &&
		r.UserID == o.UserID &&
		r.PatientName == o.PatientName &&
		r.PatientDOB == o.PatientDOB &&
		r.PatientGender == o.PatientGender &&
		r.LaboratoryName == o.LaboratoryName &&
		r.ReportDate == o.ReportDate &&
		r.Description == o.Description &&
		r.Notes == o.Notes &&
		r.FileName == o.FileName &&
		r.FilePath == o.FilePath &&
		r.ThumbnailPath == o.ThumbnailPath &&
		r.ExtractionStatus == o.ExtractionStatus &&
		r.CreatedAt.Equal(o.CreatedAt)
}

type Biomarker struct {
	ID             string       `json:"id"`
	ReportID       string       `json:"report_id"`
	UserID         string       `json:"user_id"`
	MarkerName     string       `json:"marker_name"`
	Value          float64      `json:"value"`
	Unit           string       `json:"unit"`
	ReferenceRange string       `json:"reference_range"`
	OptimalRange   string       `json:"optimal_range"`
	AbnormalFlag   AbnormalFlag `json:"abnormal_flag"`
	ReportDate     string       `json:"report_date"`
	About          string       `json:"about"`
	Category       string       `json:"category"`
	IsFavourite    bool         `json:"is_favourite"`
	CreatedAt      time.Time    `json:"created_at"`
}

func (b Biomarker) RecordID() string    { return b.ID }
func (b Biomarker) RecordOwner() string { return b.UserID }

// SameAs compares every tracked field.
func (b Biomarker) SameAs(o Biomarker) bool {
	return b.ID == o.ID &&
		b.ReportID == o.ReportID &&
		b.UserID == o.UserID &&
		b.MarkerName == o.MarkerName &&
		b.Value == o.Value &&
		b.Unit == o.Unit &&
		b.ReferenceRange == o.ReferenceRange &&
		b.OptimalRange == o.OptimalRange &&
		b.AbnormalFlag == o.AbnormalFlag &&
		b.ReportDate == o.ReportDate &&
		b.About == o.About &&
		b.Category == o.Category &&
		b.IsFavourite == o.IsFavourite &&
		b.CreatedAt.Equal(o.CreatedAt)
}
