package session

import "errors"

var (
	ErrNoSession         = errors.New("no active session")
	ErrSessionClosed     = errors.New("session closed")
	ErrReportNotFound    = errors.New("report not found")
	ErrBiomarkerNotFound = errors.New("biomarker not found")
	ErrInvalidUpload     = errors.New("invalid upload")
	ErrInvalidFlag       = errors.New("invalid abnormal flag")
)
