package poller

import (
	"time"

	"labsync/pkg/domain"
)

// Schedule is the polling decision for one family.
type Schedule struct {
	ShouldPoll bool
	Interval   time.Duration
}

// Policy maps the current records of a family to a schedule.
type Policy[T any] func(records []T) Schedule

// ReportPolicy polls at active while any report is still being extracted and
// not at all once every report is terminal.
func ReportPolicy(active time.Duration) Policy[domain.LabReport] {
	return func(reports []domain.LabReport) Schedule {
		for _, r := range reports {
			if r.ExtractionStatus.Active() {
				return Schedule{ShouldPoll: true, Interval: active}
			}
		}
		return Schedule{}
	}
}

// FixedPolicy always polls at interval.
func FixedPolicy[T any](interval time.Duration) Policy[T] {
	return func([]T) Schedule {
		return Schedule{ShouldPoll: interval > 0, Interval: interval}
	}
}
