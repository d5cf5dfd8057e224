package domain

// Family names one synchronized record collection.
type Family string

const (
	FamilyReports    Family = "lab_reports"
	FamilyBiomarkers Family = "biomarkers"
)

// Table returns the backend table backing the family.
func (f Family) Table() string { return string(f) }

// ChangeType is the kind of a normalized row change.
type ChangeType string

const (
	ChangeInsert ChangeType = "insert"
	ChangeUpdate ChangeType = "update"
	ChangeDelete ChangeType = "delete"
)

// Record is implemented by every synchronized entity.
type Record[T any] interface {
	RecordID() string
	RecordOwner() string
	SameAs(T) bool
}

// Event is an observed change for one record, produced by either the
// change feed or the poller.
type Event[T any] struct {
	Type   ChangeType
	Record T
}

func Insert[T any](rec T) Event[T] { return Event[T]{Type: ChangeInsert, Record: rec} }
func Update[T any](rec T) Event[T] { return Event[T]{Type: ChangeUpdate, Record: rec} }
func Delete[T any](rec T) Event[T] { return Event[T]{Type: ChangeDelete, Record: rec} }
