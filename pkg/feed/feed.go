// Package feed carries row-level change notifications from the backend's
// realtime service to subscribers. Transports deliver at most once and may
// silently stop on connection loss; callers recover missed changes by polling.
package feed

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Event names as emitted by the backend realtime service.
const (
	EventInsert = "INSERT"
	EventUpdate = "UPDATE"
	EventDelete = "DELETE"
)

var (
	ErrClosed        = errors.New("feed closed")
	ErrTableRequired = errors.New("feed table required")
)

// Change is one provider notification. New is set for inserts and updates,
// Old for deletes (and for updates when the table replicates full rows).
type Change struct {
	Table string          `json:"table"`
	Event string          `json:"event"`
	New   json.RawMessage `json:"new,omitempty"`
	Old   json.RawMessage `json:"old,omitempty"`
}

// Filter scopes a subscription to rows whose Column equals Value.
type Filter struct {
	Column string
	Value  string
}

// UserFilter is the row level filter applied to every per-user subscription.
func UserFilter(userID string) Filter {
	return Filter{Column: "user_id", Value: userID}
}

// String renders the filter in the backend's "column=eq.value" form.
func (f Filter) String() string {
	if f.Column == "" {
		return ""
	}
	return fmt.Sprintf("%s=eq.%s", f.Column, f.Value)
}

// Stream is an open subscription.
type Stream interface {
	// Changes is closed when the subscription ends for any reason.
	Changes() <-chan Change
	Close() error
}

// Source opens change streams for a table.
type Source interface {
	Subscribe(ctx context.Context, table string, filter Filter) (Stream, error)
}

// Publisher emits changes; implemented next to every Source so the backend
// side (or a test) can drive subscribers.
type Publisher interface {
	Publish(ctx context.Context, table string, filter Filter, change Change) error
}

// NewChange builds a change from typed rows.
func NewChange(table, event string, newRow, oldRow any) (Change, error) {
	ch := Change{Table: table, Event: event}
	if newRow != nil {
		raw, err := json.Marshal(newRow)
		if err != nil {
			return Change{}, fmt.Errorf("encode new row: %w", err)
		}
		ch.New = raw
	}
	if oldRow != nil {
		raw, err := json.Marshal(oldRow)
		if err != nil {
			return Change{}, fmt.Errorf("encode old row: %w", err)
		}
		ch.Old = raw
	}
	return ch, nil
}

func normalizeEvent(event string) string {
	return strings.ToUpper(strings.TrimSpace(event))
}
