package realtime

import (
	"bytes"
	"encoding/json"
	"reflect"
	"strings"
	"time"
)

type Kind string

const (
	KindNewAssignment Kind = "new-assignment"
	KindCancelled     Kind = "cancelled"
	KindRescheduled   Kind = "rescheduled"
	KindUrgent        Kind = "urgent"
	KindUpdate        Kind = "update"
	KindReminder      Kind = "reminder"
)

// Classify reduces an update to the single highest-precedence kind:
// cancelled, then rescheduled, then urgent, then a generic update. Records
// identical in every modelled field yield false. Without an old record only
// cancellation and urgency can be detected.
func Classify(old *Entity, updated Entity) (Kind, bool) {
	if old == nil {
		switch {
		case updated.isCancelled():
			return KindCancelled, true
		case updated.isUrgent():
			return KindUrgent, true
		default:
			return KindUpdate, true
		}
	}
	if sameEntity(*old, updated) {
		return "", false
	}
	switch {
	case updated.isCancelled() && !old.isCancelled():
		return KindCancelled, true
	case !sameDates(old.sortedDates(), updated.sortedDates()):
		return KindRescheduled, true
	case updated.isUrgent() && !old.isUrgent():
		return KindUrgent, true
	default:
		return KindUpdate, true
	}
}

// ClassifyChange classifies an update event from its raw records. A delivery
// whose old and new records are identical column for column is a duplicate;
// any other difference alerts, as a generic update when no modelled field
// changed.
func ClassifyChange(oldRaw, newRaw json.RawMessage, old *Entity, updated Entity) (Kind, bool) {
	if old != nil && sameRecord(oldRaw, newRaw) {
		return "", false
	}
	kind, ok := Classify(old, updated)
	if !ok {
		return KindUpdate, true
	}
	return kind, true
}

// sameRecord compares two JSON records independent of key order and
// whitespace. Undecodable input is never the same.
func sameRecord(a, b json.RawMessage) bool {
	left, okA := canonicalRecord(a)
	right, okB := canonicalRecord(b)
	return okA && okB && reflect.DeepEqual(left, right)
}

func canonicalRecord(raw json.RawMessage) (any, bool) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return nil, false
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var out any
	if err := dec.Decode(&out); err != nil {
		return nil, false
	}
	return out, true
}

func sameEntity(a, b Entity) bool {
	return a.ID == b.ID &&
		a.Title == b.Title &&
		strings.EqualFold(a.Status, b.Status) &&
		strings.EqualFold(a.Priority, b.Priority) &&
		a.Cancelled == b.Cancelled &&
		a.Location == b.Location &&
		a.UpdatedAt.Equal(b.UpdatedAt) &&
		sameDates(a.sortedDates(), b.sortedDates())
}

func sameDates(a, b []time.Time) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !a[i].Equal(b[i]) {
			return false
		}
	}
	return true
}
