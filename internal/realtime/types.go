// Package realtime turns backend change events and a polling lookahead into
// deduplicated local alerts for the signed-in technician.
package realtime

import (
	"encoding/json"
	"errors"
	"sort"
	"strings"
	"time"
)

const (
	ChannelAssignmentCreated = "assignment-created"
	ChannelEntityUpdated     = "entity-updated"
)

const (
	OperationInsert = "INSERT"
	OperationUpdate = "UPDATE"
	OperationDelete = "DELETE"
)

const (
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
	StatusArchived  = "archived"

	PriorityUrgent = "urgent"
)

var ErrNotFound = errors.New("record not found")

// Entity is a schedulable record, an intervention in the field-service app.
type Entity struct {
	ID             string      `json:"id"`
	Title          string      `json:"title"`
	Status         string      `json:"status,omitempty"`
	Priority       string      `json:"priority,omitempty"`
	Cancelled      bool        `json:"cancelled,omitempty"`
	ScheduledDates []time.Time `json:"scheduled_dates,omitempty"`
	Location       string      `json:"location,omitempty"`
	UpdatedAt      time.Time   `json:"updated_at,omitzero"`
}

// Closed reports whether the entity no longer needs reminders.
func (e Entity) Closed() bool {
	if e.Cancelled {
		return true
	}
	switch strings.ToLower(strings.TrimSpace(e.Status)) {
	case StatusCompleted, StatusCancelled, StatusArchived:
		return true
	}
	return false
}

func (e Entity) isCancelled() bool {
	return e.Cancelled || strings.EqualFold(strings.TrimSpace(e.Status), StatusCancelled)
}

func (e Entity) isUrgent() bool {
	return strings.EqualFold(strings.TrimSpace(e.Priority), PriorityUrgent)
}

// sortedDates returns the scheduled dates in UTC, sorted.
func (e Entity) sortedDates() []time.Time {
	out := make([]time.Time, 0, len(e.ScheduledDates))
	for _, date := range e.ScheduledDates {
		out = append(out, date.UTC().Round(0))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

type Assignment struct {
	ID       string `json:"id"`
	EntityID string `json:"entity_id"`
	UserID   string `json:"user_id"`
}

// ChangeEvent is one insert/update delivered by a change stream. Old is absent
// for inserts.
type ChangeEvent struct {
	ID        string          `json:"id,omitempty"`
	Channel   string          `json:"channel"`
	Operation string          `json:"operation"`
	Old       json.RawMessage `json:"old,omitempty"`
	New       json.RawMessage `json:"new"`
}

// Filter narrows a subscription. UserID matches the user_id field of the new
// record.
type Filter struct {
	Channel string `json:"channel"`
	UserID  string `json:"user_id,omitempty"`
}

func (f Filter) Matches(event ChangeEvent) bool {
	if f.Channel != "" && f.Channel != event.Channel {
		return false
	}
	if f.UserID == "" {
		return true
	}
	var owner struct {
		UserID string `json:"user_id"`
	}
	if err := json.Unmarshal(event.New, &owner); err != nil {
		return false
	}
	return owner.UserID == f.UserID
}

func decodeEntity(raw json.RawMessage) (*Entity, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	var entity Entity
	if err := json.Unmarshal(raw, &entity); err != nil {
		return nil, err
	}
	return &entity, nil
}

func decodeJSON(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return errors.New("empty record")
	}
	return json.Unmarshal(raw, dst)
}
