package realtime

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
)

// Lookup resolves the records an event refers to.
type Lookup interface {
	GetEntity(ctx context.Context, id string) (Entity, error)
	ListAssignedEntities(ctx context.Context, userID string) ([]Entity, error)
	ListAssignees(ctx context.Context, entityID string) ([]string, error)
}

// MemoryLookup is an in-process directory of entities and assignments. It can
// be kept current by applying change events.
type MemoryLookup struct {
	mu          sync.RWMutex
	entities    map[string]Entity
	assignments map[string]Assignment
}

func NewMemoryLookup() *MemoryLookup {
	return &MemoryLookup{
		entities:    map[string]Entity{},
		assignments: map[string]Assignment{},
	}
}

func (l *MemoryLookup) PutEntity(entity Entity) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entities[entity.ID] = entity
}

func (l *MemoryLookup) Assign(assignment Assignment) {
	if assignment.ID == "" {
		assignment.ID = assignment.EntityID + ":" + assignment.UserID
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.assignments[assignment.ID] = assignment
}

func (l *MemoryLookup) Unassign(assignmentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.assignments, assignmentID)
}

// Apply folds a change event into the directory.
func (l *MemoryLookup) Apply(_ context.Context, event ChangeEvent) {
	switch event.Channel {
	case ChannelEntityUpdated:
		var entity Entity
		if err := json.Unmarshal(event.New, &entity); err != nil || entity.ID == "" {
			return
		}
		l.PutEntity(entity)
	case ChannelAssignmentCreated:
		var assignment Assignment
		if err := json.Unmarshal(event.New, &assignment); err != nil || assignment.EntityID == "" {
			return
		}
		if event.Operation == OperationDelete {
			if assignment.ID == "" {
				assignment.ID = assignment.EntityID + ":" + assignment.UserID
			}
			l.Unassign(assignment.ID)
			return
		}
		l.Assign(assignment)
	}
}

func (l *MemoryLookup) GetEntity(_ context.Context, id string) (Entity, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	entity, ok := l.entities[id]
	if !ok {
		return Entity{}, ErrNotFound
	}
	return entity, nil
}

// ListAssignedEntities returns the user's entities sorted by id.
func (l *MemoryLookup) ListAssignedEntities(_ context.Context, userID string) ([]Entity, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := map[string]struct{}{}
	out := make([]Entity, 0)
	for _, assignment := range l.assignments {
		if assignment.UserID != userID {
			continue
		}
		if _, dup := seen[assignment.EntityID]; dup {
			continue
		}
		entity, ok := l.entities[assignment.EntityID]
		if !ok {
			continue
		}
		seen[assignment.EntityID] = struct{}{}
		out = append(out, entity)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (l *MemoryLookup) ListAssignees(_ context.Context, entityID string) ([]string, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	seen := map[string]struct{}{}
	out := make([]string, 0)
	for _, assignment := range l.assignments {
		if assignment.EntityID != entityID {
			continue
		}
		if _, dup := seen[assignment.UserID]; dup {
			continue
		}
		seen[assignment.UserID] = struct{}{}
		out = append(out, assignment.UserID)
	}
	sort.Strings(out)
	return out, nil
}

// Snapshot is the serializable state of a MemoryLookup.
type Snapshot struct {
	Entities    []Entity     `json:"entities"`
	Assignments []Assignment `json:"assignments"`
}

func (l *MemoryLookup) Snapshot() Snapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	snap := Snapshot{
		Entities:    make([]Entity, 0, len(l.entities)),
		Assignments: make([]Assignment, 0, len(l.assignments)),
	}
	for _, entity := range l.entities {
		snap.Entities = append(snap.Entities, entity)
	}
	for _, assignment := range l.assignments {
		snap.Assignments = append(snap.Assignments, assignment)
	}
	sort.Slice(snap.Entities, func(i, j int) bool { return snap.Entities[i].ID < snap.Entities[j].ID })
	sort.Slice(snap.Assignments, func(i, j int) bool { return snap.Assignments[i].ID < snap.Assignments[j].ID })
	return snap
}

func (l *MemoryLookup) Restore(snap Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.entities = make(map[string]Entity, len(snap.Entities))
	l.assignments = make(map[string]Assignment, len(snap.Assignments))
	for _, entity := range snap.Entities {
		l.entities[entity.ID] = entity
	}
	for _, assignment := range snap.Assignments {
		l.assignments[assignment.ID] = assignment
	}
}
