package main

import (
	"context"
	"sync"
	"time"

	"github.com/agentworkforce/fieldalert/internal/realtime"
)

const mirrorEchoTTL = time.Minute

// changeMirror publishes changes posted to this relay on the shared Postgres
// channel, so relays listening on it see them too. It remembers what it sent
// to drop the echo of its own notifications.
type changeMirror struct {
	db      realtime.Execer
	channel string
	now     func() time.Time

	mu   sync.Mutex
	sent map[string]time.Time
}

func newChangeMirror(db realtime.Execer, channel string) *changeMirror {
	return &changeMirror{db: db, channel: channel, now: time.Now, sent: map[string]time.Time{}}
}

func (m *changeMirror) Publish(ctx context.Context, event realtime.ChangeEvent) error {
	m.mu.Lock()
	now := m.now()
	for id, at := range m.sent {
		if now.Sub(at) > mirrorEchoTTL {
			delete(m.sent, id)
		}
	}
	if event.ID != "" {
		m.sent[event.ID] = now
	}
	m.mu.Unlock()

	if err := realtime.PublishPostgres(ctx, m.db, m.channel, event); err != nil {
		m.forget(event.ID)
		return err
	}
	return nil
}

// Echo reports whether event was published by this relay, consuming the
// record so a second delivery is not suppressed.
func (m *changeMirror) Echo(event realtime.ChangeEvent) bool {
	if m == nil || event.ID == "" {
		return false
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sent[event.ID]; !ok {
		return false
	}
	delete(m.sent, event.ID)
	return true
}

func (m *changeMirror) forget(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sent, id)
}
