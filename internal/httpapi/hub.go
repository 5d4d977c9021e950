package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentworkforce/fieldalert/internal/alerts"
	"github.com/agentworkforce/fieldalert/internal/realtime"
)

const defaultSessionQueue = 64

var (
	ErrNoWindow      = errors.New("no window can be opened")
	ErrSessionClosed = errors.New("stream session closed")
	ErrSessionSlow   = errors.New("stream session queue full")
)

type Logger interface {
	Printf(format string, args ...any)
}

type HubOptions struct {
	// Open starts a new app window at target when no session can be reused.
	Open      func(ctx context.Context, target string) error
	QueueSize int
	Logger    Logger
}

// Hub tracks connected stream sessions. Sessions are the app windows used
// for click routing, and the targets of alert broadcasts.
type Hub struct {
	open      func(ctx context.Context, target string) error
	queueSize int
	logger    Logger

	mu       sync.RWMutex
	sessions map[string]*session
	order    []string
}

func NewHub(opts HubOptions) *Hub {
	queueSize := opts.QueueSize
	if queueSize <= 0 {
		queueSize = defaultSessionQueue
	}
	return &Hub{
		open:      opts.Open,
		queueSize: queueSize,
		logger:    opts.Logger,
		sessions:  map[string]*session{},
	}
}

type session struct {
	id          string
	userID      string
	alerts      bool
	connectedAt time.Time
	send        chan realtime.WireMessage
	done        chan struct{}

	mu     sync.Mutex
	url    string
	closed bool
}

func (s *session) URL() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.url
}

func (s *session) setURL(raw string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.url = raw
}

func (s *session) Navigate(_ context.Context, target string) error {
	if err := s.enqueue(realtime.WireMessage{Type: realtime.MessageNavigate, URL: target}); err != nil {
		return err
	}
	s.setURL(target)
	return nil
}

func (s *session) Focus(context.Context) error {
	return s.enqueue(realtime.WireMessage{Type: realtime.MessageFocus})
}

// enqueue never blocks. A session that cannot keep up is closed.
func (s *session) enqueue(msg realtime.WireMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.send <- msg:
		return nil
	default:
		s.closed = true
		close(s.done)
		return ErrSessionSlow
	}
}

func (s *session) close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.done)
}

func (h *Hub) register(userID, url string, receiveAlerts bool) *session {
	sess := &session{
		id:          "sess_" + uuid.NewString(),
		userID:      userID,
		alerts:      receiveAlerts,
		connectedAt: time.Now().UTC(),
		send:        make(chan realtime.WireMessage, h.queueSize),
		done:        make(chan struct{}),
		url:         url,
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[sess.id] = sess
	h.order = append(h.order, sess.id)
	return sess
}

func (h *Hub) unregister(sess *session) {
	sess.close()
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, sess.id)
	for i, id := range h.order {
		if id == sess.id {
			h.order = append(h.order[:i], h.order[i+1:]...)
			break
		}
	}
}

func (h *Hub) snapshot() []*session {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*session, 0, len(h.order))
	for _, id := range h.order {
		if sess, ok := h.sessions[id]; ok {
			out = append(out, sess)
		}
	}
	return out
}

// Sessions reports how many sessions are connected.
func (h *Hub) Sessions() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Windows returns connected sessions, oldest first.
func (h *Hub) Windows(context.Context) ([]alerts.Window, error) {
	sessions := h.snapshot()
	out := make([]alerts.Window, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sess)
	}
	return out, nil
}

func (h *Hub) Open(ctx context.Context, target string) (alerts.Window, error) {
	if h.open == nil {
		return nil, ErrNoWindow
	}
	if err := h.open(ctx, target); err != nil {
		return nil, err
	}
	return nil, nil
}

// BroadcastAlert sends descriptor to every session and reports how many
// accepted it.
func (h *Hub) BroadcastAlert(_ context.Context, descriptor alerts.Descriptor) (int, error) {
	payload, err := json.Marshal(descriptor)
	if err != nil {
		return 0, err
	}
	return h.Broadcast(realtime.WireMessage{Type: realtime.MessageAlert, Alert: payload}), nil
}

// Broadcast sends msg to every session.
func (h *Hub) Broadcast(msg realtime.WireMessage) int {
	delivered := 0
	for _, sess := range h.snapshot() {
		if err := sess.enqueue(msg); err != nil {
			h.logf("stream session %s dropped %s frame: %v", sess.id, msg.Type, err)
			continue
		}
		delivered++
	}
	return delivered
}

// SendAlert forwards a raw alert payload to the sessions of userID that
// asked for alerts.
func (h *Hub) SendAlert(userID string, payload json.RawMessage) int {
	delivered := 0
	for _, sess := range h.snapshot() {
		if !sess.alerts || sess.userID != userID {
			continue
		}
		if err := sess.enqueue(realtime.WireMessage{Type: realtime.MessageAlert, Alert: payload}); err != nil {
			h.logf("stream session %s dropped alert: %v", sess.id, err)
			continue
		}
		delivered++
	}
	return delivered
}

func (h *Hub) logf(format string, args ...any) {
	if h == nil || h.logger == nil {
		return
	}
	h.logger.Printf(format, args...)
}
