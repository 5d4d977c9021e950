package main

import (
	"context"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/agentworkforce/fieldalert/internal/alerts"
	"github.com/agentworkforce/fieldalert/internal/kvstore"
)

const recentAlertsKey = "alerts:recent"

type recentAlert struct {
	Title    string      `json:"title"`
	Body     string      `json:"body"`
	Tag      string      `json:"tag"`
	Data     alerts.Data `json:"data"`
	ShownAt  time.Time   `json:"shownAt"`
	Rendered bool        `json:"rendered"`
}

// recentAlerts records every alert passed to the wrapped surface so the app
// can list what was missed while it was closed. Newest first.
type recentAlerts struct {
	next  alerts.Surface
	store *kvstore.Store
	limit int
	now   func() time.Time

	mu sync.Mutex
}

func newRecentAlerts(next alerts.Surface, store *kvstore.Store, limit int) *recentAlerts {
	return &recentAlerts{next: next, store: store, limit: limit, now: time.Now}
}

func (r *recentAlerts) ShowAlert(ctx context.Context, title string, descriptor alerts.Descriptor) error {
	err := r.next.ShowAlert(ctx, title, descriptor)
	r.record(recentAlert{
		Title:    title,
		Body:     descriptor.Body,
		Tag:      descriptor.Tag,
		Data:     descriptor.Data,
		ShownAt:  r.now().UTC(),
		Rendered: err == nil,
	})
	return err
}

func (r *recentAlerts) record(entry recentAlert) {
	if r.limit <= 0 {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	list := kvstore.GetJSONOr(r.store, recentAlertsKey, []recentAlert{}, kvstore.ScopeDurable)
	list = append([]recentAlert{entry}, list...)
	if len(list) > r.limit {
		list = list[:r.limit]
	}
	r.store.SetJSON(recentAlertsKey, list, kvstore.ScopeDurable)
}

func (r *recentAlerts) List() []recentAlert {
	r.mu.Lock()
	defer r.mu.Unlock()
	return kvstore.GetJSONOr(r.store, recentAlertsKey, []recentAlert{}, kvstore.ScopeDurable)
}

// trim drops persisted alerts beyond the limit, which shrinks when the limit
// is lowered between runs.
func (r *recentAlerts) trim() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	list := kvstore.GetJSONOr(r.store, recentAlertsKey, []recentAlert{}, kvstore.ScopeDurable)
	if len(list) <= r.limit {
		return 0
	}
	dropped := len(list) - r.limit
	if r.limit <= 0 {
		r.store.Delete(recentAlertsKey, kvstore.ScopeDurable)
		return dropped
	}
	r.store.SetJSON(recentAlertsKey, list[:r.limit], kvstore.ScopeDurable)
	return dropped
}

// registerSurface returns the registration step of the agent's alert surface.
// It runs once, the first time an alert is rendered or when main warms it.
func registerSurface(recent *recentAlerts) func(ctx context.Context) (alerts.Surface, error) {
	return func(context.Context) (alerts.Surface, error) {
		if recent == nil {
			return nil, alerts.ErrSurfaceUnavailable
		}
		if dropped := recent.trim(); dropped > 0 {
			log.Printf("alert surface registered; dropped %d recent alerts over the limit", dropped)
		} else {
			log.Printf("alert surface registered")
		}
		return recent, nil
	}
}

func (r *recentAlerts) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.store.Delete(recentAlertsKey, kvstore.ScopeDurable)
}

// withRecentAlerts serves GET/DELETE /v1/alerts/recent and hands every other
// request to next.
func withRecentAlerts(recent *recentAlerts, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/alerts/recent" {
			next.ServeHTTP(w, r)
			return
		}
		switch r.Method {
		case http.MethodGet:
			writeJSON(w, http.StatusOK, map[string]any{"alerts": recent.List()})
		case http.MethodDelete:
			recent.Clear()
			w.WriteHeader(http.StatusNoContent)
		default:
			w.Header().Set("Allow", "GET, DELETE")
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"code": "method_not_allowed", "message": "method not allowed"})
		}
	})
}
