package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/fieldalert/internal/alerts"
	"github.com/agentworkforce/fieldalert/internal/cachegen"
	"github.com/agentworkforce/fieldalert/internal/connectivity"
	"github.com/agentworkforce/fieldalert/internal/realtime"
)

const (
	headerTimestamp   = "X-Fieldalert-Timestamp"
	headerSignature   = "X-Fieldalert-Signature"
	headerCorrelation = "X-Correlation-Id"

	streamWriteTimeout = 10 * time.Second
)

type ServerConfig struct {
	JWTSecret          string
	InternalHMACSecret string
	InternalMaxSkew    time.Duration
	RateLimitMax       int
	RateLimitWindow    time.Duration
	MaxBodyBytes       int64
	// OriginPatterns lists extra hosts allowed to open a stream from a
	// browser. Same-host origins are always accepted.
	OriginPatterns []string
	Logger         Logger
}

// Deps are the components served over HTTP. Routes whose component is nil
// answer 404.
type Deps struct {
	Receiver  *alerts.Receiver
	Hub       *Hub
	Broker    *realtime.Broker
	Directory *realtime.MemoryLookup
	Monitor   *connectivity.Monitor
	Cache     *cachegen.Manager
	Engine    *realtime.Engine
	// Mirror forwards changes accepted on /v1/changes to other relays.
	Mirror func(ctx context.Context, event realtime.ChangeEvent) error
	// Fallback serves every other path, typically the offline cache handler.
	Fallback http.Handler
}

type Server struct {
	deps               Deps
	cfg                ServerConfig
	rateLimiter        *rateLimiter
	internalReplayMu   sync.Mutex
	internalReplaySeen map[string]time.Time
}

type rateLimiter struct {
	mu      sync.Mutex
	window  time.Duration
	max     int
	entries map[string]rateEntry
}

type rateEntry struct {
	count   int
	resetAt time.Time
}

func NewServer(deps Deps, cfg ServerConfig) *Server {
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-secret"
	}
	if cfg.InternalHMACSecret == "" {
		cfg.InternalHMACSecret = "dev-internal-secret"
	}
	if cfg.InternalMaxSkew == 0 {
		cfg.InternalMaxSkew = 5 * time.Minute
	}
	if cfg.RateLimitMax < 0 {
		cfg.RateLimitMax = 0
	}
	if cfg.RateLimitWindow <= 0 {
		cfg.RateLimitWindow = time.Minute
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = 1 << 20
	}
	var limiter *rateLimiter
	if cfg.RateLimitMax > 0 {
		limiter = &rateLimiter{
			window:  cfg.RateLimitWindow,
			max:     cfg.RateLimitMax,
			entries: map[string]rateEntry{},
		}
	}
	return &Server{
		deps:               deps,
		cfg:                cfg,
		rateLimiter:        limiter,
		internalReplaySeen: map[string]time.Time{},
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path == "/health" && r.Method == http.MethodGet {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) < 2 || parts[0] != "v1" {
		s.fallback(w, r)
		return
	}

	switch {
	case len(parts) == 2 && parts[1] == "push" && r.Method == http.MethodPost:
		s.handlePush(w, r)
	case len(parts) == 2 && parts[1] == "changes" && r.Method == http.MethodPost && s.deps.Broker != nil:
		s.handleChanges(w, r)
	case len(parts) == 2 && parts[1] == "interactions" && r.Method == http.MethodPost && s.deps.Receiver != nil:
		s.withUser(w, r, "", s.handleInteraction)
	case len(parts) == 2 && parts[1] == "stream" && r.Method == http.MethodGet && s.deps.Hub != nil:
		s.withUser(w, r, strings.TrimSpace(r.URL.Query().Get("user_id")), s.handleStream)
	case len(parts) == 2 && parts[1] == "status" && r.Method == http.MethodGet:
		s.withUser(w, r, "", s.handleStatus)
	case len(parts) == 3 && parts[1] == "cache" && parts[2] == "confirm" && r.Method == http.MethodPost && s.deps.Cache != nil:
		s.withUser(w, r, "", s.handleConfirmUpdate)
	case len(parts) == 3 && parts[1] == "entities" && r.Method == http.MethodGet && s.deps.Directory != nil:
		s.withUser(w, r, "", func(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
			s.handleEntity(w, r, parts[2], correlationID)
		})
	case len(parts) == 4 && parts[1] == "entities" && parts[3] == "assignees" && r.Method == http.MethodGet && s.deps.Directory != nil:
		s.withUser(w, r, "", func(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
			s.handleAssignees(w, r, parts[2], correlationID)
		})
	case len(parts) == 4 && parts[1] == "users" && parts[3] == "entities" && r.Method == http.MethodGet && s.deps.Directory != nil:
		s.withUser(w, r, parts[2], func(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string) {
			s.handleUserEntities(w, r, parts[2], correlationID)
		})
	default:
		s.fallback(w, r)
	}
}

type userHandler func(w http.ResponseWriter, r *http.Request, claims tokenClaims, correlationID string)

// withUser authenticates the bearer token, optionally pinned to userID, and
// applies the per-user rate limit.
func (s *Server) withUser(w http.ResponseWriter, r *http.Request, userID string, next userHandler) {
	correlationID := ensureCorrelationID(w, r)
	claims, authErr := authorizeBearer(bearerHeader(r), s.cfg.JWTSecret, userID, time.Now().UTC())
	if authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return
	}
	if s.rateLimiter != nil && !s.rateLimiter.allow(claims.UserID, time.Now().UTC()) {
		retryAfter := int(math.Ceil(s.rateLimiter.window.Seconds()))
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded", correlationID)
		return
	}
	next(w, r, claims, correlationID)
}

// withInternal verifies the HMAC headers of a server-to-server request and
// returns its body.
func (s *Server) withInternal(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return nil, false
	}
	now := time.Now().UTC()
	timestamp := r.Header.Get(headerTimestamp)
	signature := r.Header.Get(headerSignature)
	if authErr := verifyInternalHMAC(s.cfg.InternalHMACSecret, timestamp, signature, body, now, s.cfg.InternalMaxSkew); authErr != nil {
		writeError(w, authErr.status, authErr.code, authErr.message, correlationID)
		return nil, false
	}
	if !s.markInternalReplaySeen(timestamp, signature, now) {
		writeError(w, http.StatusUnauthorized, "unauthorized", "internal request replay detected", correlationID)
		return nil, false
	}
	return body, true
}

// handlePush renders the payload locally when a receiver is configured and
// otherwise forwards it to the streams of the user named in the query.
func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	correlationID := ensureCorrelationID(w, r)
	if s.deps.Receiver == nil && s.deps.Hub == nil {
		writeError(w, http.StatusNotFound, "not_found", "route not found", correlationID)
		return
	}
	body, ok := s.withInternal(w, r, correlationID)
	if !ok {
		return
	}
	if s.deps.Receiver != nil {
		descriptor, err := s.deps.Receiver.Receive(r.Context(), body)
		if err != nil {
			writeJSON(w, http.StatusAccepted, map[string]any{"rendered": false, "descriptor": descriptor, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]any{"rendered": true, "descriptor": descriptor})
		return
	}
	userID := strings.TrimSpace(r.URL.Query().Get("user_id"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "user_id query parameter is required", correlationID)
		return
	}
	payload := json.RawMessage(body)
	if !json.Valid(body) {
		quoted, _ := json.Marshal(string(body))
		payload = quoted
	}
	delivered := s.deps.Hub.SendAlert(userID, payload)
	writeJSON(w, http.StatusAccepted, map[string]any{"delivered": delivered})
}

func (s *Server) handleChanges(w http.ResponseWriter, r *http.Request) {
	correlationID := ensureCorrelationID(w, r)
	body, ok := s.withInternal(w, r, correlationID)
	if !ok {
		return
	}
	var event realtime.ChangeEvent
	if err := json.Unmarshal(body, &event); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return
	}
	event, err := realtime.NormalizeChangeEvent(event)
	if err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error(), correlationID)
		return
	}
	if event.ID == "" {
		event.ID = "chg_" + uuid.NewString()
	}
	if s.deps.Directory != nil {
		s.deps.Directory.Apply(r.Context(), event)
	}
	delivered := s.deps.Broker.Publish(event)
	if s.deps.Mirror != nil {
		if err := s.deps.Mirror(r.Context(), event); err != nil {
			s.logf("change %s mirror failed (correlation_id=%s): %v", event.ID, correlationID, err)
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": event.ID, "delivered": delivered})
}

func (s *Server) handleInteraction(w http.ResponseWriter, r *http.Request, _ tokenClaims, correlationID string) {
	var in alerts.Interaction
	if !s.decodeJSONBody(w, r, correlationID, &in) {
		return
	}
	result := s.deps.Receiver.HandleInteraction(r.Context(), in)
	status := http.StatusOK
	if result.Outcome == alerts.OutcomeFailed {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, result)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request, claims tokenClaims, _ string) {
	query := r.URL.Query()
	filter := realtime.Filter{
		Channel: strings.TrimSpace(query.Get("channel")),
		UserID:  strings.TrimSpace(query.Get("user_id")),
	}
	// Assignments are per user; only admins may watch everyone's.
	if filter.UserID == "" && filter.Channel == realtime.ChannelAssignmentCreated && !claims.isAdmin() {
		filter.UserID = claims.UserID
	}
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logf("stream accept failed: %v", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")
	conn.SetReadLimit(s.cfg.MaxBodyBytes)

	hub := s.deps.Hub
	sess := hub.register(claims.UserID, strings.TrimSpace(query.Get("url")), parseBool(query.Get("alerts"), false))
	defer hub.unregister(sess)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	if s.deps.Broker != nil && filter.Channel != "" {
		unsubscribe, err := s.deps.Broker.Subscribe(ctx, filter, func(_ context.Context, event realtime.ChangeEvent) {
			if err := sess.enqueue(realtime.WireMessage{Type: realtime.MessageChange, Change: &event}); err != nil {
				s.logf("stream session %s dropped change: %v", sess.id, err)
			}
		})
		if err != nil {
			_ = conn.Close(websocket.StatusTryAgainLater, "change stream unavailable")
			return
		}
		defer unsubscribe()
	}
	if err := sess.enqueue(realtime.WireMessage{Type: realtime.MessageHello, SessionID: sess.id}); err != nil {
		return
	}

	go func() {
		defer cancel()
		for {
			var msg realtime.WireMessage
			if err := wsjson.Read(ctx, conn, &msg); err != nil {
				return
			}
			if msg.Type == realtime.MessageLocation && msg.URL != "" {
				sess.setURL(msg.URL)
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.done:
			_ = conn.Close(websocket.StatusPolicyViolation, "session too slow")
			return
		case msg := <-sess.send:
			writeCtx, writeCancel := context.WithTimeout(ctx, streamWriteTimeout)
			err := wsjson.Write(writeCtx, conn, msg)
			writeCancel()
			if err != nil {
				return
			}
		}
	}
}

type cacheStatus struct {
	State          cachegen.State        `json:"state"`
	Namespace      string                `json:"namespace"`
	ActiveVersion  string                `json:"activeVersion,omitempty"`
	PendingVersion string                `json:"pendingVersion,omitempty"`
	Generations    []cachegen.Generation `json:"generations"`
}

type statusResponse struct {
	Connectivity *connectivity.State `json:"connectivity,omitempty"`
	Cache        *cacheStatus        `json:"cache,omitempty"`
	Engine       *realtime.Status    `json:"engine,omitempty"`
	Sessions     int                 `json:"sessions"`
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request, _ tokenClaims, _ string) {
	var resp statusResponse
	if s.deps.Monitor != nil {
		state := s.deps.Monitor.State()
		resp.Connectivity = &state
	}
	if s.deps.Cache != nil {
		resp.Cache = &cacheStatus{
			State:          s.deps.Cache.State(),
			Namespace:      s.deps.Cache.Namespace(),
			ActiveVersion:  s.deps.Cache.ActiveVersion(),
			PendingVersion: s.deps.Cache.PendingVersion(),
			Generations:    s.deps.Cache.CurrentGenerations(),
		}
	}
	if s.deps.Engine != nil {
		status := s.deps.Engine.Status()
		resp.Engine = &status
	}
	if s.deps.Hub != nil {
		resp.Sessions = s.deps.Hub.Sessions()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleConfirmUpdate(w http.ResponseWriter, r *http.Request, _ tokenClaims, correlationID string) {
	if err := s.deps.Cache.ConfirmUpdate(r.Context()); err != nil {
		switch {
		case errors.Is(err, cachegen.ErrNothingWaiting):
			writeError(w, http.StatusConflict, "no_pending_update", err.Error(), correlationID)
		case errors.Is(err, cachegen.ErrStorageUnavailable):
			writeError(w, http.StatusServiceUnavailable, "storage_unavailable", err.Error(), correlationID)
		default:
			writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"activeVersion": s.deps.Cache.ActiveVersion()})
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request, entityID, correlationID string) {
	entity, err := s.deps.Directory.GetEntity(r.Context(), entityID)
	if err != nil {
		writeLookupError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, entity)
}

func (s *Server) handleAssignees(w http.ResponseWriter, r *http.Request, entityID, correlationID string) {
	userIDs, err := s.deps.Directory.ListAssignees(r.Context(), entityID)
	if err != nil {
		writeLookupError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"userIds": userIDs})
}

func (s *Server) handleUserEntities(w http.ResponseWriter, r *http.Request, userID, correlationID string) {
	entities, err := s.deps.Directory.ListAssignedEntities(r.Context(), userID)
	if err != nil {
		writeLookupError(w, err, correlationID)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"entities": entities})
}

func (s *Server) fallback(w http.ResponseWriter, r *http.Request) {
	if s.deps.Fallback != nil {
		s.deps.Fallback.ServeHTTP(w, r)
		return
	}
	writeError(w, http.StatusNotFound, "not_found", "route not found", getCorrelationID(r))
}

func writeLookupError(w http.ResponseWriter, err error, correlationID string) {
	if errors.Is(err, realtime.ErrNotFound) {
		writeError(w, http.StatusNotFound, "not_found", err.Error(), correlationID)
		return
	}
	writeError(w, http.StatusInternalServerError, "internal_error", err.Error(), correlationID)
}

// bearerHeader also accepts ?access_token= because browsers cannot set
// headers on websocket upgrades.
func bearerHeader(r *http.Request) string {
	if header := r.Header.Get("Authorization"); header != "" {
		return header
	}
	if token := strings.TrimSpace(r.URL.Query().Get("access_token")); token != "" {
		return "Bearer " + token
	}
	return ""
}

func getCorrelationID(r *http.Request) string {
	return r.Header.Get(headerCorrelation)
}

func ensureCorrelationID(w http.ResponseWriter, r *http.Request) string {
	correlationID := getCorrelationID(r)
	if correlationID == "" {
		correlationID = "req_" + uuid.NewString()
	}
	w.Header().Set(headerCorrelation, correlationID)
	return correlationID
}

func (s *Server) readRequestBody(w http.ResponseWriter, r *http.Request, correlationID string) ([]byte, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload_too_large", "request body exceeds configured limit", correlationID)
			return nil, false
		}
		writeError(w, http.StatusBadRequest, "bad_request", "failed to read request body", correlationID)
		return nil, false
	}
	return body, true
}

func (s *Server) decodeJSONBody(w http.ResponseWriter, r *http.Request, correlationID string, dst any) bool {
	body, ok := s.readRequestBody(w, r, correlationID)
	if !ok {
		return false
	}
	if err := json.Unmarshal(body, dst); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", "invalid json body", correlationID)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message, correlationID string) {
	writeJSON(w, status, map[string]any{
		"code":          code,
		"message":       message,
		"correlationId": correlationID,
	})
}

func (r *rateLimiter) allow(key string, now time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.entries[key]
	if !ok || now.After(entry.resetAt) {
		r.entries[key] = rateEntry{
			count:   1,
			resetAt: now.Add(r.window),
		}
		return true
	}
	if entry.count >= r.max {
		return false
	}
	entry.count++
	r.entries[key] = entry
	return true
}

func (s *Server) markInternalReplaySeen(timestamp, signature string, now time.Time) bool {
	key := strings.TrimSpace(strings.ToLower(timestamp)) + "|" + strings.TrimSpace(strings.ToLower(signature))
	if key == "|" {
		return false
	}
	window := s.cfg.InternalMaxSkew
	if window <= 0 {
		window = 5 * time.Minute
	}
	s.internalReplayMu.Lock()
	defer s.internalReplayMu.Unlock()
	for replayKey, expiresAt := range s.internalReplaySeen {
		if !now.Before(expiresAt) {
			delete(s.internalReplaySeen, replayKey)
		}
	}
	if expiresAt, exists := s.internalReplaySeen[key]; exists && now.Before(expiresAt) {
		return false
	}
	s.internalReplaySeen[key] = now.Add(window)
	return true
}

func parseBool(raw string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func (s *Server) logf(format string, args ...any) {
	if s.cfg.Logger == nil {
		return
	}
	s.cfg.Logger.Printf(format, args...)
}
