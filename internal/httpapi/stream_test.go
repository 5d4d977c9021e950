package httpapi

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/fieldalert/internal/alerts"
	"github.com/agentworkforce/fieldalert/internal/realtime"
)

func dialStream(t *testing.T, server *httptest.Server, token, query string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	url := "ws" + strings.TrimPrefix(server.URL, "http") + "/v1/stream?" + query
	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) realtime.WireMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	var msg realtime.WireMessage
	if err := wsjson.Read(ctx, conn, &msg); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	return msg
}

func waitForSessions(t *testing.T, hub *Hub, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for hub.Sessions() != n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d sessions, have %d", n, hub.Sessions())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStreamDeliversFilteredChanges(t *testing.T) {
	hub := NewHub(HubOptions{})
	broker := realtime.NewBroker()
	api := NewServer(Deps{Hub: hub, Broker: broker, Directory: realtime.NewMemoryLookup()}, ServerConfig{})
	server := httptest.NewServer(api)
	defer server.Close()

	token := mustTestJWT(t, "tech_1", nil, time.Now().Add(time.Hour))
	conn := dialStream(t, server, token, "channel=assignment-created&user_id=tech_1")
	if hello := readFrame(t, conn); hello.Type != realtime.MessageHello || hello.SessionID == "" {
		t.Fatalf("expected hello frame, got %+v", hello)
	}

	if rec := doSigned(t, api, "/v1/changes", []byte(`{"channel":"assignment-created","new":{"entity_id":"int_9","user_id":"tech_2"}}`)); rec.Code != http.StatusAccepted {
		t.Fatalf("publish other user: %d", rec.Code)
	}
	if rec := doSigned(t, api, "/v1/changes", []byte(`{"channel":"assignment-created","new":{"entity_id":"int_1","user_id":"tech_1"}}`)); rec.Code != http.StatusAccepted {
		t.Fatalf("publish: %d", rec.Code)
	}
	msg := readFrame(t, conn)
	if msg.Type != realtime.MessageChange || msg.Change == nil || !strings.Contains(string(msg.Change.New), "int_1") {
		t.Fatalf("expected own change frame, got %+v", msg)
	}
	if msg.Change.ID == "" || msg.Change.Operation != realtime.OperationInsert {
		t.Fatalf("expected normalized change, got %+v", msg.Change)
	}
}

func TestStreamRejectsForeignUserFilter(t *testing.T) {
	api := NewServer(Deps{Hub: NewHub(HubOptions{}), Broker: realtime.NewBroker()}, ServerConfig{})
	token := mustTestJWT(t, "tech_2", nil, time.Now().Add(time.Hour))
	rec := doRequest(t, api, request{method: http.MethodGet, path: "/v1/stream?channel=assignment-created&user_id=tech_1", headers: bearer(token)})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", rec.Code)
	}
}

func TestAssignmentStreamDefaultsToTokenUser(t *testing.T) {
	hub := NewHub(HubOptions{})
	api := NewServer(Deps{Hub: hub, Broker: realtime.NewBroker()}, ServerConfig{})
	server := httptest.NewServer(api)
	defer server.Close()

	own := dialStream(t, server, mustTestJWT(t, "tech_1", nil, time.Now().Add(time.Hour)), "channel=assignment-created")
	readFrame(t, own)
	admin := dialStream(t, server, mustTestJWT(t, "ops_1", []string{"admin"}, time.Now().Add(time.Hour)), "channel=assignment-created")
	readFrame(t, admin)
	waitForSessions(t, hub, 2)

	if rec := doSigned(t, api, "/v1/changes", []byte(`{"channel":"assignment-created","new":{"entity_id":"int_9","user_id":"tech_2"}}`)); rec.Code != http.StatusAccepted {
		t.Fatalf("publish other user: %d", rec.Code)
	}
	if rec := doSigned(t, api, "/v1/changes", []byte(`{"channel":"assignment-created","new":{"entity_id":"int_1","user_id":"tech_1"}}`)); rec.Code != http.StatusAccepted {
		t.Fatalf("publish: %d", rec.Code)
	}

	msg := readFrame(t, own)
	if msg.Change == nil || !strings.Contains(string(msg.Change.New), "int_1") {
		t.Fatalf("expected only the token user's assignment, got %+v", msg)
	}
	first := readFrame(t, admin)
	if first.Change == nil || !strings.Contains(string(first.Change.New), "int_9") {
		t.Fatalf("expected admin to see every assignment, got %+v", first)
	}
}

func TestPushForwardsToAlertSessionsOfUser(t *testing.T) {
	hub := NewHub(HubOptions{})
	api := NewServer(Deps{Hub: hub, Broker: realtime.NewBroker()}, ServerConfig{})
	server := httptest.NewServer(api)
	defer server.Close()

	listener := dialStream(t, server, mustTestJWT(t, "tech_1", nil, time.Now().Add(time.Hour)), "alerts=1")
	readFrame(t, listener)
	quiet := dialStream(t, server, mustTestJWT(t, "tech_1", nil, time.Now().Add(time.Hour)), "channel=entity-updated")
	readFrame(t, quiet)
	waitForSessions(t, hub, 2)

	rec := doSigned(t, api, "/v1/push?user_id=tech_1", []byte(`{"title":"Urgent","body":"Appeler le client"}`))
	if rec.Code != http.StatusAccepted || !strings.Contains(rec.Body.String(), `"delivered":1`) {
		t.Fatalf("expected one delivery, got %d %s", rec.Code, rec.Body.String())
	}
	msg := readFrame(t, listener)
	if msg.Type != realtime.MessageAlert || !strings.Contains(string(msg.Alert), "Urgent") {
		t.Fatalf("expected alert frame, got %+v", msg)
	}

	rec = doSigned(t, api, "/v1/push", []byte(`{"title":"x"}`))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("expected 400 without user_id, got %d", rec.Code)
	}
}

func TestInteractionNavigatesConnectedWindow(t *testing.T) {
	hub := NewHub(HubOptions{})
	receiver, err := alerts.NewReceiver(alerts.BroadcastSurface{Target: hub}, hub, alerts.ReceiverOptions{Origin: "http://localhost:3000"})
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	api := NewServer(Deps{Hub: hub, Receiver: receiver}, ServerConfig{})
	server := httptest.NewServer(api)
	defer server.Close()

	token := mustTestJWT(t, "tech_1", nil, time.Now().Add(time.Hour))
	conn := dialStream(t, server, token, "url="+"http://localhost:3000/planning")
	readFrame(t, conn)
	waitForSessions(t, hub, 1)

	if rec := doSigned(t, api, "/v1/push", []byte(`{"title":"Nouvelle intervention","data":{"url":"/interventions/int_1"}}`)); rec.Code != http.StatusAccepted {
		t.Fatalf("push: %d %s", rec.Code, rec.Body.String())
	}
	alert := readFrame(t, conn)
	if alert.Type != realtime.MessageAlert || !strings.Contains(string(alert.Alert), "Nouvelle intervention") {
		t.Fatalf("expected alert broadcast to window, got %+v", alert)
	}

	rec := doRequest(t, api, request{
		method:  http.MethodPost,
		path:    "/v1/interactions",
		headers: bearer(token),
		body: alerts.Interaction{Descriptor: alerts.Descriptor{
			Data: alerts.Data{URL: "/interventions/int_1"},
		}},
	})
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), string(alerts.OutcomeFocused)) {
		t.Fatalf("expected focused outcome, got %d %s", rec.Code, rec.Body.String())
	}
	navigate := readFrame(t, conn)
	if navigate.Type != realtime.MessageNavigate || navigate.URL != "http://localhost:3000/interventions/int_1" {
		t.Fatalf("expected navigate frame, got %+v", navigate)
	}
	if focus := readFrame(t, conn); focus.Type != realtime.MessageFocus {
		t.Fatalf("expected focus frame, got %+v", focus)
	}

	rec = doRequest(t, api, request{
		method:  http.MethodPost,
		path:    "/v1/interactions",
		headers: bearer(token),
		body:    alerts.Interaction{Action: alerts.ActionDismiss},
	})
	if !strings.Contains(rec.Body.String(), string(alerts.OutcomeDismissed)) {
		t.Fatalf("expected dismissed outcome, got %s", rec.Body.String())
	}
}

func TestInteractionWithoutWindowsFails(t *testing.T) {
	hub := NewHub(HubOptions{})
	receiver, err := alerts.NewReceiver(alerts.LogSurface{}, hub, alerts.ReceiverOptions{})
	if err != nil {
		t.Fatalf("new receiver: %v", err)
	}
	api := NewServer(Deps{Hub: hub, Receiver: receiver}, ServerConfig{})
	rec := doRequest(t, api, request{
		method:  http.MethodPost,
		path:    "/v1/interactions",
		headers: bearer(mustTestJWT(t, "tech_1", nil, time.Now().Add(time.Hour))),
		body:    alerts.Interaction{},
	})
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("expected 502 when no window can be opened, got %d", rec.Code)
	}
}

func TestHubOpenUsesOpener(t *testing.T) {
	var opened string
	hub := NewHub(HubOptions{Open: func(_ context.Context, target string) error {
		opened = target
		return nil
	}})
	if _, err := hub.Open(context.Background(), "http://localhost/x"); err != nil {
		t.Fatalf("open: %v", err)
	}
	if opened != "http://localhost/x" {
		t.Fatalf("expected opener to run, got %q", opened)
	}
	if n, err := hub.BroadcastAlert(context.Background(), alerts.Descriptor{Title: "x"}); err != nil || n != 0 {
		t.Fatalf("expected no delivery without sessions, got %d %v", n, err)
	}
}

func TestSlowSessionIsClosed(t *testing.T) {
	hub := NewHub(HubOptions{QueueSize: 1})
	sess := hub.register("tech_1", "", false)
	if err := sess.Focus(context.Background()); err != nil {
		t.Fatalf("first frame: %v", err)
	}
	if err := sess.Focus(context.Background()); err != ErrSessionSlow {
		t.Fatalf("expected slow session error, got %v", err)
	}
	if err := sess.Focus(context.Background()); err != ErrSessionClosed {
		t.Fatalf("expected closed session error, got %v", err)
	}
	select {
	case <-sess.done:
	default:
		t.Fatalf("expected session to be marked done")
	}
	hub.unregister(sess)
	if hub.Sessions() != 0 {
		t.Fatalf("expected session removed")
	}
}
