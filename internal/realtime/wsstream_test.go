package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

func TestWebsocketStreamDeliversMatchingChanges(t *testing.T) {
	var connections atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/stream", r.URL.Path)
		assert.Equal(t, ChannelAssignmentCreated, r.URL.Query().Get("channel"))
		assert.Equal(t, "tech_1", r.URL.Query().Get("user_id"))
		assert.Equal(t, "Bearer token_1", r.Header.Get("Authorization"))
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		connections.Add(1)
		ctx := r.Context()
		_ = wsjson.Write(ctx, conn, WireMessage{Type: MessageHello, SessionID: "sess_1"})
		other := assignmentEvent(t, "int_0", "tech_2")
		_ = wsjson.Write(ctx, conn, WireMessage{Type: MessageChange, Change: &other})
		mine := assignmentEvent(t, "int_1", "tech_1")
		_ = wsjson.Write(ctx, conn, WireMessage{Type: MessageChange, Change: &mine})
		_ = wsjson.Write(ctx, conn, WireMessage{Type: MessageAlert, Alert: []byte(`{"title":"Hello"}`)})
		var ignored WireMessage
		_ = wsjson.Read(ctx, conn, &ignored)
	}))
	defer server.Close()

	hello := make(chan WireMessage, 1)
	alertsSeen := make(chan WireMessage, 1)
	stream, err := NewWebsocketStream(WebsocketStreamOptions{
		URL:   server.URL + "/v1/stream",
		Token: "token_1",
		OnMessage: func(_ context.Context, msg WireMessage) {
			switch msg.Type {
			case MessageHello:
				hello <- msg
			case MessageAlert:
				alertsSeen <- msg
			}
		},
	})
	require.NoError(t, err)

	changes := make(chan ChangeEvent, 4)
	unsubscribe, err := stream.Subscribe(context.Background(), Filter{Channel: ChannelAssignmentCreated, UserID: "tech_1"}, func(_ context.Context, event ChangeEvent) {
		changes <- event
	})
	require.NoError(t, err)
	defer unsubscribe()

	select {
	case msg := <-hello:
		assert.Equal(t, "sess_1", msg.SessionID)
	case <-time.After(2 * time.Second):
		t.Fatal("hello frame not received")
	}
	select {
	case event := <-changes:
		var assignment Assignment
		require.NoError(t, decodeJSON(event.New, &assignment))
		assert.Equal(t, "int_1", assignment.EntityID)
	case <-time.After(2 * time.Second):
		t.Fatal("change not delivered")
	}
	select {
	case msg := <-alertsSeen:
		assert.JSONEq(t, `{"title":"Hello"}`, string(msg.Alert))
	case <-time.After(2 * time.Second):
		t.Fatal("alert frame not received")
	}
	assert.Empty(t, changes)
	assert.Equal(t, int32(1), connections.Load())
}

func TestWebsocketStreamReconnects(t *testing.T) {
	var connections atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		n := connections.Add(1)
		if n == 1 {
			conn.Close(websocket.StatusGoingAway, "restart")
			return
		}
		defer conn.Close(websocket.StatusNormalClosure, "")
		event := updateEvent(t, nil, Entity{ID: "int_1"})
		_ = wsjson.Write(r.Context(), conn, WireMessage{Type: MessageChange, Change: &event})
		var ignored WireMessage
		_ = wsjson.Read(r.Context(), conn, &ignored)
	}))
	defer server.Close()

	stream, err := NewWebsocketStream(WebsocketStreamOptions{
		URL:            server.URL + "/v1/stream",
		ReconnectDelay: 10 * time.Millisecond,
	})
	require.NoError(t, err)

	delivered := make(chan struct{}, 1)
	unsubscribe, err := stream.Subscribe(context.Background(), Filter{Channel: ChannelEntityUpdated}, func(context.Context, ChangeEvent) {
		delivered <- struct{}{}
	})
	require.NoError(t, err)
	defer unsubscribe()

	select {
	case <-delivered:
	case <-time.After(3 * time.Second):
		t.Fatal("change not delivered after reconnect")
	}
	assert.GreaterOrEqual(t, connections.Load(), int32(2))
}

func TestNewWebsocketStreamRejectsUnknownScheme(t *testing.T) {
	_, err := NewWebsocketStream(WebsocketStreamOptions{URL: "ftp://relay/v1/stream"})
	assert.Error(t, err)

	stream, err := NewWebsocketStream(WebsocketStreamOptions{URL: "https://relay.example/v1/stream?x=1"})
	require.NoError(t, err)
	assert.Equal(t, "wss://relay.example/v1/stream?channel=entity-updated&x=1", stream.streamURL(Filter{Channel: ChannelEntityUpdated}))
}
