package realtime

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPLookupResolvesDirectory(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer token_1", r.Header.Get("Authorization"))
		assert.True(t, strings.HasPrefix(r.Header.Get("X-Correlation-Id"), "agent_"))
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/v1/entities/int_1":
			_ = json.NewEncoder(w).Encode(Entity{ID: "int_1", Title: "Pose compteur"})
		case "/v1/users/tech_1/entities":
			_ = json.NewEncoder(w).Encode(map[string]any{"entities": []Entity{{ID: "int_1"}}})
		case "/v1/entities/int_1/assignees":
			_ = json.NewEncoder(w).Encode(map[string]any{"userIds": []string{"tech_1"}})
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"code":"not_found","message":"unknown entity"}`))
		}
	}))
	defer server.Close()

	lookup := NewHTTPLookup(server.URL+"/", "token_1", server.Client())
	ctx := context.Background()

	entity, err := lookup.GetEntity(ctx, "int_1")
	require.NoError(t, err)
	assert.Equal(t, "Pose compteur", entity.Title)

	entities, err := lookup.ListAssignedEntities(ctx, "tech_1")
	require.NoError(t, err)
	assert.Len(t, entities, 1)

	assignees, err := lookup.ListAssignees(ctx, "int_1")
	require.NoError(t, err)
	assert.Equal(t, []string{"tech_1"}, assignees)

	_, err = lookup.GetEntity(ctx, "int_404")
	require.ErrorIs(t, err, ErrNotFound)
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, "not_found", httpErr.Code)
}

func TestHTTPLookupRetriesTransientFailures(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) < 3 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_ = json.NewEncoder(w).Encode(Entity{ID: "int_1"})
	}))
	defer server.Close()

	lookup := NewHTTPLookup(server.URL, "", server.Client())
	lookup.baseDelay = time.Millisecond

	entity, err := lookup.GetEntity(context.Background(), "int_1")
	require.NoError(t, err)
	assert.Equal(t, "int_1", entity.ID)
	assert.Equal(t, int32(3), calls.Load())
}

func TestHTTPLookupGivesUpAfterMaxRetries(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer server.Close()

	lookup := NewHTTPLookup(server.URL, "", server.Client())
	lookup.baseDelay = time.Millisecond

	_, err := lookup.ListAssignees(context.Background(), "int_1")
	var httpErr *HTTPError
	require.ErrorAs(t, err, &httpErr)
	assert.Equal(t, http.StatusBadGateway, httpErr.StatusCode)
	assert.Equal(t, int32(4), calls.Load())
}

func TestRetryDelay(t *testing.T) {
	lookup := NewHTTPLookup("", "", nil)
	assert.Equal(t, 100*time.Millisecond, lookup.retryDelay(1, ""))
	assert.Equal(t, 400*time.Millisecond, lookup.retryDelay(3, ""))
	assert.Equal(t, 2*time.Second, lookup.retryDelay(10, ""))
	assert.Equal(t, time.Second, lookup.retryDelay(1, "1"))
	assert.Equal(t, 2*time.Second, lookup.retryDelay(1, "120"))
	assert.Equal(t, time.Duration(0), parseRetryAfter("soon"))
}
