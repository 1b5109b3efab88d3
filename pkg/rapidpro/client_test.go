package rapidpro

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	rferrors "github.com/wehubfusion/rapidflat/pkg/errors"
	"github.com/wehubfusion/rapidflat/pkg/flowdef"
)

const flowUUID = "0f4c8e02-5a1d-4b9c-9d0a-1b2c3d4e5f60"

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	c, err := NewClient(srv.URL+"/api/v2", "Token secret", WithRateLimitRetries(2, time.Millisecond))
	require.NoError(t, err)
	return c, srv
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

func TestNewClient(t *testing.T) {
	_, err := NewClient("", "")
	assert.Error(t, err)

	c, err := NewClient("", "abc")
	require.NoError(t, err)
	assert.Equal(t, DefaultBaseURL, c.baseURL)
	assert.Equal(t, "abc", c.token)

	c, err = NewClient("https://example.org/api/v2/", "Token abc")
	require.NoError(t, err)
	assert.Equal(t, "abc", c.token)
	assert.Equal(t, "https://example.org/api/v2/runs.json", c.endpoint("runs.json", nil))
}

func TestRunsFollowsNextAndSetsWindow(t *testing.T) {
	after := time.Date(2015, 1, 1, 23, 58, 24, 0, time.UTC)
	before := after.Add(48 * time.Hour)

	var srvURL string
	c, srv := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Token secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/api/v2/runs.json", r.URL.Path)

		switch r.URL.Query().Get("cursor") {
		case "":
			assert.Equal(t, "2015-01-01T23:58:24Z", r.URL.Query().Get("after"))
			assert.Equal(t, "2015-01-03T23:58:24Z", r.URL.Query().Get("before"))
			assert.Equal(t, flowUUID, r.URL.Query().Get("flow"))
			writeJSON(w, map[string]any{
				"next":    srvURL + "/api/v2/runs.json?cursor=2",
				"results": []any{map[string]any{"id": 1, "path": []any{}, "values": map[string]any{}}},
			})
		case "2":
			writeJSON(w, map[string]any{
				"next":    nil,
				"results": []any{map[string]any{"id": 2, "values": map[string]any{}}},
			})
		default:
			t.Errorf("unexpected cursor %q", r.URL.Query().Get("cursor"))
		}
	})
	srvURL = srv.URL

	runs, err := c.Runs(context.Background(), Query{After: &after, Before: &before, Flow: flowUUID})
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, int64(1), runs[0].ID)
	assert.NotNil(t, runs[0].Path)
	assert.Nil(t, runs[1].Path, "absent path stays nil")
}

func TestRecordsIgnoresWindowOnPlainResources(t *testing.T) {
	after := time.Now()
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/groups.json", r.URL.Path)
		assert.Empty(t, r.URL.Query().Get("after"))
		writeJSON(w, map[string]any{"results": []any{map[string]any{"uuid": "g-1", "name": "pilot", "count": 3}}})
	})

	recs, err := c.Records(context.Background(), KindGroups, Query{After: &after})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "pilot", recs[0]["name"])
}

func TestFetchUnknownKind(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})
	err := c.Fetch(context.Background(), Kind("labels"), Query{}, func([]json.RawMessage) error { return nil })
	assert.Error(t, err)

	_, err = ParseKind("labels")
	assert.Error(t, err)
	k, err := ParseKind("contacts")
	require.NoError(t, err)
	assert.Equal(t, KindContacts, k)
	assert.Len(t, Kinds(), 6)
}

func TestRateLimitRetry(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		n := calls
		mu.Unlock()
		if n == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		writeJSON(w, map[string]any{"results": []any{}})
	})

	_, err := c.Records(context.Background(), KindFields, Query{})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
}

func TestRateLimitExhausted(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	})

	_, err := c.Records(context.Background(), KindFields, Query{})
	require.Error(t, err)
	assert.True(t, rferrors.IsRateLimited(err))
}

func TestUnexpectedStatus(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"detail": "Invalid token"}`, http.StatusForbidden)
	})

	_, err := c.Records(context.Background(), KindContacts, Query{})
	require.Error(t, err)
	assert.ErrorIs(t, err, rferrors.ErrUnexpectedStatus)
	assert.Contains(t, err.Error(), "HTTP_403")
	assert.Contains(t, err.Error(), "Invalid token")
}

func TestFlowDefinition(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/definitions.json", r.URL.Path)
		assert.Equal(t, "none", r.URL.Query().Get("dependencies"))
		switch r.URL.Query().Get("flow") {
		case flowUUID:
			fmt.Fprintf(w, `{"flows": [{"metadata": {"uuid": %q, "name": "miAlta_init"},
				"base_language": "spa",
				"action_sets": [{"uuid": "n1", "actions": [{"type": "reply", "msg": {"spa": "hola"}}]}]}]}`, flowUUID)
		case "gone":
			http.NotFound(w, r)
		default:
			fmt.Fprint(w, `{"flows": []}`)
		}
	})
	ctx := context.Background()

	def, err := c.FlowDefinition(ctx, flowUUID)
	require.NoError(t, err)
	require.NotNil(t, def)
	text, _, ok := def.NodeAction("n1")
	assert.True(t, ok)
	assert.Equal(t, "hola", text)

	def, err = c.FlowDefinition(ctx, "7a1e9c3b-2d4f-4e6a-8b0c-9d8e7f6a5b4c")
	require.NoError(t, err)
	assert.Nil(t, def)

	def, err = c.FlowDefinition(ctx, "gone")
	require.NoError(t, err)
	assert.Nil(t, def)

	var _ flowdef.Fetcher = c
}

func TestFlowUUID(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"results": []any{
			map[string]any{"uuid": "f-1", "name": "miPrueba"},
			map[string]any{"uuid": "f-2", "name": "miAlta_init"},
			map[string]any{"uuid": "f-3", "name": "miAlta_init"},
		}})
	})
	ctx := context.Background()

	id, err := c.FlowUUID(ctx, "miAlta_init")
	require.NoError(t, err)
	assert.Equal(t, "f-2", id)

	_, err = c.FlowUUID(ctx, "missing")
	assert.True(t, rferrors.IsNotFound(err))
}

func TestBatch(t *testing.T) {
	ids := make([]string, 250)
	for i := range ids {
		ids[i] = fmt.Sprintf("c-%d", i)
	}

	batches := Batch(ids, BatchSize)
	require.Len(t, batches, 3)
	assert.Len(t, batches[0], 100)
	assert.Len(t, batches[1], 100)
	assert.Len(t, batches[2], 50)
	assert.Equal(t, "c-200", batches[2][0])

	assert.Empty(t, Batch(nil, BatchSize))
	assert.Len(t, Batch(ids[:100], BatchSize), 1)
}

func TestChangeGroupBatches(t *testing.T) {
	var mu sync.Mutex
	var bodies []contactActionRequest
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v2/contact_actions.json", r.URL.Path)
		var body contactActionRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		mu.Lock()
		bodies = append(bodies, body)
		mu.Unlock()
		w.WriteHeader(http.StatusNoContent)
	})

	ids := make([]string, 201)
	for i := range ids {
		ids[i] = fmt.Sprintf("c-%d", i)
	}

	require.NoError(t, c.ChangeGroup(context.Background(), GroupRemove, "pilot", ids))
	require.Len(t, bodies, 3)
	for _, b := range bodies {
		assert.LessOrEqual(t, len(b.Contacts), BatchSize)
		assert.Equal(t, "remove", b.Action)
		assert.Equal(t, "pilot", b.Group)
	}

	assert.Error(t, c.ChangeGroup(context.Background(), GroupAction("block"), "pilot", ids))
}

func TestStartFlowAndUpdateFields(t *testing.T) {
	var mu sync.Mutex
	paths := map[string]int{}
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		paths[r.URL.Path]++
		mu.Unlock()
		switch r.URL.Path {
		case "/api/v2/flow_starts.json":
			var body flowStartRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, flowUUID, body.Flow)
			assert.True(t, body.RestartParticipants)
		case "/api/v2/contacts.json":
			assert.Equal(t, "tel:+5215512345678", r.URL.Query().Get("urn"))
			var body contactUpdateRequest
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "61", body.Fields["weight"])
		}
		writeJSON(w, map[string]any{})
	})
	ctx := context.Background()

	require.NoError(t, c.StartFlow(ctx, flowUUID, []string{"c-1", "c-2"}))
	require.NoError(t, c.UpdateContactFields(ctx, "tel:+5215512345678", map[string]string{"weight": "61"}))
	require.NoError(t, c.UpdateContactFields(ctx, "tel:+5215512345678", nil))

	assert.Equal(t, 1, paths["/api/v2/flow_starts.json"])
	assert.Equal(t, 1, paths["/api/v2/contacts.json"])
}

func TestRetryAfterHeader(t *testing.T) {
	assert.Equal(t, 3*time.Second, retryAfter("3"))
	assert.Equal(t, time.Duration(0), retryAfter(""))
	assert.Equal(t, time.Duration(0), retryAfter("soon"))
}
