package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testRun = `{
	"id": 41,
	"uuid": "7c0a1e52-3b4d-4e5f-8a9b-0c1d2e3f4a5b",
	"flow": {"uuid": "5b1c7f40-2e0a-4a8e-9f3c-6d2a1e0b7c11", "name": "Registro"},
	"contact": {"uuid": "c-1"},
	"responded": true,
	"path": [{"node": "n-1", "time": "2020-01-01T10:00:00Z"}, {"node": "n-2", "time": "2020-01-01T10:00:30Z"}],
	"values": {"peso": {"node": "n-2", "time": "2020-01-01T10:00:30Z", "value": "61", "category": "All Responses"}},
	"created_on": "2020-01-01T10:00:00Z",
	"modified_on": "2020-01-01T10:00:30Z",
	"exit_type": "completed"
}`

type fakeAPI struct {
	mu      sync.Mutex
	actions []map[string]any
	starts  []map[string]any
}

func (f *fakeAPI) handler(t *testing.T) http.Handler {
	list := func(results string) http.HandlerFunc {
		return func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"next": null, "results": [` + results + `]}`))
		}
	}
	record := func(into *[]map[string]any) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			f.mu.Lock()
			*into = append(*into, body)
			f.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{}`))
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/groups.json", list(`{"uuid": "g-1", "name": "Piloto", "count": 2}`))
	mux.HandleFunc("/flows.json", list(`{"uuid": "5b1c7f40-2e0a-4a8e-9f3c-6d2a1e0b7c11", "name": "Registro"}`))
	mux.HandleFunc("/runs.json", func(w http.ResponseWriter, r *http.Request) {
		// only the window with an open lower bound holds the run
		if r.URL.Query().Get("after") != "" {
			list("")(w, r)
			return
		}
		list(testRun)(w, r)
	})
	mux.HandleFunc("/definitions.json", func(w http.ResponseWriter, _ *http.Request) {
		http.NotFound(w, nil)
	})
	mux.HandleFunc("/contact_actions.json", record(&f.actions))
	mux.HandleFunc("/flow_starts.json", record(&f.starts))
	return mux
}

func setup(t *testing.T) (*fakeAPI, string) {
	t.Helper()
	api := &fakeAPI{}
	srv := httptest.NewServer(api.handler(t))
	t.Cleanup(srv.Close)

	t.Setenv("HOME", t.TempDir())
	t.Setenv("RAPIDFLAT_CONFIG", "")
	t.Setenv("RAPIDFLAT_API_URL", srv.URL)
	t.Setenv("RAPIDFLAT_API_TOKEN", "Token test")
	t.Setenv("RAPIDFLAT_LOG_LEVEL", "error")

	return api, t.TempDir()
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestExportResourceCommand(t *testing.T) {
	_, dir := setup(t)

	out, err := execute(t, "export", "groups", "--out", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "groups: 1 rows")

	data, err := os.ReadFile(filepath.Join(dir, "groups.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "Piloto")

	_, err = execute(t, "export", "widgets", "--out", dir)
	assert.Error(t, err)
}

func TestRunsExportCommand(t *testing.T) {
	_, dir := setup(t)

	out, err := execute(t, "runs", "export", "--out", dir, "--partitions", "2", "--workers", "2")
	require.NoError(t, err)
	assert.Contains(t, out, "runs: 2 rows from 1 runs in 4 partitions")

	data, err := os.ReadFile(filepath.Join(dir, "runs.csv"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "n-2")
	assert.Contains(t, string(data), "run_time")

	out, err = execute(t, "runs", "export", "--out", dir, "--flow", "Registro", "--partition", "0")
	require.NoError(t, err)
	assert.Contains(t, out, "Registro: 2 rows")
	assert.FileExists(t, filepath.Join(dir, "Registro.csv"))

	out, err = execute(t, "runs", "append", "--out", dir)
	require.NoError(t, err)
	assert.Contains(t, out, "runs: 0 rows")
}

func TestGroupsCommand(t *testing.T) {
	api, _ := setup(t)
	file := writeFile(t, "contacts.csv", "uuid,name\nc-1,Ana\nc-2,Luis\nc-1,Ana\n")

	out, err := execute(t, "groups", "remove", "Piloto", "--file", file)
	require.NoError(t, err)
	assert.Contains(t, out, "Piloto: 2 contacts removed")

	require.Len(t, api.actions, 1)
	assert.Equal(t, "remove", api.actions[0]["action"])
	assert.Equal(t, "Piloto", api.actions[0]["group"])
	assert.Equal(t, []any{"c-1", "c-2"}, api.actions[0]["contacts"])
}

func TestFlowsStartCommand(t *testing.T) {
	api, _ := setup(t)
	file := writeFile(t, "contacts.csv", "contact\nc-9\n")

	out, err := execute(t, "flows", "start", "Registro", "--file", file, "--uuid-column", "contact")
	require.NoError(t, err)
	assert.Contains(t, out, "Registro: 1 contacts started")
	require.Len(t, api.starts, 1)
	assert.Equal(t, "5b1c7f40-2e0a-4a8e-9f3c-6d2a1e0b7c11", api.starts[0]["flow"])

	_, err = execute(t, "flows", "start", "Missing", "--file", file)
	assert.Error(t, err)
}

func TestMissingToken(t *testing.T) {
	setup(t)
	t.Setenv("RAPIDFLAT_API_TOKEN", "")

	_, err := execute(t, "export", "groups")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api token is required")
}
