package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"taskmgr/internal/core"
	"taskmgr/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer wires a stopped manager over a temporary SQLite store, so
// tasks stay where the requests put them.
func newTestServer(t *testing.T, token string) (*Server, *core.Manager) {
	t.Helper()
	st, err := store.Open(context.Background(), t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	m := core.NewManager(st, testLogger(), core.Options{Logs: st, DefaultMaxRetries: 3, DefaultTimeout: 60})
	return NewServer("127.0.0.1:0", token, m, nil, testLogger()), m
}

func do(t *testing.T, s *Server, method, path string, body any, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	var r io.Reader
	switch b := body.(type) {
	case nil:
	case string:
		r = strings.NewReader(b)
	default:
		data, err := json.Marshal(b)
		require.NoError(t, err)
		r = bytes.NewReader(data)
	}
	req := httptest.NewRequest(method, path, r)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func createViaAPI(t *testing.T, s *Server, body map[string]any) taskResponse {
	t.Helper()
	rec := do(t, s, http.MethodPost, "/v1/tasks", body)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	return decode[taskResponse](t, rec)
}

func TestHealthzSkipsAuth(t *testing.T) {
	s, _ := newTestServer(t, "secret")
	rec := do(t, s, http.MethodGet, "/v1/healthz", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())
}

func TestAuth(t *testing.T) {
	s, _ := newTestServer(t, "secret")

	rec := do(t, s, http.MethodGet, "/v1/tasks", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decode[errorBody](t, rec).Error.Code)

	rec = do(t, s, http.MethodGet, "/v1/tasks", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/tasks", nil, "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, s, http.MethodGet, "/v1/tasks?token=secret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestCreateTask(t *testing.T) {
	s, _ := newTestServer(t, "")

	task := createViaAPI(t, s, map[string]any{
		"name":     "report",
		"type":     "echo",
		"priority": "high",
		"params":   map[string]any{"k": "v"},
	})
	assert.True(t, core.ValidID(task.ID))
	assert.Equal(t, "pending", task.Status)
	assert.Equal(t, 3, task.Priority)
	assert.Equal(t, "high", task.PriorityKey)
	assert.Equal(t, map[string]any{"k": "v"}, task.Params)
	assert.Equal(t, 3, task.MaxRetries)
	assert.Equal(t, 60, task.Timeout)

	task = createViaAPI(t, s, map[string]any{"name": "n", "type": "echo", "priority": 4, "max_retries": 0})
	assert.Equal(t, "urgent", task.PriorityKey)
	assert.Equal(t, 0, task.MaxRetries)
}

func TestCreateTask_RejectsBadInput(t *testing.T) {
	s, _ := newTestServer(t, "")

	tests := []struct {
		name string
		body string
		code string
	}{
		{"malformed", `{"name":`, "invalid_json"},
		{"unknown field", `{"name":"n","type":"echo","colour":"red"}`, "invalid_json"},
		{"missing name", `{"type":"echo"}`, "invalid_input"},
		{"priority out of range", `{"name":"n","type":"echo","priority":9}`, "invalid_input"},
		{"unknown priority name", `{"name":"n","type":"echo","priority":"asap"}`, "invalid_json"},
		{"negative retries", `{"name":"n","type":"echo","max_retries":-1}`, "invalid_input"},
		{"timeout beyond a year", `{"name":"n","type":"echo","timeout":10000000000}`, "invalid_input"},
		{"blank name", `{"name":"   ","type":"echo"}`, "invalid_input"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, s, http.MethodPost, "/v1/tasks", tt.body)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, tt.code, decode[errorBody](t, rec).Error.Code)
		})
	}
}

func TestGetTask(t *testing.T) {
	s, _ := newTestServer(t, "")
	created := createViaAPI(t, s, map[string]any{"name": "n", "type": "echo"})

	rec := do(t, s, http.MethodGet, "/v1/tasks/"+created.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, created.ID, decode[taskResponse](t, rec).ID)

	for _, id := range []string{core.NewID(), "not-an-id"} {
		rec = do(t, s, http.MethodGet, "/v1/tasks/"+id, nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
		assert.Equal(t, "not_found", decode[errorBody](t, rec).Error.Code)
	}
}

func TestListTasks(t *testing.T) {
	s, m := newTestServer(t, "")
	first := createViaAPI(t, s, map[string]any{"name": "first", "type": "echo"})
	time.Sleep(time.Millisecond)
	second := createViaAPI(t, s, map[string]any{"name": "second", "type": "echo"})
	require.NoError(t, m.CancelTask(context.Background(), first.ID))

	rec := do(t, s, http.MethodGet, "/v1/tasks", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	list := decode[[]taskResponse](t, rec)
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)

	rec = do(t, s, http.MethodGet, "/v1/tasks?status=cancelled", nil)
	list = decode[[]taskResponse](t, rec)
	require.Len(t, list, 1)
	assert.Equal(t, first.ID, list[0].ID)

	rec = do(t, s, http.MethodGet, "/v1/tasks?status=cancelled&limit=1", nil)
	list = decode[[]taskResponse](t, rec)
	require.Len(t, list, 1, "the limit applies after filtering")
	assert.Equal(t, first.ID, list[0].ID)

	rec = do(t, s, http.MethodGet, "/v1/tasks?limit=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, s, http.MethodGet, "/v1/tasks?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestUpdateTask(t *testing.T) {
	s, _ := newTestServer(t, "")
	created := createViaAPI(t, s, map[string]any{"name": "n", "type": "echo", "params": map[string]any{"a": "1"}})

	rec := do(t, s, http.MethodPatch, "/v1/tasks/"+created.ID, map[string]any{
		"name":     "renamed",
		"priority": 4,
		"params":   map[string]any{"b": "2"},
		"status":   "paused",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	task := decode[taskResponse](t, rec)
	assert.Equal(t, "renamed", task.Name)
	assert.Equal(t, "urgent", task.PriorityKey)
	assert.Equal(t, "paused", task.Status)
	assert.Equal(t, map[string]any{"a": "1", "b": "2"}, task.Params)

	rec = do(t, s, http.MethodPatch, "/v1/tasks/"+created.ID, map[string]any{"status": "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPatch, "/v1/tasks/"+created.ID, map[string]any{"status": "running"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	for _, st := range []string{"completed", "failed"} {
		rec = do(t, s, http.MethodPatch, "/v1/tasks/"+created.ID, map[string]any{"status": st})
		assert.Equal(t, http.StatusConflict, rec.Code, st)
	}
	rec = do(t, s, http.MethodGet, "/v1/tasks/"+created.ID, nil)
	assert.Equal(t, "paused", decode[taskResponse](t, rec).Status)

	rec = do(t, s, http.MethodPatch, "/v1/tasks/"+core.NewID(), map[string]any{"name": "x"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestCancelAndDeleteTask(t *testing.T) {
	s, _ := newTestServer(t, "")
	created := createViaAPI(t, s, map[string]any{"name": "n", "type": "echo"})

	rec := do(t, s, http.MethodPost, "/v1/tasks/"+created.ID+"/cancel", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	task := decode[taskResponse](t, rec)
	assert.Equal(t, "cancelled", task.Status)
	assert.NotNil(t, task.CompletedAt)

	rec = do(t, s, http.MethodPost, "/v1/tasks/"+created.ID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "conflict", decode[errorBody](t, rec).Error.Code)

	rec = do(t, s, http.MethodGet, "/v1/tasks/"+created.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	logs := decode[[]taskLogResponse](t, rec)
	require.NotEmpty(t, logs)
	assert.Equal(t, "task created with priority normal", logs[0].Message)

	rec = do(t, s, http.MethodDelete, "/v1/tasks/"+created.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = do(t, s, http.MethodGet, "/v1/tasks/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = do(t, s, http.MethodDelete, "/v1/tasks/"+created.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStats(t *testing.T) {
	s, _ := newTestServer(t, "")
	createViaAPI(t, s, map[string]any{"name": "a", "type": "echo"})
	createViaAPI(t, s, map[string]any{"name": "b", "type": "sleep"})

	rec := do(t, s, http.MethodGet, "/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	snap := decode[snapshotResponse](t, rec)
	assert.Equal(t, 2, snap.Total)
	assert.Equal(t, 2, snap.Queued)
	assert.Equal(t, 2, snap.ByStatus["pending"])
	assert.Equal(t, 1, snap.ByType["sleep"])

	rec = do(t, s, http.MethodGet, "/v1/statistics?days=7", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	stats := decode[statisticsResponse](t, rec)
	require.Len(t, stats.Daily, 1)
	assert.Equal(t, 2, stats.Daily[0].Total)
	assert.Len(t, stats.ByType, 2)
	assert.Equal(t, 2, stats.Queued)

	rec = do(t, s, http.MethodGet, "/v1/statistics?days=0", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

// brokenService fails every call with a storage error.
type brokenService struct{ TaskService }

func (brokenService) CreateTask(context.Context, core.CreateTaskInput) (string, error) {
	return "", &core.StorageError{Op: "insert task", Err: io.ErrUnexpectedEOF}
}

func (brokenService) GetTask(context.Context, string) (*core.TaskView, error) {
	return nil, io.ErrClosedPipe
}

func TestServiceErrorsMapToStatusCodes(t *testing.T) {
	s := NewServer("127.0.0.1:0", "", brokenService{}, nil, testLogger())

	rec := do(t, s, http.MethodPost, "/v1/tasks", map[string]any{"name": "n", "type": "echo"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "storage_error", decode[errorBody](t, rec).Error.Code)

	rec = do(t, s, http.MethodGet, "/v1/tasks/"+core.NewID(), nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal_error", decode[errorBody](t, rec).Error.Code)
}

func TestMCPMountRequiresAuth(t *testing.T) {
	st, err := store.Open(context.Background(), t.TempDir(), testLogger())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	m := core.NewManager(st, testLogger(), core.Options{})
	mcp := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusAccepted) })
	s := NewServer("127.0.0.1:0", "secret", m, mcp, testLogger())

	rec := do(t, s, http.MethodPost, "/mcp", "{}")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	rec = do(t, s, http.MethodPost, "/mcp", "{}", "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusAccepted, rec.Code)
}
