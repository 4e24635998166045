package api

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/slog"

	"pensieve/internal/app/server/api/http/middleware/auth"
	"pensieve/internal/app/server/metrics"
	"pensieve/internal/domain/sync"
	"pensieve/internal/infrastructure/storage/memory"
)

var testSecret = []byte("api-test-secret")

type testServer struct {
	*httptest.Server
	t *testing.T
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	m := metrics.New()
	svc := sync.NewService(memory.New(), log, nil).WithRecorder(m)

	srv := httptest.NewServer(New(Deps{Service: svc, Metrics: m, JWTSecret: testSecret, Log: log}))
	t.Cleanup(srv.Close)
	return &testServer{Server: srv, t: t}
}

func (s *testServer) do(method, path, owner string, body any) (*http.Response, []byte) {
	s.t.Helper()
	var r io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(s.t, err)
		r = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, s.URL+path, r)
	require.NoError(s.t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sync-Priority", "high")
	if owner != "" {
		token, err := auth.GenerateToken(owner, testSecret, time.Hour)
		require.NoError(s.t, err)
		req.Header.Set("Authorization", "Bearer "+token)
	}

	resp, err := http.DefaultClient.Do(req)
	require.NoError(s.t, err)
	defer resp.Body.Close()
	out, err := io.ReadAll(resp.Body)
	require.NoError(s.t, err)
	return resp, out
}

func TestAPI_RequiresToken(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/sync/pull", "/sync/status", "/sync/logs"} {
		resp, _ := s.do(http.MethodGet, path, "", nil)
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, path)
	}
	resp, _ := s.do(http.MethodPost, "/sync/push", "", sync.PushRequest{Changes: sync.Changes{}})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAPI_PushAndPull(t *testing.T) {
	s := newTestServer(t)

	push := sync.PushRequest{Changes: sync.Changes{
		sync.EntityTodo: {
			Updated: []sync.Entity{{ClientID: "t1", Data: json.RawMessage(`{"title":"write tests"}`)}},
			Deleted: []string{},
		},
	}}
	resp, body := s.do(http.MethodPost, "/sync/push", "alice", push)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var pushed sync.PushResponse
	require.NoError(t, json.Unmarshal(body, &pushed))
	assert.Empty(t, pushed.Conflicts)
	assert.Equal(t, int64(1), pushed.Timestamp)

	resp, body = s.do(http.MethodGet, "/sync/pull?lastPulledAt=0&entities=todo,idea", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var pulled sync.PullResponse
	require.NoError(t, json.Unmarshal(body, &pulled))
	require.Len(t, pulled.Changes[sync.EntityTodo].Updated, 1)
	assert.Equal(t, "t1", pulled.Changes[sync.EntityTodo].Updated[0].ClientID)
	assert.Contains(t, string(body), `"deleted":[]`)
	assert.NotContains(t, string(body), "ownerId")

	resp, body = s.do(http.MethodGet, "/sync/pull?lastPulledAt=0", "bob", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.Unmarshal(body, &pulled))
	assert.Zero(t, pulled.Changes.Count(), "other owners see nothing")
}

func TestAPI_ValidationErrors(t *testing.T) {
	s := newTestServer(t)

	resp, _ := s.do(http.MethodGet, "/sync/pull?entities=journal", "alice", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

	bad := sync.PushRequest{Changes: sync.Changes{
		sync.EntityIdea: {Updated: []sync.Entity{{ClientID: "x", Data: json.RawMessage(`{}`)}}, Deleted: []string{"x"}},
	}}
	resp, body := s.do(http.MethodPost, "/sync/push", "alice", bad)
	assert.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	assert.Contains(t, string(body), "both updated and deleted")
}

func TestAPI_StatusAndLogs(t *testing.T) {
	s := newTestServer(t)
	s.do(http.MethodGet, "/sync/pull", "alice", nil)

	resp, body := s.do(http.MethodGet, "/sync/logs?limit=5", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var logs struct {
		Logs []sync.LogEntry `json:"logs"`
	}
	require.NoError(t, json.Unmarshal(body, &logs))
	require.Len(t, logs.Logs, 1)
	assert.Equal(t, sync.DirectionPull, logs.Logs[0].Direction)

	resp, body = s.do(http.MethodGet, "/sync/status", "alice", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var status sync.OwnerStatus
	require.NoError(t, json.Unmarshal(body, &status))
	require.NotNil(t, status.LastSync)
}

func TestAPI_HealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	resp, body := s.do(http.MethodGet, "/api/v1/health", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `"status":"OK"`)

	resp, body = s.do(http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), `pensieve_http_requests_total{code="200",method="GET",path="/api/v1/health"} 1`)
}
