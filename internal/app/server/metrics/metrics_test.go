package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObserveSync(t *testing.T) {
	m := New()

	m.ObserveSync("push", "ok", 3, 1, 20*time.Millisecond)
	m.ObserveSync("push", "failed", 0, 0, time.Millisecond)
	m.ObserveSync("pull", "ok", 7, 0, time.Millisecond)

	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues("push", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.exchanges.WithLabelValues("push", "failed")))
	assert.Equal(t, 3.0, testutil.ToFloat64(m.records.WithLabelValues("push")))
	assert.Equal(t, 7.0, testutil.ToFloat64(m.records.WithLabelValues("pull")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.conflicts))
}

func TestMetrics_Handler(t *testing.T) {
	m := New()
	m.ObserveRequest("GET", "/sync/pull", 200)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `pensieve_http_requests_total{code="200",method="GET",path="/sync/pull"} 1`)
	assert.Contains(t, body, "go_goroutines")
}
