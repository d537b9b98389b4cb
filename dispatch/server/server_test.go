package server

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/llm-serving/dispatchd/dispatch"
)

func newTestServer(t *testing.T, cfg dispatch.ServerConfig) (*Server, *Loop) {
	t.Helper()
	loop := newTestLoop(t, "balanced", 0)
	return New(loop, cfg, prometheus.NewRegistry()), loop
}

func doRequest(t *testing.T, srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader(body))
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_DispatchLifecycle(t *testing.T) {
	srv, _ := newTestServer(t, dispatch.ServerConfig{})

	// Register an instance over HTTP
	rec := doRequest(t, srv, "POST", "/instances/instance_0", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	// Dispatch resolves to it
	rec = doRequest(t, srv, "POST", "/dispatch", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var resp map[string]string
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "instance_0", resp["instance_id"])

	// Stats reflect the dispatch
	rec = doRequest(t, srv, "GET", "/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 1, stats.TotalRequests)
	assert.Equal(t, 1, stats.FleetSize)
	assert.Equal(t, map[string]int{"instance_0": 1}, stats.DispatchCounts)

	// Deregister and the fleet is empty again
	rec = doRequest(t, srv, "DELETE", "/instances/instance_0", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = doRequest(t, srv, "POST", "/dispatch", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_RemoveUnknownInstance_404(t *testing.T) {
	srv, _ := newTestServer(t, dispatch.ServerConfig{})
	rec := doRequest(t, srv, "DELETE", "/instances/ghost", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_EmptyFleetDispatch_503(t *testing.T) {
	srv, _ := newTestServer(t, dispatch.ServerConfig{})
	rec := doRequest(t, srv, "POST", "/dispatch", nil)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_SnapshotUpdate(t *testing.T) {
	srv, loop := newTestServer(t, dispatch.ServerConfig{})
	require.Equal(t, http.StatusOK, doRequest(t, srv, "POST", "/instances/a", nil).Code)

	snapshot := dispatch.Snapshot{
		"a": {InstanceID: "a", DispatchLoad: 0.4, QueueDepth: 2},
	}
	body, err := json.Marshal(snapshot)
	require.NoError(t, err)
	rec := doRequest(t, srv, "PUT", "/snapshot", body)
	require.Equal(t, http.StatusOK, rec.Code)

	stats, err := loop.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a"}, stats.Eligible)
}

func TestServer_SnapshotMalformed_400(t *testing.T) {
	srv, _ := newTestServer(t, dispatch.ServerConfig{})
	rec := doRequest(t, srv, "PUT", "/snapshot", []byte("{not json"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_RateLimit_429(t *testing.T) {
	// GIVEN a dispatch surface limited to one request per second
	srv, _ := newTestServer(t, dispatch.ServerConfig{RateLimit: 1, RateBurst: 1})
	require.Equal(t, http.StatusOK, doRequest(t, srv, "POST", "/instances/a", nil).Code)

	// WHEN two dispatches arrive back to back
	first := doRequest(t, srv, "POST", "/dispatch", nil)
	second := doRequest(t, srv, "POST", "/dispatch", nil)

	// THEN the bucket admits the first and rejects the second
	assert.Equal(t, http.StatusOK, first.Code)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)
}

func TestServer_MetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, dispatch.ServerConfig{})
	rec := doRequest(t, srv, "GET", "/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "dispatchd_fleet_instances")
}
