package httpapi

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datapult/resilience/adaptive"
	"github.com/datapult/resilience/allocator"
	"github.com/datapult/resilience/config"
	"github.com/datapult/resilience/monitoring"
	"github.com/datapult/resilience/platform"
)

type fixedTelemetry struct {
	cpu float64
}

func (f fixedTelemetry) Sample(ctx context.Context) (*monitoring.ResourceMetrics, error) {
	return &monitoring.ResourceMetrics{
		Timestamp:     time.Now(),
		CPUPercent:    f.cpu,
		MemoryPercent: 40,
	}, nil
}

func newTestServer(t *testing.T) (*platform.Core, *httptest.Server) {
	t.Helper()

	registry := prometheus.NewRegistry()
	core, err := platform.NewCore(config.Default(),
		platform.WithTelemetryProvider(fixedTelemetry{cpu: 25}),
		platform.WithMetricsRegistry(registry),
	)
	require.NoError(t, err)

	srv := httptest.NewServer(NewServer(core, nil, registry).Handler())
	t.Cleanup(srv.Close)
	return core, srv
}

func getJSON(t *testing.T, url string, out interface{}) int {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil && resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestServer_Status(t *testing.T) {
	core, srv := newTestServer(t)
	core.Breakers.Get("database").ForceOpen()
	core.Monitor.Collect(context.Background())

	var status struct {
		DegradationMode string            `json:"degradation_mode"`
		Breakers        map[string]string `json:"breakers"`
		ActiveAlerts    int               `json:"active_alerts"`
		UnderPressure   bool              `json:"under_pressure"`
	}
	code := getJSON(t, srv.URL+"/status", &status)

	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "NORMAL", status.DegradationMode)
	assert.Equal(t, "OPEN", status.Breakers["database"])
	assert.False(t, status.UnderPressure)
	assert.Zero(t, status.ActiveAlerts)
}

func TestServer_Breakers(t *testing.T) {
	core, srv := newTestServer(t)
	core.Breakers.Get("cache")

	var breakers map[string]json.RawMessage
	code := getJSON(t, srv.URL+"/breakers", &breakers)

	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, breakers, "cache")
}

func TestServer_ResourcesBeforeFirstCollection(t *testing.T) {
	_, srv := newTestServer(t)

	code := getJSON(t, srv.URL+"/resources", nil)
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestServer_ResourcesAndTrends(t *testing.T) {
	core, srv := newTestServer(t)
	core.Monitor.Collect(context.Background())

	var resources struct {
		Current *monitoring.ResourceMetrics `json:"current"`
	}
	code := getJSON(t, srv.URL+"/resources", &resources)
	require.Equal(t, http.StatusOK, code)
	require.NotNil(t, resources.Current)
	assert.InDelta(t, 25.0, resources.Current.CPUPercent, 1e-9)

	var trends map[string]monitoring.TrendStats
	code = getJSON(t, srv.URL+"/resources/trends?minutes=5", &trends)
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, trends, "cpu_percent")
	assert.Equal(t, 1, trends["cpu_percent"].Samples)
}

func TestServer_Quota(t *testing.T) {
	core, srv := newTestServer(t)

	code := getJSON(t, srv.URL+"/quotas/unknown", nil)
	assert.Equal(t, http.StatusNotFound, code)

	require.NoError(t, core.Adaptive.RegisterComponent("indexer", 2, nil))

	var resp struct {
		Quota adaptive.ResourceQuota `json:"quota"`
	}
	code = getJSON(t, srv.URL+"/quotas/indexer", &resp)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, "indexer", resp.Quota.Component)
	assert.Equal(t, 2, resp.Quota.Priority)
}

func TestServer_Allocations(t *testing.T) {
	core, srv := newTestServer(t)

	require.NoError(t, core.RegisterManagedComponent("writer", 3, nil, allocator.Registration{
		Hooks: allocator.Hooks{
			ApplyCPUPercent: func(p float64) error { return nil },
		},
	}))
	core.Allocator.RunCycle()

	var all struct {
		Status  map[string]allocator.ComponentAllocation `json:"status"`
		History []allocator.AppliedChange                `json:"history"`
	}
	code := getJSON(t, srv.URL+"/allocations", &all)
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, all.Status, "writer")
	assert.NotEmpty(t, all.History)

	var history []allocator.AppliedChange
	code = getJSON(t, srv.URL+"/allocations/writer", &history)
	assert.Equal(t, http.StatusOK, code)
	require.NotEmpty(t, history)
	assert.Equal(t, "writer", history[0].Component)
}

func TestServer_Metrics(t *testing.T) {
	core, srv := newTestServer(t)
	core.Monitor.Collect(context.Background())

	resp, err := http.Get(srv.URL + "/metrics")
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "resilience_monitor_cpu_percent")
	assert.Contains(t, string(body), "resilience_degradation_mode")
}

func TestServer_MethodNotAllowed(t *testing.T) {
	_, srv := newTestServer(t)

	resp, err := http.Post(srv.URL+"/status", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}
