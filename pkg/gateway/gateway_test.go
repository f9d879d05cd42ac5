package gateway

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
	"github.com/pixperk/seatlock/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGateway(t *testing.T) (*httptest.Server, *metrics.Metrics, *clockwork.FakeClock) {
	t.Helper()
	return newGatewayWith(t, metrics.DefaultThresholds())
}

func newGatewayWith(t *testing.T, th metrics.Thresholds) (*httptest.Server, *metrics.Metrics, *clockwork.FakeClock) {
	t.Helper()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	clock := clockwork.NewFakeClock()

	s := NewServer("", reg, m, th, clock, hclog.NewNullLogger())
	ts := httptest.NewServer(s.Handler(reg))
	t.Cleanup(ts.Close)
	return ts, m, clock
}

func get(t *testing.T, url string) (int, []byte) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, body
}

func TestMetricsEndpoint(t *testing.T) {
	ts, m, _ := newGateway(t)
	m.ObserveAcquire("primary", metrics.ResultSuccess)

	code, body := get(t, ts.URL+"/metrics")
	assert.Equal(t, http.StatusOK, code)
	assert.Contains(t, string(body), `seatlock_acquire_total{backend="primary",result="success"} 1`)
}

func TestHealthReflectsScore(t *testing.T) {
	ts, m, _ := newGateway(t)

	code, body := get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code)
	var snap metrics.Snapshot
	require.NoError(t, json.Unmarshal(body, &snap))
	assert.Equal(t, 100, snap.HealthScore)

	for i := 0; i < 20; i++ {
		m.ObserveAcquire("primary", metrics.ResultError)
	}
	m.SetCircuitPhase(metrics.PhaseClosed, metrics.PhaseOpen, time.Now())

	code, _ = get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestAlertsEndpoint(t *testing.T) {
	ts, m, clock := newGateway(t)

	code, body := get(t, ts.URL+"/alerts")
	assert.Equal(t, http.StatusOK, code)
	assert.JSONEq(t, `[]`, string(body))

	m.SetCircuitPhase(metrics.PhaseClosed, metrics.PhaseOpen, clock.Now())
	clock.Advance(10 * time.Minute)

	_, body = get(t, ts.URL+"/alerts")
	var alerts []metrics.Alert
	require.NoError(t, json.Unmarshal(body, &alerts))
	names := make([]string, 0, len(alerts))
	for _, a := range alerts {
		names = append(names, a.Name)
	}
	assert.Contains(t, names, "fallback_mode_prolonged")
}

func TestAlertsUseConfiguredThresholds(t *testing.T) {
	th := metrics.DefaultThresholds()
	th.MaxFallback = 30 * time.Second
	th.MinHealthScore = 0
	ts, m, clock := newGatewayWith(t, th)

	m.SetCircuitPhase(metrics.PhaseClosed, metrics.PhaseOpen, clock.Now())
	clock.Advance(time.Minute)

	_, body := get(t, ts.URL+"/alerts")
	var alerts []metrics.Alert
	require.NoError(t, json.Unmarshal(body, &alerts))
	require.Len(t, alerts, 1)
	assert.Equal(t, "fallback_mode_prolonged", alerts[0].Name)

	for i := 0; i < 20; i++ {
		m.ObserveAcquire("primary", metrics.ResultError)
	}
	code, _ := get(t, ts.URL+"/healthz")
	assert.Equal(t, http.StatusOK, code, "a zero health floor never fails the check")
}
