package metrics

import (
	"io"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestObserveDeploy(t *testing.T) {
	m := New()
	m.ObserveDeploy("direct", true, 12*time.Second)
	m.ObserveDeploy("direct", false, time.Second)
	m.ObserveDeploy("direct", true, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.DeploysTotal.WithLabelValues("direct", "success")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.DeploysTotal.WithLabelValues("direct", "failure")))
}

func TestObserveCheck(t *testing.T) {
	m := New()
	m.ObserveCheck("http", false)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HealthPassing.WithLabelValues("http")))
	m.ObserveCheck("http", true)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthPassing.WithLabelValues("http")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.HealthChecks.WithLabelValues("http", "failure")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.ObserveDeploy("direct", true, time.Second)
		m.SetStage("site", 3)
		m.ObserveCheck("http", true)
		m.ObserveRemediation()
		m.ObserveBackup("full", 10)
		m.ObserveCleanup(2)
		m.ObserveRequest("GET", "/health", 200, time.Millisecond)
	})
}

func TestHandlerExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveBackup("data", 2048)
	m.ObserveCleanup(3)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	body, err := io.ReadAll(rec.Body)
	require.NoError(t, err)

	assert.Contains(t, string(body), `siteops_backup_size_bytes{type="data"} 2048`)
	assert.Contains(t, string(body), "siteops_backups_deleted_total 3")
}

func TestTimer(t *testing.T) {
	timer := NewTimer()
	time.Sleep(10 * time.Millisecond)
	assert.GreaterOrEqual(t, timer.Duration(), 10*time.Millisecond)
}
