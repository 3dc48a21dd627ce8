// Package metrics holds the Prometheus collectors for deployments, health
// checks, backups and the embedded web server.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a registry so tests and multiple commands never collide on
// the global one. A nil *Metrics is valid and records nothing.
type Metrics struct {
	Registry *prometheus.Registry

	DeploysTotal   *prometheus.CounterVec
	DeployDuration *prometheus.HistogramVec
	DeployStage    *prometheus.GaugeVec

	HealthChecks     *prometheus.CounterVec
	HealthPassing    *prometheus.GaugeVec
	HealthRemediated prometheus.Counter

	BackupsCreated *prometheus.CounterVec
	BackupsDeleted prometheus.Counter
	BackupBytes    *prometheus.GaugeVec

	HTTPRequests        *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		Registry: prometheus.NewRegistry(),
		DeploysTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteops_deploys_total",
				Help: "Deployments by mode and outcome",
			},
			[]string{"mode", "result"},
		),
		DeployDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "siteops_deploy_duration_seconds",
				Help:    "Deployment duration in seconds",
				Buckets: []float64{5, 10, 30, 60, 120, 300, 600},
			},
			[]string{"mode"},
		),
		DeployStage: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "siteops_deploy_stage",
				Help: "Ordinal of the last stage reached by the most recent deployment",
			},
			[]string{"app"},
		),
		HealthChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteops_health_checks_total",
				Help: "Health check executions by check and outcome",
			},
			[]string{"check", "result"},
		),
		HealthPassing: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "siteops_health_check_passing",
				Help: "Whether the last run of a check passed (1) or failed (0)",
			},
			[]string{"check"},
		),
		HealthRemediated: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "siteops_health_remediations_total",
				Help: "Automatic restarts triggered by failed health checks",
			},
		),
		BackupsCreated: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteops_backups_created_total",
				Help: "Backups created by type",
			},
			[]string{"type"},
		),
		BackupsDeleted: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "siteops_backups_deleted_total",
				Help: "Backups removed by retention cleanup",
			},
		),
		BackupBytes: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "siteops_backup_size_bytes",
				Help: "Size of the most recent backup archive by type",
			},
			[]string{"type"},
		),
		HTTPRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "siteops_http_requests_total",
				Help: "HTTP requests served by method, route and status",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "siteops_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
	}

	m.Registry.MustRegister(
		m.DeploysTotal, m.DeployDuration, m.DeployStage,
		m.HealthChecks, m.HealthPassing, m.HealthRemediated,
		m.BackupsCreated, m.BackupsDeleted, m.BackupBytes,
		m.HTTPRequests, m.HTTPRequestDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})
}

// ObserveDeploy records a finished deployment.
func (m *Metrics) ObserveDeploy(mode string, ok bool, d time.Duration) {
	if m == nil {
		return
	}
	m.DeploysTotal.WithLabelValues(mode, outcome(ok)).Inc()
	m.DeployDuration.WithLabelValues(mode).Observe(d.Seconds())
}

// SetStage records the ordinal of the stage a deployment reached.
func (m *Metrics) SetStage(app string, ordinal int) {
	if m == nil {
		return
	}
	m.DeployStage.WithLabelValues(app).Set(float64(ordinal))
}

// ObserveCheck records one health check outcome.
func (m *Metrics) ObserveCheck(check string, passed bool) {
	if m == nil {
		return
	}
	m.HealthChecks.WithLabelValues(check, outcome(passed)).Inc()
	v := 0.0
	if passed {
		v = 1
	}
	m.HealthPassing.WithLabelValues(check).Set(v)
}

// ObserveRemediation counts an automatic restart.
func (m *Metrics) ObserveRemediation() {
	if m == nil {
		return
	}
	m.HealthRemediated.Inc()
}

// ObserveBackup records a created backup archive.
func (m *Metrics) ObserveBackup(kind string, size int64) {
	if m == nil {
		return
	}
	m.BackupsCreated.WithLabelValues(kind).Inc()
	m.BackupBytes.WithLabelValues(kind).Set(float64(size))
}

// ObserveCleanup counts backups removed by retention.
func (m *Metrics) ObserveCleanup(deleted int) {
	if m == nil {
		return
	}
	m.BackupsDeleted.Add(float64(deleted))
}

// ObserveRequest records a served HTTP request.
func (m *Metrics) ObserveRequest(method, path string, status int, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequests.WithLabelValues(method, path, strconv.Itoa(status)).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(d.Seconds())
}

func outcome(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}
