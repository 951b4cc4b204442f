// Package metrics exposes admission-control counters to Prometheus. Every
// method is safe to call on a nil *Metrics so components can run unmetered.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bastion"

// Admission outcomes
const (
	ResultAllowed    = "allowed"
	ResultRejected   = "rejected"
	ResultBlocked    = "blocked"
	ResultFailedOpen = "failed_open"
	ResultLocked     = "locked"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	registry *prometheus.Registry

	// Admission metrics
	AdmissionDecisionsTotal *prometheus.CounterVec
	RateLimitBlocksTotal    *prometheus.CounterVec
	LoginLockoutsTotal      prometheus.Counter
	LoginFailuresTotal      prometheus.Counter

	// Credential metrics
	APIKeyValidationsTotal *prometheus.CounterVec
	APIKeyLifecycleTotal   *prometheus.CounterVec
	CSRFValidationsTotal   *prometheus.CounterVec

	// Audit metrics
	AuditEventsTotal         *prometheus.CounterVec
	AuditMirrorDroppedTotal  prometheus.Counter
	AuditArchivedEventsTotal prometheus.Counter

	// Background metrics
	SweepRemovedTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all Prometheus metrics on a fresh registry
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,

		AdmissionDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "admission_decisions_total",
				Help:      "Rate limit decisions by endpoint class and result",
			},
			[]string{"class", "result"},
		),
		RateLimitBlocksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limit_blocks_total",
				Help:      "Identities placed into the blocked state",
			},
			[]string{"class"},
		),
		LoginLockoutsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "login_lockouts_total",
				Help:      "Brute force threshold crossings",
			},
		),
		LoginFailuresTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "login_failures_total",
				Help:      "Recorded failed login attempts",
			},
		),

		APIKeyValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_key_validations_total",
				Help:      "API key validations by resulting key state",
			},
			[]string{"state"},
		),
		APIKeyLifecycleTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "api_key_lifecycle_total",
				Help:      "API key generate, rotate and revoke operations",
			},
			[]string{"operation"},
		),
		CSRFValidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "csrf_validations_total",
				Help:      "Anti-forgery token checks by mode and result",
			},
			[]string{"mode", "result"},
		),

		AuditEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_events_total",
				Help:      "Audit events recorded by category and severity",
			},
			[]string{"category", "severity"},
		),
		AuditMirrorDroppedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_log_mirror_dropped_total",
				Help:      "Audit events not mirrored to the structured log because the buffer was full",
			},
		),
		AuditArchivedEventsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "audit_archived_events_total",
				Help:      "Audit events persisted to the archive database",
			},
		),

		SweepRemovedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sweep_removed_total",
				Help:      "Entries reclaimed by background sweeps",
			},
			[]string{"sweeper"},
		),
	}

	// Register all metrics
	registry.MustRegister(
		m.AdmissionDecisionsTotal,
		m.RateLimitBlocksTotal,
		m.LoginLockoutsTotal,
		m.LoginFailuresTotal,
		m.APIKeyValidationsTotal,
		m.APIKeyLifecycleTotal,
		m.CSRFValidationsTotal,
		m.AuditEventsTotal,
		m.AuditMirrorDroppedTotal,
		m.AuditArchivedEventsTotal,
		m.SweepRemovedTotal,
		prometheus.NewGoCollector(),
	)

	return m
}

// RegisterGauge exposes a value sampled at scrape time (e.g. tracked identities)
func (m *Metrics) RegisterGauge(name, help string, fn func() float64) {
	if m == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help},
		fn,
	))
}

// Handler serves the registry in the Prometheus exposition format
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the underlying registry
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) ObserveAdmission(class, result string) {
	if m == nil {
		return
	}
	m.AdmissionDecisionsTotal.WithLabelValues(class, result).Inc()
}

func (m *Metrics) ObserveBlock(class string) {
	if m == nil {
		return
	}
	m.RateLimitBlocksTotal.WithLabelValues(class).Inc()
}

func (m *Metrics) ObserveLoginFailure(crossedThreshold bool) {
	if m == nil {
		return
	}
	m.LoginFailuresTotal.Inc()
	if crossedThreshold {
		m.LoginLockoutsTotal.Inc()
	}
}

func (m *Metrics) ObserveKeyValidation(state string) {
	if m == nil {
		return
	}
	m.APIKeyValidationsTotal.WithLabelValues(state).Inc()
}

func (m *Metrics) ObserveKeyLifecycle(operation string) {
	if m == nil {
		return
	}
	m.APIKeyLifecycleTotal.WithLabelValues(operation).Inc()
}

func (m *Metrics) ObserveCSRF(mode string, ok bool) {
	if m == nil {
		return
	}
	result := ResultAllowed
	if !ok {
		result = ResultRejected
	}
	m.CSRFValidationsTotal.WithLabelValues(mode, result).Inc()
}

func (m *Metrics) ObserveAuditEvent(category, severity string) {
	if m == nil {
		return
	}
	m.AuditEventsTotal.WithLabelValues(category, severity).Inc()
}

func (m *Metrics) ObserveMirrorDropped() {
	if m == nil {
		return
	}
	m.AuditMirrorDroppedTotal.Inc()
}

func (m *Metrics) ObserveArchived(n int) {
	if m == nil {
		return
	}
	m.AuditArchivedEventsTotal.Add(float64(n))
}

func (m *Metrics) ObserveSweep(sweeper string, removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.SweepRemovedTotal.WithLabelValues(sweeper).Add(float64(removed))
}
