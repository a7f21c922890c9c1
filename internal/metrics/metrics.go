// Package metrics exposes Prometheus collectors for the protection plane.
package metrics

import (
	"context"
	"net/http"

	"github.com/BradenHooton/propguard/internal/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "propguard"

// Metrics owns a private registry so tests and multiple servers never
// collide on the default one.
type Metrics struct {
	registry *prometheus.Registry

	limiterDecisions   *prometheus.CounterVec
	failedLogins       prometheus.Counter
	lockouts           prometheus.Counter
	credentialStuffing prometheus.Counter
	sessionsCreated    prometheus.Counter
	sessionEvictions   prometheus.Counter
	sessionRejections  *prometheus.CounterVec
	auditEntries       *prometheus.CounterVec
	sinkFailures       *prometheus.CounterVec
	sweepRemoved       *prometheus.CounterVec
	sweepErrors        *prometheus.CounterVec
}

// New creates and registers all collectors.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		limiterDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "limiter",
			Name:      "decisions_total",
			Help:      "Sliding window decisions by rule and outcome.",
		}, []string{"rule", "outcome"}),
		failedLogins: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lockout",
			Name:      "failed_attempts_total",
			Help:      "Failed authentication attempts recorded.",
		}),
		lockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lockout",
			Name:      "locks_total",
			Help:      "Accounts locked.",
		}),
		credentialStuffing: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "lockout",
			Name:      "credential_stuffing_flags_total",
			Help:      "Source IPs newly flagged for credential stuffing.",
		}),
		sessionsCreated: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "created_total",
			Help:      "Sessions created.",
		}),
		sessionEvictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "evictions_total",
			Help:      "Sessions evicted by the concurrency cap.",
		}),
		sessionRejections: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "rejections_total",
			Help:      "Session validations that failed, by reason.",
		}, []string{"reason"}),
		auditEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "entries_total",
			Help:      "Audit entries delivered to sinks, by severity.",
		}, []string{"severity"}),
		sinkFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "sink_failures_total",
			Help:      "Failed audit sink writes.",
		}, []string{"sink"}),
		sweepRemoved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "removed_total",
			Help:      "Records reclaimed by background sweeps.",
		}, []string{"component"}),
		sweepErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sweep",
			Name:      "errors_total",
			Help:      "Background sweeps that failed.",
		}, []string{"component"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.limiterDecisions,
		m.failedLogins,
		m.lockouts,
		m.credentialStuffing,
		m.sessionsCreated,
		m.sessionEvictions,
		m.sessionRejections,
		m.auditEntries,
		m.sinkFailures,
		m.sweepRemoved,
		m.sweepErrors,
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveLimit records one limiter decision.
func (m *Metrics) ObserveLimit(rule string, res models.LimitResult) {
	var outcome string
	switch {
	case res.Allowed:
		outcome = "allowed"
	case res.Penalized:
		outcome = "penalized"
	default:
		outcome = "rejected"
	}
	m.limiterDecisions.WithLabelValues(rule, outcome).Inc()
}

// ObserveFailedAttempt records a lockout policy result.
func (m *Metrics) ObserveFailedAttempt(res models.LockoutResult) {
	m.failedLogins.Inc()
	if res.JustLocked {
		m.lockouts.Inc()
	}
	if res.SourceJustFlagged {
		m.credentialStuffing.Inc()
	}
}

// ObserveSessionCreated records a created session and its evictions.
func (m *Metrics) ObserveSessionCreated(res models.CreateSessionResult) {
	m.sessionsCreated.Inc()
	m.sessionEvictions.Add(float64(len(res.TerminatedSessionIDs)))
}

// ObserveSessionValidation counts failed validations by reason.
func (m *Metrics) ObserveSessionValidation(v models.SessionValidation) {
	if !v.Valid {
		m.sessionRejections.WithLabelValues(v.Reason).Inc()
	}
}

// ObserveSinkFailure matches the dispatcher's error callback.
func (m *Metrics) ObserveSinkFailure(sink string) {
	m.sinkFailures.WithLabelValues(sink).Inc()
}

// ObserveSweep matches the cleanup manager's sweep callback.
func (m *Metrics) ObserveSweep(component string, removed int64, err error) {
	if err != nil {
		m.sweepErrors.WithLabelValues(component).Inc()
		return
	}
	m.sweepRemoved.WithLabelValues(component).Add(float64(removed))
}

// AuditCounter returns an audit sink that counts delivered entries.
func (m *Metrics) AuditCounter() *AuditCounter {
	return &AuditCounter{entries: m.auditEntries}
}

// AuditCounter is an audit sink feeding the audit entry counter.
type AuditCounter struct {
	entries *prometheus.CounterVec
}

// Name identifies the sink.
func (c *AuditCounter) Name() string { return "metrics" }

// WriteEntry counts the entry.
func (c *AuditCounter) WriteEntry(_ context.Context, entry models.AuditEntry) error {
	c.entries.WithLabelValues(string(entry.Severity)).Inc()
	return nil
}

// WriteCheckpoint is a no-op.
func (c *AuditCounter) WriteCheckpoint(context.Context, models.AuditCheckpoint) error {
	return nil
}
