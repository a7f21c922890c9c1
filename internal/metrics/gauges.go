package metrics

import (
	"github.com/BradenHooton/propguard/internal/models"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
)

// StatsSources are the components whose state is sampled on scrape. Nil
// fields are skipped.
type StatsSources struct {
	Limiter  interface{ Stats() models.RateLimitStats }
	Lockout  interface{ Stats() models.LockoutStats }
	Sessions interface{ Stats() models.SessionStats }
	Audit    interface{ Stats() models.AuditStats }
	Database interface{ Stats() *pgxpool.Stat }
}

// RegisterGauges adds gauges that read component stats at scrape time.
func (m *Metrics) RegisterGauges(src StatsSources) {
	gauge := func(subsystem, name, help string, fn func() float64) {
		m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      name,
			Help:      help,
		}, fn))
	}

	if l := src.Limiter; l != nil {
		gauge("limiter", "tracked_keys", "Keys with live limiter state.", func() float64 {
			return float64(l.Stats().TrackedKeys)
		})
		gauge("limiter", "penalized_keys", "Keys inside a penalty window.", func() float64 {
			return float64(l.Stats().PenalizedKeys)
		})
	}
	if l := src.Lockout; l != nil {
		gauge("lockout", "locked_identifiers", "Identifiers currently locked.", func() float64 {
			return float64(l.Stats().LockedIdentifiers)
		})
		gauge("lockout", "suspicious_ips", "Source IPs flagged for credential stuffing.", func() float64 {
			return float64(l.Stats().SuspiciousIPs)
		})
	}
	if s := src.Sessions; s != nil {
		gauge("session", "active", "Active sessions.", func() float64 {
			return float64(s.Stats().ActiveSessions)
		})
	}
	if a := src.Audit; a != nil {
		gauge("audit", "retained_entries", "Entries retained in the ledger.", func() float64 {
			return float64(a.Stats().TotalEntries)
		})
		gauge("audit", "dropped_sink_events", "Audit events dropped before reaching sinks.", func() float64 {
			return float64(a.Stats().DroppedEvents)
		})
	}
	if d := src.Database; d != nil {
		gauge("db", "acquired_conns", "Pool connections in use.", func() float64 {
			return float64(d.Stats().AcquiredConns())
		})
		gauge("db", "idle_conns", "Idle pool connections.", func() float64 {
			return float64(d.Stats().IdleConns())
		})
		gauge("db", "total_conns", "Open pool connections.", func() float64 {
			return float64(d.Stats().TotalConns())
		})
	}
}
