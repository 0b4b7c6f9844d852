// Package metrics exposes Prometheus collectors for the reconciler's
// dispatched actions, RLAL suppressions, queue depth, and per-domain
// state, alongside the Go/process default collectors.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// domain state gauge values, mirroring libvirt's VIR_DOMAIN_* lifecycle states
// collapsed to the subset this daemon distinguishes.
const (
	StateUnknown  = 0
	StateShutoff  = 1
	StateRunning  = 2
	StateTransient = 3 // mid start/stop/restart action
)

// Metrics wraps the collectors registered for this daemon.
type Metrics struct {
	registry *prometheus.Registry

	actionsTotal         *prometheus.CounterVec
	actionDuration       *prometheus.HistogramVec
	rlalSuppressedTotal  *prometheus.CounterVec
	reconcileErrorsTotal *prometheus.CounterVec
	domainState          *prometheus.GaugeVec
	queueDepth           *prometheus.GaugeVec
	journalReopensTotal  prometheus.Counter
	uptime               prometheus.GaugeFunc
}

var defaultBuckets = []float64{5, 10, 25, 50, 100, 250, 500, 1000, 2500, 5000, 10000, 30000, 60000}

var m *Metrics
var startTime time.Time

// Init initializes the Prometheus metrics subsystem under namespace,
// registering default Go/process collectors alongside the domain ones.
func Init(namespace string, buckets []float64) {
	if len(buckets) == 0 {
		buckets = defaultBuckets
	}
	startTime = time.Now()

	registry := prometheus.NewRegistry()
	registry.MustRegister(prometheus.NewGoCollector())
	registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	pm := &Metrics{
		registry: registry,

		actionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "actions_total",
				Help:      "Total actions dispatched to a control plane",
			},
			[]string{"plane", "action", "status"}, // plane: hypervisor|systemd, status: success|failed
		),

		actionDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "action_duration_milliseconds",
				Help:      "Duration of dispatched actions in milliseconds",
				Buckets:   buckets,
			},
			[]string{"plane", "action"},
		),

		rlalSuppressedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rlal_suppressed_total",
				Help:      "Actions suppressed by the rate-limited action log as echoes",
			},
			[]string{"plane"},
		),

		reconcileErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconcile_errors_total",
				Help:      "Errors encountered while reconciling domain and unit state",
			},
			[]string{"plane", "stage"},
		),

		domainState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "domain_state",
				Help:      "Last observed domain state (0=unknown 1=shutoff 2=running 3=transient)",
			},
			[]string{"domain"},
		),

		queueDepth: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "queue_depth",
				Help:      "Pending actions queued for a control plane's dispatcher",
			},
			[]string{"plane"},
		),

		journalReopensTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "journal_reopens_total",
				Help:      "Times the journal tailer subprocess was restarted",
			},
		),
	}

	pm.uptime = prometheus.NewGaugeFunc(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "uptime_seconds",
			Help:      "Time since the daemon started",
		},
		func() float64 { return time.Since(startTime).Seconds() },
	)

	registry.MustRegister(
		pm.actionsTotal,
		pm.actionDuration,
		pm.rlalSuppressedTotal,
		pm.reconcileErrorsTotal,
		pm.domainState,
		pm.queueDepth,
		pm.journalReopensTotal,
		pm.uptime,
	)

	m = pm
}

// RecordAction records the outcome and duration of a dispatched action.
func RecordAction(plane, action string, durationMs int64, success bool) {
	if m == nil {
		return
	}
	status := "success"
	if !success {
		status = "failed"
	}
	m.actionsTotal.WithLabelValues(plane, action, status).Inc()
	m.actionDuration.WithLabelValues(plane, action).Observe(float64(durationMs))
}

// RecordSuppressed records an RLAL echo suppression for plane.
func RecordSuppressed(plane string) {
	if m == nil {
		return
	}
	m.rlalSuppressedTotal.WithLabelValues(plane).Inc()
}

// RecordReconcileError records a reconciliation error at stage.
func RecordReconcileError(plane, stage string) {
	if m == nil {
		return
	}
	m.reconcileErrorsTotal.WithLabelValues(plane, stage).Inc()
}

// SetDomainState records the last observed state for domain.
func SetDomainState(domain string, state int) {
	if m == nil {
		return
	}
	m.domainState.WithLabelValues(domain).Set(float64(state))
}

// SetQueueDepth sets the pending-action queue depth for plane.
func SetQueueDepth(plane string, depth int) {
	if m == nil {
		return
	}
	m.queueDepth.WithLabelValues(plane).Set(float64(depth))
}

// RecordJournalReopen records a journal tailer subprocess restart.
func RecordJournalReopen() {
	if m == nil {
		return
	}
	m.journalReopensTotal.Inc()
}

// Handler returns an HTTP handler for Prometheus scraping.
func Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("metrics not initialized"))
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry, for tests or custom collectors.
func Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
