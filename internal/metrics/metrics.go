// Package metrics exposes Prometheus collectors for the orchestrator.
package metrics

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "autostop"

// Registry holds every autostop collector. It is separate from the default
// registry so embedding programs do not get duplicate registrations.
var Registry = prometheus.NewRegistry()

var (
	idleChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "idle_checks_total",
			Help:      "Idle monitor ticks by decision.",
		},
		[]string{"decision"},
	)
	suspends = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "suspends_total",
			Help:      "Suspend attempts by result.",
		},
		[]string{"result"},
	)
	resumeStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resume_starts_total",
			Help:      "StartIfNotRunning calls by result.",
		},
		[]string{"result"},
	)
	resumePhases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resume_phase_transitions_total",
			Help:      "Resume workflow phase entries.",
		},
		[]string{"phase"},
	)
	resumeDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "resume_duration_seconds",
			Help:      "Time from resume start to a terminal phase.",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1200},
		},
		[]string{"outcome"},
	)
	fallbackRequests = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fallback_requests_total",
			Help:      "Requests served by the fallback handler by response kind and resume status.",
		},
		[]string{"kind", "status"},
	)
	routingStashed = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "routing_stashed",
			Help:      "1 while a workload's routing is stashed (suspended or resuming).",
		},
		[]string{"workload"},
	)
	alerts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "alerts_total",
			Help:      "Operator alerts published by severity.",
		},
		[]string{"severity"},
	)
)

var registerMetrics sync.Once

// Register registers all collectors with Registry. Safe to call repeatedly.
func Register() {
	registerMetrics.Do(func() {
		Registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			idleChecks,
			suspends,
			resumeStarts,
			resumePhases,
			resumeDuration,
			fallbackRequests,
			routingStashed,
			alerts,
		)
	})
}

// Handler serves Registry in the Prometheus exposition format.
func Handler() http.Handler {
	Register()
	return promhttp.HandlerFor(Registry, promhttp.HandlerOpts{Registry: Registry})
}

// RecordIdleCheck counts an idle monitor decision.
func RecordIdleCheck(decision string) {
	idleChecks.WithLabelValues(decision).Inc()
}

// RecordSuspend counts a suspend attempt.
func RecordSuspend(result string) {
	suspends.WithLabelValues(result).Inc()
}

// RecordResumeStart counts a StartIfNotRunning call.
func RecordResumeStart(alreadyRunning bool) {
	result := "started"
	if alreadyRunning {
		result = "already_running"
	}
	resumeStarts.WithLabelValues(result).Inc()
}

// RecordPhase counts entry into a resume phase.
func RecordPhase(phase string) {
	resumePhases.WithLabelValues(phase).Inc()
}

// RecordResumeFinished observes a finished resume execution.
func RecordResumeFinished(outcome string, elapsed time.Duration) {
	resumeDuration.WithLabelValues(outcome).Observe(elapsed.Seconds())
}

// RecordFallbackRequest counts a fallback response.
func RecordFallbackRequest(kind, status string) {
	fallbackRequests.WithLabelValues(kind, status).Inc()
}

// SetStashed reports whether a workload's routing is stashed.
func SetStashed(workload string, stashed bool) {
	v := 0.0
	if stashed {
		v = 1
	}
	routingStashed.WithLabelValues(workload).Set(v)
}

// RecordAlert counts a published alert.
func RecordAlert(severity string) {
	alerts.WithLabelValues(severity).Inc()
}
