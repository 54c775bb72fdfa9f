// Package metrics holds the Prometheus collectors of the evaluation pipeline.
//
// A Recorder owns a private registry; Handler exposes it for scraping. All
// methods are safe on a nil *Recorder so components can run uninstrumented.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "contrib"

// Recorder records pipeline metrics
type Recorder struct {
	registry *prometheus.Registry

	runsStarted   *prometheus.CounterVec
	runsFinished  *prometheus.CounterVec
	runDuration   *prometheus.HistogramVec
	agentAttempts *prometheus.CounterVec
	agentLatency  *prometheus.HistogramVec
	contributions *prometheus.CounterVec
	rewards       prometheus.Counter
}

// New creates a Recorder with its own registry, including Go runtime collectors
func New() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		runsStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "started_total",
			Help:      "Evaluation runs started by trigger type",
		}, []string{"trigger"}),
		runsFinished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "finished_total",
			Help:      "Evaluation runs finished by terminal status",
		}, []string{"status"}),
		runDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "runs",
			Name:      "duration_seconds",
			Help:      "Wall-clock duration of evaluation runs",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800},
		}, []string{"status"}),
		agentAttempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "attempts_total",
			Help:      "Agent call attempts by stage and outcome",
		}, []string{"stage", "outcome"}),
		agentLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "agent",
			Name:      "call_seconds",
			Help:      "Latency of a single agent call",
			Buckets:   prometheus.ExponentialBuckets(0.25, 2, 10),
		}, []string{"stage"}),
		contributions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "pipeline",
			Name:      "contributions_total",
			Help:      "Contributions processed by run-contribution status",
		}, []string{"status"}),
		rewards: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rewards",
			Name:      "distributed_total",
			Help:      "Reward units distributed at challenge close",
		}),
	}

	r.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.runsStarted, r.runsFinished, r.runDuration,
		r.agentAttempts, r.agentLatency, r.contributions, r.rewards,
	)
	return r
}

// Registry returns the underlying registry
func (r *Recorder) Registry() *prometheus.Registry {
	if r == nil {
		return nil
	}
	return r.registry
}

// Handler serves the registry in the Prometheus exposition format
func (r *Recorder) Handler() http.Handler {
	if r == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// RunStarted counts a started run
func (r *Recorder) RunStarted(trigger string) {
	if r == nil {
		return
	}
	r.runsStarted.WithLabelValues(trigger).Inc()
}

// RunFinished counts a run reaching a terminal status
func (r *Recorder) RunFinished(status string, d time.Duration) {
	if r == nil {
		return
	}
	r.runsFinished.WithLabelValues(status).Inc()
	r.runDuration.WithLabelValues(status).Observe(d.Seconds())
}

// AgentAttempt records one agent call. outcome is "ok", "malformed" or "error".
func (r *Recorder) AgentAttempt(stage, outcome string, d time.Duration) {
	if r == nil {
		return
	}
	r.agentAttempts.WithLabelValues(stage, outcome).Inc()
	r.agentLatency.WithLabelValues(stage).Observe(d.Seconds())
}

// ContributionLogged counts a run-contribution row
func (r *Recorder) ContributionLogged(status string) {
	if r == nil {
		return
	}
	r.contributions.WithLabelValues(status).Inc()
}

// RewardsDistributed adds the total reward of a challenge close
func (r *Recorder) RewardsDistributed(total int) {
	if r == nil || total <= 0 {
		return
	}
	r.rewards.Add(float64(total))
}
