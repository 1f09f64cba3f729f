// ============================================================================
// cronswarm Metrics - Prometheus instrumentation
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose cluster, scheduling and execution metrics.
//
// Metric groups:
//
//   1. Gossip (SWIM)
//      - cronswarm_gossip_pings_total{outcome}         direct pings sent
//      - cronswarm_gossip_transitions_total{to}        local state changes
//      - cronswarm_cluster_members{state}              current view
//
//   2. Scheduling / orchestration
//      - cronswarm_jobs_scheduled_total{kind}          cron | queue
//      - cronswarm_jobs_claimed_total                  handed to runners
//      - cronswarm_job_results_stored_total
//      - cronswarm_jobs_unassigned                     backlog gauge
//
//   3. Runner
//      - cronswarm_job_executions_total{outcome}       ok | timeout | error
//      - cronswarm_job_duration_seconds                histogram
//      - cronswarm_result_cache_entries
//      - cronswarm_result_submit_failures_total
//
// Every method is nil-safe so components can run without a collector.
//
// ============================================================================

package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ChuLiYu/cronswarm/pkg/types"
)

// Collector holds every cronswarm metric.
type Collector struct {
	pings          *prometheus.CounterVec
	transitions    *prometheus.CounterVec
	members        *prometheus.GaugeVec
	scheduled      *prometheus.CounterVec
	claimed        prometheus.Counter
	resultsStored  prometheus.Counter
	unassigned     prometheus.Gauge
	executions     *prometheus.CounterVec
	duration       prometheus.Histogram
	cacheEntries   prometheus.Gauge
	submitFailures prometheus.Counter

	gatherer prometheus.Gatherer
}

// NewCollector creates the collector and registers it on reg. A nil reg uses
// a fresh private registry.
func NewCollector(reg *prometheus.Registry) *Collector {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	c := &Collector{
		pings: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cronswarm_gossip_pings_total",
			Help: "Direct gossip pings sent, by outcome",
		}, []string{"outcome"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cronswarm_gossip_transitions_total",
			Help: "Membership state transitions decided locally, by target state",
		}, []string{"to"}),
		members: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "cronswarm_cluster_members",
			Help: "Known cluster members, by state",
		}, []string{"state"}),
		scheduled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cronswarm_jobs_scheduled_total",
			Help: "Scheduled jobs materialized by the scheduler, by kind",
		}, []string{"kind"}),
		claimed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cronswarm_jobs_claimed_total",
			Help: "Scheduled jobs assigned to runners",
		}),
		resultsStored: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cronswarm_job_results_stored_total",
			Help: "Job results accepted by the orchestrator",
		}),
		unassigned: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cronswarm_jobs_unassigned",
			Help: "Scheduled jobs waiting for a runner",
		}),
		executions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "cronswarm_job_executions_total",
			Help: "Job executions finished by the local runner, by outcome",
		}, []string{"outcome"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "cronswarm_job_duration_seconds",
			Help:    "HTTP execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		cacheEntries: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "cronswarm_result_cache_entries",
			Help: "Results waiting in the local cache for delivery",
		}),
		submitFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "cronswarm_result_submit_failures_total",
			Help: "Result submissions to the orchestrator that failed",
		}),
		gatherer: reg,
	}

	reg.MustRegister(
		c.pings, c.transitions, c.members, c.scheduled, c.claimed,
		c.resultsStored, c.unassigned, c.executions, c.duration,
		c.cacheEntries, c.submitFailures,
	)
	return c
}

// Handler serves the registry in Prometheus text format.
func (c *Collector) Handler() http.Handler {
	if c == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(c.gatherer, promhttp.HandlerOpts{})
}

// RecordPing counts a direct ping by outcome.
func (c *Collector) RecordPing(ok bool) {
	if c == nil {
		return
	}
	if ok {
		c.pings.WithLabelValues("ok").Inc()
		return
	}
	c.pings.WithLabelValues("failed").Inc()
}

// RecordTransition counts a locally decided state change.
func (c *Collector) RecordTransition(to types.NodeState) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(string(to)).Inc()
}

// SetMembers publishes the current membership view.
func (c *Collector) SetMembers(nodes []types.Node) {
	if c == nil {
		return
	}
	counts := map[types.NodeState]int{types.StateAlive: 0, types.StateSuspicious: 0, types.StateDead: 0}
	for _, n := range nodes {
		counts[n.State]++
	}
	for state, n := range counts {
		c.members.WithLabelValues(string(state)).Set(float64(n))
	}
}

// RecordScheduled counts a materialized job; kind is "cron" or "queue".
func (c *Collector) RecordScheduled(kind string) {
	if c == nil {
		return
	}
	c.scheduled.WithLabelValues(kind).Inc()
}

// RecordClaimed counts jobs handed to a runner.
func (c *Collector) RecordClaimed(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.claimed.Add(float64(n))
}

// RecordResultsStored counts results accepted by the orchestrator.
func (c *Collector) RecordResultsStored(n int) {
	if c == nil || n <= 0 {
		return
	}
	c.resultsStored.Add(float64(n))
}

// SetUnassigned publishes the orchestrator backlog.
func (c *Collector) SetUnassigned(n int) {
	if c == nil {
		return
	}
	c.unassigned.Set(float64(n))
}

// RecordExecution counts a finished execution and observes its duration.
func (c *Collector) RecordExecution(r types.JobResult) {
	if c == nil {
		return
	}
	outcome := "ok"
	switch {
	case r.TimedOut:
		outcome = "timeout"
	case r.Error != nil:
		outcome = "error"
	}
	c.executions.WithLabelValues(outcome).Inc()
	c.duration.Observe(float64(r.DurationMS) / 1000)
}

// SetCacheEntries publishes the result cache size.
func (c *Collector) SetCacheEntries(n int) {
	if c == nil {
		return
	}
	c.cacheEntries.Set(float64(n))
}

// RecordSubmitFailure counts a failed result submission.
func (c *Collector) RecordSubmitFailure() {
	if c == nil {
		return
	}
	c.submitFailures.Inc()
}
