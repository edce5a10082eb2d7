// Package metrics exposes Prometheus instrumentation for the engine.
package metrics

import (
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector holds the engine's Prometheus metrics.
type Collector struct {
	itemsDispatched   prometheus.Counter
	itemsCompleted    prometheus.Counter
	itemsRetried      prometheus.Counter
	itemsDeadLettered prometheus.Counter

	mergesApplied    prometheus.Counter
	mergeConflicts   prometheus.Counter
	checkpointsSaved prometheus.Counter

	itemDuration  prometheus.Histogram
	mergeDuration prometheus.Histogram

	itemsPending prometheus.Gauge
	itemsActive  prometheus.Gauge
}

// NewCollector creates and registers the collector on the default registry.
func NewCollector() *Collector {
	c := &Collector{
		itemsDispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_items_dispatched_total",
			Help: "Total number of work item attempts dispatched to workers",
		}),
		itemsCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_items_completed_total",
			Help: "Total number of work items completed and merged",
		}),
		itemsRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_items_retried_total",
			Help: "Total number of work item retry attempts",
		}),
		itemsDeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_items_dead_lettered_total",
			Help: "Total number of work items moved to the dead letter queue",
		}),
		mergesApplied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_merges_applied_total",
			Help: "Total number of merge requests applied",
		}),
		mergeConflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_merge_conflicts_total",
			Help: "Total number of merges that hit a conflict",
		}),
		checkpointsSaved: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "loom_checkpoints_saved_total",
			Help: "Total number of checkpoints written",
		}),
		itemDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_item_duration_seconds",
			Help:    "Work item execution duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		mergeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "loom_merge_duration_seconds",
			Help:    "Merge application duration in seconds",
			Buckets: prometheus.DefBuckets,
		}),
		itemsPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_items_pending",
			Help: "Current number of pending work items",
		}),
		itemsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "loom_items_active",
			Help: "Current number of work items being executed",
		}),
	}

	prometheus.MustRegister(
		c.itemsDispatched,
		c.itemsCompleted,
		c.itemsRetried,
		c.itemsDeadLettered,
		c.mergesApplied,
		c.mergeConflicts,
		c.checkpointsSaved,
		c.itemDuration,
		c.mergeDuration,
		c.itemsPending,
		c.itemsActive,
	)
	return c
}

// RecordDispatch counts one dispatched attempt.
func (c *Collector) RecordDispatch() {
	c.itemsDispatched.Inc()
}

// RecordCompleted counts a finished item and observes its duration.
func (c *Collector) RecordCompleted(seconds float64) {
	c.itemsCompleted.Inc()
	c.itemDuration.Observe(seconds)
}

// RecordRetry counts a retry attempt.
func (c *Collector) RecordRetry() {
	c.itemsRetried.Inc()
}

// RecordDeadLettered counts an item sent to the DLQ.
func (c *Collector) RecordDeadLettered() {
	c.itemsDeadLettered.Inc()
}

// RecordMerge counts an applied merge.
func (c *Collector) RecordMerge(seconds float64) {
	c.mergesApplied.Inc()
	c.mergeDuration.Observe(seconds)
}

// RecordMergeConflict counts a conflicted merge.
func (c *Collector) RecordMergeConflict() {
	c.mergeConflicts.Inc()
}

// RecordCheckpoint counts a saved checkpoint.
func (c *Collector) RecordCheckpoint() {
	c.checkpointsSaved.Inc()
}

// UpdateItemStats refreshes the pending/active gauges.
func (c *Collector) UpdateItemStats(pending, active int) {
	c.itemsPending.Set(float64(pending))
	c.itemsActive.Set(float64(active))
}

// StartServer serves /metrics for Prometheus scraping.
func StartServer(port int) error {
	http.Handle("/metrics", promhttp.Handler())
	return http.ListenAndServe(fmt.Sprintf(":%d", port), nil)
}
