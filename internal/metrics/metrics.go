// ============================================================================
// taskdispatch Metrics - Prometheus
// ============================================================================
//
// Package: internal/metrics
// File: metrics.go
// Purpose: Collect and expose dispatcher metrics for Prometheus
//
// Metric groups:
//
//   1. Producer (Counter / Histogram):
//      - taskdispatch_producer_ticks_total
//      - taskdispatch_producer_tick_errors_total
//      - taskdispatch_producer_tick_duration_seconds
//      - taskdispatch_published_total
//      - taskdispatch_publish_failures_total
//      - taskdispatch_dispatched_total        rows moved NEW -> PENDING
//      - taskdispatch_dispatch_skipped_total  no longer NEW at publish time
//
//   2. Consumer (Counter / Histogram / Gauge):
//      - taskdispatch_deliveries_total{disposition}
//      - taskdispatch_tasks_completed_total
//      - taskdispatch_tasks_failed_total
//      - taskdispatch_tasks_cancelled_skipped_total
//      - taskdispatch_task_execution_seconds
//      - taskdispatch_tasks_in_flight
//
//   3. Store (Gauge):
//      - taskdispatch_tasks{status}  refreshed by the controller health loop
//
// Example queries:
//
//   # completions per minute
//   rate(taskdispatch_tasks_completed_total[1m])
//
//   # 95th percentile execution time
//   histogram_quantile(0.95, taskdispatch_task_execution_seconds_bucket)
//
//   # backlog not yet dispatched
//   taskdispatch_tasks{status="new"}
//
// A nil *Collector is valid and records nothing.
//
// ============================================================================

package metrics

import (
	"net/http"
	"time"

	"github.com/ChuLiYu/taskdispatch/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "taskdispatch"

// Collector holds the dispatcher's Prometheus metrics.
type Collector struct {
	// Producer
	ticks           prometheus.Counter
	tickErrors      prometheus.Counter
	tickDuration    prometheus.Histogram
	published       prometheus.Counter
	publishFailures prometheus.Counter
	dispatched      prometheus.Counter
	skipped         prometheus.Counter

	// Consumer
	deliveries       *prometheus.CounterVec
	completed        prometheus.Counter
	failed           prometheus.Counter
	cancelledSkipped prometheus.Counter
	execDuration     prometheus.Histogram
	inFlight         prometheus.Gauge

	// Store
	tasksByStatus *prometheus.GaugeVec
}

// NewCollector creates the metrics and registers them with reg.
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		ticks: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "producer_ticks_total",
			Help:      "Total number of producer polling ticks",
		}),
		tickErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "producer_tick_errors_total",
			Help:      "Total number of producer ticks abandoned on a store error",
		}),
		tickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "producer_tick_duration_seconds",
			Help:      "Duration of producer ticks in seconds",
			Buckets:   prometheus.DefBuckets,
		}),
		published: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "published_total",
			Help:      "Total number of task messages confirmed by the broker",
		}),
		publishFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "publish_failures_total",
			Help:      "Total number of task messages that could not be published",
		}),
		dispatched: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatched_total",
			Help:      "Total number of tasks moved from new to pending",
		}),
		skipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "dispatch_skipped_total",
			Help:      "Total number of fetched tasks no longer new at publish time",
		}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "deliveries_total",
			Help:      "Total number of consumed messages by disposition",
		}, []string{"disposition"}),
		completed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_completed_total",
			Help:      "Total number of tasks completed successfully",
		}),
		failed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_failed_total",
			Help:      "Total number of tasks whose execution failed",
		}),
		cancelledSkipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_cancelled_skipped_total",
			Help:      "Total number of deliveries dropped because the task was cancelled",
		}),
		execDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "task_execution_seconds",
			Help:      "Task execution time in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 3, 5, 7, 10, 30, 60},
		}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks_in_flight",
			Help:      "Current number of tasks being executed by this process",
		}),
		tasksByStatus: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "tasks",
			Help:      "Number of tasks in the store by status",
		}, []string{"status"}),
	}

	reg.MustRegister(
		c.ticks, c.tickErrors, c.tickDuration,
		c.published, c.publishFailures, c.dispatched, c.skipped,
		c.deliveries, c.completed, c.failed, c.cancelledSkipped,
		c.execDuration, c.inFlight, c.tasksByStatus,
	)
	return c
}

// ----------------------------------------------------------------------------
// Producer
// ----------------------------------------------------------------------------

// RecordTick records one producer tick.
func (c *Collector) RecordTick(d time.Duration, err error) {
	if c == nil {
		return
	}
	c.ticks.Inc()
	c.tickDuration.Observe(d.Seconds())
	if err != nil {
		c.tickErrors.Inc()
	}
}

func (c *Collector) RecordPublished() {
	if c == nil {
		return
	}
	c.published.Inc()
}

func (c *Collector) RecordPublishFailure() {
	if c == nil {
		return
	}
	c.publishFailures.Inc()
}

func (c *Collector) RecordDispatched(n int64) {
	if c == nil {
		return
	}
	c.dispatched.Add(float64(n))
}

func (c *Collector) RecordSkipped() {
	if c == nil {
		return
	}
	c.skipped.Inc()
}

// ----------------------------------------------------------------------------
// Consumer
// ----------------------------------------------------------------------------

// RecordDelivery counts a settled message.
func (c *Collector) RecordDelivery(disposition string) {
	if c == nil {
		return
	}
	c.deliveries.WithLabelValues(disposition).Inc()
}

// ExecStarted marks a task as running and returns a function that records
// its duration when called.
func (c *Collector) ExecStarted() func() {
	if c == nil {
		return func() {}
	}
	start := time.Now()
	c.inFlight.Inc()
	return func() {
		c.inFlight.Dec()
		c.execDuration.Observe(time.Since(start).Seconds())
	}
}

func (c *Collector) RecordCompleted() {
	if c == nil {
		return
	}
	c.completed.Inc()
}

func (c *Collector) RecordFailed() {
	if c == nil {
		return
	}
	c.failed.Inc()
}

func (c *Collector) RecordCancelledSkip() {
	if c == nil {
		return
	}
	c.cancelledSkipped.Inc()
}

// ----------------------------------------------------------------------------
// Store
// ----------------------------------------------------------------------------

// SetStatusCounts replaces the per-status task gauges.
func (c *Collector) SetStatusCounts(counts map[types.Status]int64) {
	if c == nil {
		return
	}
	for _, s := range types.Statuses {
		c.tasksByStatus.WithLabelValues(string(s)).Set(float64(counts[s]))
	}
}

// NewServer returns an HTTP server exposing g on /metrics.
func NewServer(addr string, g prometheus.Gatherer) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))
	return &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
}
