// Package diagnostics wraps the Prometheus metrics surface for the BLE
// Protocol Engine: active-task gauges, poll/timeout/reject counters, and
// the poll-rate histogram named by the Monitor Data Processor and the
// Metric Polling Engine.
package diagnostics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const (
	namespace = "cablefit"
	subsystem = "ble_engine"
)

// Label values for rejected-sample reasons.
const (
	RejectReasonRange = "range"
	RejectReasonJump  = "jump"
	RejectReasonLoad  = "load"
)

const labelTaskKind = "task_kind"
const labelReason = "reason"

// Collector holds every Prometheus metric exposed by the engine.
type Collector struct {
	ActiveTasks *prometheus.GaugeVec

	PollsTotal           *prometheus.CounterVec
	TimeoutsTotal        *prometheus.CounterVec
	ReconnectsTotal      prometheus.Counter
	SamplesRejectedTotal *prometheus.CounterVec

	PollInterval *prometheus.HistogramVec

	ConnectionState prometheus.Gauge
}

// NewCollector creates a Collector with all metrics registered against reg.
// If reg is nil, prometheus.DefaultRegisterer is used.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	c := newMetrics()

	reg.MustRegister(
		c.ActiveTasks,
		c.PollsTotal,
		c.TimeoutsTotal,
		c.ReconnectsTotal,
		c.SamplesRejectedTotal,
		c.PollInterval,
		c.ConnectionState,
	)

	return c
}

func newMetrics() *Collector {
	taskLabels := []string{labelTaskKind}
	reasonLabels := []string{labelReason}

	return &Collector{
		ActiveTasks: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "active_tasks",
			Help:      "Number of currently active polling tasks, by kind.",
		}, taskLabels),

		PollsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "polls_total",
			Help:      "Total successful characteristic reads, by task kind.",
		}, taskLabels),

		TimeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "timeouts_total",
			Help:      "Total characteristic read timeouts, by task kind.",
		}, taskLabels),

		ReconnectsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "reconnects_total",
			Help:      "Total auto-reconnect attempts triggered by the timeout-disconnect invariant.",
		}),

		SamplesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "samples_rejected_total",
			Help:      "Total monitor samples rejected by the processor, by reason.",
		}, reasonLabels),

		PollInterval: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "poll_interval_seconds",
			Help:      "Observed interval between successive reads, by task kind.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 10),
		}, taskLabels),

		ConnectionState: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "connection_state",
			Help:      "Current connection state as an integer code (see ConnectionState variants).",
		}),
	}
}

// RecordPoll increments the success counter and observes the inter-read
// interval for the given task kind, in seconds.
func (c *Collector) RecordPoll(taskKind string, intervalSeconds float64) {
	c.PollsTotal.WithLabelValues(taskKind).Inc()
	c.PollInterval.WithLabelValues(taskKind).Observe(intervalSeconds)
}

// RecordTimeout increments the timeout counter for the given task kind.
func (c *Collector) RecordTimeout(taskKind string) {
	c.TimeoutsTotal.WithLabelValues(taskKind).Inc()
}

// RecordReconnect increments the reconnect counter.
func (c *Collector) RecordReconnect() {
	c.ReconnectsTotal.Inc()
}

// RecordRejectedSample increments the rejected-sample counter for the
// given reason.
func (c *Collector) RecordRejectedSample(reason string) {
	c.SamplesRejectedTotal.WithLabelValues(reason).Inc()
}

// SetActiveTasks sets the active-task gauge for the given task kind.
func (c *Collector) SetActiveTasks(taskKind string, active bool) {
	v := 0.0
	if active {
		v = 1.0
	}
	c.ActiveTasks.WithLabelValues(taskKind).Set(v)
}

// SetConnectionState sets the connection-state gauge to the given integer
// code.
func (c *Collector) SetConnectionState(code int) {
	c.ConnectionState.Set(float64(code))
}
