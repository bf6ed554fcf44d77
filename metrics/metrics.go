// Package metrics holds the Prometheus collectors for master and worker.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// Counters
	callsTotal     *prometheus.CounterVec
	repliesTotal   *prometheus.CounterVec
	tasksTotal     *prometheus.CounterVec
	executorKills  *prometheus.CounterVec
	reconnects     prometheus.Counter
	droppedReplies prometheus.Counter

	// Gauges
	connectionState prometheus.Gauge
	pendingCalls    prometheus.Gauge

	// Histograms
	taskDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them with reg. A nil reg uses
// the default registerer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crew_calls_total",
				Help: "Total number of task requests published by the master",
			},
			[]string{"channel"},
		),
		repliesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crew_replies_total",
				Help: "Replies received by the master, by kind",
			},
			[]string{"kind"},
		),
		tasksTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crew_tasks_total",
				Help: "Tasks handled by the worker, by outcome",
			},
			[]string{"queue", "outcome"},
		),
		executorKills: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "crew_executor_kills_total",
				Help: "Handlers stopped at their deadline; mode is killed or abandoned",
			},
			[]string{"mode"},
		),
		reconnects: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crew_reconnects_total",
				Help: "Number of times the broker connection was lost",
			},
		),
		droppedReplies: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "crew_dropped_replies_total",
				Help: "Replies acknowledged and dropped because no call was pending",
			},
		),
		connectionState: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "crew_connection_state",
				Help: "0 disconnected, 1 connecting, 2 channel opening, 3 ready",
			},
		),
		pendingCalls: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "crew_pending_calls",
				Help: "Calls waiting for a reply",
			},
		),
		taskDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "crew_task_duration_seconds",
				Help:    "Handler execution duration in seconds",
				Buckets: []float64{.01, .05, .1, .5, 1, 2.5, 5, 10, 30, 60, 300, 600},
			},
			[]string{"queue"},
		),
	}

	reg.MustRegister(
		m.callsTotal,
		m.repliesTotal,
		m.tasksTotal,
		m.executorKills,
		m.reconnects,
		m.droppedReplies,
		m.connectionState,
		m.pendingCalls,
		m.taskDuration,
	)
	return m
}

func (m *Metrics) CallSent(channel string) {
	if m == nil {
		return
	}
	m.callsTotal.WithLabelValues(channel).Inc()
}

// ReplyReceived kind: result, error, expired, dropped.
func (m *Metrics) ReplyReceived(kind string) {
	if m == nil {
		return
	}
	m.repliesTotal.WithLabelValues(kind).Inc()
	if kind == "dropped" {
		m.droppedReplies.Inc()
	}
}

func (m *Metrics) SetPending(n int) {
	if m == nil {
		return
	}
	m.pendingCalls.Set(float64(n))
}

// TaskHandled outcome: ok, error, expired, timeout, unknown.
func (m *Metrics) TaskHandled(queue, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.tasksTotal.WithLabelValues(queue, outcome).Inc()
	if d > 0 {
		m.taskDuration.WithLabelValues(queue).Observe(d.Seconds())
	}
}

func (m *Metrics) ExecutorStopped(killed bool) {
	if m == nil {
		return
	}
	mode := "abandoned"
	if killed {
		mode = "killed"
	}
	m.executorKills.WithLabelValues(mode).Inc()
}

func (m *Metrics) SetConnectionState(state int) {
	if m == nil {
		return
	}
	m.connectionState.Set(float64(state))
}

func (m *Metrics) Reconnect() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}
