package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// ReminderMetrics exposes counters/histograms for reminder rounds, dispatch,
// voice callbacks and ticket transitions.
type ReminderMetrics struct {
	roundsTotal      *prometheus.CounterVec
	groupsEnqueued   *prometheus.CounterVec
	unresolvedTotal  prometheus.Counter
	dispatchTotal    *prometheus.CounterVec
	dispatchLatency  *prometheus.HistogramVec
	callbackTotal    *prometheus.CounterVec
	transitionsTotal *prometheus.CounterVec
}

func NewReminderMetrics(reg prometheus.Registerer) *ReminderMetrics {
	m := &ReminderMetrics{
		roundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "reminders",
			Name:      "rounds_total",
			Help:      "Reminder rounds run, by round label",
		}, []string{"lead_days"}),
		groupsEnqueued: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "reminders",
			Name:      "groups_enqueued_total",
			Help:      "Reminder groups enqueued for dispatch",
		}, []string{"channel"}),
		unresolvedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "reminders",
			Name:      "unresolved_tickets_total",
			Help:      "Due tickets left pending because no recipient was found",
		}),
		dispatchTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "reminders",
			Name:      "dispatch_total",
			Help:      "Group dispatches by channel and outcome",
		}, []string{"channel", "outcome"}),
		dispatchLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "clinic",
			Subsystem: "reminders",
			Name:      "dispatch_latency_seconds",
			Help:      "Latency of a group dispatch",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		callbackTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "reminders",
			Name:      "callback_total",
			Help:      "Voice callback results per ticket",
		}, []string{"status", "result"}),
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "clinic",
			Subsystem: "reminders",
			Name:      "transitions_total",
			Help:      "Applied ticket state transitions",
		}, []string{"from", "to"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(
		m.roundsTotal,
		m.groupsEnqueued,
		m.unresolvedTotal,
		m.dispatchTotal,
		m.dispatchLatency,
		m.callbackTotal,
		m.transitionsTotal,
	)
	return m
}

func (m *ReminderMetrics) ObserveRound(round string) {
	if m == nil {
		return
	}
	m.roundsTotal.WithLabelValues(round).Inc()
}

func (m *ReminderMetrics) ObserveGroupEnqueued(channel string) {
	if m == nil {
		return
	}
	m.groupsEnqueued.WithLabelValues(channel).Inc()
}

func (m *ReminderMetrics) ObserveUnresolved(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.unresolvedTotal.Add(float64(n))
}

func (m *ReminderMetrics) ObserveDispatch(channel, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(channel, outcome).Inc()
	if elapsed > 0 {
		m.dispatchLatency.WithLabelValues(channel).Observe(elapsed.Seconds())
	}
}

func (m *ReminderMetrics) ObserveCallback(status, result string) {
	if m == nil {
		return
	}
	m.callbackTotal.WithLabelValues(status, result).Inc()
}

func (m *ReminderMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(from, to).Inc()
}
