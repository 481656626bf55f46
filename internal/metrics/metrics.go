// Package metrics holds the Prometheus collectors shared by rules and notifiers.
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "homerules"

// Metrics groups the counters and gauges reported by rules
type Metrics struct {
	transitionsTotal   *prometheus.CounterVec
	timeoutsTotal      *prometheus.CounterVec
	triggersTotal      *prometheus.CounterVec
	serviceCallsTotal  *prometheus.CounterVec
	errorsTotal        *prometheus.CounterVec
	notificationsTotal *prometheus.CounterVec
	pauseListeners     *prometheus.GaugeVec
	activeRules        prometheus.Gauge
}

// New creates the collectors and registers them with registerer
func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		return nil
	}

	m := &Metrics{
		transitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rule",
			Name:      "transitions_total",
			Help:      "State machine transitions per rule",
		}, []string{"rule_name", "from", "to"}),

		timeoutsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rule",
			Name:      "timeouts_total",
			Help:      "Timers that ran to completion",
		}, []string{"rule_name"}),

		triggersTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rule",
			Name:      "triggers_total",
			Help:      "Trigger deliveries per rule, by whether the rule's conditions allowed it to act",
		}, []string{"rule_name", "result"}),

		serviceCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rule",
			Name:      "service_calls_total",
			Help:      "Service calls issued by rules",
		}, []string{"rule_name", "service", "result"}),

		errorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "rule",
			Name:      "errors_total",
			Help:      "Errors logged while handling callbacks",
		}, []string{"rule_name", "error_type"}),

		notificationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "notifications_total",
			Help:      "Notifications delivered per category and transport",
		}, []string{"category", "transport", "result"}),

		pauseListeners: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rule",
			Name:      "pause_listeners",
			Help:      "Installed pause listeners per timeout rule",
		}, []string{"rule_name"}),

		activeRules: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "rule",
			Name:      "active_rules",
			Help:      "Number of started rules",
		}),
	}

	registerer.MustRegister(
		m.transitionsTotal,
		m.timeoutsTotal,
		m.triggersTotal,
		m.serviceCallsTotal,
		m.errorsTotal,
		m.notificationsTotal,
		m.pauseListeners,
		m.activeRules,
	)
	return m
}

func (m *Metrics) Transition(rule, from, to string) {
	if m == nil {
		return
	}
	m.transitionsTotal.WithLabelValues(rule, from, to).Inc()
}

func (m *Metrics) TimedOut(rule string) {
	if m == nil {
		return
	}
	m.timeoutsTotal.WithLabelValues(rule).Inc()
}

// Triggered records a trigger with result "acted" or "blocked"
func (m *Metrics) Triggered(rule, result string) {
	if m == nil {
		return
	}
	m.triggersTotal.WithLabelValues(rule, result).Inc()
}

// ServiceCall records a service call with result "ok", "error" or "read_only"
func (m *Metrics) ServiceCall(rule, service, result string) {
	if m == nil {
		return
	}
	m.serviceCallsTotal.WithLabelValues(rule, service, result).Inc()
}

func (m *Metrics) Error(rule, errorType string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(rule, errorType).Inc()
}

func (m *Metrics) Notification(category, transport, result string) {
	if m == nil {
		return
	}
	m.notificationsTotal.WithLabelValues(category, transport, result).Inc()
}

func (m *Metrics) SetPauseListeners(rule string, n int) {
	if m == nil {
		return
	}
	m.pauseListeners.WithLabelValues(rule).Set(float64(n))
}

func (m *Metrics) RuleStarted() {
	if m == nil {
		return
	}
	m.activeRules.Inc()
}

func (m *Metrics) RuleStopped() {
	if m == nil {
		return
	}
	m.activeRules.Dec()
}
