// Package telemetry holds the Prometheus collectors of the capture core.
package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SessionsRunning = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "netscope_sessions_running",
			Help: "Number of capture sessions with a live background task",
		},
	)
	RecordsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netscope_records_total",
			Help: "Traffic records stored, by interface",
		},
		[]string{"interface"},
	)
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netscope_cycles_total",
			Help: "Capture task cycles, by outcome",
		},
		[]string{"outcome"},
	)
	AlertsCreated = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netscope_alerts_created_total",
			Help: "Alerts created (deduplicated firings excluded), by severity",
		},
		[]string{"severity"},
	)
	AlertEscalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "netscope_alert_escalations_total",
			Help: "Escalation notifications emitted, by severity",
		},
		[]string{"severity"},
	)
	EventsDropped = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "netscope_events_dropped_total",
			Help: "Realtime events dropped because a subscriber buffer was full",
		},
	)
)

func init() {
	prometheus.MustRegister(SessionsRunning)
	prometheus.MustRegister(RecordsTotal)
	prometheus.MustRegister(CyclesTotal)
	prometheus.MustRegister(AlertsCreated)
	prometheus.MustRegister(AlertEscalations)
	prometheus.MustRegister(EventsDropped)
}
