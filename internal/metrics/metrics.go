package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	Verdicts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripwire_verdicts_total",
			Help: "Count of inspect verdicts (allow/challenge/block)",
		},
		[]string{"action"},
	)
	InspectDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "tripwire_inspect_duration_seconds",
			Help:    "Latency of /v1/inspect",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2},
		},
	)
	Indicators = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripwire_indicators_total",
			Help: "Threat indicators produced, by detector",
		},
		[]string{"detector"},
	)
	Incidents = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripwire_incidents_total",
			Help: "Incidents opened, by severity",
		},
		[]string{"severity"},
	)
	ResponseActions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripwire_response_actions_total",
			Help: "Automated response actions executed",
		},
		[]string{"action"},
	)
	RateLimitDenied = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripwire_rate_limit_denied_total",
			Help: "Rate limiter denials, by policy",
		},
		[]string{"policy"},
	)
	Escalations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripwire_escalations_total",
			Help: "Escalation rule firings, by action",
		},
		[]string{"action"},
	)
	BlocklistSize = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tripwire_blocklist_cached_entries",
			Help: "Entries currently in the in-process blocklist cache",
		},
	)
	EmergencyMode = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tripwire_emergency_mode",
			Help: "1 while emergency mode is active",
		},
	)
	ReputationChecks = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripwire_reputation_check_failures_total",
			Help: "Reputation sub-check failures that degraded to zero",
		},
		[]string{"check"},
	)
	StoreErrors = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripwire_store_errors_total",
			Help: "Durable store operation errors",
		},
		[]string{"backend", "op"},
	)
	StoreFailovers = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripwire_store_failovers_total",
			Help: "Operations served from the in-process fallback store",
		},
		[]string{"op"},
	)
	CircuitState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "tripwire_circuit_state",
			Help: "Circuit breaker state per collaborator (0=closed,1=open,2=half-open)",
		},
		[]string{"name"},
	)
	CircuitTrips = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "tripwire_circuit_trips_total",
			Help: "Circuit breaker open transitions",
		},
		[]string{"name"},
	)
	IntelEntries = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "tripwire_intel_entries",
			Help: "Threat-intelligence entries currently cached",
		},
	)
	BuildInfo = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name:        "tripwire_build_info",
			Help:        "Build info gauge with const labels",
			ConstLabels: prometheus.Labels{"version": "0.1.0"},
		},
	)
)

func MustRegister() {
	prometheus.MustRegister(
		Verdicts, InspectDuration, Indicators, Incidents, ResponseActions,
		RateLimitDenied, Escalations, BlocklistSize, EmergencyMode,
		ReputationChecks, StoreErrors, StoreFailovers, CircuitState,
		CircuitTrips, IntelEntries, BuildInfo,
	)
}
