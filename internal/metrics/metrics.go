// Package metrics provides Prometheus metrics for netguard.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for netguard. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	// Route manager metrics
	RoutesDesired    prometheus.Gauge
	RoutesInstalled  prometheus.Gauge
	RoutesSuperseded prometheus.Gauge
	Reconciles       prometheus.Counter
	RouteReinstalls  prometheus.Counter
	RouteErrors      *prometheus.CounterVec

	// Firewall metrics
	PolicyApplies *prometheus.CounterVec
	PolicyActive  prometheus.Gauge

	// Connectivity metrics
	Connected           prometheus.Gauge
	ConnectivityChanges prometheus.Counter

	// DNS relay metrics
	RelayQueries  *prometheus.CounterVec
	RelayDuration prometheus.Histogram

	registry *prometheus.Registry
}

// New creates a new Metrics instance with all metrics registered.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
	}

	m.RoutesDesired = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netguard_routes_desired",
		Help: "Number of routes in the active route set",
	})
	m.RoutesInstalled = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netguard_routes_installed",
		Help: "Number of desired routes currently present in the routing table",
	})
	m.RoutesSuperseded = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netguard_routes_superseded",
		Help: "Number of foreign routing entries currently demoted",
	})
	m.Reconciles = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netguard_route_reconciles_total",
		Help: "Total number of reconciliation passes",
	})
	m.RouteReinstalls = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netguard_route_reinstalls_total",
		Help: "Total number of routes reinstalled after external removal",
	})
	m.RouteErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netguard_route_errors_total",
		Help: "Total number of failed routing-table operations",
	}, []string{"op"})

	m.PolicyApplies = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netguard_firewall_applies_total",
		Help: "Total number of firewall policy applications",
	}, []string{"result"})
	m.PolicyActive = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netguard_firewall_policy_active",
		Help: "1 while a DNS restriction policy is applied",
	})

	m.Connected = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "netguard_connectivity_connected",
		Help: "Last connectivity state reported by the monitor",
	})
	m.ConnectivityChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "netguard_connectivity_changes_total",
		Help: "Total number of connectivity transitions",
	})

	m.RelayQueries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "netguard_relay_queries_total",
		Help: "Total number of DNS queries handled by the relay",
	}, []string{"result"})
	m.RelayDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "netguard_relay_query_duration_seconds",
		Help:    "Upstream round-trip time of relayed DNS queries",
		Buckets: prometheus.ExponentialBuckets(0.001, 2, 14),
	})

	m.registry.MustRegister(
		m.RoutesDesired,
		m.RoutesInstalled,
		m.RoutesSuperseded,
		m.Reconciles,
		m.RouteReinstalls,
		m.RouteErrors,
		m.PolicyApplies,
		m.PolicyActive,
		m.Connected,
		m.ConnectivityChanges,
		m.RelayQueries,
		m.RelayDuration,
	)
	m.registry.MustRegister(prometheus.NewGoCollector())
	m.registry.MustRegister(prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}))

	return m
}

// Handler returns an HTTP handler for the metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RouteSet records the sizes of the route manager's bookkeeping.
func (m *Metrics) RouteSet(desired, installed, superseded int) {
	if m == nil {
		return
	}
	m.RoutesDesired.Set(float64(desired))
	m.RoutesInstalled.Set(float64(installed))
	m.RoutesSuperseded.Set(float64(superseded))
}

// Reconciled counts one reconciliation pass and its reinstalls.
func (m *Metrics) Reconciled(reinstalled int) {
	if m == nil {
		return
	}
	m.Reconciles.Inc()
	m.RouteReinstalls.Add(float64(reinstalled))
}

// RouteError counts a failed routing-table operation.
func (m *Metrics) RouteError(op string) {
	if m == nil {
		return
	}
	m.RouteErrors.WithLabelValues(op).Inc()
}

// PolicyApplied records a firewall apply attempt.
func (m *Metrics) PolicyApplied(ok bool) {
	if m == nil {
		return
	}
	if ok {
		m.PolicyApplies.WithLabelValues("ok").Inc()
		m.PolicyActive.Set(1)
		return
	}
	m.PolicyApplies.WithLabelValues("error").Inc()
}

// PolicyCleared records removal of the firewall policy.
func (m *Metrics) PolicyCleared() {
	if m == nil {
		return
	}
	m.PolicyActive.Set(0)
}

// ConnectivityChanged records a reported connectivity state.
func (m *Metrics) ConnectivityChanged(connected bool) {
	if m == nil {
		return
	}
	m.ConnectivityChanges.Inc()
	m.ConnectivityState(connected)
}

// ConnectivityState sets the connectivity gauge without counting a change.
func (m *Metrics) ConnectivityState(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.Connected.Set(1)
	} else {
		m.Connected.Set(0)
	}
}

// RelayQuery records one relayed DNS query.
func (m *Metrics) RelayQuery(result string, seconds float64) {
	if m == nil {
		return
	}
	m.RelayQueries.WithLabelValues(result).Inc()
	if seconds > 0 {
		m.RelayDuration.Observe(seconds)
	}
}
