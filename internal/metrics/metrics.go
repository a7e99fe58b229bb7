// Package metrics holds the Prometheus collectors exported on the admin
// API's /metrics endpoint.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "clusterproxy"

var (
	// RefreshOutcomes counts finished detect calls by outcome
	// (success, auth, timeout, server, network, suspended, unavailable).
	RefreshOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refresh_outcomes_total",
		Help:      "Cluster metadata refreshes by outcome.",
	}, []string{"cluster", "outcome"})

	// RefreshSkipped counts ticks suppressed by the backoff gate.
	RefreshSkipped = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refresh_skipped_total",
		Help:      "Scheduled refreshes skipped because of auth backoff.",
	}, []string{"cluster"})

	// ConnectionState exposes the health tracker state, 0=healthy .. 3=suspended.
	ConnectionState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "connection_state",
		Help:      "Connection health state (0 healthy, 1 backoff1, 2 backoff2, 3 suspended).",
	}, []string{"cluster"})

	// AuthProxyStarts counts auth-proxy spawn attempts by result.
	AuthProxyStarts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_proxy_starts_total",
		Help:      "Auth proxy start attempts.",
	}, []string{"cluster", "result"})

	// AuthProxyExits counts auth-proxy processes that went away.
	AuthProxyExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "auth_proxy_exits_total",
		Help:      "Auth proxy processes that exited, expectedly or not.",
	}, []string{"cluster", "expected"})

	// RoutedRequests counts requests handled by the router.
	RoutedRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "routed_requests_total",
		Help:      "Requests handled by the cluster router.",
	}, []string{"route", "code"})
)

// Handler serves the default registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// ForgetCluster drops all series labelled with the cluster id.
func ForgetCluster(clusterID string) {
	labels := prometheus.Labels{"cluster": clusterID}
	RefreshOutcomes.DeletePartialMatch(labels)
	RefreshSkipped.DeletePartialMatch(labels)
	ConnectionState.DeletePartialMatch(labels)
	AuthProxyStarts.DeletePartialMatch(labels)
	AuthProxyExits.DeletePartialMatch(labels)
}
