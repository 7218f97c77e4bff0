// Package metrics holds the prometheus collectors shared across worker
// units, registered once under the "migux" namespace.
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "migux",
		Name:      "requests_total",
		Help:      "Total client requests handled, by protocol and status code.",
	}, []string{"proto", "status"})

	UnexpectedClosedTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "migux",
		Name:      "requests_unexpected_closed_total",
		Help:      "Requests whose response stream ended before completion.",
	}, []string{"proto", "method"})

	CacheResultTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "migux",
		Name:      "cache_result_total",
		Help:      "Static responses, by cache result (hit, miss, bypass).",
	}, []string{"result"})

	UpstreamFailuresTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "migux",
		Name:      "upstream_failures_total",
		Help:      "Upstream connect or early-IO failures, by upstream name and address.",
	}, []string{"upstream", "addr"})

	PoolBorrowsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "migux",
		Name:      "upstream_pool_borrows_total",
		Help:      "Pooled upstream connection borrows, by whether the connection was reused or freshly dialed.",
	}, []string{"upstream", "addr", "source"})
)

func init() {
	prometheus.MustRegister(
		RequestsTotal,
		UnexpectedClosedTotal,
		CacheResultTotal,
		UpstreamFailuresTotal,
		PoolBorrowsTotal,
	)
}
