package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TransactionsTotal counts ledger postings by type and outcome.
	TransactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "famwallet_transactions_total",
			Help: "Total number of ledger postings.",
		},
		[]string{"type", "outcome"},
	)

	// LedgerDivergenceTotal counts reconciliation mismatches. Any increment
	// is an alert condition.
	LedgerDivergenceTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "famwallet_ledger_divergence_total",
			Help: "Total number of reconciliation mismatches detected.",
		},
	)

	// TokenRequestsTotal counts token requests by final disposition.
	TokenRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "famwallet_token_requests_total",
			Help: "Total number of token request transitions.",
		},
		[]string{"status"},
	)

	// OperationDuration observes orchestrator operation latency.
	OperationDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "famwallet_operation_duration_seconds",
			Help:    "Duration of ledger service operations in seconds.",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"operation"},
	)
)

// Register installs the collectors on the registry.
func Register(registry *prometheus.Registry) {
	registry.MustRegister(TransactionsTotal, LedgerDivergenceTotal, TokenRequestsTotal, OperationDuration)
}

// Handler serves the registry over HTTP.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
