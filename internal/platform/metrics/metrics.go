// Package metrics provides Prometheus metrics for the tenant bridge.
package metrics

import (
	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// TransfersTotal tracks patient transfers by outcome kind
	TransfersTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "transfer",
			Name:      "transfers_total",
			Help:      "Total number of patient transfers by outcome",
		},
		[]string{"from_tenant", "to_tenant", "outcome"},
	)

	// TransferDuration tracks end-to-end transfer duration in seconds
	TransferDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "transfer",
			Name:      "duration_seconds",
			Help:      "Duration of patient transfers in seconds",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"from_tenant", "to_tenant"},
	)

	// FanOutTenantErrors tracks per-tenant failures isolated during fan-out
	FanOutTenantErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "fanout",
			Name:      "tenant_errors_total",
			Help:      "Total number of per-tenant failures excluded from fan-out results",
		},
		[]string{"tenant_id", "operation", "kind"},
	)

	// FanOutDuration tracks per-tenant fan-out latency
	FanOutDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "bridge",
			Subsystem: "fanout",
			Name:      "tenant_duration_seconds",
			Help:      "Duration of a single tenant's share of a fan-out operation",
			Buckets:   []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 15},
		},
		[]string{"tenant_id", "operation"},
	)

	// GateDecisions tracks access gate decisions
	GateDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "access",
			Name:      "decisions_total",
			Help:      "Total number of access gate decisions by permission and result",
		},
		[]string{"permission", "allowed"},
	)

	// ReconciledDocuments tracks documents inserted by reconciliation
	ReconciledDocuments = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "bridge",
			Subsystem: "reconcile",
			Name:      "documents_inserted_total",
			Help:      "Total number of documents inserted into a lagging tenant by reconciliation",
		},
		[]string{"to_tenant", "collection"},
	)

	// TenantUp reports whether each tenant connection is currently usable
	TenantUp = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "bridge",
			Subsystem: "registry",
			Name:      "tenant_up",
			Help:      "1 when the tenant store is connected, 0 otherwise",
		},
		[]string{"tenant_id"},
	)
)

// Handler exposes the default registry for scraping.
func Handler() echo.HandlerFunc {
	return echo.WrapHandler(promhttp.Handler())
}

// BoolLabel renders a boolean as a label value.
func BoolLabel(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
