// Package metrics exposes Prometheus instrumentation for ledger operations.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Collector owns its registry so tests can run collectors side by side
// without duplicate-registration panics.
type Collector struct {
	registry   *prometheus.Registry
	operations *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	balance    *prometheus.GaugeVec
	events     *prometheus.CounterVec
}

func NewCollector() *Collector {
	registry := prometheus.NewRegistry()
	return &Collector{
		registry: registry,
		operations: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_operations_total",
			Help: "Ledger operations by type and outcome",
		}, []string{"operation", "outcome"}),
		duration: promauto.With(registry).NewHistogramVec(prometheus.HistogramOpts{
			Name:    "ledger_operation_duration_seconds",
			Help:    "Time taken to apply a ledger operation",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		balance: promauto.With(registry).NewGaugeVec(prometheus.GaugeOpts{
			Name: "ledger_account_balance",
			Help: "Last observed account balance",
		}, []string{"account_id"}),
		events: promauto.With(registry).NewCounterVec(prometheus.CounterOpts{
			Name: "ledger_events_emitted_total",
			Help: "Notification events emitted by type",
		}, []string{"type"}),
	}
}

// ObserveOperation records one operation with its outcome ("ok" or an error
// class) and duration.
func (c *Collector) ObserveOperation(operation, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.operations.WithLabelValues(operation, outcome).Inc()
	c.duration.WithLabelValues(operation).Observe(d.Seconds())
}

// SetBalance records the balance seen after a successful mutation.
func (c *Collector) SetBalance(accountID string, balance float64) {
	if c == nil {
		return
	}
	c.balance.WithLabelValues(accountID).Set(balance)
}

// CountEvent records an emitted notification event.
func (c *Collector) CountEvent(eventType string) {
	if c == nil {
		return
	}
	c.events.WithLabelValues(eventType).Inc()
}

// Handler serves the collector's registry in Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{})
}
