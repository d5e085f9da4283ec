package metrics

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "socialstore"

// Collector records storage operation counts and latencies on a private registry.
// It satisfies storage.Observer.
type Collector struct {
	registry          *prometheus.Registry
	operationCounter  *prometheus.CounterVec
	operationDuration *prometheus.HistogramVec
	prunedRows        *prometheus.CounterVec
}

// NewCollector creates a collector with Go runtime and process metrics registered.
func NewCollector() (*Collector, error) {
	registry := prometheus.NewRegistry()
	collector := &Collector{
		registry: registry,
		operationCounter: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operations_total",
			Help:      "Storage operations by operation name and outcome.",
		}, []string{"operation", "outcome"}),
		operationDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "operation_duration_seconds",
			Help:      "Storage operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation"}),
		prunedRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "storage",
			Name:      "pruned_rows_total",
			Help:      "Rows removed by maintenance pruning per table.",
		}, []string{"table"}),
	}

	toRegister := []prometheus.Collector{
		collector.operationCounter,
		collector.operationDuration,
		collector.prunedRows,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	}
	for _, item := range toRegister {
		if err := registry.Register(item); err != nil {
			return nil, fmt.Errorf("register metrics: %w", err)
		}
	}
	return collector, nil
}

// ObserveOperation records one completed storage operation.
func (c *Collector) ObserveOperation(operation, outcome string, elapsed time.Duration) {
	c.operationCounter.WithLabelValues(operation, outcome).Inc()
	c.operationDuration.WithLabelValues(operation).Observe(elapsed.Seconds())
}

// ObservePruned adds the rows removed from table by one prune run.
func (c *Collector) ObservePruned(table string, rows int64) {
	if rows <= 0 {
		return
	}
	c.prunedRows.WithLabelValues(table).Add(float64(rows))
}

// Registry exposes the underlying registry.
func (c *Collector) Registry() *prometheus.Registry {
	return c.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Collector) Handler() http.Handler {
	return promhttp.HandlerFor(c.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}
