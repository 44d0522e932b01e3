// Package metrics exports execution, breaker and worker pool metrics to Prometheus.
package metrics

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/rendis/nodeflow/internal/engine"
	"github.com/rendis/nodeflow/internal/store"
)

const defaultNamespace = "nodeflow"

// Collector records engine events as Prometheus metrics. It implements
// engine.EventSink so it can sit next to the streaming sink in a MultiSink.
type Collector struct {
	executionsTotal   *prometheus.CounterVec
	executionDuration *prometheus.HistogramVec
	nodesExecuted     *prometheus.CounterVec
	statusChanges     *prometheus.CounterVec
	logLines          *prometheus.CounterVec

	breakerState       *prometheus.GaugeVec
	breakerTransitions *prometheus.CounterVec

	registerer prometheus.Registerer
	namespace  string
}

var _ engine.EventSink = (*Collector)(nil)

// NewCollector registers the nodeflow metrics on reg. An empty namespace
// defaults to "nodeflow".
func NewCollector(reg prometheus.Registerer, namespace string) *Collector {
	if namespace == "" {
		namespace = defaultNamespace
	}
	factory := promauto.With(reg)
	c := &Collector{registerer: reg, namespace: namespace}

	c.executionsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "executions_total",
			Help:      "Finished executions by mode and terminal status",
		},
		[]string{"mode", "status"},
	)

	c.executionDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "execution_duration_seconds",
			Help:      "Execution wall time from start to terminal status",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 15, 60, 300},
		},
		[]string{"mode", "status"},
	)

	c.nodesExecuted = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "nodes_executed_total",
			Help:      "Nodes that completed inside finished executions",
		},
		[]string{"mode"},
	)

	c.statusChanges = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_status_events_total",
			Help:      "Status and progress events emitted by the engine",
		},
		[]string{"status"},
	)

	c.logLines = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "execution_log_lines_total",
			Help:      "Execution log lines by level",
		},
		[]string{"level"},
	)

	c.breakerState = factory.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
		},
		[]string{"key"},
	)

	c.breakerTransitions = factory.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_transitions_total",
			Help:      "Circuit breaker state transitions",
		},
		[]string{"key", "from", "to"},
	)

	return c
}

func (c *Collector) EmitStatus(_ context.Context, ev engine.StatusEvent) {
	c.statusChanges.WithLabelValues(string(ev.Status)).Inc()
}

func (c *Collector) EmitLog(_ context.Context, _ string, log *store.ExecutionLog) {
	if log == nil {
		return
	}
	c.logLines.WithLabelValues(string(log.Level)).Inc()
}

func (c *Collector) EmitMetrics(_ context.Context, _ string, m engine.ExecutionMetrics) {
	mode, status := string(m.Mode), string(m.Status)
	c.executionsTotal.WithLabelValues(mode, status).Inc()
	c.executionDuration.WithLabelValues(mode, status).
		Observe((time.Duration(m.DurationMs) * time.Millisecond).Seconds())
	if m.NodesExecuted > 0 {
		c.nodesExecuted.WithLabelValues(mode).Add(float64(m.NodesExecuted))
	}
}

// ObserveBreaker has the engine.StateChangeFunc signature; pass it to
// engine.WithStateChange.
func (c *Collector) ObserveBreaker(key string, from, to engine.CircuitState) {
	c.breakerState.WithLabelValues(key).Set(float64(to))
	c.breakerTransitions.WithLabelValues(key, from.String(), to.String()).Inc()
}

// RegisterPool exports the counters of a worker pool, labelled by name.
func (c *Collector) RegisterPool(name string, pool *engine.WorkerPool) error {
	gauges := []struct {
		name, help string
		value      func(engine.PoolMetrics) int64
	}{
		{"worker_pool_active", "Jobs currently running", func(m engine.PoolMetrics) int64 { return m.Active }},
		{"worker_pool_completed", "Jobs finished without error", func(m engine.PoolMetrics) int64 { return m.Completed }},
		{"worker_pool_failed", "Jobs finished with an error", func(m engine.PoolMetrics) int64 { return m.Failed }},
		{"worker_pool_panics", "Jobs that panicked", func(m engine.PoolMetrics) int64 { return m.Panics }},
	}
	for _, g := range gauges {
		value := g.value
		f := prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace:   c.namespace,
			Name:        g.name,
			Help:        g.help,
			ConstLabels: prometheus.Labels{"pool": name},
		}, func() float64 { return float64(value(pool.Metrics())) })
		if err := c.registerer.Register(f); err != nil {
			return err
		}
	}
	return nil
}
