// Package metrics holds the Prometheus collectors for the executor and the
// cache service. A nil *Metrics is valid and records nothing.
package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gridflow"

// Metrics holds Prometheus collectors for flow execution and the cache service.
type Metrics struct {
	steps        *prometheus.CounterVec   // By terminal state
	stepDuration *prometheus.HistogramVec // By binding kind
	cacheLookups *prometheus.CounterVec   // hit, miss, error, disabled
	flows        *prometheus.CounterVec   // success, failed, cancelled, timeout

	serverRequests *prometheus.CounterVec // By command and result
	serverConns    prometheus.Gauge
}

// New creates the collectors and registers them with reg.
// A nil reg returns a nil *Metrics (metrics disabled).
func New(reg prometheus.Registerer) (*Metrics, error) {
	if reg == nil {
		return nil, nil
	}

	m := &Metrics{
		steps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "steps_total",
			Help:      "Steps that reached a terminal state",
		}, []string{"state"}),

		stepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "step_duration_seconds",
			Help:      "Wall-clock duration of step binding invocations",
			Buckets:   []float64{0.01, 0.1, 0.5, 1, 5, 30, 120, 600, 3600},
		}, []string{"binding"}),

		cacheLookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cache_lookups_total",
			Help:      "Result cache lookups by outcome",
		}, []string{"result"}),

		flows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "flows_total",
			Help:      "Flow executions by outcome",
		}, []string{"result"}),

		serverRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "cacheserver",
			Name:      "requests_total",
			Help:      "Cache service requests by command and result",
		}, []string{"command", "result"}),

		serverConns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "cacheserver",
			Name:      "open_connections",
			Help:      "Currently open cache service client connections",
		}),
	}

	var err error
	if m.steps, err = register(reg, m.steps); err != nil {
		return nil, err
	}
	if m.stepDuration, err = register(reg, m.stepDuration); err != nil {
		return nil, err
	}
	if m.cacheLookups, err = register(reg, m.cacheLookups); err != nil {
		return nil, err
	}
	if m.flows, err = register(reg, m.flows); err != nil {
		return nil, err
	}
	if m.serverRequests, err = register(reg, m.serverRequests); err != nil {
		return nil, err
	}
	if m.serverConns, err = register(reg, m.serverConns); err != nil {
		return nil, err
	}

	return m, nil
}

// register adds c to reg. When an identical collector is already registered
// (a second executor in the same process) the existing one is reused.
func register[T prometheus.Collector](reg prometheus.Registerer, c T) (T, error) {
	if err := reg.Register(c); err != nil {
		var are prometheus.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(T); ok {
				return existing, nil
			}
		}
		return c, err
	}
	return c, nil
}

// StepFinished records a step reaching a terminal state.
// binding is empty for steps that never invoked a binding.
func (m *Metrics) StepFinished(state, binding string, d time.Duration) {
	if m == nil {
		return
	}
	m.steps.WithLabelValues(state).Inc()
	if binding != "" {
		m.stepDuration.WithLabelValues(binding).Observe(d.Seconds())
	}
}

// CacheLookup records a coordinator lookup outcome.
func (m *Metrics) CacheLookup(result string) {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues(result).Inc()
}

// FlowFinished records a flow outcome.
func (m *Metrics) FlowFinished(result string) {
	if m == nil {
		return
	}
	m.flows.WithLabelValues(result).Inc()
}

// ServerRequest records one cache service request.
func (m *Metrics) ServerRequest(command, result string) {
	if m == nil {
		return
	}
	m.serverRequests.WithLabelValues(command, result).Inc()
}

// ConnOpened and ConnClosed track live cache service connections.
func (m *Metrics) ConnOpened() {
	if m == nil {
		return
	}
	m.serverConns.Inc()
}

func (m *Metrics) ConnClosed() {
	if m == nil {
		return
	}
	m.serverConns.Dec()
}
