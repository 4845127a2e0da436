package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsClient implements MetricsClient backed by a prometheus
// registry. Collectors are created lazily per metric name so callers do not
// have to pre-register anything.
type PrometheusMetricsClient struct {
	namespace string
	registry  *prometheus.Registry

	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec

	mu sync.Mutex
}

// NewPrometheusMetricsClient creates a metrics client registered on the
// given registry. Pass a fresh registry in tests to avoid collisions.
func NewPrometheusMetricsClient(namespace string, registry *prometheus.Registry) *PrometheusMetricsClient {
	if registry == nil {
		registry = prometheus.NewRegistry()
	}
	return &PrometheusMetricsClient{
		namespace:  namespace,
		registry:   registry,
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Registry exposes the underlying registry for the /metrics handler
func (m *PrometheusMetricsClient) Registry() *prometheus.Registry {
	return m.registry
}

func labelKeys(labels map[string]string) []string {
	keys := make([]string, 0, len(labels))
	for k := range labels {
		keys = append(keys, k)
	}
	return keys
}

func (m *PrometheusMetricsClient) counter(name string, labels map[string]string) *prometheus.CounterVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: m.namespace,
		Name:      name,
	}, labelKeys(labels))
	m.registry.MustRegister(c)
	m.counters[name] = c
	return c
}

func (m *PrometheusMetricsClient) gauge(name string, labels map[string]string) *prometheus.GaugeVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, ok := m.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: m.namespace,
		Name:      name,
	}, labelKeys(labels))
	m.registry.MustRegister(g)
	m.gauges[name] = g
	return g
}

func (m *PrometheusMetricsClient) histogram(name string, labels map[string]string) *prometheus.HistogramVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok := m.histograms[name]; ok {
		return h
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: m.namespace,
		Name:      name,
		Buckets:   prometheus.DefBuckets,
	}, labelKeys(labels))
	m.registry.MustRegister(h)
	m.histograms[name] = h
	return h
}

// IncrementCounter increments a counter without labels
func (m *PrometheusMetricsClient) IncrementCounter(name string, value float64) {
	m.IncrementCounterWithLabels(name, value, nil)
}

// IncrementCounterWithLabels increments a counter with the given labels
func (m *PrometheusMetricsClient) IncrementCounterWithLabels(name string, value float64, labels map[string]string) {
	m.counter(name, labels).With(prometheus.Labels(labels)).Add(value)
}

// RecordGauge sets a gauge value
func (m *PrometheusMetricsClient) RecordGauge(name string, value float64, labels map[string]string) {
	m.gauge(name, labels).With(prometheus.Labels(labels)).Set(value)
}

// RecordHistogram records an observation
func (m *PrometheusMetricsClient) RecordHistogram(name string, value float64, labels map[string]string) {
	m.histogram(name, labels).With(prometheus.Labels(labels)).Observe(value)
}

// RecordDuration records a duration in seconds
func (m *PrometheusMetricsClient) RecordDuration(name string, duration time.Duration) {
	m.RecordHistogram(name, duration.Seconds(), nil)
}

// StartTimer returns a func that records the elapsed time when called
func (m *PrometheusMetricsClient) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		m.RecordHistogram(name, time.Since(start).Seconds(), labels)
	}
}

// Close implements MetricsClient
func (m *PrometheusMetricsClient) Close() error { return nil }

// noopMetricsClient discards all metrics
type noopMetricsClient struct{}

// NewNoopMetricsClient returns a MetricsClient that discards everything
func NewNoopMetricsClient() MetricsClient { return &noopMetricsClient{} }

func (noopMetricsClient) IncrementCounter(name string, value float64)                                 {}
func (noopMetricsClient) IncrementCounterWithLabels(name string, value float64, l map[string]string)  {}
func (noopMetricsClient) RecordGauge(name string, value float64, labels map[string]string)            {}
func (noopMetricsClient) RecordHistogram(name string, value float64, labels map[string]string)        {}
func (noopMetricsClient) RecordDuration(name string, duration time.Duration)                          {}
func (noopMetricsClient) StartTimer(name string, labels map[string]string) func()                     { return func() {} }
func (noopMetricsClient) Close() error                                                                { return nil }
