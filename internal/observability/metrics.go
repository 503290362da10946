package observability

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// MetricsClient is the gateway-wide metrics recording interface. The
// operation names used across the pipeline are free-form strings so each
// component can name its own counters/histograms without touching this
// package.
type MetricsClient interface {
	IncrementCounter(name string, labels map[string]string)
	RecordLatency(name string, labels map[string]string, d time.Duration)
	RecordGauge(name string, labels map[string]string, value float64)
	// StartTimer returns a function that records the elapsed time under name when called.
	StartTimer(name string, labels map[string]string) func()
}

// promMetrics implements MetricsClient on top of a Prometheus registry.
// Metric vectors are created lazily on first use, keyed by name, since the
// pipeline's call sites are spread across many packages and enumerating
// every metric name up front would couple them all to one file.
type promMetrics struct {
	registry   *prometheus.Registry
	counters   map[string]*prometheus.CounterVec
	histograms map[string]*prometheus.HistogramVec
	gauges     map[string]*prometheus.GaugeVec
	mu         sync.Mutex
}

// NewPrometheusMetrics creates a MetricsClient that registers its vectors on
// registry. Callers pass their own registry (cmd/server and the tests use
// prometheus.NewRegistry()); no HTTP endpoint serves it.
func NewPrometheusMetrics(registry *prometheus.Registry) MetricsClient {
	return &promMetrics{
		registry:   registry,
		counters:   map[string]*prometheus.CounterVec{},
		histograms: map[string]*prometheus.HistogramVec{},
		gauges:     map[string]*prometheus.GaugeVec{},
	}
}

func (m *promMetrics) counterVec(name string, labelNames []string) *prometheus.CounterVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.counters[name]; ok {
		return v
	}
	v := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: name}, labelNames)
	m.registry.MustRegister(v)
	m.counters[name] = v
	return v
}

func (m *promMetrics) histogramVec(name string, labelNames []string) *prometheus.HistogramVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.histograms[name]; ok {
		return v
	}
	v := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: name, Buckets: prometheus.DefBuckets}, labelNames)
	m.registry.MustRegister(v)
	m.histograms[name] = v
	return v
}

func (m *promMetrics) gaugeVec(name string, labelNames []string) *prometheus.GaugeVec {
	m.mu.Lock()
	defer m.mu.Unlock()
	if v, ok := m.gauges[name]; ok {
		return v
	}
	v := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: name}, labelNames)
	m.registry.MustRegister(v)
	m.gauges[name] = v
	return v
}

func labelNamesAndValues(labels map[string]string) ([]string, prometheus.Labels) {
	names := make([]string, 0, len(labels))
	for k := range labels {
		names = append(names, k)
	}
	return names, prometheus.Labels(labels)
}

func (m *promMetrics) IncrementCounter(name string, labels map[string]string) {
	names, values := labelNamesAndValues(labels)
	m.counterVec(name, names).With(values).Inc()
}

func (m *promMetrics) RecordLatency(name string, labels map[string]string, d time.Duration) {
	names, values := labelNamesAndValues(labels)
	m.histogramVec(name, names).With(values).Observe(d.Seconds())
}

func (m *promMetrics) RecordGauge(name string, labels map[string]string, value float64) {
	names, values := labelNamesAndValues(labels)
	m.gaugeVec(name, names).With(values).Set(value)
}

func (m *promMetrics) StartTimer(name string, labels map[string]string) func() {
	start := time.Now()
	return func() {
		m.RecordLatency(name, labels, time.Since(start))
	}
}

// NoopMetrics discards everything; used in tests.
type NoopMetrics struct{}

func (NoopMetrics) IncrementCounter(string, map[string]string)          {}
func (NoopMetrics) RecordLatency(string, map[string]string, time.Duration) {}
func (NoopMetrics) RecordGauge(string, map[string]string, float64)      {}
func (NoopMetrics) StartTimer(string, map[string]string) func()         { return func() {} }
