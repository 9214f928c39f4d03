// Package metrics exposes transport and engine metrics to Prometheus.
package metrics

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "streamable"

// Metrics holds the Prometheus collectors of a server. Beyond the fixed HTTP
// collectors it implements the generic counter/histogram sink accepted by
// sessions.Manager and correlation.Engine, registering a vector per metric
// name on first use.
type Metrics struct {
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
	OpenStreams         *prometheus.GaugeVec

	reg prometheus.Registerer
	log *slog.Logger

	mu         sync.Mutex
	counters   map[string]*labeled[*prometheus.CounterVec]
	histograms map[string]*labeled[*prometheus.HistogramVec]
}

type labeled[V any] struct {
	vec    V
	labels []string
}

// New creates and registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "http_requests_total",
				Help:      "HTTP requests handled, by method and status code.",
			},
			[]string{"method", "code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "http_request_duration_seconds",
				Help:      "Time to first byte of HTTP responses, by method.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method"},
		),
		OpenStreams: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "open_streams",
				Help:      "SSE connections currently attached, by stream kind.",
			},
			[]string{"kind"},
		),
		reg:        reg,
		log:        slog.Default(),
		counters:   make(map[string]*labeled[*prometheus.CounterVec]),
		histograms: make(map[string]*labeled[*prometheus.HistogramVec]),
	}
}

// IncCounter increments the counter called name. The label set is fixed by
// the first call; later calls fill missing labels with "" and ignore extra
// ones.
func (m *Metrics) IncCounter(name string, tags map[string]string) {
	m.mu.Lock()
	c, ok := m.counters[name]
	if !ok {
		labels := labelNames(tags)
		vec := prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      name,
			Help:      "Count of " + name + ".",
		}, labels)
		if !m.register(name, vec) {
			m.mu.Unlock()
			return
		}
		c = &labeled[*prometheus.CounterVec]{vec: vec, labels: labels}
		m.counters[name] = c
	}
	m.mu.Unlock()
	c.vec.WithLabelValues(labelValues(c.labels, tags)...).Inc()
}

// ObserveHistogram records value in the histogram called name, with the same
// label handling as IncCounter.
func (m *Metrics) ObserveHistogram(name string, value float64, tags map[string]string) {
	m.mu.Lock()
	h, ok := m.histograms[name]
	if !ok {
		labels := labelNames(tags)
		vec := prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      name,
			Help:      "Distribution of " + name + ".",
			Buckets:   prometheus.DefBuckets,
		}, labels)
		if !m.register(name, vec) {
			m.mu.Unlock()
			return
		}
		h = &labeled[*prometheus.HistogramVec]{vec: vec, labels: labels}
		m.histograms[name] = h
	}
	m.mu.Unlock()
	h.vec.WithLabelValues(labelValues(h.labels, tags)...).Observe(value)
}

// register adds a dynamically named collector. Unlike promauto it reports a
// conflicting name instead of panicking.
func (m *Metrics) register(name string, c prometheus.Collector) bool {
	if m.reg == nil {
		return true
	}
	if err := m.reg.Register(c); err != nil {
		m.log.Warn("metrics.register.fail", slog.String("name", name), slog.String("err", err.Error()))
		return false
	}
	return true
}

func labelNames(tags map[string]string) []string {
	names := make([]string, 0, len(tags))
	for k := range tags {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

func labelValues(names []string, tags map[string]string) []string {
	values := make([]string, len(names))
	for i, n := range names {
		values[i] = tags[n]
	}
	return values
}
