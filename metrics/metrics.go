// Package metrics exposes registry and request statistics to Prometheus.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"shm-discovery/message"
	"shm-discovery/middleware"
	"shm-discovery/registry"
)

const namespace = "shm_discovery"

// Source is the registry state sampled on every scrape.
type Source interface {
	Len() int
	Capacity() int
	ResultCapacity() int
	ChangeCounter() registry.CounterReader
}

// Metrics owns a private Prometheus registry, so several daemons in one
// test binary do not collide on the global one.
type Metrics struct {
	reg      *prometheus.Registry
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
}

var _ middleware.RequestObserver = (*Metrics)(nil)

// New registers the registry gauges for src and the request collectors.
// connections may be nil.
func New(src Source, connections func() int) *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "requests_total",
			Help:      "Registry requests handled, by kind and result code.",
		}, []string{"kind", "code"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "request_duration_seconds",
			Help:      "Time spent handling a registry request.",
			Buckets:   prometheus.ExponentialBuckets(0.00001, 4, 10),
		}, []string{"kind"}),
	}

	m.reg.MustRegister(
		m.requests,
		m.duration,
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "offered_descriptions",
			Help:      "Distinct descriptions currently offered.",
		}, func() float64 { return float64(src.Len()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "registry_capacity",
			Help:      "Maximum number of distinct offered descriptions.",
		}, func() float64 { return float64(src.Capacity()) }),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "result_capacity",
			Help:      "Maximum number of descriptions one find returns.",
		}, func() float64 { return float64(src.ResultCapacity()) }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "change_counter",
			Help:      "Offer and stop-offer transitions since the counter was created.",
		}, func() float64 { return float64(src.ChangeCounter().Load()) }),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	if connections != nil {
		m.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Open client connections.",
		}, func() float64 { return float64(connections()) }))
	}
	return m
}

// ObserveRequest implements middleware.RequestObserver.
func (m *Metrics) ObserveRequest(kind message.Kind, code message.ErrCode, d time.Duration) {
	if code == "" {
		code = "OK"
	}
	m.requests.WithLabelValues(string(kind), string(code)).Inc()
	m.duration.WithLabelValues(string(kind)).Observe(d.Seconds())
}

// Registry returns the underlying Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// Handler serves the collected metrics in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{Registry: m.reg})
}
