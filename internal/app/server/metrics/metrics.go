// Package metrics отдает счетчики синхронизации в Prometheus.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "pensieve"

type Metrics struct {
	registry  *prometheus.Registry
	exchanges *prometheus.CounterVec
	records   *prometheus.CounterVec
	conflicts prometheus.Counter
	duration  *prometheus.HistogramVec
	requests  *prometheus.CounterVec
}

// New регистрирует коллекторы синхронизации, а также коллекторы Go и процесса
// в отдельном реестре.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "exchanges_total",
			Help:      "Pull and push exchanges by outcome.",
		}, []string{"direction", "status"}),
		records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "records_total",
			Help:      "Records served by pulls and written by pushes.",
		}, []string{"direction"}),
		conflicts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "conflicts_total",
			Help:      "Writes rejected by server-wins resolution.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "sync",
			Name:      "exchange_duration_seconds",
			Help:      "Duration of pull and push exchanges.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"direction"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "path", "code"}),
	}

	reg.MustRegister(
		m.exchanges,
		m.records,
		m.conflicts,
		m.duration,
		m.requests,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveSync учитывает один обмен
func (m *Metrics) ObserveSync(direction, status string, records, conflicts int, d time.Duration) {
	m.exchanges.WithLabelValues(direction, status).Inc()
	m.records.WithLabelValues(direction).Add(float64(records))
	m.conflicts.Add(float64(conflicts))
	m.duration.WithLabelValues(direction).Observe(d.Seconds())
}

// ObserveRequest учитывает один HTTP запрос
func (m *Metrics) ObserveRequest(method, path string, code int) {
	m.requests.WithLabelValues(method, path, strconv.Itoa(code)).Inc()
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
