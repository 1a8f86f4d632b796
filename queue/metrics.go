package queue

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

//Metrics instruments a worker for Prometheus scraping: jobs finished
//by kind and final state, their wall time, and the depth of the shared
//queue as of the worker's last poll. A nil *Metrics is valid and
//records nothing.
type Metrics struct {
	jobs    *prometheus.CounterVec
	seconds *prometheus.HistogramVec
	depth   prometheus.Gauge
	handler http.Handler
}

//NewMetrics registers the worker metrics with reg, or with the global
//default registry when reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	m := new(Metrics)
	var factory promauto.Factory
	if reg == nil {
		factory = promauto.With(prometheus.DefaultRegisterer)
		m.handler = promhttp.Handler()
	} else {
		factory = promauto.With(reg)
		m.handler = promhttp.HandlerFor(reg, promhttp.HandlerOpts{})
	}
	m.jobs = factory.NewCounterVec(prometheus.CounterOpts{
		Namespace: "catflow",
		Subsystem: "queue",
		Name:      "jobs_total",
		Help:      "Jobs finished by this process, by kind and final state.",
	}, []string{"kind", "state"})
	m.seconds = factory.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "catflow",
		Subsystem: "queue",
		Name:      "job_seconds",
		Help:      "Wall time of finished jobs, by kind.",
		//tenths of a second for the builtin calculator up to several
		//hours for a plane-wave relaxation
		Buckets: prometheus.ExponentialBuckets(0.1, 4, 10),
	}, []string{"kind"})
	m.depth = factory.NewGauge(prometheus.GaugeOpts{
		Namespace: "catflow",
		Subsystem: "queue",
		Name:      "depth",
		Help:      "Jobs waiting in the shared queue as of the last poll.",
	})
	return m
}

//Handler returns the HTTP handler that serves the metrics, for the
//worker's /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return promhttp.Handler()
	}
	return m.handler
}

func (m *Metrics) finished(kind, state string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.jobs.WithLabelValues(kind, state).Inc()
	m.seconds.WithLabelValues(kind).Observe(elapsed.Seconds())
}

func (m *Metrics) polled(depth int) {
	if m == nil {
		return
	}
	m.depth.Set(float64(depth))
}
