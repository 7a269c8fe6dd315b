package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns a private registry so tests can build as many servers as they like.
type Metrics struct {
	registry    *prometheus.Registry
	askTotal    *prometheus.CounterVec
	askDuration prometheus.Histogram
	droppedIDs  prometheus.Counter
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		askTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "finrag_ask_total",
			Help: "Questions handled, by outcome.",
		}, []string{"state"}),
		askDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "finrag_ask_duration_seconds",
			Help:    "Time to answer a question, including retrieval and generation.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
		}),
		droppedIDs: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "finrag_retrieval_dropped_ids_total",
			Help: "Vector ids returned by the index that had no chunk row.",
		}),
	}
	m.registry.MustRegister(
		m.askTotal,
		m.askDuration,
		m.droppedIDs,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveDropped matches rag.DropFunc.
func (m *Metrics) ObserveDropped(vectorIDs []int64) {
	m.droppedIDs.Add(float64(len(vectorIDs)))
}

func (m *Metrics) observeAsk(state string, start time.Time) {
	m.askTotal.WithLabelValues(state).Inc()
	m.askDuration.Observe(time.Since(start).Seconds())
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
