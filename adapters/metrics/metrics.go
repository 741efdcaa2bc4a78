// Package metrics provides Prometheus collection of query execution.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/artpar/modelq"
)

// Collector counts and times query executions per model. It
// implements modelq.Observer; attach it to a descriptor to measure
// that model's queries.
type Collector struct {
	QueriesTotal  *prometheus.CounterVec
	QueryDuration *prometheus.HistogramVec
	QueryResults  *prometheus.HistogramVec
}

// New creates a collector and registers its metrics with the given
// registerer (prometheus.DefaultRegisterer in production).
func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		QueriesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "modelq",
				Name:      "queries_total",
				Help:      "Total number of query executions",
			},
			[]string{"model", "status"},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "modelq",
				Name:      "query_duration_seconds",
				Help:      "Query execution duration in seconds",
				Buckets:   []float64{.0001, .0005, .001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
			[]string{"model"},
		),
		QueryResults: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: "modelq",
				Name:      "query_results",
				Help:      "Result set sizes per query execution",
				Buckets:   prometheus.ExponentialBuckets(1, 4, 8),
			},
			[]string{"model"},
		),
	}
	reg.MustRegister(c.QueriesTotal, c.QueryDuration, c.QueryResults)
	return c
}

// ObserveQuery records one query execution.
func (c *Collector) ObserveQuery(model string, elapsed time.Duration, results int, err error) {
	status := "ok"
	if err != nil {
		status = "error"
	}
	c.QueriesTotal.WithLabelValues(model, status).Inc()
	c.QueryDuration.WithLabelValues(model).Observe(elapsed.Seconds())
	if err == nil {
		c.QueryResults.WithLabelValues(model).Observe(float64(results))
	}
}

// Ensure interface compliance.
var _ modelq.Observer = (*Collector)(nil)
