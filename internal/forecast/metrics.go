package forecast

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/push"
	"github.com/rotisserie/eris"
)

// Metrics holds the pipeline's Prometheus collectors on a private registry.
type Metrics struct {
	reg      *prometheus.Registry
	entities *prometheus.CounterVec
	rows     prometheus.Counter
	duration *prometheus.HistogramVec
	lastRun  *prometheus.GaugeVec
}

// NewMetrics creates and registers the pipeline collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		reg: prometheus.NewRegistry(),
		entities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "forecast",
			Name:      "entities_total",
			Help:      "Entities processed, by outcome status and stage.",
		}, []string{"status", "stage"}),
		rows: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "forecast",
			Name:      "rows_written_total",
			Help:      "Forecast rows upserted.",
		}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "forecast",
			Name:      "entity_duration_seconds",
			Help:      "Wall time spent per entity.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"status"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "forecast",
			Name:      "last_run_entities",
			Help:      "Entity counts of the most recent run, by status.",
		}, []string{"status"}),
	}
	m.reg.MustRegister(m.entities, m.rows, m.duration, m.lastRun)
	return m
}

// Registry exposes the registry for scraping.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.reg
}

// Observe records one entity outcome.
func (m *Metrics) Observe(o Outcome) {
	m.entities.WithLabelValues(string(o.Status), o.Stage.String()).Inc()
	m.duration.WithLabelValues(string(o.Status)).Observe(o.Elapsed.Seconds())
	if o.Status == StatusWritten {
		m.rows.Add(float64(o.Rows))
	}
}

// ObserveRun records the totals of a finished run.
func (m *Metrics) ObserveRun(discovered, written, skipped, failed int) {
	m.lastRun.WithLabelValues("discovered").Set(float64(discovered))
	m.lastRun.WithLabelValues(string(StatusWritten)).Set(float64(written))
	m.lastRun.WithLabelValues(string(StatusSkipped)).Set(float64(skipped))
	m.lastRun.WithLabelValues(string(StatusFailed)).Set(float64(failed))
}

// Push sends the registry to a Prometheus Pushgateway under job.
func (m *Metrics) Push(ctx context.Context, url, job string) error {
	if err := push.New(url, job).Gatherer(m.reg).PushContext(ctx); err != nil {
		return eris.Wrapf(err, "metrics: push to %s", url)
	}
	return nil
}
