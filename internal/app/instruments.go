package app

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	versioncollector "github.com/prometheus/client_golang/prometheus/collectors/version"
)

const namespace = "psql_exporter"

// Instruments are the exporter's own metrics. They live in a registry of
// their own so the query registry only ever holds query results.
// A nil *Instruments records nothing.
type Instruments struct {
	queryDuration *prometheus.HistogramVec
	queryErrors   *prometheus.CounterVec
	reconnects    *prometheus.CounterVec
	drift         *prometheus.GaugeVec
}

func NewInstruments(reg prometheus.Registerer) *Instruments {
	i := &Instruments{
		queryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "query_duration_seconds",
				Help:      "Duration of query execution in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.005, 2, 12),
			},
			[]string{"target", "metric"},
		),
		queryErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "query_errors_total",
				Help:      "Total number of failed query executions",
			},
			[]string{"target", "metric"},
		),
		reconnects: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "reconnects_total",
				Help:      "Total number of reconnects after transport failures",
			},
			[]string{"target"},
		),
		drift: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "schedule_drift_seconds",
				Help:      "How far the last scheduler pass ran behind the earliest due query",
			},
			[]string{"target"},
		),
	}
	reg.MustRegister(
		i.queryDuration,
		i.queryErrors,
		i.reconnects,
		i.drift,
		versioncollector.NewCollector(namespace),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return i
}

func (i *Instruments) ObserveQuery(target, metric string, d time.Duration, err error) {
	if i == nil {
		return
	}
	i.queryDuration.WithLabelValues(target, metric).Observe(d.Seconds())
	if err != nil {
		i.queryErrors.WithLabelValues(target, metric).Inc()
	}
}

func (i *Instruments) Reconnected(target string) {
	if i == nil {
		return
	}
	i.reconnects.WithLabelValues(target).Inc()
}

func (i *Instruments) Drift(target string, d time.Duration) {
	if i == nil {
		return
	}
	i.drift.WithLabelValues(target).Set(d.Seconds())
}
