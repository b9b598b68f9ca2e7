package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "homegauge"

var (
	// CyclesTotal counts ingestion cycles by collector and result.
	CyclesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cycles_total",
			Help:      "Ingestion cycles run, by result (ok, failed).",
		},
		[]string{"collector", "result"},
	)

	CycleDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Duration of one ingestion cycle.",
			Buckets:   []float64{1, 5, 15, 60, 300, 900},
		},
		[]string{"collector"},
	)

	RetryAttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "retry_failed_attempts_total",
			Help:      "Failed attempts of retried operations.",
		},
		[]string{"operation"},
	)

	TerminalFailuresTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "terminal_failures_total",
			Help:      "Operations that exhausted their retries.",
		},
		[]string{"operation"},
	)

	PointsWrittenTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "points_written_total",
			Help:      "Points written, by storage backend and measurement.",
		},
		[]string{"backend", "measurement"},
	)

	UnpricedIntervalsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unpriced_intervals_total",
			Help:      "Usage intervals written without a rate because no rate record covered them.",
		},
		[]string{"tariff"},
	)

	LastProcessedDay = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_processed_day_timestamp_seconds",
			Help:      "Start of the last day the scheduler finished processing.",
		},
		[]string{"collector"},
	)
)

func init() {
	prometheus.MustRegister(CyclesTotal)
	prometheus.MustRegister(CycleDuration)
	prometheus.MustRegister(RetryAttemptsTotal)
	prometheus.MustRegister(TerminalFailuresTotal)
	prometheus.MustRegister(PointsWrittenTotal)
	prometheus.MustRegister(UnpricedIntervalsTotal)
	prometheus.MustRegister(LastProcessedDay)
}
