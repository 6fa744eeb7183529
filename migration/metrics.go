package migration

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/honesteats/usermigrate"
)

const namespace = "usermigrate"

// Metrics are the run metrics of the runner.
type Metrics struct {
	Records      *prometheus.CounterVec
	Pages        prometheus.Counter
	LastPage     prometheus.Gauge
	PageDuration prometheus.Histogram
}

// NewMetrics returns unregistered runner metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Records: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "records_total",
			Help:      "Number of role-scoped keys and legacy records by outcome",
		}, []string{"outcome"}),
		Pages: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pages_total",
			Help:      "Number of pages fully written and verified",
		}),
		LastPage: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_page",
			Help:      "Index of the last checkpointed page",
		}),
		PageDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "page_duration_seconds",
			Help:      "Time spent backing up, writing and verifying one page",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}),
	}
}

// PrometheusCollectors returns all prometheus metrics of the runner.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Records,
		m.Pages,
		m.LastPage,
		m.PageDuration,
	}
}

func (m *Metrics) observePage(page int, seconds float64, c usermigrate.Counts) {
	if m == nil {
		return
	}
	m.Pages.Inc()
	m.LastPage.Set(float64(page))
	m.PageDuration.Observe(seconds)
	m.observeCounts(c)
}

func (m *Metrics) observeCounts(c usermigrate.Counts) {
	if m == nil {
		return
	}
	m.Records.WithLabelValues("scanned").Add(float64(c.Scanned))
	m.Records.WithLabelValues("migrated").Add(float64(c.Migrated))
	m.Records.WithLabelValues("skipped").Add(float64(c.Skipped))
	m.Records.WithLabelValues("failed").Add(float64(c.Failed))
	m.Records.WithLabelValues("malformed").Add(float64(c.Malformed))
	m.Records.WithLabelValues("verification_failed").Add(float64(c.VerificationFailed))
}
