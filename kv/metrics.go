package kv

import (
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/honesteats/usermigrate/kit/platform/errors"
)

const (
	namespace = "usermigrate"
	subsystem = "store"
)

// Metrics counts store operations by outcome and the retries spent on them.
type Metrics struct {
	Operations *prometheus.CounterVec
	Retries    *prometheus.CounterVec
}

// NewMetrics returns unregistered store metrics.
func NewMetrics() *Metrics {
	return &Metrics{
		Operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operations_total",
			Help:      "Number of store operations by operation and result",
		}, []string{"op", "result"}),
		Retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "retries_total",
			Help:      "Number of throttled store operations that were retried",
		}, []string{"op"}),
	}
}

// PrometheusCollectors returns all prometheus metrics for the store.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.Operations,
		m.Retries,
	}
}

func (m *Metrics) observe(op string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = strings.ReplaceAll(errors.ErrorCode(err), " ", "_")
	}
	m.Operations.WithLabelValues(op, result).Inc()
}

func (m *Metrics) retried(op string) {
	if m == nil {
		return
	}
	m.Retries.WithLabelValues(op).Inc()
}
