package provider

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for the provider pool.
type Metrics struct {
	CallsTotal       *prometheus.CounterVec
	CallDuration     *prometheus.HistogramVec
	ExhaustedTotal   *prometheus.CounterVec
	HealthyEndpoints *prometheus.GaugeVec
}

// NewMetrics creates and registers all provider pool metrics.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "indexer"
	}

	return &Metrics{
		CallsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "calls_total",
			Help:      "Total RPC calls executed, by chain, method and outcome",
		}, []string{"chain", "method", "outcome"}),
		CallDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "call_duration_seconds",
			Help:      "RPC call latency distribution",
			Buckets:   prometheus.DefBuckets,
		}, []string{"chain", "method"}),
		ExhaustedTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "exhausted_total",
			Help:      "Calls that failed after exhausting every endpoint",
		}, []string{"chain"}),
		HealthyEndpoints: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "provider",
			Name:      "healthy_endpoints",
			Help:      "Current number of healthy endpoints per chain",
		}, []string{"chain"}),
	}
}

// ObserveCall records one endpoint call outcome.
func (m *Metrics) ObserveCall(chain, method string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "error"
	}
	m.CallsTotal.WithLabelValues(chain, method, outcome).Inc()
	m.CallDuration.WithLabelValues(chain, method).Observe(duration.Seconds())
}

// RecordExhausted records a call that failed across all endpoints.
func (m *Metrics) RecordExhausted(chain string) {
	m.ExhaustedTotal.WithLabelValues(chain).Inc()
}

// UpdateHealthyEndpoints updates the healthy endpoint gauge for a chain.
func (m *Metrics) UpdateHealthyEndpoints(chain string, healthy int) {
	m.HealthyEndpoints.WithLabelValues(chain).Set(float64(healthy))
}
