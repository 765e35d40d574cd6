package session

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds Prometheus metrics for indexing sessions.
type Metrics struct {
	SessionsByStatus    *prometheus.GaugeVec
	ChunksProcessed     *prometheus.CounterVec
	ChunkRetries        *prometheus.CounterVec
	TransactionsIndexed *prometheus.CounterVec
}

// NewMetrics creates and registers all session metrics.
func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "indexer"
	}

	return &Metrics{
		SessionsByStatus: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "sessions",
			Help:      "Current number of sessions per lifecycle status",
		}, []string{"status"}),
		ChunksProcessed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "chunks_processed_total",
			Help:      "Chunks fetched, validated and persisted",
		}, []string{"chain"}),
		ChunkRetries: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "chunk_retries_total",
			Help:      "Chunk attempts that failed and were retried",
		}, []string{"chain"}),
		TransactionsIndexed: promauto.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "session",
			Name:      "transactions_indexed_total",
			Help:      "New transaction records inserted into storage",
		}, []string{"chain"}),
	}
}

// UpdateSessionCounts replaces the per-status session gauge values.
func (m *Metrics) UpdateSessionCounts(counts map[Status]int) {
	for _, status := range []Status{
		StatusInitializing, StatusBackfilling, StatusLivePolling,
		StatusPaused, StatusStopped, StatusFailed,
	} {
		m.SessionsByStatus.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}
