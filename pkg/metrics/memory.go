package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

func (m *Manager) initMemoryMetrics(f promauto.Factory, cfg Config) {
	m.ingestTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "ingest_total",
			Help:      "Interactions offered for storage, by outcome",
		},
		[]string{"outcome"},
	)

	m.recallDuration = f.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "recall_duration_seconds",
			Help:      "Recall latency in seconds",
			Buckets:   cfg.RecallDurationBuckets,
		},
	)

	m.recallResults = f.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "recall_results",
			Help:      "Number of memories returned per recall",
			Buckets:   cfg.RecallResultBuckets,
		},
	)

	m.embeddingDuration = f.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "embedding_duration_seconds",
			Help:      "Embedding call latency in seconds",
			Buckets:   cfg.EmbeddingDurationBuckets,
		},
		[]string{"result"},
	)

	m.breakerState = f.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"breaker"},
	)

	m.promotionQueueDepth = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "promotion_queue_depth",
			Help:      "Interactions waiting for promotion to long-term memory",
		},
	)

	m.promotionTotal = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "promotion_total",
			Help:      "Promotion attempts, by result",
		},
		[]string{"result"},
	)

	m.retentionDeleted = f.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "retention_deleted_total",
			Help:      "Records deleted by retention, by reason",
		},
		[]string{"reason"},
	)

	m.storeRecords = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "store_records",
			Help:      "Records in long-term memory",
		},
	)

	m.storeBytes = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "store_bytes",
			Help:      "Logical size of long-term memory in bytes",
		},
	)

	m.indexTombstones = f.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "memory",
			Name:      "index_tombstones",
			Help:      "Deleted vectors still held by the index backend",
		},
	)
}

// RecordIngest counts one store attempt by outcome.
func (m *Manager) RecordIngest(outcome string) {
	if !m.enabled {
		return
	}
	m.ingestTotal.WithLabelValues(outcome).Inc()
}

// ObserveRecall records the latency and result count of one recall.
func (m *Manager) ObserveRecall(duration time.Duration, results int) {
	if !m.enabled {
		return
	}
	m.recallDuration.Observe(duration.Seconds())
	m.recallResults.Observe(float64(results))
}

// ObserveEmbedding records the latency of one embedding call.
func (m *Manager) ObserveEmbedding(duration time.Duration, err error) {
	if !m.enabled {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.embeddingDuration.WithLabelValues(result).Observe(duration.Seconds())
}

// SetBreakerState publishes the state of a named breaker.
func (m *Manager) SetBreakerState(name string, state int) {
	if !m.enabled {
		return
	}
	m.breakerState.WithLabelValues(name).Set(float64(state))
}

// SetPromotionQueueDepth publishes the promotion backlog.
func (m *Manager) SetPromotionQueueDepth(depth int) {
	if !m.enabled {
		return
	}
	m.promotionQueueDepth.Set(float64(depth))
}

// RecordPromotion counts one promotion by result
// (promoted, dropped, failed, skipped).
func (m *Manager) RecordPromotion(result string) {
	if !m.enabled {
		return
	}
	m.promotionTotal.WithLabelValues(result).Inc()
}

// RecordRetentionDeleted counts records removed by retention.
func (m *Manager) RecordRetentionDeleted(reason string, count int) {
	if !m.enabled || count <= 0 {
		return
	}
	m.retentionDeleted.WithLabelValues(reason).Add(float64(count))
}

// SetStoreStats publishes the long-term store size.
func (m *Manager) SetStoreStats(records int, bytes int64) {
	if !m.enabled {
		return
	}
	m.storeRecords.Set(float64(records))
	m.storeBytes.Set(float64(bytes))
}

// SetIndexTombstones publishes the number of tombstoned vectors.
func (m *Manager) SetIndexTombstones(count int) {
	if !m.enabled {
		return
	}
	m.indexTombstones.Set(float64(count))
}
