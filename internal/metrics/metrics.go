// Package metrics exposes the engine's prometheus instrumentation: pipeline
// item flow, chunk-target operations, sector collection and posting, and
// the dedup-probe cache.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var defaultRegistry = prometheus.DefaultRegisterer

// Metrics holds all application metrics.
type Metrics struct {
	itemsPrepared    prometheus.Counter
	itemsEvaluated   *prometheus.CounterVec
	itemsTransferred *prometheus.CounterVec
	itemsFailed      prometheus.Counter
	bytesHashed      prometheus.Counter
	bytesTransferred prometheus.Counter

	targetOps        *prometheus.CounterVec
	targetOpDuration *prometheus.HistogramVec
	targetOpErrors   *prometheus.CounterVec

	storeBytesWritten prometheus.Counter
	sectorsCollected  prometheus.Counter
	sectorBytes       prometheus.Counter
	sectorsPosted     prometheus.Counter
	sectorBytesPosted prometheus.Counter

	dedupProbes    *prometheus.CounterVec
	tasksByState   *prometheus.GaugeVec
	checkpointTime *prometheus.HistogramVec

	nop bool
}

// New creates a metrics instance on the default registry.
func New() *Metrics {
	return NewWithRegistry(defaultRegistry)
}

// NewWithRegistry creates a metrics instance on a custom registry. Tests
// use this to avoid registration conflicts.
func NewWithRegistry(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		itemsPrepared: factory.NewCounter(prometheus.CounterOpts{
			Name: "backup_items_prepared_total",
			Help: "Total number of backup items enumerated from sources",
		}),
		itemsEvaluated: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backup_items_evaluated_total",
			Help: "Total number of backup items hashed by the eval worker",
		}, []string{"result"}), // "hashed", "dedup_skipped", "small"
		itemsTransferred: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "backup_items_transferred_total",
			Help: "Total number of backup items fully written to the target",
		}, []string{"path"}), // "cache", "small_batch", "sweep"
		itemsFailed: factory.NewCounter(prometheus.CounterOpts{
			Name: "backup_items_failed_total",
			Help: "Total number of backup items that ended in a failed state",
		}),
		bytesHashed: factory.NewCounter(prometheus.CounterOpts{
			Name: "backup_bytes_hashed_total",
			Help: "Total bytes run through the full hasher",
		}),
		bytesTransferred: factory.NewCounter(prometheus.CounterOpts{
			Name: "backup_bytes_transferred_total",
			Help: "Total bytes delivered to chunk targets",
		}),
		targetOps: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunk_target_operations_total",
			Help: "Total number of chunk target operations",
		}, []string{"operation"}),
		targetOpDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "chunk_target_operation_duration_seconds",
			Help:    "Chunk target operation duration in seconds",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		targetOpErrors: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "chunk_target_operation_errors_total",
			Help: "Total number of chunk target operation errors",
		}, []string{"operation", "kind"}),
		storeBytesWritten: factory.NewCounter(prometheus.CounterOpts{
			Name: "sector_store_bytes_written_total",
			Help: "Total bytes landed in the local sector store",
		}),
		sectorsCollected: factory.NewCounter(prometheus.CounterOpts{
			Name: "sectors_collected_total",
			Help: "Total number of sectors committed by the collector",
		}),
		sectorBytes: factory.NewCounter(prometheus.CounterOpts{
			Name: "sector_bytes_collected_total",
			Help: "Total ciphertext bytes across collected sectors",
		}),
		sectorsPosted: factory.NewCounter(prometheus.CounterOpts{
			Name: "sectors_posted_total",
			Help: "Total number of sectors fully uploaded to the remote target",
		}),
		sectorBytesPosted: factory.NewCounter(prometheus.CounterOpts{
			Name: "sector_bytes_posted_total",
			Help: "Total ciphertext bytes uploaded to the remote target",
		}),
		dedupProbes: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "dedup_probes_total",
			Help: "Quick-hash existence probes by outcome",
		}, []string{"outcome"}), // "hit", "miss", "cache_hit"
		tasksByState: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "work_tasks",
			Help: "Number of live work tasks by state",
		}, []string{"state"}),
		checkpointTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "checkpoint_duration_seconds",
			Help:    "Wall time of checkpoint runs by final state",
			Buckets: []float64{1, 10, 60, 300, 1800, 7200, 43200},
		}, []string{"state"}),
	}
}

// Nop returns a metrics instance that records nothing. Handy for tests and
// library consumers that do not wire a registry.
func Nop() *Metrics {
	return &Metrics{nop: true}
}

func (m *Metrics) ItemsPrepared(n float64) {
	if m.nop {
		return
	}
	m.itemsPrepared.Add(n)
}

func (m *Metrics) ItemEvaluated(result string) {
	if m.nop {
		return
	}
	m.itemsEvaluated.WithLabelValues(result).Inc()
}

func (m *Metrics) ItemTransferred(path string) {
	if m.nop {
		return
	}
	m.itemsTransferred.WithLabelValues(path).Inc()
}

func (m *Metrics) ItemFailed() {
	if m.nop {
		return
	}
	m.itemsFailed.Inc()
}

func (m *Metrics) BytesHashed(n float64) {
	if m.nop {
		return
	}
	m.bytesHashed.Add(n)
}

func (m *Metrics) BytesTransferred(n float64) {
	if m.nop {
		return
	}
	m.bytesTransferred.Add(n)
}

func (m *Metrics) TargetOp(op string, seconds float64) {
	if m.nop {
		return
	}
	m.targetOps.WithLabelValues(op).Inc()
	m.targetOpDuration.WithLabelValues(op).Observe(seconds)
}

func (m *Metrics) TargetOpError(op, kind string) {
	if m.nop {
		return
	}
	m.targetOpErrors.WithLabelValues(op, kind).Inc()
}

func (m *Metrics) StoreBytesWritten(n float64) {
	if m.nop {
		return
	}
	m.storeBytesWritten.Add(n)
}

func (m *Metrics) SectorCollected(bytes float64) {
	if m.nop {
		return
	}
	m.sectorsCollected.Inc()
	m.sectorBytes.Add(bytes)
}

func (m *Metrics) SectorPosted(bytes float64) {
	if m.nop {
		return
	}
	m.sectorsPosted.Inc()
	m.sectorBytesPosted.Add(bytes)
}

func (m *Metrics) DedupProbe(outcome string) {
	if m.nop {
		return
	}
	m.dedupProbes.WithLabelValues(outcome).Inc()
}

func (m *Metrics) SetTasksByState(state string, n float64) {
	if m.nop {
		return
	}
	m.tasksByState.WithLabelValues(state).Set(n)
}

func (m *Metrics) CheckpointFinished(state string, seconds float64) {
	if m.nop {
		return
	}
	m.checkpointTime.WithLabelValues(state).Observe(seconds)
}
