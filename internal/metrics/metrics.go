package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	UpdatesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribcollector_updates_total",
			Help: "UPDATE messages applied to the RIB, by SAFI.",
		},
		[]string{"safi"},
	)

	WithdrawsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribcollector_withdraws_total",
			Help: "Withdrawn routes applied to the RIB, by SAFI.",
		},
		[]string{"safi"},
	)

	RoutesPurgedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribcollector_routes_purged_total",
			Help: "Interner values reclaimed by GC runs.",
		},
		[]string{"reason"},
	)

	ParseErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribcollector_parse_errors_total",
			Help: "Wire decode failures by stage.",
		},
		[]string{"stage", "reason"},
	)

	PeerStateTransitionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribcollector_peer_state_transitions_total",
			Help: "FSM state transitions, by peer and resulting state.",
		},
		[]string{"peer", "state"},
	)

	QueryDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ribcollector_query_duration_seconds",
			Help:    "query_rib latency, including RIB-lock wait.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5},
		},
		[]string{"safi"},
	)

	QueryLockTimeoutsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribcollector_query_lock_timeouts_total",
			Help: "Queries that gave up waiting for the RIB read lock (http_timeout exceeded).",
		},
		[]string{"op"},
	)

	SnapshotDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ribcollector_snapshot_duration_seconds",
			Help:    "Time spent encoding or decoding a snapshot file.",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60},
		},
		[]string{"op"},
	)

	SnapshotErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribcollector_snapshot_errors_total",
			Help: "Snapshot store/load failures. Never fatal to ingest.",
		},
		[]string{"op"},
	)

	ArchiveWriteDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ribcollector_archive_write_duration_seconds",
			Help:    "Audit sink batch write latency.",
			Buckets: []float64{0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0},
		},
		[]string{"op"},
	)

	ArchiveRowsAffectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribcollector_archive_rows_affected_total",
			Help: "Audit sink rows written.",
		},
		[]string{"table", "op"},
	)

	ArchiveDedupConflictsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "ribcollector_archive_dedup_conflicts_total",
			Help: "Audit sink dedup hits (ON CONFLICT DO NOTHING skips).",
		},
		[]string{"safi"},
	)

	ArchiveBatchSize = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "ribcollector_archive_batch_size",
			Help:    "Audit sink batch sizes flushed to Postgres.",
			Buckets: []float64{1, 10, 50, 100, 250, 500, 1000, 2000, 5000},
		},
		[]string{},
	)
)

var registerOnce sync.Once

// Register adds every collector to the default Prometheus registry. Only
// the first call registers; later calls do nothing.
func Register() {
	registerOnce.Do(func() {
		prometheus.MustRegister(
			UpdatesTotal,
			WithdrawsTotal,
			RoutesPurgedTotal,
			ParseErrorsTotal,
			PeerStateTransitionsTotal,
			QueryDuration,
			QueryLockTimeoutsTotal,
			SnapshotDuration,
			SnapshotErrorsTotal,
			ArchiveWriteDuration,
			ArchiveRowsAffectedTotal,
			ArchiveDedupConflictsTotal,
			ArchiveBatchSize,
		)
	})
}
