package archive

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/route-beacon/rib-collector/internal/metrics"
	"github.com/route-beacon/rib-collector/internal/rib"
	"github.com/route-beacon/rib-collector/internal/session"
	"go.uber.org/zap"
)

// Writer batches rib.Event records into the rib_audit_events table. It
// never blocks ingest: callers (cmd/rib-collector's archive forwarder
// goroutine) drain rib.Rib.Events independently of the ingest actor and
// log, rather than propagate, any write failure.
type Writer struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

func NewWriter(pool *pgxpool.Pool, logger *zap.Logger) *Writer {
	return &Writer{pool: pool, logger: logger}
}

// AuditRow is one rib.Event, stamped with the wall-clock time it was
// observed and a content-derived event ID for at-least-once delivery
// dedup.
type AuditRow struct {
	EventID []byte
	Time    time.Time
	Session session.ID
	SAFI    string
	Kind    string // "update" or "withdraw"
	Key     string
}

// NewAuditRow builds the row for ev, observed at t.
func NewAuditRow(ev rib.Event, t time.Time) AuditRow {
	kind := "update"
	if ev.Kind == rib.EventWithdraw {
		kind = "withdraw"
	}
	return AuditRow{
		EventID: ComputeEventID(ev.Session, ev.SAFI, kind, ev.Key, t),
		Time:    t,
		Session: ev.Session,
		SAFI:    ev.SAFI,
		Kind:    kind,
		Key:     ev.Key,
	}
}

// FlushBatch inserts rows into rib_audit_events, skipping ones already
// present (same event_id) from a prior delivery of the same event.
// Returns the number of rows actually inserted.
func (w *Writer) FlushBatch(ctx context.Context, rows []AuditRow) (int64, error) {
	if len(rows) == 0 {
		return 0, nil
	}

	start := time.Now()

	tx, err := w.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const insertSQL = `
		INSERT INTO rib_audit_events (event_id, event_time, session_id, safi, kind, route_key)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (event_id) DO NOTHING`

	batch := &pgx.Batch{}
	for _, row := range rows {
		batch.Queue(insertSQL, row.EventID, row.Time, uint32(row.Session), row.SAFI, row.Kind, row.Key)
	}

	results := tx.SendBatch(ctx, batch)
	var totalInserted int64
	for i, row := range rows {
		tag, err := results.Exec()
		if err != nil {
			results.Close()
			return 0, fmt.Errorf("insert rib_audit_event[%d]: %w", i, err)
		}
		affected := tag.RowsAffected()
		totalInserted += affected
		if affected == 0 {
			metrics.ArchiveDedupConflictsTotal.WithLabelValues(row.SAFI).Inc()
		}
	}
	if err := results.Close(); err != nil {
		return 0, fmt.Errorf("closing batch results: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit tx: %w", err)
	}

	dur := time.Since(start).Seconds()
	metrics.ArchiveWriteDuration.WithLabelValues("insert").Observe(dur)
	metrics.ArchiveRowsAffectedTotal.WithLabelValues("rib_audit_events", "insert").Add(float64(totalInserted))
	metrics.ArchiveBatchSize.WithLabelValues().Observe(float64(len(rows)))

	return totalInserted, nil
}
