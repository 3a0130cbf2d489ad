package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/alanyoungcy/candlebot/internal/domain"
)

const jsonlContentType = "application/x-ndjson"

// HistoryArchiveStore is the slice of the ledger store the archiver reads.
type HistoryArchiveStore interface {
	// ListBefore returns all ledger rows whose window started strictly
	// before the cutoff.
	ListBefore(ctx context.Context, before time.Time) ([]domain.HistoryRecord, error)
}

// AuditArchiveStore is the slice of the audit store the archiver reads.
type AuditArchiveStore interface {
	// ListBefore returns all audit entries created strictly before the
	// cutoff, in insertion order.
	ListBefore(ctx context.Context, before time.Time) ([]domain.AuditEntry, error)
}

// Config holds archive layout and retention.
type Config struct {
	// Prefix is the key prefix for every archive object.
	Prefix string
	// RetentionDays is how long rows stay in Postgres before they are
	// eligible for export.
	RetentionDays int
}

// Stats summarises one archive run.
type Stats struct {
	HistoryRecords int
	AuditEntries   int
	Uploaded       int
	Skipped        int
}

// Archiver exports cold ledger and audit rows to the object store as JSONL,
// partitioned by preset and UTC day. A partition that already exists in the
// bucket is never re-uploaded, so re-running after a partial failure only
// fills the gaps. Rows are never deleted from Postgres here; the ledger
// stays append-only and the archive is a copy, not a move.
type Archiver struct {
	writer  domain.BlobWriter
	checker domain.BlobChecker
	history HistoryArchiveStore
	entries AuditArchiveStore
	audit   domain.AuditStore
	logger  *slog.Logger
	cfg     Config
}

// NewArchiver creates an Archiver.
func NewArchiver(
	writer domain.BlobWriter,
	checker domain.BlobChecker,
	history HistoryArchiveStore,
	entries AuditArchiveStore,
	audit domain.AuditStore,
	cfg Config,
	logger *slog.Logger,
) *Archiver {
	if cfg.Prefix == "" {
		cfg.Prefix = "ledger"
	}
	return &Archiver{
		writer:  writer,
		checker: checker,
		history: history,
		entries: entries,
		audit:   audit,
		logger:  logger.With(slog.String("component", "archiver")),
		cfg:     cfg,
	}
}

// Run exports everything older than the retention window and records the
// outcome in the audit log.
func (a *Archiver) Run(ctx context.Context) (Stats, error) {
	cutoff := time.Now().UTC().AddDate(0, 0, -a.cfg.RetentionDays).Truncate(24 * time.Hour)

	var stats Stats
	if err := a.archiveHistory(ctx, cutoff, &stats); err != nil {
		return stats, err
	}
	if err := a.archiveAudit(ctx, cutoff, &stats); err != nil {
		return stats, err
	}

	if stats.HistoryRecords+stats.AuditEntries > 0 {
		if err := a.audit.Log(ctx, "archive.completed", map[string]any{
			"cutoff":          cutoff.Format(time.RFC3339),
			"history_records": stats.HistoryRecords,
			"audit_entries":   stats.AuditEntries,
			"uploaded":        stats.Uploaded,
			"skipped":         stats.Skipped,
		}); err != nil {
			return stats, fmt.Errorf("s3blob: archive audit log: %w", err)
		}
	}

	a.logger.Info("archive run finished",
		slog.Time("cutoff", cutoff),
		slog.Int("history_records", stats.HistoryRecords),
		slog.Int("audit_entries", stats.AuditEntries),
		slog.Int("uploaded", stats.Uploaded),
		slog.Int("skipped", stats.Skipped))
	return stats, nil
}

// archiveHistory exports ledger rows partitioned by preset and window day.
func (a *Archiver) archiveHistory(ctx context.Context, cutoff time.Time, stats *Stats) error {
	recs, err := a.history.ListBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("s3blob: archive history query: %w", err)
	}
	if len(recs) == 0 {
		return nil
	}

	partitions := map[string][]domain.HistoryRecord{}
	for _, rec := range recs {
		key := a.historyKey(rec.Preset, rec.WindowStart)
		partitions[key] = append(partitions[key], rec)
	}

	for _, key := range sortedKeys(partitions) {
		rows := partitions[key]
		uploaded, err := putPartition(ctx, a, key, rows)
		if err != nil {
			return err
		}
		if uploaded {
			stats.Uploaded++
			stats.HistoryRecords += len(rows)
		} else {
			stats.Skipped++
		}
	}
	return nil
}

// archiveAudit exports audit entries partitioned by creation day.
func (a *Archiver) archiveAudit(ctx context.Context, cutoff time.Time, stats *Stats) error {
	entries, err := a.entries.ListBefore(ctx, cutoff)
	if err != nil {
		return fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return nil
	}

	partitions := map[string][]domain.AuditEntry{}
	for _, e := range entries {
		key := a.auditKey(e.CreatedAt)
		partitions[key] = append(partitions[key], e)
	}

	for _, key := range sortedKeys(partitions) {
		rows := partitions[key]
		uploaded, err := putPartition(ctx, a, key, rows)
		if err != nil {
			return err
		}
		if uploaded {
			stats.Uploaded++
			stats.AuditEntries += len(rows)
		} else {
			stats.Skipped++
		}
	}
	return nil
}

// putPartition uploads one JSONL partition unless the object already exists.
func putPartition[T any](ctx context.Context, a *Archiver, key string, rows []T) (bool, error) {
	exists, err := a.checker.Exists(ctx, key)
	if err != nil {
		return false, fmt.Errorf("s3blob: archive partition %s: %w", key, err)
	}
	if exists {
		a.logger.Debug("partition already archived", slog.String("key", key))
		return false, nil
	}

	buf, err := marshalJSONL(rows)
	if err != nil {
		return false, fmt.Errorf("s3blob: archive partition %s: %w", key, err)
	}
	if err := a.writer.Put(ctx, key, bytes.NewReader(buf), jsonlContentType); err != nil {
		return false, fmt.Errorf("s3blob: archive partition %s: %w", key, err)
	}
	return true, nil
}

func (a *Archiver) historyKey(preset string, windowStart time.Time) string {
	return fmt.Sprintf("%s/history/%s/%s.jsonl",
		a.cfg.Prefix, preset, windowStart.UTC().Format("2006-01-02"))
}

func (a *Archiver) auditKey(createdAt time.Time) string {
	return fmt.Sprintf("%s/audit/%s.jsonl", a.cfg.Prefix, createdAt.UTC().Format("2006-01-02"))
}

func sortedKeys[T any](m map[string]T) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// marshalJSONL serialises a slice as newline-delimited JSON, one compact
// object per line.
func marshalJSONL[T any](rows []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, row := range rows {
		if err := enc.Encode(row); err != nil {
			return nil, fmt.Errorf("jsonl encode row %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
