package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coinalpha/hbot/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// The archiver only needs the time-ranged query of each store, not the full
// domain interface. The Postgres stores satisfy these implicitly through
// their ListBefore methods.
// ---------------------------------------------------------------------------

// OrderArchiveStore reads terminal order snapshots for archival.
type OrderArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.TrackedOrderRecord, error)
}

// FillArchiveStore reads fills for archival.
type FillArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Fill, error)
}

// CandleArchiveStore reads closed candles for archival.
type CandleArchiveStore interface {
	ListBefore(ctx context.Context, before time.Time) ([]domain.Candle, error)
}

// ---------------------------------------------------------------------------
// ArchiveImpl
// ---------------------------------------------------------------------------

// ArchiveImpl implements domain.Archiver by querying the stores for aged
// records, serializing them to JSONL, and uploading the result to S3.
//
// Deletion of the archived rows from the primary store is intentionally NOT
// performed here; that is a separate, explicit step to be executed after the
// archive has been verified.
type ArchiveImpl struct {
	writer  domain.BlobWriter
	orders  OrderArchiveStore
	fills   FillArchiveStore
	candles CandleArchiveStore
	audit   domain.AuditStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(
	writer domain.BlobWriter,
	orders OrderArchiveStore,
	fills FillArchiveStore,
	candles CandleArchiveStore,
	audit domain.AuditStore,
) *ArchiveImpl {
	return &ArchiveImpl{
		writer:  writer,
		orders:  orders,
		fills:   fills,
		candles: candles,
		audit:   audit,
	}
}

// ArchiveOrders uploads terminal order snapshots older than the cutoff to
// archive/orders/YYYY-MM.jsonl, records the run in the audit log, and
// returns the archived count.
func (a *ArchiveImpl) ArchiveOrders(ctx context.Context, before time.Time) (int64, error) {
	orders, err := a.orders.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders query: %w", err)
	}
	if len(orders) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(orders)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive orders marshal: %w", err)
	}

	path := archivePath("orders", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive orders upload: %w", err)
	}

	count := int64(len(orders))
	if err := a.logRun(ctx, "archive.orders", path, count, before); err != nil {
		return count, err
	}
	return count, nil
}

// ArchiveFills uploads fills older than the cutoff to
// archive/fills/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchiveFills(ctx context.Context, before time.Time) (int64, error) {
	fills, err := a.fills.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive fills query: %w", err)
	}
	if len(fills) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(fills)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive fills marshal: %w", err)
	}

	path := archivePath("fills", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive fills upload: %w", err)
	}

	count := int64(len(fills))
	if err := a.logRun(ctx, "archive.fills", path, count, before); err != nil {
		return count, err
	}
	return count, nil
}

// ArchiveCandles uploads closed candles older than the cutoff to
// archive/candles/YYYY-MM.jsonl.
func (a *ArchiveImpl) ArchiveCandles(ctx context.Context, before time.Time) (int64, error) {
	candles, err := a.candles.ListBefore(ctx, before)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive candles query: %w", err)
	}
	if len(candles) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(candles)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive candles marshal: %w", err)
	}

	path := archivePath("candles", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive candles upload: %w", err)
	}

	count := int64(len(candles))
	if err := a.logRun(ctx, "archive.candles", path, count, before); err != nil {
		return count, err
	}
	return count, nil
}

func (a *ArchiveImpl) logRun(ctx context.Context, event, path string, count int64, before time.Time) error {
	if err := a.audit.Log(ctx, event, map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return fmt.Errorf("s3blob: %s audit log: %w", event, err)
	}
	return nil
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/orders/2026-01.jsonl
//	archive/fills/2026-01.jsonl
//	archive/candles/2026-01.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON.
func marshalJSONL[T any](records []T) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)

	for i, rec := range records {
		if err := enc.Encode(rec); err != nil {
			return nil, fmt.Errorf("jsonl encode record %d: %w", i, err)
		}
	}
	return buf.Bytes(), nil
}
