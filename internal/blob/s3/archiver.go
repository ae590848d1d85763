package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/afplabs/liquidator/internal/domain"
)

// ---------------------------------------------------------------------------
// Narrow store interfaces required by the archiver.
//
// The archiver only requires the query methods it actually calls, not the
// full domain store interfaces. The Postgres stores satisfy these implicitly.
// ---------------------------------------------------------------------------

// RunRecordArchiveStore provides read access to settled run records for
// archival purposes.
type RunRecordArchiveStore interface {
	ListTerminal(ctx context.Context, before time.Time, opts domain.ListOpts) ([]domain.RunRecord, error)
}

// AuditArchiveStore provides read access to audit entries for archival
// purposes.
type AuditArchiveStore interface {
	List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error)
	Log(ctx context.Context, event string, detail map[string]any) error
}

// ArchiveImpl implements domain.Archiver by querying the stores for old
// records, serializing them to JSONL, and uploading the result to S3.
//
// Deletion of the archived records from the primary store is intentionally
// NOT performed here -- that is a separate, explicit step to be executed
// after the archive has been verified.
type ArchiveImpl struct {
	writer  domain.BlobWriter
	records RunRecordArchiveStore
	audit   AuditArchiveStore
}

// NewArchiver creates a new ArchiveImpl.
func NewArchiver(writer domain.BlobWriter, records RunRecordArchiveStore, audit AuditArchiveStore) *ArchiveImpl {
	return &ArchiveImpl{
		writer:  writer,
		records: records,
		audit:   audit,
	}
}

// ArchiveRunRecords queries settled run records older than the cutoff,
// serializes them to JSONL, and uploads the file to S3 at
// archive/run_records/YYYY-MM.jsonl. The archival event is recorded in
// the audit log and the count of archived records is returned.
func (a *ArchiveImpl) ArchiveRunRecords(ctx context.Context, before time.Time) (int64, error) {
	recs, err := a.records.ListTerminal(ctx, before, domain.ListOpts{})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive run records query: %w", err)
	}
	if len(recs) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(recs)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive run records marshal: %w", err)
	}

	path := archivePath("run_records", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive run records upload: %w", err)
	}

	count := int64(len(recs))

	if err := a.audit.Log(ctx, "archive.run_records", map[string]any{
		"path":   path,
		"count":  count,
		"before": before.Format(time.RFC3339),
	}); err != nil {
		return count, fmt.Errorf("s3blob: archive run records audit log: %w", err)
	}

	return count, nil
}

// ArchiveAudit queries audit entries older than the cutoff, serializes
// them to JSONL, and uploads the file to S3 at archive/audit/YYYY-MM.jsonl.
// The count of archived entries is returned.
func (a *ArchiveImpl) ArchiveAudit(ctx context.Context, before time.Time) (int64, error) {
	entries, err := a.audit.List(ctx, domain.ListOpts{Until: &before})
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit query: %w", err)
	}
	if len(entries) == 0 {
		return 0, nil
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return 0, fmt.Errorf("s3blob: archive audit marshal: %w", err)
	}

	path := archivePath("audit", before)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return 0, fmt.Errorf("s3blob: archive audit upload: %w", err)
	}

	return int64(len(entries)), nil
}

// archivePath builds the S3 key for an archive file, partitioned by the
// year-month of the cutoff time.
//
//	archive/run_records/2026-08.jsonl
//	archive/audit/2026-08.jsonl
func archivePath(kind string, before time.Time) string {
	return fmt.Sprintf("archive/%s/%s.jsonl", kind, before.Format("2006-01"))
}

// marshalJSONL serialises a slice of values as newline-delimited JSON (JSONL).
// Each element is marshalled as a single compact JSON line followed by '\n'.
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
