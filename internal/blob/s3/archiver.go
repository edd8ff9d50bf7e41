package s3blob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"

	"github.com/wafflebay/marketd/internal/domain"
)

// Archiver uploads terminal market snapshots and their audit trails to the
// object store. Archival happens after the state transition is durable in
// PostgreSQL; the upload is a cold copy for audits and dispute resolution,
// never an input to lifecycle decisions.
type Archiver struct {
	writer domain.BlobWriter
	audit  domain.AuditStore
}

// NewArchiver creates an Archiver that uploads through writer and records
// archival events in the audit log. audit may be nil to skip the record.
func NewArchiver(writer domain.BlobWriter, audit domain.AuditStore) *Archiver {
	return &Archiver{
		writer: writer,
		audit:  audit,
	}
}

// ArchiveMarket uploads a terminal market's full snapshot, entry ledger
// included, and returns the object path. Non-terminal markets are rejected:
// an archived snapshot must be final.
func (a *Archiver) ArchiveMarket(ctx context.Context, m *domain.Market) (string, error) {
	if !m.Status.Terminal() {
		return "", fmt.Errorf("s3blob: archive market %s: status %s: %w",
			m.ID, m.Status, domain.ErrInvalidState)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return "", fmt.Errorf("s3blob: archive market %s marshal: %w", m.ID, err)
	}

	path := marketArchivePath(m)
	if err := a.writer.Put(ctx, path, bytes.NewReader(data), "application/json"); err != nil {
		return "", fmt.Errorf("s3blob: archive market %s upload: %w", m.ID, err)
	}

	if a.audit != nil {
		if err := a.audit.Log(ctx, "archive.market", m.ID, map[string]any{
			"path":   path,
			"status": string(m.Status),
		}); err != nil {
			return path, fmt.Errorf("s3blob: archive market %s audit log: %w", m.ID, err)
		}
	}
	return path, nil
}

// ArchiveAuditTrail uploads a market's audit rows as newline-delimited JSON
// and returns the object path. Intended for one-shot export after a market
// is archived, not for incremental sync.
func (a *Archiver) ArchiveAuditTrail(ctx context.Context, marketID string) (string, error) {
	if a.audit == nil {
		return "", fmt.Errorf("s3blob: archive audit trail: no audit store configured")
	}

	entries, err := a.audit.List(ctx, marketID, domain.ListOpts{Limit: 500})
	if err != nil {
		return "", fmt.Errorf("s3blob: archive audit trail %s query: %w", marketID, err)
	}
	if len(entries) == 0 {
		return "", fmt.Errorf("s3blob: archive audit trail %s: %w", marketID, domain.ErrNotFound)
	}

	buf, err := marshalJSONL(entries)
	if err != nil {
		return "", fmt.Errorf("s3blob: archive audit trail %s marshal: %w", marketID, err)
	}

	path := fmt.Sprintf("archive/audit/%s.jsonl", marketID)
	if err := a.writer.Put(ctx, path, bytes.NewReader(buf), "application/x-ndjson"); err != nil {
		return "", fmt.Errorf("s3blob: archive audit trail %s upload: %w", marketID, err)
	}
	return path, nil
}

// marketArchivePath builds the object key for a market snapshot, partitioned
// by the year-month the market was created.
//
//	archive/markets/2026-01/{id}.json
func marketArchivePath(m *domain.Market) string {
	return fmt.Sprintf("archive/markets/%s/%s.json", m.CreatedAt.Format("2006-01"), m.ID)
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
