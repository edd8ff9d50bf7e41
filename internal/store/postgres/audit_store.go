package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wafflebay/marketd/internal/domain"
)

// AuditStore implements domain.AuditStore over the audit_log table. Most
// rows are written by MarketStore.Apply; Log exists for events outside a
// lifecycle transaction (startup, sweeper decisions, operator actions).
type AuditStore struct {
	pool *pgxpool.Pool
}

// NewAuditStore creates an audit store using the given client.
func NewAuditStore(client *Client) *AuditStore {
	return &AuditStore{pool: client.Pool()}
}

// Log appends a single audit row.
func (s *AuditStore) Log(ctx context.Context, event, marketID string, detail map[string]any) error {
	payload, err := json.Marshal(detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal audit detail: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		"INSERT INTO audit_log (event, market_id, detail) VALUES ($1, $2, $3)",
		event, marketID, payload); err != nil {
		return fmt.Errorf("postgres: insert audit log: %w", err)
	}
	return nil
}

// List returns audit rows for a market, oldest first. An empty marketID
// returns rows across all markets.
func (s *AuditStore) List(ctx context.Context, marketID string, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}

	query := "SELECT id, event, market_id, detail, created_at FROM audit_log"
	args := []any{}
	if marketID != "" {
		query += " WHERE market_id = $1"
		args = append(args, marketID)
	}
	query += fmt.Sprintf(" ORDER BY id LIMIT %d OFFSET %d", limit, opts.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list audit log: %w", err)
	}
	defer rows.Close()

	var out []domain.AuditEntry
	for rows.Next() {
		var (
			entry  domain.AuditEntry
			detail []byte
		)
		if err := rows.Scan(&entry.ID, &entry.Event, &entry.MarketID, &detail, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan audit row: %w", err)
		}
		if len(detail) > 0 {
			if err := json.Unmarshal(detail, &entry.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal audit detail: %w", err)
			}
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list audit log: %w", err)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.AuditStore = (*AuditStore)(nil)
