package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Status MarketStatus
}

// MarketStore persists market snapshots and their entry ledgers. Apply is
// the single mutation path for lifecycle operations, creation included: the
// market snapshot, entry rows, escrow transfers, and audit events commit in
// one transaction or not at all.
type MarketStore interface {
	Get(ctx context.Context, id string) (*Market, error)
	Apply(ctx context.Context, m *Market, transfers []Transfer, events []Event) error
	List(ctx context.Context, opts ListOpts) ([]*Market, error)
	// ListExpiredOpen returns IDs of OPEN markets whose entry deadline has
	// passed, for the background sweeper.
	ListExpiredOpen(ctx context.Context, now time.Time) ([]string, error)
	// ListAwaitingReveal returns IDs of CLOSED and COMMITTED markets, which
	// the sweeper checks against their reveal deadlines.
	ListAwaitingReveal(ctx context.Context) ([]string, error)
	Count(ctx context.Context) (int64, error)
}

// EscrowStore is the currency ledger. Accounts are integer smallest-unit
// balances; market escrow accounts are named "market:{id}" and wallet
// accounts "addr:{hex}".
type EscrowStore interface {
	Balance(ctx context.Context, account string) (uint64, error)
	// Deposit credits external funds into an account (seller collateral
	// top-up, buyer funding).
	Deposit(ctx context.Context, account string, amount uint64) error
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	Event     string
	MarketID  string
	Detail    map[string]any
	CreatedAt time.Time
}

// AuditStore persists an append-only audit log.
type AuditStore interface {
	Log(ctx context.Context, event, marketID string, detail map[string]any) error
	List(ctx context.Context, marketID string, opts ListOpts) ([]AuditEntry, error)
}
