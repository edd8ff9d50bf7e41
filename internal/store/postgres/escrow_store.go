package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wafflebay/marketd/internal/domain"
)

// EscrowStore implements domain.EscrowStore over the escrow_accounts table.
// Lifecycle transfers between accounts do not go through this type; they are
// executed inside MarketStore.Apply so they commit with the market snapshot.
type EscrowStore struct {
	pool *pgxpool.Pool
}

// NewEscrowStore creates an escrow store using the given client.
func NewEscrowStore(client *Client) *EscrowStore {
	return &EscrowStore{pool: client.Pool()}
}

// Balance returns the current balance of an account. Unknown accounts have
// balance zero.
func (s *EscrowStore) Balance(ctx context.Context, account string) (uint64, error) {
	var balance int64
	err := s.pool.QueryRow(ctx,
		"SELECT balance FROM escrow_accounts WHERE account = $1", account,
	).Scan(&balance)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("postgres: balance %s: %w", account, err)
	}
	return uint64(balance), nil
}

// Deposit credits external funds into an account.
func (s *EscrowStore) Deposit(ctx context.Context, account string, amount uint64) error {
	if amount == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx,
		`INSERT INTO escrow_accounts (account, balance, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (account) DO UPDATE
		 SET balance = escrow_accounts.balance + EXCLUDED.balance, updated_at = NOW()`,
		account, int64(amount)); err != nil {
		return fmt.Errorf("postgres: deposit %s: %w", account, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.EscrowStore = (*EscrowStore)(nil)
