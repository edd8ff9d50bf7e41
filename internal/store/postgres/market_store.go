package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/wafflebay/marketd/internal/domain"
)

// MarketStore implements domain.MarketStore backed by PostgreSQL.
type MarketStore struct {
	pool *pgxpool.Pool
}

// NewMarketStore creates a market store using the given client.
func NewMarketStore(client *Client) *MarketStore {
	return &MarketStore{pool: client.Pool()}
}

const marketColumns = `
	id, seller, market_type, ticket_price, deposit_per_entry, seller_deposit,
	prize_pool, goal_amount, prepared_quantity, end_time, status, winners,
	commitment, precommitted, snapshot_block, secret_revealed, seed,
	nullifier_sum, foundation_account, operations_account, refund_pool_share,
	refunds_claimed, created_at, updated_at, closed_at, revealed_at, settled_at`

// Get loads a market snapshot with its full entry ledger.
func (s *MarketStore) Get(ctx context.Context, id string) (*domain.Market, error) {
	row := s.pool.QueryRow(ctx,
		"SELECT"+marketColumns+" FROM markets WHERE id = $1", id)

	m, err := scanMarket(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("postgres: market %s: %w", id, domain.ErrNotFound)
		}
		return nil, fmt.Errorf("postgres: get market %s: %w", id, err)
	}

	if err := s.loadEntries(ctx, m); err != nil {
		return nil, err
	}
	return m, nil
}

// Apply commits a lifecycle mutation: the market snapshot (inserted on first
// use), its entry ledger, the escrow transfers, and the audit events, all in
// one transaction. A transfer that would overdraw its source account aborts
// the transaction with domain.ErrTransferFailed.
func (s *MarketStore) Apply(ctx context.Context, m *domain.Market, transfers []domain.Transfer, events []domain.Event) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("postgres: begin apply: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, t := range transfers {
		if err := execTransfer(ctx, tx, t); err != nil {
			return err
		}
	}

	if err := upsertMarket(ctx, tx, m); err != nil {
		return err
	}
	if err := replaceEntries(ctx, tx, m); err != nil {
		return err
	}

	for _, ev := range events {
		detail, err := json.Marshal(ev.Fields)
		if err != nil {
			return fmt.Errorf("postgres: marshal event %s: %w", ev.Type, err)
		}
		if _, err := tx.Exec(ctx,
			"INSERT INTO audit_log (event, market_id, detail, created_at) VALUES ($1, $2, $3, $4)",
			ev.Type, ev.MarketID, detail, ev.At,
		); err != nil {
			return fmt.Errorf("postgres: insert event %s: %w", ev.Type, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("postgres: commit apply: %w", err)
	}
	return nil
}

// List returns market snapshots newest-first, without entry ledgers.
func (s *MarketStore) List(ctx context.Context, opts domain.ListOpts) ([]*domain.Market, error) {
	limit := opts.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}

	query := "SELECT" + marketColumns + " FROM markets"
	args := []any{}
	if opts.Status != "" {
		query += " WHERE status = $1"
		args = append(args, string(opts.Status))
	}
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT %d OFFSET %d", limit, opts.Offset)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	defer rows.Close()

	var out []*domain.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan market: %w", err)
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list markets: %w", err)
	}
	return out, nil
}

// ListExpiredOpen returns IDs of OPEN markets whose entry deadline passed.
func (s *MarketStore) ListExpiredOpen(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id FROM markets WHERE status = $1 AND end_time <= $2 ORDER BY end_time",
		string(domain.MarketStatusOpen), now)
	if err != nil {
		return nil, fmt.Errorf("postgres: list expired open: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// ListAwaitingReveal returns IDs of CLOSED and COMMITTED markets.
func (s *MarketStore) ListAwaitingReveal(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx,
		"SELECT id FROM markets WHERE status = ANY($1) ORDER BY updated_at",
		[]string{string(domain.MarketStatusClosed), string(domain.MarketStatusCommitted)})
	if err != nil {
		return nil, fmt.Errorf("postgres: list awaiting reveal: %w", err)
	}
	defer rows.Close()
	return scanIDs(rows)
}

// Count returns the total number of markets.
func (s *MarketStore) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM markets").Scan(&n); err != nil {
		return 0, fmt.Errorf("postgres: count markets: %w", err)
	}
	return n, nil
}

func execTransfer(ctx context.Context, tx pgx.Tx, t domain.Transfer) error {
	if t.Amount == 0 {
		return nil
	}

	tag, err := tx.Exec(ctx,
		`UPDATE escrow_accounts
		 SET balance = balance - $2, updated_at = NOW()
		 WHERE account = $1 AND balance >= $2`,
		t.From, int64(t.Amount))
	if err != nil {
		return fmt.Errorf("postgres: debit %s: %w", t.From, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("postgres: debit %s amount %d (%s): %w",
			t.From, t.Amount, t.Memo, domain.ErrTransferFailed)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO escrow_accounts (account, balance, updated_at)
		 VALUES ($1, $2, NOW())
		 ON CONFLICT (account) DO UPDATE
		 SET balance = escrow_accounts.balance + EXCLUDED.balance, updated_at = NOW()`,
		t.To, int64(t.Amount)); err != nil {
		return fmt.Errorf("postgres: credit %s: %w", t.To, err)
	}
	return nil
}

func upsertMarket(ctx context.Context, tx pgx.Tx, m *domain.Market) error {
	winners, err := json.Marshal(hexAddresses(m.Winners))
	if err != nil {
		return fmt.Errorf("postgres: marshal winners: %w", err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO markets (
			id, seller, market_type, ticket_price, deposit_per_entry,
			seller_deposit, prize_pool, goal_amount, prepared_quantity,
			end_time, status, winners, commitment, precommitted,
			snapshot_block, secret_revealed, seed, nullifier_sum,
			foundation_account, operations_account, refund_pool_share,
			refunds_claimed, created_at, updated_at, closed_at, revealed_at,
			settled_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14,
			$15, $16, $17, $18, $19, $20, $21, $22, $23, $24, $25, $26, $27
		)
		ON CONFLICT (id) DO UPDATE SET
			prize_pool = EXCLUDED.prize_pool,
			seller_deposit = EXCLUDED.seller_deposit,
			status = EXCLUDED.status,
			winners = EXCLUDED.winners,
			commitment = EXCLUDED.commitment,
			precommitted = EXCLUDED.precommitted,
			snapshot_block = EXCLUDED.snapshot_block,
			secret_revealed = EXCLUDED.secret_revealed,
			seed = EXCLUDED.seed,
			nullifier_sum = EXCLUDED.nullifier_sum,
			foundation_account = EXCLUDED.foundation_account,
			operations_account = EXCLUDED.operations_account,
			refund_pool_share = EXCLUDED.refund_pool_share,
			refunds_claimed = EXCLUDED.refunds_claimed,
			updated_at = EXCLUDED.updated_at,
			closed_at = EXCLUDED.closed_at,
			revealed_at = EXCLUDED.revealed_at,
			settled_at = EXCLUDED.settled_at`,
		m.ID, m.Seller.Hex(), string(m.Type), int64(m.TicketPrice),
		int64(m.DepositPerEntry), int64(m.SellerDeposit), int64(m.PrizePool),
		int64(m.GoalAmount), m.PreparedQuantity, m.EndTime, string(m.Status),
		winners, m.Commitment.Hex(), m.Precommitted, int64(m.SnapshotBlock),
		m.SecretRevealed, m.Seed.Hex(), m.NullifierSum.Hex(),
		m.FoundationAccount, m.OperationsAccount, int64(m.RefundPoolShare),
		m.RefundsClaimed, m.CreatedAt, m.UpdatedAt, m.ClosedAt, m.RevealedAt,
		m.SettledAt)
	if err != nil {
		return fmt.Errorf("postgres: upsert market %s: %w", m.ID, err)
	}
	return nil
}

func replaceEntries(ctx context.Context, tx pgx.Tx, m *domain.Market) error {
	if _, err := tx.Exec(ctx, "DELETE FROM entries WHERE market_id = $1", m.ID); err != nil {
		return fmt.Errorf("postgres: clear entries %s: %w", m.ID, err)
	}
	for i := range m.Participants {
		p := &m.Participants[i]
		if _, err := tx.Exec(ctx, `
			INSERT INTO entries (
				market_id, position, address, nullifier, paid_amount,
				deposit_amount, winner, deposit_refunded, entered_at
			) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
			m.ID, i, p.Address.Hex(), p.Nullifier.Hex(), int64(p.PaidAmount),
			int64(p.DepositAmount), p.Winner, p.DepositRefunded, p.EnteredAt,
		); err != nil {
			return fmt.Errorf("postgres: insert entry %s/%d: %w", m.ID, i, err)
		}
	}
	return nil
}

func (s *MarketStore) loadEntries(ctx context.Context, m *domain.Market) error {
	rows, err := s.pool.Query(ctx, `
		SELECT address, nullifier, paid_amount, deposit_amount, winner,
		       deposit_refunded, entered_at
		FROM entries WHERE market_id = $1 ORDER BY position`, m.ID)
	if err != nil {
		return fmt.Errorf("postgres: load entries %s: %w", m.ID, err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			p                   domain.Participant
			address, nullifier  string
			paid, deposit       int64
		)
		if err := rows.Scan(&address, &nullifier, &paid, &deposit,
			&p.Winner, &p.DepositRefunded, &p.EnteredAt); err != nil {
			return fmt.Errorf("postgres: scan entry: %w", err)
		}
		p.Address = common.HexToAddress(address)
		p.Nullifier = common.HexToHash(nullifier)
		p.PaidAmount = uint64(paid)
		p.DepositAmount = uint64(deposit)
		m.Participants = append(m.Participants, p)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("postgres: load entries %s: %w", m.ID, err)
	}
	return nil
}

func scanMarket(row pgx.Row) (*domain.Market, error) {
	var (
		m                                          domain.Market
		seller, mtype, status                      string
		ticket, deposit, sellerDep, pool, goal     int64
		snapshot, refundShare                      int64
		winnersJSON                                []byte
		commitment, seed, nullifierSum             string
	)

	err := row.Scan(
		&m.ID, &seller, &mtype, &ticket, &deposit, &sellerDep, &pool, &goal,
		&m.PreparedQuantity, &m.EndTime, &status, &winnersJSON, &commitment,
		&m.Precommitted, &snapshot, &m.SecretRevealed, &seed, &nullifierSum,
		&m.FoundationAccount, &m.OperationsAccount, &refundShare,
		&m.RefundsClaimed, &m.CreatedAt, &m.UpdatedAt, &m.ClosedAt,
		&m.RevealedAt, &m.SettledAt,
	)
	if err != nil {
		return nil, err
	}

	m.Seller = common.HexToAddress(seller)
	m.Type = domain.MarketType(mtype)
	m.TicketPrice = uint64(ticket)
	m.DepositPerEntry = uint64(deposit)
	m.SellerDeposit = uint64(sellerDep)
	m.PrizePool = uint64(pool)
	m.GoalAmount = uint64(goal)
	m.Status = domain.MarketStatus(status)
	m.Commitment = common.HexToHash(commitment)
	m.SnapshotBlock = uint64(snapshot)
	m.Seed = common.HexToHash(seed)
	m.NullifierSum = common.HexToHash(nullifierSum)
	m.RefundPoolShare = uint64(refundShare)

	var winners []string
	if len(winnersJSON) > 0 {
		if err := json.Unmarshal(winnersJSON, &winners); err != nil {
			return nil, fmt.Errorf("unmarshal winners: %w", err)
		}
	}
	for _, w := range winners {
		m.Winners = append(m.Winners, common.HexToAddress(w))
	}
	return &m, nil
}

func scanIDs(rows pgx.Rows) ([]string, error) {
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan id: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: scan ids: %w", err)
	}
	return ids, nil
}

func hexAddresses(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}

// Compile-time interface check.
var _ domain.MarketStore = (*MarketStore)(nil)
