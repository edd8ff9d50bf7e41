package domain

import (
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// MarketType distinguishes the two market shapes: a LOTTERY pools ticket
// revenue for a single currency winner, a RAFFLE sells entries for a fixed
// number of off-platform prizes and pays the pool to the seller.
type MarketType string

const (
	MarketTypeLottery MarketType = "lottery"
	MarketTypeRaffle  MarketType = "raffle"
)

// MarketStatus represents the lifecycle state of a market. Transitions are
// forward-only; CLOSED may branch directly to REVEALED (all-win shortcut) or
// FAILED.
type MarketStatus string

const (
	MarketStatusCreated   MarketStatus = "created"
	MarketStatusOpen      MarketStatus = "open"
	MarketStatusClosed    MarketStatus = "closed"
	MarketStatusCommitted MarketStatus = "committed"
	MarketStatusRevealed  MarketStatus = "revealed"
	MarketStatusCompleted MarketStatus = "completed"
	MarketStatusFailed    MarketStatus = "failed"
)

// Terminal reports whether no further transition is possible from s.
func (s MarketStatus) Terminal() bool {
	return s == MarketStatusCompleted || s == MarketStatusFailed
}

// Participant is the per-entry ledger record. One record per verified
// identity, created on entry and mutated only by settlement and refund
// operations, never deleted.
type Participant struct {
	Address         common.Address `json:"address"`
	Nullifier       common.Hash    `json:"nullifier"`
	PaidAmount      uint64         `json:"paid_amount"`
	DepositAmount   uint64         `json:"deposit_amount"`
	Winner          bool           `json:"winner"`
	DepositRefunded bool           `json:"deposit_refunded"`
	EnteredAt       time.Time      `json:"entered_at"`
}

// Market is one raffle or lottery instance together with its entry ledger
// and commit-reveal randomness state. All amounts are integer smallest
// units; percentages elsewhere are integer numerator/100 with truncation.
type Market struct {
	ID     string         `json:"id"`
	Seller common.Address `json:"seller"`
	Type   MarketType     `json:"type"`

	TicketPrice     uint64 `json:"ticket_price"`
	DepositPerEntry uint64 `json:"deposit_per_entry"`
	SellerDeposit   uint64 `json:"seller_deposit"`
	PrizePool       uint64 `json:"prize_pool"`

	GoalAmount       uint64    `json:"goal_amount"`
	PreparedQuantity int       `json:"prepared_quantity"`
	EndTime          time.Time `json:"end_time"`

	Status MarketStatus `json:"status"`

	// Participants in entry order. Order is auditable history, not a
	// fairness input; selection depends only on the seed.
	Participants []Participant    `json:"participants"`
	Winners      []common.Address `json:"winners"`

	// Randomness state.
	Commitment     common.Hash `json:"commitment"`
	Precommitted   bool        `json:"precommitted"`
	SnapshotBlock  uint64      `json:"snapshot_block"`
	SecretRevealed bool        `json:"secret_revealed"`
	Seed           common.Hash `json:"seed"`
	// NullifierSum is the running XOR of every participant nullifier; no
	// single entrant can predict it before entries close.
	NullifierSum common.Hash `json:"nullifier_sum"`

	// Fee recipients fixed at creation. Foundation is operator-updatable.
	FoundationAccount string `json:"foundation_account"`
	OperationsAccount string `json:"operations_account"`

	// RefundPoolShare is the truncated per-participant share of the pool,
	// fixed once when the market fails. Zero for completed markets.
	RefundPoolShare uint64 `json:"refund_pool_share"`
	RefundsClaimed  int    `json:"refunds_claimed"`

	CreatedAt  time.Time  `json:"created_at"`
	UpdatedAt  time.Time  `json:"updated_at"`
	ClosedAt   *time.Time `json:"closed_at,omitempty"`
	RevealedAt *time.Time `json:"revealed_at,omitempty"`
	SettledAt  *time.Time `json:"settled_at,omitempty"`
}

// EscrowAccount returns the ledger account that holds this market's funds.
func (m *Market) EscrowAccount() string {
	return "market:" + m.ID
}

// HasNullifier reports whether the nullifier has already been used to enter
// this market.
func (m *Market) HasNullifier(n common.Hash) bool {
	for i := range m.Participants {
		if m.Participants[i].Nullifier == n {
			return true
		}
	}
	return false
}

// ParticipantByAddress returns the ledger record for addr, or nil.
func (m *Market) ParticipantByAddress(addr common.Address) *Participant {
	for i := range m.Participants {
		if m.Participants[i].Address == addr {
			return &m.Participants[i]
		}
	}
	return nil
}

// UnclaimedDeposits sums entry deposits not yet refunded.
func (m *Market) UnclaimedDeposits() uint64 {
	var total uint64
	for i := range m.Participants {
		if !m.Participants[i].DepositRefunded {
			total += m.Participants[i].DepositAmount
		}
	}
	return total
}

// Transfer is a single escrow ledger movement produced by a lifecycle
// operation. Transfers are executed atomically with the market snapshot
// write; a failing transfer aborts the whole operation.
type Transfer struct {
	From   string `json:"from"`
	To     string `json:"to"`
	Amount uint64 `json:"amount"`
	Memo   string `json:"memo"`
}

// AccountFor returns the escrow ledger account name for a wallet address.
func AccountFor(addr common.Address) string {
	return "addr:" + addr.Hex()
}
