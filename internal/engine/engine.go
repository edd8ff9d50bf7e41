// Package engine implements the market lifecycle state machine: guarded
// status transitions, the one-entry-per-identity ledger, commit-reveal
// randomness, winner drawing, and payout planning. Every operation either
// fully applies (mutating the market and returning the escrow transfers and
// events to commit alongside it) or fails with no side effects.
package engine

import (
	"math/bits"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/wafflebay/marketd/internal/crypto"
	"github.com/wafflebay/marketd/internal/domain"
)

// Params holds the economic and temporal constants shared by all markets.
// Percentages are integer numerator/100 and truncate.
type Params struct {
	FoundationAccount string
	OperationsAccount string

	FoundationFeePct uint64 // share of ticket price, default 3
	OperationsFeePct uint64 // share of ticket price, default 2
	LotteryWinnerPct uint64 // share of prize pool, default 95
	SlashPct         uint64 // share of seller deposit forfeited on timeout, default 50
	SellerDepositPct uint64 // seller collateral as share of goal amount, default 10

	RevealMinWait uint64 // blocks after commit before reveal is permitted
	RevealWindow  uint64 // blocks after the min-wait during which reveal is permitted
	CommitTimeout time.Duration // wall-clock window for a post-close commit

	// ExternalNullifier is the per-app scope constant passed to the
	// identity verifier; GroupID selects the identity set.
	ExternalNullifier common.Hash
	GroupID           uint64
}

// DefaultParams returns the production constants.
func DefaultParams(foundation, operations string) Params {
	return Params{
		FoundationAccount: foundation,
		OperationsAccount: operations,
		FoundationFeePct:  3,
		OperationsFeePct:  2,
		LotteryWinnerPct:  95,
		SlashPct:          50,
		SellerDepositPct:  10,
		RevealMinWait:     2,
		RevealWindow:      240,
		CommitTimeout:     24 * time.Hour,
	}
}

// Outcome is the side-effect plan of a successful lifecycle operation. The
// store commits the mutated market, the transfers, and the events in one
// transaction.
type Outcome struct {
	Transfers []domain.Transfer
	Events    []domain.Event
}

// Engine executes lifecycle operations against market state. It holds no
// market state itself; callers own serialization per market.
type Engine struct {
	verifier domain.IdentityVerifier
	entropy  domain.EntropySource
	params   Params
	now      func() time.Time
}

// New creates an Engine. A nil clock defaults to time.Now.
func New(verifier domain.IdentityVerifier, entropy domain.EntropySource, params Params, clock func() time.Time) *Engine {
	if clock == nil {
		clock = time.Now
	}
	return &Engine{
		verifier: verifier,
		entropy:  entropy,
		params:   params,
		now:      clock,
	}
}

// Params returns the engine's economic constants.
func (e *Engine) Params() Params {
	return e.params
}

// requireStatus is the transition guard: every mutating operation asserts
// the current status before touching anything.
func requireStatus(m *domain.Market, expected ...domain.MarketStatus) error {
	for _, s := range expected {
		if m.Status == s {
			return nil
		}
	}
	return domain.NewInvalidState(m.Status, expected...)
}

func (e *Engine) event(m *domain.Market, typ string, fields map[string]any) domain.Event {
	return domain.Event{
		Type:     typ,
		MarketID: m.ID,
		At:       e.now(),
		Fields:   fields,
	}
}

// addChecked adds two amounts and fails on uint64 overflow rather than
// wrapping.
func addChecked(a, b uint64) (uint64, error) {
	sum, carry := bits.Add64(a, b, 0)
	if carry != 0 {
		return 0, domain.ErrInsufficientFunds
	}
	return sum, nil
}

// pctOf returns amount*pct/100 with integer truncation.
func pctOf(amount, pct uint64) uint64 {
	hi, lo := bits.Mul64(amount, pct)
	q, _ := bits.Div64(hi, lo, 100)
	return q
}

// CreateParams are the seller-supplied market parameters.
type CreateParams struct {
	Seller           common.Address
	Type             domain.MarketType
	TicketPrice      uint64
	DepositPerEntry  uint64
	GoalAmount       uint64
	PreparedQuantity int
	EndTime          time.Time

	// PrecommitNullifier, when non-nil, fixes the Variant A commitment at
	// creation: hash(secret_nullifier || market_id). The seller cannot
	// change it once participants start entering.
	PrecommitNullifier *common.Hash
}

// CreateMarket validates parameters, locks the seller deposit into the
// market escrow account, and returns the new market in CREATED status.
func (e *Engine) CreateMarket(p CreateParams) (*domain.Market, Outcome, error) {
	if p.Type != domain.MarketTypeLottery && p.Type != domain.MarketTypeRaffle {
		return nil, Outcome{}, domain.ErrInvalidTargetEntries
	}
	if p.TicketPrice == 0 || p.GoalAmount == 0 {
		return nil, Outcome{}, domain.ErrInvalidTargetEntries
	}
	if p.Type == domain.MarketTypeRaffle && p.PreparedQuantity <= 0 {
		return nil, Outcome{}, domain.ErrInvalidTargetEntries
	}
	now := e.now()
	if !p.EndTime.After(now) {
		return nil, Outcome{}, domain.ErrTimeExpired
	}
	if _, err := addChecked(p.TicketPrice, p.DepositPerEntry); err != nil {
		return nil, Outcome{}, err
	}

	m := &domain.Market{
		ID:                uuid.New().String(),
		Seller:            p.Seller,
		Type:              p.Type,
		TicketPrice:       p.TicketPrice,
		DepositPerEntry:   p.DepositPerEntry,
		GoalAmount:        p.GoalAmount,
		PreparedQuantity:  p.PreparedQuantity,
		EndTime:           p.EndTime,
		Status:            domain.MarketStatusCreated,
		FoundationAccount: e.params.FoundationAccount,
		OperationsAccount: e.params.OperationsAccount,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	m.SellerDeposit = pctOf(p.GoalAmount, e.params.SellerDepositPct)

	if p.PrecommitNullifier != nil {
		m.Commitment = crypto.PrecommitNullifier(*p.PrecommitNullifier, m.ID)
		m.Precommitted = true
	}

	out := Outcome{
		Events: []domain.Event{e.event(m, domain.EventMarketCreated, map[string]any{
			"type":           string(m.Type),
			"seller":         m.Seller.Hex(),
			"ticket_price":   m.TicketPrice,
			"goal_amount":    m.GoalAmount,
			"seller_deposit": m.SellerDeposit,
			"precommitted":   m.Precommitted,
		})},
	}
	if m.SellerDeposit > 0 {
		out.Transfers = []domain.Transfer{{
			From:   domain.AccountFor(m.Seller),
			To:     m.EscrowAccount(),
			Amount: m.SellerDeposit,
			Memo:   "seller deposit",
		}}
	}
	return m, out, nil
}

// Open transitions a market from CREATED to OPEN. Seller only.
func (e *Engine) Open(m *domain.Market, caller common.Address) (Outcome, error) {
	if err := requireStatus(m, domain.MarketStatusCreated); err != nil {
		return Outcome{}, err
	}
	if caller != m.Seller {
		return Outcome{}, domain.ErrUnauthorized
	}

	m.Status = domain.MarketStatusOpen
	m.UpdatedAt = e.now()

	return Outcome{
		Events: []domain.Event{e.event(m, domain.EventMarketOpened, nil)},
	}, nil
}

// UpdateFoundation changes the foundation fee account for future entries.
// Only callable while the market is not terminal; the operations account is
// fixed for the market's lifetime.
func (e *Engine) UpdateFoundation(m *domain.Market, account string) (Outcome, error) {
	if m.Status.Terminal() {
		return Outcome{}, domain.NewInvalidState(m.Status,
			domain.MarketStatusCreated, domain.MarketStatusOpen,
			domain.MarketStatusClosed, domain.MarketStatusCommitted,
			domain.MarketStatusRevealed)
	}
	if account == "" {
		return Outcome{}, domain.ErrInvalidTargetEntries
	}

	prev := m.FoundationAccount
	m.FoundationAccount = account
	m.UpdatedAt = e.now()

	return Outcome{
		Events: []domain.Event{e.event(m, domain.EventFoundationSet, map[string]any{
			"previous": prev,
			"account":  account,
		})},
	}, nil
}
