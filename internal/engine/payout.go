package engine

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wafflebay/marketd/internal/domain"
)

// Settle releases the escrowed pool exactly once. Requires REVEALED.
//
//	LOTTERY: winner receives the winner share of the pool, operations the
//	         truncation remainder, the seller their full deposit back.
//	RAFFLE:  the seller receives the entire pool plus their deposit; raffle
//	         winners receive physical prizes off-platform, not currency.
//
// Pool and deposit balances are zeroed before events so a replayed settle
// hits the status guard with nothing left to move.
func (e *Engine) Settle(m *domain.Market) (Outcome, error) {
	if err := requireStatus(m, domain.MarketStatusRevealed); err != nil {
		return Outcome{}, err
	}
	if len(m.Winners) == 0 {
		return Outcome{}, domain.ErrNoParticipants
	}

	var transfers []domain.Transfer
	fields := map[string]any{
		"type":       string(m.Type),
		"prize_pool": m.PrizePool,
	}

	switch m.Type {
	case domain.MarketTypeLottery:
		prize := pctOf(m.PrizePool, e.params.LotteryWinnerPct)
		operationsCut := m.PrizePool - prize
		if prize > 0 {
			transfers = append(transfers, domain.Transfer{
				From:   m.EscrowAccount(),
				To:     domain.AccountFor(m.Winners[0]),
				Amount: prize,
				Memo:   "lottery prize",
			})
		}
		if operationsCut > 0 {
			transfers = append(transfers, domain.Transfer{
				From:   m.EscrowAccount(),
				To:     m.OperationsAccount,
				Amount: operationsCut,
				Memo:   "settlement fee",
			})
		}
		fields["winner"] = m.Winners[0].Hex()
		fields["prize"] = prize
	case domain.MarketTypeRaffle:
		if m.PrizePool > 0 {
			transfers = append(transfers, domain.Transfer{
				From:   m.EscrowAccount(),
				To:     domain.AccountFor(m.Seller),
				Amount: m.PrizePool,
				Memo:   "raffle proceeds",
			})
		}
		fields["proceeds"] = m.PrizePool
	}

	if m.SellerDeposit > 0 {
		transfers = append(transfers, domain.Transfer{
			From:   m.EscrowAccount(),
			To:     domain.AccountFor(m.Seller),
			Amount: m.SellerDeposit,
			Memo:   "seller deposit return",
		})
	}

	now := e.now()
	m.PrizePool = 0
	m.SellerDeposit = 0
	m.Status = domain.MarketStatusCompleted
	m.SettledAt = &now
	m.UpdatedAt = now

	return Outcome{
		Transfers: transfers,
		Events:    []domain.Event{e.event(m, domain.EventSettled, fields)},
	}, nil
}

// ClaimRefund pays a participant their one-shot residual claim after the
// market reaches a terminal status.
//
//	FAILED:    entry deposit plus the pro-rata pool share fixed at failure.
//	           Truncation dust is swept to operations with the last claim so
//	           the escrow account drains to exactly zero.
//	COMPLETED: the fixed entry deposit, winners and non-winners alike.
func (e *Engine) ClaimRefund(m *domain.Market, claimant common.Address) (Outcome, error) {
	if err := requireStatus(m, domain.MarketStatusFailed, domain.MarketStatusCompleted); err != nil {
		return Outcome{}, err
	}
	p := m.ParticipantByAddress(claimant)
	if p == nil {
		return Outcome{}, domain.ErrUnauthorized
	}
	if p.DepositRefunded {
		return Outcome{}, fmt.Errorf("engine: refund already claimed: %w", domain.ErrAlreadyExists)
	}

	amount := p.DepositAmount
	var transfers []domain.Transfer
	var dust uint64

	if m.Status == domain.MarketStatusFailed && m.RefundPoolShare > 0 {
		amount += m.RefundPoolShare
		m.PrizePool -= m.RefundPoolShare
	}

	p.DepositRefunded = true
	m.RefundsClaimed++
	now := e.now()
	m.UpdatedAt = now

	// Last claimant closes out the escrow: whatever truncation left behind
	// goes to operations rather than sitting stranded.
	if m.Status == domain.MarketStatusFailed && m.RefundsClaimed == len(m.Participants) && m.PrizePool > 0 {
		dust = m.PrizePool
		m.PrizePool = 0
		transfers = append(transfers, domain.Transfer{
			From:   m.EscrowAccount(),
			To:     m.OperationsAccount,
			Amount: dust,
			Memo:   "refund rounding dust",
		})
	}

	if amount > 0 {
		transfers = append(transfers, domain.Transfer{
			From:   m.EscrowAccount(),
			To:     domain.AccountFor(claimant),
			Amount: amount,
			Memo:   "refund claim",
		})
	}

	return Outcome{
		Transfers: transfers,
		Events: []domain.Event{e.event(m, domain.EventRefundClaimed, map[string]any{
			"participant": claimant.Hex(),
			"amount":      amount,
			"dust_swept":  dust,
			"claimed":     m.RefundsClaimed,
		})},
	}, nil
}
