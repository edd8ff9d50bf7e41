package engine

import (
	"context"
	"fmt"

	"github.com/wafflebay/marketd/internal/domain"
)

// CloseEntries ends the entry phase and evaluates the close decision policy.
// Permissionless: anyone may close once the deadline has passed; a LOTTERY
// that has reached its goal may be closed early.
//
//	LOTTERY: pool >= goal        -> CLOSED (draw will pick one winner)
//	         pool <  goal        -> FAILED (full seller deposit returned)
//	RAFFLE:  entries >  prepared -> CLOSED (contention, draw needed)
//	         0 < entries <= prepared -> REVEALED all-win shortcut
//	         no entries          -> FAILED (full seller deposit returned)
func (e *Engine) CloseEntries(ctx context.Context, m *domain.Market) (Outcome, error) {
	if err := requireStatus(m, domain.MarketStatusOpen); err != nil {
		return Outcome{}, err
	}

	now := e.now()
	goalMet := m.Type == domain.MarketTypeLottery && m.PrizePool >= m.GoalAmount
	if now.Before(m.EndTime) && !goalMet {
		return Outcome{}, domain.ErrTimeNotReached
	}

	switch m.Type {
	case domain.MarketTypeLottery:
		if m.PrizePool < m.GoalAmount {
			return e.failMarket(m, "goal not reached", false)
		}
	case domain.MarketTypeRaffle:
		if len(m.Participants) == 0 {
			return e.failMarket(m, "no participants", false)
		}
		if len(m.Participants) <= m.PreparedQuantity {
			return e.closeAllWin(m)
		}
	}

	m.Status = domain.MarketStatusClosed
	m.ClosedAt = &now
	m.UpdatedAt = now

	// Variant A markets carry their commitment from creation; anchor the
	// reveal window to the chain height observed at close.
	if m.Precommitted {
		height, err := e.entropy.Height(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("engine: close snapshot height: %w", err)
		}
		m.SnapshotBlock = height
	}

	return Outcome{
		Events: []domain.Event{e.event(m, domain.EventMarketClosed, map[string]any{
			"entries":    len(m.Participants),
			"prize_pool": m.PrizePool,
		})},
	}, nil
}

// closeAllWin is the RAFFLE shortcut: with no scarcity to arbitrate, every
// entrant wins and the market jumps straight to REVEALED without randomness.
func (e *Engine) closeAllWin(m *domain.Market) (Outcome, error) {
	now := e.now()
	for i := range m.Participants {
		m.Participants[i].Winner = true
		m.Winners = append(m.Winners, m.Participants[i].Address)
	}
	m.Status = domain.MarketStatusRevealed
	m.ClosedAt = &now
	m.RevealedAt = &now
	m.UpdatedAt = now

	winners := make([]string, len(m.Winners))
	for i, w := range m.Winners {
		winners[i] = w.Hex()
	}
	return Outcome{
		Events: []domain.Event{
			e.event(m, domain.EventMarketClosed, map[string]any{
				"entries": len(m.Participants),
				"all_win": true,
			}),
			e.event(m, domain.EventWinnersDrawn, map[string]any{
				"winners": winners,
			}),
		},
	}, nil
}

// failMarket moves a market to FAILED. With slash=false the full seller
// deposit returns to the seller (goal miss, empty raffle); with slash=true
// the configured fraction is forfeited to operations (reveal no-show).
// Participant deposits plus a truncated pro-rata pool share become
// claimable per participant.
func (e *Engine) failMarket(m *domain.Market, reason string, slash bool) (Outcome, error) {
	now := e.now()
	var transfers []domain.Transfer
	var events []domain.Event

	if m.SellerDeposit > 0 {
		returned := m.SellerDeposit
		if slash {
			slashed := pctOf(m.SellerDeposit, e.params.SlashPct)
			returned = m.SellerDeposit - slashed
			if slashed > 0 {
				transfers = append(transfers, domain.Transfer{
					From:   m.EscrowAccount(),
					To:     m.OperationsAccount,
					Amount: slashed,
					Memo:   "reveal timeout slash",
				})
				events = append(events, e.event(m, domain.EventSellerSlashed, map[string]any{
					"slashed":  slashed,
					"returned": returned,
				}))
			}
		}
		if returned > 0 {
			transfers = append(transfers, domain.Transfer{
				From:   m.EscrowAccount(),
				To:     domain.AccountFor(m.Seller),
				Amount: returned,
				Memo:   "seller deposit return",
			})
		}
	}

	if len(m.Participants) > 0 {
		m.RefundPoolShare = m.PrizePool / uint64(len(m.Participants))
	}
	m.SellerDeposit = 0
	m.Status = domain.MarketStatusFailed
	if m.ClosedAt == nil {
		m.ClosedAt = &now
	}
	m.UpdatedAt = now

	events = append(events, e.event(m, domain.EventMarketFailed, map[string]any{
		"reason":            reason,
		"refund_pool_share": m.RefundPoolShare,
		"entries":           len(m.Participants),
	}))
	return Outcome{Transfers: transfers, Events: events}, nil
}
