package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wafflebay/marketd/internal/crypto"
	"github.com/wafflebay/marketd/internal/domain"
)

// Enter records one verified entry. Preconditions: market OPEN, deadline not
// passed, payment exactly ticketPrice+depositPerEntry, nullifier unused,
// buyer is not the seller, and the identity proof is accepted by the
// external verifier.
//
// Fee shares are forwarded atomically with the entry so the prize pool is
// an accurate owed-to-winners balance at all times; there is no separate
// settlement pass for operational revenue.
func (e *Engine) Enter(ctx context.Context, m *domain.Market, buyer common.Address, proof domain.IdentityProof, payment uint64) (Outcome, error) {
	if err := requireStatus(m, domain.MarketStatusOpen); err != nil {
		return Outcome{}, err
	}
	if !e.now().Before(m.EndTime) {
		return Outcome{}, domain.ErrTimeExpired
	}
	if buyer == m.Seller {
		return Outcome{}, domain.ErrUnauthorized
	}
	if payment != m.TicketPrice+m.DepositPerEntry {
		return Outcome{}, fmt.Errorf("engine: payment %d, want %d: %w",
			payment, m.TicketPrice+m.DepositPerEntry, domain.ErrInsufficientFunds)
	}
	if proof.NullifierHash == (common.Hash{}) {
		return Outcome{}, domain.ErrVerificationFailed
	}
	if m.HasNullifier(proof.NullifierHash) {
		return Outcome{}, domain.ErrAlreadyParticipated
	}

	// The signal binds the proof to the paying wallet and the external
	// nullifier binds it to this deployment's scope; a proof generated for
	// anything else is rejected before the verifier round-trip.
	if proof.SignalHash != crypto.SignalHash(buyer) {
		return Outcome{}, domain.ErrVerificationFailed
	}
	if proof.ExternalNullifierHash != e.params.ExternalNullifier {
		return Outcome{}, domain.ErrVerificationFailed
	}
	if proof.GroupID != e.params.GroupID {
		return Outcome{}, domain.ErrVerificationFailed
	}
	if err := e.verifier.Verify(ctx, proof); err != nil {
		return Outcome{}, fmt.Errorf("engine: identity proof rejected: %w", err)
	}

	foundationFee := pctOf(m.TicketPrice, e.params.FoundationFeePct)
	operationsFee := pctOf(m.TicketPrice, e.params.OperationsFeePct)
	net := m.TicketPrice - foundationFee - operationsFee

	pool, err := addChecked(m.PrizePool, net)
	if err != nil {
		return Outcome{}, err
	}

	now := e.now()
	m.Participants = append(m.Participants, domain.Participant{
		Address:       buyer,
		Nullifier:     proof.NullifierHash,
		PaidAmount:    payment,
		DepositAmount: m.DepositPerEntry,
		EnteredAt:     now,
	})
	m.NullifierSum = crypto.XORHash(m.NullifierSum, proof.NullifierHash)
	m.PrizePool = pool
	m.UpdatedAt = now

	transfers := []domain.Transfer{{
		From:   domain.AccountFor(buyer),
		To:     m.EscrowAccount(),
		Amount: payment,
		Memo:   "entry",
	}}
	if foundationFee > 0 {
		transfers = append(transfers, domain.Transfer{
			From:   m.EscrowAccount(),
			To:     m.FoundationAccount,
			Amount: foundationFee,
			Memo:   "foundation fee",
		})
	}
	if operationsFee > 0 {
		transfers = append(transfers, domain.Transfer{
			From:   m.EscrowAccount(),
			To:     m.OperationsAccount,
			Amount: operationsFee,
			Memo:   "operations fee",
		})
	}

	return Outcome{
		Transfers: transfers,
		Events: []domain.Event{e.event(m, domain.EventEntered, map[string]any{
			"participant": buyer.Hex(),
			"nullifier":   proof.NullifierHash.Hex(),
			"paid":        payment,
			"prize_pool":  m.PrizePool,
			"entries":     len(m.Participants),
		})},
	}, nil
}
