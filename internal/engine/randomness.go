package engine

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wafflebay/marketd/internal/crypto"
	"github.com/wafflebay/marketd/internal/domain"
)

// Commit records the seller's post-close commitment (Variant B) and anchors
// the reveal window to the current chain height. The commitment is
// immutable once set; Variant A markets, which carry a commitment from
// creation, cannot commit again.
func (e *Engine) Commit(ctx context.Context, m *domain.Market, caller common.Address, commitment common.Hash) (Outcome, error) {
	if err := requireStatus(m, domain.MarketStatusClosed); err != nil {
		return Outcome{}, err
	}
	if caller != m.Seller {
		return Outcome{}, domain.ErrUnauthorized
	}
	if m.Precommitted || m.Commitment != (common.Hash{}) {
		return Outcome{}, domain.NewInvalidState(m.Status, domain.MarketStatusClosed)
	}
	if commitment == (common.Hash{}) {
		return Outcome{}, domain.ErrVerificationFailed
	}
	if m.ClosedAt != nil && e.now().After(m.ClosedAt.Add(e.params.CommitTimeout)) {
		return Outcome{}, domain.ErrTimeExpired
	}

	height, err := e.entropy.Height(ctx)
	if err != nil {
		return Outcome{}, fmt.Errorf("engine: commit snapshot height: %w", err)
	}

	m.Commitment = commitment
	m.SnapshotBlock = height
	m.Status = domain.MarketStatusCommitted
	m.UpdatedAt = e.now()

	return Outcome{
		Events: []domain.Event{e.event(m, domain.EventCommitted, map[string]any{
			"commitment":     commitment.Hex(),
			"snapshot_block": height,
		})},
	}, nil
}

// Reveal verifies the commitment preimage, captures beacon entropy at or
// after the eligible height, derives the draw seed, and selects winners.
//
// The seed folds three contributions: block entropy nobody controlled at
// commit time, the secret only the seller knew until now, and the XOR of
// all participant nullifiers. The seller could not know the first two at
// commit time and no single entrant controls the third.
func (e *Engine) Reveal(ctx context.Context, m *domain.Market, caller common.Address, secret []byte) (Outcome, error) {
	if m.Precommitted {
		if err := requireStatus(m, domain.MarketStatusClosed, domain.MarketStatusCommitted); err != nil {
			return Outcome{}, err
		}
	} else {
		if err := requireStatus(m, domain.MarketStatusCommitted); err != nil {
			return Outcome{}, err
		}
	}
	if caller != m.Seller {
		return Outcome{}, domain.ErrUnauthorized
	}
	if m.SecretRevealed {
		return Outcome{}, domain.ErrVerificationFailed
	}
	if len(m.Participants) == 0 {
		return Outcome{}, domain.ErrNoParticipants
	}

	if m.Precommitted {
		if !crypto.VerifyPrecommitReveal(m.Commitment, common.BytesToHash(secret), m.ID) {
			return Outcome{}, fmt.Errorf("engine: precommit preimage mismatch: %w", domain.ErrVerificationFailed)
		}
	} else {
		if !crypto.VerifyReveal(m.Commitment, secret) {
			return Outcome{}, fmt.Errorf("engine: commitment preimage mismatch: %w", domain.ErrVerificationFailed)
		}
	}

	eligible := m.SnapshotBlock + e.params.RevealMinWait
	blockEntropy, height, err := e.entropy.Entropy(ctx, eligible)
	if err != nil {
		return Outcome{}, fmt.Errorf("engine: beacon entropy: %w", err)
	}
	if height > eligible+e.params.RevealWindow {
		// Reveal window elapsed; only the timeout path remains.
		return Outcome{}, domain.ErrTimeExpired
	}

	m.Seed = crypto.DeriveSeed(blockEntropy, secret, m.NullifierSum)
	m.SecretRevealed = true

	winnerCount := 1
	if m.Type == domain.MarketTypeRaffle {
		winnerCount = m.PreparedQuantity
		if winnerCount > len(m.Participants) {
			winnerCount = len(m.Participants)
		}
	}

	pool := make([]common.Address, len(m.Participants))
	for i := range m.Participants {
		pool[i] = m.Participants[i].Address
	}
	m.Winners = drawWinners(m.Seed, pool, winnerCount)
	for _, w := range m.Winners {
		if p := m.ParticipantByAddress(w); p != nil {
			p.Winner = true
		}
	}

	now := e.now()
	m.Status = domain.MarketStatusRevealed
	m.RevealedAt = &now
	m.UpdatedAt = now

	winners := make([]string, len(m.Winners))
	for i, w := range m.Winners {
		winners[i] = w.Hex()
	}
	return Outcome{
		Events: []domain.Event{
			e.event(m, domain.EventRevealed, map[string]any{
				"seed":           m.Seed.Hex(),
				"entropy_height": height,
			}),
			e.event(m, domain.EventWinnersDrawn, map[string]any{
				"winners": winners,
			}),
		},
	}, nil
}

// CancelByTimeout fails a market whose seller never completed the
// commit-reveal in time. The seller forfeits the configured fraction of
// their deposit to operations; the deliberate economic penalty for
// withholding an unfavorable draw.
//
// A CLOSED Variant B market times out on the wall clock (commit window); a
// committed or precommitted market times out in blocks (reveal window).
func (e *Engine) CancelByTimeout(ctx context.Context, m *domain.Market) (Outcome, error) {
	if err := requireStatus(m, domain.MarketStatusClosed, domain.MarketStatusCommitted); err != nil {
		return Outcome{}, err
	}

	blockGated := m.Status == domain.MarketStatusCommitted || m.Precommitted
	if blockGated {
		height, err := e.entropy.Height(ctx)
		if err != nil {
			return Outcome{}, fmt.Errorf("engine: timeout height: %w", err)
		}
		deadline := m.SnapshotBlock + e.params.RevealMinWait + e.params.RevealWindow
		if height <= deadline {
			return Outcome{}, domain.ErrTimeNotReached
		}
	} else {
		if m.ClosedAt == nil || !e.now().After(m.ClosedAt.Add(e.params.CommitTimeout)) {
			return Outcome{}, domain.ErrTimeNotReached
		}
	}

	return e.failMarket(m, "reveal timeout", true)
}
