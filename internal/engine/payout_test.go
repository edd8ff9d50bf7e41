package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wafflebay/marketd/internal/crypto"
	"github.com/wafflebay/marketd/internal/domain"
)

func TestRaffleAllWinShortcut(t *testing.T) {
	e, _, clock := newTestEngine(t)
	l := ledger{}
	m := newRaffle(t, e, l, clock, 2, nil)

	enter(t, e, l, m, addr(1), nullifier(1))

	clock.Advance(2 * time.Hour)
	out, err := e.CloseEntries(context.Background(), m)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	l.apply(t, out)

	// One entrant, two prizes: no scarcity, straight to REVEALED with no
	// commit-reveal round.
	if m.Status != domain.MarketStatusRevealed {
		t.Fatalf("status = %s, want revealed", m.Status)
	}
	if m.SecretRevealed {
		t.Fatal("all-win shortcut must not consume a reveal")
	}
	if len(m.Winners) != 1 || m.Winners[0] != addr(1) {
		t.Fatalf("winners = %v, want [%s]", m.Winners, addr(1).Hex())
	}
	if p := m.ParticipantByAddress(addr(1)); p == nil || !p.Winner {
		t.Fatal("entrant not flagged as winner")
	}
}

func TestRaffleContentionDraw(t *testing.T) {
	e, beacon, clock := newTestEngine(t)
	l := ledger{}
	m := newRaffle(t, e, l, clock, 1, nil)

	enter(t, e, l, m, addr(1), common.HexToHash("0x6f")) // 111
	enter(t, e, l, m, addr(2), common.HexToHash("0xde")) // 222

	clock.Advance(2 * time.Hour)
	out, err := e.CloseEntries(context.Background(), m)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	l.apply(t, out)
	if m.Status != domain.MarketStatusClosed {
		t.Fatalf("status = %s, want closed (contention)", m.Status)
	}

	secret := []byte("raffle secret")
	out, err = e.Commit(context.Background(), m, m.Seller, crypto.Commit(secret))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	l.apply(t, out)

	beacon.height = m.SnapshotBlock + e.Params().RevealMinWait
	out, err = e.Reveal(context.Background(), m, m.Seller, secret)
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	l.apply(t, out)

	if len(m.Winners) != 1 {
		t.Fatalf("winners = %d, want exactly 1", len(m.Winners))
	}
	if m.Winners[0] != addr(1) && m.Winners[0] != addr(2) {
		t.Fatalf("winner %s is not an entrant", m.Winners[0].Hex())
	}
}

func TestRaffleSettlePaysSeller(t *testing.T) {
	e, _, clock := newTestEngine(t)
	l := ledger{}
	m := newRaffle(t, e, l, clock, 3, nil)
	seller := m.Seller

	for i := byte(1); i <= 3; i++ {
		enter(t, e, l, m, addr(i), nullifier(i))
	}
	clock.Advance(2 * time.Hour)
	out, err := e.CloseEntries(context.Background(), m)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	l.apply(t, out)

	pool := m.PrizePool
	deposit := m.SellerDeposit
	sellerBefore := l[domain.AccountFor(seller)]

	out, err = e.Settle(m)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	l.apply(t, out)

	// Raffle proceeds and collateral both go to the seller; entrants hold
	// claims on their fixed deposits only.
	if got := l[domain.AccountFor(seller)] - sellerBefore; got != pool+deposit {
		t.Fatalf("seller received %d, want %d", got, pool+deposit)
	}
	for i := byte(1); i <= 3; i++ {
		before := l[domain.AccountFor(addr(i))]
		out, err := e.ClaimRefund(m, addr(i))
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		l.apply(t, out)
		if got := l[domain.AccountFor(addr(i))] - before; got != 50 {
			t.Fatalf("completed-market refund = %d, want deposit 50", got)
		}
	}
	if bal := l[m.EscrowAccount()]; bal != 0 {
		t.Fatalf("terminal escrow = %d, want 0", bal)
	}
}

func TestRevealTimeoutSlashesSeller(t *testing.T) {
	e, beacon, clock := newTestEngine(t)
	l := ledger{}
	m := newRaffle(t, e, l, clock, 1, nil)
	seller := m.Seller

	enter(t, e, l, m, addr(1), nullifier(1))
	enter(t, e, l, m, addr(2), nullifier(2))

	clock.Advance(2 * time.Hour)
	out, err := e.CloseEntries(context.Background(), m)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	l.apply(t, out)

	secret := []byte("never revealed")
	out, err = e.Commit(context.Background(), m, m.Seller, crypto.Commit(secret))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	l.apply(t, out)

	// Inside the window the timeout is premature.
	if _, err := e.CancelByTimeout(context.Background(), m); !errors.Is(err, domain.ErrTimeNotReached) {
		t.Fatalf("early timeout: got %v", err)
	}

	deposit := m.SellerDeposit
	opsBefore := l[operationsAcct]
	sellerBefore := l[domain.AccountFor(seller)]

	beacon.height = m.SnapshotBlock + e.Params().RevealMinWait + e.Params().RevealWindow + 1
	out, err = e.CancelByTimeout(context.Background(), m)
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}
	l.apply(t, out)

	if m.Status != domain.MarketStatusFailed {
		t.Fatalf("status = %s, want failed", m.Status)
	}
	half := deposit / 2
	if got := l[operationsAcct] - opsBefore; got != half {
		t.Fatalf("operations slash = %d, want %d", got, half)
	}
	if got := l[domain.AccountFor(seller)] - sellerBefore; got != deposit-half {
		t.Fatalf("seller remainder = %d, want %d", got, deposit-half)
	}

	// The economic-penalty check for a withholding seller: the slash must
	// be strictly positive whenever collateral was posted.
	if deposit > 0 && half == 0 {
		t.Fatal("withholding seller paid no penalty")
	}

	// Reveal after timeout-failure is a dead end.
	if _, err := e.Reveal(context.Background(), m, m.Seller, secret); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("reveal after fail: got %v", err)
	}
}

func TestCommitWindowTimeoutWithoutCommit(t *testing.T) {
	e, _, clock := newTestEngine(t)
	l := ledger{}
	m := newRaffle(t, e, l, clock, 1, nil)
	enter(t, e, l, m, addr(1), nullifier(1))
	enter(t, e, l, m, addr(2), nullifier(2))

	clock.Advance(2 * time.Hour)
	out, err := e.CloseEntries(context.Background(), m)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	l.apply(t, out)

	// Seller never commits; wall-clock commit window applies.
	if _, err := e.CancelByTimeout(context.Background(), m); !errors.Is(err, domain.ErrTimeNotReached) {
		t.Fatalf("inside commit window: got %v", err)
	}
	clock.Advance(e.Params().CommitTimeout + time.Minute)
	if _, err := e.Commit(context.Background(), m, m.Seller, crypto.Commit([]byte("late"))); !errors.Is(err, domain.ErrTimeExpired) {
		t.Fatalf("late commit: got %v", err)
	}
	out, err = e.CancelByTimeout(context.Background(), m)
	if err != nil {
		t.Fatalf("timeout: %v", err)
	}
	l.apply(t, out)
	if m.Status != domain.MarketStatusFailed {
		t.Fatalf("status = %s, want failed", m.Status)
	}
}

func TestRefundClaimsDrainFailedMarket(t *testing.T) {
	e, _, clock := newTestEngine(t)
	l := ledger{}
	m := newLottery(t, e, l, clock)

	for i := byte(1); i <= 7; i++ {
		enter(t, e, l, m, addr(i), nullifier(i))
	}
	clock.Advance(2 * time.Hour)
	out, err := e.CloseEntries(context.Background(), m)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	l.apply(t, out)
	if m.Status != domain.MarketStatusFailed {
		t.Fatalf("status = %s, want failed (pool 665 < goal 950)", m.Status)
	}
	if m.RefundPoolShare != 95 {
		t.Fatalf("share = %d, want 95", m.RefundPoolShare)
	}

	for i := byte(1); i <= 7; i++ {
		out, err := e.ClaimRefund(m, addr(i))
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		l.apply(t, out)
		checkConservation(t, l, m)
	}
	if bal := l[m.EscrowAccount()]; bal != 0 {
		t.Fatalf("terminal escrow = %d, want 0", bal)
	}

	// One-shot: a second claim must fail.
	if _, err := e.ClaimRefund(m, addr(1)); !errors.Is(err, domain.ErrAlreadyExists) {
		t.Fatalf("double claim: got %v", err)
	}
	// A stranger has nothing to claim.
	if _, err := e.ClaimRefund(m, addr(99)); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("stranger claim: got %v", err)
	}
}

func TestRefundDustSweptToOperations(t *testing.T) {
	e, _, clock := newTestEngine(t)
	_ = clock

	// A failed market whose pool does not divide evenly: 100 over 3
	// participants leaves share 33 and dust 1.
	m := &domain.Market{
		ID:                "dusty",
		Type:              domain.MarketTypeLottery,
		Status:            domain.MarketStatusFailed,
		PrizePool:         100,
		RefundPoolShare:   33,
		OperationsAccount: operationsAcct,
	}
	for i := byte(1); i <= 3; i++ {
		m.Participants = append(m.Participants, domain.Participant{
			Address:       addr(i),
			Nullifier:     nullifier(i),
			DepositAmount: 50,
		})
	}
	l := ledger{m.EscrowAccount(): 100 + 3*50}

	for i := byte(1); i <= 3; i++ {
		before := l[domain.AccountFor(addr(i))]
		out, err := e.ClaimRefund(m, addr(i))
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		l.apply(t, out)
		if got := l[domain.AccountFor(addr(i))] - before; got != 50+33 {
			t.Fatalf("refund = %d, want 83", got)
		}
	}
	if l[operationsAcct] != 1 {
		t.Fatalf("dust swept = %d, want 1", l[operationsAcct])
	}
	if bal := l[m.EscrowAccount()]; bal != 0 {
		t.Fatalf("terminal escrow = %d, want 0", bal)
	}
	if m.PrizePool != 0 {
		t.Fatalf("pool = %d, want 0", m.PrizePool)
	}
}

func TestPrecommittedMarketRevealsFromClosed(t *testing.T) {
	e, beacon, clock := newTestEngine(t)
	l := ledger{}

	secretNullifier := common.HexToHash("0x5ec7e7")
	m := newRaffle(t, e, l, clock, 1, &secretNullifier)
	if !m.Precommitted || m.Commitment == (common.Hash{}) {
		t.Fatal("creation did not fix the commitment")
	}
	fixed := m.Commitment

	enter(t, e, l, m, addr(1), nullifier(1))
	enter(t, e, l, m, addr(2), nullifier(2))

	clock.Advance(2 * time.Hour)
	out, err := e.CloseEntries(context.Background(), m)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	l.apply(t, out)
	if m.SnapshotBlock != 100 {
		t.Fatalf("snapshot block = %d, want close height", m.SnapshotBlock)
	}

	// Variant A markets never take a second commitment.
	if _, err := e.Commit(context.Background(), m, m.Seller, crypto.Commit([]byte("x"))); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("re-commit: got %v", err)
	}
	if m.Commitment != fixed {
		t.Fatal("commitment mutated")
	}

	beacon.height = m.SnapshotBlock + e.Params().RevealMinWait
	out, err = e.Reveal(context.Background(), m, m.Seller, secretNullifier.Bytes())
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	l.apply(t, out)
	if m.Status != domain.MarketStatusRevealed || len(m.Winners) != 1 {
		t.Fatalf("status=%s winners=%d", m.Status, len(m.Winners))
	}
}

func TestUpdateFoundationRedirectsFutureFees(t *testing.T) {
	e, _, clock := newTestEngine(t)
	l := ledger{}
	m := newLottery(t, e, l, clock)

	enter(t, e, l, m, addr(1), nullifier(1))
	if l[foundationAcct] != 3 {
		t.Fatalf("foundation = %d, want 3", l[foundationAcct])
	}

	out, err := e.UpdateFoundation(m, "fees:foundation-v2")
	if err != nil {
		t.Fatalf("update foundation: %v", err)
	}
	l.apply(t, out)

	enter(t, e, l, m, addr(2), nullifier(2))
	if l["fees:foundation-v2"] != 3 {
		t.Fatalf("new foundation = %d, want 3", l["fees:foundation-v2"])
	}
	if l[foundationAcct] != 3 {
		t.Fatalf("old foundation = %d, want unchanged 3", l[foundationAcct])
	}
}
