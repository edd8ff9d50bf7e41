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

const (
	foundationAcct = "fees:foundation"
	operationsAcct = "fees:operations"
)

var testScope = common.HexToHash("0x00000000000000000000000000000000000000000000000000000000000000aa")

type stubVerifier struct {
	err error
}

func (v stubVerifier) Verify(ctx context.Context, proof domain.IdentityProof) error {
	return v.err
}

type stubBeacon struct {
	height  uint64
	entropy common.Hash
}

func (b *stubBeacon) Entropy(ctx context.Context, minHeight uint64) (common.Hash, uint64, error) {
	if b.height < minHeight {
		return common.Hash{}, 0, domain.ErrTimeNotReached
	}
	return b.entropy, b.height, nil
}

func (b *stubBeacon) Height(ctx context.Context) (uint64, error) {
	return b.height, nil
}

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time {
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.now = c.now.Add(d)
}

// ledger is an in-memory escrow that applies outcome transfers the way the
// postgres store would, so tests can assert conservation.
type ledger map[string]uint64

func (l ledger) apply(t *testing.T, out Outcome) {
	t.Helper()
	for _, tr := range out.Transfers {
		if l[tr.From] < tr.Amount {
			t.Fatalf("transfer %q: %s has %d, needs %d", tr.Memo, tr.From, l[tr.From], tr.Amount)
		}
		l[tr.From] -= tr.Amount
		l[tr.To] += tr.Amount
	}
}

func addr(n byte) common.Address {
	var a common.Address
	a[19] = n
	return a
}

func nullifier(n byte) common.Hash {
	var h common.Hash
	h[31] = n
	return h
}

func newTestEngine(t *testing.T) (*Engine, *stubBeacon, *testClock) {
	t.Helper()
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	beacon := &stubBeacon{
		height:  100,
		entropy: common.HexToHash("0xbeac09beac09beac09beac09beac09beac09beac09beac09beac09beac09beac"),
	}
	params := DefaultParams(foundationAcct, operationsAcct)
	params.ExternalNullifier = testScope
	params.GroupID = 7
	return New(stubVerifier{}, beacon, params, clock.Now), beacon, clock
}

func proofFor(buyer common.Address, n common.Hash) domain.IdentityProof {
	return domain.IdentityProof{
		Root:                  common.HexToHash("0x01"),
		GroupID:               7,
		SignalHash:            crypto.SignalHash(buyer),
		NullifierHash:         n,
		ExternalNullifierHash: testScope,
		Proof:                 []byte{0x01, 0x02},
	}
}

// newLottery creates and opens a lottery: ticket 100, deposit 50, goal 950
// (ten net-95 entries), seller deposit 95.
func newLottery(t *testing.T, e *Engine, l ledger, clock *testClock) *domain.Market {
	t.Helper()
	seller := addr(0xee)
	l[domain.AccountFor(seller)] += 1_000_000
	m, out, err := e.CreateMarket(CreateParams{
		Seller:          seller,
		Type:            domain.MarketTypeLottery,
		TicketPrice:     100,
		DepositPerEntry: 50,
		GoalAmount:      950,
		EndTime:         clock.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create lottery: %v", err)
	}
	l.apply(t, out)
	out, err = e.Open(m, seller)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l.apply(t, out)
	return m
}

func newRaffle(t *testing.T, e *Engine, l ledger, clock *testClock, prepared int, precommit *common.Hash) *domain.Market {
	t.Helper()
	seller := addr(0xee)
	l[domain.AccountFor(seller)] += 1_000_000
	m, out, err := e.CreateMarket(CreateParams{
		Seller:             seller,
		Type:               domain.MarketTypeRaffle,
		TicketPrice:        100,
		DepositPerEntry:    50,
		GoalAmount:         1000,
		PreparedQuantity:   prepared,
		EndTime:            clock.Now().Add(time.Hour),
		PrecommitNullifier: precommit,
	})
	if err != nil {
		t.Fatalf("create raffle: %v", err)
	}
	l.apply(t, out)
	out, err = e.Open(m, seller)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	l.apply(t, out)
	return m
}

func enter(t *testing.T, e *Engine, l ledger, m *domain.Market, buyer common.Address, n common.Hash) {
	t.Helper()
	l[domain.AccountFor(buyer)] += m.TicketPrice + m.DepositPerEntry
	out, err := e.Enter(context.Background(), m, buyer, proofFor(buyer, n), m.TicketPrice+m.DepositPerEntry)
	if err != nil {
		t.Fatalf("enter %s: %v", buyer.Hex(), err)
	}
	l.apply(t, out)
}

// checkConservation asserts the core custody invariant: what the market
// still owes never exceeds what its escrow account actually holds.
func checkConservation(t *testing.T, l ledger, m *domain.Market) {
	t.Helper()
	owed := m.PrizePool + m.SellerDeposit + m.UnclaimedDeposits()
	if bal := l[m.EscrowAccount()]; owed > bal {
		t.Fatalf("conservation violated: owed %d > escrow balance %d", owed, bal)
	}
}

func TestCreateMarketValidation(t *testing.T) {
	e, _, clock := newTestEngine(t)
	base := CreateParams{
		Seller:      addr(1),
		Type:        domain.MarketTypeLottery,
		TicketPrice: 100,
		GoalAmount:  1000,
		EndTime:     clock.Now().Add(time.Hour),
	}

	cases := []struct {
		name   string
		mutate func(*CreateParams)
		want   error
	}{
		{"bad type", func(p *CreateParams) { p.Type = "auction" }, domain.ErrInvalidTargetEntries},
		{"zero ticket", func(p *CreateParams) { p.TicketPrice = 0 }, domain.ErrInvalidTargetEntries},
		{"zero goal", func(p *CreateParams) { p.GoalAmount = 0 }, domain.ErrInvalidTargetEntries},
		{"raffle without prizes", func(p *CreateParams) {
			p.Type = domain.MarketTypeRaffle
			p.PreparedQuantity = 0
		}, domain.ErrInvalidTargetEntries},
		{"deadline in the past", func(p *CreateParams) { p.EndTime = clock.Now().Add(-time.Minute) }, domain.ErrTimeExpired},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			p := base
			tc.mutate(&p)
			if _, _, err := e.CreateMarket(p); !errors.Is(err, tc.want) {
				t.Fatalf("got %v, want %v", err, tc.want)
			}
		})
	}
}

func TestCreateLocksSellerDeposit(t *testing.T) {
	e, _, clock := newTestEngine(t)
	l := ledger{}
	m := newLottery(t, e, l, clock)

	if m.SellerDeposit != 95 {
		t.Fatalf("seller deposit = %d, want 95 (10%% of 950)", m.SellerDeposit)
	}
	if l[m.EscrowAccount()] != 95 {
		t.Fatalf("escrow balance = %d, want 95", l[m.EscrowAccount()])
	}
	if m.Status != domain.MarketStatusOpen {
		t.Fatalf("status = %s", m.Status)
	}
}

func TestOpenGuards(t *testing.T) {
	e, _, clock := newTestEngine(t)
	l := ledger{}
	m := newLottery(t, e, l, clock)

	// Already OPEN: re-opening must fail with InvalidState.
	if _, err := e.Open(m, m.Seller); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("reopen: got %v, want invalid state", err)
	}

	m2, _, err := e.CreateMarket(CreateParams{
		Seller:      addr(2),
		Type:        domain.MarketTypeLottery,
		TicketPrice: 10,
		GoalAmount:  100,
		EndTime:     clock.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatal(err)
	}
	if _, err := e.Open(m2, addr(3)); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("non-seller open: got %v, want unauthorized", err)
	}
}

func TestEnterFeeSplit(t *testing.T) {
	e, _, clock := newTestEngine(t)
	l := ledger{}
	m := newLottery(t, e, l, clock)

	enter(t, e, l, m, addr(1), nullifier(1))

	// T=100: foundation floor(3T/100)=3, operations floor(2T/100)=2,
	// pool gains T-5=95, deposit 50 stays escrowed.
	if l[foundationAcct] != 3 {
		t.Fatalf("foundation = %d, want 3", l[foundationAcct])
	}
	if l[operationsAcct] != 2 {
		t.Fatalf("operations = %d, want 2", l[operationsAcct])
	}
	if m.PrizePool != 95 {
		t.Fatalf("prize pool = %d, want 95", m.PrizePool)
	}
	if got := l[m.EscrowAccount()]; got != 95+95+50 {
		t.Fatalf("escrow = %d, want 240", got)
	}
	checkConservation(t, l, m)
}

func TestEnterGuards(t *testing.T) {
	e, _, clock := newTestEngine(t)
	l := ledger{}
	m := newLottery(t, e, l, clock)
	ctx := context.Background()
	pay := m.TicketPrice + m.DepositPerEntry

	if _, err := e.Enter(ctx, m, addr(1), proofFor(addr(1), nullifier(1)), pay-1); !errors.Is(err, domain.ErrInsufficientFunds) {
		t.Fatalf("short payment: got %v", err)
	}
	if _, err := e.Enter(ctx, m, m.Seller, proofFor(m.Seller, nullifier(1)), pay); !errors.Is(err, domain.ErrUnauthorized) {
		t.Fatalf("seller entry: got %v", err)
	}
	if _, err := e.Enter(ctx, m, addr(1), proofFor(addr(2), nullifier(1)), pay); !errors.Is(err, domain.ErrVerificationFailed) {
		t.Fatalf("signal mismatch: got %v", err)
	}
	badScope := proofFor(addr(1), nullifier(1))
	badScope.ExternalNullifierHash = common.HexToHash("0xdead")
	if _, err := e.Enter(ctx, m, addr(1), badScope, pay); !errors.Is(err, domain.ErrVerificationFailed) {
		t.Fatalf("scope mismatch: got %v", err)
	}

	rejecting := New(stubVerifier{err: domain.ErrVerificationFailed}, &stubBeacon{height: 100}, e.Params(), clock.Now)
	if _, err := rejecting.Enter(ctx, m, addr(1), proofFor(addr(1), nullifier(1)), pay); !errors.Is(err, domain.ErrVerificationFailed) {
		t.Fatalf("verifier reject: got %v", err)
	}
	if len(m.Participants) != 0 {
		t.Fatalf("failed entries must leave no participants, got %d", len(m.Participants))
	}

	clock.Advance(2 * time.Hour)
	if _, err := e.Enter(ctx, m, addr(1), proofFor(addr(1), nullifier(1)), pay); !errors.Is(err, domain.ErrTimeExpired) {
		t.Fatalf("late entry: got %v", err)
	}
}

func TestNullifierReuseRejectedAcrossWallets(t *testing.T) {
	e, _, clock := newTestEngine(t)
	l := ledger{}
	m := newLottery(t, e, l, clock)

	enter(t, e, l, m, addr(1), nullifier(42))

	// Same nullifier from a different wallet: one identity, many wallets.
	pay := m.TicketPrice + m.DepositPerEntry
	if _, err := e.Enter(context.Background(), m, addr(2), proofFor(addr(2), nullifier(42)), pay); !errors.Is(err, domain.ErrAlreadyParticipated) {
		t.Fatalf("got %v, want already participated", err)
	}
	// Same wallet again with the same nullifier.
	if _, err := e.Enter(context.Background(), m, addr(1), proofFor(addr(1), nullifier(42)), pay); !errors.Is(err, domain.ErrAlreadyParticipated) {
		t.Fatalf("got %v, want already participated", err)
	}
	// A distinct nullifier still enters fine.
	enter(t, e, l, m, addr(2), nullifier(43))
	if len(m.Participants) != 2 {
		t.Fatalf("participants = %d, want 2", len(m.Participants))
	}
}

func TestNullifierSumFoldsAllEntrants(t *testing.T) {
	e, _, clock := newTestEngine(t)
	l := ledger{}
	m := newLottery(t, e, l, clock)

	enter(t, e, l, m, addr(1), nullifier(0x0f))
	enter(t, e, l, m, addr(2), nullifier(0xf0))

	want := crypto.XORHash(nullifier(0x0f), nullifier(0xf0))
	if m.NullifierSum != want {
		t.Fatalf("nullifier sum = %s, want %s", m.NullifierSum.Hex(), want.Hex())
	}
}

func TestLotteryFullLifecycle(t *testing.T) {
	e, beacon, clock := newTestEngine(t)
	l := ledger{}
	m := newLottery(t, e, l, clock)

	for i := byte(1); i <= 10; i++ {
		enter(t, e, l, m, addr(i), nullifier(i))
		checkConservation(t, l, m)
	}
	if m.PrizePool != 950 {
		t.Fatalf("pool = %d, want 950", m.PrizePool)
	}

	// Goal met: close is allowed before the deadline.
	out, err := e.CloseEntries(context.Background(), m)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	l.apply(t, out)
	if m.Status != domain.MarketStatusClosed {
		t.Fatalf("status = %s, want closed", m.Status)
	}

	secret := []byte("winter raffle secret")
	out, err = e.Commit(context.Background(), m, m.Seller, crypto.Commit(secret))
	if err != nil {
		t.Fatalf("commit: %v", err)
	}
	l.apply(t, out)
	if m.SnapshotBlock != 100 {
		t.Fatalf("snapshot block = %d", m.SnapshotBlock)
	}

	// Reveal is block-gated: too early fails deterministically.
	if _, err := e.Reveal(context.Background(), m, m.Seller, secret); !errors.Is(err, domain.ErrTimeNotReached) {
		t.Fatalf("early reveal: got %v", err)
	}
	beacon.height = m.SnapshotBlock + e.Params().RevealMinWait

	if _, err := e.Reveal(context.Background(), m, m.Seller, []byte("wrong")); !errors.Is(err, domain.ErrVerificationFailed) {
		t.Fatalf("wrong preimage: got %v", err)
	}

	out, err = e.Reveal(context.Background(), m, m.Seller, secret)
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	l.apply(t, out)
	if m.Status != domain.MarketStatusRevealed || !m.SecretRevealed {
		t.Fatalf("status = %s, revealed = %v", m.Status, m.SecretRevealed)
	}
	if len(m.Winners) != 1 {
		t.Fatalf("winners = %d, want 1", len(m.Winners))
	}
	winner := m.Winners[0]
	if p := m.ParticipantByAddress(winner); p == nil || !p.Winner {
		t.Fatalf("winner flag not set for %s", winner.Hex())
	}

	// Re-reveal must be impossible once the secret is out.
	if _, err := e.Reveal(context.Background(), m, m.Seller, secret); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("re-reveal: got %v", err)
	}

	winnerBefore := l[domain.AccountFor(winner)]
	out, err = e.Settle(m)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	l.apply(t, out)
	if m.Status != domain.MarketStatusCompleted {
		t.Fatalf("status = %s, want completed", m.Status)
	}
	// 95% of 950 = 902 (truncated), remainder 48 to operations.
	if got := l[domain.AccountFor(winner)] - winnerBefore; got != 902 {
		t.Fatalf("winner prize = %d, want 902", got)
	}
	if m.PrizePool != 0 || m.SellerDeposit != 0 {
		t.Fatalf("balances not zeroed: pool=%d deposit=%d", m.PrizePool, m.SellerDeposit)
	}
	if _, err := e.Settle(m); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("double settle: got %v", err)
	}
	checkConservation(t, l, m)

	// Everyone reclaims their fixed deposit; escrow drains to zero.
	for i := byte(1); i <= 10; i++ {
		out, err := e.ClaimRefund(m, addr(i))
		if err != nil {
			t.Fatalf("claim %d: %v", i, err)
		}
		l.apply(t, out)
		checkConservation(t, l, m)
	}
	if bal := l[m.EscrowAccount()]; bal != 0 {
		t.Fatalf("terminal escrow balance = %d, want 0", bal)
	}
}

func TestLotteryGoalMissFails(t *testing.T) {
	e, _, clock := newTestEngine(t)
	l := ledger{}
	m := newLottery(t, e, l, clock)
	seller := m.Seller

	enter(t, e, l, m, addr(1), nullifier(1))
	enter(t, e, l, m, addr(2), nullifier(2))

	// Before the deadline with the goal unmet, close is a temporal-gate
	// violation, not a failure.
	if _, err := e.CloseEntries(context.Background(), m); !errors.Is(err, domain.ErrTimeNotReached) {
		t.Fatalf("early close: got %v", err)
	}

	sellerBefore := l[domain.AccountFor(seller)]
	clock.Advance(2 * time.Hour)
	out, err := e.CloseEntries(context.Background(), m)
	if err != nil {
		t.Fatalf("close: %v", err)
	}
	l.apply(t, out)

	if m.Status != domain.MarketStatusFailed {
		t.Fatalf("status = %s, want failed", m.Status)
	}
	// Full deposit back, no slash on an honest goal miss.
	if got := l[domain.AccountFor(seller)] - sellerBefore; got != 95 {
		t.Fatalf("seller got %d back, want 95", got)
	}
	// Pool 190 over 2 participants: 95 each.
	if m.RefundPoolShare != 95 {
		t.Fatalf("refund pool share = %d, want 95", m.RefundPoolShare)
	}

	for _, a := range []common.Address{addr(1), addr(2)} {
		before := l[domain.AccountFor(a)]
		out, err := e.ClaimRefund(m, a)
		if err != nil {
			t.Fatalf("claim: %v", err)
		}
		l.apply(t, out)
		if got := l[domain.AccountFor(a)] - before; got != 50+95 {
			t.Fatalf("refund = %d, want 145", got)
		}
	}
	if bal := l[m.EscrowAccount()]; bal != 0 {
		t.Fatalf("terminal escrow = %d, want 0", bal)
	}
}

func TestDisallowedTransitionsLeaveStateUntouched(t *testing.T) {
	e, _, clock := newTestEngine(t)
	l := ledger{}
	m := newLottery(t, e, l, clock)
	enter(t, e, l, m, addr(1), nullifier(1))

	snapshot := *m
	ctx := context.Background()

	ops := []struct {
		name string
		call func() error
	}{
		{"commit while open", func() error {
			_, err := e.Commit(ctx, m, m.Seller, crypto.Commit([]byte("s")))
			return err
		}},
		{"reveal while open", func() error {
			_, err := e.Reveal(ctx, m, m.Seller, []byte("s"))
			return err
		}},
		{"settle while open", func() error {
			_, err := e.Settle(m)
			return err
		}},
		{"timeout while open", func() error {
			_, err := e.CancelByTimeout(ctx, m)
			return err
		}},
		{"claim while open", func() error {
			_, err := e.ClaimRefund(m, addr(1))
			return err
		}},
	}
	for _, op := range ops {
		t.Run(op.name, func(t *testing.T) {
			err := op.call()
			if !errors.Is(err, domain.ErrInvalidState) {
				t.Fatalf("got %v, want invalid state", err)
			}
			var ise *domain.InvalidStateError
			if errors.As(err, &ise) && ise.Current != domain.MarketStatusOpen {
				t.Fatalf("reported current = %s, want open", ise.Current)
			}
			if m.Status != snapshot.Status || m.PrizePool != snapshot.PrizePool ||
				m.SellerDeposit != snapshot.SellerDeposit || len(m.Participants) != len(snapshot.Participants) {
				t.Fatal("state mutated by a refused transition")
			}
		})
	}
}

func TestGuardRefusesReentry(t *testing.T) {
	g := NewGuard()
	release, err := g.Enter("m1")
	if err != nil {
		t.Fatalf("first enter: %v", err)
	}
	if _, err := g.Enter("m1"); !errors.Is(err, domain.ErrReentrantCall) {
		t.Fatalf("reentry: got %v, want reentrant call", err)
	}
	if _, err := g.Enter("m2"); err != nil {
		t.Fatalf("other market must not be latched: %v", err)
	}
	release()
	release() // releasing twice is a no-op
	if _, err := g.Enter("m1"); err != nil {
		t.Fatalf("after release: %v", err)
	}
}
