package service

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wafflebay/marketd/internal/crypto"
	"github.com/wafflebay/marketd/internal/domain"
	"github.com/wafflebay/marketd/internal/engine"
)

// ---------------------------------------------------------------------------
// in-memory fakes
// ---------------------------------------------------------------------------

type memStore struct {
	mu       sync.Mutex
	markets  map[string]*domain.Market
	balances map[string]uint64
	events   []domain.Event
}

func newMemStore() *memStore {
	return &memStore{
		markets:  make(map[string]*domain.Market),
		balances: make(map[string]uint64),
	}
}

func cloneMarket(m *domain.Market) *domain.Market {
	data, _ := json.Marshal(m)
	var out domain.Market
	_ = json.Unmarshal(data, &out)
	return &out
}

func (s *memStore) Get(_ context.Context, id string) (*domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.markets[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneMarket(m), nil
}

func (s *memStore) Apply(_ context.Context, m *domain.Market, transfers []domain.Transfer, events []domain.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range transfers {
		if s.balances[t.From] < t.Amount {
			return fmt.Errorf("memstore: debit %s: %w", t.From, domain.ErrTransferFailed)
		}
		s.balances[t.From] -= t.Amount
		s.balances[t.To] += t.Amount
	}
	s.markets[m.ID] = cloneMarket(m)
	s.events = append(s.events, events...)
	return nil
}

func (s *memStore) List(_ context.Context, opts domain.ListOpts) ([]*domain.Market, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Market
	for _, m := range s.markets {
		if opts.Status != "" && m.Status != opts.Status {
			continue
		}
		out = append(out, cloneMarket(m))
	}
	return out, nil
}

func (s *memStore) ListExpiredOpen(_ context.Context, now time.Time) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, m := range s.markets {
		if m.Status == domain.MarketStatusOpen && !m.EndTime.After(now) {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memStore) ListAwaitingReveal(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	for id, m := range s.markets {
		if m.Status == domain.MarketStatusClosed || m.Status == domain.MarketStatusCommitted {
			ids = append(ids, id)
		}
	}
	return ids, nil
}

func (s *memStore) Count(context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.markets)), nil
}

func (s *memStore) Balance(_ context.Context, account string) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.balances[account], nil
}

func (s *memStore) Deposit(_ context.Context, account string, amount uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.balances[account] += amount
	return nil
}

type memCache struct {
	mu      sync.Mutex
	entries map[string]*domain.Market
	sets    int
}

func newMemCache() *memCache {
	return &memCache{entries: make(map[string]*domain.Market)}
}

func (c *memCache) Get(_ context.Context, id string) (*domain.Market, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	m, ok := c.entries[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	return cloneMarket(m), nil
}

func (c *memCache) Set(_ context.Context, m *domain.Market) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[m.ID] = cloneMarket(m)
	c.sets++
	return nil
}

func (c *memCache) Invalidate(_ context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
	return nil
}

type memLocks struct {
	mu   sync.Mutex
	held map[string]bool
	deny bool
}

func newMemLocks() *memLocks {
	return &memLocks{held: make(map[string]bool)}
}

func (l *memLocks) Acquire(_ context.Context, key string, _ time.Duration) (func(), error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deny || l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.held, key)
	}, nil
}

type memBus struct {
	mu        sync.Mutex
	published map[string][][]byte
	streams   map[string][][]byte
}

func newMemBus() *memBus {
	return &memBus{
		published: make(map[string][][]byte),
		streams:   make(map[string][][]byte),
	}
}

func (b *memBus) Publish(_ context.Context, channel string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published[channel] = append(b.published[channel], payload)
	return nil
}

func (b *memBus) Subscribe(context.Context, string) (<-chan []byte, error) {
	ch := make(chan []byte)
	close(ch)
	return ch, nil
}

func (b *memBus) StreamAppend(_ context.Context, stream string, payload []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.streams[stream] = append(b.streams[stream], payload)
	return nil
}

func (b *memBus) StreamRead(_ context.Context, stream, _ string, count int) ([]domain.StreamMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []domain.StreamMessage
	for i, p := range b.streams[stream] {
		if len(out) >= count {
			break
		}
		out = append(out, domain.StreamMessage{ID: fmt.Sprintf("%d-0", i), Payload: p})
	}
	return out, nil
}

type stubVerifier struct{ err error }

func (v stubVerifier) Verify(context.Context, domain.IdentityProof) error { return v.err }

type stubBeacon struct {
	mu      sync.Mutex
	height  uint64
	entropy common.Hash
}

func (b *stubBeacon) Height(context.Context) (uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.height, nil
}

func (b *stubBeacon) Entropy(_ context.Context, minHeight uint64) (common.Hash, uint64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.height < minHeight {
		return common.Hash{}, 0, domain.ErrTimeNotReached
	}
	return b.entropy, b.height, nil
}

func (b *stubBeacon) advance(n uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.height += n
}

// ---------------------------------------------------------------------------
// fixtures
// ---------------------------------------------------------------------------

type fixture struct {
	svc    *MarketService
	store  *memStore
	cache  *memCache
	locks  *memLocks
	bus    *memBus
	beacon *stubBeacon
	eng    *engine.Engine
}

var testScope = crypto.Commit([]byte("marketd-test-scope"))

func newFixture(t *testing.T) *fixture {
	t.Helper()

	store := newMemStore()
	cache := newMemCache()
	locks := newMemLocks()
	bus := newMemBus()
	beacon := &stubBeacon{height: 1000, entropy: common.HexToHash("0xbeac04")}

	params := engine.DefaultParams("fees:foundation", "fees:operations")
	params.ExternalNullifier = testScope
	params.GroupID = 7

	eng := engine.New(stubVerifier{}, beacon, params, nil)
	logger := slog.New(slog.DiscardHandler)
	svc := NewMarketService(eng, store, store, cache, locks, bus, nil, nil, logger)

	return &fixture{svc: svc, store: store, cache: cache, locks: locks, bus: bus, beacon: beacon, eng: eng}
}

func addr(n byte) common.Address {
	var a common.Address
	a[19] = n
	return a
}

func nullifier(n uint64) common.Hash {
	var h common.Hash
	binary.BigEndian.PutUint64(h[24:], n)
	return h
}

func proofFor(buyer common.Address, n uint64) domain.IdentityProof {
	return domain.IdentityProof{
		Root:                  common.HexToHash("0x01"),
		GroupID:               7,
		SignalHash:            crypto.SignalHash(buyer),
		NullifierHash:         nullifier(n),
		ExternalNullifierHash: testScope,
		Proof:                 []byte{0x01},
	}
}

func (f *fixture) fund(account string, amount uint64) {
	f.store.mu.Lock()
	defer f.store.mu.Unlock()
	f.store.balances[account] += amount
}

// ---------------------------------------------------------------------------
// tests
// ---------------------------------------------------------------------------

func TestServiceLotteryLifecycle(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller := addr(1)

	f.fund(domain.AccountFor(seller), 1000)
	m, err := f.svc.CreateMarket(ctx, engine.CreateParams{
		Seller:      seller,
		Type:        domain.MarketTypeLottery,
		TicketPrice: 100,
		GoalAmount:  900,
		EndTime:     time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.OpenMarket(ctx, m.ID, seller); err != nil {
		t.Fatalf("open: %v", err)
	}

	// Ten entries at 100 each reach the 900 goal after the 5% fee skim.
	for i := byte(0); i < 10; i++ {
		buyer := addr(10 + i)
		f.fund(domain.AccountFor(buyer), 100)
		if _, err := f.svc.Enter(ctx, m.ID, buyer, proofFor(buyer, uint64(i)+1), 100); err != nil {
			t.Fatalf("enter %d: %v", i, err)
		}
	}

	got, err := f.svc.GetMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.PrizePool != 950 {
		t.Fatalf("prize pool = %d, want 950", got.PrizePool)
	}

	// Goal met allows an early close.
	if _, err := f.svc.CloseEntries(ctx, m.ID); err != nil {
		t.Fatalf("close: %v", err)
	}

	secret := []byte("the reveal secret")
	if _, err := f.svc.Commit(ctx, m.ID, seller, crypto.Commit(secret)); err != nil {
		t.Fatalf("commit: %v", err)
	}
	f.beacon.advance(10)
	got, err = f.svc.Reveal(ctx, m.ID, seller, secret)
	if err != nil {
		t.Fatalf("reveal: %v", err)
	}
	if len(got.Winners) != 1 {
		t.Fatalf("winners = %d, want 1", len(got.Winners))
	}

	got, err = f.svc.Settle(ctx, m.ID)
	if err != nil {
		t.Fatalf("settle: %v", err)
	}
	if got.Status != domain.MarketStatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}

	winnerBalance, _ := f.svc.Balance(ctx, domain.AccountFor(got.Winners[0]))
	if winnerBalance == 0 {
		t.Fatal("winner received nothing")
	}

	// Lifecycle events reached the per-market channel and durable stream.
	if len(f.bus.published[EventChannel(m.ID)]) == 0 {
		t.Fatal("no events published")
	}
	history, err := f.svc.EventHistory(ctx, m.ID, "", 100)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	var sawSettled bool
	for _, msg := range history {
		var ev domain.Event
		if err := json.Unmarshal(msg.Payload, &ev); err != nil {
			t.Fatalf("unmarshal event: %v", err)
		}
		if ev.Type == domain.EventSettled {
			sawSettled = true
		}
	}
	if !sawSettled {
		t.Fatal("settled event missing from stream")
	}
}

func TestServiceSurfacesLockContention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller := addr(1)

	f.fund(domain.AccountFor(seller), 1000)
	m, err := f.svc.CreateMarket(ctx, engine.CreateParams{
		Seller:      seller,
		Type:        domain.MarketTypeLottery,
		TicketPrice: 100,
		GoalAmount:  900,
		EndTime:     time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	f.locks.deny = true
	if _, err := f.svc.OpenMarket(ctx, m.ID, seller); !errors.Is(err, domain.ErrLockHeld) {
		t.Fatalf("got %v, want lock held", err)
	}

	// The in-process latch must have been released despite the lock failure.
	f.locks.deny = false
	if _, err := f.svc.OpenMarket(ctx, m.ID, seller); err != nil {
		t.Fatalf("open after contention: %v", err)
	}
}

func TestServiceEngineRejectionLeavesStoreUntouched(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller := addr(1)

	f.fund(domain.AccountFor(seller), 1000)
	m, err := f.svc.CreateMarket(ctx, engine.CreateParams{
		Seller:      seller,
		Type:        domain.MarketTypeLottery,
		TicketPrice: 100,
		GoalAmount:  900,
		EndTime:     time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Settle on a CREATED market must fail and change nothing.
	if _, err := f.svc.Settle(ctx, m.ID); !errors.Is(err, domain.ErrInvalidState) {
		t.Fatalf("got %v, want invalid state", err)
	}
	got, err := f.svc.GetMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.MarketStatusCreated {
		t.Fatalf("status = %s, want created", got.Status)
	}
}

func TestGetMarketBackfillsCache(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	seller := addr(1)

	f.fund(domain.AccountFor(seller), 1000)
	m, err := f.svc.CreateMarket(ctx, engine.CreateParams{
		Seller:      seller,
		Type:        domain.MarketTypeLottery,
		TicketPrice: 100,
		GoalAmount:  900,
		EndTime:     time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if _, err := f.svc.GetMarket(ctx, m.ID); err != nil {
		t.Fatalf("get: %v", err)
	}
	if f.cache.sets != 1 {
		t.Fatalf("cache sets = %d, want 1", f.cache.sets)
	}
	// Second read is served from cache.
	if _, err := f.svc.GetMarket(ctx, m.ID); err != nil {
		t.Fatalf("cached get: %v", err)
	}
	if f.cache.sets != 1 {
		t.Fatalf("cache sets = %d after cached read, want 1", f.cache.sets)
	}
}

func TestSweeperClosesExpiredAndTimesOut(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)
	sw := NewSweeper(f.svc, f.store, time.Minute, logger)
	seller := addr(1)

	// An OPEN lottery short of its goal whose deadline has passed: the sweep
	// fails it and returns the full seller deposit.
	f.fund(domain.AccountFor(seller), 1000)
	m, err := f.svc.CreateMarket(ctx, engine.CreateParams{
		Seller:      seller,
		Type:        domain.MarketTypeLottery,
		TicketPrice: 100,
		GoalAmount:  900,
		EndTime:     time.Now().Add(50 * time.Millisecond),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.OpenMarket(ctx, m.ID, seller); err != nil {
		t.Fatalf("open: %v", err)
	}

	time.Sleep(60 * time.Millisecond)
	sw.sweep(ctx)

	got, err := f.svc.GetMarket(ctx, m.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.MarketStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	if got.SellerDeposit != 0 {
		t.Fatalf("seller deposit = %d, want 0", got.SellerDeposit)
	}

	// A COMMITTED market past its reveal window: the sweep slashes it.
	f.fund(domain.AccountFor(seller), 1000)
	m2, err := f.svc.CreateMarket(ctx, engine.CreateParams{
		Seller:      seller,
		Type:        domain.MarketTypeLottery,
		TicketPrice: 100,
		GoalAmount:  900,
		EndTime:     time.Now().Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if _, err := f.svc.OpenMarket(ctx, m2.ID, seller); err != nil {
		t.Fatalf("open: %v", err)
	}
	for i := byte(0); i < 10; i++ {
		buyer := addr(100 + i)
		f.fund(domain.AccountFor(buyer), 100)
		if _, err := f.svc.Enter(ctx, m2.ID, buyer, proofFor(buyer, 500+uint64(i)), 100); err != nil {
			t.Fatalf("enter %d: %v", i, err)
		}
	}
	if _, err := f.svc.CloseEntries(ctx, m2.ID); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := f.svc.Commit(ctx, m2.ID, seller, crypto.Commit([]byte("never revealed"))); err != nil {
		t.Fatalf("commit: %v", err)
	}

	params := f.eng.Params()
	f.beacon.advance(params.RevealMinWait + params.RevealWindow + 1)
	sw.sweep(ctx)

	got, err = f.svc.GetMarket(ctx, m2.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.MarketStatusFailed {
		t.Fatalf("status = %s, want failed", got.Status)
	}
	ops, _ := f.svc.Balance(ctx, "fees:operations")
	if ops == 0 {
		t.Fatal("operations received no slash")
	}
}
