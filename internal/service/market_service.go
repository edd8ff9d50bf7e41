// Package service orchestrates lifecycle operations: per-market locking,
// loading state, running the engine, committing the outcome, and fanning out
// events. The engine decides; the service moves data.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/wafflebay/marketd/internal/domain"
	"github.com/wafflebay/marketd/internal/engine"
)

// lockTTL bounds how long a crashed replica can hold a market lock.
const lockTTL = 30 * time.Second

// Notifier delivers operator alerts for notable lifecycle events.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Archiver uploads terminal market snapshots to cold storage.
type Archiver interface {
	ArchiveMarket(ctx context.Context, m *domain.Market) (string, error)
}

// MarketService executes lifecycle operations. Every mutation serializes per
// market: an in-process latch first, then a distributed lock, then load,
// engine, and a single atomic Apply.
type MarketService struct {
	eng      *engine.Engine
	markets  domain.MarketStore
	escrow   domain.EscrowStore
	cache    domain.MarketCache
	locks    domain.LockManager
	bus      domain.EventBus
	guard    *engine.Guard
	notifier Notifier // optional
	archiver Archiver // optional
	logger   *slog.Logger
}

// NewMarketService creates a MarketService. notifier and archiver may be nil.
func NewMarketService(
	eng *engine.Engine,
	markets domain.MarketStore,
	escrow domain.EscrowStore,
	cache domain.MarketCache,
	locks domain.LockManager,
	bus domain.EventBus,
	notifier Notifier,
	archiver Archiver,
	logger *slog.Logger,
) *MarketService {
	return &MarketService{
		eng:      eng,
		markets:  markets,
		escrow:   escrow,
		cache:    cache,
		locks:    locks,
		bus:      bus,
		guard:    engine.NewGuard(),
		notifier: notifier,
		archiver: archiver,
		logger:   logger,
	}
}

// EventChannel is the Pub/Sub channel carrying a market's lifecycle events.
func EventChannel(marketID string) string {
	return "events:market:" + marketID
}

// EventStream is the durable Redis stream holding a market's event history.
func EventStream(marketID string) string {
	return "stream:market:" + marketID
}

// AllEventsChannel carries every market's events for firehose subscribers.
const AllEventsChannel = "events:all"

// mutate is the single write path: latch, lock, load, run the engine
// operation, commit atomically, then fan out.
func (s *MarketService) mutate(ctx context.Context, id string, op func(m *domain.Market) (engine.Outcome, error)) (*domain.Market, error) {
	release, err := s.guard.Enter(id)
	if err != nil {
		return nil, err
	}
	defer release()

	unlock, err := s.locks.Acquire(ctx, "market:"+id, lockTTL)
	if err != nil {
		return nil, fmt.Errorf("market_service: lock %s: %w", id, err)
	}
	defer unlock()

	m, err := s.markets.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("market_service: load %s: %w", id, err)
	}

	out, err := op(m)
	if err != nil {
		return nil, err
	}

	if err := s.markets.Apply(ctx, m, out.Transfers, out.Events); err != nil {
		return nil, fmt.Errorf("market_service: apply %s: %w", id, err)
	}

	s.afterApply(ctx, m, out.Events)
	return m, nil
}

// afterApply handles the non-transactional fan-out: cache invalidation,
// event publication, notifications, and terminal-state archival. Failures
// here are logged, never surfaced; the committed state is already durable.
func (s *MarketService) afterApply(ctx context.Context, m *domain.Market, events []domain.Event) {
	if err := s.cache.Invalidate(ctx, m.ID); err != nil {
		s.logger.WarnContext(ctx, "market_service: cache invalidate failed",
			slog.String("market_id", m.ID),
			slog.String("error", err.Error()),
		)
	}

	for _, ev := range events {
		payload, err := json.Marshal(ev)
		if err != nil {
			s.logger.ErrorContext(ctx, "market_service: marshal event failed",
				slog.String("event", ev.Type),
				slog.String("error", err.Error()),
			)
			continue
		}
		if err := s.bus.Publish(ctx, EventChannel(m.ID), payload); err != nil {
			s.logger.WarnContext(ctx, "market_service: publish failed",
				slog.String("event", ev.Type),
				slog.String("error", err.Error()),
			)
		}
		if err := s.bus.Publish(ctx, AllEventsChannel, payload); err != nil {
			s.logger.WarnContext(ctx, "market_service: firehose publish failed",
				slog.String("event", ev.Type),
				slog.String("error", err.Error()),
			)
		}
		if err := s.bus.StreamAppend(ctx, EventStream(m.ID), payload); err != nil {
			s.logger.WarnContext(ctx, "market_service: stream append failed",
				slog.String("event", ev.Type),
				slog.String("error", err.Error()),
			)
		}

		s.maybeNotify(ctx, m, ev)
	}

	if m.Status.Terminal() && s.archiver != nil {
		if path, err := s.archiver.ArchiveMarket(ctx, m); err != nil {
			s.logger.WarnContext(ctx, "market_service: archive failed",
				slog.String("market_id", m.ID),
				slog.String("error", err.Error()),
			)
		} else {
			s.logger.InfoContext(ctx, "market_service: market archived",
				slog.String("market_id", m.ID),
				slog.String("path", path),
			)
		}
	}
}

// maybeNotify forwards operator-relevant events to the notifier.
func (s *MarketService) maybeNotify(ctx context.Context, m *domain.Market, ev domain.Event) {
	if s.notifier == nil {
		return
	}

	var title, msg string
	switch ev.Type {
	case domain.EventSettled:
		title = "Market settled"
		msg = fmt.Sprintf("market %s (%s) settled, pool %v", m.ID, m.Type, ev.Fields["prize_pool"])
	case domain.EventMarketFailed:
		title = "Market failed"
		msg = fmt.Sprintf("market %s failed: %v", m.ID, ev.Fields["reason"])
	case domain.EventSellerSlashed:
		title = "Seller slashed"
		msg = fmt.Sprintf("market %s seller %s slashed %v", m.ID, m.Seller.Hex(), ev.Fields["slashed"])
	default:
		return
	}

	if err := s.notifier.Notify(ctx, ev.Type, title, msg); err != nil {
		s.logger.WarnContext(ctx, "market_service: notify failed",
			slog.String("event", ev.Type),
			slog.String("error", err.Error()),
		)
	}
}

// CreateMarket validates seller parameters, locks the seller deposit, and
// persists the new market.
func (s *MarketService) CreateMarket(ctx context.Context, p engine.CreateParams) (*domain.Market, error) {
	m, out, err := s.eng.CreateMarket(p)
	if err != nil {
		return nil, err
	}
	if err := s.markets.Apply(ctx, m, out.Transfers, out.Events); err != nil {
		return nil, fmt.Errorf("market_service: create %s: %w", m.ID, err)
	}

	s.afterApply(ctx, m, out.Events)
	s.logger.InfoContext(ctx, "market_service: market created",
		slog.String("market_id", m.ID),
		slog.String("type", string(m.Type)),
		slog.String("seller", m.Seller.Hex()),
	)
	return m, nil
}

// OpenMarket transitions a market to OPEN. Seller only.
func (s *MarketService) OpenMarket(ctx context.Context, id string, caller common.Address) (*domain.Market, error) {
	return s.mutate(ctx, id, func(m *domain.Market) (engine.Outcome, error) {
		return s.eng.Open(m, caller)
	})
}

// Enter records one verified, paid entry.
func (s *MarketService) Enter(ctx context.Context, id string, buyer common.Address, proof domain.IdentityProof, payment uint64) (*domain.Market, error) {
	return s.mutate(ctx, id, func(m *domain.Market) (engine.Outcome, error) {
		return s.eng.Enter(ctx, m, buyer, proof, payment)
	})
}

// CloseEntries ends the entry phase and evaluates the close policy.
func (s *MarketService) CloseEntries(ctx context.Context, id string) (*domain.Market, error) {
	return s.mutate(ctx, id, func(m *domain.Market) (engine.Outcome, error) {
		return s.eng.CloseEntries(ctx, m)
	})
}

// Commit records the seller's randomness commitment.
func (s *MarketService) Commit(ctx context.Context, id string, caller common.Address, commitment common.Hash) (*domain.Market, error) {
	return s.mutate(ctx, id, func(m *domain.Market) (engine.Outcome, error) {
		return s.eng.Commit(ctx, m, caller, commitment)
	})
}

// Reveal verifies the commitment preimage and draws winners.
func (s *MarketService) Reveal(ctx context.Context, id string, caller common.Address, secret []byte) (*domain.Market, error) {
	return s.mutate(ctx, id, func(m *domain.Market) (engine.Outcome, error) {
		return s.eng.Reveal(ctx, m, caller, secret)
	})
}

// Settle releases the escrowed pool after a reveal.
func (s *MarketService) Settle(ctx context.Context, id string) (*domain.Market, error) {
	return s.mutate(ctx, id, func(m *domain.Market) (engine.Outcome, error) {
		return s.eng.Settle(m)
	})
}

// CancelByTimeout fails a market whose seller missed the commit or reveal
// deadline, slashing the seller deposit.
func (s *MarketService) CancelByTimeout(ctx context.Context, id string) (*domain.Market, error) {
	return s.mutate(ctx, id, func(m *domain.Market) (engine.Outcome, error) {
		return s.eng.CancelByTimeout(ctx, m)
	})
}

// ClaimRefund pays a participant their residual claim on a terminal market.
func (s *MarketService) ClaimRefund(ctx context.Context, id string, claimant common.Address) (*domain.Market, error) {
	return s.mutate(ctx, id, func(m *domain.Market) (engine.Outcome, error) {
		return s.eng.ClaimRefund(m, claimant)
	})
}

// UpdateFoundation redirects the foundation fee account for future entries.
func (s *MarketService) UpdateFoundation(ctx context.Context, id, account string) (*domain.Market, error) {
	return s.mutate(ctx, id, func(m *domain.Market) (engine.Outcome, error) {
		return s.eng.UpdateFoundation(m, account)
	})
}

// GetMarket retrieves a market by ID, checking the cache first and falling
// back to the persistent store on a cache miss.
func (s *MarketService) GetMarket(ctx context.Context, id string) (*domain.Market, error) {
	m, err := s.cache.Get(ctx, id)
	if err == nil {
		return m, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		s.logger.WarnContext(ctx, "market_service: cache get failed",
			slog.String("market_id", id),
			slog.String("error", err.Error()),
		)
	}

	m, err = s.markets.Get(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("market_service: get %q: %w", id, err)
	}

	// Back-fill cache; log but do not fail on cache write errors.
	if cacheErr := s.cache.Set(ctx, m); cacheErr != nil {
		s.logger.WarnContext(ctx, "market_service: cache set failed",
			slog.String("market_id", id),
			slog.String("error", cacheErr.Error()),
		)
	}
	return m, nil
}

// ListMarkets returns market snapshots from the persistent store.
func (s *MarketService) ListMarkets(ctx context.Context, opts domain.ListOpts) ([]*domain.Market, error) {
	markets, err := s.markets.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("market_service: list: %w", err)
	}
	return markets, nil
}

// Count returns the total number of markets.
func (s *MarketService) Count(ctx context.Context) (int64, error) {
	count, err := s.markets.Count(ctx)
	if err != nil {
		return 0, fmt.Errorf("market_service: count: %w", err)
	}
	return count, nil
}

// Deposit credits external funds into an escrow ledger account.
func (s *MarketService) Deposit(ctx context.Context, account string, amount uint64) error {
	if err := s.escrow.Deposit(ctx, account, amount); err != nil {
		return fmt.Errorf("market_service: deposit: %w", err)
	}
	s.logger.InfoContext(ctx, "market_service: deposit",
		slog.String("account", account),
		slog.Uint64("amount", amount),
	)
	return nil
}

// Balance returns an escrow account balance.
func (s *MarketService) Balance(ctx context.Context, account string) (uint64, error) {
	balance, err := s.escrow.Balance(ctx, account)
	if err != nil {
		return 0, fmt.Errorf("market_service: balance: %w", err)
	}
	return balance, nil
}

// Subscribe returns a live feed of a market's lifecycle events. An empty
// marketID subscribes to the firehose.
func (s *MarketService) Subscribe(ctx context.Context, marketID string) (<-chan []byte, error) {
	channel := AllEventsChannel
	if marketID != "" {
		channel = EventChannel(marketID)
	}
	ch, err := s.bus.Subscribe(ctx, channel)
	if err != nil {
		return nil, fmt.Errorf("market_service: subscribe: %w", err)
	}
	return ch, nil
}

// EventHistory reads a market's durable event stream starting after lastID.
func (s *MarketService) EventHistory(ctx context.Context, marketID, lastID string, count int) ([]domain.StreamMessage, error) {
	if lastID == "" {
		lastID = "0"
	}
	if count <= 0 {
		count = 100
	}
	msgs, err := s.bus.StreamRead(ctx, EventStream(marketID), lastID, count)
	if err != nil {
		return nil, fmt.Errorf("market_service: event history: %w", err)
	}
	return msgs, nil
}
