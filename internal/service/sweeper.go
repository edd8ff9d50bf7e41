package service

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/wafflebay/marketd/internal/domain"
)

// Sweeper is the background deadline enforcer. It periodically closes OPEN
// markets whose entry deadline passed and fails CLOSED/COMMITTED markets
// whose seller missed the commit or reveal window. Both operations are
// permissionless in the engine, so the sweeper needs no credentials.
type Sweeper struct {
	svc      *MarketService
	markets  domain.MarketStore
	interval time.Duration
	logger   *slog.Logger
}

// NewSweeper creates a Sweeper. A non-positive interval defaults to one
// minute.
func NewSweeper(svc *MarketService, markets domain.MarketStore, interval time.Duration, logger *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Sweeper{
		svc:      svc,
		markets:  markets,
		interval: interval,
		logger:   logger.With(slog.String("component", "sweeper")),
	}
}

// Run sweeps once immediately, then on every tick until ctx is cancelled.
func (sw *Sweeper) Run(ctx context.Context) error {
	sw.logger.InfoContext(ctx, "sweeper: started",
		slog.Duration("interval", sw.interval),
	)

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	sw.sweep(ctx)
	for {
		select {
		case <-ctx.Done():
			sw.logger.InfoContext(ctx, "sweeper: stopped")
			return ctx.Err()
		case <-ticker.C:
			sw.sweep(ctx)
		}
	}
}

func (sw *Sweeper) sweep(ctx context.Context) {
	sw.closeExpired(ctx)
	sw.cancelOverdue(ctx)
}

// closeExpired closes OPEN markets whose entry deadline has passed. The
// engine decides per market whether the close succeeds, shortcuts, or fails
// the market.
func (sw *Sweeper) closeExpired(ctx context.Context) {
	ids, err := sw.markets.ListExpiredOpen(ctx, time.Now())
	if err != nil {
		sw.logger.ErrorContext(ctx, "sweeper: list expired open failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, id := range ids {
		m, err := sw.svc.CloseEntries(ctx, id)
		if err != nil {
			if skippable(err) {
				continue
			}
			sw.logger.ErrorContext(ctx, "sweeper: close failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		sw.logger.InfoContext(ctx, "sweeper: entries closed",
			slog.String("market_id", id),
			slog.String("status", string(m.Status)),
		)
	}
}

// cancelOverdue times out CLOSED and COMMITTED markets. Markets still inside
// their window return ErrTimeNotReached, which is the common case and not
// logged.
func (sw *Sweeper) cancelOverdue(ctx context.Context) {
	ids, err := sw.markets.ListAwaitingReveal(ctx)
	if err != nil {
		sw.logger.ErrorContext(ctx, "sweeper: list awaiting reveal failed",
			slog.String("error", err.Error()),
		)
		return
	}

	for _, id := range ids {
		m, err := sw.svc.CancelByTimeout(ctx, id)
		if err != nil {
			if skippable(err) {
				continue
			}
			sw.logger.ErrorContext(ctx, "sweeper: timeout failed",
				slog.String("market_id", id),
				slog.String("error", err.Error()),
			)
			continue
		}
		sw.logger.WarnContext(ctx, "sweeper: market timed out",
			slog.String("market_id", id),
			slog.String("status", string(m.Status)),
		)
	}
}

// skippable errors mean another actor got there first or the deadline has
// not arrived; the next sweep will see the updated state.
func skippable(err error) bool {
	return errors.Is(err, domain.ErrTimeNotReached) ||
		errors.Is(err, domain.ErrInvalidState) ||
		errors.Is(err, domain.ErrLockHeld) ||
		errors.Is(err, domain.ErrReentrantCall)
}
