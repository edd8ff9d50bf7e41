package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wafflebay/marketd/internal/server"
	"github.com/wafflebay/marketd/internal/server/handler"
	"github.com/wafflebay/marketd/internal/server/ws"
	"github.com/wafflebay/marketd/internal/service"
)

// ServeMode runs the HTTP and WebSocket API without the background sweeper.
// Deadline enforcement is left to another replica running in sweep mode.
func (a *App) ServeMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting serve mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	return g.Wait()
}

// SweepMode runs only the lifecycle sweeper: it closes markets past their
// deadline and cancels markets whose commit or reveal window has lapsed.
func (a *App) SweepMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting sweep mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startSweeper(ctx, g, deps)
	return g.Wait()
}

// FullMode runs the API server and the sweeper in one process. This is the
// default single-node deployment.
func (a *App) FullMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps)
	if a.cfg.Sweeper.Enabled {
		a.startSweeper(ctx, g, deps)
	}
	return g.Wait()
}

// startHTTPServer adds the API server and the WebSocket hub to the given
// errgroup. The server is shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	hub := ws.NewHub(deps.EventBus, a.logger, ws.Config{
		Mode:      a.cfg.Mode,
		StartedAt: time.Now().UTC(),
	})
	g.Go(func() error {
		return hub.Run(ctx)
	})

	operator := handler.NewOperatorHandler(deps.Service, a.logger)
	if deps.Keeper != nil {
		operator = operator.WithKeeper(deps.Keeper)
	}

	handlers := server.Handlers{
		Health:    handler.NewHealthHandler(a.logger),
		Markets:   handler.NewMarketHandler(deps.Service, a.logger),
		Entries:   handler.NewEntryHandler(deps.Service, a.logger),
		Lifecycle: handler.NewLifecycleHandler(deps.Service, a.logger),
		Operator:  operator,
	}

	srv := server.NewServer(server.Config{
		Port:           a.cfg.Server.Port,
		CORSOrigins:    a.cfg.Server.CORSOrigins,
		OperatorKey:    a.cfg.Server.OperatorKey,
		EntryRateLimit: a.cfg.Server.EntryRateLimit,
	}, handlers, hub, deps.RateLimiter, a.logger)

	g.Go(srv.Start)

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutCtx)
	})
}

// startSweeper adds the lifecycle sweeper goroutine to the given errgroup.
func (a *App) startSweeper(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	sweeper := service.NewSweeper(deps.Service, deps.MarketStore, a.cfg.Sweeper.Interval.Duration, a.logger)
	g.Go(func() error {
		return sweeper.Run(ctx)
	})
}
