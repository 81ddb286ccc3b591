package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/brokex/tradeindexer/internal/cache/memory"
	"github.com/brokex/tradeindexer/internal/cache/redis"
	"github.com/brokex/tradeindexer/internal/domain"
	"github.com/brokex/tradeindexer/internal/pipeline"
	"github.com/brokex/tradeindexer/internal/server"
	"github.com/brokex/tradeindexer/internal/server/handler"
	"github.com/brokex/tradeindexer/internal/service"
)

// IngestMode runs one stream instance per configured category. The HTTP
// server, when enabled, only exposes health, status and metrics.
func (a *App) IngestMode(ctx context.Context, deps *Dependencies, assets *service.AssetService) error {
	a.logger.InfoContext(ctx, "starting ingest mode")

	g, ctx := errgroup.WithContext(ctx)

	orch := a.buildOrchestrator(deps, assets)
	g.Go(func() error { return orch.Run(ctx) })

	if a.cfg.Server.Enabled {
		a.startHTTPServer(ctx, g, deps, orch, false)
	}

	return g.Wait()
}

// APIMode serves the read API only.
func (a *App) APIMode(ctx context.Context, deps *Dependencies) error {
	a.logger.InfoContext(ctx, "starting api mode")

	g, ctx := errgroup.WithContext(ctx)
	a.startHTTPServer(ctx, g, deps, nil, true)
	return g.Wait()
}

// FullMode runs the streams and the read API in one process. A fatal stream
// error stops both.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, assets *service.AssetService) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	orch := a.buildOrchestrator(deps, assets)
	g.Go(func() error { return orch.Run(ctx) })

	a.startHTTPServer(ctx, g, deps, orch, true)

	return g.Wait()
}

// buildOrchestrator assembles a Runner per stream. Streams share the
// projector and stores; each gets its own dedup cache and cursor.
func (a *App) buildOrchestrator(deps *Dependencies, assets *service.AssetService) *pipeline.Orchestrator {
	in := a.cfg.Ingest

	policy := pipeline.RetryPolicy{
		WriteAttempts:      in.WriteAttempts,
		WriteBackoff:       in.WriteBackoff.Duration,
		MaxBackoff:         in.MaxBackoff.Duration,
		MissingRowAttempts: in.MissingRowAttempts,
		MissingRowDelay:    in.MissingRowDelay.Duration,
		MissingRowPasses:   in.MissingRowPasses,
	}
	backfillCfg := pipeline.BackfillConfig{
		BatchBlocks:     in.BatchBlocks,
		BatchPause:      in.BatchPause.Duration,
		FetchRetryPause: in.FetchRetryPause.Duration,
		RewindBlocks:    in.RewindBlocks,
	}
	runnerCfg := pipeline.RunnerConfig{
		StartBlock:       in.StartBlock,
		LockTTL:          in.LockTTL.Duration,
		RecoverInProcess: in.RecoverInProcess,
		RecoverPause:     in.RecoverPause.Duration,
	}

	var archiver pipeline.BatchArchiver
	if in.ArchiveBatches && deps.BlobWriter != nil {
		archiver = pipeline.NewArchiver(deps.BlobWriter, a.logger)
	}

	projector := pipeline.NewProjector(
		deps.TradeStore,
		deps.Buckets,
		assets,
		deps.Anomalies,
		deps.Notifier,
		deps.Metrics,
		a.logger,
	)

	var housekeeping []func(ctx context.Context) error
	runners := make([]*pipeline.Runner, 0, len(in.Streams))
	for _, name := range in.Streams {
		stream := domain.Category(name)

		var dedup domain.DedupCache
		if in.DedupBackend == "redis" && deps.Redis != nil {
			dedup = redis.NewDedupCache(deps.Redis, stream, in.DedupTTL.Duration)
		} else {
			mem := memory.NewDedup(in.DedupTTL.Duration)
			interval := in.DedupTTL.Duration
			housekeeping = append(housekeeping, func(ctx context.Context) error {
				mem.RunCleanup(ctx, interval)
				return ctx.Err()
			})
			dedup = mem
		}

		proc := pipeline.NewProcessor(stream, dedup, projector, deps.Publisher, deps.Notifier, policy, deps.Metrics, a.logger)
		backfill := pipeline.NewBackfiller(stream, deps.Ledger, deps.CursorStore, proc, archiver, backfillCfg, deps.Metrics, a.logger)
		runners = append(runners, pipeline.NewRunner(
			stream,
			deps.Ledger,
			deps.CursorStore,
			proc,
			backfill,
			deps.LockManager,
			deps.Notifier,
			runnerCfg,
			deps.Metrics,
			a.logger,
		))
	}

	orch := pipeline.NewOrchestrator(runners, a.logger)
	for _, fn := range housekeeping {
		orch.AddHousekeeping(fn)
	}
	return orch
}

// startHTTPServer adds an HTTP server goroutine to the given errgroup. streams
// is nil in api mode. withAPI registers the trade query routes. The server is
// shut down gracefully when the context is cancelled.
func (a *App) startHTTPServer(
	ctx context.Context,
	g *errgroup.Group,
	deps *Dependencies,
	streams *pipeline.Orchestrator,
	withAPI bool,
) {
	handlers := server.Handlers{
		Health:  handler.NewHealthHandler(deps.Health, a.logger),
		Metrics: promhttp.HandlerFor(deps.Registry, promhttp.HandlerOpts{}),
	}

	var statuses handler.StreamStatuses
	if streams != nil {
		statuses = streams
	}
	handlers.Status = handler.NewStatusHandler(a.cfg.Mode, statuses, deps.CursorStore, a.logger)

	if withAPI {
		trades := service.NewTradeService(deps.TradeStore, deps.Buckets, deps.Anomalies, a.logger)
		handlers.Trades = handler.NewTradeHandler(trades, a.logger)
		if deps.ChangeLog != nil {
			handlers.Changes = handler.NewChangeHandler(deps.ChangeLog, a.logger)
		}
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
		RateLimit:   a.cfg.Server.RateLimit,
	}, handlers, deps.RateLimiter, a.logger)

	g.Go(func() error {
		if err := srv.Start(); err != nil {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-ctx.Done()
		shutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutCtx); err != nil {
			a.logger.Warn("http server shutdown", slog.String("error", err.Error()))
		}
		return nil
	})
}
