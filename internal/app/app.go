// Package app provides the top-level application lifecycle management for the
// trade indexer. It wires together all dependencies (stores, caches, ledger
// client, blob storage, change feed, services and notifications) and starts
// the appropriate goroutines based on the configured operating mode.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brokex/tradeindexer/internal/config"
	"github.com/brokex/tradeindexer/internal/domain"
	"github.com/brokex/tradeindexer/internal/service"
)

// App is the root application object. It owns the configuration, logger, and a
// list of cleanup functions that are called in reverse order on shutdown.
type App struct {
	cfg     *config.Config
	logger  *slog.Logger
	closers []func()
}

// New creates a new App from the given configuration and logger.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:    cfg,
		logger: logger.With(slog.String("component", "app")),
	}
}

// Run is the main entry point. It wires all dependencies, seeds the
// configured asset specs, selects the operating mode, starts the
// corresponding goroutines, and blocks until the context is cancelled or a
// stream fails.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.String("log_level", a.cfg.LogLevel),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}
	a.closers = append(a.closers, cleanup)

	assets := service.NewAssetService(deps.AssetStore, deps.AssetCache, a.logger)
	if err := assets.SyncSpecs(ctx, a.assetSpecs()); err != nil {
		return fmt.Errorf("app: sync asset specs: %w", err)
	}

	mode := strings.ToLower(a.cfg.Mode)
	switch mode {
	case "ingest":
		return a.IngestMode(ctx, deps, assets)
	case "api":
		return a.APIMode(ctx, deps)
	case "full":
		return a.FullMode(ctx, deps, assets)
	default:
		return fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
}

func (a *App) assetSpecs() []domain.AssetSpec {
	specs := make([]domain.AssetSpec, 0, len(a.cfg.Assets))
	for _, as := range a.cfg.Assets {
		specs = append(specs, domain.AssetSpec{
			AssetID:       as.AssetID,
			LotNum:        as.LotNum,
			LotDen:        as.LotDen,
			BucketWidthX6: as.BucketWidthX6,
		})
	}
	return specs
}

// Close tears down all resources in reverse registration order. It is safe to
// call multiple times; subsequent calls are no-ops.
func (a *App) Close() {
	a.logger.Info("shutting down application")
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}
