package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/brokex/tradeindexer/internal/domain"
)

// AssetService serves asset specs through a read-through cache.
type AssetService struct {
	assets domain.AssetStore
	cache  domain.AssetCache
	logger *slog.Logger
}

// NewAssetService creates an AssetService. cache may be nil, in which case
// every read goes to the store.
func NewAssetService(assets domain.AssetStore, cache domain.AssetCache, logger *slog.Logger) *AssetService {
	return &AssetService{
		assets: assets,
		cache:  cache,
		logger: logger.With(slog.String("component", "asset_service")),
	}
}

// SyncSpecs upserts configured specs and drops their cached copies so the
// next read picks up the new values.
func (s *AssetService) SyncSpecs(ctx context.Context, specs []domain.AssetSpec) error {
	for _, spec := range specs {
		if spec.LotDen == 0 {
			return fmt.Errorf("asset_service: asset %d: lot denominator is zero", spec.AssetID)
		}
		if err := s.assets.UpsertSpec(ctx, spec); err != nil {
			return fmt.Errorf("asset_service: upsert %d: %w", spec.AssetID, err)
		}
		if s.cache != nil {
			if err := s.cache.Invalidate(ctx, spec.AssetID); err != nil {
				// Non-fatal: the entry expires on its own.
				s.logger.WarnContext(ctx, "asset cache invalidate failed",
					slog.Int64("asset_id", spec.AssetID),
					slog.String("error", err.Error()),
				)
			}
		}
	}
	if len(specs) > 0 {
		s.logger.InfoContext(ctx, "synced asset specs", slog.Int("count", len(specs)))
	}
	return nil
}

// GetSpec checks the cache first and back-fills it on a miss. An unknown
// asset returns domain.ErrNotFound.
func (s *AssetService) GetSpec(ctx context.Context, assetID int64) (domain.AssetSpec, error) {
	if s.cache != nil {
		spec, err := s.cache.Get(ctx, assetID)
		if err == nil {
			return spec, nil
		}
		if !errors.Is(err, domain.ErrNotFound) {
			s.logger.WarnContext(ctx, "asset cache read failed",
				slog.Int64("asset_id", assetID),
				slog.String("error", err.Error()),
			)
		}
	}

	spec, err := s.assets.GetSpec(ctx, assetID)
	if err != nil {
		return domain.AssetSpec{}, fmt.Errorf("asset_service: get %d: %w", assetID, err)
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, spec); err != nil {
			s.logger.WarnContext(ctx, "asset cache set failed",
				slog.Int64("asset_id", assetID),
				slog.String("error", err.Error()),
			)
		}
	}
	return spec, nil
}
