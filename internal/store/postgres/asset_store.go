package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brokex/tradeindexer/internal/domain"
)

// AssetStore implements domain.AssetStore over asset_specs.
type AssetStore struct {
	pool *pgxpool.Pool
}

func NewAssetStore(pool *pgxpool.Pool) *AssetStore {
	return &AssetStore{pool: pool}
}

func (s *AssetStore) GetSpec(ctx context.Context, assetID int64) (domain.AssetSpec, error) {
	var spec domain.AssetSpec
	err := s.pool.QueryRow(ctx,
		`SELECT asset_id, lot_num, lot_den, bucket_width_x6 FROM asset_specs WHERE asset_id = $1`, assetID,
	).Scan(&spec.AssetID, &spec.LotNum, &spec.LotDen, &spec.BucketWidthX6)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.AssetSpec{}, domain.ErrNotFound
		}
		return domain.AssetSpec{}, fmt.Errorf("postgres: get asset spec %d: %w", assetID, err)
	}
	return spec, nil
}

func (s *AssetStore) UpsertSpec(ctx context.Context, spec domain.AssetSpec) error {
	const query = `
		INSERT INTO asset_specs (asset_id, lot_num, lot_den, bucket_width_x6, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (asset_id) DO UPDATE SET
			lot_num         = EXCLUDED.lot_num,
			lot_den         = EXCLUDED.lot_den,
			bucket_width_x6 = EXCLUDED.bucket_width_x6,
			updated_at      = NOW()`
	if _, err := s.pool.Exec(ctx, query, spec.AssetID, spec.LotNum, spec.LotDen, spec.BucketWidthX6); err != nil {
		return fmt.Errorf("postgres: upsert asset spec %d: %w", spec.AssetID, err)
	}
	return nil
}

var _ domain.AssetStore = (*AssetStore)(nil)
