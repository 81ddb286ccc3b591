package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brokex/tradeindexer/internal/domain"
)

// BucketResolver calls the price_to_bucket SQL function.
type BucketResolver struct {
	pool *pgxpool.Pool
}

func NewBucketResolver(pool *pgxpool.Pool) *BucketResolver {
	return &BucketResolver{pool: pool}
}

// Resolve returns nil when the function yields NULL (unknown asset or no
// bucket width). Callers skip zero prices before calling.
func (r *BucketResolver) Resolve(ctx context.Context, assetID, priceX6 int64) (*int64, error) {
	var bucket *int64
	err := r.pool.QueryRow(ctx, `SELECT price_to_bucket($1, $2)`, assetID, priceX6).Scan(&bucket)
	if err != nil {
		return nil, fmt.Errorf("postgres: price_to_bucket(%d, %d): %w", assetID, priceX6, err)
	}
	return bucket, nil
}

var _ domain.BucketResolver = (*BucketResolver)(nil)
