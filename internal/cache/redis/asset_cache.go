package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/brokex/tradeindexer/internal/domain"
	"github.com/redis/go-redis/v9"
)

const assetTTL = 5 * time.Minute

// AssetCache implements domain.AssetCache using Redis hashes with JSON
// serialized AssetSpec data.
//
// Key schema:
//
//	asset:{id} - hash with field "data" containing JSON
type AssetCache struct {
	c   *Client
	rdb *redis.Client
}

// NewAssetCache creates an AssetCache backed by the given Client.
func NewAssetCache(c *Client) *AssetCache {
	return &AssetCache{c: c, rdb: c.Underlying()}
}

func (ac *AssetCache) assetKey(id int64) string {
	return ac.c.key("asset", strconv.FormatInt(id, 10))
}

// Set stores a spec with a 5-minute TTL.
func (ac *AssetCache) Set(ctx context.Context, spec domain.AssetSpec) error {
	data, err := json.Marshal(spec)
	if err != nil {
		return fmt.Errorf("redis: marshal asset %d: %w", spec.AssetID, err)
	}

	key := ac.assetKey(spec.AssetID)
	pipe := ac.rdb.TxPipeline()
	pipe.HSet(ctx, key, "data", data)
	pipe.Expire(ctx, key, assetTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set asset %d: %w", spec.AssetID, err)
	}
	return nil
}

// Get returns domain.ErrNotFound when the key does not exist.
func (ac *AssetCache) Get(ctx context.Context, assetID int64) (domain.AssetSpec, error) {
	data, err := ac.rdb.HGet(ctx, ac.assetKey(assetID), "data").Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return domain.AssetSpec{}, domain.ErrNotFound
		}
		return domain.AssetSpec{}, fmt.Errorf("redis: get asset %d: %w", assetID, err)
	}

	var spec domain.AssetSpec
	if err := json.Unmarshal(data, &spec); err != nil {
		return domain.AssetSpec{}, fmt.Errorf("redis: unmarshal asset %d: %w", assetID, err)
	}
	return spec, nil
}

func (ac *AssetCache) Invalidate(ctx context.Context, assetID int64) error {
	if err := ac.rdb.Del(ctx, ac.assetKey(assetID)).Err(); err != nil {
		return fmt.Errorf("redis: invalidate asset %d: %w", assetID, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.AssetCache = (*AssetCache)(nil)
