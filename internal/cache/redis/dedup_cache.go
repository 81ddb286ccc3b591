package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/brokex/tradeindexer/internal/domain"
	"github.com/redis/go-redis/v9"
)

// DedupCache implements domain.DedupCache with expiring string keys, so all
// replicas of one stream share the same window.
//
// Key schema:
//
//	dedup:{stream}:{txHash}:{logIndex} - "1" with PX ttl
type DedupCache struct {
	c      *Client
	rdb    *redis.Client
	stream domain.Category
	ttl    time.Duration
}

// NewDedupCache creates a DedupCache for one stream.
func NewDedupCache(c *Client, stream domain.Category, ttl time.Duration) *DedupCache {
	return &DedupCache{c: c, rdb: c.Underlying(), stream: stream, ttl: ttl}
}

func (d *DedupCache) dedupKey(key domain.EventKey) string {
	return d.c.key("dedup", string(d.stream), key.TxHash, strconv.FormatUint(uint64(key.LogIndex), 10))
}

// Seen reports whether the key was marked within the TTL.
func (d *DedupCache) Seen(ctx context.Context, key domain.EventKey) (bool, error) {
	n, err := d.rdb.Exists(ctx, d.dedupKey(key)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: dedup seen %s: %w", key, err)
	}
	return n > 0, nil
}

// Mark records the key. The expiry is measured from this call and is not
// extended by later Seen calls.
func (d *DedupCache) Mark(ctx context.Context, key domain.EventKey) error {
	if err := d.rdb.Set(ctx, d.dedupKey(key), "1", d.ttl).Err(); err != nil {
		return fmt.Errorf("redis: dedup mark %s: %w", key, err)
	}
	return nil
}

// Compile-time interface check.
var _ domain.DedupCache = (*DedupCache)(nil)
