package redis

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/brokex/tradeindexer/internal/domain"
	"github.com/redis/go-redis/v9"
)

// feedMaxLen is the approximate maximum length of the change stream,
// enforced via XADD MAXLEN ~.
const feedMaxLen int64 = 10000

// ChangeFeed implements domain.ChangePublisher with Redis Pub/Sub for live
// listeners and a capped Redis stream for recent history.
//
// Key schema:
//
//	changes:{stream}  - pub/sub channel per ingestion stream
//	changes           - stream of every change, newest last
type ChangeFeed struct {
	c   *Client
	rdb *redis.Client
}

// NewChangeFeed creates a ChangeFeed backed by the given Client.
func NewChangeFeed(c *Client) *ChangeFeed {
	return &ChangeFeed{c: c, rdb: c.Underlying()}
}

// PublishChange sends change to the stream channel and appends it to the
// history stream in one round trip.
func (f *ChangeFeed) PublishChange(ctx context.Context, change domain.TradeChange) error {
	payload, err := json.Marshal(change)
	if err != nil {
		return fmt.Errorf("redis: marshal change: %w", err)
	}

	pipe := f.rdb.Pipeline()
	pipe.Publish(ctx, f.c.key("changes", string(change.Stream)), payload)
	pipe.XAdd(ctx, &redis.XAddArgs{
		Stream: f.c.key("changes"),
		MaxLen: feedMaxLen,
		Approx: true,
		Values: map[string]interface{}{"payload": payload},
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: publish change %d: %w", change.TradeID, err)
	}
	return nil
}

// Recent returns up to count changes, newest first.
func (f *ChangeFeed) Recent(ctx context.Context, count int) ([]domain.TradeChange, error) {
	msgs, err := f.rdb.XRevRangeN(ctx, f.c.key("changes"), "+", "-", int64(count)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: recent changes: %w", err)
	}

	out := make([]domain.TradeChange, 0, len(msgs))
	for _, msg := range msgs {
		var data []byte
		switch v := msg.Values["payload"].(type) {
		case string:
			data = []byte(v)
		case []byte:
			data = v
		default:
			continue
		}
		var change domain.TradeChange
		if err := json.Unmarshal(data, &change); err != nil {
			continue
		}
		out = append(out, change)
	}
	return out, nil
}

// Compile-time interface check.
var _ domain.ChangePublisher = (*ChangeFeed)(nil)
