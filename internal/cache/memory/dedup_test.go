package memory

import (
	"context"
	"testing"
	"time"

	"github.com/brokex/tradeindexer/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct{ t time.Time }

func (c *fakeClock) Now() time.Time          { return c.t }
func (c *fakeClock) Advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestDedup(ttl time.Duration) (*Dedup, *fakeClock) {
	clk := &fakeClock{t: time.Unix(1_700_000_000, 0)}
	d := NewDedup(ttl)
	d.now = clk.Now
	return d, clk
}

func TestDedupSeenAfterMark(t *testing.T) {
	ctx := context.Background()
	d, _ := newTestDedup(5 * time.Minute)
	key := domain.EventKey{TxHash: "0x01", LogIndex: 2}

	seen, err := d.Seen(ctx, key)
	require.NoError(t, err)
	assert.False(t, seen)

	require.NoError(t, d.Mark(ctx, key))
	seen, _ = d.Seen(ctx, key)
	assert.True(t, seen)

	other := domain.EventKey{TxHash: "0x01", LogIndex: 3}
	seen, _ = d.Seen(ctx, other)
	assert.False(t, seen)
}

func TestDedupExpiresFromInsertion(t *testing.T) {
	ctx := context.Background()
	d, clk := newTestDedup(time.Minute)
	key := domain.EventKey{TxHash: "0x02"}
	require.NoError(t, d.Mark(ctx, key))

	clk.Advance(50 * time.Second)
	seen, _ := d.Seen(ctx, key)
	assert.True(t, seen, "reads must not extend the entry")

	clk.Advance(10 * time.Second)
	seen, _ = d.Seen(ctx, key)
	assert.False(t, seen)
	assert.Equal(t, 0, d.Len())
}

func TestDedupCleanup(t *testing.T) {
	ctx := context.Background()
	d, clk := newTestDedup(time.Minute)
	require.NoError(t, d.Mark(ctx, domain.EventKey{TxHash: "a"}))
	clk.Advance(30 * time.Second)
	require.NoError(t, d.Mark(ctx, domain.EventKey{TxHash: "b"}))
	clk.Advance(31 * time.Second)

	assert.Equal(t, 1, d.Cleanup())
	assert.Equal(t, 1, d.Len())
}
