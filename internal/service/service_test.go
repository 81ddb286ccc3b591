package service

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokex/tradeindexer/internal/domain"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

type memAssets struct {
	specs map[int64]domain.AssetSpec
	reads int
}

func (m *memAssets) GetSpec(_ context.Context, id int64) (domain.AssetSpec, error) {
	m.reads++
	s, ok := m.specs[id]
	if !ok {
		return domain.AssetSpec{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *memAssets) UpsertSpec(_ context.Context, s domain.AssetSpec) error {
	m.specs[s.AssetID] = s
	return nil
}

type memAssetCache struct {
	specs       map[int64]domain.AssetSpec
	invalidated []int64
	getErr      error
}

func (m *memAssetCache) Set(_ context.Context, s domain.AssetSpec) error {
	m.specs[s.AssetID] = s
	return nil
}

func (m *memAssetCache) Get(_ context.Context, id int64) (domain.AssetSpec, error) {
	if m.getErr != nil {
		return domain.AssetSpec{}, m.getErr
	}
	s, ok := m.specs[id]
	if !ok {
		return domain.AssetSpec{}, domain.ErrNotFound
	}
	return s, nil
}

func (m *memAssetCache) Invalidate(_ context.Context, id int64) error {
	delete(m.specs, id)
	m.invalidated = append(m.invalidated, id)
	return nil
}

func TestAssetServiceReadThrough(t *testing.T) {
	store := &memAssets{specs: map[int64]domain.AssetSpec{1: {AssetID: 1, LotNum: 1, LotDen: 100}}}
	cache := &memAssetCache{specs: map[int64]domain.AssetSpec{}}
	svc := NewAssetService(store, cache, discard())

	for i := 0; i < 3; i++ {
		spec, err := svc.GetSpec(context.Background(), 1)
		require.NoError(t, err)
		assert.Equal(t, int64(100), spec.LotDen)
	}
	assert.Equal(t, 1, store.reads, "later reads hit the cache")

	_, err := svc.GetSpec(context.Background(), 9)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestAssetServiceCacheOutageFallsBack(t *testing.T) {
	store := &memAssets{specs: map[int64]domain.AssetSpec{1: {AssetID: 1, LotDen: 1}}}
	cache := &memAssetCache{specs: map[int64]domain.AssetSpec{}, getErr: errors.New("redis down")}

	spec, err := NewAssetService(store, cache, discard()).GetSpec(context.Background(), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), spec.AssetID)
}

func TestAssetServiceSyncInvalidates(t *testing.T) {
	store := &memAssets{specs: map[int64]domain.AssetSpec{}}
	cache := &memAssetCache{specs: map[int64]domain.AssetSpec{2: {AssetID: 2, LotDen: 10}}}
	svc := NewAssetService(store, cache, discard())

	require.NoError(t, svc.SyncSpecs(context.Background(), []domain.AssetSpec{{AssetID: 2, LotNum: 1, LotDen: 1000}}))
	assert.Equal(t, []int64{2}, cache.invalidated)

	spec, err := svc.GetSpec(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), spec.LotDen)

	err = svc.SyncSpecs(context.Background(), []domain.AssetSpec{{AssetID: 3}})
	assert.Error(t, err, "zero denominator rejected")
}

type memTrades struct {
	domain.TradeStore
	rows []domain.Trade
	hits []domain.BucketHit
}

func (m *memTrades) ListByOwner(_ context.Context, owner string, _ domain.ListOpts) ([]domain.Trade, error) {
	var out []domain.Trade
	for _, t := range m.rows {
		if t.Owner == owner {
			out = append(out, t)
		}
	}
	return out, nil
}

func (m *memTrades) ListByBucket(context.Context, int64, int64) ([]domain.BucketHit, error) {
	return m.hits, nil
}

func (m *memTrades) GetByID(_ context.Context, id int64) (domain.Trade, error) {
	for _, t := range m.rows {
		if t.ID == id {
			return t, nil
		}
	}
	return domain.Trade{}, domain.ErrNotFound
}

type widthResolver int64

func (w widthResolver) Resolve(_ context.Context, _, price int64) (*int64, error) {
	if price <= 0 {
		return nil, nil
	}
	b := price / int64(w)
	return &b, nil
}

func TestTradeServiceByTraderGroups(t *testing.T) {
	trades := &memTrades{rows: []domain.Trade{
		{ID: 1, Owner: "0xaa", State: domain.TradeStateOrder},
		{ID: 2, Owner: "0xaa", State: domain.TradeStateOpen},
		{ID: 3, Owner: "0xaa", State: domain.TradeStateOpen},
		{ID: 4, Owner: "0xaa", State: domain.TradeStateCancelled},
		{ID: 5, Owner: "0xbb", State: domain.TradeStateClosed},
	}}
	svc := NewTradeService(trades, widthResolver(1), nil, discard())

	got, err := svc.ByTrader(context.Background(), "0xAA")
	require.NoError(t, err)
	assert.Equal(t, "0xaa", got.Owner)
	assert.Len(t, got.Orders, 1)
	assert.Len(t, got.Open, 2)
	assert.Empty(t, got.Closed)
	assert.Len(t, got.Cancelled, 1)
	assert.Equal(t, 4, got.Total())
}

func TestTradeServiceByPrice(t *testing.T) {
	trades := &memTrades{hits: []domain.BucketHit{
		{Field: domain.BucketFieldLimit, Trade: domain.Trade{ID: 1}},
		{Field: domain.BucketFieldStopLoss, Trade: domain.Trade{ID: 2}},
		{Field: domain.BucketFieldLiq, Trade: domain.Trade{ID: 3}},
	}}
	svc := NewTradeService(trades, widthResolver(1_000_000000), nil, discard())

	got, err := svc.ByPrice(context.Background(), 1, 50_500_000000)
	require.NoError(t, err)
	assert.Equal(t, int64(50), got.Bucket)
	assert.Len(t, got.Limit, 1)
	assert.Len(t, got.StopLoss, 1)
	assert.Empty(t, got.TakeProfit)
	assert.Len(t, got.Liq, 1)

	_, err = svc.ByPrice(context.Background(), 1, 0)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}

func TestTradeServiceByIDNotFound(t *testing.T) {
	svc := NewTradeService(&memTrades{}, widthResolver(1), nil, discard())
	_, err := svc.ByID(context.Background(), 77)
	assert.True(t, errors.Is(err, domain.ErrNotFound))
}
