package service

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/brokex/tradeindexer/internal/domain"
)

// TraderTrades is one owner's trades grouped by lifecycle state.
type TraderTrades struct {
	Owner     string
	Orders    []domain.Trade
	Open      []domain.Trade
	Closed    []domain.Trade
	Cancelled []domain.Trade
}

// Total returns the number of trades across all groups.
func (t TraderTrades) Total() int {
	return len(t.Orders) + len(t.Open) + len(t.Closed) + len(t.Cancelled)
}

// PriceMatches lists trades whose bucketed prices fall in the bucket of a
// queried price.
type PriceMatches struct {
	AssetID    int64
	PriceX6    int64
	Bucket     int64
	Limit      []domain.Trade
	StopLoss   []domain.Trade
	TakeProfit []domain.Trade
	Liq        []domain.Trade
}

// TradeService answers the read API over the projected trades.
type TradeService struct {
	trades    domain.TradeStore
	buckets   domain.BucketResolver
	anomalies domain.ReconciliationStore
	logger    *slog.Logger
}

// NewTradeService creates a TradeService.
func NewTradeService(
	trades domain.TradeStore,
	buckets domain.BucketResolver,
	anomalies domain.ReconciliationStore,
	logger *slog.Logger,
) *TradeService {
	return &TradeService{
		trades:    trades,
		buckets:   buckets,
		anomalies: anomalies,
		logger:    logger.With(slog.String("component", "trade_service")),
	}
}

// ByID returns one trade or domain.ErrNotFound.
func (s *TradeService) ByID(ctx context.Context, id int64) (domain.Trade, error) {
	t, err := s.trades.GetByID(ctx, id)
	if err != nil {
		return domain.Trade{}, fmt.Errorf("trade_service: get %d: %w", id, err)
	}
	return t, nil
}

// ByTrader returns every trade of owner grouped by state.
func (s *TradeService) ByTrader(ctx context.Context, owner string) (TraderTrades, error) {
	owner = strings.ToLower(owner)
	rows, err := s.trades.ListByOwner(ctx, owner, domain.ListOpts{})
	if err != nil {
		return TraderTrades{}, fmt.Errorf("trade_service: list owner %s: %w", owner, err)
	}

	out := TraderTrades{Owner: owner}
	for _, t := range rows {
		switch t.State {
		case domain.TradeStateOrder:
			out.Orders = append(out.Orders, t)
		case domain.TradeStateOpen:
			out.Open = append(out.Open, t)
		case domain.TradeStateClosed:
			out.Closed = append(out.Closed, t)
		case domain.TradeStateCancelled:
			out.Cancelled = append(out.Cancelled, t)
		default:
			s.logger.WarnContext(ctx, "trade in unknown state",
				slog.Int64("trade_id", t.ID),
				slog.String("state", string(t.State)),
			)
		}
	}
	return out, nil
}

// ByPrice resolves priceX6 to its bucket and returns the trades whose limit,
// stop-loss, take-profit or liquidation price share it. It returns
// domain.ErrNotFound when the price falls in no bucket.
func (s *TradeService) ByPrice(ctx context.Context, assetID, priceX6 int64) (PriceMatches, error) {
	bucket, err := s.buckets.Resolve(ctx, assetID, priceX6)
	if err != nil {
		return PriceMatches{}, fmt.Errorf("trade_service: resolve bucket: %w", err)
	}
	if bucket == nil {
		return PriceMatches{}, fmt.Errorf("trade_service: asset %d price %d: %w", assetID, priceX6, domain.ErrNotFound)
	}

	hits, err := s.trades.ListByBucket(ctx, assetID, *bucket)
	if err != nil {
		return PriceMatches{}, fmt.Errorf("trade_service: list bucket %d: %w", *bucket, err)
	}

	out := PriceMatches{AssetID: assetID, PriceX6: priceX6, Bucket: *bucket}
	for _, h := range hits {
		switch h.Field {
		case domain.BucketFieldLimit:
			out.Limit = append(out.Limit, h.Trade)
		case domain.BucketFieldStopLoss:
			out.StopLoss = append(out.StopLoss, h.Trade)
		case domain.BucketFieldTakeProfit:
			out.TakeProfit = append(out.TakeProfit, h.Trade)
		case domain.BucketFieldLiq:
			out.Liq = append(out.Liq, h.Trade)
		}
	}
	return out, nil
}

// Anomalies lists recent reconciliation findings, newest first.
func (s *TradeService) Anomalies(ctx context.Context, opts domain.ListOpts) ([]domain.Anomaly, error) {
	if s.anomalies == nil {
		return nil, nil
	}
	rows, err := s.anomalies.List(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("trade_service: list anomalies: %w", err)
	}
	return rows, nil
}
