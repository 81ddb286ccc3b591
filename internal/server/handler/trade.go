package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/brokex/tradeindexer/internal/domain"
	"github.com/brokex/tradeindexer/internal/fixedpoint"
	"github.com/brokex/tradeindexer/internal/service"
)

// TradeService defines the read queries the trade handler needs. It is
// declared locally so the handler does not depend on the concrete service.
type TradeService interface {
	ByID(ctx context.Context, id int64) (domain.Trade, error)
	ByTrader(ctx context.Context, owner string) (service.TraderTrades, error)
	ByPrice(ctx context.Context, assetID, priceX6 int64) (service.PriceMatches, error)
	Anomalies(ctx context.Context, opts domain.ListOpts) ([]domain.Anomaly, error)
}

// TradeHandler serves trade lookups.
type TradeHandler struct {
	trades TradeService
	logger *slog.Logger
}

// NewTradeHandler creates a TradeHandler.
func NewTradeHandler(trades TradeService, logger *slog.Logger) *TradeHandler {
	return &TradeHandler{trades: trades, logger: logger}
}

// tradeView renders a trade with fixed-point fields both raw and as decimal
// strings.
type tradeView struct {
	ID         int64   `json:"id"`
	Owner      string  `json:"owner"`
	AssetID    int64   `json:"asset_id"`
	Side       string  `json:"side"`
	Lots       int64   `json:"lots"`
	Leverage   int64   `json:"leverage"`
	State      string  `json:"state"`
	MarginUSD6 int64   `json:"margin_usd6"`
	Margin     string  `json:"margin"`
	EntryX6    int64   `json:"entry_x6"`
	Entry      string  `json:"entry"`
	TargetX6   int64   `json:"target_x6"`
	Target     string  `json:"target"`
	StopLossX6 int64   `json:"sl_x6"`
	StopLoss   string  `json:"sl"`
	TakeProfX6 int64   `json:"tp_x6"`
	TakeProf   string  `json:"tp"`
	LiqX6      int64   `json:"liq_x6"`
	Liq        string  `json:"liq"`
	Reason     *string `json:"removed_reason,omitempty"`
	ExecX6     int64   `json:"exec_x6,omitempty"`
	PnLUSD6    *string `json:"pnl_usd6,omitempty"`
	PnL        *string `json:"pnl,omitempty"`

	LastTxHash   string `json:"last_tx_hash"`
	LastBlockNum uint64 `json:"last_block_num"`
	LastLogIndex uint   `json:"last_log_index"`

	ExecutedAt  *time.Time `json:"executed_at,omitempty"`
	ClosedAt    *time.Time `json:"closed_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func newTradeView(t domain.Trade) tradeView {
	v := tradeView{
		ID:           t.ID,
		Owner:        t.Owner,
		AssetID:      t.AssetID,
		Side:         "SHORT",
		Lots:         t.Lots,
		Leverage:     t.Leverage,
		State:        string(t.State),
		MarginUSD6:   t.MarginUSD6,
		Margin:       fixedpoint.FormatX6(t.MarginUSD6),
		EntryX6:      t.EntryX6,
		Entry:        fixedpoint.FormatX6(t.EntryX6),
		TargetX6:     t.TargetX6,
		Target:       fixedpoint.FormatX6(t.TargetX6),
		StopLossX6:   t.StopLossX6,
		StopLoss:     fixedpoint.FormatX6(t.StopLossX6),
		TakeProfX6:   t.TakeProfitX6,
		TakeProf:     fixedpoint.FormatX6(t.TakeProfitX6),
		LiqX6:        t.LiqX6,
		Liq:          fixedpoint.FormatX6(t.LiqX6),
		ExecX6:       t.ExecX6,
		LastTxHash:   t.LastTxHash,
		LastBlockNum: t.LastBlockNum,
		LastLogIndex: t.LastLogIndex,
		ExecutedAt:   t.ExecutedAt,
		ClosedAt:     t.ClosedAt,
		CancelledAt:  t.CancelledAt,
		CreatedAt:    t.CreatedAt,
		UpdatedAt:    t.UpdatedAt,
	}
	if t.Long {
		v.Side = "LONG"
	}
	if t.RemovedReason != nil {
		r := string(*t.RemovedReason)
		v.Reason = &r
	}
	if t.PnLUSD6 != nil {
		raw := t.PnLUSD6.String()
		dec := fixedpoint.FormatBigX6(t.PnLUSD6)
		v.PnLUSD6 = &raw
		v.PnL = &dec
	}
	return v
}

func newTradeViews(rows []domain.Trade) []tradeView {
	out := make([]tradeView, 0, len(rows))
	for _, t := range rows {
		out = append(out, newTradeView(t))
	}
	return out
}

// GetTrade returns one trade.
// GET /api/trades/{id}
func (h *TradeHandler) GetTrade(w http.ResponseWriter, r *http.Request) {
	id, err := int64Param(r.PathValue("id"), "trade id")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	t, err := h.trades.ByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "trade not found")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: get trade failed",
			slog.Int64("trade_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get trade")
		return
	}
	writeJSON(w, http.StatusOK, newTradeView(t))
}

// ByTrader returns an owner's trades grouped by state with counts.
// GET /api/trades/by-trader/{address}
func (h *TradeHandler) ByTrader(w http.ResponseWriter, r *http.Request) {
	addr := r.PathValue("address")
	if !common.IsHexAddress(addr) {
		writeError(w, http.StatusBadRequest, "invalid trader address")
		return
	}

	got, err := h.trades.ByTrader(r.Context(), strings.ToLower(addr))
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: trades by trader failed",
			slog.String("owner", addr),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"owner": got.Owner,
		"total": got.Total(),
		"counts": map[string]int{
			string(domain.TradeStateOrder):     len(got.Orders),
			string(domain.TradeStateOpen):      len(got.Open),
			string(domain.TradeStateClosed):    len(got.Closed),
			string(domain.TradeStateCancelled): len(got.Cancelled),
		},
		"orders":    newTradeViews(got.Orders),
		"open":      newTradeViews(got.Open),
		"closed":    newTradeViews(got.Closed),
		"cancelled": newTradeViews(got.Cancelled),
	})
}

// ByPrice returns the trades whose bucketed prices share the bucket of the
// queried price. price_x6 may be given raw or as a decimal via price.
// GET /api/trades/by-price?asset=1&price_x6=50000000000
func (h *TradeHandler) ByPrice(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asset, err := int64Param(q.Get("asset"), "asset")
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	var price int64
	if dec := q.Get("price"); dec != "" && q.Get("price_x6") == "" {
		price, err = fixedpoint.ParseX6(dec)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid price")
			return
		}
	} else {
		price, err = int64Param(q.Get("price_x6"), "price_x6")
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if price <= 0 {
		writeError(w, http.StatusBadRequest, "price must be positive")
		return
	}

	got, err := h.trades.ByPrice(r.Context(), asset, price)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "price falls in no bucket")
			return
		}
		h.logger.ErrorContext(r.Context(), "handler: trades by price failed",
			slog.Int64("asset_id", asset),
			slog.Int64("price_x6", price),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list trades")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"asset_id": got.AssetID,
		"price_x6": got.PriceX6,
		"price":    fixedpoint.FormatX6(got.PriceX6),
		"bucket":   got.Bucket,
		"LIMIT":    newTradeViews(got.Limit),
		"SL":       newTradeViews(got.StopLoss),
		"TP":       newTradeViews(got.TakeProfit),
		"LIQ":      newTradeViews(got.Liq),
	})
}

type anomalyView struct {
	ID          int64           `json:"id"`
	Stream      domain.Category `json:"stream"`
	TradeID     int64           `json:"trade_id"`
	TxHash      string          `json:"tx_hash"`
	BlockNumber uint64          `json:"block_number"`
	LogIndex    uint            `json:"log_index"`
	StoredState string          `json:"stored_state"`
	TargetState string          `json:"target_state"`
	Applied     bool            `json:"applied"`
	Detail      map[string]any  `json:"detail,omitempty"`
	CreatedAt   time.Time       `json:"created_at"`
}

// ListAnomalies returns recent reconciliation findings, newest first.
// GET /api/anomalies?limit=50&offset=0
func (h *TradeHandler) ListAnomalies(w http.ResponseWriter, r *http.Request) {
	opts := parseListOpts(r)
	rows, err := h.trades.Anomalies(r.Context(), opts)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "handler: list anomalies failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list anomalies")
		return
	}

	views := make([]anomalyView, 0, len(rows))
	for _, a := range rows {
		views = append(views, anomalyView{
			ID:          a.ID,
			Stream:      a.Stream,
			TradeID:     a.TradeID,
			TxHash:      a.TxHash,
			BlockNumber: a.BlockNumber,
			LogIndex:    a.LogIndex,
			StoredState: string(a.StoredState),
			TargetState: string(a.TargetState),
			Applied:     a.Applied,
			Detail:      a.Detail,
			CreatedAt:   a.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"anomalies": views,
		"limit":     opts.Limit,
		"offset":    opts.Offset,
	})
}
