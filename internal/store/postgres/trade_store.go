package postgres

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brokex/tradeindexer/internal/domain"
)

// TradeStore implements domain.TradeStore using PostgreSQL.
type TradeStore struct {
	pool *pgxpool.Pool
}

// NewTradeStore creates a new TradeStore backed by the given connection pool.
func NewTradeStore(pool *pgxpool.Pool) *TradeStore {
	return &TradeStore{pool: pool}
}

const tradeSelectCols = `id, owner_addr, asset_id, long_side, lots, leverage_x,
	margin_usd6, state, entry_x6, target_x6, sl_x6, tp_x6, liq_x6,
	target_bucket, sl_bucket, tp_bucket, liq_bucket,
	removed_reason, exec_x6, pnl_usd6::text,
	COALESCE(last_tx_hash, ''), last_block_num, last_log_index,
	executed_at, closed_at, cancelled_at, created_at, updated_at`

func scanTrade(row pgx.Row) (domain.Trade, error) {
	var (
		t       domain.Trade
		state   string
		reason  *string
		pnl     *string
		logIdx  int32
		lastBlk int64
	)
	if err := row.Scan(
		&t.ID, &t.Owner, &t.AssetID, &t.Long, &t.Lots, &t.Leverage,
		&t.MarginUSD6, &state, &t.EntryX6, &t.TargetX6, &t.StopLossX6, &t.TakeProfitX6, &t.LiqX6,
		&t.TargetBucket, &t.StopLossBucket, &t.TakeProfitBucket, &t.LiqBucket,
		&reason, &t.ExecX6, &pnl,
		&t.LastTxHash, &lastBlk, &logIdx,
		&t.ExecutedAt, &t.ClosedAt, &t.CancelledAt, &t.CreatedAt, &t.UpdatedAt,
	); err != nil {
		return domain.Trade{}, err
	}
	t.State = domain.TradeState(state)
	t.LastBlockNum = uint64(lastBlk)
	t.LastLogIndex = uint(logIdx)
	if reason != nil {
		r := domain.RemoveReason(*reason)
		t.RemovedReason = &r
	}
	if pnl != nil {
		v, ok := new(big.Int).SetString(*pnl, 10)
		if !ok {
			return domain.Trade{}, fmt.Errorf("invalid pnl_usd6 %q", *pnl)
		}
		t.PnLUSD6 = v
	}
	return t, nil
}

func scanTradeRows(rows pgx.Rows) ([]domain.Trade, error) {
	var trades []domain.Trade
	for rows.Next() {
		t, err := scanTrade(rows)
		if err != nil {
			return nil, err
		}
		trades = append(trades, t)
	}
	return trades, rows.Err()
}

// UpsertTrade inserts a created trade. On replay of the same id the creation
// attributes are overwritten; state, entry, stops and provenance are only
// overwritten when the stored provenance is not newer than the incoming one,
// so a replayed creation never rolls back a later execution or removal.
func (s *TradeStore) UpsertTrade(ctx context.Context, t domain.Trade) error {
	const query = `
		INSERT INTO trades (
			id, owner_addr, asset_id, long_side, lots, leverage_x, margin_usd6,
			state, entry_x6, target_x6, sl_x6, tp_x6, liq_x6,
			target_bucket, sl_bucket, tp_bucket, liq_bucket,
			last_tx_hash, last_block_num, last_log_index
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7,
			$8, $9, $10, $11, $12, $13,
			$14, $15, $16, $17,
			$18, $19, $20
		)
		ON CONFLICT (id) DO UPDATE SET
			owner_addr    = EXCLUDED.owner_addr,
			asset_id      = EXCLUDED.asset_id,
			long_side     = EXCLUDED.long_side,
			lots          = EXCLUDED.lots,
			leverage_x    = EXCLUDED.leverage_x,
			margin_usd6   = EXCLUDED.margin_usd6,
			target_x6     = EXCLUDED.target_x6,
			liq_x6        = EXCLUDED.liq_x6,
			target_bucket = EXCLUDED.target_bucket,
			liq_bucket    = EXCLUDED.liq_bucket,
			state = CASE WHEN ` + notNewer + ` THEN EXCLUDED.state ELSE trades.state END,
			entry_x6 = CASE WHEN ` + notNewer + ` THEN EXCLUDED.entry_x6 ELSE trades.entry_x6 END,
			sl_x6 = CASE WHEN ` + notNewer + ` THEN EXCLUDED.sl_x6 ELSE trades.sl_x6 END,
			tp_x6 = CASE WHEN ` + notNewer + ` THEN EXCLUDED.tp_x6 ELSE trades.tp_x6 END,
			sl_bucket = CASE WHEN ` + notNewer + ` THEN EXCLUDED.sl_bucket ELSE trades.sl_bucket END,
			tp_bucket = CASE WHEN ` + notNewer + ` THEN EXCLUDED.tp_bucket ELSE trades.tp_bucket END,
			last_tx_hash = CASE WHEN ` + notNewer + ` THEN EXCLUDED.last_tx_hash ELSE trades.last_tx_hash END,
			last_log_index = CASE WHEN ` + notNewer + ` THEN EXCLUDED.last_log_index ELSE trades.last_log_index END,
			last_block_num = CASE WHEN ` + notNewer + ` THEN EXCLUDED.last_block_num ELSE trades.last_block_num END,
			updated_at = NOW()`

	_, err := s.pool.Exec(ctx, query,
		t.ID, strings.ToLower(t.Owner), t.AssetID, t.Long, t.Lots, t.Leverage, t.MarginUSD6,
		string(t.State), t.EntryX6, t.TargetX6, t.StopLossX6, t.TakeProfitX6, t.LiqX6,
		t.TargetBucket, t.StopLossBucket, t.TakeProfitBucket, t.LiqBucket,
		t.LastTxHash, int64(t.LastBlockNum), int32(t.LastLogIndex),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert trade %d: %w", t.ID, err)
	}
	return nil
}

// notNewer is true when the stored row's provenance does not follow the
// incoming one. last_block_num is assigned last in the SET list but every
// CASE reads the pre-update row, so the order does not matter.
const notNewer = `(trades.last_block_num, trades.last_log_index) <= (EXCLUDED.last_block_num, EXCLUDED.last_log_index)`

// buildTradeUpdate renders the compare-and-set UPDATE for a patch.
func buildTradeUpdate(id int64, expected domain.TradeState, p domain.TradePatch) (string, []any) {
	var (
		sets []string
		args = []any{id, string(expected)}
	)
	add := func(col string, v any) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = $%d", col, len(args)))
	}
	stamp := func(col string, v time.Time) {
		args = append(args, v)
		sets = append(sets, fmt.Sprintf("%s = COALESCE(%s, $%d)", col, col, len(args)))
	}

	if p.State != nil {
		add("state", string(*p.State))
	}
	if p.EntryX6 != nil {
		add("entry_x6", *p.EntryX6)
	}
	if p.SetStops {
		add("sl_x6", p.StopLossX6)
		add("tp_x6", p.TakeProfitX6)
		add("sl_bucket", p.StopLossBucket)
		add("tp_bucket", p.TakeProfitBucket)
	}
	if p.RemovedReason != nil {
		add("removed_reason", string(*p.RemovedReason))
	}
	if p.ExecX6 != nil {
		add("exec_x6", *p.ExecX6)
	}
	if p.PnLUSD6 != nil {
		args = append(args, p.PnLUSD6.String())
		sets = append(sets, fmt.Sprintf("pnl_usd6 = $%d::numeric", len(args)))
	}
	if p.ExecutedAt != nil {
		stamp("executed_at", *p.ExecutedAt)
	}
	if p.ClosedAt != nil {
		stamp("closed_at", *p.ClosedAt)
	}
	if p.CancelledAt != nil {
		stamp("cancelled_at", *p.CancelledAt)
	}
	// Provenance only moves forward; a lagging event keeps the newer origin.
	args = append(args, p.Provenance.TxHash, int64(p.Provenance.BlockNumber), int32(p.Provenance.LogIndex))
	tx, blk, idx := len(args)-2, len(args)-1, len(args)
	newer := fmt.Sprintf("(last_block_num, last_log_index) <= ($%d, $%d)", blk, idx)
	sets = append(sets,
		fmt.Sprintf("last_tx_hash = CASE WHEN %s THEN $%d ELSE last_tx_hash END", newer, tx),
		fmt.Sprintf("last_block_num = CASE WHEN %s THEN $%d ELSE last_block_num END", newer, blk),
		fmt.Sprintf("last_log_index = CASE WHEN %s THEN $%d ELSE last_log_index END", newer, idx),
		"updated_at = NOW()",
	)

	query := "UPDATE trades SET " + strings.Join(sets, ", ") + " WHERE id = $1 AND state = $2"
	return query, args
}

// UpdateTrade applies patch only while the stored state equals expected.
func (s *TradeStore) UpdateTrade(ctx context.Context, id int64, expected domain.TradeState, patch domain.TradePatch) error {
	query, args := buildTradeUpdate(id, expected, patch)
	tag, err := s.pool.Exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("postgres: update trade %d: %w", id, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	// Zero rows: either the id is unknown or the state moved.
	if _, err := s.Lookup(ctx, id); err != nil {
		return err
	}
	return fmt.Errorf("postgres: update trade %d from %s: %w", id, expected, domain.ErrStateConflict)
}

// Lookup returns the fields the projector needs before writing.
func (s *TradeStore) Lookup(ctx context.Context, id int64) (domain.TradeRef, error) {
	var (
		ref      domain.TradeRef
		state    string
		block    int64
		logIndex int32
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, asset_id, state, COALESCE(last_tx_hash, ''), last_block_num, last_log_index
		 FROM trades WHERE id = $1`, id,
	).Scan(&ref.ID, &ref.AssetID, &state, &ref.LastTxHash, &block, &logIndex)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.TradeRef{}, domain.ErrNotFound
		}
		return domain.TradeRef{}, fmt.Errorf("postgres: lookup trade %d: %w", id, err)
	}
	ref.State = domain.TradeState(state)
	ref.LastBlockNum = uint64(block)
	ref.LastLogIndex = uint(logIndex)
	return ref, nil
}

// GetAssetID returns domain.ErrNotFound when the trade has not landed yet.
func (s *TradeStore) GetAssetID(ctx context.Context, id int64) (int64, error) {
	ref, err := s.Lookup(ctx, id)
	if err != nil {
		return 0, err
	}
	return ref.AssetID, nil
}

func (s *TradeStore) GetByID(ctx context.Context, id int64) (domain.Trade, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+tradeSelectCols+` FROM trades WHERE id = $1`, id)
	t, err := scanTrade(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Trade{}, domain.ErrNotFound
		}
		return domain.Trade{}, fmt.Errorf("postgres: get trade %d: %w", id, err)
	}
	return t, nil
}

// ListByOwner returns an owner's trades, newest id first.
func (s *TradeStore) ListByOwner(ctx context.Context, owner string, opts domain.ListOpts) ([]domain.Trade, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades WHERE owner_addr = $1`
	args := []any{strings.ToLower(owner)}
	argIdx := 2

	if opts.Since != nil {
		query += fmt.Sprintf(" AND created_at >= $%d", argIdx)
		args = append(args, *opts.Since)
		argIdx++
	}
	if opts.Until != nil {
		query += fmt.Sprintf(" AND created_at <= $%d", argIdx)
		args = append(args, *opts.Until)
		argIdx++
	}

	query += " ORDER BY id DESC"

	if opts.Limit > 0 {
		query += fmt.Sprintf(" LIMIT $%d", argIdx)
		args = append(args, opts.Limit)
		argIdx++
	}
	if opts.Offset > 0 {
		query += fmt.Sprintf(" OFFSET $%d", argIdx)
		args = append(args, opts.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by owner: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by owner: %w", err)
	}
	return trades, nil
}

// ListByBucket returns every trade of the asset with any bucketed price in
// bucket, one hit per matching field.
func (s *TradeStore) ListByBucket(ctx context.Context, assetID, bucket int64) ([]domain.BucketHit, error) {
	query := `SELECT ` + tradeSelectCols + ` FROM trades
		WHERE asset_id = $1
		  AND (target_bucket = $2 OR sl_bucket = $2 OR tp_bucket = $2 OR liq_bucket = $2)
		ORDER BY id`

	rows, err := s.pool.Query(ctx, query, assetID, bucket)
	if err != nil {
		return nil, fmt.Errorf("postgres: list trades by bucket: %w", err)
	}
	defer rows.Close()

	trades, err := scanTradeRows(rows)
	if err != nil {
		return nil, fmt.Errorf("postgres: scan trades by bucket: %w", err)
	}
	return classifyBucketHits(trades, bucket), nil
}

func classifyBucketHits(trades []domain.Trade, bucket int64) []domain.BucketHit {
	match := func(b *int64) bool { return b != nil && *b == bucket }

	var hits []domain.BucketHit
	for _, t := range trades {
		if match(t.TargetBucket) {
			hits = append(hits, domain.BucketHit{Field: domain.BucketFieldLimit, Trade: t})
		}
		if match(t.StopLossBucket) {
			hits = append(hits, domain.BucketHit{Field: domain.BucketFieldStopLoss, Trade: t})
		}
		if match(t.TakeProfitBucket) {
			hits = append(hits, domain.BucketHit{Field: domain.BucketFieldTakeProfit, Trade: t})
		}
		if match(t.LiqBucket) {
			hits = append(hits, domain.BucketHit{Field: domain.BucketFieldLiq, Trade: t})
		}
	}
	return hits
}

// Compile-time interface check.
var _ domain.TradeStore = (*TradeStore)(nil)
