package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brokex/tradeindexer/internal/domain"
)

// ReconciliationStore implements domain.ReconciliationStore using PostgreSQL.
type ReconciliationStore struct {
	pool *pgxpool.Pool
}

// NewReconciliationStore creates a new ReconciliationStore backed by the given
// connection pool.
func NewReconciliationStore(pool *pgxpool.Pool) *ReconciliationStore {
	return &ReconciliationStore{pool: pool}
}

// Log appends one anomaly. The detail map is stored as JSONB.
func (s *ReconciliationStore) Log(ctx context.Context, a domain.Anomaly) error {
	detailJSON, err := json.Marshal(a.Detail)
	if err != nil {
		return fmt.Errorf("postgres: marshal anomaly detail: %w", err)
	}

	const query = `
		INSERT INTO reconciliation_log (
			stream, trade_id, tx_hash, block_num, log_index,
			stored_state, target_state, applied, detail
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`
	_, err = s.pool.Exec(ctx, query,
		string(a.Stream), a.TradeID, a.TxHash, int64(a.BlockNumber), int32(a.LogIndex),
		string(a.StoredState), string(a.TargetState), a.Applied, detailJSON,
	)
	if err != nil {
		return fmt.Errorf("postgres: log anomaly for trade %d: %w", a.TradeID, err)
	}
	return nil
}

// List returns anomalies with pagination and optional time filtering.
func (s *ReconciliationStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.Anomaly, error) {
	query := `SELECT id, stream, trade_id, tx_hash, block_num, log_index,
		stored_state, target_state, applied, detail, created_at
		FROM reconciliation_log WHERE 1=1`
	args := []any{}
	argIdx := 1

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

	query += " ORDER BY created_at DESC"

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
		return nil, fmt.Errorf("postgres: list anomalies: %w", err)
	}
	defer rows.Close()

	var out []domain.Anomaly
	for rows.Next() {
		var (
			a                   domain.Anomaly
			stream, stored, tgt string
			block               int64
			logIdx              int32
			detailJSON          []byte
		)
		if err := rows.Scan(&a.ID, &stream, &a.TradeID, &a.TxHash, &block, &logIdx,
			&stored, &tgt, &a.Applied, &detailJSON, &a.CreatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan anomaly: %w", err)
		}
		a.Stream = domain.Category(stream)
		a.StoredState = domain.TradeState(stored)
		a.TargetState = domain.TradeState(tgt)
		a.BlockNumber = uint64(block)
		a.LogIndex = uint(logIdx)

		if detailJSON != nil {
			if err := json.Unmarshal(detailJSON, &a.Detail); err != nil {
				return nil, fmt.Errorf("postgres: unmarshal anomaly detail: %w", err)
			}
		}
		out = append(out, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list anomalies rows: %w", err)
	}
	return out, nil
}

var _ domain.ReconciliationStore = (*ReconciliationStore)(nil)
