package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/brokex/tradeindexer/internal/domain"
)

// CursorStore implements domain.CursorStore using the ingest_cursors table.
type CursorStore struct {
	pool *pgxpool.Pool
}

func NewCursorStore(pool *pgxpool.Pool) *CursorStore {
	return &CursorStore{pool: pool}
}

// Load returns the committed block for stream, or 0 when none was saved.
func (s *CursorStore) Load(ctx context.Context, stream domain.Category) (uint64, error) {
	var block int64
	err := s.pool.QueryRow(ctx,
		`SELECT block_num FROM ingest_cursors WHERE stream = $1`, string(stream),
	).Scan(&block)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, nil
		}
		return 0, fmt.Errorf("postgres: load cursor %s: %w", stream, err)
	}
	return uint64(block), nil
}

// Save overwrites the cursor. Callers pass non-decreasing values.
func (s *CursorStore) Save(ctx context.Context, stream domain.Category, block uint64) error {
	const query = `
		INSERT INTO ingest_cursors (stream, block_num, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (stream) DO UPDATE SET
			block_num  = EXCLUDED.block_num,
			updated_at = NOW()`
	if _, err := s.pool.Exec(ctx, query, string(stream), int64(block)); err != nil {
		return fmt.Errorf("postgres: save cursor %s=%d: %w", stream, block, err)
	}
	return nil
}

func (s *CursorStore) List(ctx context.Context) ([]domain.Cursor, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT stream, block_num, updated_at FROM ingest_cursors ORDER BY stream`)
	if err != nil {
		return nil, fmt.Errorf("postgres: list cursors: %w", err)
	}
	defer rows.Close()

	var cursors []domain.Cursor
	for rows.Next() {
		var (
			c      domain.Cursor
			stream string
			block  int64
		)
		if err := rows.Scan(&stream, &block, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("postgres: scan cursor: %w", err)
		}
		c.Stream = domain.Category(stream)
		c.Block = uint64(block)
		cursors = append(cursors, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: list cursors rows: %w", err)
	}
	return cursors, nil
}

var _ domain.CursorStore = (*CursorStore)(nil)
