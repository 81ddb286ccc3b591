package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/brokex/tradeindexer/internal/domain"
	"github.com/brokex/tradeindexer/internal/metrics"
)

// BackfillConfig controls range walking.
type BackfillConfig struct {
	BatchBlocks     uint64
	BatchPause      time.Duration
	FetchRetryPause time.Duration
	// RewindBlocks re-walks this many already committed blocks on every
	// pass. Dedup and idempotent writes make the overlap harmless.
	RewindBlocks uint64
}

// BatchArchiver stores the raw events of one fetched range.
type BatchArchiver interface {
	ArchiveBatch(ctx context.Context, stream domain.Category, from, to uint64, events []domain.LedgerEvent) error
}

// Backfiller drains history from the cursor to the ledger tip in fixed
// block ranges.
type Backfiller struct {
	stream   domain.Category
	source   domain.LedgerSource
	cursors  domain.CursorStore
	proc     EventProcessor
	archiver BatchArchiver
	cfg      BackfillConfig
	metrics  *metrics.Metrics
	sleep    func(context.Context, time.Duration) error
	logger   *slog.Logger
}

// NewBackfiller creates a Backfiller. archiver may be nil.
func NewBackfiller(
	stream domain.Category,
	source domain.LedgerSource,
	cursors domain.CursorStore,
	proc EventProcessor,
	archiver BatchArchiver,
	cfg BackfillConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Backfiller {
	if cfg.BatchBlocks == 0 {
		cfg.BatchBlocks = 5000
	}
	return &Backfiller{
		stream:   stream,
		source:   source,
		cursors:  cursors,
		proc:     proc,
		archiver: archiver,
		cfg:      cfg,
		metrics:  m,
		sleep:    sleepCtx,
		logger:   logger.With(slog.String("component", "backfill"), slog.String("stream", string(stream))),
	}
}

// Run walks (committed, tip] and returns the new committed block. When
// startOverride is non-zero and precedes committed+1 the walk starts there
// instead. The cursor never moves backwards; a range whose fetch or writes
// fail is retried until it succeeds or ctx ends.
func (b *Backfiller) Run(ctx context.Context, committed, startOverride uint64) (uint64, error) {
	from := committed + 1
	if b.cfg.RewindBlocks > 0 {
		if b.cfg.RewindBlocks >= from {
			from = 1
		} else {
			from -= b.cfg.RewindBlocks
		}
	}
	if startOverride > 0 && startOverride < from {
		from = startOverride
	}

	tip, err := b.tip(ctx)
	if err != nil {
		return committed, err
	}

	b.logger.InfoContext(ctx, "backfill starting",
		slog.Uint64("from", from),
		slog.Uint64("tip", tip),
		slog.Uint64("cursor", committed),
		slog.Uint64("batch_blocks", b.cfg.BatchBlocks),
	)

	for start := from; start <= tip; {
		end := start + b.cfg.BatchBlocks - 1
		if end > tip || end < start {
			end = tip
		}

		began := time.Now()
		ok, err := b.runRange(ctx, start, end)
		if err != nil {
			return committed, err
		}
		if !ok {
			if err := b.sleep(ctx, b.cfg.FetchRetryPause); err != nil {
				return committed, err
			}
			continue
		}
		b.metrics.Batch(string(b.stream), time.Since(began))

		if end > committed {
			if err := b.cursors.Save(ctx, b.stream, end); err != nil {
				// Not fatal: a later save covers this range.
				b.logger.WarnContext(ctx, "cursor save failed",
					slog.Uint64("block", end),
					slog.String("error", err.Error()),
				)
			} else {
				committed = end
				b.metrics.Cursor(string(b.stream), committed)
			}
		}

		start = end + 1
		if start <= tip {
			if err := b.sleep(ctx, b.cfg.BatchPause); err != nil {
				return committed, err
			}
		}
	}

	b.logger.InfoContext(ctx, "backfill complete",
		slog.Uint64("cursor", committed),
		slog.Uint64("tip", tip),
	)
	return committed, nil
}

func (b *Backfiller) tip(ctx context.Context) (uint64, error) {
	for {
		tip, err := b.source.Tip(ctx)
		if err == nil {
			b.metrics.Tip(tip)
			return tip, nil
		}
		b.metrics.FetchFailed(string(b.stream))
		b.logger.WarnContext(ctx, "tip query failed, retrying",
			slog.Duration("pause", b.cfg.FetchRetryPause),
			slog.String("error", err.Error()),
		)
		if err := b.sleep(ctx, b.cfg.FetchRetryPause); err != nil {
			return 0, err
		}
	}
}

// runRange fetches and applies one range. ok is false when the range must
// be retried; err is only set when ctx ended.
func (b *Backfiller) runRange(ctx context.Context, start, end uint64) (ok bool, err error) {
	events, err := b.source.FetchEvents(ctx, b.stream, start, end)
	if err != nil {
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		b.metrics.FetchFailed(string(b.stream))
		b.logger.WarnContext(ctx, "range fetch failed, retrying",
			slog.Uint64("from", start),
			slog.Uint64("to", end),
			slog.String("error", err.Error()),
		)
		return false, nil
	}
	domain.SortEvents(events)

	if b.archiver != nil && len(events) > 0 {
		if err := b.archiver.ArchiveBatch(ctx, b.stream, start, end, events); err != nil {
			b.logger.WarnContext(ctx, "batch archive failed",
				slog.Uint64("from", start),
				slog.Uint64("to", end),
				slog.String("error", err.Error()),
			)
		}
	}

	for i, ev := range events {
		if err := b.proc.Process(ctx, ev); err != nil {
			if ctx.Err() != nil {
				return false, ctx.Err()
			}
			b.logger.ErrorContext(ctx, "range not committed, will retry",
				slog.Uint64("from", start),
				slog.Uint64("to", end),
				slog.Int("applied", i),
				slog.Int("events", len(events)),
				slog.String("tx_hash", ev.TxHash),
				slog.String("error", err.Error()),
			)
			return false, nil
		}
	}

	b.logger.DebugContext(ctx, "range applied",
		slog.Uint64("from", start),
		slog.Uint64("to", end),
		slog.Int("events", len(events)),
	)
	return true, nil
}
