package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/brokex/tradeindexer/internal/domain"
	"github.com/brokex/tradeindexer/internal/metrics"
	"github.com/brokex/tradeindexer/internal/notify"
)

// ErrEventFailed marks an event that could not be applied after every retry.
// The batch or live delivery carrying it must not advance the cursor.
var ErrEventFailed = errors.New("event not applied")

// EventProcessor is the single application path shared by backfill and
// live delivery.
type EventProcessor interface {
	Process(ctx context.Context, ev domain.LedgerEvent) error
}

// Processor gates events through the dedup cache, projects them with
// bounded retries and fans applied changes out.
type Processor struct {
	stream    domain.Category
	dedup     domain.DedupCache
	projector *Projector
	publisher domain.ChangePublisher
	alerts    Alerter
	policy    RetryPolicy
	metrics   *metrics.Metrics
	sleep     func(context.Context, time.Duration) error
	logger    *slog.Logger

	// orphans counts exhausted missing-row passes per event.
	mu      sync.Mutex
	orphans map[domain.EventKey]int
}

// NewProcessor creates a Processor for one stream. publisher and alerts may
// be nil.
func NewProcessor(
	stream domain.Category,
	dedup domain.DedupCache,
	projector *Projector,
	publisher domain.ChangePublisher,
	alerts Alerter,
	policy RetryPolicy,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Processor {
	return &Processor{
		stream:    stream,
		dedup:     dedup,
		projector: projector,
		publisher: publisher,
		alerts:    alerts,
		policy:    policy,
		metrics:   m,
		sleep:     sleepCtx,
		logger:    logger.With(slog.String("component", "processor"), slog.String("stream", string(stream))),
		orphans:   make(map[domain.EventKey]int),
	}
}

// Process applies ev unless it was seen recently. It returns an error
// wrapping ErrEventFailed when the event could not be applied, or the
// context error on shutdown.
func (p *Processor) Process(ctx context.Context, ev domain.LedgerEvent) error {
	key := ev.Key()

	seen, err := p.dedup.Seen(ctx, key)
	if err != nil {
		// The projection is idempotent, so a cache outage only costs a
		// redundant write.
		p.logger.WarnContext(ctx, "dedup lookup failed, applying anyway",
			slog.String("tx_hash", ev.TxHash),
			slog.Uint64("log_index", uint64(ev.LogIndex)),
			slog.String("error", err.Error()),
		)
	}
	if seen {
		p.metrics.Skipped(string(p.stream))
		p.logger.DebugContext(ctx, "duplicate event skipped",
			slog.String("tx_hash", ev.TxHash),
			slog.Uint64("log_index", uint64(ev.LogIndex)),
		)
		return nil
	}

	out, err := p.apply(ctx, ev)
	if err != nil {
		return err
	}

	if err := p.dedup.Mark(ctx, key); err != nil {
		p.logger.WarnContext(ctx, "dedup mark failed",
			slog.String("tx_hash", ev.TxHash),
			slog.Uint64("log_index", uint64(ev.LogIndex)),
			slog.String("error", err.Error()),
		)
	}
	if !out.Unresolved {
		p.metrics.Applied(string(p.stream))
	}

	if p.publisher != nil && out.Written {
		change := domain.TradeChange{
			Stream:   p.stream,
			TradeID:  out.TradeID,
			State:    out.State,
			TxHash:   ev.TxHash,
			Block:    ev.BlockNumber,
			LogIndex: ev.LogIndex,
			Anomaly:  out.Anomaly,
		}
		if err := p.publisher.PublishChange(ctx, change); err != nil {
			p.metrics.PublishFailed()
			p.logger.WarnContext(ctx, "change publish failed",
				slog.Int64("trade_id", out.TradeID),
				slog.String("error", err.Error()),
			)
		}
	}

	p.logger.DebugContext(ctx, "event applied",
		slog.Int64("trade_id", out.TradeID),
		slog.String("state", string(out.State)),
		slog.String("tx_hash", ev.TxHash),
		slog.Uint64("block", ev.BlockNumber),
	)
	return nil
}

// apply runs the projector with the write and missing-row retry budgets.
func (p *Processor) apply(ctx context.Context, ev domain.LedgerEvent) (Outcome, error) {
	writeFailures, missing := 0, 0
	for {
		out, err := p.projector.Apply(ctx, ev)
		if err == nil {
			p.forgetOrphan(ev.Key())
			return out, nil
		}
		if ctx.Err() != nil {
			return Outcome{}, ctx.Err()
		}

		var wait time.Duration
		switch {
		case errors.Is(err, domain.ErrInvalidEvent):
			p.logFailure(ctx, ev, "invalid event dropped", err)
			return Outcome{}, fmt.Errorf("%w: %v", ErrEventFailed, err)

		case errors.Is(err, domain.ErrNotFound):
			missing++
			p.metrics.MissingRow(string(p.stream))
			if missing >= p.policy.MissingRowAttempts {
				return p.orphaned(ctx, ev, err)
			}
			wait = p.policy.MissingRowDelay
			p.logger.WarnContext(ctx, "trade row not found, retrying",
				slog.Int64("trade_id", ev.TradeID()),
				slog.String("tx_hash", ev.TxHash),
				slog.Int("attempt", missing),
				slog.Duration("delay", wait),
			)

		default:
			writeFailures++
			if writeFailures >= p.policy.WriteAttempts {
				p.metrics.WriteFailed(string(p.stream))
				p.logFailure(ctx, ev, "write failed after retries", err)
				p.alert(ctx, notify.EventWriteFailed, "Trade write failed", ev, err)
				return Outcome{}, fmt.Errorf("%w: %v", ErrEventFailed, err)
			}
			wait = Backoff(p.policy.WriteBackoff, p.policy.MaxBackoff, writeFailures-1)
			p.logger.WarnContext(ctx, "write failed, retrying",
				slog.Int64("trade_id", ev.TradeID()),
				slog.String("tx_hash", ev.TxHash),
				slog.Int("attempt", writeFailures),
				slog.Duration("backoff", wait),
				slog.String("error", err.Error()),
			)
		}

		if err := p.sleep(ctx, wait); err != nil {
			return Outcome{}, err
		}
	}
}

// orphaned handles an event whose trade row did not appear within one
// pass. The pass fails until MissingRowPasses is reached; then the event is
// recorded as unresolved, alerted once and let through so the cursor can
// move past it.
func (p *Processor) orphaned(ctx context.Context, ev domain.LedgerEvent, err error) (Outcome, error) {
	key := ev.Key()
	p.mu.Lock()
	p.orphans[key]++
	passes := p.orphans[key]
	p.mu.Unlock()

	limit := p.policy.MissingRowPasses
	if limit <= 0 || passes < limit {
		if limit <= 0 && passes == 1 {
			p.alert(ctx, notify.EventMissingRow, "Trade row missing", ev, err)
		}
		p.logger.ErrorContext(ctx, "trade row not found, pass failed",
			slog.Int64("trade_id", ev.TradeID()),
			slog.String("tx_hash", ev.TxHash),
			slog.Uint64("log_index", uint64(ev.LogIndex)),
			slog.Uint64("block", ev.BlockNumber),
			slog.Int("pass", passes),
			slog.Int("pass_limit", limit),
		)
		return Outcome{}, fmt.Errorf("%w: %v", ErrEventFailed, err)
	}

	p.forgetOrphan(key)
	p.logFailure(ctx, ev, "trade row never appeared, event skipped", err)
	p.projector.RecordUnresolved(ctx, ev, passes)
	p.alert(ctx, notify.EventMissingRow, "Trade row missing", ev, err)
	return Outcome{TradeID: ev.TradeID(), Unresolved: true}, nil
}

func (p *Processor) forgetOrphan(key domain.EventKey) {
	p.mu.Lock()
	delete(p.orphans, key)
	p.mu.Unlock()
}

func (p *Processor) logFailure(ctx context.Context, ev domain.LedgerEvent, msg string, err error) {
	attrs := []any{
		slog.String("tx_hash", ev.TxHash),
		slog.Uint64("log_index", uint64(ev.LogIndex)),
		slog.Uint64("block", ev.BlockNumber),
		slog.Int64("trade_id", ev.TradeID()),
		slog.String("error", err.Error()),
	}
	var ae *ApplyError
	if errors.As(err, &ae) && ae.Patch != nil {
		group := make([]any, 0, len(ae.Patch))
		for k, v := range ae.Patch {
			group = append(group, slog.Any(k, v))
		}
		attrs = append(attrs, slog.Group("patch", group...))
	}
	p.logger.ErrorContext(ctx, msg, attrs...)
}

func (p *Processor) alert(ctx context.Context, event notify.Event, title string, ev domain.LedgerEvent, err error) {
	if p.alerts == nil {
		return
	}
	msg := fmt.Sprintf("stream=%s trade=%d tx=%s log=%d block=%d: %v",
		p.stream, ev.TradeID(), ev.TxHash, ev.LogIndex, ev.BlockNumber, err)
	_ = p.alerts.Notify(ctx, event, title, msg)
}
