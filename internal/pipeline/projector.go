package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/brokex/tradeindexer/internal/domain"
	"github.com/brokex/tradeindexer/internal/fixedpoint"
	"github.com/brokex/tradeindexer/internal/metrics"
	"github.com/brokex/tradeindexer/internal/notify"
)

// maxStateConflicts bounds re-reads when another stream moves the trade
// between Lookup and UpdateTrade.
const maxStateConflicts = 3

// AssetSpecs resolves per-asset lot ratios.
type AssetSpecs interface {
	GetSpec(ctx context.Context, assetID int64) (domain.AssetSpec, error)
}

// Alerter delivers operator alerts.
type Alerter interface {
	Notify(ctx context.Context, event notify.Event, title, message string) error
}

// Outcome describes what Apply did to the stored trade.
type Outcome struct {
	TradeID int64
	State   domain.TradeState
	Anomaly bool
	// Written is false when the event was recorded as an anomaly but left
	// the row untouched.
	Written bool
	// Unresolved is set when the referenced trade never appeared and the
	// event was skipped.
	Unresolved bool
}

// ApplyError carries the mutation that failed so callers can log it.
type ApplyError struct {
	TradeID int64
	Patch   map[string]any
	Err     error
}

func (e *ApplyError) Error() string {
	return fmt.Sprintf("apply trade %d: %v", e.TradeID, e.Err)
}

func (e *ApplyError) Unwrap() error { return e.Err }

// Projector turns one decoded ledger event into a trade row mutation.
// Every mutation is keyed by trade id and safe to repeat.
type Projector struct {
	trades    domain.TradeStore
	buckets   domain.BucketResolver
	assets    AssetSpecs
	anomalies domain.ReconciliationStore
	alerts    Alerter
	metrics   *metrics.Metrics
	now       func() time.Time
	logger    *slog.Logger
}

// NewProjector creates a Projector. anomalies and alerts may be nil.
func NewProjector(
	trades domain.TradeStore,
	buckets domain.BucketResolver,
	assets AssetSpecs,
	anomalies domain.ReconciliationStore,
	alerts Alerter,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Projector {
	return &Projector{
		trades:    trades,
		buckets:   buckets,
		assets:    assets,
		anomalies: anomalies,
		alerts:    alerts,
		metrics:   m,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    logger.With(slog.String("component", "projector")),
	}
}

// Apply projects ev. A referenced trade that does not exist yet surfaces as
// domain.ErrNotFound.
func (p *Projector) Apply(ctx context.Context, ev domain.LedgerEvent) (Outcome, error) {
	switch {
	case ev.Opened != nil:
		return p.applyOpened(ctx, ev)
	case ev.Executed != nil:
		return p.applyExecuted(ctx, ev)
	case ev.Stops != nil:
		return p.applyStops(ctx, ev)
	case ev.Removed != nil:
		return p.applyRemoved(ctx, ev)
	}
	return Outcome{}, fmt.Errorf("event %s has no payload: %w", ev.Key(), domain.ErrInvalidEvent)
}

func (p *Projector) applyOpened(ctx context.Context, ev domain.LedgerEvent) (Outcome, error) {
	o := ev.Opened
	if o.State != domain.TradeStateOrder && o.State != domain.TradeStateOpen {
		return Outcome{}, fmt.Errorf("opened trade %d in state %s: %w", o.TradeID, o.State, domain.ErrInvalidEvent)
	}

	t := domain.Trade{
		ID:           o.TradeID,
		Owner:        o.Owner,
		AssetID:      o.AssetID,
		Long:         o.Long,
		Lots:         o.Lots,
		Leverage:     o.Leverage,
		State:        o.State,
		StopLossX6:   o.StopLossX6,
		TakeProfitX6: o.TakeProfitX6,
		LiqX6:        o.LiqX6,
		LastTxHash:   ev.TxHash,
		LastBlockNum: ev.BlockNumber,
		LastLogIndex: ev.LogIndex,
	}
	if o.State == domain.TradeStateOrder {
		t.TargetX6 = o.PriceX6
	} else {
		t.EntryX6 = o.PriceX6
	}

	margin, err := p.margin(ctx, ev, o)
	if err != nil {
		return Outcome{}, err
	}
	t.MarginUSD6 = margin

	t.TargetBucket = p.bucket(ctx, ev, o.AssetID, t.TargetX6, "target")
	t.StopLossBucket = p.bucket(ctx, ev, o.AssetID, t.StopLossX6, "sl")
	t.TakeProfitBucket = p.bucket(ctx, ev, o.AssetID, t.TakeProfitX6, "tp")
	t.LiqBucket = p.bucket(ctx, ev, o.AssetID, t.LiqX6, "liq")

	if err := p.trades.UpsertTrade(ctx, t); err != nil {
		return Outcome{}, &ApplyError{TradeID: t.ID, Patch: tradeAttrs(t), Err: err}
	}
	out := Outcome{TradeID: t.ID, State: t.State, Written: true}
	if o.StateCode > 1 {
		out.Anomaly = true
		p.recordAnomaly(ctx, ev, t.State, t.State, true, map[string]any{"state_code": o.StateCode}, true)
	}
	return out, nil
}

// margin is computed once, from the price known at creation.
func (p *Projector) margin(ctx context.Context, ev domain.LedgerEvent, o *domain.OpenedEvent) (int64, error) {
	spec, err := p.assets.GetSpec(ctx, o.AssetID)
	if errors.Is(err, domain.ErrNotFound) {
		p.logger.WarnContext(ctx, "no asset spec, margin left at zero",
			slog.Int64("asset_id", o.AssetID),
			slog.Int64("trade_id", o.TradeID),
			slog.String("tx_hash", ev.TxHash),
		)
		return 0, nil
	}
	if err != nil {
		return 0, &ApplyError{TradeID: o.TradeID, Err: fmt.Errorf("asset spec %d: %w", o.AssetID, err)}
	}
	m, err := fixedpoint.Margin(o.Lots, spec.LotNum, spec.LotDen, o.Leverage, o.PriceX6)
	if err != nil {
		p.logger.WarnContext(ctx, "margin out of range, left at zero",
			slog.Int64("trade_id", o.TradeID),
			slog.Int64("lots", o.Lots),
			slog.Int64("leverage", o.Leverage),
			slog.Int64("price_x6", o.PriceX6),
			slog.String("tx_hash", ev.TxHash),
			slog.String("error", err.Error()),
		)
		return 0, nil
	}
	return m, nil
}

// bucket resolves a price to its bucket. Unset prices never reach the
// resolver; resolver failures leave the bucket NULL.
func (p *Projector) bucket(ctx context.Context, ev domain.LedgerEvent, assetID, priceX6 int64, field string) *int64 {
	if priceX6 == 0 {
		return nil
	}
	b, err := p.buckets.Resolve(ctx, assetID, priceX6)
	if err != nil {
		p.metrics.ResolverFailed()
		p.logger.WarnContext(ctx, "bucket resolution failed, leaving bucket null",
			slog.String("field", field),
			slog.Int64("asset_id", assetID),
			slog.Int64("price_x6", priceX6),
			slog.Int64("trade_id", ev.TradeID()),
			slog.String("tx_hash", ev.TxHash),
			slog.String("error", err.Error()),
		)
		return nil
	}
	return b
}

func (p *Projector) applyExecuted(ctx context.Context, ev domain.LedgerEvent) (Outcome, error) {
	e := ev.Executed
	return p.transition(ctx, ev, e.TradeID, domain.TradeStateOpen,
		[]domain.TradeState{domain.TradeStateOrder}, nil,
		func(_ domain.TradeRef, _ bool) (domain.TradePatch, bool) {
			now := p.now()
			entry := e.EntryX6
			// The fill price and time are recorded even when a lagging
			// Executed lands on a terminal row; the state is not touched.
			return domain.TradePatch{EntryX6: &entry, ExecutedAt: &now}, true
		})
}

func (p *Projector) applyStops(ctx context.Context, ev domain.LedgerEvent) (Outcome, error) {
	s := ev.Stops
	return p.transition(ctx, ev, s.TradeID, "",
		[]domain.TradeState{domain.TradeStateOrder, domain.TradeStateOpen}, nil,
		func(ref domain.TradeRef, _ bool) (domain.TradePatch, bool) {
			return domain.TradePatch{
				SetStops:         true,
				StopLossX6:       s.StopLossX6,
				TakeProfitX6:     s.TakeProfitX6,
				StopLossBucket:   p.bucket(ctx, ev, ref.AssetID, s.StopLossX6, "sl"),
				TakeProfitBucket: p.bucket(ctx, ev, ref.AssetID, s.TakeProfitX6, "tp"),
			}, true
		})
}

func (p *Projector) applyRemoved(ctx context.Context, ev domain.LedgerEvent) (Outcome, error) {
	r := ev.Removed
	target := r.Reason.TerminalState()
	var irregular map[string]any
	if r.Reason == domain.RemoveReasonOther {
		irregular = map[string]any{"reason_code": r.ReasonCode}
	}
	return p.transition(ctx, ev, r.TradeID, target,
		[]domain.TradeState{domain.TradeStateOrder, domain.TradeStateOpen}, irregular,
		func(_ domain.TradeRef, reachesTarget bool) (domain.TradePatch, bool) {
			if !reachesTarget {
				// Already terminal with a different outcome: leave the row.
				return domain.TradePatch{}, false
			}
			now := p.now()
			reason := r.Reason
			exec := r.ExecX6
			patch := domain.TradePatch{RemovedReason: &reason, ExecX6: &exec, PnLUSD6: r.PnLUSD6}
			if target == domain.TradeStateClosed {
				patch.ClosedAt = &now
			} else {
				patch.CancelledAt = &now
			}
			return patch, true
		})
}

// transition reads the stored trade, decides the next state and writes the
// patch with a compare-and-set on the state it read. target "" means the
// event does not change state. expectFrom lists the states the event is
// normally applied in; anything else is a reconciliation anomaly. A non-nil
// irregular flags the event as an anomaly even on a legal edge.
func (p *Projector) transition(
	ctx context.Context,
	ev domain.LedgerEvent,
	id int64,
	target domain.TradeState,
	expectFrom []domain.TradeState,
	irregular map[string]any,
	build func(ref domain.TradeRef, reachesTarget bool) (domain.TradePatch, bool),
) (Outcome, error) {
	var lastErr error
	for i := 0; i < maxStateConflicts; i++ {
		ref, err := p.trades.Lookup(ctx, id)
		if err != nil {
			if errors.Is(err, domain.ErrNotFound) {
				return Outcome{}, fmt.Errorf("trade %d: %w", id, domain.ErrNotFound)
			}
			return Outcome{}, &ApplyError{TradeID: id, Err: err}
		}

		next, legal := ref.State, true
		if target != "" {
			next, legal = domain.Transition(ref.State, target)
		}
		replay := ref.LastTxHash == ev.TxHash
		anomaly := !replay && (!legal || !containsState(expectFrom, ref.State) || irregular != nil)
		// Re-walked history lands behind the stored provenance; it is still
		// recorded but does not page anyone.
		alert := !ref.Newer(ev.BlockNumber, ev.LogIndex)
		stateMoves := target != "" && next != ref.State

		patch, write := build(ref, target == "" || next == target)
		if stateMoves {
			patch.State = &next
		}
		patch.Provenance = ev.Provenance()

		if !write {
			if anomaly {
				p.recordAnomaly(ctx, ev, ref.State, target, false, irregular, alert)
			}
			return Outcome{TradeID: id, State: ref.State, Anomaly: anomaly}, nil
		}

		err = p.trades.UpdateTrade(ctx, id, ref.State, patch)
		if err == nil {
			if anomaly {
				p.recordAnomaly(ctx, ev, ref.State, target, true, irregular, alert)
			}
			return Outcome{TradeID: id, State: next, Anomaly: anomaly, Written: true}, nil
		}
		if errors.Is(err, domain.ErrStateConflict) {
			lastErr = err
			continue
		}
		if errors.Is(err, domain.ErrNotFound) {
			return Outcome{}, fmt.Errorf("trade %d: %w", id, domain.ErrNotFound)
		}
		return Outcome{}, &ApplyError{TradeID: id, Patch: patchAttrs(patch), Err: err}
	}
	return Outcome{}, &ApplyError{TradeID: id, Err: lastErr}
}

// RecordUnresolved logs an event that was given up on because the trade it
// references never appeared. The stored state is recorded as MISSING.
func (p *Projector) RecordUnresolved(ctx context.Context, ev domain.LedgerEvent, passes int) {
	p.recordAnomaly(ctx, ev, stateMissing, impliedState(ev), false,
		map[string]any{"unresolved": "missing_row", "passes": passes}, false)
}

// stateMissing stands in for the stored state of a trade row that does not
// exist.
const stateMissing domain.TradeState = "MISSING"

func impliedState(ev domain.LedgerEvent) domain.TradeState {
	switch {
	case ev.Opened != nil:
		return ev.Opened.State
	case ev.Executed != nil:
		return domain.TradeStateOpen
	case ev.Removed != nil:
		return ev.Removed.Reason.TerminalState()
	}
	return ""
}

func (p *Projector) recordAnomaly(
	ctx context.Context,
	ev domain.LedgerEvent,
	stored, target domain.TradeState,
	applied bool,
	extra map[string]any,
	alert bool,
) {
	targetName := string(target)
	if target == "" {
		targetName = "UNCHANGED"
	}
	detail := map[string]any{"variant": ev.Variant}
	for k, v := range extra {
		detail[k] = v
	}
	p.metrics.Anomaly(string(ev.Category), string(stored), targetName)
	p.logger.WarnContext(ctx, "reconciliation anomaly",
		slog.String("stream", string(ev.Category)),
		slog.Int64("trade_id", ev.TradeID()),
		slog.String("tx_hash", ev.TxHash),
		slog.Uint64("log_index", uint64(ev.LogIndex)),
		slog.Uint64("block", ev.BlockNumber),
		slog.String("stored_state", string(stored)),
		slog.String("target_state", targetName),
		slog.Bool("applied", applied),
		slog.Any("detail", detail),
	)

	if p.anomalies != nil {
		a := domain.Anomaly{
			Stream:      ev.Category,
			TradeID:     ev.TradeID(),
			TxHash:      ev.TxHash,
			BlockNumber: ev.BlockNumber,
			LogIndex:    ev.LogIndex,
			StoredState: stored,
			TargetState: domain.TradeState(targetName),
			Applied:     applied,
			Detail:      detail,
		}
		if err := p.anomalies.Log(ctx, a); err != nil {
			p.logger.WarnContext(ctx, "anomaly not persisted",
				slog.Int64("trade_id", a.TradeID),
				slog.String("error", err.Error()),
			)
		}
	}
	if alert && p.alerts != nil {
		msg := fmt.Sprintf("stream=%s trade=%d stored=%s target=%s tx=%s applied=%t",
			ev.Category, ev.TradeID(), stored, targetName, ev.TxHash, applied)
		_ = p.alerts.Notify(ctx, notify.EventAnomaly, "Reconciliation anomaly", msg)
	}
}

func containsState(states []domain.TradeState, s domain.TradeState) bool {
	for _, x := range states {
		if x == s {
			return true
		}
	}
	return false
}

func tradeAttrs(t domain.Trade) map[string]any {
	return map[string]any{
		"owner":       t.Owner,
		"asset_id":    t.AssetID,
		"state":       string(t.State),
		"lots":        t.Lots,
		"leverage":    t.Leverage,
		"margin_usd6": t.MarginUSD6,
		"entry_x6":    t.EntryX6,
		"target_x6":   t.TargetX6,
		"sl_x6":       t.StopLossX6,
		"tp_x6":       t.TakeProfitX6,
		"liq_x6":      t.LiqX6,
	}
}

func patchAttrs(p domain.TradePatch) map[string]any {
	m := map[string]any{"tx_hash": p.Provenance.TxHash, "block": p.Provenance.BlockNumber}
	if p.State != nil {
		m["state"] = string(*p.State)
	}
	if p.EntryX6 != nil {
		m["entry_x6"] = *p.EntryX6
	}
	if p.SetStops {
		m["sl_x6"] = p.StopLossX6
		m["tp_x6"] = p.TakeProfitX6
	}
	if p.RemovedReason != nil {
		m["removed_reason"] = string(*p.RemovedReason)
	}
	if p.ExecX6 != nil {
		m["exec_x6"] = *p.ExecX6
	}
	if p.PnLUSD6 != nil {
		m["pnl_usd6"] = p.PnLUSD6.String()
	}
	return m
}
