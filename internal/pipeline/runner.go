package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/brokex/tradeindexer/internal/domain"
	"github.com/brokex/tradeindexer/internal/metrics"
	"github.com/brokex/tradeindexer/internal/notify"
)

// State is the lifecycle phase of one stream runner.
type State string

const (
	StateIdle        State = "IDLE"
	StateBackfilling State = "BACKFILLING"
	StateLive        State = "LIVE"
	StateRecovering  State = "RECOVERING"
	StateStopped     State = "STOPPED"
)

var allStates = []string{
	string(StateIdle), string(StateBackfilling), string(StateLive),
	string(StateRecovering), string(StateStopped),
}

// errLockLost is the cancel cause when the stream lock cannot be refreshed.
var errLockLost = errors.New("stream lock lost")

// RunnerConfig holds the runner knobs.
type RunnerConfig struct {
	// StartBlock seeds a stream that has no cursor yet.
	StartBlock       uint64
	LockTTL          time.Duration
	RecoverInProcess bool
	RecoverPause     time.Duration
}

// Status is a point-in-time view of a runner.
type Status struct {
	Stream    domain.Category `json:"stream"`
	State     State           `json:"state"`
	Committed uint64          `json:"committed_block"`
	RunID     string          `json:"run_id"`
}

// Runner owns one event category: it backfills from the cursor to the tip,
// then hands over to live delivery and recovers when delivery breaks.
type Runner struct {
	stream   domain.Category
	source   domain.LedgerSource
	cursors  domain.CursorStore
	proc     EventProcessor
	backfill *Backfiller
	locks    domain.LockManager
	alerts   Alerter
	cfg      RunnerConfig
	metrics  *metrics.Metrics
	sleep    func(context.Context, time.Duration) error
	logger   *slog.Logger
	runID    string

	mu        sync.RWMutex
	state     State
	committed uint64
}

// NewRunner creates a Runner. locks and alerts may be nil; without locks
// the runner does not guard against a second instance.
func NewRunner(
	stream domain.Category,
	source domain.LedgerSource,
	cursors domain.CursorStore,
	proc EventProcessor,
	backfill *Backfiller,
	locks domain.LockManager,
	alerts Alerter,
	cfg RunnerConfig,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Runner {
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	if cfg.RecoverPause <= 0 {
		cfg.RecoverPause = 5 * time.Second
	}
	runID := uuid.NewString()
	return &Runner{
		stream:   stream,
		source:   source,
		cursors:  cursors,
		proc:     proc,
		backfill: backfill,
		locks:    locks,
		alerts:   alerts,
		cfg:      cfg,
		metrics:  m,
		sleep:    sleepCtx,
		logger: logger.With(
			slog.String("component", "runner"),
			slog.String("stream", string(stream)),
			slog.String("run_id", runID),
		),
		runID: runID,
		state: StateIdle,
	}
}

// Stream returns the category this runner ingests.
func (r *Runner) Stream() domain.Category { return r.stream }

// Status reports the current phase and committed block.
func (r *Runner) Status() Status {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return Status{Stream: r.stream, State: r.state, Committed: r.committed, RunID: r.runID}
}

func (r *Runner) setState(s State) {
	r.mu.Lock()
	prev := r.state
	r.state = s
	r.mu.Unlock()
	r.metrics.State(string(r.stream), string(s), allStates)
	if prev != s {
		r.logger.Info("stream state changed",
			slog.String("from", string(prev)),
			slog.String("to", string(s)),
		)
	}
}

func (r *Runner) setCommitted(block uint64) {
	r.mu.Lock()
	r.committed = block
	r.mu.Unlock()
	r.metrics.Cursor(string(r.stream), block)
}

// Run ingests until ctx is cancelled or a fatal error occurs. A clean
// shutdown returns nil.
func (r *Runner) Run(ctx context.Context) error {
	defer r.setState(StateStopped)

	if r.locks != nil {
		lockCtx, cancel := context.WithCancelCause(ctx)
		defer cancel(nil)

		lock, err := r.locks.Acquire(ctx, "ingest:"+string(r.stream), r.cfg.LockTTL)
		if err != nil {
			return fmt.Errorf("pipeline: acquire %s lock: %w", r.stream, err)
		}
		defer func() {
			if err := lock.Release(context.WithoutCancel(ctx)); err != nil {
				r.logger.Warn("stream lock release failed", slog.String("error", err.Error()))
			}
		}()
		go r.keepLock(lockCtx, lock, cancel)
		ctx = lockCtx
	} else {
		r.logger.Warn("no lock manager configured, running without single-writer guard")
	}

	err := r.run(ctx)
	if cause := context.Cause(ctx); errors.Is(cause, errLockLost) {
		return fmt.Errorf("pipeline: %s: %w", r.stream, cause)
	}
	if ctx.Err() != nil {
		r.logger.Info("stream runner stopped")
		return nil
	}
	return err
}

func (r *Runner) run(ctx context.Context) error {
	committed, err := r.cursors.Load(ctx, r.stream)
	if err != nil {
		return fmt.Errorf("pipeline: load %s cursor: %w", r.stream, err)
	}
	// A stored cursor may have been saved by live delivery part way through
	// its block, so every start re-walks that block.
	override := committed
	if committed == 0 && r.cfg.StartBlock > 0 {
		committed = r.cfg.StartBlock - 1
	}
	r.setCommitted(committed)
	r.logger.Info("stream runner starting", slog.Uint64("cursor", committed))

	for {
		r.setState(StateBackfilling)

		// Subscribe before backfilling so nothing between the tip query and
		// the handover is lost; buffered events already applied by backfill
		// are filtered by the dedup gate.
		sub, err := r.source.Subscribe(ctx, r.stream)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			err = fmt.Errorf("subscribe: %w", err)
		} else {
			committed, err = r.backfill.Run(ctx, committed, override)
			r.setCommitted(committed)
			if err == nil {
				r.setState(StateLive)
				err = r.live(ctx, sub, &committed)
			}
			sub.Unsubscribe()
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		r.setState(StateRecovering)
		r.logger.Error("stream delivery interrupted",
			slog.Uint64("cursor", committed),
			slog.String("error", err.Error()),
		)
		if errors.Is(err, domain.ErrTransportClosed) {
			r.alert(ctx, notify.EventTransportClosed, "Ledger transport closed",
				fmt.Sprintf("stream=%s cursor=%d: %v", r.stream, committed, err))
			if !r.cfg.RecoverInProcess {
				return fmt.Errorf("pipeline: %s: %w", r.stream, err)
			}
		}

		override = committed
		if override == 0 {
			override = 1
		}
		if err := r.sleep(ctx, r.cfg.RecoverPause); err != nil {
			return err
		}
	}
}

// live applies pushed events in delivery order and commits each event's
// block once applied.
func (r *Runner) live(ctx context.Context, sub domain.Subscription, committed *uint64) error {
	r.logger.Info("live delivery started", slog.Uint64("cursor", *committed))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case err, ok := <-sub.Err():
			if !ok || err == nil {
				return domain.ErrTransportClosed
			}
			return err

		case ev, ok := <-sub.Events():
			if !ok {
				return domain.ErrTransportClosed
			}
			if err := r.proc.Process(ctx, ev); err != nil {
				return fmt.Errorf("live event %s: %w", ev.Key(), err)
			}
			if ev.BlockNumber <= *committed {
				continue
			}
			if err := r.cursors.Save(ctx, r.stream, ev.BlockNumber); err != nil {
				r.logger.Warn("cursor save failed",
					slog.Uint64("block", ev.BlockNumber),
					slog.String("error", err.Error()),
				)
				continue
			}
			*committed = ev.BlockNumber
			r.setCommitted(ev.BlockNumber)
		}
	}
}

// keepLock refreshes the stream lock every ttl/3 and cancels the run with
// errLockLost when a refresh fails.
func (r *Runner) keepLock(ctx context.Context, lock domain.Lock, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(r.cfg.LockTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := lock.Refresh(ctx, r.cfg.LockTTL); err != nil {
				if ctx.Err() != nil {
					return
				}
				r.logger.Error("stream lock refresh failed", slog.String("error", err.Error()))
				cancel(fmt.Errorf("%w: %v", errLockLost, err))
				return
			}
		}
	}
}

func (r *Runner) alert(ctx context.Context, event notify.Event, title, msg string) {
	if r.alerts == nil {
		return
	}
	_ = r.alerts.Notify(ctx, event, title, msg)
}
