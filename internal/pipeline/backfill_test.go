package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokex/tradeindexer/internal/domain"
	"github.com/brokex/tradeindexer/internal/notify"
)

// scriptedProc records applied events; fail lists keys that fail a given
// number of times before succeeding.
type scriptedProc struct {
	mu      sync.Mutex
	applied []domain.LedgerEvent
	fail    map[domain.EventKey]int
}

func (s *scriptedProc) Process(_ context.Context, ev domain.LedgerEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail[ev.Key()] > 0 {
		s.fail[ev.Key()]--
		return ErrEventFailed
	}
	s.applied = append(s.applied, ev)
	return nil
}

func (s *scriptedProc) blocks() []uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]uint64, len(s.applied))
	for i, ev := range s.applied {
		out[i] = ev.BlockNumber
	}
	return out
}

type recordingArchiver struct {
	ranges []fetchCall
	err    error
}

func (r *recordingArchiver) ArchiveBatch(_ context.Context, _ domain.Category, from, to uint64, _ []domain.LedgerEvent) error {
	r.ranges = append(r.ranges, fetchCall{from, to})
	return r.err
}

func newTestBackfiller(src domain.LedgerSource, cursors domain.CursorStore, proc EventProcessor, arch BatchArchiver, width uint64) *Backfiller {
	b := NewBackfiller(domain.CategoryOpened, src, cursors, proc, arch, BackfillConfig{BatchBlocks: width}, nil, discardLogger())
	b.sleep = noSleep
	return b
}

func TestBackfillWalksRangesInOrder(t *testing.T) {
	ledger := newFakeLedger(150,
		opened(3, domain.TradeStateOpen, 145, 0),
		opened(1, domain.TradeStateOpen, 105, 1),
		opened(2, domain.TradeStateOpen, 105, 0),
	)
	cursors := newFakeCursors()
	proc := &scriptedProc{}
	arch := &recordingArchiver{}

	got, err := newTestBackfiller(ledger, cursors, proc, arch, 20).Run(context.Background(), 100, 0)
	require.NoError(t, err)

	assert.Equal(t, uint64(150), got)
	assert.Equal(t, []fetchCall{{101, 120}, {121, 140}, {141, 150}}, ledger.fetchCalls())
	assert.Equal(t, []uint64{120, 140, 150}, cursors.history())
	assert.Equal(t, []uint64{105, 105, 145}, proc.blocks())
	assert.Equal(t, uint(0), proc.applied[0].LogIndex, "ordered by log index within a block")
	assert.Equal(t, []fetchCall{{101, 120}, {141, 150}}, arch.ranges, "empty ranges are not archived")
}

func TestBackfillNothingToDo(t *testing.T) {
	ledger := newFakeLedger(100)
	cursors := newFakeCursors()

	got, err := newTestBackfiller(ledger, cursors, &scriptedProc{}, nil, 20).Run(context.Background(), 100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(100), got)
	assert.Empty(t, ledger.fetchCalls())
	assert.Empty(t, cursors.history())
}

func TestBackfillRetriesFailedFetch(t *testing.T) {
	ledger := newFakeLedger(120, opened(1, domain.TradeStateOpen, 110, 0))
	ledger.fetchFails = 2

	proc := &scriptedProc{}
	got, err := newTestBackfiller(ledger, newFakeCursors(), proc, nil, 20).Run(context.Background(), 100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), got)
	assert.Equal(t, []fetchCall{{101, 120}, {101, 120}, {101, 120}}, ledger.fetchCalls())
	assert.Len(t, proc.applied, 1)
}

func TestBackfillCursorSurvivesSaveFailure(t *testing.T) {
	ledger := newFakeLedger(160)
	cursors := newFakeCursors()
	cursors.failSaves = 1

	got, err := newTestBackfiller(ledger, cursors, &scriptedProc{}, nil, 20).Run(context.Background(), 100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(160), got)
	assert.Equal(t, []uint64{140, 160}, cursors.history())

	h := cursors.history()
	for i := 1; i < len(h); i++ {
		assert.Greater(t, h[i], h[i-1])
	}
}

func TestBackfillDoesNotCommitFailedRange(t *testing.T) {
	bad := opened(2, domain.TradeStateOpen, 130, 0)
	ledger := newFakeLedger(140,
		opened(1, domain.TradeStateOpen, 110, 0),
		bad,
	)
	cursors := newFakeCursors()
	proc := &scriptedProc{fail: map[domain.EventKey]int{bad.Key(): 1}}

	got, err := newTestBackfiller(ledger, cursors, proc, nil, 20).Run(context.Background(), 100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(140), got)
	assert.Equal(t, []fetchCall{{101, 120}, {121, 140}, {121, 140}}, ledger.fetchCalls())
	assert.Equal(t, []uint64{120, 140}, cursors.history(), "140 only after the retry succeeded")
	assert.Equal(t, []uint64{110, 130}, proc.blocks())
}

func TestBackfillMovesPastOrphanedEvents(t *testing.T) {
	ledger := newFakeLedger(140,
		executed(1, 1, 110, 0),
		executed(100, 1, 130, 0),
	)
	cursors := newFakeCursors()
	alerts := &fakeAlerts{}
	pf := newProjFixture(newFakeTrades())

	policy := DefaultRetryPolicy()
	policy.MissingRowAttempts = 1
	proc := NewProcessor(domain.CategoryExecuted, newFakeDedup(), pf.p, nil, alerts, policy, nil, discardLogger())
	proc.sleep = noSleep

	got, err := newTestBackfiller(ledger, cursors, proc, nil, 20).Run(context.Background(), 100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(140), got)
	assert.Equal(t, []uint64{120, 140}, cursors.history())
	assert.Equal(t, []fetchCall{
		{101, 120}, {101, 120}, {101, 120},
		{121, 140}, {121, 140}, {121, 140},
	}, ledger.fetchCalls())
	assert.Equal(t, []notify.Event{notify.EventMissingRow, notify.EventMissingRow}, alerts.sent())
	assert.Len(t, pf.anomalies.rows, 2)
}

func TestBackfillOverrideNeverRewindsCursor(t *testing.T) {
	ledger := newFakeLedger(150, opened(1, domain.TradeStateOpen, 145, 0))
	cursors := newFakeCursors()
	proc := &scriptedProc{}

	got, err := newTestBackfiller(ledger, cursors, proc, nil, 20).Run(context.Background(), 150, 140)
	require.NoError(t, err)
	assert.Equal(t, uint64(150), got)
	assert.Equal(t, []fetchCall{{140, 150}}, ledger.fetchCalls())
	assert.Empty(t, cursors.history(), "re-walked range ends at the committed block")
	assert.Len(t, proc.applied, 1)
}

func TestBackfillRewindBlocks(t *testing.T) {
	ledger := newFakeLedger(120)
	b := newTestBackfiller(ledger, newFakeCursors(), &scriptedProc{}, nil, 50)
	b.cfg.RewindBlocks = 10

	_, err := b.Run(context.Background(), 110, 0)
	require.NoError(t, err)
	assert.Equal(t, []fetchCall{{101, 120}}, ledger.fetchCalls())
}

func TestBackfillArchiveFailureIsNotFatal(t *testing.T) {
	ledger := newFakeLedger(120, opened(1, domain.TradeStateOpen, 110, 0))
	arch := &recordingArchiver{err: errors.New("s3 unavailable")}
	cursors := newFakeCursors()

	got, err := newTestBackfiller(ledger, cursors, &scriptedProc{}, arch, 20).Run(context.Background(), 100, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(120), got)
	assert.Equal(t, []uint64{120}, cursors.history())
}

func TestBackfillStopsOnCancel(t *testing.T) {
	ledger := newFakeLedger(200)
	ledger.fetchFails = 1_000_000
	ctx, cancel := context.WithCancel(context.Background())

	b := newTestBackfiller(ledger, newFakeCursors(), &scriptedProc{}, nil, 20)
	calls := 0
	b.sleep = func(ctx context.Context, _ time.Duration) error {
		calls++
		if calls == 3 {
			cancel()
		}
		return ctx.Err()
	}

	got, err := b.Run(ctx, 100, 0)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, uint64(100), got)
}
