package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokex/tradeindexer/internal/domain"
	"github.com/brokex/tradeindexer/internal/notify"
)

type runnerFixture struct {
	ledger  *fakeLedger
	cursors *fakeCursors
	proc    *scriptedProc
	alerts  *fakeAlerts
	runner  *Runner
}

func newRunnerFixture(tip uint64, cfg RunnerConfig, locks domain.LockManager, events ...domain.LedgerEvent) *runnerFixture {
	f := &runnerFixture{
		ledger:  newFakeLedger(tip, events...),
		cursors: newFakeCursors(),
		proc:    &scriptedProc{},
		alerts:  &fakeAlerts{},
	}
	bf := newTestBackfiller(f.ledger, f.cursors, f.proc, nil, 5000)
	f.runner = NewRunner(domain.CategoryOpened, f.ledger, f.cursors, f.proc, bf, locks, f.alerts, cfg, nil, discardLogger())
	f.runner.sleep = noSleep
	return f
}

func (f *runnerFixture) start(ctx context.Context) <-chan error {
	done := make(chan error, 1)
	go func() { done <- f.runner.Run(ctx) }()
	return done
}

func (f *runnerFixture) nextSub(t *testing.T) *fakeSub {
	t.Helper()
	select {
	case s := <-f.ledger.subs:
		return s
	case <-time.After(2 * time.Second):
		t.Fatal("runner never subscribed")
		return nil
	}
}

func waitDone(t *testing.T, done <-chan error) error {
	t.Helper()
	select {
	case err := <-done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not stop")
		return nil
	}
}

func TestRunnerBackfillThenLive(t *testing.T) {
	f := newRunnerFixture(150, RunnerConfig{}, nil,
		opened(1, domain.TradeStateOpen, 110, 0),
		opened(2, domain.TradeStateOpen, 130, 0),
		opened(3, domain.TradeStateOpen, 150, 0),
	)
	f.cursors.blocks[domain.CategoryOpened] = 100

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := f.start(ctx)

	sub := f.nextSub(t)
	sub.events <- opened(4, domain.TradeStateOpen, 151, 0)

	require.Eventually(t, func() bool {
		return f.runner.Status().Committed == 151
	}, 2*time.Second, 5*time.Millisecond)

	st := f.runner.Status()
	assert.Equal(t, StateLive, st.State)
	assert.Equal(t, uint64(151), st.Committed)
	assert.NotEmpty(t, st.RunID)
	assert.Equal(t, []uint64{110, 130, 150, 151}, f.proc.blocks())
	assert.Equal(t, []uint64{150, 151}, f.cursors.history())

	cancel()
	assert.NoError(t, waitDone(t, done))
	assert.Equal(t, StateStopped, f.runner.Status().State)
}

func TestRunnerStartBlockSeedsEmptyCursor(t *testing.T) {
	f := newRunnerFixture(60, RunnerConfig{StartBlock: 50}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := f.start(ctx)
	f.nextSub(t)

	require.Eventually(t, func() bool {
		return f.runner.Status().State == StateLive
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, []fetchCall{{50, 60}}, f.ledger.fetchCalls())

	cancel()
	assert.NoError(t, waitDone(t, done))
}

func TestRunnerTransportClosedIsFatal(t *testing.T) {
	f := newRunnerFixture(150, RunnerConfig{}, nil)
	f.cursors.blocks[domain.CategoryOpened] = 150

	done := f.start(context.Background())
	sub := f.nextSub(t)
	sub.errs <- fmt.Errorf("ledger: subscription: %w", domain.ErrTransportClosed)

	err := waitDone(t, done)
	assert.True(t, errors.Is(err, domain.ErrTransportClosed))
	assert.Equal(t, []notify.Event{notify.EventTransportClosed}, f.alerts.sent())
}

func TestRunnerRecoversInProcess(t *testing.T) {
	f := newRunnerFixture(150, RunnerConfig{RecoverInProcess: true}, nil,
		opened(1, domain.TradeStateOpen, 150, 0),
	)
	f.cursors.blocks[domain.CategoryOpened] = 140

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := f.start(ctx)

	sub := f.nextSub(t)
	require.Eventually(t, func() bool {
		return f.runner.Status().State == StateLive
	}, 2*time.Second, 5*time.Millisecond)
	sub.errs <- domain.ErrTransportClosed

	f.nextSub(t)
	require.Eventually(t, func() bool {
		return f.runner.Status().State == StateLive
	}, 2*time.Second, 5*time.Millisecond)

	// Both passes re-walk the committed block.
	assert.Equal(t, []fetchCall{{140, 150}, {150, 150}}, f.ledger.fetchCalls())
	assert.Equal(t, uint64(150), f.cursors.get(domain.CategoryOpened))

	cancel()
	assert.NoError(t, waitDone(t, done))
}

func TestRunnerRestartRewalksCommittedBlock(t *testing.T) {
	f := newRunnerFixture(150, RunnerConfig{}, nil)
	f.cursors.blocks[domain.CategoryOpened] = 150

	done := f.start(context.Background())
	sub := f.nextSub(t)
	require.Eventually(t, func() bool {
		return f.runner.Status().State == StateLive
	}, 2*time.Second, 5*time.Millisecond)

	// Only the first log of block 151 arrives before the transport drops.
	sub.events <- opened(5, domain.TradeStateOpen, 151, 0)
	require.Eventually(t, func() bool {
		return f.cursors.get(domain.CategoryOpened) == 151
	}, 2*time.Second, 5*time.Millisecond)
	sub.errs <- domain.ErrTransportClosed
	assert.True(t, errors.Is(waitDone(t, done), domain.ErrTransportClosed))

	f.ledger.mu.Lock()
	f.ledger.tip = 151
	f.ledger.events = []domain.LedgerEvent{
		opened(5, domain.TradeStateOpen, 151, 0),
		opened(6, domain.TradeStateOpen, 151, 1),
	}
	f.ledger.fetches = nil
	f.ledger.mu.Unlock()

	// A supervised restart starts a fresh process on the same cursor.
	proc := &scriptedProc{}
	bf := newTestBackfiller(f.ledger, f.cursors, proc, nil, 5000)
	restarted := NewRunner(domain.CategoryOpened, f.ledger, f.cursors, proc, bf, nil, f.alerts, RunnerConfig{}, nil, discardLogger())
	restarted.sleep = noSleep

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	restartedDone := make(chan error, 1)
	go func() { restartedDone <- restarted.Run(ctx) }()
	done = restartedDone
	f.nextSub(t)
	require.Eventually(t, func() bool {
		return restarted.Status().State == StateLive
	}, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, []fetchCall{{151, 151}}, f.ledger.fetchCalls())
	proc.mu.Lock()
	var ids []int64
	for _, ev := range proc.applied {
		ids = append(ids, ev.TradeID())
	}
	proc.mu.Unlock()
	assert.Contains(t, ids, int64(6), "the undelivered log of block 151 is applied")
	assert.Equal(t, uint64(151), f.cursors.get(domain.CategoryOpened))

	cancel()
	assert.NoError(t, waitDone(t, done))
}

func TestRunnerLiveFailureRewalksBlock(t *testing.T) {
	f := newRunnerFixture(150, RunnerConfig{}, nil)
	f.cursors.blocks[domain.CategoryOpened] = 150
	bad := opened(9, domain.TradeStateOpen, 152, 1)
	f.proc.fail = map[domain.EventKey]int{bad.Key(): 1}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := f.start(ctx)

	sub := f.nextSub(t)
	require.Eventually(t, func() bool {
		return f.runner.Status().State == StateLive
	}, 2*time.Second, 5*time.Millisecond)

	// Recovery resubscribes and re-fetches block 152 from the ledger.
	f.ledger.mu.Lock()
	f.ledger.tip = 152
	f.ledger.events = []domain.LedgerEvent{opened(8, domain.TradeStateOpen, 152, 0), bad}
	f.ledger.mu.Unlock()

	sub.events <- opened(8, domain.TradeStateOpen, 152, 0)
	sub.events <- bad

	f.nextSub(t)
	require.Eventually(t, func() bool {
		return f.runner.Status().State == StateLive
	}, 2*time.Second, 5*time.Millisecond)
	assert.Contains(t, f.ledger.fetchCalls(), fetchCall{152, 152})
	assert.Contains(t, f.proc.blocks(), uint64(152))
	assert.Equal(t, uint64(152), f.cursors.get(domain.CategoryOpened))
	assert.Empty(t, f.alerts.sent(), "apply failures are alerted by the processor")

	cancel()
	assert.NoError(t, waitDone(t, done))
}

type fakeLocks struct {
	mu       sync.Mutex
	held     map[string]bool
	released []string
}

func (l *fakeLocks) Acquire(_ context.Context, key string, _ time.Duration) (domain.Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] {
		return nil, domain.ErrLockHeld
	}
	l.held[key] = true
	return &fakeLock{owner: l, key: key}, nil
}

type fakeLock struct {
	owner *fakeLocks
	key   string
}

func (k *fakeLock) Refresh(context.Context, time.Duration) error { return nil }

func (k *fakeLock) Release(context.Context) error {
	k.owner.mu.Lock()
	defer k.owner.mu.Unlock()
	delete(k.owner.held, k.key)
	k.owner.released = append(k.owner.released, k.key)
	return nil
}

func TestRunnerLockHeld(t *testing.T) {
	locks := &fakeLocks{held: map[string]bool{"ingest:opened": true}}
	f := newRunnerFixture(150, RunnerConfig{}, locks)

	err := f.runner.Run(context.Background())
	assert.True(t, errors.Is(err, domain.ErrLockHeld))
	assert.Empty(t, f.ledger.fetchCalls())
}

func TestRunnerReleasesLock(t *testing.T) {
	locks := &fakeLocks{held: map[string]bool{}}
	f := newRunnerFixture(150, RunnerConfig{}, locks)
	f.cursors.blocks[domain.CategoryOpened] = 150

	ctx, cancel := context.WithCancel(context.Background())
	done := f.start(ctx)
	f.nextSub(t)
	cancel()
	require.NoError(t, waitDone(t, done))

	locks.mu.Lock()
	defer locks.mu.Unlock()
	assert.Equal(t, []string{"ingest:opened"}, locks.released)
}

type flakyLock struct{}

func (flakyLock) Refresh(context.Context, time.Duration) error { return errors.New("lock expired") }
func (flakyLock) Release(context.Context) error                { return nil }

type flakyLocks struct{}

func (flakyLocks) Acquire(context.Context, string, time.Duration) (domain.Lock, error) {
	return flakyLock{}, nil
}

func TestRunnerStopsWhenLockLost(t *testing.T) {
	f := newRunnerFixture(150, RunnerConfig{LockTTL: 30 * time.Millisecond}, flakyLocks{})
	f.cursors.blocks[domain.CategoryOpened] = 150

	done := f.start(context.Background())
	f.nextSub(t)

	err := waitDone(t, done)
	assert.True(t, errors.Is(err, errLockLost))
}
