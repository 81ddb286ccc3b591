package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/brokex/tradeindexer/internal/domain"
	"github.com/brokex/tradeindexer/internal/notify"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

// fakeTrades is an in-memory TradeStore with the same write semantics as
// the postgres store.
type fakeTrades struct {
	mu      sync.Mutex
	rows    map[int64]domain.Trade
	writes  int
	failN   int // next failN writes fail
	failErr error
}

func newFakeTrades() *fakeTrades {
	return &fakeTrades{rows: make(map[int64]domain.Trade)}
}

func (f *fakeTrades) injected() error {
	if f.failN > 0 {
		f.failN--
		if f.failErr != nil {
			return f.failErr
		}
		return errors.New("connection reset")
	}
	return nil
}

func notNewer(stored domain.Trade, blk uint64, idx uint) bool {
	if stored.LastBlockNum != blk {
		return stored.LastBlockNum < blk
	}
	return stored.LastLogIndex <= idx
}

func (f *fakeTrades) UpsertTrade(_ context.Context, t domain.Trade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected(); err != nil {
		return err
	}
	f.writes++

	cur, ok := f.rows[t.ID]
	if !ok {
		t.CreatedAt = time.Now()
		f.rows[t.ID] = t
		return nil
	}
	cur.Owner, cur.AssetID, cur.Long = t.Owner, t.AssetID, t.Long
	cur.Lots, cur.Leverage, cur.MarginUSD6 = t.Lots, t.Leverage, t.MarginUSD6
	cur.TargetX6, cur.TargetBucket = t.TargetX6, t.TargetBucket
	cur.LiqX6, cur.LiqBucket = t.LiqX6, t.LiqBucket
	if notNewer(cur, t.LastBlockNum, t.LastLogIndex) {
		cur.State = t.State
		cur.EntryX6 = t.EntryX6
		cur.StopLossX6, cur.StopLossBucket = t.StopLossX6, t.StopLossBucket
		cur.TakeProfitX6, cur.TakeProfitBucket = t.TakeProfitX6, t.TakeProfitBucket
		cur.LastTxHash, cur.LastBlockNum, cur.LastLogIndex = t.LastTxHash, t.LastBlockNum, t.LastLogIndex
	}
	f.rows[t.ID] = cur
	return nil
}

func (f *fakeTrades) UpdateTrade(_ context.Context, id int64, expected domain.TradeState, p domain.TradePatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.injected(); err != nil {
		return err
	}
	t, ok := f.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if t.State != expected {
		return domain.ErrStateConflict
	}
	f.writes++

	if p.State != nil {
		t.State = *p.State
	}
	if p.EntryX6 != nil {
		t.EntryX6 = *p.EntryX6
	}
	if p.SetStops {
		t.StopLossX6, t.StopLossBucket = p.StopLossX6, p.StopLossBucket
		t.TakeProfitX6, t.TakeProfitBucket = p.TakeProfitX6, p.TakeProfitBucket
	}
	if p.RemovedReason != nil {
		r := *p.RemovedReason
		t.RemovedReason = &r
	}
	if p.ExecX6 != nil {
		t.ExecX6 = *p.ExecX6
	}
	if p.PnLUSD6 != nil {
		t.PnLUSD6 = new(big.Int).Set(p.PnLUSD6)
	}
	if p.ExecutedAt != nil && t.ExecutedAt == nil {
		t.ExecutedAt = p.ExecutedAt
	}
	if p.ClosedAt != nil && t.ClosedAt == nil {
		t.ClosedAt = p.ClosedAt
	}
	if p.CancelledAt != nil && t.CancelledAt == nil {
		t.CancelledAt = p.CancelledAt
	}
	if notNewer(t, p.Provenance.BlockNumber, p.Provenance.LogIndex) {
		t.LastTxHash = p.Provenance.TxHash
		t.LastBlockNum = p.Provenance.BlockNumber
		t.LastLogIndex = p.Provenance.LogIndex
	}
	f.rows[id] = t
	return nil
}

func (f *fakeTrades) Lookup(_ context.Context, id int64) (domain.TradeRef, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[id]
	if !ok {
		return domain.TradeRef{}, domain.ErrNotFound
	}
	return domain.TradeRef{
		ID: t.ID, AssetID: t.AssetID, State: t.State,
		LastTxHash: t.LastTxHash, LastBlockNum: t.LastBlockNum, LastLogIndex: t.LastLogIndex,
	}, nil
}

func (f *fakeTrades) GetAssetID(ctx context.Context, id int64) (int64, error) {
	ref, err := f.Lookup(ctx, id)
	return ref.AssetID, err
}

func (f *fakeTrades) GetByID(_ context.Context, id int64) (domain.Trade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.rows[id]
	if !ok {
		return domain.Trade{}, domain.ErrNotFound
	}
	return t, nil
}

func (f *fakeTrades) ListByOwner(context.Context, string, domain.ListOpts) ([]domain.Trade, error) {
	return nil, nil
}

func (f *fakeTrades) ListByBucket(context.Context, int64, int64) ([]domain.BucketHit, error) {
	return nil, nil
}

func (f *fakeTrades) get(id int64) domain.Trade {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rows[id]
}

// fakeBuckets divides by a fixed width; asset 0 fails.
type fakeBuckets struct {
	width int64
	calls int
}

func (f *fakeBuckets) Resolve(_ context.Context, assetID, priceX6 int64) (*int64, error) {
	f.calls++
	if assetID == 0 {
		return nil, errors.New("resolver unavailable")
	}
	if priceX6 <= 0 {
		return nil, nil
	}
	b := priceX6 / f.width
	return &b, nil
}

type fakeAssets map[int64]domain.AssetSpec

func (f fakeAssets) GetSpec(_ context.Context, id int64) (domain.AssetSpec, error) {
	s, ok := f[id]
	if !ok {
		return domain.AssetSpec{}, domain.ErrNotFound
	}
	return s, nil
}

type fakeAnomalies struct {
	mu   sync.Mutex
	rows []domain.Anomaly
}

func (f *fakeAnomalies) Log(_ context.Context, a domain.Anomaly) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, a)
	return nil
}

func (f *fakeAnomalies) List(context.Context, domain.ListOpts) ([]domain.Anomaly, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Anomaly(nil), f.rows...), nil
}

type fakeAlerts struct {
	mu     sync.Mutex
	events []notify.Event
}

func (f *fakeAlerts) Notify(_ context.Context, ev notify.Event, _, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeAlerts) sent() []notify.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]notify.Event(nil), f.events...)
}

// fakeDedup is a map-backed DedupCache that can be told to fail.
type fakeDedup struct {
	mu      sync.Mutex
	seen    map[domain.EventKey]bool
	seenErr error
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{seen: make(map[domain.EventKey]bool)}
}

func (f *fakeDedup) Seen(_ context.Context, k domain.EventKey) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.seenErr != nil {
		return false, f.seenErr
	}
	return f.seen[k], nil
}

func (f *fakeDedup) Mark(_ context.Context, k domain.EventKey) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seen[k] = true
	return nil
}

type fakePublisher struct {
	mu      sync.Mutex
	changes []domain.TradeChange
	err     error
}

func (f *fakePublisher) PublishChange(_ context.Context, c domain.TradeChange) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.changes = append(f.changes, c)
	return nil
}

// fakeCursors records every save; failSaves makes the next saves fail.
type fakeCursors struct {
	mu        sync.Mutex
	blocks    map[domain.Category]uint64
	saves     []uint64
	failSaves int
}

func newFakeCursors() *fakeCursors {
	return &fakeCursors{blocks: make(map[domain.Category]uint64)}
}

func (f *fakeCursors) Load(_ context.Context, s domain.Category) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocks[s], nil
}

func (f *fakeCursors) Save(_ context.Context, s domain.Category, block uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSaves > 0 {
		f.failSaves--
		return errors.New("cursor write timeout")
	}
	f.blocks[s] = block
	f.saves = append(f.saves, block)
	return nil
}

func (f *fakeCursors) List(context.Context) ([]domain.Cursor, error) { return nil, nil }

func (f *fakeCursors) get(s domain.Category) uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.blocks[s]
}

func (f *fakeCursors) history() []uint64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]uint64(nil), f.saves...)
}

type fetchCall struct{ from, to uint64 }

// fakeLedger serves events from memory. Subscriptions are created on
// demand and exposed through subs.
type fakeLedger struct {
	mu         sync.Mutex
	tip        uint64
	events     []domain.LedgerEvent
	fetches    []fetchCall
	fetchFails int
	subs       chan *fakeSub
}

func newFakeLedger(tip uint64, events ...domain.LedgerEvent) *fakeLedger {
	return &fakeLedger{tip: tip, events: events, subs: make(chan *fakeSub, 8)}
}

func (f *fakeLedger) Tip(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.tip, nil
}

func (f *fakeLedger) FetchEvents(_ context.Context, _ domain.Category, from, to uint64) ([]domain.LedgerEvent, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fetches = append(f.fetches, fetchCall{from, to})
	if f.fetchFails > 0 {
		f.fetchFails--
		return nil, errors.New("rpc timeout")
	}
	var out []domain.LedgerEvent
	for _, ev := range f.events {
		if ev.BlockNumber >= from && ev.BlockNumber <= to {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (f *fakeLedger) Subscribe(context.Context, domain.Category) (domain.Subscription, error) {
	s := &fakeSub{events: make(chan domain.LedgerEvent, 16), errs: make(chan error, 1)}
	f.subs <- s
	return s, nil
}

func (f *fakeLedger) fetchCalls() []fetchCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]fetchCall(nil), f.fetches...)
}

type fakeSub struct {
	events chan domain.LedgerEvent
	errs   chan error
	once   sync.Once
	done   bool
}

func (s *fakeSub) Events() <-chan domain.LedgerEvent { return s.events }
func (s *fakeSub) Err() <-chan error                 { return s.errs }
func (s *fakeSub) Unsubscribe()                      { s.once.Do(func() { s.done = true }) }

// Event builders.

func opened(id int64, state domain.TradeState, block uint64, idx uint) domain.LedgerEvent {
	return domain.LedgerEvent{
		Category: domain.CategoryOpened, Variant: "opened.v2",
		TxHash: txHash("o", id, block), BlockNumber: block, LogIndex: idx,
		Opened: &domain.OpenedEvent{
			TradeID: id, Owner: "0xabc", AssetID: 1, State: state, Long: true,
			Lots: 3, Leverage: 10, PriceX6: 50_000_000000,
			StopLossX6: 45_000_000000, LiqX6: 40_000_000000,
		},
	}
}

func executed(id int64, entry int64, block uint64, idx uint) domain.LedgerEvent {
	return domain.LedgerEvent{
		Category: domain.CategoryExecuted, Variant: "executed.v1",
		TxHash: txHash("e", id, block), BlockNumber: block, LogIndex: idx,
		Executed: &domain.ExecutedEvent{TradeID: id, EntryX6: entry},
	}
}

func stops(id, sl, tp int64, block uint64, idx uint) domain.LedgerEvent {
	return domain.LedgerEvent{
		Category: domain.CategoryStops, Variant: "stops.v1",
		TxHash: txHash("s", id, block), BlockNumber: block, LogIndex: idx,
		Stops: &domain.StopsEvent{TradeID: id, StopLossX6: sl, TakeProfitX6: tp},
	}
}

func removed(id int64, reason domain.RemoveReason, block uint64, idx uint) domain.LedgerEvent {
	return domain.LedgerEvent{
		Category: domain.CategoryRemoved, Variant: "removed.v1",
		TxHash: txHash("r", id, block), BlockNumber: block, LogIndex: idx,
		Removed: &domain.RemovedEvent{TradeID: id, Reason: reason, ExecX6: 51_000_000000, PnLUSD6: big.NewInt(-1_250_000)},
	}
}

func txHash(prefix string, id int64, block uint64) string {
	return "0x" + prefix + big.NewInt(id).String() + "-" + big.NewInt(int64(block)).String()
}
