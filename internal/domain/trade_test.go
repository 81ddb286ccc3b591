package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestTransition(t *testing.T) {
	tests := []struct {
		name      string
		from, to  TradeState
		wantNext  TradeState
		wantLegal bool
	}{
		{"order to open", TradeStateOrder, TradeStateOpen, TradeStateOpen, true},
		{"order to cancelled", TradeStateOrder, TradeStateCancelled, TradeStateCancelled, true},
		{"open to closed", TradeStateOpen, TradeStateClosed, TradeStateClosed, true},
		{"replay open", TradeStateOpen, TradeStateOpen, TradeStateOpen, true},
		{"replay closed", TradeStateClosed, TradeStateClosed, TradeStateClosed, true},
		{"skip order to closed", TradeStateOrder, TradeStateClosed, TradeStateClosed, false},
		{"open to cancelled", TradeStateOpen, TradeStateCancelled, TradeStateCancelled, false},
		{"closed never reopens", TradeStateClosed, TradeStateOpen, TradeStateClosed, false},
		{"cancelled never reopens", TradeStateCancelled, TradeStateOrder, TradeStateCancelled, false},
		{"open never returns to order", TradeStateOpen, TradeStateOrder, TradeStateOpen, false},
		{"terminal to terminal", TradeStateClosed, TradeStateCancelled, TradeStateClosed, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			next, legal := Transition(tt.from, tt.to)
			assert.Equal(t, tt.wantNext, next)
			assert.Equal(t, tt.wantLegal, legal)
		})
	}
}

func TestRemoveReasonFromCode(t *testing.T) {
	r, ok := RemoveReasonFromCode(0)
	assert.True(t, ok)
	assert.Equal(t, RemoveReasonCancelled, r)
	assert.Equal(t, TradeStateCancelled, r.TerminalState())

	for code, want := range map[uint8]RemoveReason{1: RemoveReasonMarket, 2: RemoveReasonStopLoss, 3: RemoveReasonTakeProfit, 4: RemoveReasonLiquidation} {
		r, ok := RemoveReasonFromCode(code)
		assert.True(t, ok)
		assert.Equal(t, want, r)
		assert.Equal(t, TradeStateClosed, r.TerminalState())
	}

	for _, code := range []uint8{5, 9, 255} {
		r, ok := RemoveReasonFromCode(code)
		assert.False(t, ok)
		assert.Equal(t, RemoveReasonOther, r)
		assert.Equal(t, TradeStateClosed, r.TerminalState(), "unknown codes close, never cancel")
	}
}

func TestTradeRefNewer(t *testing.T) {
	ref := TradeRef{LastBlockNum: 100, LastLogIndex: 3}
	assert.True(t, ref.Newer(99, 7))
	assert.True(t, ref.Newer(100, 2))
	assert.False(t, ref.Newer(100, 3))
	assert.False(t, ref.Newer(100, 4))
	assert.False(t, ref.Newer(101, 0))
}

func TestSortEvents(t *testing.T) {
	events := []LedgerEvent{
		{TxHash: "c", BlockNumber: 12, LogIndex: 0},
		{TxHash: "b", BlockNumber: 10, LogIndex: 5},
		{TxHash: "a", BlockNumber: 10, LogIndex: 1},
	}
	SortEvents(events)
	assert.Equal(t, "a", events[0].TxHash)
	assert.Equal(t, "b", events[1].TxHash)
	assert.Equal(t, "c", events[2].TxHash)
}
