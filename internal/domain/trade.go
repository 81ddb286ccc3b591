package domain

import (
	"math/big"
	"time"
)

// TradeState tracks the position lifecycle.
type TradeState string

const (
	TradeStateOrder     TradeState = "ORDER"
	TradeStateOpen      TradeState = "OPEN"
	TradeStateClosed    TradeState = "CLOSED"
	TradeStateCancelled TradeState = "CANCELLED"
)

// Terminal reports whether no further transition can leave the state.
func (s TradeState) Terminal() bool {
	return s == TradeStateClosed || s == TradeStateCancelled
}

// Valid reports whether s is one of the known states.
func (s TradeState) Valid() bool {
	switch s {
	case TradeStateOrder, TradeStateOpen, TradeStateClosed, TradeStateCancelled:
		return true
	}
	return false
}

func (s TradeState) rank() int {
	switch s {
	case TradeStateOrder:
		return 0
	case TradeStateOpen:
		return 1
	default:
		return 2
	}
}

// legalEdges lists the only transitions the ledger contract can produce.
var legalEdges = map[TradeState]map[TradeState]bool{
	TradeStateOrder: {TradeStateOpen: true, TradeStateCancelled: true},
	TradeStateOpen:  {TradeStateClosed: true},
}

// Transition resolves the state a stored trade moves to when an event implies
// target. The returned state never ranks below from and never leaves a
// terminal state. legal is false when the implied edge is not one of
// ORDER->OPEN, ORDER->CANCELLED or OPEN->CLOSED (a same-state replay is legal).
// Forward jumps such as ORDER->CLOSED are still applied: they appear when the
// Executed stream lags the Removed stream.
func Transition(from, target TradeState) (next TradeState, legal bool) {
	if from == target {
		return from, true
	}
	if from.Terminal() {
		return from, false
	}
	if target.rank() < from.rank() {
		return from, false
	}
	return target, legalEdges[from][target]
}

// RemoveReason is the sub-reason recorded when a trade leaves the book.
type RemoveReason string

const (
	RemoveReasonCancelled   RemoveReason = "CANCELLED"
	RemoveReasonMarket      RemoveReason = "MARKET"
	RemoveReasonStopLoss    RemoveReason = "SL"
	RemoveReasonTakeProfit  RemoveReason = "TP"
	RemoveReasonLiquidation RemoveReason = "LIQ"
	// RemoveReasonOther is a closing code the contract added after this
	// build. The raw code travels on the event.
	RemoveReasonOther RemoveReason = "OTHER"
)

// removeReasons is indexed by the on-chain reason code.
var removeReasons = []RemoveReason{
	RemoveReasonCancelled,
	RemoveReasonMarket,
	RemoveReasonStopLoss,
	RemoveReasonTakeProfit,
	RemoveReasonLiquidation,
}

// RemoveReasonFromCode maps the contract's reason code. Only code 0 cancels;
// unknown codes close the trade as OTHER with ok=false so callers can flag
// them.
func RemoveReasonFromCode(code uint8) (reason RemoveReason, ok bool) {
	if int(code) < len(removeReasons) {
		return removeReasons[code], true
	}
	return RemoveReasonOther, false
}

// TerminalState returns the state a removal with this reason ends in.
func (r RemoveReason) TerminalState() TradeState {
	if r == RemoveReasonCancelled {
		return TradeStateCancelled
	}
	return TradeStateClosed
}

// Trade is the projected row for one position id.
// Prices are fixed-point with 6 decimals; 0 means unset.
type Trade struct {
	ID           int64
	Owner        string
	AssetID      int64
	Long         bool
	Lots         int64
	Leverage     int64
	MarginUSD6   int64
	State        TradeState
	EntryX6      int64
	TargetX6     int64
	StopLossX6   int64
	TakeProfitX6 int64
	LiqX6        int64

	TargetBucket     *int64
	StopLossBucket   *int64
	TakeProfitBucket *int64
	LiqBucket        *int64

	RemovedReason *RemoveReason
	ExecX6        int64
	PnLUSD6       *big.Int

	LastTxHash   string
	LastBlockNum uint64
	LastLogIndex uint

	ExecutedAt  *time.Time
	ClosedAt    *time.Time
	CancelledAt *time.Time
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// TradeRef is the minimal stored view the projector reads before writing.
type TradeRef struct {
	ID           int64
	AssetID      int64
	State        TradeState
	LastTxHash   string
	LastBlockNum uint64
	LastLogIndex uint
}

// Newer reports whether the stored provenance is strictly after (block, idx).
func (r TradeRef) Newer(block uint64, idx uint) bool {
	if r.LastBlockNum != block {
		return r.LastBlockNum > block
	}
	return r.LastLogIndex > idx
}

// Provenance identifies the ledger log that produced a mutation.
type Provenance struct {
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
}

// TradePatch is a partial update keyed by trade id. Nil pointer fields are
// left untouched. Lifecycle timestamps only fill columns that are still NULL
// so replays keep the first stamp.
type TradePatch struct {
	State   *TradeState
	EntryX6 *int64

	// SetStops overwrites both stop prices and their buckets (nil bucket
	// writes NULL).
	SetStops         bool
	StopLossX6       int64
	TakeProfitX6     int64
	StopLossBucket   *int64
	TakeProfitBucket *int64

	RemovedReason *RemoveReason
	ExecX6        *int64
	PnLUSD6       *big.Int

	ExecutedAt  *time.Time
	ClosedAt    *time.Time
	CancelledAt *time.Time

	Provenance Provenance
}
