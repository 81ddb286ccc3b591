package domain

import (
	"fmt"
	"math/big"
	"sort"
)

// Category names one ingestion stream. Each category has its own cursor,
// dedup cache and runner.
type Category string

const (
	CategoryOpened   Category = "opened"
	CategoryExecuted Category = "executed"
	CategoryStops    Category = "stops"
	CategoryRemoved  Category = "removed"
)

// AllCategories lists every stream in the order they are started.
func AllCategories() []Category {
	return []Category{CategoryOpened, CategoryExecuted, CategoryStops, CategoryRemoved}
}

// ParseCategory validates a stream name from configuration.
func ParseCategory(s string) (Category, error) {
	switch c := Category(s); c {
	case CategoryOpened, CategoryExecuted, CategoryStops, CategoryRemoved:
		return c, nil
	}
	return "", fmt.Errorf("unknown stream %q", s)
}

// EventKey is the identity of one ledger log.
type EventKey struct {
	TxHash   string
	LogIndex uint
}

func (k EventKey) String() string {
	return fmt.Sprintf("%s:%d", k.TxHash, k.LogIndex)
}

// OpenedEvent creates a trade. PriceX6 is the entry price when State is
// OPEN and the limit target when State is ORDER. StateCode is the raw
// on-chain value; any non-zero code opens the trade.
type OpenedEvent struct {
	TradeID      int64
	Owner        string
	AssetID      int64
	State        TradeState
	StateCode    uint8
	Long         bool
	Lots         int64
	Leverage     int64
	PriceX6      int64
	StopLossX6   int64
	TakeProfitX6 int64
	LiqX6        int64
}

type ExecutedEvent struct {
	TradeID int64
	EntryX6 int64
}

type StopsEvent struct {
	TradeID      int64
	StopLossX6   int64
	TakeProfitX6 int64
}

type RemovedEvent struct {
	TradeID    int64
	Reason     RemoveReason
	ReasonCode uint8
	ExecX6     int64
	PnLUSD6    *big.Int
}

// LedgerEvent is the canonical decoded form of one log. Exactly one payload
// matching Category is set.
type LedgerEvent struct {
	Category    Category
	Variant     string
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
	Reorged     bool

	Opened   *OpenedEvent   `json:",omitempty"`
	Executed *ExecutedEvent `json:",omitempty"`
	Stops    *StopsEvent    `json:",omitempty"`
	Removed  *RemovedEvent  `json:",omitempty"`
}

// Key returns the dedup identity of the event.
func (e LedgerEvent) Key() EventKey {
	return EventKey{TxHash: e.TxHash, LogIndex: e.LogIndex}
}

// Provenance returns the log coordinates written alongside every mutation.
func (e LedgerEvent) Provenance() Provenance {
	return Provenance{TxHash: e.TxHash, BlockNumber: e.BlockNumber, LogIndex: e.LogIndex}
}

// TradeID returns the id carried by whichever payload is set.
func (e LedgerEvent) TradeID() int64 {
	switch {
	case e.Opened != nil:
		return e.Opened.TradeID
	case e.Executed != nil:
		return e.Executed.TradeID
	case e.Stops != nil:
		return e.Stops.TradeID
	case e.Removed != nil:
		return e.Removed.TradeID
	}
	return 0
}

// Before reports whether e precedes o in ledger order.
func (e LedgerEvent) Before(o LedgerEvent) bool {
	if e.BlockNumber != o.BlockNumber {
		return e.BlockNumber < o.BlockNumber
	}
	return e.LogIndex < o.LogIndex
}

// SortEvents orders events by (block, log index) ascending, in place.
func SortEvents(events []LedgerEvent) {
	sort.SliceStable(events, func(i, j int) bool {
		return events[i].Before(events[j])
	})
}
