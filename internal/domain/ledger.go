package domain

import "context"

// LedgerSource is the read side of the ledger node for one contract.
type LedgerSource interface {
	// Tip returns the latest block number.
	Tip(ctx context.Context) (uint64, error)
	// FetchEvents returns every event of the category in [from, to],
	// ordered by (block, log index).
	FetchEvents(ctx context.Context, category Category, from, to uint64) ([]LedgerEvent, error)
	// Subscribe starts push delivery of new events of the category.
	Subscribe(ctx context.Context, category Category) (Subscription, error)
}

// Subscription delivers live events until Err yields a value or
// Unsubscribe is called. Err reports ErrTransportClosed when the
// underlying connection drops.
type Subscription interface {
	Events() <-chan LedgerEvent
	Err() <-chan error
	Unsubscribe()
}

// ChangePublisher fans applied trade mutations out to downstream consumers.
type ChangePublisher interface {
	PublishChange(ctx context.Context, change TradeChange) error
}

// TradeChange describes one applied mutation.
type TradeChange struct {
	Stream   Category   `json:"stream"`
	TradeID  int64      `json:"trade_id"`
	State    TradeState `json:"state"`
	TxHash   string     `json:"tx_hash"`
	Block    uint64     `json:"block"`
	LogIndex uint       `json:"log_index"`
	Anomaly  bool       `json:"anomaly"`
}
