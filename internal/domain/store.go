package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// TradeStore persists projected trades. Every write is keyed by trade id
// and safe to repeat.
type TradeStore interface {
	// UpsertTrade inserts a created trade or overwrites its creation
	// attributes on replay.
	UpsertTrade(ctx context.Context, t Trade) error
	// UpdateTrade applies patch if the stored state still equals expected.
	// It returns ErrNotFound when the row is absent and ErrStateConflict when
	// the state moved underneath the caller.
	UpdateTrade(ctx context.Context, id int64, expected TradeState, patch TradePatch) error
	Lookup(ctx context.Context, id int64) (TradeRef, error)
	GetAssetID(ctx context.Context, id int64) (int64, error)
	GetByID(ctx context.Context, id int64) (Trade, error)
	ListByOwner(ctx context.Context, owner string, opts ListOpts) ([]Trade, error)
	ListByBucket(ctx context.Context, assetID, bucket int64) ([]BucketHit, error)
}

// BucketField names which price column matched a bucket query.
type BucketField string

const (
	BucketFieldLimit      BucketField = "LIMIT"
	BucketFieldStopLoss   BucketField = "SL"
	BucketFieldTakeProfit BucketField = "TP"
	BucketFieldLiq        BucketField = "LIQ"
)

// BucketHit is a trade matched by one of its bucketed price fields.
type BucketHit struct {
	Field BucketField
	Trade Trade
}

// Cursor is the committed position of one ingestion stream.
type Cursor struct {
	Stream    Category
	Block     uint64
	UpdatedAt time.Time
}

// CursorStore persists per-stream checkpoints. Load returns 0 when absent.
type CursorStore interface {
	Load(ctx context.Context, stream Category) (uint64, error)
	Save(ctx context.Context, stream Category, block uint64) error
	List(ctx context.Context) ([]Cursor, error)
}

// BucketResolver maps a price to its bucket id. A nil result means the
// price falls in no bucket.
type BucketResolver interface {
	Resolve(ctx context.Context, assetID, priceX6 int64) (*int64, error)
}

// AssetSpec carries per-asset constants needed for margin and bucketing.
type AssetSpec struct {
	AssetID       int64
	LotNum        int64
	LotDen        int64
	BucketWidthX6 int64
}

// AssetStore reads asset specs.
type AssetStore interface {
	GetSpec(ctx context.Context, assetID int64) (AssetSpec, error)
	UpsertSpec(ctx context.Context, spec AssetSpec) error
}

// Anomaly is a reconciliation finding: an event applied where the stored
// state did not match the state the event implies.
type Anomaly struct {
	ID          int64
	Stream      Category
	TradeID     int64
	TxHash      string
	BlockNumber uint64
	LogIndex    uint
	StoredState TradeState
	TargetState TradeState
	Applied     bool
	Detail      map[string]any
	CreatedAt   time.Time
}

// ReconciliationStore persists an append-only anomaly log.
type ReconciliationStore interface {
	Log(ctx context.Context, a Anomaly) error
	List(ctx context.Context, opts ListOpts) ([]Anomaly, error)
}
