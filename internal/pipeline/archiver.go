package pipeline

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/brokex/tradeindexer/internal/domain"
)

// archivedEvent is the JSONL row written per raw event.
type archivedEvent struct {
	Category    domain.Category `json:"category"`
	Variant     string          `json:"variant"`
	TxHash      string          `json:"tx_hash"`
	BlockNumber uint64          `json:"block_number"`
	LogIndex    uint            `json:"log_index"`
	TradeID     int64           `json:"trade_id"`
	Payload     any             `json:"payload"`
}

// Archiver writes each fetched backfill range to blob storage as JSONL.
type Archiver struct {
	blobs  domain.BlobWriter
	logger *slog.Logger
}

// NewArchiver creates a new Archiver.
func NewArchiver(blobs domain.BlobWriter, logger *slog.Logger) *Archiver {
	return &Archiver{
		blobs:  blobs,
		logger: logger.With(slog.String("component", "archiver")),
	}
}

// BatchPath returns the object key for one stream range.
func BatchPath(stream domain.Category, from, to uint64) string {
	return fmt.Sprintf("ledger/%s/%d-%d.jsonl", stream, from, to)
}

// ArchiveBatch implements BatchArchiver.
func (a *Archiver) ArchiveBatch(ctx context.Context, stream domain.Category, from, to uint64, events []domain.LedgerEvent) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, ev := range events {
		row := archivedEvent{
			Category:    ev.Category,
			Variant:     ev.Variant,
			TxHash:      ev.TxHash,
			BlockNumber: ev.BlockNumber,
			LogIndex:    ev.LogIndex,
			TradeID:     ev.TradeID(),
			Payload:     payloadOf(ev),
		}
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("archiver: encode %s: %w", ev.Key(), err)
		}
	}

	path := BatchPath(stream, from, to)
	if err := a.blobs.Put(ctx, path, &buf, "application/x-ndjson"); err != nil {
		return fmt.Errorf("archiver: put %s: %w", path, err)
	}
	a.logger.DebugContext(ctx, "batch archived",
		slog.String("path", path),
		slog.Int("events", len(events)),
	)
	return nil
}

func payloadOf(ev domain.LedgerEvent) any {
	switch {
	case ev.Opened != nil:
		return ev.Opened
	case ev.Executed != nil:
		return ev.Executed
	case ev.Stops != nil:
		return ev.Stops
	case ev.Removed != nil:
		return ev.Removed
	}
	return nil
}
