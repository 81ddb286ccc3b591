package pipeline

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brokex/tradeindexer/internal/domain"
)

type memBlobs struct {
	objects map[string][]byte
	types   map[string]string
}

func (m *memBlobs) Put(_ context.Context, path string, data io.Reader, contentType string) error {
	b, err := io.ReadAll(data)
	if err != nil {
		return err
	}
	m.objects[path] = b
	m.types[path] = contentType
	return nil
}

func TestArchiverWritesJSONLines(t *testing.T) {
	blobs := &memBlobs{objects: map[string][]byte{}, types: map[string]string{}}
	a := NewArchiver(blobs, discardLogger())

	events := []domain.LedgerEvent{
		opened(1, domain.TradeStateOrder, 101, 0),
		removed(1, domain.RemoveReasonMarket, 105, 2),
	}
	require.NoError(t, a.ArchiveBatch(context.Background(), domain.CategoryOpened, 101, 120, events))

	path := "ledger/opened/101-120.jsonl"
	require.Contains(t, blobs.objects, path)
	assert.Equal(t, "application/x-ndjson", blobs.types[path])

	var rows []map[string]any
	sc := bufio.NewScanner(bytes.NewReader(blobs.objects[path]))
	for sc.Scan() {
		var row map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &row))
		rows = append(rows, row)
	}
	require.Len(t, rows, 2)
	assert.Equal(t, "opened.v2", rows[0]["variant"])
	assert.Equal(t, float64(101), rows[0]["block_number"])
	assert.Equal(t, float64(1), rows[1]["trade_id"])
	assert.Equal(t, "MARKET", rows[1]["payload"].(map[string]any)["Reason"])
}

func TestBatchPath(t *testing.T) {
	assert.Equal(t, "ledger/stops/5-9.jsonl", BatchPath(domain.CategoryStops, 5, 9))
}
