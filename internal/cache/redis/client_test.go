package redis

import (
	"testing"
	"time"

	"github.com/brokex/tradeindexer/internal/domain"
	"github.com/stretchr/testify/assert"
)

func TestKeyPrefix(t *testing.T) {
	c := &Client{prefix: "brokex"}
	assert.Equal(t, "brokex:lock:ingest:opened", c.key("lock", "ingest:opened"))

	bare := &Client{}
	assert.Equal(t, "asset:7", bare.key("asset", "7"))
}

func TestDedupKeyIncludesStreamAndLog(t *testing.T) {
	d := &DedupCache{c: &Client{prefix: "bx"}, stream: domain.CategoryStops, ttl: time.Minute}
	k := d.dedupKey(domain.EventKey{TxHash: "0xabc", LogIndex: 4})
	assert.Equal(t, "bx:dedup:stops:0xabc:4", k)
}
