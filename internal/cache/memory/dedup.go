// Package memory holds process-local cache implementations.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/brokex/tradeindexer/internal/domain"
)

// Dedup is an in-process domain.DedupCache. Entries expire a fixed TTL after
// Mark regardless of how often they are read. It is safe for concurrent use.
type Dedup struct {
	seen map[domain.EventKey]time.Time // key -> expiry
	ttl  time.Duration
	now  func() time.Time
	mu   sync.Mutex
}

// NewDedup creates a Dedup whose entries live for ttl.
func NewDedup(ttl time.Duration) *Dedup {
	return &Dedup{
		seen: make(map[domain.EventKey]time.Time),
		ttl:  ttl,
		now:  time.Now,
	}
}

// Seen reports whether key was marked and has not yet expired. Expired
// entries are dropped on read.
func (d *Dedup) Seen(_ context.Context, key domain.EventKey) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	exp, ok := d.seen[key]
	if !ok {
		return false, nil
	}
	if !d.now().Before(exp) {
		delete(d.seen, key)
		return false, nil
	}
	return true, nil
}

// Mark records key with a fresh expiry.
func (d *Dedup) Mark(_ context.Context, key domain.EventKey) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen[key] = d.now().Add(d.ttl)
	return nil
}

// Cleanup removes expired entries. Call it periodically to bound memory.
func (d *Dedup) Cleanup() int {
	d.mu.Lock()
	defer d.mu.Unlock()

	now := d.now()
	removed := 0
	for k, exp := range d.seen {
		if !now.Before(exp) {
			delete(d.seen, k)
			removed++
		}
	}
	return removed
}

// Len returns the number of tracked entries, expired or not.
func (d *Dedup) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

// RunCleanup calls Cleanup every interval until ctx is done.
func (d *Dedup) RunCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.Cleanup()
		}
	}
}

var _ domain.DedupCache = (*Dedup)(nil)
