package ingestion

import (
	"context"
	"sync"
	"time"
)

// claimEntry tracks one in-memory claim's owner and expiry.
type claimEntry struct {
	owner   string
	expires time.Time
}

// MemoryClaimTable is an in-process ClaimTable used by tests and local
// single-process deployments, grounded on the teacher's preference for a
// map-plus-mutex fake standing in for a networked dependency
// (internal/storage's MemoryStore stands in for an object store the same
// way).
type MemoryClaimTable struct {
	mu      sync.Mutex
	entries map[string]claimEntry
	lease   time.Duration
}

// NewMemoryClaimTable returns an empty in-memory claim table.
func NewMemoryClaimTable(lease time.Duration) *MemoryClaimTable {
	if lease <= 0 {
		lease = defaultLeaseDuration
	}
	return &MemoryClaimTable{entries: make(map[string]claimEntry), lease: lease}
}

// TryClaim succeeds if key is unclaimed or its lease has expired.
func (t *MemoryClaimTable) TryClaim(_ context.Context, key, owner string) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, exists := t.entries[key]
	if exists && time.Now().Before(e.expires) {
		return false, nil
	}
	t.entries[key] = claimEntry{owner: owner, expires: time.Now().Add(t.lease)}
	return true, nil
}

// Release drops key's claim if owner still holds it.
func (t *MemoryClaimTable) Release(_ context.Context, key, owner string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if e, ok := t.entries[key]; ok && e.owner == owner {
		delete(t.entries, key)
	}
	return nil
}
