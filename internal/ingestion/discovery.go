package ingestion

import (
	"context"
	"strings"

	"github.com/memoria/memcore/internal/objectstore"
)

// manifestSuffix is the well-known manifest filename under every upload
// prefix (§6).
const manifestSuffix = "/manifest.json"

// Discoverer lists pending uploads under systems/ and claims them via a
// ClaimTable before handing them to workers, so concurrently-running
// discoverers never hand out the same upload twice (§4.7, §5).
type Discoverer struct {
	Store  objectstore.Store
	Claims ClaimTable
	Owner  string
}

// Discover lists every pending manifest under "systems/" and returns the
// subset this Owner successfully claimed.
func (d *Discoverer) Discover(ctx context.Context) ([]Upload, error) {
	it := d.Store.List(ctx, "systems/")
	var claimed []Upload
	for it.Next() {
		key := it.Key()
		if !strings.HasSuffix(key, manifestSuffix) {
			continue
		}
		prefix := strings.TrimSuffix(key, "manifest.json")
		systemID := systemIDFromPrefix(prefix)

		ok, err := d.Claims.TryClaim(ctx, key, d.Owner)
		if err != nil {
			return claimed, err
		}
		if !ok {
			continue
		}
		claimed = append(claimed, Upload{SystemID: systemID, Prefix: prefix})
	}
	return claimed, it.Err()
}

// systemIDFromPrefix extracts system_id from "systems/{system_id}/...".
func systemIDFromPrefix(prefix string) string {
	trimmed := strings.TrimPrefix(prefix, "systems/")
	if idx := strings.Index(trimmed, "/"); idx >= 0 {
		return trimmed[:idx]
	}
	return trimmed
}

// queueCapacityFactor sizes the bounded backpressure queue relative to
// worker count (§5: "default capacity = 4 x worker_count").
const queueCapacityFactor = 4

// Queue is the bounded, shared channel of claimed uploads workers drain.
// Discovery blocks (pausing further claiming) once it is full, providing
// the backpressure §5 specifies.
type Queue struct {
	ch chan Upload
}

// NewQueue returns a Queue sized to workerCount * queueCapacityFactor.
func NewQueue(workerCount int) *Queue {
	if workerCount <= 0 {
		workerCount = 1
	}
	return &Queue{ch: make(chan Upload, workerCount*queueCapacityFactor)}
}

// Enqueue blocks until there is room, or ctx is cancelled.
func (q *Queue) Enqueue(ctx context.Context, u Upload) error {
	select {
	case q.ch <- u:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dequeue blocks until an upload is available, the queue is closed, or ctx
// is cancelled.
func (q *Queue) Dequeue(ctx context.Context) (Upload, bool) {
	select {
	case u, ok := <-q.ch:
		return u, ok
	case <-ctx.Done():
		return Upload{}, false
	}
}

// Close signals no further uploads will be enqueued; draining workers see
// Dequeue return ok=false once the channel empties.
func (q *Queue) Close() { close(q.ch) }
