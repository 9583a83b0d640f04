package ingestion

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoria/memcore/internal/objectstore"
)

func TestDiscovererClaimsPendingManifests(t *testing.T) {
	store := objectstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "systems/s1/2026-07-31/up-1/manifest.json", []byte("{}")))
	require.NoError(t, store.Put(ctx, "systems/s2/2026-07-31/up-2/manifest.json", []byte("{}")))
	require.NoError(t, store.Put(ctx, "systems/s1/2026-07-31/up-1/records/a.bin", []byte("x")))

	d := &Discoverer{Store: store, Claims: NewMemoryClaimTable(time.Minute), Owner: "worker-a"}
	uploads, err := d.Discover(ctx)
	require.NoError(t, err)
	assert.Len(t, uploads, 2)
}

func TestDiscovererSkipsAlreadyClaimed(t *testing.T) {
	store := objectstore.NewMemoryStore()
	ctx := context.Background()
	require.NoError(t, store.Put(ctx, "systems/s1/2026-07-31/up-1/manifest.json", []byte("{}")))

	claims := NewMemoryClaimTable(time.Minute)
	d1 := &Discoverer{Store: store, Claims: claims, Owner: "worker-a"}
	d2 := &Discoverer{Store: store, Claims: claims, Owner: "worker-b"}

	first, err := d1.Discover(ctx)
	require.NoError(t, err)
	assert.Len(t, first, 1)

	second, err := d2.Discover(ctx)
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestQueueEnqueueDequeue(t *testing.T) {
	q := NewQueue(2)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Upload{SystemID: "s1", Prefix: "p1/"}))
	u, ok := q.Dequeue(ctx)
	require.True(t, ok)
	assert.Equal(t, "s1", u.SystemID)
}

func TestQueueDequeueAfterClose(t *testing.T) {
	q := NewQueue(1)
	q.Close()
	_, ok := q.Dequeue(context.Background())
	assert.False(t, ok)
}
