package ingestion

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoria/memcore/internal/analytics"
	"github.com/memoria/memcore/internal/dedup"
	"github.com/memoria/memcore/internal/graph"
	"github.com/memoria/memcore/internal/hotstore"
	"github.com/memoria/memcore/internal/objectstore"
	"github.com/memoria/memcore/internal/obslog"
	"github.com/memoria/memcore/internal/record"
	"github.com/memoria/memcore/internal/resilience"
	"github.com/memoria/memcore/internal/shardrouter"
)

// fakeEncoder returns a deterministic unit vector derived from content so
// tests can assert exact-match search behavior without a real embedding
// model, the same stand-in role the corpus's MemoryStore plays for a real
// object store.
type fakeEncoder struct {
	vectors map[string][record.EmbeddingDim]float32
}

func (e *fakeEncoder) Embed(_ context.Context, content []byte) ([record.EmbeddingDim]float32, error) {
	if v, ok := e.vectors[string(content)]; ok {
		return v, nil
	}
	var v [record.EmbeddingDim]float32
	v[0] = 1
	return v, nil
}

func setupPipeline(t *testing.T) (*Pipeline, objectstore.Store) {
	t.Helper()
	store := objectstore.NewMemoryStore()
	router := shardrouter.New(1)
	shards := map[int]*ShardSet{0: {Hot: hotstore.New(0), Dedup: dedup.NewIndex()}}

	p := &Pipeline{
		Store:    store,
		Router:   router,
		Shards:   shards,
		Graph:    graph.New(),
		Metrics:  analytics.NewRegistry(1000),
		Encoder:  &fakeEncoder{vectors: map[string][record.EmbeddingDim]float32{}},
		Limiter:  NewRateLimiter(1000),
		Claims:   NewMemoryClaimTable(time.Minute),
		WorkerID: "worker-test",
		Log:      obslog.New(obslog.Options{Output: os.Stderr}),
	}
	return p, store
}

func putManifest(t *testing.T, store objectstore.Store, prefix string, m Manifest) {
	t.Helper()
	raw, err := json.Marshal(m)
	require.NoError(t, err)
	require.NoError(t, store.Put(context.Background(), prefix+"manifest.json", raw))
}

func TestProcessUploadIngestsAndAcknowledges(t *testing.T) {
	p, store := setupPipeline(t)
	ctx := context.Background()
	prefix := "systems/s1/2026-07-31/up-1/"

	require.NoError(t, store.Put(ctx, prefix+"records/a.bin", []byte("content a")))
	require.NoError(t, store.Put(ctx, prefix+"records/b.bin", []byte("content b")))
	m := Manifest{
		UploadID: "up-1", UploadedAt: time.Now(), Count: 2,
		Checksum: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
		Files:    []string{"a.bin", "b.bin"},
	}
	putManifest(t, store, prefix, m)

	err := p.ProcessUpload(ctx, Upload{SystemID: "s1", Prefix: prefix})
	require.NoError(t, err)

	assert.Equal(t, 2, p.Shards[0].Hot.Len())

	_, err = store.Get(ctx, prefix+"manifest.json")
	assert.True(t, objectstore.IsTerminal(err), "manifest should be deleted after ack")
}

func TestProcessUploadDedupsAcrossResubmission(t *testing.T) {
	p, store := setupPipeline(t)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		prefix := "systems/s1/2026-07-31/up-1/"
		require.NoError(t, store.Put(ctx, prefix+"records/a.bin", []byte("same content")))
		m := Manifest{
			UploadID: "up-1", UploadedAt: time.Now(), Count: 1,
			Checksum: "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcdef",
			Files:    []string{"a.bin"},
		}
		putManifest(t, store, prefix, m)
		require.NoError(t, p.ProcessUpload(ctx, Upload{SystemID: "s1", Prefix: prefix}))
	}

	assert.Equal(t, 1, p.Shards[0].Hot.Len())
}

func TestProcessUploadRoutesObjectStoreCallsThroughBreaker(t *testing.T) {
	p, _ := setupPipeline(t)
	p.Breakers = resilience.NewRegistry(resilience.DefaultConfig())
	ctx := context.Background()

	err := p.ProcessUpload(ctx, Upload{SystemID: "s1", Prefix: "systems/s1/2026-07-31/missing/"})
	require.Error(t, err)

	snap := p.Breakers.Status("object-store")
	assert.Equal(t, int64(1), snap.Failures)
}

func TestProcessUploadRejectsInvalidManifest(t *testing.T) {
	p, store := setupPipeline(t)
	ctx := context.Background()
	prefix := "systems/s1/2026-07-31/up-1/"

	m := Manifest{UploadID: "up-1", Count: 1, Checksum: "bad", Files: []string{"a.bin"}}
	putManifest(t, store, prefix, m)

	err := p.ProcessUpload(ctx, Upload{SystemID: "s1", Prefix: prefix})
	require.Error(t, err)
}
