package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"strings"
	"time"

	"github.com/memoria/memcore/internal/analytics"
	"github.com/memoria/memcore/internal/dedup"
	"github.com/memoria/memcore/internal/errs"
	"github.com/memoria/memcore/internal/graph"
	"github.com/memoria/memcore/internal/hotstore"
	"github.com/memoria/memcore/internal/objectstore"
	"github.com/memoria/memcore/internal/obslog"
	"github.com/memoria/memcore/internal/record"
	"github.com/memoria/memcore/internal/resilience"
	"github.com/memoria/memcore/internal/shardrouter"
)

// Breaker keys for the two external dependencies a Pipeline calls through
// resilience.Call (§4.13): the object store and the embedding encoder.
const (
	breakerObjectStore = "object-store"
	breakerEmbedding    = "embedding"
)

// Encoder produces the fixed-width embedding for a record's content
// (§4.7: "compute embedding via encoder dependency"). Implementations
// typically call an external embedding API, the same shape the retrieved
// corpus's embedding experiment uses against OpenAI's endpoint; this
// package depends only on the interface so tests can supply a
// deterministic fake.
type Encoder interface {
	Embed(ctx context.Context, content []byte) ([record.EmbeddingDim]float32, error)
}

// ShardSet is the per-shard Hot store and dedup index a Pipeline inserts
// into, keyed by shard number.
type ShardSet struct {
	Hot   *hotstore.Store
	Dedup *dedup.Index
}

// Pipeline wires together every dependency one ingestion worker needs to
// process a claimed upload end to end (§4.7 steps 1-4).
type Pipeline struct {
	Store    objectstore.Store
	Router   *shardrouter.Router
	Shards   map[int]*ShardSet
	Graph    *graph.Graph
	Metrics  *analytics.Registry
	Encoder  Encoder
	Limiter  *RateLimiter
	Claims   ClaimTable
	WorkerID string
	Log      obslog.Logger

	// Breakers gates every object-store and embedding call (§4.13): the
	// exponential-backoff retry in resilience.Call runs first, and only
	// the retry's final outcome is reported to the breaker, so a single
	// flaky call never trips it on its own.
	Breakers *resilience.Registry
}

// withBreaker runs fn directly if no registry is configured (tests that
// build a bare Pipeline), otherwise gates it through resilience.Call under
// key.
func (p *Pipeline) withBreaker(ctx context.Context, key string, fn func(ctx context.Context) error) error {
	if p.Breakers == nil {
		return fn(ctx)
	}
	return resilience.Call(ctx, p.Breakers, key, fn)
}

// storeGet fetches key from the object store through the breaker.
func (p *Pipeline) storeGet(ctx context.Context, key string) ([]byte, error) {
	var data []byte
	err := p.withBreaker(ctx, breakerObjectStore, func(ctx context.Context) error {
		b, err := p.Store.Get(ctx, key)
		if err != nil {
			return classifyFetchErr("ingestion.storeGet", err)
		}
		data = b
		return nil
	})
	return data, err
}

func (p *Pipeline) storePut(ctx context.Context, key string, value []byte) error {
	return p.withBreaker(ctx, breakerObjectStore, func(ctx context.Context) error {
		if err := p.Store.Put(ctx, key, value); err != nil {
			return classifyFetchErr("ingestion.storePut", err)
		}
		return nil
	})
}

func (p *Pipeline) storeDelete(ctx context.Context, key string) error {
	return p.withBreaker(ctx, breakerObjectStore, func(ctx context.Context) error {
		if err := p.Store.Delete(ctx, key); err != nil {
			return classifyFetchErr("ingestion.storeDelete", err)
		}
		return nil
	})
}

func (p *Pipeline) embed(ctx context.Context, content []byte) ([record.EmbeddingDim]float32, error) {
	var vec [record.EmbeddingDim]float32
	err := p.withBreaker(ctx, breakerEmbedding, func(ctx context.Context) error {
		v, err := p.Encoder.Embed(ctx, content)
		if err != nil {
			if errs.ClassOf(err) == errs.KindUnknown {
				return errs.New("ingestion.embed", errs.KindRetryableTransport, err)
			}
			return err
		}
		vec = v
		return nil
	})
	return vec, err
}

// Upload identifies one claimed manifest by its object-store key prefix,
// e.g. "systems/s1/2026-07-31/up-1/".
type Upload struct {
	SystemID string
	Prefix   string
}

// manifestKey returns the manifest object key for an upload.
func (u Upload) manifestKey() string { return path.Join(u.Prefix, "manifest.json") }

// recordKey returns the object key for one manifest-referenced file.
func (u Upload) recordKey(filename string) string {
	return path.Join(u.Prefix, "records", filename)
}

// ProcessUpload runs §4.7 steps 1-4 for one claimed upload: fetch and
// validate the manifest, ingest every referenced record, then acknowledge
// by deleting the upload's objects. Errors are always *errs.Error so
// callers can branch on Kind (retry, dead-letter, or surface).
func (p *Pipeline) ProcessUpload(ctx context.Context, u Upload) error {
	raw, err := p.storeGet(ctx, u.manifestKey())
	if err != nil {
		return err
	}

	var m Manifest
	if jsonErr := json.Unmarshal(raw, &m); jsonErr != nil {
		return errs.New("ingestion.ProcessUpload.parseManifest", errs.KindValidation, jsonErr)
	}
	if err := m.Validate(); err != nil {
		return err
	}

	for _, filename := range m.Files {
		if !p.Limiter.Allow(u.SystemID) {
			return errs.Capacity("ingestion.ProcessUpload", 1, fmt.Errorf("rate limit exceeded for system_id %q", u.SystemID))
		}
		if err := p.ingestRecord(ctx, u, filename); err != nil {
			return err
		}
	}

	return p.acknowledge(ctx, u, m)
}

func (p *Pipeline) ingestRecord(ctx context.Context, u Upload, filename string) error {
	content, err := p.storeGet(ctx, u.recordKey(filename))
	if err != nil {
		return err
	}

	recordID := recordIDFromFilename(filename)
	contentHash := record.Hash(string(content))

	shardID := p.Router.ShardFor(u.SystemID)
	shard, ok := p.Shards[shardID]
	if !ok {
		return errs.New("ingestion.ingestRecord", errs.KindInvariant, fmt.Errorf("no shard registered for id %d", shardID))
	}

	if shard.Hot.HasContentHash(contentHash) {
		// Exact duplicate (§4.8): skip entirely, already present.
		return nil
	}

	embedding, err := p.embed(ctx, content)
	if err != nil {
		return err
	}

	sig := dedup.Signature(string(content))
	var nearDupOf string
	if match, _, found := shard.Dedup.BestMatch(sig); found {
		nearDupOf = match
	}

	r := record.Hot{
		RecordID:    recordID,
		SystemID:    u.SystemID,
		Content:     string(content),
		Timestamp:   time.Now(),
		ContentHash: contentHash,
		MinHash:     sig,
		Metadata:    map[string]string{},
		Embedding:   embedding,
	}
	if err := shard.Hot.Insert(r); err != nil {
		if errs.Is(err, errs.KindValidation) {
			// Raced with another worker inserting the same record_id;
			// treat as already-ingested rather than a hard failure.
			return nil
		}
		return err
	}
	shard.Dedup.Register(recordID, sig)

	p.Graph.UpsertEntity(graph.Entity{ID: recordID, Type: "record", SourceSystem: u.SystemID})
	p.Graph.UpsertEntity(graph.Entity{ID: u.SystemID, Type: "system", SourceSystem: u.SystemID})
	p.Graph.AddEdge(graph.Edge{SourceID: u.SystemID, TargetID: recordID, RelationType: "ingested", SourceSystem: u.SystemID, Weight: 1, CreatedAt: time.Now()})
	if nearDupOf != "" {
		p.Graph.AddEdge(graph.Edge{SourceID: recordID, TargetID: nearDupOf, RelationType: "is_near_duplicate_of", SourceSystem: u.SystemID, Weight: 1, CreatedAt: time.Now()})
	}

	p.Metrics.Record("ingested", u.SystemID, analytics.Sample{TimestampUnix: float64(time.Now().Unix()), Value: 1})
	return nil
}

// acknowledge deletes the manifest and every referenced record object,
// completing §4.7 step 3.
func (p *Pipeline) acknowledge(ctx context.Context, u Upload, m Manifest) error {
	for _, filename := range m.Files {
		if err := p.storeDelete(ctx, u.recordKey(filename)); err != nil {
			return err
		}
	}
	return p.storeDelete(ctx, u.manifestKey())
}

// RunWithRetry drives ProcessUpload through §4.7's retry schedule,
// dead-lettering after maxAttempts. Validation and terminal-transport
// errors are never retried.
func (p *Pipeline) RunWithRetry(ctx context.Context, u Upload) error {
	var lastErr error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		err := p.ProcessUpload(ctx, u)
		if err == nil {
			return nil
		}
		lastErr = err
		if !errs.Is(err, errs.KindRetryableTransport) {
			return err
		}
		p.Log.Component("ingestion").Warn().
			Str("upload", u.Prefix).Int("attempt", attempt).Err(err).Msg("retryable failure")

		if attempt == maxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoffDelay(attempt)):
		}
	}
	p.Log.Component("ingestion").Error().Str("upload", u.Prefix).Err(lastErr).Msg("dead-lettering upload after max attempts")
	return p.deadLetter(ctx, u, lastErr)
}

// deadLetter moves the manifest under a deadletter/ prefix rather than
// deleting it, so operators can inspect failed uploads.
func (p *Pipeline) deadLetter(ctx context.Context, u Upload, cause error) error {
	raw, err := p.storeGet(ctx, u.manifestKey())
	if err != nil {
		return nil // manifest already gone; nothing further to do
	}
	deadKey := path.Join("deadletter", u.Prefix, "manifest.json")
	if err := p.storePut(ctx, deadKey, raw); err != nil {
		return err
	}
	return p.storeDelete(ctx, u.manifestKey())
}

func recordIDFromFilename(filename string) string {
	return strings.TrimSuffix(filename, ".bin")
}

func classifyFetchErr(op string, err error) error {
	if objectstore.IsRetryable(err) {
		return errs.New(op, errs.KindRetryableTransport, err)
	}
	return errs.New(op, errs.KindTerminalTransport, err)
}
