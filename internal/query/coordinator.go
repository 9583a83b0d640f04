// Package query implements the fan-out search coordinator (§4.10): one
// call is dispatched concurrently to every target shard's Hot and Warm
// tiers, bounded by a per-shard deadline, and the partial responses are
// merged into a single top-k result with deterministic tie-breaking.
//
// Fan-out uses golang.org/x/sync/errgroup the way the retrieved search
// engine example (internal/search/engine.go's parallelSearch) runs its
// BM25 and vector legs concurrently and tolerates one leg failing without
// aborting the other — generalized here from two fixed legs to N
// dynamically-targeted shards.
package query

import (
	"context"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memoria/memcore/internal/analytics"
	"github.com/memoria/memcore/internal/hotstore"
	"github.com/memoria/memcore/internal/record"
	"github.com/memoria/memcore/internal/shardrouter"
	"github.com/memoria/memcore/internal/warmstore"
)

// tierHitHot and tierHitWarm are the built-in metric names recorded for
// every search that is satisfied from each tier, feeding the
// "Access-count metrics per tier" supplemented feature and the
// low_hit_rate alert trigger (§4.13).
const (
	tierHitHot  = "tier_hit_hot"
	tierHitWarm = "tier_hit_warm"
)

// perShardDeadlineFraction implements §4.10's "T_shard = 0.8 x T_total".
const perShardDeadlineFraction = 0.8

// Promoter queues a Warm-tier hit for asynchronous re-promotion into Hot,
// applied by the aging scheduler's next batch pass rather than a direct
// cross-tier write from the query path (supplemented "Promotion on access"
// feature; see internal/aging.Scheduler.QueuePromotion).
type Promoter interface {
	QueuePromotion(shardID int, recordID string)
}

// ShardSearcher is the local per-shard search surface the coordinator
// fans out to, satisfied by a Hot+Warm pair for one shard.
type ShardSearcher struct {
	ID   int
	Hot  *hotstore.Store
	Warm *warmstore.Store

	// Metrics, when set, records tier_hit_hot/tier_hit_warm samples per
	// search (supplemented "Access-count metrics per tier" feature).
	Metrics *analytics.Registry
	// Promote, when set, is offered every Warm-tier hit so it can queue
	// promotion on access; nil disables the feature entirely.
	Promote Promoter
}

func (s *ShardSearcher) search(systemID string, vec [record.EmbeddingDim]float32, k int, filter hotstore.Filter, threshold float64) []hotstore.Result {
	out := s.Hot.Search(vec, k, filter, threshold)
	if len(out) > 0 {
		s.recordTierHit(tierHitHot, systemID, len(out))
	}
	if len(out) >= k {
		return out
	}
	// Not enough candidates from Hot alone; widen into Warm (§4.10: "Hot
	// first; if additional candidates needed, Warm").
	need := k - len(out)
	warmOut := s.Warm.Search(vec, need, filter, threshold)
	if len(warmOut) > 0 {
		s.recordTierHit(tierHitWarm, systemID, len(warmOut))
	}
	if s.Promote != nil {
		for _, hit := range warmOut {
			s.Promote.QueuePromotion(s.ID, hit.RecordID)
		}
	}
	out = append(out, warmOut...)
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].RecordID < out[j].RecordID
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func (s *ShardSearcher) recordTierHit(metric, systemID string, count int) {
	if s.Metrics == nil {
		return
	}
	s.Metrics.Record(metric, systemID, analytics.Sample{TimestampUnix: float64(time.Now().Unix()), Value: float64(count)})
}

// Coordinator fans a search out to every shard the router assigns.
type Coordinator struct {
	Router *shardrouter.Router
	Shards map[int]*ShardSearcher
}

// Response is the merged result of a fan-out search (§4.10 step 5).
type Response struct {
	Results       []hotstore.Result
	Partial       bool
	ShardsQueried []int
	ShardsFailed  []int
}

// RerankFunc re-scores a candidate set, used optionally over the top-2k
// results before truncating to k (§4.10 step 4).
type RerankFunc func(candidates []hotstore.Result) []hotstore.Result

// Search executes §4.10: routes to target shards, fans out concurrently
// with a per-shard deadline derived from total, merges into a top-k with
// tie-breaking on (score desc, record_id asc) — record timestamps are not
// consulted, here or in the per-shard ordering of hotstore/warmstore —
// and optionally re-ranks the top-2k before truncating.
func (c *Coordinator) Search(ctx context.Context, systemID string, vec [record.EmbeddingDim]float32, k int, filter hotstore.Filter, threshold float64, total time.Duration, rerank RerankFunc) Response {
	if k <= 0 {
		return Response{Results: []hotstore.Result{}}
	}

	targets := c.Router.TargetShards(systemID)
	shardDeadline := time.Duration(float64(total) * perShardDeadlineFraction)

	var mu sync.Mutex
	allResults := make([]hotstore.Result, 0, k*len(targets))
	var failed []int

	g, gctx := errgroup.WithContext(ctx)
	for _, shardID := range targets {
		shardID := shardID
		searcher, ok := c.Shards[shardID]
		if !ok {
			continue
		}
		g.Go(func() error {
			shardCtx, cancel := context.WithTimeout(gctx, shardDeadline)
			defer cancel()

			done := make(chan []hotstore.Result, 1)
			go func() { done <- searcher.search(systemID, vec, k, filter, threshold) }()

			select {
			case res := <-done:
				mu.Lock()
				allResults = append(allResults, res...)
				mu.Unlock()
			case <-shardCtx.Done():
				mu.Lock()
				failed = append(failed, shardID)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait() // errors are never returned by the per-shard goroutines; failures are tracked via `failed`

	merged := mergeTopK(allResults, k)
	if rerank != nil {
		merged = mergeTopK(rerank(mergeTopK(allResults, k*2)), k)
	}

	sort.Ints(failed)
	return Response{
		Results:       merged,
		Partial:       len(failed) > 0,
		ShardsQueried: targets,
		ShardsFailed:  failed,
	}
}

// mergeTopK sorts by (score desc, record_id asc) and truncates to k,
// implementing §4.10 step 3's merge-heap tie-breaking without actually
// needing a heap at this scale (a handful of shards' worth of
// already-sorted per-shard results).
func mergeTopK(results []hotstore.Result, k int) []hotstore.Result {
	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].RecordID < results[j].RecordID
	})
	if len(results) > k {
		results = results[:k]
	}
	out := make([]hotstore.Result, len(results))
	copy(out, results)
	return out
}

// Facet computes a faceted sum/count aggregation over every target shard,
// the reduction §4.10 specifies for aggregate queries in place of top-k
// merge.
type Facet struct {
	Key   string
	Sum   float64
	Count int64
}

// Aggregate fans out a sum/count reduction keyed by a metadata field,
// mirroring Search's concurrency and partial-failure shape.
func (c *Coordinator) Aggregate(ctx context.Context, systemID string, facetKey string, total time.Duration) (map[string]Facet, []int) {
	targets := c.Router.TargetShards(systemID)
	shardDeadline := time.Duration(float64(total) * perShardDeadlineFraction)

	var mu sync.Mutex
	facets := make(map[string]Facet)
	var failed []int

	g, gctx := errgroup.WithContext(ctx)
	for _, shardID := range targets {
		shardID := shardID
		searcher, ok := c.Shards[shardID]
		if !ok {
			continue
		}
		g.Go(func() error {
			shardCtx, cancel := context.WithTimeout(gctx, shardDeadline)
			defer cancel()

			done := make(chan map[string]Facet, 1)
			go func() {
				done <- scanFacets(searcher, facetKey)
			}()

			select {
			case res := <-done:
				mu.Lock()
				for key, f := range res {
					existing := facets[key]
					existing.Key = key
					existing.Sum += f.Sum
					existing.Count += f.Count
					facets[key] = existing
				}
				mu.Unlock()
			case <-shardCtx.Done():
				mu.Lock()
				failed = append(failed, shardID)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Ints(failed)
	return facets, failed
}

func scanFacets(s *ShardSearcher, facetKey string) map[string]Facet {
	out := make(map[string]Facet)
	for _, r := range s.Hot.Scan(func(record.Hot) bool { return true }, 1_000_000) {
		v, ok := r.Metadata[facetKey]
		if !ok {
			continue
		}
		f := out[v]
		f.Key = v
		f.Sum++
		f.Count++
		out[v] = f
	}
	return out
}
