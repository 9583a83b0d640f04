// Package shardrouter maps system_id to a shard number via a deterministic
// hash (§4.5). It keeps the teacher's ShardRegistry shape — an immutable
// count fixed at construction, pure hash-based routing, no shared mutable
// state — but swaps the teacher's FNV-1a for xxhash, the non-cryptographic
// hash the wider retrieved corpus standardizes on for sharding
// (Voskan-arena-cache, IvanBrykalov-shardcache, the Search-Analytics
// platform), and drops the teacher's node-assignment bookkeeping: routing
// here is a pure function of system_id, never of node identity or
// wall-clock time (§4.5).
package shardrouter

import (
	"github.com/cespare/xxhash/v2"
)

// Router maps system_id values to shard numbers in [0, N).
type Router struct {
	n int
}

// New returns a Router over n shards. n is fixed for the life of the
// router (§6: SHARD_COUNT is immutable after first run).
func New(n int) *Router {
	if n <= 0 {
		n = 1
	}
	return &Router{n: n}
}

// NumShards returns N.
func (r *Router) NumShards() int { return r.n }

// ShardFor returns the shard owning systemID. The function depends only on
// systemID (§4.5: "not on wall-clock or node identity").
func (r *Router) ShardFor(systemID string) int {
	h := xxhash.Sum64String(systemID)
	return int(h % uint64(r.n))
}

// TargetShards returns the shard(s) a query should fan out to: exactly one
// if systemID is non-empty, otherwise every shard (§4.5).
func (r *Router) TargetShards(systemID string) []int {
	if systemID != "" {
		return []int{r.ShardFor(systemID)}
	}
	all := make([]int, r.n)
	for i := range all {
		all[i] = i
	}
	return all
}
