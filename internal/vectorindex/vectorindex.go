// Package vectorindex wraps the per-shard approximate-nearest-neighbor
// index lifecycle (§4.9): batched builds, and lock-free reads via
// read-copy-update (a fresh index is published atomically; the old one is
// simply dropped once no reader holds it, since Go's GC reclaims it once
// the last snapshot reference goes away).
//
// The ANN algorithm is a small hierarchical navigable small-world (HNSW)
// graph, chosen per §4.9/§9 ("this spec treats vector search as a single
// abstract ANN interface so either backend can implement it without
// changing callers"). No HNSW library appears anywhere in the retrieved
// corpus, so the graph construction below is hand-written; see
// DESIGN.md for the stdlib-justification entry.
package vectorindex

import (
	"math/rand"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/memoria/memcore/internal/record"
)

// Candidate is one scored search result.
type Candidate struct {
	RecordID string
	Score    float64
}

// VectorSource resolves a record_id to its current full-precision vector.
// The index stores graph structure only; the owning store remains the
// source of truth for vector data (mirrors §4.9's "per-shard" ownership).
type VectorSource interface {
	Vector(recordID string) ([record.EmbeddingDim]float32, bool)
}

const (
	maxLevel   = 4
	levelProb  = 0.25
	efConstr   = 64
	maxNeighbor = 16
)

type node struct {
	id     string
	level  int
	neighb [][]string // neighb[l] = neighbor ids at level l
}

// graph is one immutable build of the HNSW structure. Reads never lock;
// Index.Search takes an atomic snapshot of *graph and only ever reads from
// it.
type graph struct {
	entry  string
	nodes  map[string]*node
	source VectorSource
}

// Index is a per-shard HNSW index with RCU semantics: Build publishes a
// brand-new *graph atomically; concurrent Search calls keep using whatever
// snapshot they already loaded.
type Index struct {
	cur          atomic.Pointer[graph]
	mu           sync.Mutex // serializes Build calls only
	insertsSince atomic.Int64
	rng          *rand.Rand
	rngMu        sync.Mutex
}

// New returns an empty index. Call Build once enough records exist
// (§4.9's 10% / 1h rebuild policy is implemented by the caller, not here).
func New() *Index {
	return &Index{rng: rand.New(rand.NewSource(1))}
}

// RecordInsert tracks an insertion for the caller's rebuild-threshold
// bookkeeping (§4.9: rebuild when inserts-since-build > 10% of
// cardinality OR 1h elapsed).
func (ix *Index) RecordInsert() { ix.insertsSince.Add(1) }

// InsertsSinceBuild returns the insert count accumulated since the last
// Build call.
func (ix *Index) InsertsSinceBuild() int64 { return ix.insertsSince.Load() }

// Build constructs a fresh HNSW graph over ids using source to resolve
// vectors, and atomically publishes it. Any in-flight Search keeps using
// the previous snapshot to completion.
func (ix *Index) Build(ids []string, source VectorSource) {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	g := &graph{nodes: make(map[string]*node, len(ids)), source: source}
	for _, id := range ids {
		g.insert(ix, id)
	}
	ix.cur.Store(g)
	ix.insertsSince.Store(0)
}

// Ready reports whether a graph has been built at least once.
func (ix *Index) Ready() bool { return ix.cur.Load() != nil }

func (ix *Index) randomLevel() int {
	ix.rngMu.Lock()
	defer ix.rngMu.Unlock()
	lvl := 0
	for lvl < maxLevel && ix.rng.Float64() < levelProb {
		lvl++
	}
	return lvl
}

func (g *graph) insert(ix *Index, id string) {
	vec, ok := g.source.Vector(id)
	if !ok {
		return
	}
	lvl := ix.randomLevel()
	n := &node{id: id, level: lvl, neighb: make([][]string, lvl+1)}
	g.nodes[id] = n

	if g.entry == "" {
		g.entry = id
		return
	}

	// One walk from the entry point gathers up to efConstr candidates; the
	// new node links to the maxNeighbor nearest of them at every level it
	// occupies, and each of those neighbors links back on that level.
	candidates := g.searchLayer(vec, g.entry, efConstr)
	for l := 0; l <= lvl; l++ {
		neighbors := selectNeighbors(candidates, maxNeighbor)
		n.neighb[l] = neighbors
		for _, nb := range neighbors {
			nbNode := g.nodes[nb]
			if nbNode == nil || l > nbNode.level {
				continue
			}
			nbNode.neighb[l] = appendBounded(nbNode.neighb[l], id, maxNeighbor, g, vec)
		}
	}
}

func appendBounded(list []string, id string, max int, g *graph, vec [record.EmbeddingDim]float32) []string {
	list = append(list, id)
	if len(list) <= max {
		return list
	}
	// Trim to the max nearest neighbors of vec among the current list.
	type scored struct {
		id    string
		score float64
	}
	scoredList := make([]scored, 0, len(list))
	for _, nid := range list {
		if v, ok := g.source.Vector(nid); ok {
			scoredList = append(scoredList, scored{nid, record.CosineSimilarity(vec, v)})
		}
	}
	sort.Slice(scoredList, func(i, j int) bool { return scoredList[i].score > scoredList[j].score })
	out := make([]string, 0, max)
	for i := 0; i < max && i < len(scoredList); i++ {
		out = append(out, scoredList[i].id)
	}
	return out
}

// searchLayer performs a breadth-first walk from entry over the neighbor
// lists of every level, stopping once more than ef*8 nodes are visited,
// and returns up to ef nearest candidates by cosine similarity to vec.
func (g *graph) searchLayer(vec [record.EmbeddingDim]float32, entry string, ef int) []Candidate {
	visited := map[string]bool{entry: true}
	entryVec, ok := g.source.Vector(entry)
	if !ok {
		return nil
	}
	best := []Candidate{{RecordID: entry, Score: record.CosineSimilarity(vec, entryVec)}}
	frontier := []string{entry}

	for len(frontier) > 0 {
		cur := frontier[0]
		frontier = frontier[1:]
		n := g.nodes[cur]
		if n == nil {
			continue
		}
		for _, lvlNeighbors := range n.neighb {
			for _, nb := range lvlNeighbors {
				if visited[nb] {
					continue
				}
				visited[nb] = true
				nv, ok := g.source.Vector(nb)
				if !ok {
					continue
				}
				best = append(best, Candidate{RecordID: nb, Score: record.CosineSimilarity(vec, nv)})
				frontier = append(frontier, nb)
			}
		}
		if len(visited) > ef*8 {
			break
		}
	}

	sort.Slice(best, func(i, j int) bool { return best[i].Score > best[j].Score })
	if len(best) > ef {
		best = best[:ef]
	}
	return best
}

func selectNeighbors(candidates []Candidate, max int) []string {
	if len(candidates) > max {
		candidates = candidates[:max]
	}
	out := make([]string, len(candidates))
	for i, c := range candidates {
		out[i] = c.RecordID
	}
	return out
}

// Search returns up to k approximate nearest neighbors to vec. Callers
// apply their own threshold and filter; Search returns unfiltered
// candidates so the caller can widen the fetch (§4.2's 4x widening
// factor) without re-querying the graph.
func (ix *Index) Search(vec [record.EmbeddingDim]float32, k int) []Candidate {
	g := ix.cur.Load()
	if g == nil || g.entry == "" {
		return nil
	}
	ef := k * 4
	if ef < 16 {
		ef = 16
	}
	return g.searchLayer(vec, g.entry, ef)
}
