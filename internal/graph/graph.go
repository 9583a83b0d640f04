// Package graph implements the cross-tenant knowledge graph (§4.12):
// typed entities and edges in adjacency lists, upsert-with-merge
// semantics, bidirectional BFS shortest-path, and aggregate statistics.
//
// Concurrency follows §4.12's invariant directly: a single exclusive
// writer lock guards all mutations, and readers hold the read lock of the
// same RWMutex for the whole of each query, so they see a consistent
// adjacency map without copying it — the same "one writer, many readers"
// shape the teacher applies to its ShardRegistry (internal/coordinator/shard_registry.go),
// generalized from shard assignments to typed graph edges.
//
// No general-purpose graph library in the retrieved corpus
// (katalvlaran/lvlath) exposes a typed entity/edge model with the
// bidirectional-BFS contract §4.12 specifies, so the graph is hand-rolled
// here; see DESIGN.md.
package graph

import (
	"sort"
	"sync"
	"time"
)

// Entity is a typed node in the graph (§3).
type Entity struct {
	Properties   map[string]string
	ID           string
	Type         string
	SourceSystem string
}

// Edge is a typed, weighted relationship between two entities (§3).
// Edges of different relation types may connect the same pair; an edge
// with the same source, target and relation type as an existing one is
// merged into it by AddEdge instead of being stored in parallel.
type Edge struct {
	Properties   map[string]string
	CreatedAt    time.Time
	SourceID     string
	TargetID     string
	RelationType string
	SourceSystem string
	Weight       float64
}

// Graph is the knowledge graph for one process (it is not sharded: §4.12
// scopes it as a single cross-tenant component fed by every shard's
// ingestion workers).
type Graph struct {
	mu       sync.RWMutex
	entities map[string]*Entity
	// adjacency maps an entity to the set of (neighbor, relation) edges
	// touching it, in either direction, supporting the undirected
	// neighbors() view §4.12 requires while still storing edges directed.
	out map[string][]*Edge
	in  map[string][]*Edge
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		entities: make(map[string]*Entity),
		out:      make(map[string][]*Edge),
		in:       make(map[string][]*Edge),
	}
}

// UpsertEntity inserts e, or merges into an existing entity with the same
// ID: the earliest source_system is kept, and properties merge
// last-writer-wins (§4.12).
func (g *Graph) UpsertEntity(e Entity) {
	g.mu.Lock()
	defer g.mu.Unlock()

	existing, ok := g.entities[e.ID]
	if !ok {
		cp := e
		if cp.Properties == nil {
			cp.Properties = map[string]string{}
		}
		g.entities[e.ID] = &cp
		return
	}

	for k, v := range e.Properties {
		existing.Properties[k] = v
	}
	// SourceSystem keeps its earliest value; existing.SourceSystem was set
	// first by construction, so it is left untouched.
}

// AddEdge adds e. A duplicate (same source, target, relation_type) updates
// the existing edge's weight rather than creating a second copy;
// different relation types between the same pair remain distinct parallel
// edges (§3, §4.12).
func (g *Graph) AddEdge(e Edge) {
	g.mu.Lock()
	defer g.mu.Unlock()

	for _, existing := range g.out[e.SourceID] {
		if existing.TargetID == e.TargetID && existing.RelationType == e.RelationType {
			existing.Weight = e.Weight
			return
		}
	}

	cp := e
	if cp.Properties == nil {
		cp.Properties = map[string]string{}
	}
	g.out[e.SourceID] = append(g.out[e.SourceID], &cp)
	g.in[e.TargetID] = append(g.in[e.TargetID], &cp)
}

// Neighbor is one entry in a Neighbors() result.
type Neighbor struct {
	EntityID     string
	RelationType string
	Weight       float64
	Incoming     bool
}

// Neighbors returns up to limit neighbors of entityID, across both
// outgoing and incoming edges (an undirected view, §4.12), optionally
// filtered to one relation type. Ordering is stable: by relation_type
// ascending, then target_id ascending.
func (g *Graph) Neighbors(entityID string, relationType string, limit int) []Neighbor {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var out []Neighbor
	for _, e := range g.out[entityID] {
		if relationType != "" && e.RelationType != relationType {
			continue
		}
		out = append(out, Neighbor{EntityID: e.TargetID, RelationType: e.RelationType, Weight: e.Weight})
	}
	for _, e := range g.in[entityID] {
		if relationType != "" && e.RelationType != relationType {
			continue
		}
		out = append(out, Neighbor{EntityID: e.SourceID, RelationType: e.RelationType, Weight: e.Weight, Incoming: true})
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].RelationType != out[j].RelationType {
			return out[i].RelationType < out[j].RelationType
		}
		return out[i].EntityID < out[j].EntityID
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (g *Graph) neighborIDsLocked(entityID string) []string {
	seen := make(map[string]bool)
	var out []string
	for _, e := range g.out[entityID] {
		if !seen[e.TargetID] {
			seen[e.TargetID] = true
			out = append(out, e.TargetID)
		}
	}
	for _, e := range g.in[entityID] {
		if !seen[e.SourceID] {
			seen[e.SourceID] = true
			out = append(out, e.SourceID)
		}
	}
	return out
}

// ShortestPath performs bidirectional BFS between source and target,
// alternating frontier expansion and terminating as soon as the two
// frontiers intersect (§4.12). It returns (nil, false) if either endpoint
// is absent or no path exists within maxHops. source == target returns
// ([]string{source}, true) regardless of maxHops (§8).
func (g *Graph) ShortestPath(source, target string, maxHops int) ([]string, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if _, ok := g.entities[source]; !ok {
		return nil, false
	}
	if _, ok := g.entities[target]; !ok {
		return nil, false
	}
	if source == target {
		return []string{source}, true
	}
	if maxHops <= 0 {
		return nil, false
	}

	fwdParent := map[string]string{}
	bwdParent := map[string]string{}
	fwdVisited := map[string]bool{source: true}
	bwdVisited := map[string]bool{target: true}
	fwdFrontier := []string{source}
	bwdFrontier := []string{target}

	for hops := 0; hops < maxHops; hops++ {
		var meet string
		var found bool
		// Expand the smaller frontier first, a standard bidirectional-BFS
		// optimization; correctness doesn't depend on which side expands.
		if len(fwdFrontier) <= len(bwdFrontier) {
			fwdFrontier, meet, found = step(g, fwdFrontier, fwdVisited, fwdParent, bwdVisited)
		} else {
			bwdFrontier, meet, found = step(g, bwdFrontier, bwdVisited, bwdParent, fwdVisited)
		}
		if found {
			return buildPath(source, target, meet, fwdParent, bwdParent), true
		}
		if len(fwdFrontier) == 0 || len(bwdFrontier) == 0 {
			return nil, false
		}
	}
	return nil, false
}

// step advances one BFS hop from frontier, marking newly-reached nodes in
// visited/parent, and reports the first node found that is already
// visited by the other direction's search (a meeting point), if any.
func step(g *Graph, frontier []string, visited map[string]bool, parent map[string]string, otherVisited map[string]bool) (next []string, meet string, found bool) {
	for _, cur := range frontier {
		for _, nb := range g.neighborIDsLocked(cur) {
			if visited[nb] {
				continue
			}
			visited[nb] = true
			parent[nb] = cur
			if otherVisited[nb] {
				return nil, nb, true
			}
			next = append(next, nb)
		}
	}
	return next, "", false
}

// buildPath reconstructs source -> ... -> meet -> ... -> target by
// walking fwdParent from meet back to source, then bwdParent from meet
// forward to target (§4.12: "concatenating forward path and reversed
// backward path").
func buildPath(source, target, meet string, fwdParent, bwdParent map[string]string) []string {
	var fwd []string
	for n := meet; n != source; n = fwdParent[n] {
		fwd = append(fwd, n)
	}
	fwd = append(fwd, source)
	// fwd currently runs meet -> ... -> source; reverse it in place.
	for i, j := 0, len(fwd)-1; i < j; i, j = i+1, j-1 {
		fwd[i], fwd[j] = fwd[j], fwd[i]
	}

	var bwd []string
	for n := meet; n != target; n = bwdParent[n] {
		bwd = append(bwd, bwdParent[n])
	}
	return append(fwd, bwd...)
}

// Statistics summarizes the graph's current size (§4.12).
type Statistics struct {
	EntityCount int
	EdgeCount   int
	ByType      map[string]int
}

// Statistics returns entity/edge counts and per-type breakdowns.
func (g *Graph) Statistics() Statistics {
	g.mu.RLock()
	defer g.mu.RUnlock()

	stats := Statistics{EntityCount: len(g.entities), ByType: make(map[string]int)}
	for _, e := range g.entities {
		stats.ByType[e.Type]++
	}
	for _, edges := range g.out {
		stats.EdgeCount += len(edges)
	}
	return stats
}
