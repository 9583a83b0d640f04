// Package hotstore implements the in-memory, full-precision vector +
// metadata store for one shard (§4.2). It follows the teacher's
// RWMutex-guarded-map-with-defensive-copies shape (internal/storage and
// internal/shard in the teacher repo) generalized from opaque byte blobs
// to record.Hot values, and adds the ANN search, filtering, and
// Degraded-shard fallback semantics §4.2 specifies.
package hotstore

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/memoria/memcore/internal/errs"
	"github.com/memoria/memcore/internal/record"
	"github.com/memoria/memcore/internal/vectorindex"
)

// buildThreshold is the live cardinality above which an HNSW index is
// built; below it, search falls back to brute force (§4.2).
const buildThreshold = 1000

// rebuildFraction and rebuildInterval implement §4.9's rebuild policy.
const rebuildFraction = 0.10

const rebuildInterval = time.Hour

// Filter is an AND of equality predicates over a record's metadata, plus
// an optional system_id constraint (§4.2).
type Filter struct {
	SystemID string
	Equals   map[string]string
}

func (f Filter) matches(r *record.Hot) bool {
	if f.SystemID != "" && r.SystemID != f.SystemID {
		return false
	}
	for k, v := range f.Equals {
		if r.Metadata[k] != v {
			return false
		}
	}
	return true
}

// Result is one scored hit from Search.
type Result struct {
	RecordID string
	Score    float64
}

// Store holds one shard's Hot-tier records.
type Store struct {
	mu          sync.RWMutex
	byID        map[string]*record.Hot
	contentHash map[[32]byte]string // content_hash -> record_id, exact dedup index (§4.8)

	index        *vectorindex.Index
	lastBuild    time.Time
	degraded     atomic.Bool
	shardID      int
}

// New returns an empty Hot store for the given shard.
func New(shardID int) *Store {
	return &Store{
		shardID:     shardID,
		byID:        make(map[string]*record.Hot),
		contentHash: make(map[[32]byte]string),
		index:       vectorindex.New(),
	}
}

// ErrDuplicate is returned by Insert when record_id already exists.
var ErrDuplicate = errs.ErrDuplicate

// Insert adds a new record. Fails with ErrDuplicate if record_id is
// already present (§4.2).
func (s *Store) Insert(r record.Hot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.byID[r.RecordID]; exists {
		return errs.New("hotstore.Insert", errs.KindValidation, ErrDuplicate)
	}
	cp := r
	s.byID[r.RecordID] = &cp
	s.contentHash[r.ContentHash] = r.RecordID
	s.index.RecordInsert()
	s.maybeRebuildLocked()
	return nil
}

// HasContentHash reports whether a record with this content_hash already
// exists in the shard (§4.8 exact dedup).
func (s *Store) HasContentHash(h [32]byte) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.contentHash[h]
	return ok
}

// Delete removes a record by id. Deleting a missing id is a no-op.
func (s *Store) Delete(recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.byID[recordID]
	if !ok {
		return
	}
	delete(s.contentHash, r.ContentHash)
	delete(s.byID, recordID)
}

// Get returns a copy of the record, if present.
func (s *Store) Get(recordID string) (record.Hot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[recordID]
	if !ok {
		return record.Hot{}, false
	}
	return *r, true
}

// Len reports the live record count.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

// IndexFreshness reports whether the ANN index has been built at least
// once and how long ago, for the storage-status surface (§4.14).
func (s *Store) IndexFreshness() (built bool, age time.Duration) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastBuild.IsZero() {
		return false, 0
	}
	return true, time.Since(s.lastBuild)
}

// Degraded reports whether the shard's index was marked suspect (§4.2).
func (s *Store) Degraded() bool { return s.degraded.Load() }

// Vector implements vectorindex.VectorSource.
func (s *Store) Vector(recordID string) ([record.EmbeddingDim]float32, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.byID[recordID]
	if !ok {
		return [record.EmbeddingDim]float32{}, false
	}
	return r.Embedding, true
}

// maybeRebuildLocked rebuilds the ANN index if cardinality has crossed
// buildThreshold and either no build has happened yet, inserts since the
// last build exceed 10% of live cardinality, or an hour has elapsed
// (§4.9). Callers must hold s.mu.
func (s *Store) maybeRebuildLocked() {
	n := len(s.byID)
	if n < buildThreshold {
		return
	}
	since := s.index.InsertsSinceBuild()
	elapsed := time.Since(s.lastBuild)
	if s.lastBuild.IsZero() || float64(since) > rebuildFraction*float64(n) || elapsed > rebuildInterval {
		ids := make([]string, 0, n)
		for id := range s.byID {
			ids = append(ids, id)
		}
		s.index.Build(ids, s)
		s.lastBuild = time.Now()
	}
}

// Search returns up to k (record_id, score) pairs with score >= threshold,
// sorted descending by score, tie-broken by smaller record_id (§4.2).
//
// Filters are applied post-ANN with a widening factor of 4x k: if fewer
// than k candidates pass the filter, the search is retried against a
// brute-force scan of the full shard so correctness never depends on the
// ANN's recall for filtered queries.
func (s *Store) Search(vec [record.EmbeddingDim]float32, k int, filter Filter, threshold float64) []Result {
	if k <= 0 {
		return nil
	}

	s.mu.RLock()
	n := len(s.byID)
	useANN := s.index.Ready() && n >= buildThreshold && !s.degraded.Load()
	s.mu.RUnlock()

	var results []Result
	if useANN {
		results = s.searchANN(vec, k, filter, threshold)
		if len(results) >= k {
			return results
		}
	}
	// Fall back to brute force: either ANN isn't built yet, the shard is
	// degraded, or filtering left fewer than k matches.
	return s.searchBruteForce(vec, k, filter, threshold)
}

func (s *Store) searchANN(vec [record.EmbeddingDim]float32, k int, filter Filter, threshold float64) []Result {
	defer func() {
		if r := recover(); r != nil {
			// Index corruption detected at search time (§4.2): mark the
			// shard Degraded and let the caller fall through to brute
			// force. The caller (Search) always re-tries brute force
			// when searchANN returns fewer than k results, so recovering
			// here with a nil return is sufficient; the alert is raised
			// by cmd/memcored's alert monitor, which polls Degraded.
			s.degraded.Store(true)
		}
	}()

	candidates := s.index.Search(vec, k*4)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Result, 0, len(candidates))
	for _, c := range candidates {
		r, ok := s.byID[c.RecordID]
		if !ok || !filter.matches(r) {
			continue
		}
		if c.Score < threshold {
			continue
		}
		out = append(out, Result{RecordID: c.RecordID, Score: c.Score})
	}
	sortResults(out)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func (s *Store) searchBruteForce(vec [record.EmbeddingDim]float32, k int, filter Filter, threshold float64) []Result {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Result, 0, k)
	for id, r := range s.byID {
		if !filter.matches(r) {
			continue
		}
		score := record.CosineSimilarity(vec, r.Embedding)
		if score < threshold {
			continue
		}
		out = append(out, Result{RecordID: id, Score: score})
	}
	sortResults(out)
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func sortResults(out []Result) {
	sort.Slice(out, func(i, j int) bool {
		if out[i].Score != out[j].Score {
			return out[i].Score > out[j].Score
		}
		return out[i].RecordID < out[j].RecordID
	})
}

// ScanPredicate reports whether r should be included by Scan.
type ScanPredicate func(r record.Hot) bool

// Scan returns up to limit records matching predicate, used by the aging
// scheduler to find migration candidates (§4.2, §4.6). It reads a
// snapshot of current keys, matching §4.6's "aging never observes
// partially-inserted records" guarantee.
func (s *Store) Scan(predicate ScanPredicate, limit int) []record.Hot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]record.Hot, 0, limit)
	for _, r := range s.byID {
		if predicate(*r) {
			out = append(out, *r)
			if len(out) >= limit {
				break
			}
		}
	}
	return out
}
