// Package warmstore implements the INT8-quantized store for one shard,
// partitioned by day of record timestamp (§4.3). Records are held in
// memory only; nothing is written to disk. It mirrors
// hotstore's shape (same Filter/Result types, same RWMutex-over-map
// discipline) but dequantizes lazily during similarity computation and
// buckets records by day to allow pruning.
package warmstore

import (
	"sort"
	"sync"
	"time"

	"github.com/memoria/memcore/internal/hotstore"
	"github.com/memoria/memcore/internal/record"
)

// Filter and Result are shared with hotstore so the query coordinator can
// treat both tiers uniformly.
type Filter = hotstore.Filter
type Result = hotstore.Result

// partitionKey returns the day bucket (UTC) a record belongs to.
func partitionKey(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}

// Store holds one shard's Warm-tier records, partitioned by day.
type Store struct {
	mu         sync.RWMutex
	partitions map[string]map[string]*record.Warm // day -> record_id -> record
	byID       map[string]string                  // record_id -> day, for O(1) lookup/delete
}

// New returns an empty Warm store for one shard.
func New() *Store {
	return &Store{
		partitions: make(map[string]map[string]*record.Warm),
		byID:       make(map[string]string),
	}
}

// Insert adds or replaces a record in its day partition.
func (s *Store) Insert(r record.Warm) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day := partitionKey(r.Timestamp)
	if s.partitions[day] == nil {
		s.partitions[day] = make(map[string]*record.Warm)
	}
	cp := r
	s.partitions[day][r.RecordID] = &cp
	s.byID[r.RecordID] = day
}

// InsertBatch inserts many records, used by the aging scheduler's
// batched Hot->Warm migration (§4.6).
func (s *Store) InsertBatch(rs []record.Warm) {
	for _, r := range rs {
		s.Insert(r)
	}
}

// Delete removes a record by id.
func (s *Store) Delete(recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	day, ok := s.byID[recordID]
	if !ok {
		return
	}
	delete(s.partitions[day], recordID)
	if len(s.partitions[day]) == 0 {
		delete(s.partitions, day)
	}
	delete(s.byID, recordID)
}

// Get returns a copy of the record, if present.
func (s *Store) Get(recordID string) (record.Warm, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	day, ok := s.byID[recordID]
	if !ok {
		return record.Warm{}, false
	}
	r, ok := s.partitions[day][recordID]
	if !ok {
		return record.Warm{}, false
	}
	return *r, true
}

// Len reports the live record count across all partitions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.byID)
}

func matches(r *record.Warm, f Filter) bool {
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

// Search scans every partition (budgeted at 100-500ms by §4.3), dequantizing
// each candidate's embedding before computing cosine similarity, and
// applies threshold comparisons after dequantization as §4.3 requires.
func (s *Store) Search(vec [record.EmbeddingDim]float32, k int, filter Filter, threshold float64) []Result {
	if k <= 0 {
		return nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Result, 0, k)
	for _, day := range s.partitions {
		for id, r := range day {
			if !matches(r, filter) {
				continue
			}
			dq := record.Dequantize(r.Embedding, r.Scale)
			score := record.CosineSimilarity(vec, dq)
			if score < threshold {
				continue
			}
			out = append(out, Result{RecordID: id, Score: score})
		}
	}

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

// ScanPredicate reports whether r should be included by Scan.
type ScanPredicate func(r record.Warm) bool

// Scan returns up to limit records matching predicate, used by the aging
// scheduler to find Warm->Cold migration candidates (§4.6).
func (s *Store) Scan(predicate ScanPredicate, limit int) []record.Warm {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]record.Warm, 0, limit)
	for _, day := range s.partitions {
		for _, r := range day {
			if predicate(*r) {
				out = append(out, *r)
				if len(out) >= limit {
					return out
				}
			}
		}
	}
	return out
}

// PrunablePartitions returns day keys strictly older than cutoff, letting
// callers drop whole day partitions once every record within has aged to Cold
// (§4.3's "partitioned... to allow pruning").
func (s *Store) PrunablePartitions(cutoff time.Time) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoffKey := partitionKey(cutoff)
	var out []string
	for day := range s.partitions {
		if day < cutoffKey {
			out = append(out, day)
		}
	}
	return out
}
