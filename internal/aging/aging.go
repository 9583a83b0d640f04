// Package aging implements the periodic, age-triggered Hot->Warm->Cold
// migration scheduler (§4.6). One Scheduler owns every shard's transition
// pass; each pass is lease-guarded so a slow pass never overlaps the next
// tick for the same shard, the same single-writer-per-resource discipline
// a shard registry uses to serialize rebalances, generalized here from
// shard-assignment mutation to tiered-record migration.
//
// Scheduling itself is delegated to github.com/robfig/cron/v3 rather than
// a hand-rolled ticker loop.
package aging

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/memoria/memcore/internal/coldstore"
	"github.com/memoria/memcore/internal/hotstore"
	"github.com/memoria/memcore/internal/obslog"
	"github.com/memoria/memcore/internal/record"
	"github.com/memoria/memcore/internal/warmstore"
)

// batchSize bounds a single migration pass so aging never holds a tier's
// lock for an unbounded scan (§4.6: "batches of <=1000 records").
const batchSize = 1000

// Shard bundles one shard's three tiers so the scheduler can migrate
// records between them.
type Shard struct {
	ID   int
	Hot  *hotstore.Store
	Warm *warmstore.Store
	Cold *coldstore.Store
}

// Scheduler runs periodic aging passes over every registered shard.
type Scheduler struct {
	log             obslog.Logger
	hotTTL          time.Duration
	warmTTL         time.Duration
	promoteOnAccess bool

	mu     sync.RWMutex
	shards map[int]*Shard
	leases map[int]*atomic.Bool // true while a pass is in flight for that shard

	pendingMu        sync.Mutex
	pendingPromotion map[int]map[string]struct{} // shard ID -> queued Warm record IDs

	cronRunner *cron.Cron
	entryID    cron.EntryID

	// Stats, read through Scheduler.Stats (printed by memcored's
	// storage-status command).
	migratedHotToWarm  atomic.Int64
	migratedWarmToCold atomic.Int64
	promotedWarmToHot  atomic.Int64
}

// New returns a Scheduler with no shards registered yet; call Register for
// each shard before Start. promoteOnAccess enables the supplemented
// "Promotion on access" feature: QueuePromotion becomes a no-op when false.
func New(hotTTL, warmTTL time.Duration, promoteOnAccess bool, log obslog.Logger) *Scheduler {
	return &Scheduler{
		log:              log,
		hotTTL:           hotTTL,
		warmTTL:          warmTTL,
		promoteOnAccess:  promoteOnAccess,
		shards:           make(map[int]*Shard),
		leases:           make(map[int]*atomic.Bool),
		pendingPromotion: make(map[int]map[string]struct{}),
	}
}

// QueuePromotion marks recordID, found in shardID's Warm tier on a read, for
// re-promotion into Hot on the scheduler's next aging pass for that shard
// (supplemented "Promotion on access" feature). Never writes across tiers
// directly from the caller, preserving §5's single-writer-per-shard
// ownership. A no-op when promotion on access is disabled.
func (s *Scheduler) QueuePromotion(shardID int, recordID string) {
	if !s.promoteOnAccess {
		return
	}
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	set, ok := s.pendingPromotion[shardID]
	if !ok {
		set = make(map[string]struct{})
		s.pendingPromotion[shardID] = set
	}
	if len(set) < batchSize {
		set[recordID] = struct{}{}
	}
}

func (s *Scheduler) takePending(shardID int) []string {
	s.pendingMu.Lock()
	defer s.pendingMu.Unlock()
	set, ok := s.pendingPromotion[shardID]
	if !ok || len(set) == 0 {
		return nil
	}
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	delete(s.pendingPromotion, shardID)
	return ids
}

// Register adds a shard the scheduler will age.
func (s *Scheduler) Register(shard *Shard) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shards[shard.ID] = shard
	s.leases[shard.ID] = &atomic.Bool{}
}

// Start begins running aging passes every period, using a robfig/cron
// "@every <period>" schedule on a seconds-enabled cron runner. Start may be
// called once per Scheduler: a second call panics, also after Stop, since
// Stop does not clear the runner. This matches the teacher's fail-fast
// initialization style for misuse of stateful components.
func (s *Scheduler) Start(ctx context.Context, period time.Duration) error {
	if s.cronRunner != nil {
		panic("aging: Scheduler already started")
	}
	s.cronRunner = cron.New(cron.WithSeconds())

	spec := everySpec(period)
	id, err := s.cronRunner.AddFunc(spec, func() {
		s.runAllShards(ctx)
	})
	if err != nil {
		return err
	}
	s.entryID = id
	s.cronRunner.Start()

	go func() {
		<-ctx.Done()
		s.Stop()
	}()
	return nil
}

// Stop halts the cron runner and waits for any in-flight pass to finish:
// cron.Cron.Stop returns a context that is done once running jobs return,
// and Stop blocks on it.
func (s *Scheduler) Stop() {
	if s.cronRunner == nil {
		return
	}
	stopCtx := s.cronRunner.Stop()
	<-stopCtx.Done()
}

// everySpec renders a robfig/cron "@every" spec for an arbitrary period.
func everySpec(period time.Duration) string {
	return "@every " + period.String()
}

func (s *Scheduler) runAllShards(ctx context.Context) {
	s.mu.RLock()
	shards := make([]*Shard, 0, len(s.shards))
	for _, sh := range s.shards {
		shards = append(shards, sh)
	}
	s.mu.RUnlock()

	for _, sh := range shards {
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.runShard(sh)
	}
}

// runShard performs one aging pass for a single shard, skipping it
// entirely if a previous pass is still running (the lease).
func (s *Scheduler) runShard(sh *Shard) {
	s.mu.RLock()
	lease := s.leases[sh.ID]
	s.mu.RUnlock()

	if !lease.CompareAndSwap(false, true) {
		s.log.Component("aging").Debug().Int("shard", sh.ID).Msg("skipping pass: previous pass still in flight")
		return
	}
	defer lease.Store(false)

	moved := s.ageHotToWarm(sh)
	pruned := s.ageWarmToCold(sh)
	promoted := s.promoteWarmToHot(sh)
	if err := sh.Cold.Flush(); err != nil {
		s.log.Component("aging").Error().Err(err).Int("shard", sh.ID).Msg("cold flush failed")
	}

	s.log.Component("aging").Info().
		Int("shard", sh.ID).
		Int("hot_to_warm", moved).
		Int("warm_to_cold", pruned).
		Int("promoted_to_hot", promoted).
		Msg("aging pass complete")
}

// promoteWarmToHot drains QueuePromotion's pending record IDs for sh and
// re-inserts each into Hot, reconstructing Content from Warm's Summary since
// Warm never retains raw content (§3) — a lossy but best-effort
// reconstruction, the same trade-off the grounding file's PromoteToHot makes
// when rehydrating from a degraded tier.
func (s *Scheduler) promoteWarmToHot(sh *Shard) int {
	ids := s.takePending(sh.ID)
	if len(ids) == 0 {
		return 0
	}

	promoted := 0
	for _, id := range ids {
		wr, ok := sh.Warm.Get(id)
		if !ok {
			continue // aged to Cold or already promoted by a prior pass
		}
		hr := record.Hot{
			RecordID:    wr.RecordID,
			SystemID:    wr.SystemID,
			Content:     wr.Summary,
			Summary:     wr.Summary,
			Timestamp:   wr.Timestamp,
			ContentHash: wr.ContentHash,
			Metadata:    wr.Metadata,
			Embedding:   record.Dequantize(wr.Embedding, wr.Scale),
		}
		if err := sh.Hot.Insert(hr); err != nil {
			continue // raced with concurrent ingestion of the same record_id
		}
		sh.Warm.Delete(id)
		promoted++
	}
	s.promotedWarmToHot.Add(int64(promoted))
	return promoted
}

func (s *Scheduler) ageHotToWarm(sh *Shard) int {
	cutoff := time.Now().Add(-s.hotTTL)
	candidates := sh.Hot.Scan(func(r record.Hot) bool {
		return r.Timestamp.Before(cutoff)
	}, batchSize)

	if len(candidates) == 0 {
		return 0
	}

	warmBatch := make([]record.Warm, 0, len(candidates))
	for _, r := range candidates {
		q, scale := record.QuantizeInt8(r.Embedding)
		warmBatch = append(warmBatch, record.Warm{
			RecordID:    r.RecordID,
			SystemID:    r.SystemID,
			Summary:     r.Summary,
			Embedding:   q,
			Scale:       scale,
			ContentHash: r.ContentHash,
			Timestamp:   r.Timestamp,
			Metadata:    r.Metadata,
		})
	}
	sh.Warm.InsertBatch(warmBatch)
	for _, r := range candidates {
		sh.Hot.Delete(r.RecordID)
	}
	s.migratedHotToWarm.Add(int64(len(candidates)))
	return len(candidates)
}

func (s *Scheduler) ageWarmToCold(sh *Shard) int {
	cutoff := time.Now().Add(-s.warmTTL)
	candidates := sh.Warm.Scan(func(r record.Warm) bool {
		return r.Timestamp.Before(cutoff)
	}, batchSize)

	if len(candidates) == 0 {
		return 0
	}

	coldBatch := make([]record.Cold, 0, len(candidates))
	for _, r := range candidates {
		coldBatch = append(coldBatch, record.Cold{
			RecordID:     r.RecordID,
			SystemID:     r.SystemID,
			UltraSummary: r.Summary,
			Fingerprint:  fingerprintFromContentHash(r.ContentHash),
			Timestamp:    r.Timestamp,
		})
	}
	if err := sh.Cold.AppendBatch(coldBatch); err != nil {
		s.log.Component("aging").Error().Err(err).Int("shard", sh.ID).Msg("cold append failed; warm records retained")
		return 0
	}
	for _, r := range candidates {
		sh.Warm.Delete(r.RecordID)
	}
	s.migratedWarmToCold.Add(int64(len(candidates)))
	return len(candidates)
}

// fingerprintFromContentHash derives Cold's audit-only fingerprint from the
// first 16 bytes of the record's content hash; Warm carries no separate
// MinHash sketch, and Cold's fingerprint is never used for search (§3).
func fingerprintFromContentHash(h [32]byte) [16]byte {
	var fp [16]byte
	copy(fp[:], h[:16])
	return fp
}

// Stats summarizes aging activity for the storage-status surface (§4.14).
type Stats struct {
	MigratedHotToWarm  int64
	MigratedWarmToCold int64
	PromotedWarmToHot  int64
}

// Stats returns cumulative migration counts.
func (s *Scheduler) Stats() Stats {
	return Stats{
		MigratedHotToWarm:  s.migratedHotToWarm.Load(),
		MigratedWarmToCold: s.migratedWarmToCold.Load(),
		PromotedWarmToHot:  s.promotedWarmToHot.Load(),
	}
}
