// Command memcored is the memory-aggregation engine's entrypoint,
// structured after the teacher's cmd/warren: a cobra root command with
// a "serve" subcommand that wires every component from a single typed
// config.Options and runs until a termination signal, then shuts down in
// this order: drain the RPC server (no new queries; bounded by a 30s
// deadline), cancel the context discovery and the ingestion workers run
// under, wait for the aging scheduler's in-flight pass, then exit.
// In-flight ingestion work is cancelled, not waited for, and the wait for
// the aging pass has no deadline.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/memoria/memcore/internal/aging"
	"github.com/memoria/memcore/internal/analytics"
	"github.com/memoria/memcore/internal/coldstore"
	"github.com/memoria/memcore/internal/config"
	"github.com/memoria/memcore/internal/dedup"
	"github.com/memoria/memcore/internal/embedding"
	"github.com/memoria/memcore/internal/graph"
	"github.com/memoria/memcore/internal/hotstore"
	"github.com/memoria/memcore/internal/ingestion"
	"github.com/memoria/memcore/internal/objectstore"
	"github.com/memoria/memcore/internal/obslog"
	"github.com/memoria/memcore/internal/promexport"
	"github.com/memoria/memcore/internal/query"
	"github.com/memoria/memcore/internal/resilience"
	"github.com/memoria/memcore/internal/rpc"
	"github.com/memoria/memcore/internal/shardrouter"
	"github.com/memoria/memcore/internal/warmstore"
)

// Exit codes (§6).
const (
	exitOK                = 0
	exitConfigError       = 1
	exitStorageAdapterErr = 2
)

// discoveryInterval is how often the discoverer polls the object store for
// new uploads (§4.7 names no fixed value; 5s matches the teacher's
// cluster-state poll cadence in internal/coordinator).
const discoveryInterval = 5 * time.Second

// alertMonitorInterval is how often shard health and tier hit-rate are
// polled for threshold-triggered alerts (§4.13); no fixed value is named in
// the spec, so this matches discoveryInterval's poll cadence.
const alertMonitorInterval = 5 * time.Second

// degradedIndexRule fires when a shard's ANN index has panicked and fallen
// back to brute-force search (hotstore.Store.Degraded).
var degradedIndexRule = resilience.Rule{Name: "degraded_index", Comparison: resilience.Above, Threshold: 0}

// lowHitRateRule fires when the Hot tier serves less than half of recent
// search hits, the inverted low_hit_rate-style trigger §4.13 names.
var lowHitRateRule = resilience.Rule{Name: "low_hit_rate", Comparison: resilience.Below, Threshold: 0.5}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}
}

var rootCmd = &cobra.Command{
	Use:   "memcored",
	Short: "memcore memory-aggregation engine",
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(storageStatusCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the ingestion, aging, query, and RPC facade services",
	RunE:  runServe,
}

var storageStatusCmd = &cobra.Command{
	Use:   "storage-status",
	Short: "Print per-shard tier cardinalities and breaker states for a running instance",
	RunE:  runStorageStatus,
}

// app bundles every constructed dependency so serve and storage-status can
// share one build routine.
type app struct {
	cfg      config.Options
	log      obslog.Logger
	hot      map[int]*hotstore.Store
	warm     map[int]*warmstore.Store
	cold     map[int]*coldstore.Store
	graph    *graph.Graph
	metrics  *analytics.Registry
	breakers *resilience.Registry
	alerts   *resilience.Manager
	pipeline *ingestion.Pipeline
	discover *ingestion.Discoverer
	queue    *ingestion.Queue
	aging    *aging.Scheduler
	rpcSrv   *rpc.Server
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(exitConfigError)
	}

	log := obslog.New(obslog.Options{Level: "info"})
	a, err := build(cfg, log)
	if err != nil {
		log.Component("main").Error().Err(err).Msg("failed to build dependencies")
		os.Exit(exitStorageAdapterErr)
	}

	ctx, cancel := context.WithCancel(context.Background())

	if err := a.aging.Start(ctx, cfg.AgingPeriod); err != nil {
		log.Component("main").Error().Err(err).Msg("failed to start aging scheduler")
		os.Exit(exitStorageAdapterErr)
	}

	startWorkers(ctx, a)
	go runDiscoveryLoop(ctx, a)
	go runAlertMonitor(ctx, a)

	serveErr := make(chan error, 1)
	go func() {
		log.Component("main").Info().Str("addr", cfg.ListenAddr).Msg("rpc facade listening")
		serveErr <- a.rpcSrv.ListenAndServe(cfg.ListenAddr)
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	select {
	case <-stop:
		log.Component("main").Info().Msg("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			log.Component("main").Error().Err(err).Msg("rpc server exited unexpectedly")
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	// §5's drain order: stop new queries first.
	if err := a.rpcSrv.Shutdown(shutdownCtx); err != nil {
		log.Component("main").Error().Err(err).Msg("rpc shutdown error")
	}
	// Signal discovery and workers to stop claiming new work, then let the
	// aging scheduler finish its in-flight pass.
	cancel()
	a.aging.Stop()

	log.Component("main").Info().Msg("memcored stopped")
	return nil
}

func runStorageStatus(cmd *cobra.Command, _ []string) error {
	cfg, err := config.FromEnv()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log := obslog.New(obslog.Options{Level: "info"})
	a, err := build(cfg, log)
	if err != nil {
		return fmt.Errorf("build: %w", err)
	}
	for shardID, hot := range a.hot {
		fmt.Printf("shard %d: hot=%d warm=%d\n", shardID, hot.Len(), a.warm[shardID].Len())
	}
	stats := a.aging.Stats()
	fmt.Printf("aging: hot_to_warm=%d warm_to_cold=%d\n", stats.MigratedHotToWarm, stats.MigratedWarmToCold)
	for _, snap := range a.breakers.All() {
		fmt.Printf("breaker %s: %s (successes=%d failures=%d rejected=%d)\n", snap.Key, snap.State, snap.Successes, snap.Failures, snap.Rejected)
	}
	return nil
}

func build(cfg config.Options, log obslog.Logger) (*app, error) {
	router := shardrouter.New(cfg.ShardCount)

	hot := make(map[int]*hotstore.Store, cfg.ShardCount)
	warm := make(map[int]*warmstore.Store, cfg.ShardCount)
	cold := make(map[int]*coldstore.Store, cfg.ShardCount)
	dedupIdx := make(map[int]*dedup.Index, cfg.ShardCount)

	agingSched := aging.New(cfg.HotTTL, cfg.WarmTTL, cfg.PromoteOnAccess, log)

	for i := 0; i < cfg.ShardCount; i++ {
		hot[i] = hotstore.New(i)
		warm[i] = warmstore.New()
		cold[i] = coldstore.New(cfg.ColdDataDir, i)
		dedupIdx[i] = dedup.NewIndex()
		agingSched.Register(&aging.Shard{ID: i, Hot: hot[i], Warm: warm[i], Cold: cold[i]})
	}

	store, err := buildObjectStore(cfg)
	if err != nil {
		return nil, err
	}
	claims := buildClaimTable(cfg)

	g := graph.New()
	metrics := analytics.NewRegistry(analytics.DefaultWindow)
	breakers := resilience.NewRegistry(resilience.Config{
		FailureThreshold: cfg.CircuitFailureThresh,
		SuccessThreshold: cfg.CircuitSuccessThresh,
		OpenDuration:     cfg.CircuitOpenDuration,
	})

	var webhook *resilience.Webhook
	if cfg.AlertWebhookURL != "" {
		webhook = &resilience.Webhook{URL: cfg.AlertWebhookURL}
	}
	alerts := resilience.NewManager(webhook, log)

	encoder := embedding.NewClient(os.Getenv("EMBEDDING_API_KEY"))

	shardSets := make(map[int]*ingestion.ShardSet, cfg.ShardCount)
	for i := 0; i < cfg.ShardCount; i++ {
		shardSets[i] = &ingestion.ShardSet{Hot: hot[i], Dedup: dedupIdx[i]}
	}

	workerID := hostWorkerID()
	pipeline := &ingestion.Pipeline{
		Store:    store,
		Router:   router,
		Shards:   shardSets,
		Graph:    g,
		Metrics:  metrics,
		Encoder:  encoder,
		Limiter:  ingestion.NewRateLimiter(cfg.RateLimitPerSystem),
		Claims:   claims,
		WorkerID: workerID,
		Log:      log,
		Breakers: breakers,
	}
	discoverer := &ingestion.Discoverer{Store: store, Claims: claims, Owner: workerID}

	searchers := make(map[int]*query.ShardSearcher, cfg.ShardCount)
	for i := 0; i < cfg.ShardCount; i++ {
		searchers[i] = &query.ShardSearcher{ID: i, Hot: hot[i], Warm: warm[i], Metrics: metrics, Promote: agingSched}
	}
	coordinator := &query.Coordinator{Router: router, Shards: searchers}

	rpcSrv := &rpc.Server{
		AuthToken:   cfg.AuthToken,
		AuthEnabled: cfg.AuthEnabled,
		Coordinator: coordinator,
		Graph:       g,
		Metrics:     metrics,
		Breakers:    breakers,
		Alerts:      alerts,
		Encoder:     encoder,
		Pipeline:    pipeline,
		Log:         log,
		Hot:         hot,
		Warm:        warm,
		Cold:        cold,
	}

	return &app{
		cfg: cfg, log: log,
		hot: hot, warm: warm, cold: cold,
		graph: g, metrics: metrics, breakers: breakers, alerts: alerts,
		pipeline: pipeline, discover: discoverer, queue: ingestion.NewQueue(cfg.Workers),
		aging: agingSched, rpcSrv: rpcSrv,
	}, nil
}

// startWorkers launches cfg.Workers goroutines draining the shared queue,
// the bounded-concurrency shape §5 specifies ("default capacity = 4 x
// worker_count" backpressure, enforced by ingestion.Queue itself).
func startWorkers(ctx context.Context, a *app) {
	for i := 0; i < a.cfg.Workers; i++ {
		go func(workerNum int) {
			for {
				u, ok := a.queue.Dequeue(ctx)
				if !ok {
					return
				}
				if err := a.pipeline.RunWithRetry(ctx, u); err != nil {
					a.log.Component("ingestion").Error().Err(err).
						Int("worker", workerNum).Str("system_id", u.SystemID).
						Msg("upload processing failed")
				}
			}
		}(i)
	}
}

// runDiscoveryLoop polls the object store for newly-claimable uploads and
// feeds them to the worker queue until ctx is cancelled.
func runDiscoveryLoop(ctx context.Context, a *app) {
	ticker := time.NewTicker(discoveryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			a.queue.Close()
			return
		case <-ticker.C:
			uploads, err := a.discover.Discover(ctx)
			if err != nil {
				a.log.Component("ingestion").Error().Err(err).Msg("discovery failed")
				continue
			}
			for _, u := range uploads {
				if err := a.queue.Enqueue(ctx, u); err != nil {
					return
				}
			}
		}
	}
}

// runAlertMonitor polls shard index health and tier hit-rate on a fixed
// interval, firing §4.13's degraded_index and low_hit_rate alerts, until ctx
// is cancelled. hotstore.Store.Degraded is never polled any other way
// (the store itself only flips the flag; raising the alert is the caller's
// job per its own doc comment).
func runAlertMonitor(ctx context.Context, a *app) {
	ticker := time.NewTicker(alertMonitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.alerts.PruneExpired()
			for shardID, hot := range a.hot {
				value := 0.0
				if hot.Degraded() {
					value = 1.0
				}
				a.alerts.Fire(ctx, degradedIndexRule, fmt.Sprintf("shard-%d", shardID), value)

				shard := strconv.Itoa(shardID)
				promexport.TierCardinality.WithLabelValues(shard, "hot").Set(float64(hot.Len()))
				promexport.TierCardinality.WithLabelValues(shard, "warm").Set(float64(a.warm[shardID].Len()))
				promexport.TierCardinality.WithLabelValues(shard, "cold_pending").Set(float64(a.cold[shardID].PendingLen()))
			}
			for _, snap := range a.breakers.All() {
				promexport.BreakerState.WithLabelValues(snap.Key).Set(float64(snap.State))
			}
			checkHitRateAlerts(ctx, a)
		}
	}
}

// checkHitRateAlerts fires low_hit_rate for any system whose recent
// searches were served mostly from Warm rather than Hot, the tier-hit ratio
// the tier_hit_hot/tier_hit_warm metrics (supplemented feature) exist to
// track.
func checkHitRateAlerts(ctx context.Context, a *app) {
	systems := make(map[string]struct{})
	for _, id := range a.metrics.SystemsForMetric("tier_hit_hot") {
		systems[id] = struct{}{}
	}
	for _, id := range a.metrics.SystemsForMetric("tier_hit_warm") {
		systems[id] = struct{}{}
	}

	for systemID := range systems {
		var hot, warm float64
		if buf, ok := a.metrics.Buffer("tier_hit_hot", systemID); ok {
			for _, s := range buf.Snapshot() {
				hot += s.Value
			}
		}
		if buf, ok := a.metrics.Buffer("tier_hit_warm", systemID); ok {
			for _, s := range buf.Snapshot() {
				warm += s.Value
			}
		}
		total := hot + warm
		if total == 0 {
			continue
		}
		a.alerts.Fire(ctx, lowHitRateRule, systemID, hot/total)
	}
}

func buildObjectStore(cfg config.Options) (objectstore.Store, error) {
	if cfg.ObjectStoreEndpoint == "" {
		return objectstore.NewMemoryStore(), nil
	}
	client, err := minio.New(cfg.ObjectStoreEndpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.ObjectStoreAccessKey, cfg.ObjectStoreSecretKey, ""),
		Secure: cfg.ObjectStoreUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("object store client: %w", err)
	}
	return objectstore.NewMinIOStore(client, cfg.ObjectStoreBucket), nil
}

func buildClaimTable(cfg config.Options) ingestion.ClaimTable {
	if cfg.RedisAddr == "" {
		return ingestion.NewMemoryClaimTable(time.Minute)
	}
	client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	return ingestion.NewRedisClaimTable(client)
}

func hostWorkerID() string {
	host, err := os.Hostname()
	if err != nil {
		return "memcored"
	}
	return host
}
