package rpc

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"time"

	"github.com/memoria/memcore/internal/analytics"
	"github.com/memoria/memcore/internal/errs"
	"github.com/memoria/memcore/internal/hotstore"
	"github.com/memoria/memcore/internal/ingestion"
	"github.com/memoria/memcore/internal/record"
	"github.com/memoria/memcore/internal/resilience"
)

// insertUploadManifestRequest names the upload a worker should process
// immediately rather than waiting for the next discovery poll.
type insertUploadManifestRequest struct {
	SystemID string `json:"system_id"`
	Prefix   string `json:"prefix"`
}

func (s *Server) handleInsertUploadManifest(w http.ResponseWriter, r *http.Request) {
	var req insertUploadManifestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := validateSystemID(req.SystemID); err != nil {
		writeErr(w, err)
		return
	}
	upload := ingestion.Upload{SystemID: req.SystemID, Prefix: req.Prefix}
	go func() {
		if err := s.Pipeline.RunWithRetry(context.Background(), upload); err != nil {
			s.Log.Component("rpc").Error().
				Str("system_id", req.SystemID).
				Str("prefix", req.Prefix).
				Err(err).
				Msg("insert_upload_manifest processing failed")
		}
	}()
	w.WriteHeader(http.StatusAccepted)
}

type searchAllSystemsRequest struct {
	QueryText      string                        `json:"query_text,omitempty"`
	QueryEmbedding *[record.EmbeddingDim]float32 `json:"query_embedding,omitempty"`
	SystemID       string                        `json:"system_id,omitempty"`
	K              int                           `json:"k"`
	Threshold      float64                       `json:"threshold"`
	TotalBudgetMs  int64                         `json:"total_budget_ms,omitempty"`
}

type searchAllSystemsResponse struct {
	Results       []hotstore.Result `json:"results"`
	Partial       bool              `json:"partial"`
	ShardsQueried []int             `json:"shards_queried"`
	ShardsFailed  []int             `json:"shards_failed"`
}

// latencyRule fires an alert whenever a search_all_systems call exceeds
// §4.13's 1000ms latency trigger.
var latencyRule = resilience.Rule{Name: "latency", Comparison: resilience.Above, Threshold: 1000}

func (s *Server) handleSearchAllSystems(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req searchAllSystemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := validateK(req.K); err != nil {
		writeErr(w, err)
		return
	}
	if err := validateThreshold(req.Threshold); err != nil {
		writeErr(w, err)
		return
	}
	if err := validateSystemID(req.SystemID); err != nil {
		writeErr(w, err)
		return
	}

	vec, err := s.embed(r.Context(), req.QueryText, req.QueryEmbedding)
	if err != nil {
		writeErr(w, err)
		return
	}

	total := defaultSearchTotal
	if req.TotalBudgetMs > 0 {
		total = time.Duration(req.TotalBudgetMs) * time.Millisecond
	}

	resp := s.Coordinator.Search(r.Context(), req.SystemID, vec, req.K, hotstore.Filter{}, req.Threshold, total, nil)
	if s.Alerts != nil {
		elapsedMs := float64(time.Since(start).Milliseconds())
		subject := req.SystemID
		if subject == "" {
			subject = "search_all_systems"
		}
		s.Alerts.Fire(r.Context(), latencyRule, subject, elapsedMs)
	}
	writeJSON(w, s.Log, searchAllSystemsResponse{
		Results:       resp.Results,
		Partial:       resp.Partial,
		ShardsQueried: resp.ShardsQueried,
		ShardsFailed:  resp.ShardsFailed,
	})
}

type getSystemMetricsRequest struct {
	SystemID string `json:"system_id"`
	Metric   string `json:"metric"`
}

func (s *Server) handleGetSystemMetrics(w http.ResponseWriter, r *http.Request) {
	var req getSystemMetricsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := validateSystemID(req.SystemID); err != nil {
		writeErr(w, err)
		return
	}
	buf, ok := s.Metrics.Buffer(req.Metric, req.SystemID)
	if !ok {
		writeJSON(w, s.Log, struct {
			Samples []analytics.Sample `json:"samples"`
		}{Samples: nil})
		return
	}
	writeJSON(w, s.Log, struct {
		Samples []analytics.Sample `json:"samples"`
	}{Samples: buf.Snapshot()})
}

type analyzeTrendRequest struct {
	SystemID string `json:"system_id"`
	Metric   string `json:"metric"`
}

func (s *Server) handleAnalyzeTrend(w http.ResponseWriter, r *http.Request) {
	var req analyzeTrendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := validateSystemID(req.SystemID); err != nil {
		writeErr(w, err)
		return
	}
	buf, ok := s.Metrics.Buffer(req.Metric, req.SystemID)
	if !ok {
		writeErr(w, errs.New("rpc.handleAnalyzeTrend", errs.KindValidation, errBadSystemID))
		return
	}
	writeJSON(w, s.Log, analytics.AnalyzeTrend(buf.Snapshot()))
}

type detectAnomaliesRequest struct {
	SystemID     string  `json:"system_id"`
	Metric       string  `json:"metric"`
	ThresholdStd float64 `json:"threshold_std,omitempty"`
}

func (s *Server) handleDetectAnomalies(w http.ResponseWriter, r *http.Request) {
	var req detectAnomaliesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := validateSystemID(req.SystemID); err != nil {
		writeErr(w, err)
		return
	}
	threshold := req.ThresholdStd
	if threshold <= 0 {
		threshold = analytics.DefaultAnomalyThreshold
	}
	buf, ok := s.Metrics.Buffer(req.Metric, req.SystemID)
	if !ok {
		writeJSON(w, s.Log, []analytics.Anomaly{})
		return
	}
	writeJSON(w, s.Log, analytics.DetectAnomalies(buf.Snapshot(), threshold))
}

type correlateSystemsRequest struct {
	Metric      string   `json:"metric"`
	SystemIDs   []string `json:"system_ids"`
	BucketWidth float64  `json:"bucket_width"`
}

func (s *Server) handleCorrelateSystems(w http.ResponseWriter, r *http.Request) {
	var req correlateSystemsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	bySystem := make(map[string][]analytics.Sample, len(req.SystemIDs))
	for _, id := range req.SystemIDs {
		if err := validateSystemID(id); err != nil {
			writeErr(w, err)
			return
		}
		if buf, ok := s.Metrics.Buffer(req.Metric, id); ok {
			bySystem[id] = buf.Snapshot()
		}
	}
	writeJSON(w, s.Log, analytics.CorrelateSystems(bySystem, req.BucketWidth))
}

type queryKnowledgeGraphRequest struct {
	EntityID     string `json:"entity_id"`
	RelationType string `json:"relation_type,omitempty"`
	Limit        int    `json:"limit"`
}

func (s *Server) handleQueryKnowledgeGraph(w http.ResponseWriter, r *http.Request) {
	var req queryKnowledgeGraphRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	if err := validateK(req.Limit); err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, s.Log, s.Graph.Neighbors(req.EntityID, req.RelationType, req.Limit))
}

type findPathRequest struct {
	Source string `json:"source"`
	Target string `json:"target"`
	MaxHops int   `json:"max_hops"`
}

type findPathResponse struct {
	Path  []string `json:"path"`
	Found bool     `json:"found"`
}

func (s *Server) handleFindPath(w http.ResponseWriter, r *http.Request) {
	var req findPathRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad json", http.StatusBadRequest)
		return
	}
	path, found := s.Graph.ShortestPath(req.Source, req.Target, req.MaxHops)
	writeJSON(w, s.Log, findPathResponse{Path: path, Found: found})
}

func (s *Server) handleGetGraphStatistics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.Log, s.Graph.Statistics())
}

// shardStatus reports one shard's per-tier cardinalities and ANN index
// freshness (§4.14: "per-shard tier cardinalities, index freshness").
type shardStatus struct {
	ShardID       int     `json:"shard_id"`
	HotCount      int     `json:"hot_count"`
	WarmCount     int     `json:"warm_count"`
	ColdPending   int     `json:"cold_pending"`
	IndexBuilt    bool    `json:"index_built"`
	IndexAgeSecs  float64 `json:"index_age_seconds"`
}

type storageStatusResponse struct {
	Shards        []shardStatus          `json:"shards"`
	BreakerStates []resilience.Snapshot `json:"breaker_states"`
}

func (s *Server) handleGetStorageStatus(w http.ResponseWriter, r *http.Request) {
	shardIDs := make([]int, 0, len(s.Hot))
	for id := range s.Hot {
		shardIDs = append(shardIDs, id)
	}
	sort.Ints(shardIDs)

	shards := make([]shardStatus, 0, len(shardIDs))
	for _, id := range shardIDs {
		built, age := s.Hot[id].IndexFreshness()
		shards = append(shards, shardStatus{
			ShardID:      id,
			HotCount:     s.Hot[id].Len(),
			WarmCount:    s.Warm[id].Len(),
			ColdPending:  s.Cold[id].PendingLen(),
			IndexBuilt:   built,
			IndexAgeSecs: age.Seconds(),
		})
	}

	writeJSON(w, s.Log, storageStatusResponse{
		Shards:        shards,
		BreakerStates: s.Breakers.All(),
	})
}
