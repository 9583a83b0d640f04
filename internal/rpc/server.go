// Package rpc exposes the public operation catalog (§4.14) over HTTP,
// grounded on the teacher's cmd/coordinator server: a plain
// http.ServeMux wired to a small struct of injected dependencies, JSON
// request/response bodies, http.Error for rejections, and a
// ReadHeaderTimeout'd http.Server for graceful shutdown. Bearer-token
// auth and input bounds validation are new: the teacher's coordinator
// has no auth layer, so those are grounded directly on §4.14's wording
// rather than adapted from teacher code.
package rpc

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"regexp"
	"time"
	"unicode/utf8"

	"github.com/memoria/memcore/internal/analytics"
	"github.com/memoria/memcore/internal/coldstore"
	"github.com/memoria/memcore/internal/errs"
	"github.com/memoria/memcore/internal/graph"
	"github.com/memoria/memcore/internal/hotstore"
	"github.com/memoria/memcore/internal/ingestion"
	"github.com/memoria/memcore/internal/obslog"
	"github.com/memoria/memcore/internal/promexport"
	"github.com/memoria/memcore/internal/query"
	"github.com/memoria/memcore/internal/record"
	"github.com/memoria/memcore/internal/resilience"
	"github.com/memoria/memcore/internal/warmstore"
)

// Input bounds from §6.
const (
	maxTextChars  = 10_000
	maxK          = 1000
	minThreshold  = -1.0
	maxThreshold  = 1.0
	defaultSearchTotal = 2 * time.Second
)

var systemIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,100}$`)

// Server wires every dependency the operation catalog needs; nothing is
// a package-level singleton (§7's "global singletons become explicitly
// injected dependencies").
type Server struct {
	AuthToken   string
	AuthEnabled bool
	Coordinator *query.Coordinator
	Graph       *graph.Graph
	Metrics     *analytics.Registry
	Breakers    *resilience.Registry
	// Alerts, when set, receives threshold-triggered alerts (§4.13) such
	// as search_all_systems latency; nil disables alerting from the RPC
	// surface without disabling the breaker or storage-status reporting.
	Alerts      *resilience.Manager
	Encoder     ingestion.Encoder
	Pipeline    *ingestion.Pipeline
	Log         obslog.Logger

	// Hot/Warm/Cold are keyed by shard ID, the same shards the
	// coordinator fans queries out to; get_storage_status (§4.14) reports
	// per-shard tier cardinalities and index freshness straight from
	// these rather than from a separately-tracked mirror.
	Hot  map[int]*hotstore.Store
	Warm map[int]*warmstore.Store
	Cold map[int]*coldstore.Store

	httpSrv *http.Server
}

// Handler builds the routed mux for every operation in the catalog.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/insert_upload_manifest", s.route("insert_upload_manifest", s.handleInsertUploadManifest))
	mux.HandleFunc("/v1/search_all_systems", s.route("search_all_systems", s.handleSearchAllSystems))
	mux.HandleFunc("/v1/get_system_metrics", s.route("get_system_metrics", s.handleGetSystemMetrics))
	mux.HandleFunc("/v1/analyze_trend", s.route("analyze_trend", s.handleAnalyzeTrend))
	mux.HandleFunc("/v1/detect_anomalies", s.route("detect_anomalies", s.handleDetectAnomalies))
	mux.HandleFunc("/v1/correlate_systems", s.route("correlate_systems", s.handleCorrelateSystems))
	mux.HandleFunc("/v1/query_knowledge_graph", s.route("query_knowledge_graph", s.handleQueryKnowledgeGraph))
	mux.HandleFunc("/v1/find_path", s.route("find_path", s.handleFindPath))
	mux.HandleFunc("/v1/get_graph_statistics", s.route("get_graph_statistics", s.handleGetGraphStatistics))
	mux.HandleFunc("/v1/get_storage_status", s.route("get_storage_status", s.handleGetStorageStatus))
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promexport.Handler())
	return mux
}

// route wraps a handler with auth and Prometheus request instrumentation
// (§1 item 6), so every operation in the catalog reports a count and
// latency histogram under its own name regardless of how it resolves.
func (s *Server) route(operation string, next http.HandlerFunc) http.HandlerFunc {
	return s.auth(s.instrument(operation, next))
}

// instrument records memcore_rpc_requests_total and
// memcore_rpc_request_duration_seconds for one operation.
func (s *Server) instrument(operation string, next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		timer := promexport.NewTimer()
		next(sw, r)
		timer.ObserveSeconds(promexport.RequestDuration, operation)
		promexport.RequestsTotal.WithLabelValues(operation, http.StatusText(sw.status)).Inc()
	}
}

// statusWriter captures the status code an http.ResponseWriter was written
// with, since the stdlib interface itself exposes no getter for it.
type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}

// ListenAndServe starts the HTTP server on addr. It blocks until Shutdown
// is called or the listener fails.
func (s *Server) ListenAndServe(addr string) error {
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within the given context's deadline
// (§5's graceful-shutdown sequence: stop accepting new queries first).
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

// auth enforces §4.14's bearer-token check with a constant-time
// comparator, so a failed match never leaks timing information about
// how many leading bytes matched.
func (s *Server) auth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.AuthEnabled {
			next(w, r)
			return
		}
		const prefix = "Bearer "
		header := r.Header.Get("Authorization")
		if len(header) < len(prefix) || header[:len(prefix)] != prefix {
			http.Error(w, "missing bearer token", http.StatusUnauthorized)
			return
		}
		token := header[len(prefix):]
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.AuthToken)) != 1 {
			http.Error(w, "invalid bearer token", http.StatusUnauthorized)
			return
		}
		next(w, r)
	}
}

func writeJSON(w http.ResponseWriter, log obslog.Logger, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Component("rpc").Error().Err(err).Msg("failed to encode response")
	}
}

func httpStatusForKind(k errs.Kind) int {
	switch k {
	case errs.KindValidation:
		return http.StatusBadRequest
	case errs.KindCapacity:
		return http.StatusTooManyRequests
	case errs.KindTerminalTransport:
		return http.StatusBadGateway
	case errs.KindRetryableTransport:
		return http.StatusServiceUnavailable
	case errs.KindCorruption, errs.KindInvariant:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	http.Error(w, err.Error(), httpStatusForKind(errs.ClassOf(err)))
}

func validateText(s string) error {
	if utf8.RuneCountInString(s) > maxTextChars {
		return errs.New("rpc.validateText", errs.KindValidation, errTooLong)
	}
	return nil
}

func validateK(k int) error {
	if k < 1 || k > maxK {
		return errs.New("rpc.validateK", errs.KindValidation, errKOutOfRange)
	}
	return nil
}

func validateThreshold(t float64) error {
	if t < minThreshold || t > maxThreshold {
		return errs.New("rpc.validateThreshold", errs.KindValidation, errThresholdOutOfRange)
	}
	return nil
}

func validateSystemID(id string) error {
	if id == "" {
		return nil // empty system_id means "all systems" for fan-out operations
	}
	if !systemIDPattern.MatchString(id) {
		return errs.New("rpc.validateSystemID", errs.KindValidation, errBadSystemID)
	}
	return nil
}

var (
	errTooLong             = simpleErr("text exceeds 10000 characters")
	errKOutOfRange         = simpleErr("k must be in [1, 1000]")
	errThresholdOutOfRange = simpleErr("threshold must be in [-1, 1]")
	errBadSystemID         = simpleErr("system_id must match ^[A-Za-z0-9_-]{1,100}$")
)

type simpleErr string

func (e simpleErr) Error() string { return string(e) }

// embed resolves a search request's vector, either using the caller's
// embedding directly or calling the Encoder on query_text.
func (s *Server) embed(ctx context.Context, queryText string, queryEmbedding *[record.EmbeddingDim]float32) ([record.EmbeddingDim]float32, error) {
	if queryEmbedding != nil {
		return *queryEmbedding, nil
	}
	if err := validateText(queryText); err != nil {
		return [record.EmbeddingDim]float32{}, err
	}
	return s.Encoder.Embed(ctx, []byte(queryText))
}
