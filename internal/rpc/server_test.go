package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/memoria/memcore/internal/analytics"
	"github.com/memoria/memcore/internal/coldstore"
	"github.com/memoria/memcore/internal/dedup"
	"github.com/memoria/memcore/internal/graph"
	"github.com/memoria/memcore/internal/hotstore"
	"github.com/memoria/memcore/internal/ingestion"
	"github.com/memoria/memcore/internal/objectstore"
	"github.com/memoria/memcore/internal/obslog"
	"github.com/memoria/memcore/internal/query"
	"github.com/memoria/memcore/internal/record"
	"github.com/memoria/memcore/internal/resilience"
	"github.com/memoria/memcore/internal/shardrouter"
	"github.com/memoria/memcore/internal/warmstore"
)

type stubEncoder struct{}

func (stubEncoder) Embed(context.Context, []byte) ([record.EmbeddingDim]float32, error) {
	var v [record.EmbeddingDim]float32
	v[0] = 1
	return v, nil
}

func newTestServer(t *testing.T) *Server {
	t.Helper()
	router := shardrouter.New(1)
	shards := map[int]*query.ShardSearcher{0: {ID: 0, Hot: hotstore.New(0), Warm: warmstore.New()}}
	g := graph.New()
	metrics := analytics.NewRegistry(1000)
	log := obslog.New(obslog.Options{Output: os.Stderr})

	pipeline := &ingestion.Pipeline{
		Store:    objectstore.NewMemoryStore(),
		Router:   router,
		Shards:   map[int]*ingestion.ShardSet{0: {Hot: shards[0].Hot, Dedup: dedup.NewIndex()}},
		Graph:    g,
		Metrics:  metrics,
		Encoder:  stubEncoder{},
		Limiter:  ingestion.NewRateLimiter(1000),
		Claims:   ingestion.NewMemoryClaimTable(time.Minute),
		WorkerID: "rpc-test",
		Log:      log,
	}

	return &Server{
		AuthEnabled: true,
		AuthToken:   "secret-token",
		Coordinator: &query.Coordinator{Router: router, Shards: shards},
		Graph:       g,
		Metrics:     metrics,
		Breakers:    resilience.NewRegistry(resilience.DefaultConfig()),
		Encoder:     stubEncoder{},
		Pipeline:    pipeline,
		Log:         log,
		Hot:         map[int]*hotstore.Store{0: shards[0].Hot},
		Warm:        map[int]*warmstore.Store{0: shards[0].Warm},
		Cold:        map[int]*coldstore.Store{0: coldstore.New(t.TempDir(), 0)},
	}
}

func doRequest(t *testing.T, srv *Server, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rr := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rr, req)
	return rr
}

func TestAuthRejectsMissingToken(t *testing.T) {
	srv := newTestServer(t)
	rr := doRequest(t, srv, http.MethodPost, "/v1/get_graph_statistics", "", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthRejectsWrongToken(t *testing.T) {
	srv := newTestServer(t)
	rr := doRequest(t, srv, http.MethodPost, "/v1/get_graph_statistics", "wrong", nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
}

func TestAuthAcceptsCorrectToken(t *testing.T) {
	srv := newTestServer(t)
	rr := doRequest(t, srv, http.MethodPost, "/v1/get_graph_statistics", "secret-token", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestAuthDisabledSkipsCheck(t *testing.T) {
	srv := newTestServer(t)
	srv.AuthEnabled = false
	rr := doRequest(t, srv, http.MethodPost, "/v1/get_graph_statistics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestSearchAllSystemsRejectsKOutOfRange(t *testing.T) {
	srv := newTestServer(t)
	rr := doRequest(t, srv, http.MethodPost, "/v1/search_all_systems", "secret-token", searchAllSystemsRequest{K: 0, Threshold: 0})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSearchAllSystemsRejectsThresholdOutOfRange(t *testing.T) {
	srv := newTestServer(t)
	rr := doRequest(t, srv, http.MethodPost, "/v1/search_all_systems", "secret-token", searchAllSystemsRequest{K: 5, Threshold: 2.0})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSearchAllSystemsRejectsBadSystemID(t *testing.T) {
	srv := newTestServer(t)
	rr := doRequest(t, srv, http.MethodPost, "/v1/search_all_systems", "secret-token", searchAllSystemsRequest{K: 5, SystemID: "bad id!"})
	assert.Equal(t, http.StatusBadRequest, rr.Code)
}

func TestSearchAllSystemsReturnsResults(t *testing.T) {
	srv := newTestServer(t)
	require.NoError(t, srv.Coordinator.Shards[0].Hot.Insert(record.Hot{
		RecordID: "r1", SystemID: "s1", Content: "hello",
		Timestamp: time.Now(), ContentHash: record.Hash("hello"),
		Embedding: [record.EmbeddingDim]float32{1},
	}))

	rr := doRequest(t, srv, http.MethodPost, "/v1/search_all_systems", "secret-token", searchAllSystemsRequest{
		QueryText: "hello", K: 5,
	})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp searchAllSystemsResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.Len(t, resp.Results, 1)
}

func TestFindPathReturnsFoundFalseForUnknownEntities(t *testing.T) {
	srv := newTestServer(t)
	rr := doRequest(t, srv, http.MethodPost, "/v1/find_path", "secret-token", findPathRequest{Source: "a", Target: "b", MaxHops: 5})
	require.Equal(t, http.StatusOK, rr.Code)

	var resp findPathResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	assert.False(t, resp.Found)
}

func TestGetStorageStatusReportsBreakerSnapshots(t *testing.T) {
	srv := newTestServer(t)
	srv.Breakers.RecordFailure("object-store")

	rr := doRequest(t, srv, http.MethodPost, "/v1/get_storage_status", "secret-token", nil)
	require.Equal(t, http.StatusOK, rr.Code)

	var resp storageStatusResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &resp))
	require.Len(t, resp.BreakerStates, 1)
	assert.Equal(t, "object-store", resp.BreakerStates[0].Key)
	require.Len(t, resp.Shards, 1)
	assert.Equal(t, 0, resp.Shards[0].ShardID)
	assert.False(t, resp.Shards[0].IndexBuilt)
}

func TestSearchAllSystemsFiresLatencyAlertWhenConfigured(t *testing.T) {
	srv := newTestServer(t)
	srv.Alerts = resilience.NewManager(nil, srv.Log)
	require.NoError(t, srv.Coordinator.Shards[0].Hot.Insert(record.Hot{
		RecordID: "r1", SystemID: "s1", Content: "hello",
		Timestamp: time.Now(), ContentHash: record.Hash("hello"),
		Embedding: [record.EmbeddingDim]float32{1},
	}))

	rr := doRequest(t, srv, http.MethodPost, "/v1/search_all_systems", "secret-token", searchAllSystemsRequest{
		QueryText: "hello", K: 5,
	})
	assert.Equal(t, http.StatusOK, rr.Code)
	// A fast in-process search never trips the 1000ms threshold; this just
	// exercises the Alerts.Fire call path without panicking.
}

func TestMetricsEndpointSkipsAuth(t *testing.T) {
	srv := newTestServer(t)
	rr := doRequest(t, srv, http.MethodGet, "/metrics", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestHealthEndpointSkipsAuth(t *testing.T) {
	srv := newTestServer(t)
	rr := doRequest(t, srv, http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
